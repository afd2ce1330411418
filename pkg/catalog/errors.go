package catalog

import "errors"

var (
	ErrNotFound   = errors.New("catalog: not found")
	ErrDuplicate  = errors.New("catalog: duplicate")
	ErrValidation = errors.New("catalog: validation")
)
