package frontend

import "errors"

var (
	ErrConnNotFound    = errors.New("frontend: connection not found")
	ErrTxnAlreadyBegun = errors.New("frontend: transaction already begun")
)
