package forward

import (
	"errors"

	"txnsession/pkg/iface/txnif"
)

var (
	ErrNetwork        = txnif.ErrNetwork
	ErrLeaderRejected = errors.New("forward: leader rejected request")
	ErrBadMessage     = errors.New("forward: bad message")
	ErrServerStarted  = errors.New("forward: server already started")
)
