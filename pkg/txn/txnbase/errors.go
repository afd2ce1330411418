package txnbase

import "errors"

var (
	ErrTxnNotFound         = errors.New("txnbase: txn not found")
	ErrTxnNotPrepared      = errors.New("txnbase: txn not in prepare status")
	ErrTxnAlreadyCommitted = errors.New("txnbase: txn already committed")
	ErrTxnAlreadyAborted   = errors.New("txnbase: txn already aborted")
	ErrTxnExpired          = errors.New("txnbase: txn expired")
	ErrLabelAlreadyUsed    = errors.New("txnbase: label already used")
	ErrDBMismatch          = errors.New("txnbase: database mismatch")
	ErrSubTxnNotFound      = errors.New("txnbase: sub txn not found")
	ErrTableNotInTxn       = errors.New("txnbase: table not in txn")
	ErrInvalidTimeout      = errors.New("txnbase: invalid timeout")
	ErrNothingToCommit     = errors.New("txnbase: nothing to commit")
)
