package txn

import "errors"

const DefaultCommitFailedMsg = "commit failed, rollback."

var (
	ErrModeConflict        = errors.New("txn: can not insert into values and insert into select at the same time")
	ErrCrossDatabase       = errors.New("txn: transaction insert must be in the same database")
	ErrConsistency         = errors.New("txn: commit acks do not match participant tables")
	ErrCoordinator         = errors.New("txn: coordinator error")
	ErrVisibilityTimeout   = errors.New("txn: transaction not visible within timeout")
	ErrCommittedNotVisible = errors.New("txn: transaction commit successfully, BUT data will be visible later")
	ErrCommitFailed        = errors.New("txn: commit failed")
	ErrSingleTableOnly     = errors.New("txn: streaming transaction accepts a single table")
	ErrTxnNotBegun         = errors.New("txn: txn not begun")
	ErrTxnFinished         = errors.New("txn: txn already finished")
	ErrTxnAlreadyCommitted = errors.New("txn: txn already committed")
	ErrTxnAborted          = errors.New("txn: txn aborted")
	ErrNoStreamExecutor    = errors.New("txn: no stream executor")
)
