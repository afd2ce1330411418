package txn

import (
	"fmt"
	"time"

	"txnsession/pkg/iface/txnif"
)

type CommitState int8

const (
	StateInit CommitState = iota
	StateBegun
	StateCommitting
	StateVisible
	StateCommitted
	StateFailed
	StateAborted
)

var commitStateNames = [...]string{"INIT", "BEGUN", "COMMITTING", "VISIBLE", "COMMITTED", "FAILED", "ABORTED"}

func (s CommitState) String() string {
	if int(s) < len(commitStateNames) {
		return commitStateNames[s]
	}
	return fmt.Sprintf("CommitState(%d)", int8(s))
}

// IsResolved reports whether the commit protocol has reached an outcome.
func (s CommitState) IsResolved() bool {
	return s >= StateVisible
}

func (s CommitState) IsCommitted() bool {
	return s == StateVisible || s == StateCommitted
}

type TxnCtx struct {
	Label    string
	DB       txnif.DatabaseIf
	TxnID    uint64
	Deadline time.Time
	State    CommitState
	Status   txnif.TxnStatus
	Err      error
}

func (ctx *TxnCtx) resolve(state CommitState, status txnif.TxnStatus, err error) {
	ctx.State = state
	ctx.Status = status
	ctx.Err = err
}

func (ctx *TxnCtx) String() string {
	var dbID uint64
	if ctx.DB != nil {
		dbID = ctx.DB.GetID()
	}
	return fmt.Sprintf("[Txn-%d][DB-%d][label=%s][%s]", ctx.TxnID, dbID, ctx.Label, ctx.State)
}
