package txnbase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"txnsession/pkg/iface/txnif"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/btree"
)

type OpType int8

const (
	OpCommit OpType = iota
	OpRollback
)

type OpTxn struct {
	Txn    *TransactionState
	Op     OpType
	Reason string
	err    error
	done   chan struct{}
}

func newOpTxn(txn *TransactionState, op OpType, reason string) *OpTxn {
	return &OpTxn{
		Txn:    txn,
		Op:     op,
		Reason: reason,
		done:   make(chan struct{}),
	}
}

func (op *OpTxn) Repr() string {
	if op.Op == OpCommit {
		return fmt.Sprintf("[Commit][Txn-%d]", op.Txn.TxnID)
	} else {
		return fmt.Sprintf("[Rollback][Txn-%d]", op.Txn.TxnID)
	}
}

func (op *OpTxn) finish(err error) {
	op.err = err
	close(op.done)
}

func (op *OpTxn) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransactionState is the coordinator-side record of one global transaction.
type TransactionState struct {
	sync.RWMutex
	DBID        uint64
	TxnID       uint64
	Label       string
	Coordinator txnif.TxnCoordinator
	SourceType  txnif.LoadJobSourceType
	Timeout     time.Duration

	TableIDs     []uint64
	SubTxnIDs    []uint64
	SubTxnStates []*txnif.SubTransactionState
	CommitInfos  []txnif.TabletCommitInfo

	Status        txnif.TxnStatus
	Reason        string
	ErrorMsgs     []string
	ErrorTablets  *roaring64.Bitmap
	CommitVersion uint64

	PrepareTime, CommitTime, FinishTime time.Time

	finishedC chan struct{}
}

func NewTransactionState(dbID, txnID uint64, label string, coord txnif.TxnCoordinator,
	source txnif.LoadJobSourceType, timeout time.Duration, now time.Time) *TransactionState {
	return &TransactionState{
		DBID:         dbID,
		TxnID:        txnID,
		Label:        label,
		Coordinator:  coord,
		SourceType:   source,
		Timeout:      timeout,
		Status:       txnif.TxnStatusPrepare,
		ErrorTablets: roaring64.NewBitmap(),
		PrepareTime:  now,
		finishedC:    make(chan struct{}),
	}
}

func (txn *TransactionState) Less(item btree.Item) bool {
	return txn.TxnID < item.(*TransactionState).TxnID
}

func (txn *TransactionState) GetStatus() txnif.TxnStatus {
	txn.RLock()
	defer txn.RUnlock()
	return txn.Status
}

func (txn *TransactionState) GetTableIDList() []uint64 {
	txn.RLock()
	defer txn.RUnlock()
	ids := make([]uint64, len(txn.TableIDs))
	copy(ids, txn.TableIDs)
	return ids
}

func (txn *TransactionState) GetSubTxnStates() []*txnif.SubTransactionState {
	txn.RLock()
	defer txn.RUnlock()
	states := make([]*txnif.SubTransactionState, len(txn.SubTxnStates))
	copy(states, txn.SubTxnStates)
	return states
}

func (txn *TransactionState) IsExpiredLocked(now time.Time) bool {
	return txn.Status == txnif.TxnStatusPrepare && now.Sub(txn.PrepareTime) > txn.Timeout
}

func (txn *TransactionState) hasSubTxnLocked(subTxnID uint64) bool {
	if subTxnID == txn.TxnID {
		return true
	}
	for _, id := range txn.SubTxnIDs {
		if id == subTxnID {
			return true
		}
	}
	return false
}

func (txn *TransactionState) hasTableLocked(tableID uint64) bool {
	for _, id := range txn.TableIDs {
		if id == tableID {
			return true
		}
	}
	return false
}

func (txn *TransactionState) ToCommittedLocked(version uint64, now time.Time) error {
	if txn.Status != txnif.TxnStatusPrepare {
		return ErrTxnNotPrepared
	}
	txn.Status = txnif.TxnStatusCommitted
	txn.CommitVersion = version
	txn.CommitTime = now
	return nil
}

func (txn *TransactionState) ToVisibleLocked(now time.Time) error {
	if txn.Status != txnif.TxnStatusCommitted {
		return ErrTxnNotPrepared
	}
	txn.Status = txnif.TxnStatusVisible
	txn.FinishTime = now
	txn.ErrorMsgs = nil
	return nil
}

func (txn *TransactionState) ToAbortedLocked(reason string, now time.Time) error {
	switch txn.Status {
	case txnif.TxnStatusCommitted, txnif.TxnStatusVisible:
		return ErrTxnAlreadyCommitted
	case txnif.TxnStatusAborted:
		return ErrTxnAlreadyAborted
	}
	txn.Status = txnif.TxnStatusAborted
	txn.Reason = reason
	txn.ErrorMsgs = append(txn.ErrorMsgs, reason)
	txn.FinishTime = now
	return nil
}

// WaitFinished blocks until the txn turns VISIBLE or ABORTED, ctx is done or wait elapses.
func (txn *TransactionState) WaitFinished(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		select {
		case <-txn.finishedC:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-txn.finishedC:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (txn *TransactionState) Result() *txnif.WaitingTxnStatusResult {
	txn.RLock()
	defer txn.RUnlock()
	res := &txnif.WaitingTxnStatusResult{Status: txn.Status}
	if len(txn.ErrorMsgs) > 0 {
		res.ErrorMsgs = append(res.ErrorMsgs, txn.ErrorMsgs...)
	}
	return res
}

func (txn *TransactionState) String() string {
	txn.RLock()
	defer txn.RUnlock()
	return fmt.Sprintf("[Txn-%d][DB-%d][label=%s][%s][tables=%v][subs=%d]",
		txn.TxnID, txn.DBID, txn.Label, txn.Status, txn.TableIDs, len(txn.SubTxnStates))
}
