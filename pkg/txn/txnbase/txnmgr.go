package txnbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	txncommon "txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"

	"github.com/google/btree"
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/logstore/sm"
	"github.com/sirupsen/logrus"
)

var ErrManagerClosed = errors.New("txnbase: txn manager closed")

const (
	DefaultMaxFinishedTxns = 10000
	finishedIndexDegree    = 16
	expiredReason          = "timeout by txn manager"
	prepareWaitTimeout     = 10 * time.Second
)

type labelKey struct {
	dbID  uint64
	label string
}

// TxnManager is an in-process global transaction manager. Commit and
// rollback requests pass through a two-stage queue: the preparing stage
// decides COMMITTED or ABORTED, the checkpoint stage publishes committed
// versions and turns them VISIBLE.
type TxnManager struct {
	sync.RWMutex
	sm.ClosedState
	sm.StateMachine
	Active           map[uint64]*TransactionState
	IdAlloc, TsAlloc *common.IdAlloctor
	Publisher        Publisher

	labels      map[labelKey]uint64
	subTxns     map[uint64]uint64
	finished    *btree.BTree
	maxFinished int
	clock       txncommon.Clock
}

func NewTxnManager(publisher Publisher, maxFinished int) *TxnManager {
	if maxFinished <= 0 {
		maxFinished = DefaultMaxFinishedTxns
	}
	if publisher == nil {
		publisher = NoopPublisher
	}
	mgr := &TxnManager{
		Active:      make(map[uint64]*TransactionState),
		IdAlloc:     common.NewIdAlloctor(1),
		TsAlloc:     common.NewIdAlloctor(1),
		Publisher:   publisher,
		labels:      make(map[labelKey]uint64),
		subTxns:     make(map[uint64]uint64),
		finished:    btree.New(finishedIndexDegree),
		maxFinished: maxFinished,
		clock:       txncommon.SystemClock,
	}
	pqueue := sm.NewSafeQueue(10000, 200, mgr.onPreparing)
	cqueue := sm.NewSafeQueue(10000, 200, mgr.onCommit)
	mgr.StateMachine = sm.NewStateMachine(new(sync.WaitGroup), mgr, pqueue, cqueue)
	return mgr
}

func (mgr *TxnManager) Init(prevTxnId uint64, prevTs uint64) error {
	mgr.IdAlloc.SetStart(prevTxnId)
	mgr.TsAlloc.SetStart(prevTs)
	return nil
}

// SetClock must be called before the manager serves any request.
func (mgr *TxnManager) SetClock(clock txncommon.Clock) {
	mgr.clock = clock
}

func (mgr *TxnManager) now() time.Time {
	return mgr.clock.Now()
}

func (mgr *TxnManager) BeginTransaction(dbID uint64, tableIDs []uint64, label string, coord txnif.TxnCoordinator,
	source txnif.LoadJobSourceType, timeoutSecond int64) (uint64, error) {
	if timeoutSecond <= 0 {
		return txnif.InvalidTxnID, ErrInvalidTimeout
	}
	mgr.Lock()
	defer mgr.Unlock()
	key := labelKey{dbID: dbID, label: label}
	if label != "" {
		if prev, ok := mgr.labels[key]; ok {
			return txnif.InvalidTxnID, fmt.Errorf("%w: label %s is used by txn %d", ErrLabelAlreadyUsed, label, prev)
		}
	}
	txnID := mgr.IdAlloc.Alloc()
	txn := NewTransactionState(dbID, txnID, label, coord, source,
		time.Duration(timeoutSecond)*time.Second, mgr.clock.Now())
	txn.TableIDs = append(txn.TableIDs, tableIDs...)
	mgr.Active[txnID] = txn
	if label != "" {
		mgr.labels[key] = txnID
	}
	logrus.Infof("Begin %s by %s, source=%s", txn.String(), coord.String(), source)
	return txnID, nil
}

func (mgr *TxnManager) AllocateSubTxnID() uint64 {
	return mgr.IdAlloc.Alloc()
}

func (mgr *TxnManager) getActive(dbID, txnID uint64) (*TransactionState, error) {
	mgr.RLock()
	defer mgr.RUnlock()
	txn := mgr.Active[txnID]
	if txn == nil {
		return nil, fmt.Errorf("%w: txn_id=%d", ErrTxnNotFound, txnID)
	}
	if txn.DBID != dbID {
		return nil, fmt.Errorf("%w: txn %d belongs to db %d, not %d", ErrDBMismatch, txnID, txn.DBID, dbID)
	}
	return txn, nil
}

// GetTransactionState looks up active and finished transactions.
func (mgr *TxnManager) GetTransactionState(dbID, txnID uint64) (*TransactionState, error) {
	mgr.RLock()
	defer mgr.RUnlock()
	txn := mgr.Active[txnID]
	if txn == nil {
		if item := mgr.finished.Get(&TransactionState{TxnID: txnID}); item != nil {
			txn = item.(*TransactionState)
		}
	}
	if txn == nil || txn.DBID != dbID {
		return nil, fmt.Errorf("%w: db_id=%d, txn_id=%d", ErrTxnNotFound, dbID, txnID)
	}
	return txn, nil
}

func (mgr *TxnManager) getByLabel(dbID uint64, label string) *TransactionState {
	mgr.RLock()
	defer mgr.RUnlock()
	if id, ok := mgr.labels[labelKey{dbID: dbID, label: label}]; ok {
		return mgr.Active[id]
	}
	var found *TransactionState
	mgr.finished.Descend(func(item btree.Item) bool {
		txn := item.(*TransactionState)
		if txn.DBID == dbID && txn.Label == label {
			found = txn
			return false
		}
		return true
	})
	return found
}

func (mgr *TxnManager) AddSubTransaction(dbID, txnID, subTxnID uint64) error {
	txn, err := mgr.getActive(dbID, txnID)
	if err != nil {
		return err
	}
	txn.Lock()
	if txn.Status != txnif.TxnStatusPrepare {
		txn.Unlock()
		return ErrTxnNotPrepared
	}
	txn.SubTxnIDs = append(txn.SubTxnIDs, subTxnID)
	txn.Unlock()
	mgr.Lock()
	mgr.subTxns[subTxnID] = txnID
	mgr.Unlock()
	return nil
}

func (mgr *TxnManager) RemoveSubTransaction(dbID, subTxnID uint64) {
	mgr.Lock()
	txnID, ok := mgr.subTxns[subTxnID]
	delete(mgr.subTxns, subTxnID)
	txn := mgr.Active[txnID]
	mgr.Unlock()
	if !ok || txn == nil || txn.DBID != dbID {
		logrus.Warnf("Remove unknown sub txn %d in db %d", subTxnID, dbID)
		return
	}
	txn.Lock()
	defer txn.Unlock()
	for i, id := range txn.SubTxnIDs {
		if id == subTxnID {
			txn.SubTxnIDs = append(txn.SubTxnIDs[:i], txn.SubTxnIDs[i+1:]...)
			break
		}
	}
}

func (mgr *TxnManager) SetTableIDList(dbID, txnID uint64, tableIDs []uint64) error {
	txn, err := mgr.getActive(dbID, txnID)
	if err != nil {
		return err
	}
	txn.Lock()
	txn.TableIDs = append(txn.TableIDs[:0:0], tableIDs...)
	txn.Unlock()
	return nil
}

func (mgr *TxnManager) SetSubTransactionStates(dbID, txnID uint64, states []*txnif.SubTransactionState) error {
	txn, err := mgr.getActive(dbID, txnID)
	if err != nil {
		return err
	}
	txn.Lock()
	txn.SubTxnStates = append(txn.SubTxnStates[:0:0], states...)
	txn.Unlock()
	return nil
}

func (mgr *TxnManager) enqueue(op *OpTxn) error {
	if mgr.IsClosed() {
		return ErrManagerClosed
	}
	return mgr.OnOpTxn(op)
}

func (mgr *TxnManager) OnOpTxn(op *OpTxn) error {
	if _, err := mgr.EnqueueRecevied(op); err != nil {
		return fmt.Errorf("%w: %v", ErrManagerClosed, err)
	}
	return nil
}

// CommitTransaction commits a streaming transaction. It returns once the
// transaction is durable; publishing happens asynchronously.
func (mgr *TxnManager) CommitTransaction(dbID, txnID uint64, infos []txnif.TabletCommitInfo) error {
	txn, err := mgr.getActive(dbID, txnID)
	if err != nil {
		return err
	}
	txn.Lock()
	txn.CommitInfos = append(txn.CommitInfos[:0:0], infos...)
	txn.Unlock()
	op := newOpTxn(txn, OpCommit, "")
	if err = mgr.enqueue(op); err != nil {
		return err
	}
	return op.Wait(context.Background())
}

func (mgr *TxnManager) CommitAndPublishTransaction(ctx context.Context, db txnif.DatabaseIf, txnID uint64,
	states []*txnif.SubTransactionState, visibleTimeout time.Duration) (bool, error) {
	txn, err := mgr.getActive(db.GetID(), txnID)
	if err != nil {
		return false, err
	}
	if len(states) == 0 {
		return false, ErrNothingToCommit
	}
	txn.Lock()
	var infos []txnif.TabletCommitInfo
	for _, state := range states {
		if !txn.hasSubTxnLocked(state.SubTxnID) {
			txn.Unlock()
			return false, fmt.Errorf("%w: sub_txn_id=%d, txn_id=%d", ErrSubTxnNotFound, state.SubTxnID, txnID)
		}
		if state.Table == nil || !txn.hasTableLocked(state.Table.GetID()) {
			txn.Unlock()
			return false, fmt.Errorf("%w: sub_txn_id=%d, txn_id=%d", ErrTableNotInTxn, state.SubTxnID, txnID)
		}
		infos = append(infos, state.CommitInfos...)
	}
	txn.SubTxnStates = append(txn.SubTxnStates[:0:0], states...)
	txn.CommitInfos = infos
	txn.Unlock()

	if err = ctx.Err(); err != nil {
		return false, err
	}
	op := newOpTxn(txn, OpCommit, "")
	if err = mgr.enqueue(op); err != nil {
		return false, err
	}
	// A queued commit goes ahead whatever happens to ctx, wait for its real outcome.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), prepareWaitTimeout)
	err = op.Wait(wctx)
	cancel()
	if err != nil {
		return false, err
	}
	// Durable from here on, a cancelled ctx only cuts the visible wait short.
	return txn.WaitFinished(ctx, visibleTimeout), nil
}

func (mgr *TxnManager) AbortTransaction(dbID, txnID uint64, reason string) error {
	txn, err := mgr.GetTransactionState(dbID, txnID)
	if err != nil {
		return err
	}
	switch txn.GetStatus() {
	case txnif.TxnStatusAborted:
		return nil
	case txnif.TxnStatusCommitted, txnif.TxnStatusVisible:
		return fmt.Errorf("%w: txn_id=%d", ErrTxnAlreadyCommitted, txnID)
	}
	op := newOpTxn(txn, OpRollback, reason)
	if err = mgr.enqueue(op); err != nil {
		return err
	}
	return op.Wait(context.Background())
}

func (mgr *TxnManager) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	var txn *TransactionState
	if req.ByLabel() {
		txn = mgr.getByLabel(req.DBID, req.Label)
	} else {
		txn, _ = mgr.GetTransactionState(req.DBID, req.TxnID)
	}
	if txn == nil {
		return &txnif.WaitingTxnStatusResult{
			Status:    txnif.TxnStatusUnknown,
			ErrorMsgs: []string{fmt.Sprintf("transaction not found, db_id=%d, txn_id=%d, label=%s", req.DBID, req.TxnID, req.Label)},
		}, nil
	}
	if !txn.GetStatus().IsFinal() {
		txn.WaitFinished(ctx, req.Wait)
	}
	return txn.Result(), nil
}

// RemoveExpiredTxns aborts prepared transactions that outlived their timeout.
func (mgr *TxnManager) RemoveExpiredTxns() int {
	now := mgr.now()
	var expired []*TransactionState
	mgr.RLock()
	for _, txn := range mgr.Active {
		txn.RLock()
		if txn.IsExpiredLocked(now) {
			expired = append(expired, txn)
		}
		txn.RUnlock()
	}
	mgr.RUnlock()
	cnt := 0
	for _, txn := range expired {
		op := newOpTxn(txn, OpRollback, expiredReason)
		if err := mgr.enqueue(op); err != nil {
			break
		}
		if err := op.Wait(context.Background()); err == nil {
			cnt++
		}
	}
	if cnt > 0 {
		logrus.Infof("Removed %d expired txns", cnt)
	}
	return cnt
}

// RepublishCommitted retries publishing transactions stuck in COMMITTED.
func (mgr *TxnManager) RepublishCommitted() int {
	var pending []*TransactionState
	mgr.RLock()
	for _, txn := range mgr.Active {
		if txn.GetStatus() == txnif.TxnStatusCommitted {
			pending = append(pending, txn)
		}
	}
	mgr.RUnlock()
	cnt := 0
	for _, txn := range pending {
		if mgr.publish(txn) {
			cnt++
		}
	}
	return cnt
}

func (mgr *TxnManager) ActiveCount() int {
	mgr.RLock()
	defer mgr.RUnlock()
	return len(mgr.Active)
}

func (mgr *TxnManager) finishLocked(txn *TransactionState) {
	if mgr.Active[txn.TxnID] != txn {
		return
	}
	delete(mgr.Active, txn.TxnID)
	if txn.Label != "" {
		key := labelKey{dbID: txn.DBID, label: txn.Label}
		if mgr.labels[key] == txn.TxnID {
			delete(mgr.labels, key)
		}
	}
	for _, id := range txn.SubTxnIDs {
		delete(mgr.subTxns, id)
	}
	mgr.finished.ReplaceOrInsert(txn)
	for mgr.finished.Len() > mgr.maxFinished {
		mgr.finished.DeleteMin()
	}
	close(txn.finishedC)
}

func (mgr *TxnManager) onPrepareCommit(op *OpTxn, now time.Time) error {
	txn := op.Txn
	txn.Lock()
	defer txn.Unlock()
	if txn.IsExpiredLocked(now) {
		if err := txn.ToAbortedLocked(expiredReason, now); err != nil {
			return err
		}
		return fmt.Errorf("%w: txn_id=%d", ErrTxnExpired, txn.TxnID)
	}
	switch txn.Status {
	case txnif.TxnStatusCommitted, txnif.TxnStatusVisible:
		return fmt.Errorf("%w: txn_id=%d", ErrTxnAlreadyCommitted, txn.TxnID)
	case txnif.TxnStatusAborted:
		return fmt.Errorf("%w: txn_id=%d, reason=%s", ErrTxnAlreadyAborted, txn.TxnID, txn.Reason)
	}
	return txn.ToCommittedLocked(mgr.TsAlloc.Alloc(), now)
}

func (mgr *TxnManager) onPrepareRollback(op *OpTxn, now time.Time) error {
	txn := op.Txn
	txn.Lock()
	defer txn.Unlock()
	err := txn.ToAbortedLocked(op.Reason, now)
	if errors.Is(err, ErrTxnAlreadyAborted) {
		return nil
	}
	return err
}

func (mgr *TxnManager) onPreparing(items ...interface{}) {
	for _, item := range items {
		op := item.(*OpTxn)
		now := mgr.now()
		var err error
		if op.Op == OpCommit {
			err = mgr.onPrepareCommit(op, now)
		} else {
			err = mgr.onPrepareRollback(op, now)
		}
		if op.Txn.GetStatus() == txnif.TxnStatusAborted {
			mgr.Lock()
			mgr.finishLocked(op.Txn)
			mgr.Unlock()
		}
		if err != nil {
			logrus.Debugf("%s prepare failed: %v", op.Repr(), err)
			op.finish(err)
			continue
		}
		op.finish(nil)
		if op.Op == OpCommit {
			mgr.EnqueueCheckpoint(op)
		} else {
			logrus.Infof("%s Done: %s", op.Repr(), op.Reason)
		}
	}
}

func (mgr *TxnManager) publish(txn *TransactionState) bool {
	txn.RLock()
	infos := txn.CommitInfos
	version := txn.CommitVersion
	txn.RUnlock()
	start := time.Now()
	failed := mgr.Publisher.PublishVersion(txn.TxnID, version, infos)
	logrus.Debugf("[Txn-%d] publish version %d on %d tablets takes %s", txn.TxnID, version, len(infos), time.Since(start))

	now := mgr.now()
	txn.Lock()
	if !failed.IsEmpty() {
		txn.ErrorTablets = failed
		txn.ErrorMsgs = []string{fmt.Sprintf("publish version %d failed on tablets %v", version, failed.ToArray())}
		txn.Unlock()
		return false
	}
	err := txn.ToVisibleLocked(now)
	txn.Unlock()
	if err != nil {
		return false
	}
	mgr.Lock()
	mgr.finishLocked(txn)
	mgr.Unlock()
	return true
}

func (mgr *TxnManager) onCommit(items ...interface{}) {
	for _, item := range items {
		op := item.(*OpTxn)
		if mgr.publish(op.Txn) {
			logrus.Debugf("%s Visible", op.Repr())
		} else {
			logrus.Warnf("%s committed but not visible yet", op.Repr())
		}
	}
}
