package txnbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	txncommon "txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
)

type testDB struct{ id uint64 }

func (db *testDB) GetID() uint64   { return db.id }
func (db *testDB) GetName() string { return fmt.Sprintf("db%d", db.id) }

type testTable struct {
	id uint64
	db *testDB
}

func (t *testTable) GetID() uint64             { return t.id }
func (t *testTable) GetName() string           { return fmt.Sprintf("t%d", t.id) }
func (t *testTable) GetDB() txnif.DatabaseIf { return t.db }

var testCoord = txnif.TxnCoordinator{SourceType: txnif.TxnSourceFE, IP: "127.0.0.1"}

func newTestMgr(t *testing.T, publisher Publisher) *TxnManager {
	mgr := NewTxnManager(publisher, 0)
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return mgr
}

func ack(tablets ...uint64) []txnif.TabletCommitInfo {
	infos := make([]txnif.TabletCommitInfo, 0, len(tablets))
	for _, id := range tablets {
		infos = append(infos, txnif.TabletCommitInfo{TabletID: id, BackendID: 1})
	}
	return infos
}

func TestCommitAndPublish(t *testing.T) {
	mgr := newTestMgr(t, nil)
	db := &testDB{id: 1}
	t1, t2 := &testTable{id: 10, db: db}, &testTable{id: 20, db: db}

	txnID, err := mgr.BeginTransaction(db.id, []uint64{t1.id}, "l1", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	subID := mgr.AllocateSubTxnID()
	assert.True(t, subID > txnID)
	assert.Nil(t, mgr.AddSubTransaction(db.id, txnID, subID))
	assert.Nil(t, mgr.SetTableIDList(db.id, txnID, []uint64{t1.id, t2.id}))

	states := []*txnif.SubTransactionState{
		txnif.NewSubTransactionState(subID, t2, ack(201), txnif.SubTxnDelete),
		txnif.NewSubTransactionState(txnID, t1, ack(101, 102), txnif.SubTxnInsert),
	}
	visible, err := mgr.CommitAndPublishTransaction(context.Background(), db, txnID, states, time.Second)
	assert.Nil(t, err)
	assert.True(t, visible)
	assert.Equal(t, 0, mgr.ActiveCount())

	txn, err := mgr.GetTransactionState(db.id, txnID)
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, txn.GetStatus())
	assert.Equal(t, 3, len(txn.CommitInfos))
	assert.Equal(t, []uint64{t1.id, t2.id}, txn.GetTableIDList())
	t.Log(txn.String())

	_, err = mgr.CommitAndPublishTransaction(context.Background(), db, txnID, states, time.Second)
	assert.ErrorIs(t, err, ErrTxnNotFound)
}

func TestCommitAndPublishValidation(t *testing.T) {
	mgr := newTestMgr(t, nil)
	db := &testDB{id: 1}
	t1, t2 := &testTable{id: 10, db: db}, &testTable{id: 20, db: db}
	txnID, err := mgr.BeginTransaction(db.id, []uint64{t1.id}, "", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)

	ctx := context.Background()
	_, err = mgr.CommitAndPublishTransaction(ctx, db, txnID, nil, time.Second)
	assert.ErrorIs(t, err, ErrNothingToCommit)

	unknown := []*txnif.SubTransactionState{txnif.NewSubTransactionState(txnID+100, t1, nil, txnif.SubTxnInsert)}
	_, err = mgr.CommitAndPublishTransaction(ctx, db, txnID, unknown, time.Second)
	assert.ErrorIs(t, err, ErrSubTxnNotFound)

	wrongTable := []*txnif.SubTransactionState{txnif.NewSubTransactionState(txnID, t2, nil, txnif.SubTxnInsert)}
	_, err = mgr.CommitAndPublishTransaction(ctx, db, txnID, wrongTable, time.Second)
	assert.ErrorIs(t, err, ErrTableNotInTxn)

	_, err = mgr.CommitAndPublishTransaction(ctx, &testDB{id: 2}, txnID, wrongTable, time.Second)
	assert.ErrorIs(t, err, ErrDBMismatch)

	assert.Equal(t, txnif.TxnStatusPrepare, mgr.Active[txnID].GetStatus())
}

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) PublishVersion(uint64, uint64, []txnif.TabletCommitInfo) *roaring64.Bitmap {
	<-p.release
	return roaring64.NewBitmap()
}

func (p *blockingPublisher) Close() error { return nil }

func TestCommitAndPublishCancelled(t *testing.T) {
	publisher := &blockingPublisher{release: make(chan struct{})}
	mgr := newTestMgr(t, publisher)
	db := &testDB{id: 1}
	t1 := &testTable{id: 10, db: db}
	states := func(txnID uint64) []*txnif.SubTransactionState {
		return []*txnif.SubTransactionState{txnif.NewSubTransactionState(txnID, t1, ack(101), txnif.SubTxnInsert)}
	}

	// cancelled before the commit is queued: nothing happens
	txnID, err := mgr.BeginTransaction(db.id, []uint64{t1.id}, "cancelled", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	visible, err := mgr.CommitAndPublishTransaction(ctx, db, txnID, states(txnID), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, visible)
	txn, err := mgr.GetTransactionState(db.id, txnID)
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusPrepare, txn.GetStatus())
	assert.Nil(t, mgr.AbortTransaction(db.id, txnID, "cancelled"))
	assert.Equal(t, txnif.TxnStatusAborted, txn.GetStatus())

	// cancelled while waiting for visibility: the commit stands
	txnID, err = mgr.BeginTransaction(db.id, []uint64{t1.id}, "waiting", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	visible, err = mgr.CommitAndPublishTransaction(ctx, db, txnID, states(txnID), time.Minute)
	assert.Nil(t, err)
	assert.False(t, visible)
	txn, err = mgr.GetTransactionState(db.id, txnID)
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusCommitted, txn.GetStatus())
	assert.ErrorIs(t, mgr.AbortTransaction(db.id, txnID, "late"), ErrTxnAlreadyCommitted)

	close(publisher.release)
	assert.True(t, txn.WaitFinished(context.Background(), time.Second))
	assert.Equal(t, txnif.TxnStatusVisible, txn.GetStatus())
}

func TestLabelAlreadyUsed(t *testing.T) {
	mgr := newTestMgr(t, nil)
	txnID, err := mgr.BeginTransaction(1, []uint64{10}, "label", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	_, err = mgr.BeginTransaction(1, []uint64{10}, "label", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.ErrorIs(t, err, ErrLabelAlreadyUsed)
	_, err = mgr.BeginTransaction(2, []uint64{10}, "label", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	_, err = mgr.BeginTransaction(1, []uint64{10}, "other", testCoord, txnif.LoadJobInsertStreaming, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	assert.Nil(t, mgr.AbortTransaction(1, txnID, txnif.UserRollbackReason))
	_, err = mgr.BeginTransaction(1, []uint64{10}, "label", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
}

func TestAbortTransaction(t *testing.T) {
	mgr := newTestMgr(t, nil)
	db := &testDB{id: 1}
	t1 := &testTable{id: 10, db: db}
	txnID, err := mgr.BeginTransaction(db.id, []uint64{t1.id}, "abort", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	subID := mgr.AllocateSubTxnID()
	assert.Nil(t, mgr.AddSubTransaction(db.id, txnID, subID))
	mgr.RemoveSubTransaction(db.id, subID)
	assert.Empty(t, mgr.Active[txnID].SubTxnIDs)

	assert.Nil(t, mgr.AbortTransaction(db.id, txnID, txnif.UserRollbackReason))
	assert.Nil(t, mgr.AbortTransaction(db.id, txnID, txnif.UserRollbackReason))
	assert.ErrorIs(t, mgr.AbortTransaction(db.id, txnID+100, "x"), ErrTxnNotFound)

	res, err := mgr.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: db.id, TxnID: txnID})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusAborted, res.Status)
	assert.Equal(t, []string{txnif.UserRollbackReason}, res.ErrorMsgs)

	err = mgr.CommitTransaction(db.id, txnID, nil)
	assert.ErrorIs(t, err, ErrTxnNotFound)
	assert.ErrorIs(t, mgr.AddSubTransaction(db.id, txnID, mgr.AllocateSubTxnID()), ErrTxnNotFound)
}

func TestPublishFailure(t *testing.T) {
	var broken int32 = 1
	publisher, err := NewReplicaPublisher(4, 3, func(replica int, tabletID, txnID, version uint64) error {
		if atomic.LoadInt32(&broken) == 1 && tabletID == 102 && replica == 2 {
			return errors.New("replica down")
		}
		return nil
	})
	assert.Nil(t, err)
	defer publisher.Close()
	mgr := newTestMgr(t, publisher)
	db := &testDB{id: 1}
	t1 := &testTable{id: 10, db: db}

	txnID, err := mgr.BeginTransaction(db.id, []uint64{t1.id}, "", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	states := []*txnif.SubTransactionState{txnif.NewSubTransactionState(txnID, t1, ack(101, 102, 103), txnif.SubTxnInsert)}
	visible, err := mgr.CommitAndPublishTransaction(context.Background(), db, txnID, states, 100*time.Millisecond)
	assert.Nil(t, err)
	assert.False(t, visible)

	txn, err := mgr.GetTransactionState(db.id, txnID)
	assert.Nil(t, err)
	assert.Eventually(t, func() bool {
		txn.RLock()
		defer txn.RUnlock()
		return txn.ErrorTablets.Contains(102)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, txnif.TxnStatusCommitted, txn.GetStatus())
	assert.ErrorIs(t, mgr.AbortTransaction(db.id, txnID, "late"), ErrTxnAlreadyCommitted)

	atomic.StoreInt32(&broken, 0)
	assert.Equal(t, 1, mgr.RepublishCommitted())
	res, err := mgr.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: db.id, TxnID: txnID})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, res.Status)
	assert.Empty(t, res.ErrorMsgs)
}

func TestStreamingCommit(t *testing.T) {
	mgr := newTestMgr(t, nil)
	txnID, err := mgr.BeginTransaction(1, []uint64{10}, "stream", testCoord, txnif.LoadJobBackendStreaming, 10)
	assert.Nil(t, err)
	assert.Nil(t, mgr.CommitTransaction(1, txnID, ack(101)))

	req := &txnif.WaitingTxnStatusRequest{DBID: 1, Label: "stream", Wait: time.Second}
	assert.True(t, req.ByLabel())
	res, err := mgr.GetWaitingTxnStatus(context.Background(), req)
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, res.Status)

	assert.ErrorIs(t, mgr.CommitTransaction(1, txnID, nil), ErrTxnNotFound)

	res, err = mgr.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, Label: "missing"})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusUnknown, res.Status)
	assert.Equal(t, 1, len(res.ErrorMsgs))
}

func TestWaitingStatusTimeout(t *testing.T) {
	mgr := newTestMgr(t, nil)
	txnID, err := mgr.BeginTransaction(1, []uint64{10}, "", testCoord, txnif.LoadJobInsertStreaming, 10)
	assert.Nil(t, err)
	start := time.Now()
	res, err := mgr.GetWaitingTxnStatus(context.Background(),
		&txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: txnID, Wait: 50 * time.Millisecond})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusPrepare, res.Status)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
}

func TestRemoveExpiredTxns(t *testing.T) {
	mgr := NewTxnManager(nil, 0)
	clock := txncommon.NewManualClock(time.Unix(1000, 0))
	mgr.SetClock(clock)
	mgr.Start()
	defer mgr.Stop()

	expired, err := mgr.BeginTransaction(1, []uint64{10}, "", testCoord, txnif.LoadJobInsertStreaming, 1)
	assert.Nil(t, err)
	alive, err := mgr.BeginTransaction(1, []uint64{10}, "", testCoord, txnif.LoadJobInsertStreaming, 60)
	assert.Nil(t, err)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, mgr.RemoveExpiredTxns())
	txn, err := mgr.GetTransactionState(1, expired)
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusAborted, txn.GetStatus())
	assert.Equal(t, expiredReason, txn.Reason)
	assert.Equal(t, 1, mgr.ActiveCount())

	clock.Advance(time.Minute)
	err = mgr.CommitTransaction(1, alive, nil)
	assert.ErrorIs(t, err, ErrTxnExpired)
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestFinishedHistoryBounded(t *testing.T) {
	mgr := NewTxnManager(nil, 2)
	mgr.Start()
	defer mgr.Stop()
	var ids []uint64
	for i := 0; i < 3; i++ {
		txnID, err := mgr.BeginTransaction(1, nil, "", testCoord, txnif.LoadJobInsertStreaming, 10)
		assert.Nil(t, err)
		assert.Nil(t, mgr.AbortTransaction(1, txnID, "bounded"))
		ids = append(ids, txnID)
	}
	_, err := mgr.GetTransactionState(1, ids[0])
	assert.ErrorIs(t, err, ErrTxnNotFound)
	_, err = mgr.GetTransactionState(1, ids[2])
	assert.Nil(t, err)
}

func TestConcurrentTxns(t *testing.T) {
	publisher, err := NewReplicaPublisher(8, 2, nil)
	assert.Nil(t, err)
	defer publisher.Close()
	mgr := newTestMgr(t, publisher)
	db := &testDB{id: 1}
	p, _ := ants.NewPool(16)
	defer p.Release()

	var (
		wg               sync.WaitGroup
		visible, aborted uint64
	)
	worker := func(i int) func() {
		return func() {
			defer wg.Done()
			table := &testTable{id: uint64(i), db: db}
			txnID, err := mgr.BeginTransaction(db.id, []uint64{table.id}, fmt.Sprintf("l%d", i), testCoord, txnif.LoadJobInsertStreaming, 10)
			assert.Nil(t, err)
			if i%4 == 0 {
				assert.Nil(t, mgr.AbortTransaction(db.id, txnID, "random"))
				atomic.AddUint64(&aborted, 1)
				return
			}
			states := []*txnif.SubTransactionState{txnif.NewSubTransactionState(txnID, table, ack(uint64(i)*10), txnif.SubTxnInsert)}
			ok, err := mgr.CommitAndPublishTransaction(context.Background(), db, txnID, states, time.Second)
			assert.Nil(t, err)
			if ok {
				atomic.AddUint64(&visible, 1)
			}
		}
	}
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		p.Submit(worker(i))
	}
	wg.Wait()
	assert.Equal(t, uint64(25), aborted)
	assert.Equal(t, uint64(75), visible)
	assert.Equal(t, 0, mgr.ActiveCount())
}
