package stream

import (
	"context"
	"fmt"
	"sync"

	"txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TabletResolver lists the tablets rows of a table are spread over.
type TabletResolver = func(dbID, tableID uint64) ([]uint64, error)

type load struct {
	dbID    uint64
	txnID   uint64
	tablets []uint64
	touched *roaring64.Bitmap
	rows    int64
}

// LocalBackend receives streaming loads in process and reports them to the
// transaction manager.
type LocalBackend struct {
	sync.Mutex
	mgr       txnif.StreamLoadMgr
	resolve   TabletResolver
	backendID uint64
	coord     txnif.TxnCoordinator
	loads     map[uuid.UUID]*load
}

func NewLocalBackend(mgr txnif.StreamLoadMgr, resolve TabletResolver, backendID uint64) *LocalBackend {
	return &LocalBackend{
		mgr:       mgr,
		resolve:   resolve,
		backendID: backendID,
		coord:     txnif.TxnCoordinator{SourceType: txnif.TxnSourceBE, IP: common.LocalHostAddress()},
		loads:     make(map[uuid.UUID]*load),
	}
}

func (b *LocalBackend) BeginTxn(ctx context.Context, loadID uuid.UUID, params *txnif.TxnParams) (uint64, error) {
	tablets, err := b.resolve(params.DBID, params.TableID)
	if err != nil {
		return txnif.InvalidTxnID, err
	}
	if len(tablets) == 0 {
		return txnif.InvalidTxnID, fmt.Errorf("stream: table %d has no tablet", params.TableID)
	}
	txnID, err := b.mgr.BeginTransaction(params.DBID, []uint64{params.TableID}, params.Label, b.coord,
		txnif.LoadJobBackendStreaming, params.TimeoutSecond)
	if err != nil {
		return txnif.InvalidTxnID, err
	}
	b.Lock()
	b.loads[loadID] = &load{
		dbID:    params.DBID,
		txnID:   txnID,
		tablets: tablets,
		touched: roaring64.NewBitmap(),
	}
	b.Unlock()
	logrus.Infof("[Load-%s] begin txn %d on table %d", loadID, txnID, params.TableID)
	return txnID, nil
}

func (b *LocalBackend) SendData(ctx context.Context, loadID uuid.UUID, payload []byte) error {
	var rows []txnif.Row
	if err := common.UnmarshalCompressed(payload, &rows); err != nil {
		return fmt.Errorf("stream: decode payload of load %s: %w", loadID, err)
	}
	b.Lock()
	defer b.Unlock()
	l := b.loads[loadID]
	if l == nil {
		return fmt.Errorf("%w: %s", ErrLoadUnknown, loadID)
	}
	for i := range rows {
		l.touched.Add(l.tablets[(l.rows+int64(i))%int64(len(l.tablets))])
	}
	l.rows += int64(len(rows))
	return nil
}

func (b *LocalBackend) get(loadID uuid.UUID) *load {
	b.Lock()
	defer b.Unlock()
	return b.loads[loadID]
}

func (b *LocalBackend) remove(loadID uuid.UUID) {
	b.Lock()
	delete(b.loads, loadID)
	b.Unlock()
}

// CommitTxn keeps the load on failure so the transaction can still be aborted.
func (b *LocalBackend) CommitTxn(ctx context.Context, loadID uuid.UUID) error {
	l := b.get(loadID)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrLoadUnknown, loadID)
	}
	b.Lock()
	infos := make([]txnif.TabletCommitInfo, 0, l.touched.GetCardinality())
	it := l.touched.Iterator()
	for it.HasNext() {
		infos = append(infos, txnif.TabletCommitInfo{TabletID: it.Next(), BackendID: b.backendID})
	}
	rows := l.rows
	b.Unlock()
	logrus.Infof("[Load-%s] commit txn %d, %d rows on %d tablets", loadID, l.txnID, rows, len(infos))
	if err := b.mgr.CommitTransaction(l.dbID, l.txnID, infos); err != nil {
		return err
	}
	b.remove(loadID)
	return nil
}

func (b *LocalBackend) AbortTxn(ctx context.Context, loadID uuid.UUID, reason string) error {
	l := b.get(loadID)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrLoadUnknown, loadID)
	}
	logrus.Infof("[Load-%s] abort txn %d: %s", loadID, l.txnID, reason)
	if err := b.mgr.AbortTransaction(l.dbID, l.txnID, reason); err != nil {
		return err
	}
	b.remove(loadID)
	return nil
}

// LoadedRows reports the rows received by a running load.
func (b *LocalBackend) LoadedRows(loadID uuid.UUID) int64 {
	b.Lock()
	defer b.Unlock()
	if l := b.loads[loadID]; l != nil {
		return l.rows
	}
	return 0
}

func (b *LocalBackend) LoadCount() int {
	b.Lock()
	defer b.Unlock()
	return len(b.loads)
}
