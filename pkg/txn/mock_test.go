package txn

import (
	"context"
	"fmt"
	"time"

	"txnsession/pkg/iface/txnif"

	"github.com/google/uuid"
)

type mockDB struct{ id uint64 }

func (db *mockDB) GetID() uint64   { return db.id }
func (db *mockDB) GetName() string { return fmt.Sprintf("db%d", db.id) }

type mockTable struct {
	id uint64
	db *mockDB
}

func (t *mockTable) GetID() uint64             { return t.id }
func (t *mockTable) GetName() string           { return fmt.Sprintf("t%d", t.id) }
func (t *mockTable) GetDB() txnif.DatabaseIf { return t.db }

func acks(tablets ...uint64) []txnif.TabletCommitInfo {
	infos := make([]txnif.TabletCommitInfo, 0, len(tablets))
	for _, id := range tablets {
		infos = append(infos, txnif.TabletCommitInfo{TabletID: id, BackendID: 1})
	}
	return infos
}

// mockMgr records every call a session makes to the coordinator.
type mockMgr struct {
	nextID uint64

	begins      int
	beginLabels []string
	subAdded    []uint64
	subRemoved  []uint64
	tableIDList []uint64
	states      []*txnif.SubTransactionState

	commits        int
	visibleTimeout time.Duration
	visible        bool
	commitErr      error

	aborts       int
	abortReasons []string
	abortErr     error

	statusReqs []*txnif.WaitingTxnStatusRequest
	status     *txnif.WaitingTxnStatusResult
	statusErr  error
}

func newMockMgr() *mockMgr {
	return &mockMgr{
		visible: true,
		status:  &txnif.WaitingTxnStatusResult{Status: txnif.TxnStatusVisible},
	}
}

func (m *mockMgr) alloc() uint64 {
	m.nextID++
	return m.nextID
}

func (m *mockMgr) BeginTransaction(dbID uint64, tableIDs []uint64, label string, coord txnif.TxnCoordinator,
	source txnif.LoadJobSourceType, timeoutSecond int64) (uint64, error) {
	m.begins++
	m.beginLabels = append(m.beginLabels, label)
	m.tableIDList = append([]uint64(nil), tableIDs...)
	return m.alloc(), nil
}

func (m *mockMgr) AllocateSubTxnID() uint64 { return m.alloc() }

func (m *mockMgr) AddSubTransaction(dbID, txnID, subTxnID uint64) error {
	m.subAdded = append(m.subAdded, subTxnID)
	return nil
}

func (m *mockMgr) RemoveSubTransaction(dbID, subTxnID uint64) {
	m.subRemoved = append(m.subRemoved, subTxnID)
}

func (m *mockMgr) SetTableIDList(dbID, txnID uint64, tableIDs []uint64) error {
	m.tableIDList = append([]uint64(nil), tableIDs...)
	return nil
}

func (m *mockMgr) SetSubTransactionStates(dbID, txnID uint64, states []*txnif.SubTransactionState) error {
	m.states = append([]*txnif.SubTransactionState(nil), states...)
	return nil
}

func (m *mockMgr) CommitAndPublishTransaction(ctx context.Context, db txnif.DatabaseIf, txnID uint64,
	states []*txnif.SubTransactionState, visibleTimeout time.Duration) (bool, error) {
	m.commits++
	m.visibleTimeout = visibleTimeout
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.visible, m.commitErr
}

func (m *mockMgr) AbortTransaction(dbID, txnID uint64, reason string) error {
	m.aborts++
	m.abortReasons = append(m.abortReasons, reason)
	return m.abortErr
}

func (m *mockMgr) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	m.statusReqs = append(m.statusReqs, req)
	return m.status, m.statusErr
}

type mockExecutor struct {
	params *txnif.TxnParams
	txnID  uint64
	loadID uuid.UUID

	sent      [][]txnif.Row
	commits   int
	aborts    int
	beginErr  error
	sendErr   error
	commitErr error
	abortErr  error
}

func (e *mockExecutor) Begin(ctx context.Context) (uint64, error) {
	if e.beginErr != nil {
		return txnif.InvalidTxnID, e.beginErr
	}
	e.params.TxnID = e.txnID
	return e.txnID, nil
}

func (e *mockExecutor) SendData(ctx context.Context, rows []txnif.Row) error {
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, append([]txnif.Row(nil), rows...))
	return nil
}

func (e *mockExecutor) Commit(ctx context.Context) error {
	e.commits++
	return e.commitErr
}

func (e *mockExecutor) Abort(ctx context.Context) error {
	e.aborts++
	return e.abortErr
}

func (e *mockExecutor) TxnID() uint64 { return e.params.TxnID }

func (e *mockExecutor) LoadID() uuid.UUID { return e.loadID }

func (e *mockExecutor) factory() txnif.StreamExecutorFactory {
	return func(params *txnif.TxnParams) txnif.StreamExecutor {
		e.params = params
		return e
	}
}
