package txnif

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
)

type DatabaseIf interface {
	GetID() uint64
	GetName() string
}

type TableIf interface {
	GetID() uint64
	GetName() string
	GetDB() DatabaseIf
}

// TxnCoordinator identifies the node that began a transaction.
type TxnCoordinator struct {
	SourceType TxnSourceType
	IP         string
}

func (c TxnCoordinator) String() string {
	if c.SourceType == TxnSourceBE {
		return fmt.Sprintf("BE: %s", c.IP)
	}
	return fmt.Sprintf("FE: %s", c.IP)
}

type TabletCommitInfo struct {
	TabletID  uint64 `json:"tablet_id"`
	BackendID uint64 `json:"backend_id"`
}

type SubTransactionState struct {
	SubTxnID    uint64
	Table       TableIf
	Type        SubTxnType
	CommitInfos []TabletCommitInfo
	tablets     *roaring64.Bitmap
}

func NewSubTransactionState(subTxnID uint64, table TableIf, infos []TabletCommitInfo, typ SubTxnType) *SubTransactionState {
	state := &SubTransactionState{
		SubTxnID: subTxnID,
		Table:    table,
		Type:     typ,
		tablets:  roaring64.NewBitmap(),
	}
	state.MergeCommitInfos(infos)
	return state
}

// MergeCommitInfos appends the acks of tablets not acknowledged yet.
func (s *SubTransactionState) MergeCommitInfos(infos []TabletCommitInfo) {
	if s.tablets == nil {
		s.tablets = roaring64.NewBitmap()
		for _, info := range s.CommitInfos {
			s.tablets.Add(info.TabletID)
		}
	}
	for _, info := range infos {
		if s.tablets.Contains(info.TabletID) {
			continue
		}
		s.tablets.Add(info.TabletID)
		s.CommitInfos = append(s.CommitInfos, info)
	}
}

func (s *SubTransactionState) TabletCount() int {
	return len(s.CommitInfos)
}

func (s *SubTransactionState) String() string {
	var tableID uint64
	if s.Table != nil {
		tableID = s.Table.GetID()
	}
	return fmt.Sprintf("[SubTxn-%d][Table-%d][%s][Tablets=%d]", s.SubTxnID, tableID, s.Type, len(s.CommitInfos))
}

type WaitingTxnStatusRequest struct {
	DBID  uint64 `json:"db_id"`
	TxnID uint64 `json:"txn_id,omitempty"`
	Label string `json:"label,omitempty"`
	// Wait bounds how long the serving coordinator blocks for a final status.
	Wait time.Duration `json:"wait"`
}

func (req *WaitingTxnStatusRequest) ByLabel() bool {
	return req.TxnID == InvalidTxnID && req.Label != ""
}

type WaitingTxnStatusResult struct {
	Status    TxnStatus `json:"status"`
	ErrorMsgs []string  `json:"error_msgs,omitempty"`
}

// ErrNetwork marks a status query that never reached a coordinator.
var ErrNetwork = errors.New("txn: network error")

type StatusReader interface {
	GetWaitingTxnStatus(ctx context.Context, req *WaitingTxnStatusRequest) (*WaitingTxnStatusResult, error)
}

type LeaderChecker interface {
	IsLeader() bool
}

// GlobalTxnMgr is the cluster transaction manager as seen from a session.
type GlobalTxnMgr interface {
	StatusReader
	BeginTransaction(dbID uint64, tableIDs []uint64, label string, coord TxnCoordinator,
		source LoadJobSourceType, timeoutSecond int64) (uint64, error)
	AllocateSubTxnID() uint64
	AddSubTransaction(dbID, txnID, subTxnID uint64) error
	RemoveSubTransaction(dbID, subTxnID uint64)
	SetTableIDList(dbID, txnID uint64, tableIDs []uint64) error
	SetSubTransactionStates(dbID, txnID uint64, states []*SubTransactionState) error
	CommitAndPublishTransaction(ctx context.Context, db DatabaseIf, txnID uint64,
		states []*SubTransactionState, visibleTimeout time.Duration) (bool, error)
	AbortTransaction(dbID, txnID uint64, reason string) error
}

// StreamLoadMgr is what a streaming backend needs from the transaction manager.
type StreamLoadMgr interface {
	BeginTransaction(dbID uint64, tableIDs []uint64, label string, coord TxnCoordinator,
		source LoadJobSourceType, timeoutSecond int64) (uint64, error)
	CommitTransaction(dbID, txnID uint64, infos []TabletCommitInfo) error
	AbortTransaction(dbID, txnID uint64, reason string) error
}

type Row struct {
	Cols []string `json:"cols"`
}

type TxnParams struct {
	NeedTxn       bool
	DBID          uint64
	TableID       uint64
	Label         string
	TimeoutSecond int64
	TxnID         uint64
}

// StreamExecutor operates on one pre-negotiated streaming connection.
type StreamExecutor interface {
	Begin(ctx context.Context) (uint64, error)
	SendData(ctx context.Context, rows []Row) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	TxnID() uint64
	LoadID() uuid.UUID
}

type StreamExecutorFactory = func(params *TxnParams) StreamExecutor
