package txn

import (
	"context"
	"fmt"
	"time"

	"txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExecTimeout          = 300 * time.Second
	DefaultInsertVisibleTimeout = 60 * time.Second
	DefaultAbortTimeout         = 5 * time.Second
	DefaultStreamBatchRows      = 4096

	labelPrefix = "txn_insert_"
)

type Options struct {
	Label                string
	ExecTimeout          time.Duration
	InsertVisibleTimeout time.Duration
	AbortTimeout         time.Duration
	StreamBatchRows      int
	Coordinator          txnif.TxnCoordinator
	Clock                common.Clock
}

func DefaultOptions() Options {
	return Options{
		ExecTimeout:          DefaultExecTimeout,
		InsertVisibleTimeout: DefaultInsertVisibleTimeout,
		AbortTimeout:         DefaultAbortTimeout,
		StreamBatchRows:      DefaultStreamBatchRows,
	}
}

func (opts *Options) fillDefaults() {
	def := DefaultOptions()
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = def.ExecTimeout
	}
	if opts.InsertVisibleTimeout <= 0 {
		opts.InsertVisibleTimeout = def.InsertVisibleTimeout
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = def.AbortTimeout
	}
	if opts.StreamBatchRows <= 0 {
		opts.StreamBatchRows = def.StreamBatchRows
	}
	if opts.Clock == nil {
		opts.Clock = common.SystemClock
	}
	if opts.Coordinator.IP == "" {
		opts.Coordinator = txnif.TxnCoordinator{SourceType: txnif.TxnSourceFE, IP: common.LocalHostAddress()}
	}
}

// Session is the transaction of one client connection. It is not safe for
// concurrent use, statements of a connection run one at a time.
type Session struct {
	TxnCtx
	opts        Options
	mgr         txnif.GlobalTxnMgr
	status      txnif.StatusReader
	newExecutor txnif.StreamExecutorFactory
	mode        txnMode
}

// NewSession creates an unset session. Waiting-status queries go through
// status, or straight to mgr when status is nil.
func NewSession(mgr txnif.GlobalTxnMgr, status txnif.StatusReader, newExecutor txnif.StreamExecutorFactory, opts Options) *Session {
	opts.fillDefaults()
	if status == nil {
		status = mgr
	}
	label := opts.Label
	if label == "" {
		label = labelPrefix + uuid.NewString()
	}
	return &Session{
		TxnCtx:      TxnCtx{Label: label, Status: txnif.TxnStatusUnknown},
		opts:        opts,
		mgr:         mgr,
		status:      status,
		newExecutor: newExecutor,
		mode:        unsetMode{},
	}
}

func (s *Session) Mode() Mode { return s.mode.Mode() }

func (s *Session) TransactionID() uint64 {
	switch m := s.mode.(type) {
	case *multiTableMode:
		return m.txnID
	case *streamingMode:
		return m.txnID()
	}
	return txnif.InvalidTxnID
}

// RemainingSeconds may be negative once the deadline passed. Expiry itself
// is enforced by the transaction manager.
func (s *Session) RemainingSeconds() int64 {
	if s.Deadline.IsZero() {
		return 0
	}
	return int64(s.Deadline.Sub(s.opts.Clock.Now()) / time.Second)
}

// LoadID is the streaming load of the transaction, uuid.Nil outside streaming.
func (s *Session) LoadID() uuid.UUID {
	if m, ok := s.mode.(*streamingMode); ok {
		return m.executor.LoadID()
	}
	return uuid.Nil
}

// RowsInTxn is the number of rows appended to a streaming transaction.
func (s *Session) RowsInTxn() int64 {
	if m, ok := s.mode.(*streamingMode); ok {
		return m.rowsInTxn
	}
	return 0
}

// BeginMultiTable joins table into an insert-select transaction. The first
// join begins the transaction and returns its id, later joins return a new
// sub txn id.
func (s *Session) BeginMultiTable(table txnif.TableIf) (uint64, error) {
	db := table.GetDB()
	switch m := s.mode.(type) {
	case *streamingMode:
		return txnif.InvalidTxnID, fmt.Errorf("%w: txn %d is streaming", ErrModeConflict, m.txnID())
	case *multiTableMode:
		if s.State.IsResolved() {
			return txnif.InvalidTxnID, fmt.Errorf("%w: %s", ErrTxnFinished, s.String())
		}
		if s.DB.GetID() != db.GetID() {
			return txnif.InvalidTxnID, fmt.Errorf("%w: expect db_id=%d", ErrCrossDatabase, s.DB.GetID())
		}
		subTxnID := s.mgr.AllocateSubTxnID()
		if err := s.mgr.AddSubTransaction(db.GetID(), m.txnID, subTxnID); err != nil {
			return txnif.InvalidTxnID, fmt.Errorf("%w: %w", ErrCoordinator, err)
		}
		m.registry.AddTable(table.GetID())
		return subTxnID, nil
	}

	timeoutSecond := int64(s.opts.ExecTimeout / time.Second)
	txnID, err := s.mgr.BeginTransaction(db.GetID(), []uint64{table.GetID()}, s.Label,
		s.opts.Coordinator, txnif.LoadJobInsertStreaming, timeoutSecond)
	if err != nil {
		return txnif.InvalidTxnID, fmt.Errorf("%w: %w", ErrCoordinator, err)
	}
	s.begin(db, txnID)
	s.mode = &multiTableMode{txnID: txnID, registry: NewRegistry(table.GetID())}
	return txnID, nil
}

// BeginStreaming begins an insert-values transaction on table, or returns
// the running one when the table matches.
func (s *Session) BeginStreaming(ctx context.Context, table txnif.TableIf) (uint64, error) {
	switch m := s.mode.(type) {
	case *multiTableMode:
		return txnif.InvalidTxnID, fmt.Errorf("%w: txn %d is insert select", ErrModeConflict, m.txnID)
	case *streamingMode:
		if s.State.IsResolved() {
			return txnif.InvalidTxnID, fmt.Errorf("%w: %s", ErrTxnFinished, s.String())
		}
		if m.table.GetID() != table.GetID() {
			return txnif.InvalidTxnID, fmt.Errorf("%w: txn %d is on table %s", ErrSingleTableOnly, m.txnID(), m.table.GetName())
		}
		return m.txnID(), nil
	}
	if s.newExecutor == nil {
		return txnif.InvalidTxnID, ErrNoStreamExecutor
	}
	db := table.GetDB()
	params := &txnif.TxnParams{
		NeedTxn:       true,
		DBID:          db.GetID(),
		TableID:       table.GetID(),
		Label:         s.Label,
		TimeoutSecond: int64(s.opts.ExecTimeout / time.Second),
	}
	executor := s.newExecutor(params)
	txnID, err := executor.Begin(ctx)
	if err != nil {
		return txnif.InvalidTxnID, fmt.Errorf("%w: %w", ErrCoordinator, err)
	}
	params.TxnID = txnID
	s.begin(db, txnID)
	s.mode = &streamingMode{
		params:   params,
		executor: executor,
		table:    table,
	}
	return txnID, nil
}

func (s *Session) begin(db txnif.DatabaseIf, txnID uint64) {
	s.DB = db
	s.TxnID = txnID
	s.Deadline = s.opts.Clock.Now().Add(s.opts.ExecTimeout)
	s.State = StateBegun
	s.Status = txnif.TxnStatusPrepare
	logrus.Infof("Begin %s", s.String())
}

// AppendRows buffers rows of a streaming transaction and flushes full batches.
func (s *Session) AppendRows(ctx context.Context, rows []txnif.Row) error {
	m, err := s.streaming()
	if err != nil {
		return err
	}
	m.pending = append(m.pending, rows...)
	m.rowsInTxn += int64(len(rows))
	if len(m.pending) >= s.opts.StreamBatchRows {
		return s.flush(ctx, m)
	}
	return nil
}

func (s *Session) streaming() (*streamingMode, error) {
	switch m := s.mode.(type) {
	case *streamingMode:
		if s.State.IsResolved() {
			return nil, fmt.Errorf("%w: %s", ErrTxnFinished, s.String())
		}
		return m, nil
	case *multiTableMode:
		return nil, fmt.Errorf("%w: txn %d is insert select", ErrModeConflict, m.txnID)
	}
	return nil, ErrTxnNotBegun
}

func (s *Session) flush(ctx context.Context, m *streamingMode) error {
	if err := m.executor.SendData(ctx, m.pending); err != nil {
		return fmt.Errorf("%w: send %d rows: %w", ErrCoordinator, len(m.pending), err)
	}
	logrus.Debugf("%s[load=%s] sent %d rows", s.String(), m.executor.LoadID(), len(m.pending))
	m.pending = m.pending[:0]
	return nil
}

func (s *Session) multiTable() (*multiTableMode, error) {
	switch m := s.mode.(type) {
	case *multiTableMode:
		if s.State.IsResolved() {
			return nil, fmt.Errorf("%w: %s", ErrTxnFinished, s.String())
		}
		return m, nil
	case *streamingMode:
		return nil, fmt.Errorf("%w: txn %d is streaming", ErrModeConflict, m.txnID())
	}
	return nil, ErrTxnNotBegun
}

// AbortParticipant drops one failed statement from an insert-select
// transaction.
func (s *Session) AbortParticipant(subTxnID uint64, table txnif.TableIf) error {
	if s.Mode() == ModeUnset {
		return nil
	}
	m, err := s.multiTable()
	if err != nil {
		return err
	}
	m.registry.RemoveTable(subTxnID, table.GetID())
	s.mgr.RemoveSubTransaction(table.GetDB().GetID(), subTxnID)
	return nil
}

func (s *Session) RecordCommitAck(subTxnID uint64, table txnif.TableIf, infos []txnif.TabletCommitInfo, typ txnif.SubTxnType) error {
	m, err := s.multiTable()
	if err != nil {
		return err
	}
	logrus.Debugf("label=%s, txn_id=%d, sub_txn_id=%d, table=%d, commit_infos=%d",
		s.Label, m.txnID, subTxnID, table.GetID(), len(infos))
	m.registry.RecordAck(subTxnID, table, infos, typ)
	return nil
}

// Commit drives the commit protocol of the active mode. A resolved session
// returns its recorded outcome without calling the coordinator again.
func (s *Session) Commit(ctx context.Context) (txnif.TxnStatus, error) {
	if s.State.IsResolved() {
		if s.State == StateAborted && s.Err == nil {
			return s.Status, fmt.Errorf("%w: %s", ErrTxnAborted, s.String())
		}
		return s.Status, s.Err
	}
	switch m := s.mode.(type) {
	case *multiTableMode:
		return s.commitMultiTable(ctx, m)
	case *streamingMode:
		return s.commitStreaming(ctx, m)
	}
	logrus.Info("No transaction to commit")
	return txnif.TxnStatusUnknown, nil
}

// Abort rolls back the active transaction and returns its id.
func (s *Session) Abort(ctx context.Context) (uint64, error) {
	switch s.State {
	case StateVisible, StateCommitted:
		return s.TransactionID(), fmt.Errorf("%w: %s", ErrTxnAlreadyCommitted, s.String())
	case StateAborted:
		return s.TransactionID(), nil
	case StateFailed:
		if s.Status == txnif.TxnStatusAborted {
			return s.TransactionID(), nil
		}
	}
	switch m := s.mode.(type) {
	case *multiTableMode:
		return s.abortMultiTable(m)
	case *streamingMode:
		return s.abortStreaming(ctx, m)
	}
	logrus.Info("No transaction to abort")
	return txnif.InvalidTxnID, nil
}

// Close aborts a transaction left open by the connection.
func (s *Session) Close(ctx context.Context) error {
	if s.Mode() == ModeUnset || s.State.IsResolved() {
		return nil
	}
	_, err := s.Abort(ctx)
	return err
}
