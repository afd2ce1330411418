package stream

import (
	"context"
	"errors"
	"fmt"

	"txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"

	"github.com/google/uuid"
)

var (
	ErrNotBegun    = errors.New("stream: txn not begun")
	ErrLoadUnknown = errors.New("stream: unknown load")
)

// Backend is the receiving end of a streaming load. Row batches arrive as
// snappy compressed JSON.
type Backend interface {
	BeginTxn(ctx context.Context, loadID uuid.UUID, params *txnif.TxnParams) (uint64, error)
	SendData(ctx context.Context, loadID uuid.UUID, payload []byte) error
	CommitTxn(ctx context.Context, loadID uuid.UUID) error
	AbortTxn(ctx context.Context, loadID uuid.UUID, reason string) error
}

// InsertStreamTxnExecutor drives one streaming load of an insert-values
// transaction.
type InsertStreamTxnExecutor struct {
	params  *txnif.TxnParams
	backend Backend
	loadID  uuid.UUID
}

func NewInsertStreamTxnExecutor(params *txnif.TxnParams, backend Backend) *InsertStreamTxnExecutor {
	return &InsertStreamTxnExecutor{
		params:  params,
		backend: backend,
		loadID:  uuid.New(),
	}
}

func NewExecutorFactory(backend Backend) txnif.StreamExecutorFactory {
	return func(params *txnif.TxnParams) txnif.StreamExecutor {
		return NewInsertStreamTxnExecutor(params, backend)
	}
}

func (e *InsertStreamTxnExecutor) LoadID() uuid.UUID { return e.loadID }

func (e *InsertStreamTxnExecutor) TxnID() uint64 { return e.params.TxnID }

func (e *InsertStreamTxnExecutor) Begin(ctx context.Context) (uint64, error) {
	if e.params.TxnID != txnif.InvalidTxnID {
		return e.params.TxnID, nil
	}
	txnID, err := e.backend.BeginTxn(ctx, e.loadID, e.params)
	if err != nil {
		return txnif.InvalidTxnID, err
	}
	e.params.TxnID = txnID
	return txnID, nil
}

func (e *InsertStreamTxnExecutor) SendData(ctx context.Context, rows []txnif.Row) error {
	if e.params.TxnID == txnif.InvalidTxnID {
		return ErrNotBegun
	}
	if len(rows) == 0 {
		return nil
	}
	payload, err := common.MarshalCompressed(rows)
	if err != nil {
		return fmt.Errorf("stream: encode %d rows: %w", len(rows), err)
	}
	return e.backend.SendData(ctx, e.loadID, payload)
}

func (e *InsertStreamTxnExecutor) Commit(ctx context.Context) error {
	if e.params.TxnID == txnif.InvalidTxnID {
		return ErrNotBegun
	}
	return e.backend.CommitTxn(ctx, e.loadID)
}

// Abort is a no-op for a load that never began.
func (e *InsertStreamTxnExecutor) Abort(ctx context.Context) error {
	if e.params.TxnID == txnif.InvalidTxnID {
		return nil
	}
	return e.backend.AbortTxn(ctx, e.loadID, txnif.UserRollbackReason)
}
