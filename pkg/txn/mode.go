package txn

import "txnsession/pkg/iface/txnif"

type Mode int8

const (
	ModeUnset Mode = iota
	ModeStreaming
	ModeMultiTable
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "STREAMING"
	case ModeMultiTable:
		return "MULTI_TABLE"
	}
	return "UNSET"
}

// txnMode is one of unsetMode, *streamingMode or *multiTableMode.
type txnMode interface {
	Mode() Mode
}

type unsetMode struct{}

func (unsetMode) Mode() Mode { return ModeUnset }

// streamingMode is an insert-values transaction bound to one table and one
// pre-negotiated stream.
type streamingMode struct {
	params    *txnif.TxnParams
	executor  txnif.StreamExecutor
	table     txnif.TableIf
	pending   []txnif.Row
	rowsInTxn int64
}

func (*streamingMode) Mode() Mode { return ModeStreaming }

func (m *streamingMode) txnID() uint64 {
	if id := m.executor.TxnID(); id != txnif.InvalidTxnID {
		return id
	}
	return m.params.TxnID
}

// multiTableMode is an insert-select transaction, one sub txn per statement.
type multiTableMode struct {
	txnID    uint64
	registry *Registry
}

func (*multiTableMode) Mode() Mode { return ModeMultiTable }
