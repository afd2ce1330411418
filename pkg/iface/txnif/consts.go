package txnif

import "fmt"

const (
	InvalidTxnID uint64 = 0
)

// TxnStatus ids travel on the wire in waiting-status results, keep the order.
type TxnStatus int32

const (
	TxnStatusUnknown TxnStatus = iota
	TxnStatusPrepare
	TxnStatusCommitted
	TxnStatusVisible
	TxnStatusAborted
	TxnStatusPrecommitted
)

var txnStatusNames = map[TxnStatus]string{
	TxnStatusUnknown:      "UNKNOWN",
	TxnStatusPrepare:      "PREPARE",
	TxnStatusCommitted:    "COMMITTED",
	TxnStatusVisible:      "VISIBLE",
	TxnStatusAborted:      "ABORTED",
	TxnStatusPrecommitted: "PRECOMMITTED",
}

func (s TxnStatus) String() string {
	if name, ok := txnStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TxnStatus(%d)", int32(s))
}

// IsFinal reports whether no further transition can happen.
func (s TxnStatus) IsFinal() bool {
	return s == TxnStatusVisible || s == TxnStatusAborted
}

type SubTxnType int8

const (
	SubTxnInsert SubTxnType = iota
	SubTxnDelete
)

func (t SubTxnType) String() string {
	if t == SubTxnDelete {
		return "DELETE"
	}
	return "INSERT"
}

type TxnSourceType int8

const (
	TxnSourceFE TxnSourceType = iota
	TxnSourceBE
)

type LoadJobSourceType int8

const (
	LoadJobInsertStreaming LoadJobSourceType = iota
	LoadJobBackendStreaming
)

func (t LoadJobSourceType) String() string {
	switch t {
	case LoadJobInsertStreaming:
		return "INSERT_STREAMING"
	case LoadJobBackendStreaming:
		return "BACKEND_STREAMING"
	}
	return fmt.Sprintf("LoadJobSourceType(%d)", int8(t))
}

const (
	UserRollbackReason = "user rollback"
)
