package forward

import (
	"context"

	"txnsession/pkg/iface/txnif"
)

// LocalServe answers from the transaction manager of this node.
type LocalServe struct {
	reader txnif.StatusReader
}

func NewLocalServe(reader txnif.StatusReader) *LocalServe {
	return &LocalServe{reader: reader}
}

func (l *LocalServe) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	return l.reader.GetWaitingTxnStatus(ctx, req)
}
