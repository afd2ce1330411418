package frontend

import (
	"context"

	"txnsession/pkg/catalog"
	"txnsession/pkg/iface/txnif"
)

// StatementExecutor runs the select part of an insert-select or
// delete-select statement as sub txn subTxnID and returns the tablet acks.
type StatementExecutor interface {
	ExecSelect(ctx context.Context, table *catalog.TableEntry, subTxnID uint64, typ txnif.SubTxnType) ([]txnif.TabletCommitInfo, error)
}

// tabletWriter acknowledges every tablet of the target table.
type tabletWriter struct {
	backendID uint64
}

func (w *tabletWriter) ExecSelect(ctx context.Context, table *catalog.TableEntry, subTxnID uint64, typ txnif.SubTxnType) ([]txnif.TabletCommitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := table.TabletIDs()
	infos := make([]txnif.TabletCommitInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, txnif.TabletCommitInfo{TabletID: id, BackendID: w.backendID})
	}
	return infos, nil
}
