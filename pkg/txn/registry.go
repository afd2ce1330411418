package txn

import (
	"fmt"
	"slices"

	"txnsession/pkg/iface/txnif"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Registry tracks the participants of a multi-table transaction. tableIDs
// holds one entry per join, so a table joined twice appears twice until
// the list is deduplicated before finishing.
type Registry struct {
	tableIDs []uint64
	states   []*txnif.SubTransactionState
}

func NewRegistry(tableIDs ...uint64) *Registry {
	return &Registry{tableIDs: append([]uint64(nil), tableIDs...)}
}

func (r *Registry) AddTable(tableID uint64) {
	r.tableIDs = append(r.tableIDs, tableID)
}

// RemoveTable drops the latest join entry of the table and any ack recorded
// for subTxnID.
func (r *Registry) RemoveTable(subTxnID, tableID uint64) bool {
	for i := len(r.states) - 1; i >= 0; i-- {
		if r.states[i].SubTxnID == subTxnID {
			r.states = slices.Delete(r.states, i, i+1)
			break
		}
	}
	for i := len(r.tableIDs) - 1; i >= 0; i-- {
		if r.tableIDs[i] == tableID {
			r.tableIDs = slices.Delete(r.tableIDs, i, i+1)
			return true
		}
	}
	return false
}

func (r *Registry) TableIDs() []uint64 {
	return append([]uint64(nil), r.tableIDs...)
}

func (r *Registry) States() []*txnif.SubTransactionState {
	return append([]*txnif.SubTransactionState(nil), r.states...)
}

// RecordAck adds the acks of a sub txn. Acks for a known sub txn are merged.
func (r *Registry) RecordAck(subTxnID uint64, table txnif.TableIf, infos []txnif.TabletCommitInfo, typ txnif.SubTxnType) {
	for _, state := range r.states {
		if state.SubTxnID == subTxnID {
			state.MergeCommitInfos(infos)
			return
		}
	}
	r.states = append(r.states, txnif.NewSubTransactionState(subTxnID, table, infos, typ))
}

// Check verifies every join entry got its acks.
func (r *Registry) Check() error {
	if len(r.tableIDs) != len(r.states) {
		acked := make([]uint64, 0, len(r.states))
		for _, state := range r.states {
			acked = append(acked, state.Table.GetID())
		}
		return fmt.Errorf("%w: expect table_list=%v, but is=%v", ErrConsistency, acked, r.tableIDs)
	}
	return nil
}

// Prepare returns the deduplicated table ids and the sub txns in commit order.
func (r *Registry) Prepare() ([]uint64, []*txnif.SubTransactionState) {
	states := r.States()
	SortSubTxns(states)
	return DedupTableIDs(r.tableIDs), states
}

// DedupTableIDs keeps the first occurrence of every id.
func DedupTableIDs(ids []uint64) []uint64 {
	seen := roaring64.NewBitmap()
	res := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if seen.Contains(id) {
			continue
		}
		seen.Add(id)
		res = append(res, id)
	}
	return res
}

// CompareSubTxn orders DELETE sub txns before INSERT ones and breaks ties by
// ascending sub txn id.
func CompareSubTxn(a, b *txnif.SubTransactionState) int {
	if a.Type != b.Type {
		if a.Type == txnif.SubTxnDelete {
			return -1
		}
		return 1
	}
	switch {
	case a.SubTxnID < b.SubTxnID:
		return -1
	case a.SubTxnID > b.SubTxnID:
		return 1
	}
	return 0
}

func SortSubTxns(states []*txnif.SubTransactionState) {
	slices.SortStableFunc(states, CompareSubTxn)
}
