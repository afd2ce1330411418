package catalog

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
)

const (
	nameIndexDegree = 8
)

type IDAlloctor struct {
	dbAlloc  *common.IdAlloctor
	tblAlloc *common.IdAlloctor
}

func NewIDAllocator() *IDAlloctor {
	return &IDAlloctor{
		dbAlloc:  common.NewIdAlloctor(1000),
		tblAlloc: common.NewIdAlloctor(1000),
	}
}

func (alloc *IDAlloctor) NextDB() uint64    { return alloc.dbAlloc.Alloc() }
func (alloc *IDAlloctor) NextTable() uint64 { return alloc.tblAlloc.Alloc() }

type BaseEntry struct {
	*sync.RWMutex
	ID      uint64
	dropped bool
}

func (e *BaseEntry) GetID() uint64 { return e.ID }

func (e *BaseEntry) HasDropped() bool {
	e.RLock()
	defer e.RUnlock()
	return e.dropped
}

func (e *BaseEntry) dropLocked() error {
	if e.dropped {
		return ErrNotFound
	}
	e.dropped = true
	return nil
}

func (e *BaseEntry) String() string {
	return fmt.Sprintf("[ID=%d][Dropped=%v]", e.ID, e.dropped)
}

// nameNode maps a name to an entry id inside a btree name index.
type nameNode struct {
	name string
	id   uint64
}

func (n *nameNode) Less(item btree.Item) bool {
	return n.name < item.(*nameNode).name
}

func newNameIndex() *btree.BTree {
	return btree.New(nameIndexDegree)
}

func lookupName(index *btree.BTree, name string) (uint64, bool) {
	item := index.Get(&nameNode{name: name})
	if item == nil {
		return 0, false
	}
	return item.(*nameNode).id, true
}

func sortedNames(index *btree.BTree) []string {
	names := make([]string, 0, index.Len())
	index.Ascend(func(item btree.Item) bool {
		names = append(names, item.(*nameNode).name)
		return true
	})
	return names
}
