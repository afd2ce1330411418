package catalog

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type DBEntry struct {
	*BaseEntry
	catalog *Catalog
	name    string

	entries   map[uint64]*TableEntry
	nameIndex *btree.BTree
}

func NewDBEntry(catalog *Catalog, name string) *DBEntry {
	id := catalog.NextDB()
	e := &DBEntry{
		BaseEntry: &BaseEntry{
			RWMutex: new(sync.RWMutex),
			ID:      id,
		},
		catalog:   catalog,
		name:      name,
		entries:   make(map[uint64]*TableEntry),
		nameIndex: newNameIndex(),
	}
	return e
}

func (e *DBEntry) GetName() string { return e.name }

func (e *DBEntry) String() string {
	return fmt.Sprintf("DB%s[name=%s]", e.BaseEntry.String(), e.name)
}

func (e *DBEntry) GetTableEntry(name string) (*TableEntry, error) {
	e.RLock()
	defer e.RUnlock()
	id, ok := lookupName(e.nameIndex, name)
	if !ok {
		return nil, ErrNotFound
	}
	return e.entries[id], nil
}

func (e *DBEntry) GetTableEntryByID(id uint64) (*TableEntry, error) {
	e.RLock()
	defer e.RUnlock()
	entry := e.entries[id]
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (e *DBEntry) CreateTableEntry(schema *Schema) (created *TableEntry, err error) {
	if err = schema.Validate(); err != nil {
		return
	}
	e.Lock()
	defer e.Unlock()
	if e.dropped {
		err = ErrNotFound
		return
	}
	if _, ok := lookupName(e.nameIndex, schema.Name); ok {
		err = ErrDuplicate
		return
	}
	created = NewTableEntry(e, schema)
	e.entries[created.GetID()] = created
	e.nameIndex.ReplaceOrInsert(&nameNode{name: schema.Name, id: created.GetID()})
	return
}

func (e *DBEntry) DropTableEntry(name string) (deleted *TableEntry, err error) {
	e.Lock()
	defer e.Unlock()
	id, ok := lookupName(e.nameIndex, name)
	if !ok {
		err = ErrNotFound
		return
	}
	entry := e.entries[id]
	entry.Lock()
	err = entry.dropLocked()
	entry.Unlock()
	if err != nil {
		return
	}
	e.nameIndex.Delete(&nameNode{name: name})
	delete(e.entries, id)
	deleted = entry
	return
}

func (e *DBEntry) TableNames() []string {
	e.RLock()
	defer e.RUnlock()
	return sortedNames(e.nameIndex)
}
