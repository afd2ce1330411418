package catalog

import (
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

type Catalog struct {
	*IDAlloctor
	*sync.RWMutex

	entries   map[uint64]*DBEntry
	nameIndex *btree.BTree
}

func NewCatalog() *Catalog {
	return &Catalog{
		RWMutex:    new(sync.RWMutex),
		IDAlloctor: NewIDAllocator(),
		entries:    make(map[uint64]*DBEntry),
		nameIndex:  newNameIndex(),
	}
}

func (catalog *Catalog) CreateDBEntry(name string) (*DBEntry, error) {
	if name == "" {
		return nil, ErrValidation
	}
	catalog.Lock()
	defer catalog.Unlock()
	if _, ok := lookupName(catalog.nameIndex, name); ok {
		return nil, ErrDuplicate
	}
	entry := NewDBEntry(catalog, name)
	catalog.entries[entry.GetID()] = entry
	catalog.nameIndex.ReplaceOrInsert(&nameNode{name: name, id: entry.GetID()})
	logrus.Debugf("Create %s", entry.String())
	return entry, nil
}

func (catalog *Catalog) GetDBEntry(name string) (*DBEntry, error) {
	catalog.RLock()
	defer catalog.RUnlock()
	id, ok := lookupName(catalog.nameIndex, name)
	if !ok {
		return nil, ErrNotFound
	}
	return catalog.entries[id], nil
}

func (catalog *Catalog) GetDBEntryByID(id uint64) (*DBEntry, error) {
	catalog.RLock()
	defer catalog.RUnlock()
	entry := catalog.entries[id]
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (catalog *Catalog) DropDBEntry(name string) (deleted *DBEntry, err error) {
	catalog.Lock()
	defer catalog.Unlock()
	id, ok := lookupName(catalog.nameIndex, name)
	if !ok {
		err = ErrNotFound
		return
	}
	entry := catalog.entries[id]
	entry.Lock()
	err = entry.dropLocked()
	entry.Unlock()
	if err != nil {
		return
	}
	catalog.nameIndex.Delete(&nameNode{name: name})
	delete(catalog.entries, id)
	deleted = entry
	return
}

func (catalog *Catalog) DBNames() []string {
	catalog.RLock()
	defer catalog.RUnlock()
	return sortedNames(catalog.nameIndex)
}

// TabletIDs resolves the tablets of a table, used to route streamed rows.
func (catalog *Catalog) TabletIDs(dbID, tableID uint64) ([]uint64, error) {
	db, err := catalog.GetDBEntryByID(dbID)
	if err != nil {
		return nil, err
	}
	table, err := db.GetTableEntryByID(tableID)
	if err != nil {
		return nil, err
	}
	return table.TabletIDs(), nil
}
