package catalog

import (
	"fmt"
	"sync"

	"txnsession/pkg/iface/txnif"
)

type Schema struct {
	Name    string
	Columns []string
	// Tablets is the number of tablets rows of this table are spread over.
	Tablets int
}

func MockSchema(name string, colCnt int) *Schema {
	schema := &Schema{Name: name, Tablets: 1}
	for i := 0; i < colCnt; i++ {
		schema.Columns = append(schema.Columns, fmt.Sprintf("mock_%d", i))
	}
	return schema
}

func (s *Schema) Validate() error {
	if s == nil || s.Name == "" || len(s.Columns) == 0 {
		return ErrValidation
	}
	if s.Tablets <= 0 {
		s.Tablets = 1
	}
	return nil
}

type TableEntry struct {
	*BaseEntry
	db     *DBEntry
	schema *Schema
}

func NewTableEntry(db *DBEntry, schema *Schema) *TableEntry {
	id := db.catalog.NextTable()
	e := &TableEntry{
		BaseEntry: &BaseEntry{
			RWMutex: new(sync.RWMutex),
			ID:      id,
		},
		db:     db,
		schema: schema,
	}
	return e
}

func MockStaloneTableEntry(id uint64, db *DBEntry, schema *Schema) *TableEntry {
	return &TableEntry{
		BaseEntry: &BaseEntry{
			RWMutex: new(sync.RWMutex),
			ID:      id,
		},
		db:     db,
		schema: schema,
	}
}

func (entry *TableEntry) GetSchema() *Schema { return entry.schema }
func (entry *TableEntry) GetName() string    { return entry.schema.Name }
func (entry *TableEntry) GetDBEntry() *DBEntry {
	return entry.db
}

func (entry *TableEntry) GetDB() txnif.DatabaseIf {
	return entry.db
}

// TabletIDs derives stable tablet ids from the table id.
func (entry *TableEntry) TabletIDs() []uint64 {
	ids := make([]uint64, entry.schema.Tablets)
	for i := range ids {
		ids[i] = entry.ID*1000 + uint64(i)
	}
	return ids
}

func (entry *TableEntry) String() string {
	entry.RLock()
	defer entry.RUnlock()
	return fmt.Sprintf("TABLE%s[name=%s]", entry.BaseEntry.String(), entry.schema.Name)
}
