package frontend

import (
	"txnsession/pkg/catalog"
	"txnsession/pkg/iface/txnif"
)

type BeginDesc struct {
	Label string
}

type CreateTableDesc struct {
	DB     string
	Schema *catalog.Schema
}

type DropTableDesc struct {
	DB   string
	Name string
}

type InsertValuesDesc struct {
	DB    string
	Table string
	Rows  []txnif.Row
}

// SelectDesc is an INSERT ... SELECT or DELETE ... SELECT on one table.
type SelectDesc struct {
	DB    string
	Table string
}
