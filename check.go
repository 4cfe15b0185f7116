package tinydb

import (
	"github.com/tinydb-engine/tinydb/internal/btree"
)

// CheckTable validates the structural invariants of a table's primary-key
// B-tree: key ordering, separator bounds, uniform leaf depth and minimum
// node fill.
func (db *Database) CheckTable(table string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	t, err := db.catalogView().Table(table)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(btree.Open(db.pg, t.RootPage).Check())
}

// CheckIndex validates the structural invariants of a secondary index.
func (db *Database) CheckIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	ix, err := db.catalogView().Index(name)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(btree.Open(db.pg, ix.RootPage).Check())
}
