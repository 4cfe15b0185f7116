package tinydb

import (
	"github.com/tinydb-engine/tinydb/internal/btree"
	"github.com/tinydb-engine/tinydb/internal/catalog"
)

// Rows is a lazy primary-key range scan. Dropping it cancels the scan;
// mutating the table while a scan is open is not supported.
type Rows struct {
	db   *Database
	t    *catalog.Table
	cur  *btree.Cursor
	done bool
}

// Scan iterates rows whose primary key falls inside the optional inclusive
// bounds, in key order (descending when asc is false). Bounds may be
// prefixes of a composite key.
func (db *Database) Scan(table string, lo, hi []any, asc bool) (*Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return nil, err
	}

	t, err := db.catalogView().Table(table)
	if err != nil {
		return nil, mapErr(err)
	}

	var loKey, hiKey []byte
	if len(lo) > 0 {
		if loKey, err = encodeKeyArgs(t, lo); err != nil {
			return nil, mapErr(err)
		}
	}
	if len(hi) > 0 {
		if hiKey, err = encodeKeyArgs(t, hi); err != nil {
			return nil, mapErr(err)
		}
	}

	cur, err := btree.Open(db.pg, t.RootPage).Scan(loKey, hiKey, asc)
	if err != nil {
		db.noteFatal(err)
		return nil, mapErr(err)
	}
	return &Rows{db: db, t: t, cur: cur}, nil
}

// Next yields the following row; ok=false ends the scan.
func (r *Rows) Next() ([]any, bool, error) {
	if r.done {
		return nil, false, nil
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.usable(); err != nil {
		return nil, false, err
	}

	_, payload, ok, err := r.cur.Next()
	if err != nil {
		r.done = true
		r.db.noteFatal(err)
		return nil, false, mapErr(err)
	}
	if !ok {
		r.done = true
		return nil, false, nil
	}
	row, err := decodeRow(r.t, payload)
	if err != nil {
		r.done = true
		r.db.noteFatal(err)
		return nil, false, mapErr(err)
	}
	return row, true, nil
}

// Close ends the scan early.
func (r *Rows) Close() { r.done = true }

// ScanAll collects a full range scan, mostly for tests and small tables.
func (db *Database) ScanAll(table string, lo, hi []any, asc bool) ([][]any, error) {
	rows, err := db.Scan(table, lo, hi, asc)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for {
		row, ok, err := rows.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}
