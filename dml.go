package tinydb

import (
	"bytes"
	"fmt"

	"github.com/tinydb-engine/tinydb/internal/btree"
	"github.com/tinydb-engine/tinydb/internal/catalog"
	"github.com/tinydb-engine/tinydb/internal/record"
)

// coerceRow validates arity and types, substituting declared defaults for
// NULL values.
func coerceRow(t *catalog.Table, row []any) ([]any, error) {
	if len(row) != len(t.Columns) {
		return nil, fmt.Errorf("%w: table %s wants %d values, got %d",
			ErrConstraint, t.Name, len(t.Columns), len(row))
	}
	out := make([]any, len(row))
	for i := range row {
		col := &t.Columns[i]
		v := row[i]
		if v == nil && col.Default != nil {
			dv, err := col.DefaultValue()
			if err != nil {
				return nil, err
			}
			v = dv
		}
		cv, err := record.Coerce(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s.%s: %w", ErrConstraint, t.Name, col.Name, err)
		}
		out[i] = cv
	}
	return out, nil
}

func checkNotNull(t *catalog.Table, vals []any) error {
	for i := range vals {
		if vals[i] == nil && !t.Columns[i].Nullable {
			return fmt.Errorf("%w: column %s.%s is NOT NULL", ErrConstraint, t.Name, t.Columns[i].Name)
		}
	}
	return nil
}

// pkValues projects the primary-key columns in declared key order.
func pkValues(t *catalog.Table, vals []any) []any {
	idx := t.PKIndices()
	out := make([]any, len(idx))
	for i, j := range idx {
		out[i] = vals[j]
	}
	return out
}

func encodePK(t *catalog.Table, vals []any) ([]byte, error) {
	return record.Encode(pkValues(t, vals))
}

// encodeKeyArgs coerces caller-supplied key values against the PK column
// types and encodes them. Partial prefixes are allowed for scan bounds.
func encodeKeyArgs(t *catalog.Table, key []any) ([]byte, error) {
	idx := t.PKIndices()
	if len(key) == 0 || len(key) > len(idx) {
		return nil, fmt.Errorf("%w: table %s wants %d key values, got %d",
			ErrConstraint, t.Name, len(idx), len(key))
	}
	vals := make([]any, len(key))
	for i := range key {
		col := &t.Columns[idx[i]]
		cv, err := record.Coerce(col.Type, key[i])
		if err != nil {
			return nil, fmt.Errorf("%w: key column %s.%s: %w", ErrConstraint, t.Name, col.Name, err)
		}
		if cv == nil {
			return nil, fmt.Errorf("%w: NULL in primary key", ErrConstraint)
		}
		vals[i] = cv
	}
	return record.Encode(vals)
}

// decodeRow decodes a stored payload against the current schema. Rows
// written before an ADD COLUMN are short: missing columns read as their
// declared default, or NULL. Extra trailing values from a dropped column
// are ignored.
func decodeRow(t *catalog.Table, payload []byte) ([]any, error) {
	vals, err := record.Decode(payload)
	if err != nil {
		return nil, err
	}
	if len(vals) > len(t.Columns) {
		vals = vals[:len(t.Columns)]
	}
	for len(vals) < len(t.Columns) {
		col := &t.Columns[len(vals)]
		dv, err := col.DefaultValue()
		if err != nil {
			return nil, err
		}
		vals = append(vals, dv)
	}
	for i := range vals {
		if !record.Matches(t.Columns[i].Type, vals[i]) {
			return nil, fmt.Errorf("%w: row value %d does not match column type %s",
				ErrCorruption, i, t.Columns[i].Type)
		}
	}
	return vals, nil
}

// indexEntry builds the (key, payload) pair for a secondary index entry.
// Unique indexes key on the indexed columns alone; non-unique indexes
// append the primary key to keep entries distinct. The payload is the
// encoded primary key either way.
func indexEntry(ix *catalog.Index, t *catalog.Table, row []any, pkKey []byte) ([]byte, []byte, error) {
	vals := make([]any, 0, len(ix.Columns)+len(t.PKColumns))
	for _, name := range ix.Columns {
		i, _, err := t.Column(name)
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, row[i])
	}
	if !ix.Unique {
		vals = append(vals, pkValues(t, row)...)
	}
	key, err := record.Encode(vals)
	if err != nil {
		return nil, nil, err
	}
	val := make([]byte, len(pkKey))
	copy(val, pkKey)
	return key, val, nil
}

// checkForeignParents verifies every non-NULL foreign-key value resolves to
// an existing row in the referenced table at statement time.
func (db *Database) checkForeignParents(c *catalog.Catalog, t *catalog.Table, vals []any) error {
	var selfPK []byte
	for i := range t.Columns {
		col := &t.Columns[i]
		if col.RefTable == "" || vals[i] == nil {
			continue
		}
		parent, err := c.Table(col.RefTable)
		if err != nil {
			return fmt.Errorf("%w: foreign key target %s", ErrConstraint, col.RefTable)
		}
		fk, err := record.Encode([]any{vals[i]})
		if err != nil {
			return err
		}
		if parent.Name == t.Name {
			if selfPK == nil {
				selfPK, err = encodePK(t, vals)
				if err != nil {
					return err
				}
			}
			// a row may reference its own key
			if bytes.Equal(fk, selfPK) {
				continue
			}
		}
		_, ok, err := btree.Open(db.pg, parent.RootPage).Find(fk)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s.%s=%v has no parent in %s",
				ErrConstraint, t.Name, col.Name, vals[i], col.RefTable)
		}
	}
	return nil
}

// checkNoChildren refuses to remove a key that some foreign key still
// points at. Foreign keys always target single-column primary keys.
func (db *Database) checkNoChildren(c *catalog.Catalog, t *catalog.Table, pkKey []byte, pk []any) error {
	if len(pk) != 1 {
		return nil
	}
	for _, child := range c.Referencing(t.Name) {
		for ci := range child.Columns {
			col := &child.Columns[ci]
			if col.RefTable != t.Name {
				continue
			}
			cur, err := btree.Open(db.pg, child.RootPage).Scan(nil, nil, true)
			if err != nil {
				return err
			}
			for {
				rowKey, payload, ok, err := cur.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if child.Name == t.Name && bytes.Equal(rowKey, pkKey) {
					continue // the row being removed
				}
				row, err := decodeRow(child, payload)
				if err != nil {
					return err
				}
				if row[ci] != nil && record.Equal(row[ci], pk[0]) {
					return fmt.Errorf("%w: key %v is referenced by %s.%s",
						ErrConstraint, pk[0], child.Name, col.Name)
				}
			}
		}
	}
	return nil
}

// rootTracker copies moved tree roots into the catalog entries and records
// whether the catalog must be saved.
type rootTracker struct {
	dirty bool
}

func (rt *rootTracker) table(t *catalog.Table, tree *btree.Tree) {
	if tree.Root() != t.RootPage {
		t.RootPage = tree.Root()
		rt.dirty = true
	}
}

func (rt *rootTracker) index(ix *catalog.Index, tree *btree.Tree) {
	if tree.Root() != ix.RootPage {
		ix.RootPage = tree.Root()
		rt.dirty = true
	}
}

// Insert adds one row. Returns the affected row count (always 1 on
// success).
func (db *Database) Insert(table string, row []any) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	count := 0
	err := db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		vals, err := coerceRow(t, row)
		if err != nil {
			return err
		}

		var rt rootTracker
		if ai := t.AutoIncColumn(); ai >= 0 {
			if vals[ai] == nil {
				t.AutoIncr++
				vals[ai] = t.AutoIncr
				rt.dirty = true
			} else if v := vals[ai].(int64); v > t.AutoIncr {
				// explicit inserts above the counter pull it forward so the
				// counter never hands the same value out twice
				t.AutoIncr = v
				rt.dirty = true
			}
		}

		if err := checkNotNull(t, vals); err != nil {
			return err
		}
		if err := db.checkForeignParents(c, t, vals); err != nil {
			return err
		}

		key, err := encodePK(t, vals)
		if err != nil {
			return err
		}
		payload, err := record.Encode(vals)
		if err != nil {
			return err
		}

		tree := btree.Open(db.pg, t.RootPage)
		if err := tree.Insert(key, payload); err != nil {
			return err
		}
		rt.table(t, tree)

		for _, ix := range c.TableIndexes(t.Name) {
			k, v, err := indexEntry(ix, t, vals, key)
			if err != nil {
				return err
			}
			ixTree := btree.Open(db.pg, ix.RootPage)
			if err := ixTree.Insert(k, v); err != nil {
				return err
			}
			rt.index(ix, ixTree)
		}

		if rt.dirty {
			if err := c.Save(db.pg); err != nil {
				return err
			}
		}
		count = 1
		return nil
	})
	return count, err
}

// Get fetches a row by primary key; a missing key returns (nil, nil).
func (db *Database) Get(table string, key []any) ([]any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return nil, err
	}

	t, err := db.catalogView().Table(table)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(key) != len(t.PKColumns) {
		return nil, fmt.Errorf("%w: table %s wants %d key values, got %d",
			ErrConstraint, table, len(t.PKColumns), len(key))
	}
	k, err := encodeKeyArgs(t, key)
	if err != nil {
		return nil, mapErr(err)
	}
	payload, ok, err := btree.Open(db.pg, t.RootPage).Find(k)
	if err != nil {
		db.noteFatal(err)
		return nil, mapErr(err)
	}
	if !ok {
		return nil, nil
	}
	row, err := decodeRow(t, payload)
	if err != nil {
		db.noteFatal(err)
		return nil, mapErr(err)
	}
	return row, nil
}

// Update replaces the row stored under key. Returns 0 when the key is
// absent. The new row may move the primary key.
func (db *Database) Update(table string, key []any, row []any) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	count := 0
	err := db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		if len(key) != len(t.PKColumns) {
			return fmt.Errorf("%w: table %s wants %d key values, got %d",
				ErrConstraint, table, len(t.PKColumns), len(key))
		}
		oldKey, err := encodeKeyArgs(t, key)
		if err != nil {
			return err
		}
		tree := btree.Open(db.pg, t.RootPage)
		oldPayload, ok, err := tree.Find(oldKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		oldRow, err := decodeRow(t, oldPayload)
		if err != nil {
			return err
		}

		vals, err := coerceRow(t, row)
		if err != nil {
			return err
		}
		if ai := t.AutoIncColumn(); ai >= 0 && vals[ai] != nil {
			if v := vals[ai].(int64); v > t.AutoIncr {
				t.AutoIncr = v
			}
		}
		if err := checkNotNull(t, vals); err != nil {
			return err
		}
		if err := db.checkForeignParents(c, t, vals); err != nil {
			return err
		}

		newKey, err := encodePK(t, vals)
		if err != nil {
			return err
		}
		payload, err := record.Encode(vals)
		if err != nil {
			return err
		}

		var rt rootTracker
		if bytes.Equal(oldKey, newKey) {
			if err := tree.Update(oldKey, payload); err != nil {
				return err
			}
		} else {
			// moving the primary key behaves like delete+insert, including
			// the referential check on the old key
			if err := db.checkNoChildren(c, t, oldKey, pkValues(t, oldRow)); err != nil {
				return err
			}
			if err := tree.Delete(oldKey); err != nil {
				return err
			}
			if err := tree.Insert(newKey, payload); err != nil {
				return err
			}
		}
		rt.table(t, tree)

		for _, ix := range c.TableIndexes(t.Name) {
			ixTree := btree.Open(db.pg, ix.RootPage)
			oldK, _, err := indexEntry(ix, t, oldRow, oldKey)
			if err != nil {
				return err
			}
			newK, newV, err := indexEntry(ix, t, vals, newKey)
			if err != nil {
				return err
			}
			if !bytes.Equal(oldK, newK) {
				if err := ixTree.Delete(oldK); err != nil {
					return err
				}
				if err := ixTree.Insert(newK, newV); err != nil {
					return err
				}
			} else if !bytes.Equal(oldKey, newKey) {
				if err := ixTree.Update(newK, newV); err != nil {
					return err
				}
			}
			rt.index(ix, ixTree)
		}

		if rt.dirty {
			if err := c.Save(db.pg); err != nil {
				return err
			}
		}
		count = 1
		return nil
	})
	return count, err
}

// Delete removes the row stored under key. Returns 0 when the key is
// absent; rows still referenced by a foreign key refuse to go.
func (db *Database) Delete(table string, key []any) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	count := 0
	err := db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		if len(key) != len(t.PKColumns) {
			return fmt.Errorf("%w: table %s wants %d key values, got %d",
				ErrConstraint, table, len(t.PKColumns), len(key))
		}
		k, err := encodeKeyArgs(t, key)
		if err != nil {
			return err
		}
		tree := btree.Open(db.pg, t.RootPage)
		payload, ok, err := tree.Find(k)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		oldRow, err := decodeRow(t, payload)
		if err != nil {
			return err
		}
		if err := db.checkNoChildren(c, t, k, pkValues(t, oldRow)); err != nil {
			return err
		}

		var rt rootTracker
		for _, ix := range c.TableIndexes(t.Name) {
			ixTree := btree.Open(db.pg, ix.RootPage)
			oldK, _, err := indexEntry(ix, t, oldRow, k)
			if err != nil {
				return err
			}
			if err := ixTree.Delete(oldK); err != nil {
				return err
			}
			rt.index(ix, ixTree)
		}

		if err := tree.Delete(k); err != nil {
			return err
		}
		rt.table(t, tree)

		if rt.dirty {
			if err := c.Save(db.pg); err != nil {
				return err
			}
		}
		count = 1
		return nil
	})
	return count, err
}
