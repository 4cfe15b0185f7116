package tinydb

import (
	"fmt"

	"github.com/tinydb-engine/tinydb/internal/btree"
	"github.com/tinydb-engine/tinydb/internal/catalog"
)

// CreateTable adds a table and its empty primary-key B-tree.
func (db *Database) CreateTable(def TableDef) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := toCatalogTable(def)
	if err != nil {
		return err
	}

	return db.write(func(c *catalog.Catalog) error {
		if _, exists := c.Tables[t.Name]; exists {
			return fmt.Errorf("%w: table %s", ErrDuplicateName, t.Name)
		}
		if err := c.Validate(t); err != nil {
			return err
		}
		tree, err := btree.Create(db.pg)
		if err != nil {
			return err
		}
		t.RootPage = tree.Root()
		c.Tables[t.Name] = t
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// DropTable removes a table, its B-tree and its secondary indexes. Tables
// referenced by another table's foreign key cannot be dropped.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(name)
		if err != nil {
			return err
		}
		for _, ref := range c.Referencing(name) {
			if ref.Name != name {
				return fmt.Errorf("%w: table %s is referenced by %s", ErrConstraint, name, ref.Name)
			}
		}
		for _, ix := range c.TableIndexes(name) {
			if err := btree.Open(db.pg, ix.RootPage).Drop(); err != nil {
				return err
			}
			delete(c.Indexes, ix.Name)
		}
		if err := btree.Open(db.pg, t.RootPage).Drop(); err != nil {
			return err
		}
		delete(c.Tables, name)
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// RenameTable renames a table and rewrites foreign keys and index entries
// pointing at it.
func (db *Database) RenameTable(oldName, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(oldName)
		if err != nil {
			return err
		}
		if oldName == newName {
			return nil
		}
		if _, exists := c.Tables[newName]; exists {
			return fmt.Errorf("%w: table %s", ErrDuplicateName, newName)
		}
		delete(c.Tables, oldName)
		t.Name = newName
		c.Tables[newName] = t
		for _, other := range c.Tables {
			for i := range other.Columns {
				if other.Columns[i].RefTable == oldName {
					other.Columns[i].RefTable = newName
				}
			}
		}
		for _, ix := range c.Indexes {
			if ix.Table == oldName {
				ix.Table = newName
			}
		}
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// AddColumn appends a column. Existing rows read the new column as its
// default (NULL when none) at decode time; no row rewrite happens. Primary
// key and autoincrement columns cannot be added, and NOT NULL requires a
// default.
func (db *Database) AddColumn(table string, col Column) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	cc, err := toCatalogColumn(col)
	if err != nil {
		return err
	}

	return db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		if cc.PrimaryKey || cc.AutoIncrement {
			return fmt.Errorf("%w: ADD COLUMN cannot add a primary key", ErrSchema)
		}
		if !cc.Nullable && cc.Default == nil {
			return fmt.Errorf("%w: ADD COLUMN with NOT NULL requires a default", ErrSchema)
		}
		if _, _, err := t.Column(cc.Name); err == nil {
			return fmt.Errorf("%w: column %s.%s", ErrDuplicateName, table, cc.Name)
		}
		if cc.Default != nil {
			if _, err := cc.DefaultValue(); err != nil {
				return err
			}
		}
		if cc.RefTable != "" {
			ref, err := c.Table(cc.RefTable)
			if err != nil {
				return err
			}
			if len(ref.PKColumns) != 1 || ref.PKColumns[0] != cc.RefColumn {
				return fmt.Errorf("%w: foreign key must reference the primary key of %s",
					ErrSchema, cc.RefTable)
			}
		}
		t.Columns = append(t.Columns, cc)
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// DropColumn removes the last column of a table; earlier columns would
// require a row rewrite. Stored values for the dropped column are ignored
// at decode time.
func (db *Database) DropColumn(table, column string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		i, col, err := t.Column(column)
		if err != nil {
			return err
		}
		if i != len(t.Columns)-1 {
			return fmt.Errorf("%w: only the last column can be dropped", ErrSchema)
		}
		if col.PrimaryKey {
			return fmt.Errorf("%w: cannot drop a primary key column", ErrSchema)
		}
		for _, ix := range c.TableIndexes(table) {
			for _, name := range ix.Columns {
				if name == column {
					return fmt.Errorf("%w: column %s is indexed by %s", ErrSchema, column, ix.Name)
				}
			}
		}
		t.Columns = t.Columns[:i]
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// RenameColumn renames a column and rewrites primary-key lists, index
// definitions and foreign keys that mention it.
func (db *Database) RenameColumn(table, oldName, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		t, err := c.Table(table)
		if err != nil {
			return err
		}
		i, _, err := t.Column(oldName)
		if err != nil {
			return err
		}
		if oldName == newName {
			return nil
		}
		if _, _, err := t.Column(newName); err == nil {
			return fmt.Errorf("%w: column %s.%s", ErrDuplicateName, table, newName)
		}
		t.Columns[i].Name = newName
		for j, name := range t.PKColumns {
			if name == oldName {
				t.PKColumns[j] = newName
			}
		}
		for _, other := range c.Tables {
			for j := range other.Columns {
				if other.Columns[j].RefTable == table && other.Columns[j].RefColumn == oldName {
					other.Columns[j].RefColumn = newName
				}
			}
		}
		for _, ix := range c.Indexes {
			if ix.Table != table {
				continue
			}
			for j, name := range ix.Columns {
				if name == oldName {
					ix.Columns[j] = newName
				}
			}
		}
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// CreateIndex builds a secondary index and backfills it from the table.
func (db *Database) CreateIndex(def IndexDef) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		if _, exists := c.Indexes[def.Name]; exists {
			return fmt.Errorf("%w: index %s", ErrDuplicateName, def.Name)
		}
		t, err := c.Table(def.Table)
		if err != nil {
			return err
		}
		if len(def.Columns) == 0 {
			return fmt.Errorf("%w: index %s has no columns", ErrSchema, def.Name)
		}
		seen := make(map[string]bool, len(def.Columns))
		for _, name := range def.Columns {
			if _, _, err := t.Column(name); err != nil {
				return err
			}
			if seen[name] {
				return fmt.Errorf("%w: duplicate column %s in index %s", ErrSchema, name, def.Name)
			}
			seen[name] = true
		}

		ix := &catalog.Index{
			Name:    def.Name,
			Table:   def.Table,
			Columns: append([]string(nil), def.Columns...),
			Unique:  def.Unique,
		}
		tree, err := btree.Create(db.pg)
		if err != nil {
			return err
		}

		// backfill from existing rows
		tableTree := btree.Open(db.pg, t.RootPage)
		cur, err := tableTree.Scan(nil, nil, true)
		if err != nil {
			return err
		}
		for {
			pkKey, payload, ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			row, err := decodeRow(t, payload)
			if err != nil {
				return err
			}
			key, val, err := indexEntry(ix, t, row, pkKey)
			if err != nil {
				return err
			}
			if err := tree.Insert(key, val); err != nil {
				return err
			}
		}

		ix.RootPage = tree.Root()
		c.Indexes[def.Name] = ix
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}

// DropIndex removes a secondary index and frees its pages.
func (db *Database) DropIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.write(func(c *catalog.Catalog) error {
		ix, err := c.Index(name)
		if err != nil {
			return err
		}
		if err := btree.Open(db.pg, ix.RootPage).Drop(); err != nil {
			return err
		}
		delete(c.Indexes, name)
		c.SchemaVersion++
		return c.Save(db.pg)
	})
}
