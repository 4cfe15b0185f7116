// Package catalog holds the persistent schema metadata: tables, columns,
// indexes, root pages and autoincrement counters. The serialized catalog
// lives in an overflow chain rooted in the database header.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

var (
	ErrNoSuchTable   = errors.New("catalog: no such table")
	ErrNoSuchColumn  = errors.New("catalog: no such column")
	ErrNoSuchIndex   = errors.New("catalog: no such index")
	ErrDuplicateName = errors.New("catalog: name already in use")
	ErrBadSchema     = errors.New("catalog: invalid schema")
	ErrSizeMismatch  = errors.New("catalog: serialized length mismatch")
)

type Column struct {
	Name          string            `json:"name"`
	Type          record.ColumnType `json:"type"`
	Nullable      bool              `json:"nullable"`
	PrimaryKey    bool              `json:"primary_key"`
	AutoIncrement bool              `json:"auto_increment,omitempty"`
	Default       *string           `json:"default,omitempty"`
	RefTable      string            `json:"ref_table,omitempty"`
	RefColumn     string            `json:"ref_column,omitempty"`
}

type Table struct {
	Name      string   `json:"name"`
	Columns   []Column `json:"columns"`
	PKColumns []string `json:"pk_columns"`
	RootPage  uint32   `json:"root_page"`
	// AutoIncr is the last value handed out; it never decreases, even
	// after deletes.
	AutoIncr int64 `json:"auto_increment_counter"`
}

type Index struct {
	Name     string   `json:"name"`
	Table    string   `json:"table"`
	Columns  []string `json:"columns"`
	Unique   bool     `json:"unique"`
	RootPage uint32   `json:"root_page"`
}

type Catalog struct {
	Tables        map[string]*Table `json:"tables"`
	Indexes       map[string]*Index `json:"indexes"`
	SchemaVersion uint64            `json:"schema_version"`
}

func New() *Catalog {
	return &Catalog{
		Tables:  make(map[string]*Table),
		Indexes: make(map[string]*Index),
	}
}

// Load reads the catalog chain referenced by the pager header. An empty
// root means a fresh database.
func Load(pg *storage.Pager) (*Catalog, error) {
	hdr := pg.Header()
	if hdr.CatalogRoot == 0 {
		return New(), nil
	}
	data, err := pg.ReadChain(hdr.CatalogRoot)
	if err != nil {
		return nil, fmt.Errorf("catalog: read chain: %w", err)
	}
	if uint32(len(data)) != hdr.CatalogLen {
		return nil, fmt.Errorf("%w: have %d want %d", ErrSizeMismatch, len(data), hdr.CatalogLen)
	}
	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return c, nil
}

// Save rewrites the catalog chain inside the current transaction and
// repoints the header at it.
func (c *Catalog) Save(pg *storage.Pager) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}
	if old := pg.Header().CatalogRoot; old != 0 {
		if err := pg.FreeChain(old); err != nil {
			return err
		}
	}
	root, err := pg.WriteChain(data)
	if err != nil {
		return err
	}
	if err := pg.SetCatalogRoot(root, uint32(len(data))); err != nil {
		return err
	}
	slog.Debug("catalog: saved", "bytes", len(data), "root", root, "version", c.SchemaVersion)
	return nil
}

func (c *Catalog) Table(name string) (*Table, error) {
	t, ok := c.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	return t, nil
}

func (c *Catalog) Index(name string) (*Index, error) {
	ix, ok := c.Indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	return ix, nil
}

// TableIndexes lists the secondary indexes of one table.
func (c *Catalog) TableIndexes(table string) []*Index {
	var out []*Index
	for _, ix := range c.Indexes {
		if ix.Table == table {
			out = append(out, ix)
		}
	}
	return out
}

// Referencing lists tables with a foreign key into the given table.
func (c *Catalog) Referencing(table string) []*Table {
	var out []*Table
	for _, t := range c.Tables {
		for _, col := range t.Columns {
			if col.RefTable == table {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func (t *Table) Column(name string) (int, *Column, error) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return i, &t.Columns[i], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %s.%s", ErrNoSuchColumn, t.Name, name)
}

// PKIndices resolves the primary-key column positions in declared PK order.
func (t *Table) PKIndices() []int {
	out := make([]int, 0, len(t.PKColumns))
	for _, name := range t.PKColumns {
		for i := range t.Columns {
			if t.Columns[i].Name == name {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// AutoIncColumn returns the position of the autoincrement column, or -1.
func (t *Table) AutoIncColumn() int {
	for i := range t.Columns {
		if t.Columns[i].AutoIncrement {
			return i
		}
	}
	return -1
}

// Validate checks a table definition before it enters the catalog.
func (c *Catalog) Validate(t *Table) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty table name", ErrBadSchema)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrBadSchema, t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	autoInc := 0
	for i := range t.Columns {
		col := &t.Columns[i]
		if col.Name == "" {
			return fmt.Errorf("%w: empty column name in %s", ErrBadSchema, t.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("%w: duplicate column %s.%s", ErrBadSchema, t.Name, col.Name)
		}
		seen[col.Name] = true
		if col.Type.String() == "unknown" {
			return fmt.Errorf("%w: column %s.%s has no type", ErrBadSchema, t.Name, col.Name)
		}
		if col.AutoIncrement {
			autoInc++
			if !col.PrimaryKey || col.Type != record.ColInteger {
				return fmt.Errorf("%w: autoincrement requires INTEGER PRIMARY KEY", ErrBadSchema)
			}
		}
		if (col.RefTable == "") != (col.RefColumn == "") {
			return fmt.Errorf("%w: partial foreign key on %s.%s", ErrBadSchema, t.Name, col.Name)
		}
		if col.RefTable != "" {
			ref, ok := c.Tables[col.RefTable]
			if !ok && col.RefTable != t.Name {
				return fmt.Errorf("%w: foreign key target table %s", ErrNoSuchTable, col.RefTable)
			}
			if ok {
				if len(ref.PKColumns) != 1 || ref.PKColumns[0] != col.RefColumn {
					return fmt.Errorf("%w: foreign key must reference the primary key %s.%v",
						ErrBadSchema, col.RefTable, ref.PKColumns)
				}
			}
		}
	}
	if autoInc > 1 {
		return fmt.Errorf("%w: more than one autoincrement column", ErrBadSchema)
	}

	// exactly one primary key: a single flagged column or a table-level
	// composite list
	var flagged []string
	for _, col := range t.Columns {
		if col.PrimaryKey {
			flagged = append(flagged, col.Name)
		}
	}
	switch {
	case len(t.PKColumns) == 0 && len(flagged) == 1:
		t.PKColumns = flagged
	case len(t.PKColumns) > 0:
		if len(flagged) > 0 {
			return fmt.Errorf("%w: both column-level and table-level primary key", ErrBadSchema)
		}
		for _, name := range t.PKColumns {
			i := -1
			for j := range t.Columns {
				if t.Columns[j].Name == name {
					i = j
					break
				}
			}
			if i == -1 {
				return fmt.Errorf("%w: primary key column %s not declared", ErrBadSchema, name)
			}
			t.Columns[i].PrimaryKey = true
		}
		if autoInc > 0 && len(t.PKColumns) > 1 {
			return fmt.Errorf("%w: autoincrement on composite primary key", ErrBadSchema)
		}
	default:
		return fmt.Errorf("%w: table %s needs exactly one primary key", ErrBadSchema, t.Name)
	}

	// PK columns are implicitly NOT NULL
	for _, name := range t.PKColumns {
		i, _, _ := t.Column(name)
		t.Columns[i].Nullable = false
	}
	return nil
}

// DefaultValue parses a column's declared default into a canonical value.
func (col *Column) DefaultValue() (any, error) {
	if col.Default == nil {
		return nil, nil
	}
	return record.ParseLiteral(col.Type, *col.Default)
}
