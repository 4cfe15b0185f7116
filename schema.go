package tinydb

import (
	"fmt"
	"strings"

	"github.com/tinydb-engine/tinydb/internal/catalog"
	"github.com/tinydb-engine/tinydb/internal/record"
)

// Column declares one table column. Type is the declared SQL type name:
// INTEGER, TEXT, REAL, BOOLEAN, TIMESTAMP, BLOB, DECIMAL (NUMERIC aliases
// DECIMAL). References names a foreign-key target as "table.column".
type Column struct {
	Name          string
	Type          string
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
	Default       *string
	References    string
}

// TableDef declares a table. A composite primary key is listed in
// PrimaryKey; a single-column key may use the column flag instead.
type TableDef struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// IndexDef declares a secondary index.
type IndexDef struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

func toCatalogColumn(c Column) (catalog.Column, error) {
	typ, err := record.ParseColumnType(c.Type)
	if err != nil {
		return catalog.Column{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	out := catalog.Column{
		Name:          c.Name,
		Type:          typ,
		Nullable:      c.Nullable,
		PrimaryKey:    c.PrimaryKey,
		AutoIncrement: c.AutoIncrement,
		Default:       c.Default,
	}
	if c.References != "" {
		table, column, ok := strings.Cut(c.References, ".")
		if !ok || table == "" || column == "" {
			return catalog.Column{}, fmt.Errorf("%w: foreign key reference %q, want \"table.column\"",
				ErrSchema, c.References)
		}
		out.RefTable = table
		out.RefColumn = column
	}
	return out, nil
}

func toCatalogTable(def TableDef) (*catalog.Table, error) {
	cols := make([]catalog.Column, 0, len(def.Columns))
	for _, c := range def.Columns {
		cc, err := toCatalogColumn(c)
		if err != nil {
			return nil, err
		}
		cols = append(cols, cc)
	}
	return &catalog.Table{
		Name:      def.Name,
		Columns:   cols,
		PKColumns: append([]string(nil), def.PrimaryKey...),
	}, nil
}

func fromCatalogTable(t *catalog.Table) TableDef {
	cols := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		col := Column{
			Name:          c.Name,
			Type:          c.Type.String(),
			Nullable:      c.Nullable,
			PrimaryKey:    c.PrimaryKey,
			AutoIncrement: c.AutoIncrement,
			Default:       c.Default,
		}
		if c.RefTable != "" {
			col.References = c.RefTable + "." + c.RefColumn
		}
		cols = append(cols, col)
	}
	return TableDef{
		Name:       t.Name,
		Columns:    cols,
		PrimaryKey: append([]string(nil), t.PKColumns...),
	}
}

// Schema returns the current definition of a table.
func (db *Database) Schema(table string) (TableDef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.catalogView().Table(table)
	if err != nil {
		return TableDef{}, mapErr(err)
	}
	return fromCatalogTable(t), nil
}
