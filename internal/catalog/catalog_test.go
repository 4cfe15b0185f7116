package catalog

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

func usersTable() *Table {
	return &Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: record.ColInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", Type: record.ColText},
			{Name: "email", Type: record.ColText, Nullable: true},
		},
	}
}

func TestValidate_SingleColumnPK(t *testing.T) {
	c := New()
	tbl := usersTable()
	require.NoError(t, c.Validate(tbl))
	require.Equal(t, []string{"id"}, tbl.PKColumns)
	// PK columns become NOT NULL
	require.False(t, tbl.Columns[0].Nullable)
}

func TestValidate_CompositePK(t *testing.T) {
	c := New()
	tbl := &Table{
		Name: "memberships",
		Columns: []Column{
			{Name: "user_id", Type: record.ColInteger},
			{Name: "group_id", Type: record.ColInteger},
			{Name: "since", Type: record.ColTimestamp, Nullable: true},
		},
		PKColumns: []string{"user_id", "group_id"},
	}
	require.NoError(t, c.Validate(tbl))
	require.True(t, tbl.Columns[0].PrimaryKey)
	require.True(t, tbl.Columns[1].PrimaryKey)
}

func TestValidate_Rejections(t *testing.T) {
	c := New()

	cases := map[string]*Table{
		"no columns": {Name: "t"},
		"no pk": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger},
		}},
		"two flagged pks": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, PrimaryKey: true},
			{Name: "b", Type: record.ColInteger, PrimaryKey: true},
		}},
		"duplicate column": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, PrimaryKey: true},
			{Name: "a", Type: record.ColText},
		}},
		"autoincrement on text": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColText, PrimaryKey: true, AutoIncrement: true},
		}},
		"autoincrement without pk": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, AutoIncrement: true},
			{Name: "b", Type: record.ColInteger, PrimaryKey: true},
		}},
		"composite autoincrement": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, AutoIncrement: true},
			{Name: "b", Type: record.ColInteger},
		}, PKColumns: []string{"a", "b"}},
		"unknown pk column": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger},
		}, PKColumns: []string{"zzz"}},
		"fk target missing": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, PrimaryKey: true, RefTable: "nope", RefColumn: "id"},
		}},
		"partial fk": {Name: "t", Columns: []Column{
			{Name: "a", Type: record.ColInteger, PrimaryKey: true, RefTable: "x"},
		}},
	}
	for name, tbl := range cases {
		err := c.Validate(tbl)
		require.Error(t, err, name)
	}
}

func TestValidate_ForeignKeyMustTargetPK(t *testing.T) {
	c := New()
	users := usersTable()
	require.NoError(t, c.Validate(users))
	c.Tables["users"] = users

	bad := &Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Type: record.ColInteger, PrimaryKey: true},
			{Name: "author", Type: record.ColInteger, Nullable: true, RefTable: "users", RefColumn: "name"},
		},
	}
	err := c.Validate(bad)
	require.ErrorIs(t, err, ErrBadSchema)

	good := &Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Type: record.ColInteger, PrimaryKey: true},
			{Name: "author", Type: record.ColInteger, Nullable: true, RefTable: "users", RefColumn: "id"},
		},
	}
	require.NoError(t, c.Validate(good))
}

func TestCatalog_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.db")
	pg, err := storage.Open(path, storage.Options{})
	require.NoError(t, err)

	c := New()
	users := usersTable()
	require.NoError(t, c.Validate(users))
	users.RootPage = 7
	users.AutoIncr = 41
	c.Tables["users"] = users
	c.Indexes["users_email"] = &Index{
		Name: "users_email", Table: "users", Columns: []string{"email"}, Unique: true, RootPage: 9,
	}
	c.SchemaVersion = 3

	_, err = pg.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Save(pg))
	require.NoError(t, pg.Commit())
	require.NoError(t, pg.Close())

	pg2, err := storage.Open(path, storage.Options{})
	require.NoError(t, err)
	defer func() { _ = pg2.Close() }()

	got, err := Load(pg2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.SchemaVersion)
	tbl, err := got.Table("users")
	require.NoError(t, err)
	require.Equal(t, uint32(7), tbl.RootPage)
	require.Equal(t, int64(41), tbl.AutoIncr)
	require.Equal(t, []string{"id"}, tbl.PKColumns)
	ix, err := got.Index("users_email")
	require.NoError(t, err)
	require.True(t, ix.Unique)
}

// A catalog big enough to span several overflow pages must round-trip and
// release its old chain on rewrite.
func TestCatalog_LargeCatalogUsesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.db")
	pg, err := storage.Open(path, storage.Options{})
	require.NoError(t, err)
	defer func() { _ = pg.Close() }()

	c := New()
	for i := range 200 {
		tbl := &Table{
			Name: strings.Repeat("t", 40) + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Columns: []Column{
				{Name: "id", Type: record.ColInteger, PrimaryKey: true},
			},
		}
		require.NoError(t, c.Validate(tbl))
		c.Tables[tbl.Name] = tbl
	}

	_, err = pg.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Save(pg))
	firstRoot := pg.Header().CatalogRoot
	require.NotZero(t, firstRoot)

	// rewrite within the same transaction reuses freed pages
	require.NoError(t, c.Save(pg))
	require.NoError(t, pg.Commit())

	got, err := Load(pg)
	require.NoError(t, err)
	require.Len(t, got.Tables, 200)
}

func TestCatalog_Referencing(t *testing.T) {
	c := New()
	users := usersTable()
	require.NoError(t, c.Validate(users))
	c.Tables["users"] = users

	posts := &Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Type: record.ColInteger, PrimaryKey: true},
			{Name: "author", Type: record.ColInteger, Nullable: true, RefTable: "users", RefColumn: "id"},
		},
	}
	require.NoError(t, c.Validate(posts))
	c.Tables["posts"] = posts

	refs := c.Referencing("users")
	require.Len(t, refs, 1)
	require.Equal(t, "posts", refs[0].Name)
	require.Empty(t, c.Referencing("posts"))
}
