package tinydb

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func usersDef() TableDef {
	return TableDef{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
		},
	}
}

func createUsers(t *testing.T, db *Database) {
	t.Helper()
	require.NoError(t, db.CreateTable(usersDef()))
}

func TestCRUDRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	n, err := db.Insert("users", []any{1, "Alice"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = db.Insert("users", []any{2, "Bob"})
	require.NoError(t, err)

	n, err = db.Update("users", []any{2}, []any{2, "Carol"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{int64(1), "Alice"},
		{int64(2), "Carol"},
	}, rows)

	n, err = db.Delete("users", []any{1})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err = db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Carol", rows[0][1])
}

func TestGetMissingAndRowcounts(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	row, err := db.Get("users", []any{1})
	require.NoError(t, err)
	require.Nil(t, row)

	n, err := db.Update("users", []any{1}, []any{1, "nobody"})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = db.Delete("users", []any{1})
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = db.Get("absent", []any{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConstraintEnforcement(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	// NOT NULL: the name column is not nullable
	_, err := db.Insert("users", []any{1, nil})
	require.ErrorIs(t, err, ErrConstraint)

	_, err = db.Insert("users", []any{1, "X"})
	require.NoError(t, err)
	_, err = db.Insert("users", []any{1, "Y"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	// type mismatch
	_, err = db.Insert("users", []any{"two", "Z"})
	require.ErrorIs(t, err, ErrConstraint)

	// arity mismatch
	_, err = db.Insert("users", []any{3})
	require.ErrorIs(t, err, ErrConstraint)

	// a failed statement must not leave partial state behind
	rows, err := db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	createUsers(t, db)
	_, err = db.Insert("users", []any{7, "Grace"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	row, err := db2.Get("users", []any{7})
	require.NoError(t, err)
	require.Equal(t, []any{int64(7), "Grace"}, row)
}

func TestExplicitTransactionRollback(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	require.NoError(t, db.Begin())
	_, err := db.Insert("users", []any{3, "D"})
	require.NoError(t, err)

	// read-your-writes inside the transaction
	row, err := db.Get("users", []any{3})
	require.NoError(t, err)
	require.Equal(t, []any{int64(3), "D"}, row)

	require.NoError(t, db.Rollback())

	row, err = db.Get("users", []any{3})
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestExplicitTransactionCommit(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	require.NoError(t, db.Begin())
	for i := range 10 {
		_, err := db.Insert("users", []any{i, fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	rows, err := db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 10)
}

func TestBeginWhileActiveIsBusy(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Begin())
	require.ErrorIs(t, db.Begin(), ErrBusy)
	require.NoError(t, db.Rollback())
	require.NoError(t, db.Begin())
	require.NoError(t, db.Commit())
}

func TestFailedStatementPoisonsExplicitTxn(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)
	_, err := db.Insert("users", []any{1, "A"})
	require.NoError(t, err)

	require.NoError(t, db.Begin())
	_, err = db.Insert("users", []any{1, "dup"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	// only rollback is accepted now
	_, err = db.Insert("users", []any{2, "B"})
	require.Error(t, err)
	require.Error(t, db.Commit())
	require.NoError(t, db.Rollback())

	rows, err := db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDoubleOpenIsBusy(t *testing.T) {
	db, path := openTestDB(t)
	_ = db

	_, err := Open(path)
	require.ErrorIs(t, err, ErrBusy)
}

func TestLockReleasedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestScanRangeAndDirection(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	for i := range 50 {
		_, err := db.Insert("users", []any{i, fmt.Sprintf("u%02d", i)})
		require.NoError(t, err)
	}

	rows, err := db.ScanAll("users", []any{10}, []any{14}, true)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, int64(10), rows[0][0])
	require.Equal(t, int64(14), rows[4][0])

	rows, err = db.ScanAll("users", []any{10}, []any{14}, false)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, int64(14), rows[0][0])

	// lazy cursor can stop early
	it, err := db.Scan("users", nil, nil, true)
	require.NoError(t, err)
	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), row[0])
	it.Close()
	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeStressRandomOrder(t *testing.T) {
	db, _ := openTestDB(t)
	createUsers(t, db)

	const n = 10000
	rng := rand.New(rand.NewSource(42))
	perm := rng.Perm(n)

	require.NoError(t, db.Begin())
	for _, v := range perm {
		_, err := db.Insert("users", []any{v + 1, fmt.Sprintf("user-%d", v+1)})
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())
	require.NoError(t, db.CheckTable("users"))

	rows, err := db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, n)
	for i, row := range rows {
		require.Equal(t, int64(i+1), row[0])
	}

	// delete every 3rd key
	require.NoError(t, db.Begin())
	deleted := 0
	for v := 1; v <= n; v += 3 {
		cnt, err := db.Delete("users", []any{v})
		require.NoError(t, err)
		deleted += cnt
	}
	require.NoError(t, db.Commit())
	require.NoError(t, db.CheckTable("users"))

	rows, err = db.ScanAll("users", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, n-deleted)
	prev := int64(0)
	for _, row := range rows {
		require.Greater(t, row[0].(int64), prev)
		prev = row[0].(int64)
	}
}

func TestCompositePrimaryKey(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.CreateTable(TableDef{
		Name: "memberships",
		Columns: []Column{
			{Name: "user_id", Type: "INTEGER"},
			{Name: "group_id", Type: "INTEGER"},
			{Name: "role", Type: "TEXT", Nullable: true},
		},
		PrimaryKey: []string{"user_id", "group_id"},
	}))

	_, err := db.Insert("memberships", []any{1, 10, "admin"})
	require.NoError(t, err)
	_, err = db.Insert("memberships", []any{1, 20, "member"})
	require.NoError(t, err)
	_, err = db.Insert("memberships", []any{2, 10, nil})
	require.NoError(t, err)

	_, err = db.Insert("memberships", []any{1, 10, "again"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	row, err := db.Get("memberships", []any{1, 20})
	require.NoError(t, err)
	require.Equal(t, "member", row[2])

	// composite keys order lexicographically by declared column order
	rows, err := db.ScanAll("memberships", nil, nil, true)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{int64(1), int64(10), "admin"},
		{int64(1), int64(20), "member"},
		{int64(2), int64(10), nil},
	}, rows)

	// prefix scan over the first key column
	rows, err = db.ScanAll("memberships", []any{1}, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestValueTypesRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.CreateTable(TableDef{
		Name: "samples",
		Columns: []Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "score", Type: "REAL", Nullable: true},
			{Name: "active", Type: "BOOLEAN", Nullable: true},
			{Name: "seen", Type: "TIMESTAMP", Nullable: true},
			{Name: "data", Type: "BLOB", Nullable: true},
			{Name: "price", Type: "DECIMAL", Nullable: true},
		},
	}))

	_, err := db.Insert("samples", []any{1, 2.5, true, int64(1700000000000000), []byte{1, 2}, "19.99"})
	require.NoError(t, err)
	_, err = db.Insert("samples", []any{2, nil, nil, nil, nil, nil})
	require.NoError(t, err)

	row, err := db.Get("samples", []any{1})
	require.NoError(t, err)
	require.Equal(t, 2.5, row[1])
	require.Equal(t, true, row[2])
	require.Equal(t, []byte{1, 2}, row[4])
	require.Equal(t, "19.99", fmt.Sprint(row[5]))

	row, err = db.Get("samples", []any{2})
	require.NoError(t, err)
	for _, v := range row[1:] {
		require.Nil(t, v)
	}
}

func TestLargeRowsSpillToOverflow(t *testing.T) {
	db, path := openTestDB(t)

	require.NoError(t, db.CreateTable(TableDef{
		Name: "blobs",
		Columns: []Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "body", Type: "BLOB"},
		},
	}))

	body := make([]byte, 3*4096)
	for i := range body {
		body[i] = byte(i)
	}
	_, err := db.Insert("blobs", []any{1, body})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	db2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	row, err := db2.Get("blobs", []any{1})
	require.NoError(t, err)
	require.Equal(t, body, row[1])
}
