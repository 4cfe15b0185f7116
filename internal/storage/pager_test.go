package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinydb-engine/tinydb/internal/wal"
)

func newTestPager(t *testing.T) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pg, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	return pg, path
}

func TestPager_InitializesFreshFile(t *testing.T) {
	pg, path := newTestPager(t)

	hdr := pg.Header()
	require.Equal(t, DefaultPageSize, hdr.PageSize)
	require.Equal(t, uint32(1), hdr.PageCount)
	require.Zero(t, hdr.FirstFree)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(DefaultPageSize), info.Size())
}

func TestPager_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-db")
	require.NoError(t, os.WriteFile(path, make([]byte, DefaultPageSize), 0o644))

	_, err := Open(path, Options{})
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestPager_CommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pg, err := Open(path, Options{})
	require.NoError(t, err)

	_, err = pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, page.InsertCell(0, []byte("persist me")))
	require.NoError(t, pg.Put(page))
	require.NoError(t, pg.Commit())
	require.NoError(t, pg.Close())

	pg2, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = pg2.Close() }()

	got, err := pg2.GetTagged(page.No, PageBTreeLeaf)
	require.NoError(t, err)
	cell, err := got.Cell(0)
	require.NoError(t, err)
	require.Equal(t, "persist me", string(cell))
}

func TestPager_RollbackDiscardsStagedWrites(t *testing.T) {
	pg, _ := newTestPager(t)

	before := pg.Header().PageCount

	_, err := pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, pg.Put(page))
	require.NoError(t, pg.Rollback())

	require.Equal(t, before, pg.Header().PageCount)
}

func TestPager_ReadYourWrites(t *testing.T) {
	pg, _ := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, page.InsertCell(0, []byte("staged")))
	require.NoError(t, pg.Put(page))

	got, err := pg.Get(page.No)
	require.NoError(t, err)
	cell, err := got.Cell(0)
	require.NoError(t, err)
	require.Equal(t, "staged", string(cell))
	require.NoError(t, pg.Commit())
}

func TestPager_FreeListReusesPages(t *testing.T) {
	pg, _ := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	p1, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	p2, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, pg.Commit())

	_, err = pg.Begin()
	require.NoError(t, err)
	require.NoError(t, pg.Free(p1.No))
	require.NoError(t, pg.Free(p2.No))
	require.NoError(t, pg.Commit())

	n, err := pg.FreeListLen()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// allocation pops the most recently freed page first
	_, err = pg.Begin()
	require.NoError(t, err)
	p3, err := pg.Allocate(PageOverflow)
	require.NoError(t, err)
	require.Equal(t, p2.No, p3.No)
	require.NoError(t, pg.Commit())

	n, err = pg.FreeListLen()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPager_FreeListConservation(t *testing.T) {
	pg, _ := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	var pages []uint32
	for range 10 {
		p, err := pg.Allocate(PageBTreeLeaf)
		require.NoError(t, err)
		pages = append(pages, p.No)
	}
	for _, pno := range pages[:5] {
		require.NoError(t, pg.Free(pno))
	}
	require.NoError(t, pg.Commit())

	free, err := pg.FreeListLen()
	require.NoError(t, err)
	// header + 10 allocated, 5 back on the list
	require.Equal(t, 5, free)
	require.Equal(t, uint32(11), pg.Header().PageCount)
}

func TestPager_OverflowChainRoundTrip(t *testing.T) {
	pg, _ := newTestPager(t)

	payload := make([]byte, 3*DefaultPageSize+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	_, err := pg.Begin()
	require.NoError(t, err)
	first, err := pg.WriteChain(payload)
	require.NoError(t, err)
	require.NoError(t, pg.Commit())

	got, err := pg.ReadChain(first)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = pg.Begin()
	require.NoError(t, err)
	require.NoError(t, pg.FreeChain(first))
	require.NoError(t, pg.Commit())

	free, err := pg.FreeListLen()
	require.NoError(t, err)
	require.Equal(t, 4, free)
}

func TestPager_WrongTagSurfacesCorruption(t *testing.T) {
	pg, _ := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, pg.Commit())

	_, err = pg.GetTagged(page.No, PageBTreeInternal)
	require.ErrorIs(t, err, ErrWrongPageTag)
}

// Crash simulation: a transaction whose commit marker is durable in the WAL
// but whose pages never reached the main file must be replayed on open.
func TestPager_RecoveryReplaysCommittedTxn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.db")

	// initialize the main file, then close cleanly without a checkpoint
	pg, err := Open(path, Options{})
	require.NoError(t, err)
	hdr := pg.Header()
	require.NoError(t, pg.Close())

	// hand-write the WAL the way a crashed process would have left it
	w, err := wal.Open(path+".wal", false)
	require.NoError(t, err)
	txid, err := w.Begin()
	require.NoError(t, err)

	image := make([]byte, DefaultPageSize)
	p := NewPage(1, image)
	p.Reset(PageBTreeLeaf)
	require.NoError(t, p.InsertCell(0, []byte("recovered")))
	_, err = w.AppendPage(txid, 1, image)
	require.NoError(t, err)

	newHdr := hdr
	newHdr.PageCount = 2
	_, err = w.AppendPage(txid, 0, EncodeHeader(newHdr))
	require.NoError(t, err)
	_, err = w.Commit(txid)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	pg2, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = pg2.Close() }()

	require.Equal(t, uint32(2), pg2.Header().PageCount)
	got, err := pg2.GetTagged(1, PageBTreeLeaf)
	require.NoError(t, err)
	cell, err := got.Cell(0)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(cell))

	// the WAL is truncated after replay
	info, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestPager_RecoveryIgnoresUncommittedTxn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.db")

	pg, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, pg.Close())

	w, err := wal.Open(path+".wal", false)
	require.NoError(t, err)
	txid, err := w.Begin()
	require.NoError(t, err)
	image := make([]byte, DefaultPageSize)
	_, err = w.AppendPage(txid, 1, image)
	require.NoError(t, err)
	// no commit marker
	require.NoError(t, w.Close())

	pg2, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = pg2.Close() }()
	require.Equal(t, uint32(1), pg2.Header().PageCount)
}

// Recovery must be a no-op the second time around.
func TestPager_RecoveryIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.db")

	pg, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, page.InsertCell(0, []byte("stable")))
	require.NoError(t, pg.Put(page))
	require.NoError(t, pg.Commit())
	require.NoError(t, pg.Close())

	for range 3 {
		pg, err := Open(path, Options{})
		require.NoError(t, err)
		got, err := pg.GetTagged(page.No, PageBTreeLeaf)
		require.NoError(t, err)
		cell, err := got.Cell(0)
		require.NoError(t, err)
		require.Equal(t, "stable", string(cell))
		require.NoError(t, pg.Close())
	}
}

func TestPager_CheckpointTruncatesWAL(t *testing.T) {
	pg, path := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	page, err := pg.Allocate(PageBTreeLeaf)
	require.NoError(t, err)
	require.NoError(t, pg.Put(page))
	require.NoError(t, pg.Commit())

	info, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	require.Positive(t, info.Size())

	require.NoError(t, pg.Checkpoint())

	info, err = os.Stat(path + ".wal")
	require.NoError(t, err)
	require.Zero(t, info.Size())
	require.Positive(t, pg.Header().Watermark)
}

func TestPager_BeginWhileActiveFails(t *testing.T) {
	pg, _ := newTestPager(t)

	_, err := pg.Begin()
	require.NoError(t, err)
	_, err = pg.Begin()
	require.ErrorIs(t, err, ErrTxnActive)
	require.NoError(t, pg.Rollback())
}
