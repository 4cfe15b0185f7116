package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	p := NewPage(7, make([]byte, DefaultPageSize))
	p.Reset(PageBTreeLeaf)
	return p
}

func TestPage_ResetAndHeader(t *testing.T) {
	p := newTestPage(t)

	require.Equal(t, PageBTreeLeaf, p.Tag())
	require.Equal(t, 0, p.NumSlots())
	require.Equal(t, DefaultPageSize-SlottedHeaderSize, p.FreeSpace())

	p.SetAux1(42)
	p.SetAux2(43)
	require.Equal(t, uint32(42), p.Aux1())
	require.Equal(t, uint32(43), p.Aux2())
}

func TestPage_InsertAndReadCells(t *testing.T) {
	p := newTestPage(t)

	require.NoError(t, p.InsertCell(0, []byte("bbb")))
	require.NoError(t, p.InsertCell(0, []byte("aaa")))
	require.NoError(t, p.InsertCell(2, []byte("ccc")))

	require.Equal(t, 3, p.NumSlots())
	for i, want := range []string{"aaa", "bbb", "ccc"} {
		cell, err := p.Cell(i)
		require.NoError(t, err)
		require.Equal(t, want, string(cell))
	}
}

func TestPage_DeleteShiftsSlots(t *testing.T) {
	p := newTestPage(t)
	require.NoError(t, p.InsertCell(0, []byte("aaa")))
	require.NoError(t, p.InsertCell(1, []byte("bbb")))
	require.NoError(t, p.InsertCell(2, []byte("ccc")))

	require.NoError(t, p.DeleteCell(1))
	require.Equal(t, 2, p.NumSlots())

	cell, err := p.Cell(1)
	require.NoError(t, err)
	require.Equal(t, "ccc", string(cell))

	require.ErrorIs(t, p.DeleteCell(5), ErrBadSlot)
}

func TestPage_ReplaceCell(t *testing.T) {
	p := newTestPage(t)
	require.NoError(t, p.InsertCell(0, []byte("hello world")))

	// shrink in place
	require.NoError(t, p.ReplaceCell(0, []byte("hi")))
	cell, err := p.Cell(0)
	require.NoError(t, err)
	require.Equal(t, "hi", string(cell))

	// grow
	big := bytes.Repeat([]byte("x"), 64)
	require.NoError(t, p.ReplaceCell(0, big))
	cell, err = p.Cell(0)
	require.NoError(t, err)
	require.Equal(t, big, cell)
}

func TestPage_CompactReclaimsHoles(t *testing.T) {
	p := newTestPage(t)

	cell := bytes.Repeat([]byte("a"), 100)
	n := 0
	for p.InsertCell(n, cell) == nil {
		n++
	}
	require.Greater(t, n, 10)

	// free every other cell, leaving holes the contiguous gap cannot see
	for i := n - 2; i >= 0; i -= 2 {
		require.NoError(t, p.DeleteCell(i))
	}
	require.Less(t, p.FreeSpace(), 100+SlotSize)

	// the next insert compacts and succeeds
	require.NoError(t, p.InsertCell(0, cell))
}

func TestPage_NoSpaceAndTooBig(t *testing.T) {
	p := newTestPage(t)

	require.ErrorIs(t, p.InsertCell(0, make([]byte, DefaultPageSize)), ErrCellTooBig)

	cell := bytes.Repeat([]byte("z"), 512)
	for {
		if err := p.InsertCell(0, cell); err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			break
		}
	}
}

func TestPage_UsedCellBytes(t *testing.T) {
	p := newTestPage(t)
	require.Zero(t, p.UsedCellBytes())

	require.NoError(t, p.InsertCell(0, make([]byte, 10)))
	require.NoError(t, p.InsertCell(1, make([]byte, 20)))
	require.Equal(t, 30+2*SlotSize, p.UsedCellBytes())
}
