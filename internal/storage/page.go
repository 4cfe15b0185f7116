package storage

import (
	"errors"

	"github.com/tinydb-engine/tinydb/internal/bx"
)

// Page type tags, first byte of every structural page.
type PageType uint8

const (
	PageHeader PageType = iota + 1
	PageCatalog
	PageBTreeInternal
	PageBTreeLeaf
	PageOverflow
	PageFree
)

func (t PageType) String() string {
	switch t {
	case PageHeader:
		return "header"
	case PageCatalog:
		return "catalog"
	case PageBTreeInternal:
		return "btree_internal"
	case PageBTreeLeaf:
		return "btree_leaf"
	case PageOverflow:
		return "overflow"
	case PageFree:
		return "free"
	default:
		return "unknown"
	}
}

// Slotted page layout.
//
// +------------------+ 0
// | tag(1) nslots(2) |
// | upper(2) aux1(4) |
// | aux2(4) rsv(3)   |
// +------------------+ 16
// | slot directory   |  4 bytes per slot, grows up
// +------------------+ <-- lower
// |   free space     |
// +------------------+ <-- upper
// |  cells           |  grow down from page end
// +------------------+ PageSize
const (
	offTag      = 0
	offNumSlots = 1
	offUpper    = 3
	offAux1     = 5
	offAux2     = 9

	SlottedHeaderSize = 16
	SlotSize          = 4
)

var (
	ErrNoSpace    = errors.New("page: not enough free space")
	ErrBadSlot    = errors.New("page: invalid slot")
	ErrCorrupt    = errors.New("page: corrupt slot or cell bounds")
	ErrCellTooBig = errors.New("page: cell too large for page")
)

// Page is a fixed-size buffer with slotted-cell accessors. Cells are kept
// in slot order; callers maintain the sort order of slots themselves.
type Page struct {
	No  uint32
	Buf []byte
}

func NewPage(no uint32, buf []byte) *Page {
	return &Page{No: no, Buf: buf}
}

// Reset reinitializes the page as an empty slotted page of the given type.
func (p *Page) Reset(tag PageType) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	p.Buf[offTag] = byte(tag)
	bx.PutU16At(p.Buf, offNumSlots, 0)
	bx.PutU16At(p.Buf, offUpper, uint16(len(p.Buf)))
}

func (p *Page) Tag() PageType     { return PageType(p.Buf[offTag]) }
func (p *Page) NumSlots() int     { return int(bx.U16At(p.Buf, offNumSlots)) }
func (p *Page) upper() int        { return int(bx.U16At(p.Buf, offUpper)) }
func (p *Page) setNumSlots(n int) { bx.PutU16At(p.Buf, offNumSlots, uint16(n)) }
func (p *Page) setUpper(v int)    { bx.PutU16At(p.Buf, offUpper, uint16(v)) }

func (p *Page) Aux1() uint32     { return bx.U32At(p.Buf, offAux1) }
func (p *Page) SetAux1(v uint32) { bx.PutU32At(p.Buf, offAux1, v) }
func (p *Page) Aux2() uint32     { return bx.U32At(p.Buf, offAux2) }
func (p *Page) SetAux2(v uint32) { bx.PutU32At(p.Buf, offAux2, v) }

func (p *Page) lower() int { return SlottedHeaderSize + p.NumSlots()*SlotSize }

// FreeSpace is the contiguous gap between the slot directory and the cell
// area. Holes left by deleted cells do not count until Compact runs.
func (p *Page) FreeSpace() int { return p.upper() - p.lower() }

// BodyCapacity is the total cell+slot space a page of this size offers.
func (p *Page) BodyCapacity() int { return len(p.Buf) - SlottedHeaderSize }

// UsedCellBytes sums the live cell lengths plus their slot entries.
func (p *Page) UsedCellBytes() int {
	total := 0
	for i := range p.NumSlots() {
		off := SlottedHeaderSize + i*SlotSize
		total += int(bx.U16At(p.Buf, off+2)) + SlotSize
	}
	return total
}

func (p *Page) slotAt(i int) (off, length int) {
	so := SlottedHeaderSize + i*SlotSize
	return int(bx.U16At(p.Buf, so)), int(bx.U16At(p.Buf, so+2))
}

func (p *Page) putSlot(i, off, length int) {
	so := SlottedHeaderSize + i*SlotSize
	bx.PutU16At(p.Buf, so, uint16(off))
	bx.PutU16At(p.Buf, so+2, uint16(length))
}

// Cell returns the bytes of cell i, aliasing the page buffer.
func (p *Page) Cell(i int) ([]byte, error) {
	if i < 0 || i >= p.NumSlots() {
		return nil, ErrBadSlot
	}
	off, length := p.slotAt(i)
	if off < p.lower() || off+length > len(p.Buf) {
		return nil, ErrCorrupt
	}
	return p.Buf[off : off+length], nil
}

// InsertCell places cell bytes at slot index i, shifting later slots up.
// It compacts the cell area first when the contiguous gap is too small but
// reclaimable holes would make the cell fit.
func (p *Page) InsertCell(i int, cell []byte) error {
	n := p.NumSlots()
	if i < 0 || i > n {
		return ErrBadSlot
	}
	if len(cell)+SlotSize > p.BodyCapacity() {
		return ErrCellTooBig
	}
	need := len(cell) + SlotSize
	if p.FreeSpace() < need {
		if p.UsedCellBytes()+need > p.BodyCapacity() {
			return ErrNoSpace
		}
		p.Compact()
		if p.FreeSpace() < need {
			return ErrNoSpace
		}
	}

	u := p.upper() - len(cell)
	copy(p.Buf[u:], cell)

	// shift slot directory entries [i, n) up by one
	start := SlottedHeaderSize + i*SlotSize
	end := SlottedHeaderSize + n*SlotSize
	copy(p.Buf[start+SlotSize:end+SlotSize], p.Buf[start:end])

	p.setNumSlots(n + 1)
	p.setUpper(u)
	p.putSlot(i, u, len(cell))
	return nil
}

// DeleteCell removes slot i. The cell bytes become a hole reclaimed by the
// next Compact.
func (p *Page) DeleteCell(i int) error {
	n := p.NumSlots()
	if i < 0 || i >= n {
		return ErrBadSlot
	}
	start := SlottedHeaderSize + i*SlotSize
	end := SlottedHeaderSize + n*SlotSize
	copy(p.Buf[start:], p.Buf[start+SlotSize:end])
	p.setNumSlots(n - 1)
	return nil
}

// ReplaceCell overwrites cell i. Shrinking rewrites in place; growing
// deletes and reinserts, which may still fail with ErrNoSpace.
func (p *Page) ReplaceCell(i int, cell []byte) error {
	if i < 0 || i >= p.NumSlots() {
		return ErrBadSlot
	}
	off, length := p.slotAt(i)
	if len(cell) <= length {
		copy(p.Buf[off:], cell)
		p.putSlot(i, off, len(cell))
		return nil
	}
	if err := p.DeleteCell(i); err != nil {
		return err
	}
	return p.InsertCell(i, cell)
}

// Compact rewrites the cell area without holes, preserving slot order.
func (p *Page) Compact() {
	n := p.NumSlots()
	cells := make([][]byte, n)
	for i := range n {
		off, length := p.slotAt(i)
		c := make([]byte, length)
		copy(c, p.Buf[off:off+length])
		cells[i] = c
	}
	u := len(p.Buf)
	for i := n - 1; i >= 0; i-- {
		u -= len(cells[i])
		copy(p.Buf[u:], cells[i])
		p.putSlot(i, u, len(cells[i]))
	}
	p.setUpper(u)
	// clear the reclaimed gap
	for i := p.lower(); i < u; i++ {
		p.Buf[i] = 0
	}
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	buf := make([]byte, len(p.Buf))
	copy(buf, p.Buf)
	return &Page{No: p.No, Buf: buf}
}
