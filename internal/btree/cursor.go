package btree

import (
	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

// Cursor walks leaf entries between optional inclusive bounds, following
// the sibling links in the leaf headers. Dropping the cursor cancels the
// scan; mutating the tree mid-scan is not supported.
type Cursor struct {
	t     *Tree
	asc   bool
	lo    []byte // inclusive, nil = open
	hi    []byte // inclusive, nil = open
	pno   uint32
	idx   int
	fresh bool // idx not yet positioned on the current leaf
	done  bool
}

// Scan positions a cursor at the first qualifying entry.
func (t *Tree) Scan(lo, hi []byte, asc bool) (*Cursor, error) {
	c := &Cursor{t: t, asc: asc, lo: lo, hi: hi}

	var seek []byte
	if asc {
		seek = lo
	} else {
		seek = hi
	}

	var pno uint32
	var err error
	if seek == nil {
		pno, err = t.edgeLeaf(asc)
	} else {
		pno, _, err = t.leafFor(seek)
	}
	if err != nil {
		return nil, err
	}
	c.pno = pno

	page, err := t.pg.GetTagged(pno, storage.PageBTreeLeaf)
	if err != nil {
		return nil, err
	}
	cells, err := leafCells(page)
	if err != nil {
		return nil, err
	}
	if asc {
		c.idx = 0
		if seek != nil {
			c.idx, _ = findLeafSlot(cells, seek)
		}
		// the first >= lo entry may live in the next leaf
		if c.idx >= len(cells) {
			c.advanceLeaf(page)
		}
	} else {
		c.idx = len(cells) - 1
		if seek != nil {
			i, exact := findLeafSlot(cells, seek)
			if exact {
				c.idx = i
			} else {
				c.idx = i - 1
			}
		}
		if c.idx < 0 {
			c.advanceLeaf(page)
		}
	}
	return c, nil
}

// edgeLeaf descends to the leftmost (asc) or rightmost (desc) leaf.
func (t *Tree) edgeLeaf(leftmost bool) (uint32, error) {
	pno := t.root
	for {
		page, err := t.pg.Get(pno)
		if err != nil {
			return 0, err
		}
		if page.Tag() == storage.PageBTreeLeaf {
			return pno, nil
		}
		cells, err := innerCells(page)
		if err != nil {
			return 0, err
		}
		if leftmost && len(cells) > 0 {
			pno = cells[0].child
		} else {
			pno = page.Aux1()
		}
	}
}

// advanceLeaf steps to the next sibling; the index is resolved when the
// page is loaded.
func (c *Cursor) advanceLeaf(page *storage.Page) {
	if c.asc {
		c.pno = page.Aux1()
	} else {
		c.pno = page.Aux2()
	}
	c.fresh = true
	if c.pno == 0 {
		c.done = true
	}
}

// Next yields the following entry. ok=false means the scan is exhausted.
func (c *Cursor) Next() (key, payload []byte, ok bool, err error) {
	for !c.done {
		page, err := c.t.pg.GetTagged(c.pno, storage.PageBTreeLeaf)
		if err != nil {
			return nil, nil, false, err
		}
		cells, err := leafCells(page)
		if err != nil {
			return nil, nil, false, err
		}
		if c.fresh {
			c.fresh = false
			if c.asc {
				c.idx = 0
			} else {
				c.idx = len(cells) - 1
			}
		}
		if c.idx < 0 || c.idx >= len(cells) {
			c.advanceLeaf(page)
			continue
		}

		cell := cells[c.idx]
		if c.asc {
			if c.hi != nil && record.Compare(cell.key, c.hi) > 0 {
				c.done = true
				return nil, nil, false, nil
			}
			c.idx++
		} else {
			if c.lo != nil && record.Compare(cell.key, c.lo) < 0 {
				c.done = true
				return nil, nil, false, nil
			}
			c.idx--
		}

		payload, err := c.t.readPayload(cell)
		if err != nil {
			return nil, nil, false, err
		}
		return cell.key, payload, true, nil
	}
	return nil, nil, false, nil
}
