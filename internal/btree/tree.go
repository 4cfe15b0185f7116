// Package btree implements the per-table primary-key index: an ordered map
// from encoded key tuples to encoded rows, stored in slotted pages.
package btree

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

// Tree is a B-tree rooted at a page. The root page number changes on root
// splits and collapses; callers persist Root() after every mutation.
type Tree struct {
	pg   *storage.Pager
	root uint32
}

func Open(pg *storage.Pager, root uint32) *Tree {
	return &Tree{pg: pg, root: root}
}

// Create allocates an empty leaf root.
func Create(pg *storage.Pager) (*Tree, error) {
	page, err := pg.Allocate(storage.PageBTreeLeaf)
	if err != nil {
		return nil, err
	}
	return &Tree{pg: pg, root: page.No}, nil
}

func (t *Tree) Root() uint32 { return t.root }

// maxKeySize keeps several cells per node so the tree branches.
func (t *Tree) maxKeySize() int { return t.pg.PageSize() / 8 }

// inlineThreshold is the largest payload stored inside a leaf cell; bigger
// rows spill to an overflow chain.
func (t *Tree) inlineThreshold() int { return t.pg.PageSize() / 4 }

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > t.maxKeySize() {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	return nil
}

// --- payload handling ---

func (t *Tree) makeLeafCell(key, payload []byte) (leafCell, error) {
	if len(payload) <= t.inlineThreshold() {
		return leafCell{key: key, kind: payloadInline, inline: payload}, nil
	}
	first, err := t.pg.WriteChain(payload)
	if err != nil {
		return leafCell{}, err
	}
	return leafCell{key: key, kind: payloadOverflow, ovfPage: first, ovfLen: uint32(len(payload))}, nil
}

func (t *Tree) readPayload(c leafCell) ([]byte, error) {
	if c.kind == payloadInline {
		out := make([]byte, len(c.inline))
		copy(out, c.inline)
		return out, nil
	}
	data, err := t.pg.ReadChain(c.ovfPage)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) != c.ovfLen {
		return nil, fmt.Errorf("%w: overflow payload %d bytes, want %d", ErrBadCell, len(data), c.ovfLen)
	}
	return data, nil
}

func (t *Tree) freePayload(c leafCell) error {
	if c.kind != payloadOverflow {
		return nil
	}
	return t.pg.FreeChain(c.ovfPage)
}

// --- node search ---

// findLeafSlot returns the position of the first cell with key >= target.
func findLeafSlot(cells []leafCell, key []byte) (int, bool) {
	i := sort.Search(len(cells), func(i int) bool {
		return record.Compare(cells[i].key, key) >= 0
	})
	exact := i < len(cells) && record.Compare(cells[i].key, key) == 0
	return i, exact
}

// childFor picks the subtree to descend into: the first cell whose key
// bounds the target from above, else the rightmost child.
func childFor(cells []innerCell, rightmost uint32, key []byte) (int, uint32) {
	i := sort.Search(len(cells), func(i int) bool {
		return record.Compare(key, cells[i].key) <= 0
	})
	if i == len(cells) {
		return i, rightmost
	}
	return i, cells[i].child
}

// --- node rebuild helpers ---

func rebuildLeaf(p *storage.Page, cells []leafCell, left, right uint32) error {
	p.Reset(storage.PageBTreeLeaf)
	p.SetAux1(right)
	p.SetAux2(left)
	for i, c := range cells {
		if err := p.InsertCell(i, c.encode()); err != nil {
			return err
		}
	}
	return nil
}

func rebuildInner(p *storage.Page, cells []innerCell, rightmost uint32) error {
	p.Reset(storage.PageBTreeInternal)
	p.SetAux1(rightmost)
	for i, c := range cells {
		if err := p.InsertCell(i, c.encode()); err != nil {
			return err
		}
	}
	return nil
}

// splitPoint picks the cell index that divides entries near the byte
// midpoint, leaving at least one cell on each side.
func splitPoint(sizes []int) int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	acc := 0
	for i, s := range sizes {
		acc += s
		if acc >= total/2 && i+1 < len(sizes) {
			return i + 1
		}
	}
	return len(sizes) - 1
}

// --- find ---

// Find returns the payload stored under key, or ok=false.
func (t *Tree) Find(key []byte) ([]byte, bool, error) {
	pno := t.root
	for {
		page, err := t.pg.Get(pno)
		if err != nil {
			return nil, false, err
		}
		switch page.Tag() {
		case storage.PageBTreeLeaf:
			cells, err := leafCells(page)
			if err != nil {
				return nil, false, err
			}
			i, exact := findLeafSlot(cells, key)
			if !exact {
				return nil, false, nil
			}
			payload, err := t.readPayload(cells[i])
			if err != nil {
				return nil, false, err
			}
			return payload, true, nil
		case storage.PageBTreeInternal:
			cells, err := innerCells(page)
			if err != nil {
				return nil, false, err
			}
			_, child := childFor(cells, page.Aux1(), key)
			pno = child
		default:
			return nil, false, fmt.Errorf("%w: page %d is %s inside btree",
				storage.ErrWrongPageTag, pno, page.Tag())
		}
	}
}

// --- insert ---

type split struct {
	sepKey  []byte // max key of the lower half
	newPage uint32 // the upper half
}

// Insert adds a unique key. The payload is the encoded row.
func (t *Tree) Insert(key, payload []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	sp, err := t.insertInto(t.root, key, payload)
	if err != nil {
		return err
	}
	if sp != nil {
		// grow the tree by one level
		rootPage, err := t.pg.Allocate(storage.PageBTreeInternal)
		if err != nil {
			return err
		}
		cells := []innerCell{{key: sp.sepKey, child: t.root}}
		if err := rebuildInner(rootPage, cells, sp.newPage); err != nil {
			return err
		}
		if err := t.pg.Put(rootPage); err != nil {
			return err
		}
		t.root = rootPage.No
		slog.Debug("btree: root split", "new_root", t.root)
	}
	return nil
}

func (t *Tree) insertInto(pno uint32, key, payload []byte) (*split, error) {
	page, err := t.pg.Get(pno)
	if err != nil {
		return nil, err
	}

	if page.Tag() == storage.PageBTreeLeaf {
		cells, err := leafCells(page)
		if err != nil {
			return nil, err
		}
		i, exact := findLeafSlot(cells, key)
		if exact {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateKey, key)
		}
		cell, err := t.makeLeafCell(key, payload)
		if err != nil {
			return nil, err
		}
		if err := page.InsertCell(i, cell.encode()); err == nil {
			return nil, t.pg.Put(page)
		} else if !errors.Is(err, storage.ErrNoSpace) {
			return nil, err
		}
		return t.splitLeaf(page, cells, i, cell)
	}

	if page.Tag() != storage.PageBTreeInternal {
		return nil, fmt.Errorf("%w: page %d is %s inside btree",
			storage.ErrWrongPageTag, pno, page.Tag())
	}

	cells, err := innerCells(page)
	if err != nil {
		return nil, err
	}
	idx, child := childFor(cells, page.Aux1(), key)
	sp, err := t.insertInto(child, key, payload)
	if err != nil || sp == nil {
		return nil, err
	}

	// the lower half keeps the old page number; repoint the old reference
	// at the new upper half and insert a separator for the lower one
	page, err = t.pg.Get(pno) // re-read: the child insert may have staged pages
	if err != nil {
		return nil, err
	}
	cells, err = innerCells(page)
	if err != nil {
		return nil, err
	}
	if idx == len(cells) {
		page.SetAux1(sp.newPage)
	} else {
		upd := innerCell{key: cells[idx].key, child: sp.newPage}
		if err := page.ReplaceCell(idx, upd.encode()); err != nil {
			return nil, err
		}
	}
	sep := innerCell{key: sp.sepKey, child: child}
	if err := page.InsertCell(idx, sep.encode()); err == nil {
		return nil, t.pg.Put(page)
	} else if !errors.Is(err, storage.ErrNoSpace) {
		return nil, err
	}

	cells, err = innerCells(page)
	if err != nil {
		return nil, err
	}
	all := make([]innerCell, 0, len(cells)+1)
	all = append(all, cells[:idx]...)
	all = append(all, sep)
	all = append(all, cells[idx:]...)
	return t.splitInner(page, all)
}

func (t *Tree) splitLeaf(page *storage.Page, cells []leafCell, i int, cell leafCell) (*split, error) {
	all := make([]leafCell, 0, len(cells)+1)
	all = append(all, cells[:i]...)
	all = append(all, cell)
	all = append(all, cells[i:]...)

	sizes := make([]int, len(all))
	for j, c := range all {
		sizes[j] = len(c.encode()) + storage.SlotSize
	}
	mid := splitPoint(sizes)

	oldRight := page.Aux1()
	newPage, err := t.pg.Allocate(storage.PageBTreeLeaf)
	if err != nil {
		return nil, err
	}

	if err := rebuildLeaf(newPage, all[mid:], page.No, oldRight); err != nil {
		return nil, err
	}
	if err := rebuildLeaf(page, all[:mid], page.Aux2(), newPage.No); err != nil {
		return nil, err
	}
	if err := t.pg.Put(page); err != nil {
		return nil, err
	}
	if err := t.pg.Put(newPage); err != nil {
		return nil, err
	}
	if oldRight != 0 {
		sib, err := t.pg.GetTagged(oldRight, storage.PageBTreeLeaf)
		if err != nil {
			return nil, err
		}
		sib.SetAux2(newPage.No)
		if err := t.pg.Put(sib); err != nil {
			return nil, err
		}
	}
	sep := make([]byte, len(all[mid-1].key))
	copy(sep, all[mid-1].key)
	return &split{sepKey: sep, newPage: newPage.No}, nil
}

func (t *Tree) splitInner(page *storage.Page, all []innerCell) (*split, error) {
	sizes := make([]int, len(all))
	for j, c := range all {
		sizes[j] = len(c.encode()) + storage.SlotSize
	}
	mid := splitPoint(sizes)
	if mid >= len(all) {
		mid = len(all) - 1
	}
	// cells[:mid] stay left with the promoted cell's child as rightmost;
	// the promoted key moves up to the parent
	promoted := all[mid]
	rightCells := all[mid+1:]

	newPage, err := t.pg.Allocate(storage.PageBTreeInternal)
	if err != nil {
		return nil, err
	}
	if err := rebuildInner(newPage, rightCells, page.Aux1()); err != nil {
		return nil, err
	}
	if err := rebuildInner(page, all[:mid], promoted.child); err != nil {
		return nil, err
	}
	if err := t.pg.Put(page); err != nil {
		return nil, err
	}
	if err := t.pg.Put(newPage); err != nil {
		return nil, err
	}
	sep := make([]byte, len(promoted.key))
	copy(sep, promoted.key)
	return &split{sepKey: sep, newPage: newPage.No}, nil
}

// --- update ---

// Update overwrites the payload under an existing key, in place when the
// new cell fits, else through delete+insert.
func (t *Tree) Update(key, payload []byte) error {
	pno, _, err := t.leafFor(key)
	if err != nil {
		return err
	}
	page, err := t.pg.GetTagged(pno, storage.PageBTreeLeaf)
	if err != nil {
		return err
	}
	cells, err := leafCells(page)
	if err != nil {
		return err
	}
	i, exact := findLeafSlot(cells, key)
	if !exact {
		return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	old := cells[i]
	cell, err := t.makeLeafCell(key, payload)
	if err != nil {
		return err
	}
	if err := page.ReplaceCell(i, cell.encode()); err == nil {
		if err := t.freePayload(old); err != nil {
			return err
		}
		return t.pg.Put(page)
	} else if !errors.Is(err, storage.ErrNoSpace) {
		return err
	}
	// no room to grow in place
	if cell.kind == payloadOverflow {
		if err := t.pg.FreeChain(cell.ovfPage); err != nil {
			return err
		}
	}
	if err := t.Delete(key); err != nil {
		return err
	}
	return t.Insert(key, payload)
}

// leafFor descends to the leaf that would hold key, recording the path.
func (t *Tree) leafFor(key []byte) (uint32, []uint32, error) {
	var path []uint32
	pno := t.root
	for {
		page, err := t.pg.Get(pno)
		if err != nil {
			return 0, nil, err
		}
		switch page.Tag() {
		case storage.PageBTreeLeaf:
			return pno, path, nil
		case storage.PageBTreeInternal:
			cells, err := innerCells(page)
			if err != nil {
				return 0, nil, err
			}
			path = append(path, pno)
			_, pno = childFor(cells, page.Aux1(), key)
		default:
			return 0, nil, fmt.Errorf("%w: page %d is %s inside btree",
				storage.ErrWrongPageTag, pno, page.Tag())
		}
	}
}
