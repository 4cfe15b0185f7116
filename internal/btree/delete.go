package btree

import (
	"fmt"
	"log/slog"

	"github.com/tinydb-engine/tinydb/internal/storage"
)

// Delete removes a key and rebalances underfull nodes on the way back up.
func (t *Tree) Delete(key []byte) error {
	if err := t.deleteFrom(t.root, key); err != nil {
		return err
	}
	// a root with a single child collapses, shrinking the tree
	for {
		page, err := t.pg.Get(t.root)
		if err != nil {
			return err
		}
		if page.Tag() != storage.PageBTreeInternal || page.NumSlots() != 0 {
			return nil
		}
		child := page.Aux1()
		if err := t.pg.Free(t.root); err != nil {
			return err
		}
		slog.Debug("btree: root collapse", "old_root", t.root, "new_root", child)
		t.root = child
	}
}

func (t *Tree) deleteFrom(pno uint32, key []byte) error {
	page, err := t.pg.Get(pno)
	if err != nil {
		return err
	}

	if page.Tag() == storage.PageBTreeLeaf {
		cells, err := leafCells(page)
		if err != nil {
			return err
		}
		i, exact := findLeafSlot(cells, key)
		if !exact {
			return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
		}
		if err := t.freePayload(cells[i]); err != nil {
			return err
		}
		if err := page.DeleteCell(i); err != nil {
			return err
		}
		return t.pg.Put(page)
	}

	if page.Tag() != storage.PageBTreeInternal {
		return fmt.Errorf("%w: page %d is %s inside btree",
			storage.ErrWrongPageTag, pno, page.Tag())
	}

	cells, err := innerCells(page)
	if err != nil {
		return err
	}
	idx, child := childFor(cells, page.Aux1(), key)
	if err := t.deleteFrom(child, key); err != nil {
		return err
	}
	return t.rebalance(pno, idx, child)
}

// minFill is the underflow threshold: half the usable cell space.
func (t *Tree) minFill() int {
	return (t.pg.PageSize() - storage.SlottedHeaderSize) / 2
}

// rebalance restores the fill invariant for the child at position idx of
// parent pno. Underfull children either merge with a neighbor or share
// entries with it evenly.
func (t *Tree) rebalance(parentNo uint32, idx int, childNo uint32) error {
	child, err := t.pg.Get(childNo)
	if err != nil {
		return err
	}
	if child.UsedCellBytes() >= t.minFill() {
		return nil
	}

	parent, err := t.pg.GetTagged(parentNo, storage.PageBTreeInternal)
	if err != nil {
		return err
	}
	cells, err := innerCells(parent)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		// nothing to borrow from; the root-collapse pass handles this
		return nil
	}

	// pair the child with its right neighbor, or the left one when the
	// child is already rightmost
	leftIdx := idx
	if idx >= len(cells) {
		leftIdx = len(cells) - 1
	}
	leftNo := cells[leftIdx].child
	rightNo := parent.Aux1()
	if leftIdx+1 < len(cells) {
		rightNo = cells[leftIdx+1].child
	}

	left, err := t.pg.Get(leftNo)
	if err != nil {
		return err
	}
	right, err := t.pg.Get(rightNo)
	if err != nil {
		return err
	}
	if left.Tag() != right.Tag() {
		return fmt.Errorf("%w: sibling pages %d/%d disagree on type",
			storage.ErrWrongPageTag, leftNo, rightNo)
	}

	if left.Tag() == storage.PageBTreeLeaf {
		return t.rebalanceLeaves(parent, cells, leftIdx, left, right)
	}
	return t.rebalanceInner(parent, cells, leftIdx, left, right)
}

func (t *Tree) rebalanceLeaves(parent *storage.Page, pcells []innerCell, leftIdx int, left, right *storage.Page) error {
	lcells, err := leafCells(left)
	if err != nil {
		return err
	}
	rcells, err := leafCells(right)
	if err != nil {
		return err
	}
	all := append(append([]leafCell{}, lcells...), rcells...)

	total := storage.SlotSize * len(all)
	for _, c := range all {
		total += len(c.encode())
	}

	if total <= left.BodyCapacity() {
		// merge into the left page, unlink and free the right one
		oldRight := right.Aux1()
		if err := rebuildLeaf(left, all, left.Aux2(), oldRight); err != nil {
			return err
		}
		if err := t.pg.Put(left); err != nil {
			return err
		}
		if oldRight != 0 {
			sib, err := t.pg.GetTagged(oldRight, storage.PageBTreeLeaf)
			if err != nil {
				return err
			}
			sib.SetAux2(left.No)
			if err := t.pg.Put(sib); err != nil {
				return err
			}
		}
		if err := t.pg.Free(right.No); err != nil {
			return err
		}
		return t.mergeFixParent(parent, pcells, leftIdx, left.No)
	}

	// share evenly and refresh the separator
	sizes := make([]int, len(all))
	for j, c := range all {
		sizes[j] = len(c.encode()) + storage.SlotSize
	}
	mid := splitPoint(sizes)
	if err := rebuildLeaf(left, all[:mid], left.Aux2(), right.No); err != nil {
		return err
	}
	if err := rebuildLeaf(right, all[mid:], left.No, right.Aux1()); err != nil {
		return err
	}
	if err := t.pg.Put(left); err != nil {
		return err
	}
	if err := t.pg.Put(right); err != nil {
		return err
	}
	sep := innerCell{key: all[mid-1].key, child: left.No}
	if err := parent.ReplaceCell(leftIdx, sep.encode()); err != nil {
		return err
	}
	return t.pg.Put(parent)
}

func (t *Tree) rebalanceInner(parent *storage.Page, pcells []innerCell, leftIdx int, left, right *storage.Page) error {
	lcells, err := innerCells(left)
	if err != nil {
		return err
	}
	rcells, err := innerCells(right)
	if err != nil {
		return err
	}

	// the separator comes down between the two halves, pointing at the
	// left node's old rightmost child
	bridge := innerCell{key: pcells[leftIdx].key, child: left.Aux1()}
	all := make([]innerCell, 0, len(lcells)+1+len(rcells))
	all = append(all, lcells...)
	all = append(all, bridge)
	all = append(all, rcells...)

	total := storage.SlotSize * len(all)
	for _, c := range all {
		total += len(c.encode())
	}

	if total <= left.BodyCapacity() {
		if err := rebuildInner(left, all, right.Aux1()); err != nil {
			return err
		}
		if err := t.pg.Put(left); err != nil {
			return err
		}
		if err := t.pg.Free(right.No); err != nil {
			return err
		}
		return t.mergeFixParent(parent, pcells, leftIdx, left.No)
	}

	sizes := make([]int, len(all))
	for j, c := range all {
		sizes[j] = len(c.encode()) + storage.SlotSize
	}
	mid := splitPoint(sizes)
	promoted := all[mid]
	if err := rebuildInner(left, all[:mid], promoted.child); err != nil {
		return err
	}
	if err := rebuildInner(right, all[mid+1:], right.Aux1()); err != nil {
		return err
	}
	if err := t.pg.Put(left); err != nil {
		return err
	}
	if err := t.pg.Put(right); err != nil {
		return err
	}
	sep := innerCell{key: promoted.key, child: left.No}
	if err := parent.ReplaceCell(leftIdx, sep.encode()); err != nil {
		return err
	}
	return t.pg.Put(parent)
}

// mergeFixParent removes the separator at leftIdx after a merge and points
// the next reference at the merged node.
func (t *Tree) mergeFixParent(parent *storage.Page, pcells []innerCell, leftIdx int, mergedNo uint32) error {
	if err := parent.DeleteCell(leftIdx); err != nil {
		return err
	}
	if leftIdx < len(pcells)-1 {
		upd := innerCell{key: pcells[leftIdx+1].key, child: mergedNo}
		if err := parent.ReplaceCell(leftIdx, upd.encode()); err != nil {
			return err
		}
	} else {
		parent.SetAux1(mergedNo)
	}
	return t.pg.Put(parent)
}
