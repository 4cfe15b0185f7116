package btree

import (
	"fmt"

	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

// Check validates the structural invariants: strictly increasing keys,
// children within separator bounds, uniform leaf depth and minimum fill on
// non-root nodes. Intended for tests and the inspection tool.
//
// Fill is byte-based; a node legitimately sits slightly under half full
// right after a split or redistribution of large cells, so the floor
// leaves headroom of one maximal cell.
func (t *Tree) Check() error {
	_, err := t.checkNode(t.root, nil, nil, true)
	return err
}

func (t *Tree) fillFloor() int {
	floor := t.minFill() - (t.inlineThreshold() + t.maxKeySize() + storage.SlotSize + 16)
	if floor < 0 {
		return 0
	}
	return floor
}

// checkNode returns the leaf depth of the subtree.
func (t *Tree) checkNode(pno uint32, lo, hi []byte, isRoot bool) (int, error) {
	page, err := t.pg.Get(pno)
	if err != nil {
		return 0, err
	}

	switch page.Tag() {
	case storage.PageBTreeLeaf:
		cells, err := leafCells(page)
		if err != nil {
			return 0, err
		}
		if err := checkBounds(pno, keysOf(cells), lo, hi); err != nil {
			return 0, err
		}
		if !isRoot && page.UsedCellBytes() < t.fillFloor() {
			return 0, fmt.Errorf("btree: leaf %d underfull (%d < %d)",
				pno, page.UsedCellBytes(), t.fillFloor())
		}
		return 1, nil

	case storage.PageBTreeInternal:
		cells, err := innerCells(page)
		if err != nil {
			return 0, err
		}
		if len(cells) == 0 {
			return 0, fmt.Errorf("btree: internal node %d has no separators", pno)
		}
		keys := make([][]byte, len(cells))
		for i, c := range cells {
			keys[i] = c.key
		}
		if err := checkBounds(pno, keys, lo, hi); err != nil {
			return 0, err
		}
		if !isRoot && page.UsedCellBytes() < t.fillFloor() {
			return 0, fmt.Errorf("btree: internal node %d underfull (%d < %d)",
				pno, page.UsedCellBytes(), t.fillFloor())
		}

		depth := -1
		childLo := lo
		for i, c := range cells {
			d, err := t.checkNode(c.child, childLo, c.key, false)
			if err != nil {
				return 0, err
			}
			if depth == -1 {
				depth = d
			} else if d != depth {
				return 0, fmt.Errorf("btree: uneven depth under node %d", pno)
			}
			childLo = cells[i].key
		}
		d, err := t.checkNode(page.Aux1(), childLo, hi, false)
		if err != nil {
			return 0, err
		}
		if d != depth {
			return 0, fmt.Errorf("btree: uneven depth under node %d", pno)
		}
		return depth + 1, nil

	default:
		return 0, fmt.Errorf("%w: page %d is %s inside btree",
			storage.ErrWrongPageTag, pno, page.Tag())
	}
}

func keysOf(cells []leafCell) [][]byte {
	out := make([][]byte, len(cells))
	for i, c := range cells {
		out[i] = c.key
	}
	return out
}

// checkBounds verifies strict ordering and the (lo, hi] window inherited
// from parent separators.
func checkBounds(pno uint32, keys [][]byte, lo, hi []byte) error {
	for i, k := range keys {
		if i > 0 && record.Compare(keys[i-1], k) >= 0 {
			return fmt.Errorf("btree: node %d keys out of order at slot %d", pno, i)
		}
		if lo != nil && record.Compare(k, lo) <= 0 {
			return fmt.Errorf("btree: node %d key below separator bound", pno)
		}
		if hi != nil && record.Compare(k, hi) > 0 {
			return fmt.Errorf("btree: node %d key above separator bound", pno)
		}
	}
	return nil
}

// Drop frees every page of the tree, including overflow chains.
func (t *Tree) Drop() error {
	return t.dropNode(t.root)
}

func (t *Tree) dropNode(pno uint32) error {
	page, err := t.pg.Get(pno)
	if err != nil {
		return err
	}
	switch page.Tag() {
	case storage.PageBTreeLeaf:
		cells, err := leafCells(page)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if err := t.freePayload(c); err != nil {
				return err
			}
		}
	case storage.PageBTreeInternal:
		cells, err := innerCells(page)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if err := t.dropNode(c.child); err != nil {
				return err
			}
		}
		if err := t.dropNode(page.Aux1()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: page %d is %s inside btree",
			storage.ErrWrongPageTag, pno, page.Tag())
	}
	return t.pg.Free(pno)
}
