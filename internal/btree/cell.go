package btree

import (
	"errors"
	"fmt"

	"github.com/tinydb-engine/tinydb/internal/bx"
	"github.com/tinydb-engine/tinydb/internal/storage"
)

var (
	ErrDuplicateKey = errors.New("btree: duplicate key")
	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrKeyTooLarge  = errors.New("btree: key too large for node")
	ErrBadCell      = errors.New("btree: malformed cell")
)

// Leaf cell: u16 keyLen | key | u8 kind | payload.
// kind 0: payload bytes are the encoded row, inline.
// kind 1: payload is u32 first overflow page + u32 total length.
//
// Internal cell: u16 keyLen | key | u32 child.
// The cell's child subtree holds keys <= the cell key; the node's
// rightmost child lives in the page's aux1 field.
const (
	payloadInline   = 0
	payloadOverflow = 1
)

type leafCell struct {
	key     []byte
	kind    uint8
	inline  []byte
	ovfPage uint32
	ovfLen  uint32
}

func (c leafCell) encode() []byte {
	out := make([]byte, 0, 2+len(c.key)+1+len(c.inline)+8)
	var l [2]byte
	bx.PutU16(l[:], uint16(len(c.key)))
	out = append(out, l[:]...)
	out = append(out, c.key...)
	out = append(out, c.kind)
	if c.kind == payloadOverflow {
		var b [8]byte
		bx.PutU32(b[:4], c.ovfPage)
		bx.PutU32(b[4:], c.ovfLen)
		return append(out, b[:]...)
	}
	return append(out, c.inline...)
}

func decodeLeafCell(buf []byte) (leafCell, error) {
	if len(buf) < 3 {
		return leafCell{}, ErrBadCell
	}
	kl := int(bx.U16(buf))
	if 2+kl+1 > len(buf) {
		return leafCell{}, ErrBadCell
	}
	c := leafCell{key: buf[2 : 2+kl], kind: buf[2+kl]}
	rest := buf[2+kl+1:]
	switch c.kind {
	case payloadInline:
		c.inline = rest
	case payloadOverflow:
		if len(rest) != 8 {
			return leafCell{}, ErrBadCell
		}
		c.ovfPage = bx.U32(rest[:4])
		c.ovfLen = bx.U32(rest[4:])
	default:
		return leafCell{}, fmt.Errorf("%w: payload kind %d", ErrBadCell, c.kind)
	}
	return c, nil
}

type innerCell struct {
	key   []byte
	child uint32
}

func (c innerCell) encode() []byte {
	out := make([]byte, 0, 2+len(c.key)+4)
	var l [2]byte
	bx.PutU16(l[:], uint16(len(c.key)))
	out = append(out, l[:]...)
	out = append(out, c.key...)
	var b [4]byte
	bx.PutU32(b[:], c.child)
	return append(out, b[:]...)
}

func decodeInnerCell(buf []byte) (innerCell, error) {
	if len(buf) < 6 {
		return innerCell{}, ErrBadCell
	}
	kl := int(bx.U16(buf))
	if 2+kl+4 != len(buf) {
		return innerCell{}, ErrBadCell
	}
	return innerCell{key: buf[2 : 2+kl], child: bx.U32(buf[2+kl:])}, nil
}

// leafCells decodes every cell, copying out of the page buffer so the
// slices stay valid across Reset and Compact.
func leafCells(p *storage.Page) ([]leafCell, error) {
	out := make([]leafCell, 0, p.NumSlots())
	for i := range p.NumSlots() {
		raw, err := p.Cell(i)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		c, err := decodeLeafCell(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func innerCells(p *storage.Page) ([]innerCell, error) {
	out := make([]innerCell, 0, p.NumSlots())
	for i := range p.NumSlots() {
		raw, err := p.Cell(i)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		c, err := decodeInnerCell(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
