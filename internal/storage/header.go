package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tinydb-engine/tinydb/internal/bx"
)

// Database header, page 0.
//
//	off 0   "TINYDB\0"
//	off 7   u8  format version
//	off 8   8 reserved bytes
//	off 16  u32 page size
//	off 20  u32 total page count (allocation frontier)
//	off 24  u32 first free page (0 = empty list)
//	off 28  u64 WAL checkpoint watermark
//	off 36  u32 catalog root page (0 = empty catalog)
//	off 40  u32 catalog byte length
const (
	FormatVersion = 1

	DefaultPageSize = 4096
	MinPageSize     = 512

	offMagic       = 0
	offVersion     = 7
	offPageSize    = 16
	offPageCount   = 20
	offFirstFree   = 24
	offWatermark   = 28
	offCatalogRoot = 36
	offCatalogLen  = 40
)

var Magic = []byte("TINYDB\x00")

var (
	ErrBadMagic   = errors.New("storage: bad header magic")
	ErrBadVersion = errors.New("storage: unsupported format version")
)

type Header struct {
	PageSize    int
	PageCount   uint32
	FirstFree   uint32
	Watermark   uint64
	CatalogRoot uint32
	CatalogLen  uint32
}

// EncodeHeader writes the header into a full zero-padded page image.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, h.PageSize)
	copy(buf[offMagic:], Magic)
	buf[offVersion] = FormatVersion
	bx.PutU32At(buf, offPageSize, uint32(h.PageSize))
	bx.PutU32At(buf, offPageCount, h.PageCount)
	bx.PutU32At(buf, offFirstFree, h.FirstFree)
	bx.PutU64At(buf, offWatermark, h.Watermark)
	bx.PutU32At(buf, offCatalogRoot, h.CatalogRoot)
	bx.PutU32At(buf, offCatalogLen, h.CatalogLen)
	return buf
}

// DecodeHeader validates magic and version, then unpacks the header fields.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < offCatalogLen+4 {
		return Header{}, fmt.Errorf("%w: short header page", ErrBadMagic)
	}
	if !bytes.Equal(buf[offMagic:offMagic+len(Magic)], Magic) {
		return Header{}, ErrBadMagic
	}
	if buf[offVersion] != FormatVersion {
		return Header{}, fmt.Errorf("%w: version %d", ErrBadVersion, buf[offVersion])
	}
	h := Header{
		PageSize:    int(bx.U32At(buf, offPageSize)),
		PageCount:   bx.U32At(buf, offPageCount),
		FirstFree:   bx.U32At(buf, offFirstFree),
		Watermark:   bx.U64At(buf, offWatermark),
		CatalogRoot: bx.U32At(buf, offCatalogRoot),
		CatalogLen:  bx.U32At(buf, offCatalogLen),
	}
	if h.PageSize < MinPageSize || h.PageSize > 1<<16 {
		return Header{}, fmt.Errorf("%w: page size %d", ErrBadMagic, h.PageSize)
	}
	return h, nil
}
