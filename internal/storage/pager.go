package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinydb-engine/tinydb/internal/bufferpool"
	"github.com/tinydb-engine/tinydb/internal/bx"
	"github.com/tinydb-engine/tinydb/internal/wal"
)

var (
	ErrNoTxn        = errors.New("pager: no active transaction")
	ErrTxnActive    = errors.New("pager: transaction already active")
	ErrWrongPageTag = errors.New("pager: unexpected page type")
	ErrBadChain     = errors.New("pager: broken overflow chain")
)

// Options configure a new Pager.
type Options struct {
	PageSize     int  // used only when creating a fresh file
	PoolCapacity int  // buffer pool frames
	SyncAlways   bool // fsync the WAL on every append, not just at commit
}

// Pager mediates all page traffic between the B-tree/catalog layers and the
// main database file. During a transaction, writes are staged in memory and
// logged to the WAL; the file is only touched once the commit marker is
// durable.
type Pager struct {
	file *os.File
	path string
	hdr  Header
	wal  *wal.Manager
	pool *bufferpool.Pool

	txnActive bool
	txnID     uint64
	staged    map[uint32][]byte

	// fileSize tracks the on-disk length so reads past EOF can zero-fill
	// pages that were allocated but not yet committed.
	fileSize int64
}

// Open runs crash recovery, initializes a fresh file when needed, and
// returns a ready pager. The WAL manager is created here so recovery and
// normal appends share one sequence space.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}

	hdr, existed, err := readHeaderDirect(path)
	if err != nil {
		return nil, err
	}
	if !existed {
		hdr = Header{
			PageSize:  opts.PageSize,
			PageCount: 1,
		}
	}

	if err := recoverWAL(path, &hdr, existed); err != nil {
		return nil, err
	}

	w, err := wal.Open(path+".wal", opts.SyncAlways)
	if err != nil {
		return nil, err
	}
	w.SetFloor(hdr.Watermark)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = w.Close()
		return nil, fmt.Errorf("pager: stat: %w", err)
	}

	p := &Pager{
		file:     file,
		path:     path,
		hdr:      hdr,
		wal:      w,
		pool:     bufferpool.NewPool(opts.PoolCapacity),
		fileSize: info.Size(),
	}

	if !existed {
		if err := p.writeDirect(0, EncodeHeader(hdr)); err != nil {
			_ = p.Close()
			return nil, err
		}
		if err := file.Sync(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("pager: sync init: %w", err)
		}
		slog.Info("pager: initialized database", "path", path, "page_size", hdr.PageSize)
	}
	return p, nil
}

func (p *Pager) Close() error {
	var errs []error
	if p.wal != nil {
		errs = append(errs, p.wal.Close())
	}
	if p.file != nil {
		errs = append(errs, p.file.Close())
		p.file = nil
	}
	return errors.Join(errs...)
}

func (p *Pager) PageSize() int     { return p.hdr.PageSize }
func (p *Pager) Header() Header    { return p.hdr }
func (p *Pager) WAL() *wal.Manager { return p.wal }

// SetCatalogRoot records the catalog chain location in the staged header.
func (p *Pager) SetCatalogRoot(root, length uint32) error {
	p.hdr.CatalogRoot = root
	p.hdr.CatalogLen = length
	return p.persistHeader()
}

// --- transactions ---

func (p *Pager) Begin() (uint64, error) {
	if p.txnActive {
		return 0, ErrTxnActive
	}
	// the BEGIN record's sequence number doubles as the transaction id,
	// which keeps ids unique without a persistent counter
	txid, err := p.wal.Begin()
	if err != nil {
		return 0, err
	}
	p.txnActive = true
	p.txnID = txid
	p.staged = make(map[uint32][]byte)
	return txid, nil
}

// Commit makes the staged writes durable: commit marker + WAL fsync first,
// then the after-images are applied to the main file.
func (p *Pager) Commit() error {
	if !p.txnActive {
		return ErrNoTxn
	}
	if _, err := p.wal.Commit(p.txnID); err != nil {
		return fmt.Errorf("pager: commit: %w", err)
	}
	for pno, buf := range p.staged {
		if err := p.writeDirect(pno, buf); err != nil {
			return err
		}
		p.pool.Put(pno, buf)
	}
	p.staged = nil
	p.txnActive = false
	return nil
}

// Rollback drops the staged writes and restores the in-memory header from
// the last committed image.
func (p *Pager) Rollback() error {
	if !p.txnActive {
		return ErrNoTxn
	}
	if _, err := p.wal.Abort(p.txnID); err != nil {
		slog.Warn("pager: abort record failed", "err", err)
	}
	p.discardStage()

	buf := make([]byte, p.hdr.PageSize)
	if err := p.readDirect(0, buf); err != nil {
		return err
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	p.hdr = hdr
	return nil
}

func (p *Pager) discardStage() {
	p.staged = nil
	p.txnActive = false
}

// Checkpoint flushes the committed state into the main file, truncates the
// WAL and advances the header watermark.
func (p *Pager) Checkpoint() error {
	if p.txnActive {
		return ErrTxnActive
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pager: checkpoint sync: %w", err)
	}
	p.hdr.Watermark = p.wal.LastSeq()
	if err := p.writeDirect(0, EncodeHeader(p.hdr)); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pager: checkpoint sync header: %w", err)
	}
	if err := p.wal.Truncate(); err != nil {
		return err
	}
	slog.Info("pager: checkpoint", "watermark", p.hdr.Watermark)
	return nil
}

// --- page access ---

// Get returns a mutable copy of the page. Staged writes of the active
// transaction win over the committed image (read-your-writes).
func (p *Pager) Get(pno uint32) (*Page, error) {
	if pno >= p.hdr.PageCount {
		return nil, fmt.Errorf("pager: page %d out of range (count %d)", pno, p.hdr.PageCount)
	}
	buf := make([]byte, p.hdr.PageSize)
	if p.txnActive {
		if img, ok := p.staged[pno]; ok {
			copy(buf, img)
			return NewPage(pno, buf), nil
		}
	}
	if p.pool.Get(pno, buf) {
		return NewPage(pno, buf), nil
	}
	if err := p.readDirect(pno, buf); err != nil {
		return nil, err
	}
	p.pool.Put(pno, buf)
	return NewPage(pno, buf), nil
}

// GetTagged fetches a page and verifies its type tag; a mismatch means the
// reference that led here is corrupt.
func (p *Pager) GetTagged(pno uint32, want PageType) (*Page, error) {
	page, err := p.Get(pno)
	if err != nil {
		return nil, err
	}
	if page.Tag() != want {
		return nil, fmt.Errorf("%w: page %d is %s, want %s", ErrWrongPageTag, pno, page.Tag(), want)
	}
	return page, nil
}

// Put stages the page and logs its after-image. Only valid inside a
// transaction; all structural mutations run in one.
func (p *Pager) Put(page *Page) error {
	if !p.txnActive {
		return ErrNoTxn
	}
	img := make([]byte, len(page.Buf))
	copy(img, page.Buf)
	p.staged[page.No] = img
	if _, err := p.wal.AppendPage(p.txnID, page.No, img); err != nil {
		return fmt.Errorf("pager: log page %d: %w", page.No, err)
	}
	return nil
}

// Allocate returns a fresh slotted page of the given type, reusing the free
// list before extending the file.
func (p *Pager) Allocate(tag PageType) (*Page, error) {
	pno, err := p.AllocatePageNo()
	if err != nil {
		return nil, err
	}
	page := NewPage(pno, make([]byte, p.hdr.PageSize))
	page.Reset(tag)
	if err := p.Put(page); err != nil {
		return nil, err
	}
	return page, nil
}

// AllocatePageNo reserves a page number without formatting the page. Used
// by the overflow writer, which lays out raw chunk pages itself.
func (p *Pager) AllocatePageNo() (uint32, error) {
	if !p.txnActive {
		return 0, ErrNoTxn
	}
	if p.hdr.FirstFree != 0 {
		pno := p.hdr.FirstFree
		page, err := p.GetTagged(pno, PageFree)
		if err != nil {
			return 0, err
		}
		p.hdr.FirstFree = page.Aux1()
		if err := p.persistHeader(); err != nil {
			return 0, err
		}
		return pno, nil
	}
	pno := p.hdr.PageCount
	p.hdr.PageCount++
	if err := p.persistHeader(); err != nil {
		return 0, err
	}
	return pno, nil
}

// Free clears the page and pushes it onto the free list.
func (p *Pager) Free(pno uint32) error {
	if !p.txnActive {
		return ErrNoTxn
	}
	page := NewPage(pno, make([]byte, p.hdr.PageSize))
	page.Reset(PageFree)
	page.SetAux1(p.hdr.FirstFree)
	if err := p.Put(page); err != nil {
		return err
	}
	p.hdr.FirstFree = pno
	return p.persistHeader()
}

// FreeListLen walks the free list, for the conservation invariant in tests.
func (p *Pager) FreeListLen() (int, error) {
	n := 0
	for pno := p.hdr.FirstFree; pno != 0; {
		page, err := p.GetTagged(pno, PageFree)
		if err != nil {
			return 0, err
		}
		pno = page.Aux1()
		n++
		if n > int(p.hdr.PageCount) {
			return 0, fmt.Errorf("%w: free list cycle", ErrBadChain)
		}
	}
	return n, nil
}

// --- overflow chains ---

// Overflow page layout:
//
//	[0..3] u32 next page (0 = end of chain)
//	[4..5] u16 used payload bytes
//	[6..]  payload
const overflowHeaderSize = 6

func (p *Pager) overflowPayloadSize() int { return p.hdr.PageSize - overflowHeaderSize }

// WriteChain stores data as a linked list of overflow pages and returns the
// first page number.
func (p *Pager) WriteChain(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("pager: empty overflow payload")
	}
	capacity := p.overflowPayloadSize()

	var first, prev uint32
	var prevBuf []byte
	for offset := 0; offset < len(data); {
		chunk := min(len(data)-offset, capacity)
		pno, err := p.AllocatePageNo()
		if err != nil {
			return 0, err
		}

		buf := make([]byte, p.hdr.PageSize)
		bx.PutU32At(buf, 0, 0)
		bx.PutU16At(buf, 4, uint16(chunk))
		copy(buf[overflowHeaderSize:], data[offset:offset+chunk])

		if prevBuf != nil {
			bx.PutU32At(prevBuf, 0, pno)
			if err := p.Put(NewPage(prev, prevBuf)); err != nil {
				return 0, err
			}
		} else {
			first = pno
		}
		prev, prevBuf = pno, buf
		offset += chunk
	}
	if err := p.Put(NewPage(prev, prevBuf)); err != nil {
		return 0, err
	}
	slog.Debug("pager: wrote overflow chain", "first", first, "len", len(data))
	return first, nil
}

// ReadChain reconstructs the byte string stored in an overflow chain.
func (p *Pager) ReadChain(first uint32) ([]byte, error) {
	var out []byte
	seen := 0
	for pno := first; pno != 0; {
		page, err := p.Get(pno)
		if err != nil {
			return nil, err
		}
		next := bx.U32At(page.Buf, 0)
		used := int(bx.U16At(page.Buf, 4))
		if used > p.overflowPayloadSize() {
			return nil, fmt.Errorf("%w: page %d used %d", ErrBadChain, pno, used)
		}
		out = append(out, page.Buf[overflowHeaderSize:overflowHeaderSize+used]...)
		pno = next
		seen++
		if seen > int(p.hdr.PageCount) {
			return nil, fmt.Errorf("%w: cycle at page %d", ErrBadChain, pno)
		}
	}
	return out, nil
}

// FreeChain releases every page of an overflow chain.
func (p *Pager) FreeChain(first uint32) error {
	seen := 0
	for pno := first; pno != 0; {
		page, err := p.Get(pno)
		if err != nil {
			return err
		}
		next := bx.U32At(page.Buf, 0)
		if err := p.Free(pno); err != nil {
			return err
		}
		pno = next
		seen++
		if seen > int(p.hdr.PageCount) {
			return fmt.Errorf("%w: cycle at page %d", ErrBadChain, pno)
		}
	}
	return nil
}

// --- low-level I/O ---

func (p *Pager) persistHeader() error {
	if !p.txnActive {
		return ErrNoTxn
	}
	return p.Put(NewPage(0, EncodeHeader(p.hdr)))
}

func (p *Pager) readDirect(pno uint32, dst []byte) error {
	off := int64(pno) * int64(p.hdr.PageSize)
	if off >= p.fileSize {
		// allocated but never committed: lazily zero
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	n, err := p.file.ReadAt(dst, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("pager: read page %d: %w", pno, err)
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (p *Pager) writeDirect(pno uint32, buf []byte) error {
	off := int64(pno) * int64(p.hdr.PageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pager: write page %d: %w", pno, err)
	}
	if end := off + int64(len(buf)); end > p.fileSize {
		p.fileSize = end
	}
	return nil
}

// --- open-time recovery ---

func readHeaderDirect(path string) (Header, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Header{}, false, nil
		}
		return Header{}, false, fmt.Errorf("pager: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Header{}, false, err
	}
	if info.Size() == 0 {
		return Header{}, false, nil
	}

	probe := make([]byte, MinPageSize)
	if _, err := io.ReadFull(f, probe); err != nil {
		return Header{}, false, fmt.Errorf("pager: read header: %w", err)
	}
	hdr, err := DecodeHeader(probe)
	if err != nil {
		return Header{}, false, err
	}
	return hdr, true, nil
}

// recoverWAL replays committed WAL transactions newer than the header
// watermark into the main file, then truncates the log. Re-running it on an
// already-recovered database is a no-op.
func recoverWAL(path string, hdr *Header, existed bool) error {
	writes, last, err := wal.Replay(path+".wal", hdr.Watermark)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		if last > hdr.Watermark && existed {
			// only uncommitted garbage past the watermark: drop it
			return truncateWAL(path)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("pager: recover open: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, rec := range writes {
		// the image length is the authoritative page size; a fresh file has
		// no trusted header yet
		off := int64(rec.PageNo) * int64(len(rec.Image))
		if _, err := f.WriteAt(rec.Image, off); err != nil {
			return fmt.Errorf("pager: recover page %d: %w", rec.PageNo, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("pager: recover sync: %w", err)
	}

	// the replayed images may include page 0; reload it and advance the
	// watermark past everything just applied
	probe := make([]byte, MinPageSize)
	if _, err := f.ReadAt(probe, 0); err != nil {
		return fmt.Errorf("pager: recover reread header: %w", err)
	}
	fresh, err := DecodeHeader(probe)
	if err != nil {
		return err
	}
	fresh.Watermark = last
	if _, err := f.WriteAt(EncodeHeader(fresh), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	*hdr = fresh

	slog.Info("pager: recovered from WAL", "pages", len(writes), "watermark", last)
	return truncateWAL(path)
}

func truncateWAL(path string) error {
	err := os.Truncate(path+".wal", 0)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pager: truncate wal: %w", err)
	}
	return nil
}
