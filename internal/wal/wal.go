// Package wal implements the redo-only write-ahead log. Records carry full
// page after-images; recovery replays committed transactions into the main
// database file.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/tinydb-engine/tinydb/internal/bx"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrShortRead = errors.New("wal: short read")
	ErrClosed    = errors.New("wal: log file closed")
)

const (
	magicU32   uint32 = 0x4C415754 // "TWAL"
	versionU16 uint16 = 1

	RecBegin  uint8 = 1
	RecPage   uint8 = 2
	RecCommit uint8 = 3
	RecAbort  uint8 = 4

	// magic(4) ver(2) kind(1) rsv(1) totalLen(4) crc(4)
	frameFixed = 16
	// seq(8) txid(8)
	bodyFixed = 16
)

// Manager owns the append side of a single WAL file.
type Manager struct {
	f          *os.File
	path       string
	seq        uint64
	syncAlways bool
}

// Open opens or creates the WAL file and scans it for the highest sequence
// number so appends stay monotonic across restarts.
func Open(path string, syncAlways bool) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	m := &Manager{f: f, path: path, syncAlways: syncAlways}
	m.seq = lastSeq(path)
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil || m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

func (m *Manager) LastSeq() uint64 { return m.seq }

// SetFloor raises the sequence counter to at least floor. Called after
// recovery so sequences stay above the header watermark even when the log
// has been truncated.
func (m *Manager) SetFloor(floor uint64) {
	if floor > m.seq {
		m.seq = floor
	}
}

// Begin appends a BEGIN record. The record's own sequence number is
// returned and doubles as the transaction id.
func (m *Manager) Begin() (uint64, error) {
	if m.f == nil {
		return 0, ErrClosed
	}
	return m.append(RecBegin, m.seq+1, 0, nil)
}

func (m *Manager) AppendPage(txid uint64, pageNo uint32, image []byte) (uint64, error) {
	return m.append(RecPage, txid, pageNo, image)
}

// Commit appends the commit marker and fsyncs the log. A transaction is
// durable once this returns.
func (m *Manager) Commit(txid uint64) (uint64, error) {
	seq, err := m.append(RecCommit, txid, 0, nil)
	if err != nil {
		return 0, err
	}
	if err := m.f.Sync(); err != nil {
		return 0, fmt.Errorf("wal: sync commit: %w", err)
	}
	return seq, nil
}

func (m *Manager) Abort(txid uint64) (uint64, error) {
	return m.append(RecAbort, txid, 0, nil)
}

func (m *Manager) append(kind uint8, txid uint64, pageNo uint32, image []byte) (uint64, error) {
	if m.f == nil {
		return 0, ErrClosed
	}
	m.seq++
	seq := m.seq

	body := bodyFixed
	if kind == RecPage {
		body += 4 + len(image)
	}
	total := frameFixed + body
	buf := make([]byte, total)

	bx.PutU32At(buf, 0, magicU32)
	bx.PutU16At(buf, 4, versionU16)
	buf[6] = kind
	buf[7] = 0
	bx.PutU32At(buf, 8, uint32(total))
	// crc placeholder at 12
	bx.PutU64At(buf, 16, seq)
	bx.PutU64At(buf, 24, txid)
	if kind == RecPage {
		bx.PutU32At(buf, 32, pageNo)
		copy(buf[36:], image)
	}
	bx.PutU32At(buf, 12, crc32.ChecksumIEEE(buf[frameFixed:]))

	if _, err := m.f.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if m.syncAlways {
		if err := m.f.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	return seq, nil
}

// Size reports the current log length, used to trigger auto-checkpoints.
func (m *Manager) Size() (int64, error) {
	if m.f == nil {
		return 0, ErrClosed
	}
	info, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate discards the log contents after a checkpoint.
func (m *Manager) Truncate() error {
	if m.f == nil {
		return ErrClosed
	}
	if err := m.f.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	return m.f.Sync()
}

// Record is one decoded WAL entry.
type Record struct {
	Kind   uint8
	Seq    uint64
	TxnID  uint64
	PageNo uint32
	Image  []byte
}

// Scan reads records until EOF or the first malformed record. A record with
// a bad magic, failing checksum, or a length running past end-of-file ends
// the scan; everything before it remains valid.
func Scan(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	var out []Record
	for {
		rec, err := readOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			// torn or corrupt tail: keep what we have
			slog.Warn("wal: scan stopped at malformed record", "err", err, "records", len(out))
			return out, nil
		}
		out = append(out, *rec)
	}
}

// Replay returns the page writes of every committed transaction whose
// commit sequence exceeds watermark, in log order.
func Replay(path string, watermark uint64) ([]Record, uint64, error) {
	recs, err := Scan(path)
	if err != nil {
		return nil, 0, err
	}

	commitSeq := make(map[uint64]uint64)
	var last uint64
	for _, rec := range recs {
		if rec.Seq > last {
			last = rec.Seq
		}
		if rec.Kind == RecCommit {
			commitSeq[rec.TxnID] = rec.Seq
		}
	}

	var writes []Record
	for _, rec := range recs {
		if rec.Kind != RecPage {
			continue
		}
		if seq, ok := commitSeq[rec.TxnID]; ok && seq > watermark {
			writes = append(writes, rec)
		}
	}
	return writes, last, nil
}

func lastSeq(path string) uint64 {
	recs, err := Scan(path)
	if err != nil || len(recs) == 0 {
		return 0
	}
	var last uint64
	for _, rec := range recs {
		if rec.Seq > last {
			last = rec.Seq
		}
	}
	return last
}

func readOne(r *bufio.Reader) (*Record, error) {
	var hdr [frameFixed]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if bx.U32At(hdr[:], 0) != magicU32 {
		return nil, ErrBadMagic
	}
	if bx.U16At(hdr[:], 4) != versionU16 {
		return nil, ErrBadRecord
	}
	kind := hdr[6]
	total := int(bx.U32At(hdr[:], 8))
	wantCRC := bx.U32At(hdr[:], 12)

	if total < frameFixed+bodyFixed || total > frameFixed+bodyFixed+4+(1<<20) {
		return nil, ErrBadRecord
	}

	body := make([]byte, total-frameFixed)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, ErrBadCRC
	}

	rec := &Record{
		Kind:  kind,
		Seq:   bx.U64At(body, 0),
		TxnID: bx.U64At(body, 8),
	}
	if kind == RecPage {
		if len(body) < bodyFixed+4 {
			return nil, ErrBadRecord
		}
		rec.PageNo = bx.U32At(body, 16)
		rec.Image = body[20:]
	}
	return rec, nil
}
