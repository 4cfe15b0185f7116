package tinydb

import (
	"errors"
	"os"

	"github.com/tinydb-engine/tinydb/internal/btree"
	"github.com/tinydb-engine/tinydb/internal/catalog"
	"github.com/tinydb-engine/tinydb/internal/record"
	"github.com/tinydb-engine/tinydb/internal/storage"
	"github.com/tinydb-engine/tinydb/internal/txn"
)

// Public error taxonomy. Callers classify with errors.Is; the wrapped chain
// keeps the internal detail.
var (
	ErrCorruption    = errors.New("tinydb: corrupted database")
	ErrVersion       = errors.New("tinydb: unsupported on-disk format version")
	ErrBusy          = errors.New("tinydb: database is busy")
	ErrDuplicateKey  = errors.New("tinydb: duplicate primary or unique key")
	ErrDuplicateName = errors.New("tinydb: name already in use")
	ErrNotFound      = errors.New("tinydb: not found")
	ErrConstraint    = errors.New("tinydb: constraint violation")
	ErrSchema        = errors.New("tinydb: unsupported schema change")
	ErrClosed        = errors.New("tinydb: database is closed")
	ErrReadOnly      = errors.New("tinydb: handle is poisoned and read-only")
)

// mapErr lifts internal sentinels into the public taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCorruption), errors.Is(err, ErrVersion),
		errors.Is(err, ErrBusy), errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrDuplicateName), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConstraint), errors.Is(err, ErrSchema):
		return err
	case errors.Is(err, storage.ErrBadVersion):
		return errors.Join(ErrVersion, err)
	case errors.Is(err, storage.ErrBadMagic),
		errors.Is(err, storage.ErrWrongPageTag),
		errors.Is(err, storage.ErrBadChain),
		errors.Is(err, storage.ErrCorrupt),
		errors.Is(err, btree.ErrBadCell),
		errors.Is(err, catalog.ErrSizeMismatch):
		return errors.Join(ErrCorruption, err)
	case errors.Is(err, btree.ErrDuplicateKey):
		return errors.Join(ErrDuplicateKey, err)
	case errors.Is(err, catalog.ErrDuplicateName):
		return errors.Join(ErrDuplicateName, err)
	case errors.Is(err, catalog.ErrNoSuchTable),
		errors.Is(err, catalog.ErrNoSuchColumn),
		errors.Is(err, catalog.ErrNoSuchIndex),
		errors.Is(err, btree.ErrKeyNotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, catalog.ErrBadSchema):
		return errors.Join(ErrSchema, err)
	case errors.Is(err, record.ErrTypeMismatch),
		errors.Is(err, record.ErrBadDecimal),
		errors.Is(err, btree.ErrKeyTooLarge):
		return errors.Join(ErrConstraint, err)
	case errors.Is(err, txn.ErrBusy),
		errors.Is(err, storage.ErrTxnActive):
		return errors.Join(ErrBusy, err)
	default:
		return err
	}
}

// isFatal reports errors that poison the handle: corruption, or I/O
// failures from the operating system.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCorruption) {
		return true
	}
	var pathErr *os.PathError
	var syscallErr *os.SyscallError
	return errors.As(err, &pathErr) || errors.As(err, &syscallErr)
}
