// Package tinydb is an embedded, single-file relational storage engine:
// a paged file with a write-ahead log, per-table primary-key B-trees, and a
// persistent schema catalog. One handle owns the file; all mutations run in
// serialized transactions, implicit per statement or explicit via Begin.
package tinydb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tinydb-engine/tinydb/internal/catalog"
	"github.com/tinydb-engine/tinydb/internal/config"
	"github.com/tinydb-engine/tinydb/internal/storage"
	"github.com/tinydb-engine/tinydb/internal/txn"
)

// Database is a handle on one database file. Methods are safe for
// concurrent use; a mutex serializes every operation, so there is exactly
// one writer at a time.
type Database struct {
	mu   sync.Mutex
	path string
	id   string

	pg   *storage.Pager
	tm   *txn.Manager
	cat  *catalog.Catalog
	lock *fileLock

	// workCat carries uncommitted catalog changes of an open explicit
	// transaction; nil otherwise.
	workCat *catalog.Catalog

	checkpointBytes int64
	poisoned        error
	closed          bool
}

// Option tunes Open.
type Option func(*config.Config) error

// WithConfigFile loads a YAML config file merged over the built-in defaults.
// It replaces the whole configuration: options listed before it are
// discarded, options listed after it override the file's values.
func WithConfigFile(path string) Option {
	return func(cfg *config.Config) error {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		*cfg = loaded
		return nil
	}
}

// WithPageSize sets the page size used when creating a new database file.
func WithPageSize(size int) Option {
	return func(cfg *config.Config) error {
		if size < storage.MinPageSize {
			return fmt.Errorf("%w: page size %d below minimum %d", ErrSchema, size, storage.MinPageSize)
		}
		cfg.Storage.PageSize = size
		return nil
	}
}

// WithPoolCapacity sets the buffer pool size in frames.
func WithPoolCapacity(frames int) Option {
	return func(cfg *config.Config) error {
		cfg.Storage.PoolCapacity = frames
		return nil
	}
}

// WithSyncMode selects the WAL fsync policy: "commit" or "always".
func WithSyncMode(mode string) Option {
	return func(cfg *config.Config) error {
		if mode != "commit" && mode != "always" {
			return fmt.Errorf("%w: sync mode %q", ErrSchema, mode)
		}
		cfg.WAL.SyncMode = mode
		return nil
	}
}

// WithCheckpointBytes sets the WAL size that triggers an automatic
// checkpoint; 0 disables automatic checkpoints.
func WithCheckpointBytes(n int64) Option {
	return func(cfg *config.Config) error {
		cfg.WAL.CheckpointBytes = n
		return nil
	}
}

// Open acquires the advisory lock, runs crash recovery and loads the
// catalog. The same path cannot be opened twice until Close.
func Open(path string, opts ...Option) (*Database, error) {
	cfg := config.Default()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, mapErr(err)
		}
	}

	id := uuid.NewString()
	lock, err := acquireLock(path+".lock", id)
	if err != nil {
		return nil, mapErr(err)
	}

	pg, err := storage.Open(path, storage.Options{
		PageSize:     cfg.Storage.PageSize,
		PoolCapacity: cfg.Storage.PoolCapacity,
		SyncAlways:   cfg.WAL.SyncMode == "always",
	})
	if err != nil {
		_ = lock.release()
		return nil, mapErr(err)
	}

	cat, err := catalog.Load(pg)
	if err != nil {
		_ = pg.Close()
		_ = lock.release()
		return nil, mapErr(err)
	}

	db := &Database{
		path:            path,
		id:              id,
		pg:              pg,
		tm:              txn.NewManager(pg),
		cat:             cat,
		lock:            lock,
		checkpointBytes: cfg.WAL.CheckpointBytes,
	}
	slog.Info("tinydb: open", "path", path, "handle", id,
		"tables", len(cat.Tables), "schema_version", cat.SchemaVersion)
	return db, nil
}

// Close checkpoints committed state and releases the lock. An open explicit
// transaction is rolled back.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if db.tm.InExplicit() {
		if err := db.tm.Rollback(); err != nil {
			slog.Warn("tinydb: rollback on close failed", "err", err)
		}
		db.workCat = nil
	}
	if db.poisoned == nil {
		if err := db.pg.Checkpoint(); err != nil {
			slog.Warn("tinydb: checkpoint on close failed", "err", err)
		}
	}
	err := db.pg.Close()
	if lerr := db.lock.release(); err == nil {
		err = lerr
	}
	slog.Info("tinydb: close", "path", db.path, "handle", db.id)
	return mapErr(err)
}

// Begin opens an explicit transaction. ErrBusy while one is active.
func (db *Database) Begin() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	return mapErr(db.tm.Begin())
}

// Commit finalizes the explicit transaction.
func (db *Database) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if err := db.tm.Commit(); err != nil {
		db.noteFatal(err)
		return mapErr(err)
	}
	if db.workCat != nil {
		db.cat = db.workCat
		db.workCat = nil
	}
	db.maybeCheckpoint()
	return nil
}

// Rollback discards the explicit transaction.
func (db *Database) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.workCat = nil
	if err := db.tm.Rollback(); err != nil {
		db.noteFatal(err)
		return mapErr(err)
	}
	return nil
}

// Checkpoint fsyncs the main file, which already holds every committed page,
// advances the header watermark and truncates the WAL.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if err := db.pg.Checkpoint(); err != nil {
		db.noteFatal(err)
		return mapErr(err)
	}
	return nil
}

func (db *Database) usable() error {
	if db.closed {
		return ErrClosed
	}
	if db.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrReadOnly, db.poisoned)
	}
	return nil
}

func (db *Database) noteFatal(err error) {
	if isFatal(mapErr(err)) && db.poisoned == nil {
		db.poisoned = err
		slog.Error("tinydb: handle poisoned", "path", db.path, "err", err)
	}
}

// catalogView is the schema visible to the current statement: the explicit
// transaction's working copy when one is open.
func (db *Database) catalogView() *catalog.Catalog {
	if db.workCat != nil {
		return db.workCat
	}
	return db.cat
}

// write runs one mutating statement in the transaction manager, handing it
// a catalog it may mutate. In implicit mode the catalog swap happens on
// success only; in explicit mode changes accumulate in workCat until
// Commit.
func (db *Database) write(fn func(c *catalog.Catalog) error) error {
	if err := db.usable(); err != nil {
		return err
	}

	if db.tm.InExplicit() {
		if db.workCat == nil {
			db.workCat = cloneCatalog(db.cat)
		}
		err := db.tm.Run(func() error { return fn(db.workCat) })
		if err != nil {
			db.noteFatal(err)
		}
		return mapErr(err)
	}

	work := cloneCatalog(db.cat)
	err := db.tm.Run(func() error { return fn(work) })
	if err != nil {
		db.noteFatal(err)
		return mapErr(err)
	}
	db.cat = work
	db.maybeCheckpoint()
	return nil
}

func (db *Database) maybeCheckpoint() {
	if db.checkpointBytes <= 0 || db.tm.Status() != txn.Idle {
		return
	}
	size, err := db.pg.WAL().Size()
	if err != nil || size < db.checkpointBytes {
		return
	}
	if err := db.pg.Checkpoint(); err != nil {
		slog.Warn("tinydb: auto checkpoint failed", "err", err)
		db.noteFatal(err)
	}
}

func cloneCatalog(c *catalog.Catalog) *catalog.Catalog {
	data, err := json.Marshal(c)
	if err != nil {
		// the catalog round-trips by construction
		panic(fmt.Sprintf("tinydb: catalog marshal: %v", err))
	}
	out := catalog.New()
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("tinydb: catalog unmarshal: %v", err))
	}
	return out
}

// Tables lists the table names, sorted.
func (db *Database) Tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.catalogView().Tables))
	for name := range db.catalogView().Tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Indexes lists the secondary index names, sorted.
func (db *Database) Indexes() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.catalogView().Indexes))
	for name := range db.catalogView().Indexes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SchemaVersion reports the DDL generation counter.
func (db *Database) SchemaVersion() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.catalogView().SchemaVersion
}
