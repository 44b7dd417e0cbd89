package cf

import (
	"fmt"
	"sync"
	"time"

	"github.com/cflayer/manifold/engine"
)

// DefaultPoolSize is the file-handle pool size Options.withDefaults
// applies when PoolSize is left negative (§4.8: "default pool size is
// 256 on native, smaller on constrained targets").
const DefaultPoolSize = 256

// Options configures Database.Open (C8's builder surface).
type Options struct {
	// PoolSize bounds the file-handle pool (C4) and gates the shared WAL
	// (C5/C6): WAL is enabled iff PoolSize > 0 (§4.8/§4.10/§4.11).
	//   0   — disables both the pool and the WAL. Every commit instead
	//         performs its own direct durable write (the CF's engine
	//         writes and syncs its meta page synchronously).
	//   > 0 — bounds the pool to that many handles and enables the WAL.
	//   < 0 — unspecified; resolved to DefaultPoolSize by withDefaults.
	PoolSize int
	// DefaultCFSize is used by CreateColumnFamily when size is 0.
	DefaultCFSize uint64
	// CheckpointInterval overrides the background checkpoint cadence.
	CheckpointInterval time.Duration
	// SyncJournal selects the synchronous Journal (C5) over the default
	// group-commit AsyncJournal (C6); useful for deterministic tests.
	// Has no effect when PoolSize == 0 (no WAL is opened at all).
	SyncJournal bool
	// ExclusiveLock takes an OS-level advisory lock on path for the
	// lifetime of the Database, refusing Open if another process
	// already holds it (§6).
	ExclusiveLock bool
}

func (o Options) withDefaults() Options {
	if o.DefaultCFSize == 0 {
		o.DefaultCFSize = DefaultCFSize
	}
	if o.PoolSize < 0 {
		o.PoolSize = DefaultPoolSize
	}
	return o
}

// Database is the CF database manager (C8): owns the master header, the
// file-handle pool, the shared WAL, the checkpoint manager, and every
// open column family.
type Database struct {
	path        string
	master      Backend
	walBackend  Backend
	pool        *pool
	journal     walWriter
	cp          *CheckpointManager
	opts        Options

	mu     sync.Mutex // guards header and cfs together (header mutation always implies a cfs change)
	header *MasterHeader
	cfs    map[string]*ColumnFamily

	lock *fileLock // non-nil iff Options.ExclusiveLock was set
}

// Open opens path, creating a fresh database if it does not already
// exist, replays any WAL entries left by a prior crash (C9), and starts
// the background checkpoint loop.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()

	var lock *fileLock
	if opts.ExclusiveLock {
		l, err := lockFile(path)
		if err != nil {
			return nil, err
		}
		lock = l
	}

	master, err := OpenFileBackend(path)
	if err != nil {
		return nil, err
	}

	header, err := loadOrInitHeader(master)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:   path,
		master: master,
		opts:   opts,
		header: header,
		cfs:    make(map[string]*ColumnFamily),
		lock:   lock,
	}

	// §4.8: pool size 0 disables both the file-handle pool and the
	// shared WAL; every CF instead performs its own direct durable
	// commit (see openCFLocked/CreateColumnFamily and
	// engine.DB.SetDirectCommitMode). Neither the WAL sibling file nor
	// the pool's extra handles are opened at all in that mode.
	walEnabled := opts.PoolSize > 0
	if walEnabled {
		walBackend, err := OpenFileBackend(path + ".wal")
		if err != nil {
			return nil, err
		}
		db.walBackend = walBackend

		syncJournal, err := OpenJournal(walBackend)
		if err != nil {
			return nil, err
		}
		var journal walWriter = syncJournal
		if !opts.SyncJournal {
			journal = NewAsyncJournal(syncJournal)
		}
		db.journal = journal

		db.pool = newPool(path, opts.PoolSize, func(p string) (Backend, error) {
			return OpenFileBackend(p)
		})

		db.cp = NewCheckpointManager(journal, CheckpointConfig{Interval: opts.CheckpointInterval})
	}

	for _, meta := range header.CFs {
		cf, err := db.openCFLocked(meta)
		if err != nil {
			return nil, err
		}
		db.cfs[meta.Name] = cf
		if db.cp != nil {
			db.cp.Register(cf)
		}
	}

	if walEnabled {
		// Recovery (C9): replay whatever the WAL holds into every
		// registered CF's in-memory state, durably commit all of them,
		// and truncate — exactly the checkpoint manager's regular
		// cycle, run once up front so a crash between a prior WAL
		// append and its checkpoint is invisible to the caller.
		if err := db.cp.CheckpointNow(); err != nil {
			return nil, err
		}
		db.cp.Start()
	}

	return db, nil
}

func loadOrInitHeader(master Backend) (*MasterHeader, error) {
	n, err := master.Len()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		h := NewMasterHeader()
		page, err := h.Encode()
		if err != nil {
			return nil, err
		}
		if err := master.WriteAt(0, page); err != nil {
			return nil, err
		}
		if err := master.Sync(); err != nil {
			return nil, err
		}
		return h, nil
	}
	page := make([]byte, PageSize)
	if err := master.ReadAt(0, page); err != nil {
		return nil, err
	}
	return DecodeMasterHeader(page)
}

func (db *Database) persistHeaderLocked() error {
	page, err := db.header.Encode()
	if err != nil {
		return err
	}
	if err := db.master.WriteAt(0, page); err != nil {
		return err
	}
	return db.master.Sync()
}

// acquireBackendLocked returns the Backend a CF named name should use:
// its private pooled handle when the pool is enabled, or the shared
// master handle directly when the pool (and WAL) are disabled — the
// bypass mode never needs more than one handle on the file. Caller
// holds db.mu.
func (db *Database) acquireBackendLocked(name string) (Backend, error) {
	if db.pool == nil {
		return db.master, nil
	}
	return db.pool.acquire(name)
}

// openCFLocked opens the engine instance for an existing CF's segment.
// Caller holds db.mu.
func (db *Database) openCFLocked(meta CFMeta) (*ColumnFamily, error) {
	if len(meta.Segments) == 0 {
		return nil, &CorruptError{Component: "master_header", Reason: "cf with no segments: " + meta.Name}
	}
	seg := meta.Segments[0]
	backend, err := db.acquireBackendLocked(meta.Name)
	if err != nil {
		return nil, err
	}
	part, err := NewPartitionedBackend(backend, seg.Offset, seg.Size)
	if err != nil {
		return nil, err
	}
	edb, err := engine.Open(part)
	if err != nil {
		return nil, err
	}
	edb.SetDirectCommitMode(db.journal == nil)
	return newColumnFamily(meta.Name, edb, db.journal, db.cp), nil
}

// CreateColumnFamily allocates a new segment (size, or DefaultCFSize if
// 0) and opens a fresh engine instance over it.
func (db *Database) CreateColumnFamily(name string, size uint64) (*ColumnFamily, error) {
	if name == "" {
		return nil, &InvalidArgumentError{Reason: "column family name is empty"}
	}
	if size == 0 {
		size = db.opts.DefaultCFSize
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.cfs[name]; ok {
		return nil, &AlreadyExistsError{Name: name}
	}

	seg, ok := db.header.allocateSegment(size)
	if !ok {
		seg = db.header.appendSegmentAtEOF(size)
		if err := db.master.SetLen(seg.end()); err != nil {
			return nil, err
		}
	}
	meta := CFMeta{Name: name, Segments: []Segment{seg}}
	db.header.CFs = append(db.header.CFs, meta)
	if err := db.header.Validate(); err != nil {
		return nil, err
	}
	if err := db.persistHeaderLocked(); err != nil {
		return nil, err
	}

	backend, err := db.acquireBackendLocked(name)
	if err != nil {
		return nil, err
	}
	part, err := NewPartitionedBackend(backend, seg.Offset, seg.Size)
	if err != nil {
		return nil, err
	}
	edb, err := engine.Create(part)
	if err != nil {
		return nil, err
	}
	edb.SetDirectCommitMode(db.journal == nil)
	cf := newColumnFamily(name, edb, db.journal, db.cp)
	db.cfs[name] = cf
	if db.cp != nil {
		db.cp.Register(cf)
	}
	return cf, nil
}

// ColumnFamily returns the already-open handle for name.
func (db *Database) ColumnFamily(name string) (*ColumnFamily, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, ok := db.cfs[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return cf, nil
}

// ColumnFamilyOrCreate returns the existing CF named name, creating one
// with the given default size if it does not exist.
func (db *Database) ColumnFamilyOrCreate(name string, size uint64) (*ColumnFamily, error) {
	db.mu.Lock()
	cf, ok := db.cfs[name]
	db.mu.Unlock()
	if ok {
		return cf, nil
	}
	cf, err := db.CreateColumnFamily(name, size)
	if _, already := err.(*AlreadyExistsError); already {
		return db.ColumnFamily(name)
	}
	return cf, err
}

// DeleteColumnFamily removes name: its segment is returned to the free
// list and its handle pool entry released. The segment's bytes are not
// zeroed; allocateSegment may hand them to a future CF as-is, matching
// §4.8's space-reuse model.
func (db *Database) DeleteColumnFamily(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	idx := -1
	for i, c := range db.header.CFs {
		if c.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &NotFoundError{Name: name}
	}
	freed := db.header.CFs[idx].Segments
	db.header.CFs = append(db.header.CFs[:idx], db.header.CFs[idx+1:]...)
	db.header.freeSegments(freed)
	if err := db.persistHeaderLocked(); err != nil {
		return err
	}

	if db.cp != nil {
		db.cp.Unregister(name)
	}
	delete(db.cfs, name)
	if db.pool != nil {
		return db.pool.release(name)
	}
	return nil
}

// ListColumnFamilies returns the names of every currently open CF.
func (db *Database) ListColumnFamilies() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	return names
}

// Checkpoint runs one checkpoint cycle synchronously. It is a no-op
// when the database was opened with PoolSize 0: without a WAL, every
// commit is already durable by the time it returns.
func (db *Database) Checkpoint() error {
	if db.cp == nil {
		return nil
	}
	return db.cp.CheckpointNow()
}

// Path returns the data file path this Database was opened over.
func (db *Database) Path() string { return db.path }

// Close stops the checkpoint loop (running one final cycle), closes
// every pooled handle, and closes the master and WAL backends.
func (db *Database) Close() error {
	if db.cp != nil {
		db.cp.Shutdown()
	}
	if a, ok := db.journal.(*AsyncJournal); ok {
		a.Shutdown()
	}
	if db.pool != nil {
		if err := db.pool.closeAll(); err != nil {
			return fmt.Errorf("cf: close pool: %w", err)
		}
	}
	if err := db.master.Close(); err != nil {
		return err
	}
	if db.walBackend != nil {
		if err := db.walBackend.Close(); err != nil {
			return err
		}
	}
	if db.lock != nil {
		return db.lock.unlock()
	}
	return nil
}
