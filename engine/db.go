package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
)

// Durability selects how aggressively a write transaction's commit is
// made durable, mirroring cf.Durability (§4.10) but expressed natively
// here so this package never imports cf.
type Durability int

const (
	// DurabilityNone lets the owning ColumnFamily's commit return without
	// waiting for the WAL fsync of its entry. Inside this package both
	// levels behave alike: WriteTxn.Commit persists the meta page in
	// direct-commit mode whatever the level, and never otherwise.
	DurabilityNone Durability = iota
	// DurabilityImmediate makes the owning ColumnFamily's commit wait
	// until its WAL entry has been fsynced.
	DurabilityImmediate
)

// PageRoot names one B-tree's root page together with the transaction
// that produced it. The cf commit adapter copies PageID and TxnID into
// and out of its WAL entries; it never reads the root page itself.
type PageRoot struct {
	PageID uint32
	TxnID  uint64
}

// CommitDelta is everything one write transaction changed: its new
// roots, and the pages it allocated and freed in producing them. A
// ColumnFamily's commit adapter serializes this into a WAL entry and,
// during recovery or checkpoint, feeds one back in verbatim.
type CommitDelta struct {
	// UserRoot is unused by this engine (tables live entirely under
	// SystemRoot's directory) but is carried so the wire shape matches
	// the spec's two-root model; always PageID 0.
	UserRoot   PageRoot
	SystemRoot PageRoot
	Allocated  []uint32
	Freed      []uint32
	Durability Durability
}

const (
	metaMagic        = "ENGINEM1"
	metaVersion      = 1
	metaCRCRegion    = PageHeaderSize + len(metaMagic) + 4 + 4 + 8 + 4 // up to nextPageID
	metaSystemOff    = PageHeaderSize + len(metaMagic)
	metaVersionOff   = metaSystemOff + 4
	metaTxnIDOff     = metaVersionOff + 4
	metaNextPageOff  = metaTxnIDOff + 8
	metaCRCOff       = metaNextPageOff + 4
)

// DB is one column family's embedded engine instance: a pager over its
// backend plus the durable ("primary") and latest-committed
// ("secondary") root state, grounded on novusdb's storage.Pager
// meta-page handling, generalized to the spec's primary/secondary
// durability split (§4.10).
type DB struct {
	pager *pager

	mu            sync.RWMutex
	secondary     CommitDelta // latest committed state, may be ahead of durable primary
	primary       CommitDelta // last state persisted to the meta page
	directCommit  bool        // true when no WAL backs this CF (§4.8, pool size 0)

	writeMu sync.Mutex // serializes write transactions, per CF (§5)
}

// SetDirectCommitMode selects how WriteTxn.Commit persists a
// transaction. direct=true means this CF has no WAL/checkpoint manager
// backing it (its owning Database was opened with PoolSize 0): every
// commit writes and fsyncs the meta page synchronously, in place of the
// normal in-memory-only update that the checkpoint manager would later
// make durable. Called once by package cf right after Open/Create.
func (db *DB) SetDirectCommitMode(direct bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.directCommit = direct
}

func (db *DB) directCommitMode() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.directCommit
}

func metaPage() *page {
	return newPage(0, pageTypeMeta)
}

func encodeMeta(pg *page, systemRoot uint32, txnID uint64, nextPageID uint32) {
	copy(pg.data[PageHeaderSize:], metaMagic)
	binary.LittleEndian.PutUint32(pg.data[metaSystemOff:], systemRoot)
	binary.LittleEndian.PutUint32(pg.data[metaVersionOff:], metaVersion)
	binary.LittleEndian.PutUint64(pg.data[metaTxnIDOff:], txnID)
	binary.LittleEndian.PutUint32(pg.data[metaNextPageOff:], nextPageID)
	crc := crc32.ChecksumIEEE(pg.data[:metaCRCOff])
	binary.LittleEndian.PutUint32(pg.data[metaCRCOff:], crc)
}

func decodeMeta(pg *page) (systemRoot uint32, txnID uint64, nextPageID uint32, err error) {
	if string(pg.data[PageHeaderSize:PageHeaderSize+len(metaMagic)]) != metaMagic {
		return 0, 0, 0, fmt.Errorf("engine: bad meta magic")
	}
	version := binary.LittleEndian.Uint32(pg.data[metaVersionOff:])
	if version != metaVersion {
		return 0, 0, 0, fmt.Errorf("engine: unsupported meta version %d", version)
	}
	wantCRC := binary.LittleEndian.Uint32(pg.data[metaCRCOff:])
	gotCRC := crc32.ChecksumIEEE(pg.data[:metaCRCOff])
	if wantCRC != gotCRC {
		return 0, 0, 0, fmt.Errorf("engine: meta page crc mismatch")
	}
	systemRoot = binary.LittleEndian.Uint32(pg.data[metaSystemOff:])
	txnID = binary.LittleEndian.Uint64(pg.data[metaTxnIDOff:])
	nextPageID = binary.LittleEndian.Uint32(pg.data[metaNextPageOff:])
	return systemRoot, txnID, nextPageID, nil
}

// Create initializes a fresh engine instance over an empty backend: a
// meta page plus an empty table-directory B-tree.
func Create(backend Backend) (*DB, error) {
	p := newPager(backend, 1, nil)
	dir, err := newBTree(p)
	if err != nil {
		return nil, err
	}
	mp := metaPage()
	encodeMeta(mp, dir.root, 0, p.nextPageID)
	if err := p.writePage(mp); err != nil {
		return nil, err
	}
	if err := backend.Sync(); err != nil {
		return nil, err
	}
	root := CommitDelta{SystemRoot: PageRoot{PageID: dir.root, TxnID: 0}}
	return &DB{pager: p, secondary: root, primary: root}, nil
}

// Open loads an existing engine instance from a previously initialized
// backend's meta page.
func Open(backend Backend) (*DB, error) {
	n, err := backend.Len()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return Create(backend)
	}
	p := newPager(backend, 1, nil)
	mp, err := p.readPage(0)
	if err != nil {
		return nil, err
	}
	systemRoot, txnID, nextPageID, err := decodeMeta(mp)
	if err != nil {
		return nil, err
	}
	p.nextPageID = nextPageID
	root := CommitDelta{SystemRoot: PageRoot{PageID: systemRoot, TxnID: txnID}}
	return &DB{pager: p, secondary: root, primary: root}, nil
}

// GetCurrentSecondaryState returns the latest committed (possibly not
// yet durable) root state, one of the three hooks a ColumnFamily's
// commit adapter drives (§4.10).
func (db *DB) GetCurrentSecondaryState() CommitDelta {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.secondary
}

// ApplyWALTransaction replays a previously-journaled delta into the
// secondary (in-memory) state without recomputing it, used during
// crash recovery (§4.9) and by the checkpoint manager's drain loop
// (§4.7). It does not itself persist the meta page.
func (db *DB) ApplyWALTransaction(delta CommitDelta) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.secondary = delta
	if delta.SystemRoot.PageID >= db.pager.nextPageID {
		db.pager.nextPageID = delta.SystemRoot.PageID + 1
	}
	return nil
}

// CheckpointCommit durably persists delta as this CF's new primary
// state: writes and fsyncs the meta page. Called by the checkpoint
// manager for every registered CF on each cycle (§4.7).
func (db *DB) CheckpointCommit(delta CommitDelta) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	mp, err := db.pager.readPage(0)
	if err != nil {
		return err
	}
	encodeMeta(mp, delta.SystemRoot.PageID, delta.SystemRoot.TxnID, db.pager.nextPageID)
	if err := db.pager.writePage(mp); err != nil {
		return err
	}
	if err := db.pager.backend.Sync(); err != nil {
		return err
	}
	db.primary = delta
	db.secondary = delta
	return nil
}

// BeginRead opens a read-only snapshot of the latest committed
// (secondary) state.
func (db *DB) BeginRead() *ReadTxn {
	db.mu.RLock()
	state := db.secondary
	db.mu.RUnlock()
	return &ReadTxn{db: db, state: state, dir: openBTree(db.pager, state.SystemRoot.PageID)}
}

// BeginWrite acquires the per-CF write lock and opens a write
// transaction based on the latest committed state. Only one write
// transaction may be open at a time per DB (§5).
func (db *DB) BeginWrite() *WriteTxn {
	db.writeMu.Lock()
	db.mu.RLock()
	base := db.secondary
	db.mu.RUnlock()
	return &WriteTxn{
		db:          db,
		base:        base,
		dir:         openBTree(db.pager, base.SystemRoot.PageID),
		tableRoots:  make(map[string]uint32),
		durability:  DurabilityNone,
	}
}

// commit makes delta the latest secondary state, visible to subsequent
// BeginRead/BeginWrite callers. It does not persist the meta page: that
// is the checkpoint manager's job (CheckpointCommit), driven by the
// owning ColumnFamily's WAL rather than by this call. delta.Durability
// is carried through unchanged for the caller (package cf) to act on —
// committing it to the WAL and, for DurabilityImmediate, waiting for
// that WAL write to be fsynced before returning to the transaction's
// caller. Used only when directCommitMode is false; see
// WriteTxn.Commit for the direct-durable alternative.
func (db *DB) commit(delta CommitDelta) error {
	db.mu.Lock()
	db.secondary = delta
	db.mu.Unlock()
	return nil
}
