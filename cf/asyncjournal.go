package cf

import (
	"sort"
	"sync"
	"time"
)

// syncPollInterval and maxSyncDelay are the group-commit batching knobs
// from §4.6, named after original_source/src/column_family/wal/
// async_journal.rs's SYNC_POLL_INTERVAL_MICROS / MAX_SYNC_DELAY_MILLIS.
const (
	syncPollInterval = 100 * time.Microsecond
	maxSyncDelay     = 1 * time.Millisecond
)

// AsyncJournal decouples WAL append from fsync (C6): Append is fast and
// never blocks on disk; a background goroutine batches pending sequences
// into a single Sync roughly every maxSyncDelay, amortizing fsync cost
// across concurrent committers (group commit).
//
// wait_for_sync is implemented with sync.Cond rather than the original
// source's busy-poll loop — grounded on novusdb's
// concurrency.LockManager wait/notify pattern; see DESIGN.md.
type AsyncJournal struct {
	journal *Journal

	mu           sync.Mutex
	cond         *sync.Cond
	pending      map[uint64]struct{}
	lastSynced   uint64
	lastSyncTime time.Time // set only by performSync's success branch (§4.6: gate on time since the last sync, not the last append)
	shutdown     bool

	doneCh chan struct{}
}

// NewAsyncJournal wraps journal with a group-commit background sync loop
// and starts that loop immediately.
func NewAsyncJournal(journal *Journal) *AsyncJournal {
	a := &AsyncJournal{
		journal:      journal,
		pending:      make(map[uint64]struct{}),
		doneCh:       make(chan struct{}),
		lastSyncTime: time.Now(),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.syncLoop()
	return a
}

// Append writes the entry's frame (via the wrapped synchronous Journal)
// and registers its sequence as pending sync; it never fsyncs.
func (a *AsyncJournal) Append(entry *WALEntry) (uint64, error) {
	seq, err := a.journal.Append(entry)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.pending[seq] = struct{}{}
	a.mu.Unlock()
	return seq, nil
}

// WaitForSync blocks until last_synced >= seq, or until shutdown.
func (a *AsyncJournal) WaitForSync(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.lastSynced < seq && !a.shutdown {
		a.cond.Wait()
	}
}

// EnsureDurable blocks until seq has been fsynced by the background
// group-commit loop, or until Shutdown has been requested, whichever
// comes first; it always returns nil.
func (a *AsyncJournal) EnsureDurable(seq uint64) error {
	a.WaitForSync(seq)
	return nil
}

// LastSyncedSequence returns the highest sequence known durable so far.
func (a *AsyncJournal) LastSyncedSequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSynced
}

func (a *AsyncJournal) syncLoop() {
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		a.mu.Lock()
		shutdown := a.shutdown
		hasPending := len(a.pending) > 0
		elapsed := time.Since(a.lastSyncTime)
		a.mu.Unlock()

		if shutdown {
			a.performSync()
			close(a.doneCh)
			return
		}
		if hasPending && elapsed >= maxSyncDelay {
			a.performSync()
		}
	}
}

func (a *AsyncJournal) performSync() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	seqs := make([]uint64, 0, len(a.pending))
	for s := range a.pending {
		seqs = append(seqs, s)
	}
	a.mu.Unlock()

	if err := a.journal.Sync(); err != nil {
		return // next tick retries; pending stays intact
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	max := seqs[len(seqs)-1]

	a.mu.Lock()
	for _, s := range seqs {
		delete(a.pending, s)
	}
	if max > a.lastSynced {
		a.lastSynced = max
	}
	a.lastSyncTime = time.Now()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Shutdown requests one final sync from the background goroutine and
// blocks until it has completed and exited.
func (a *AsyncJournal) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	a.cond.Broadcast()
	a.mu.Unlock()
	<-a.doneCh
}

// ReadFrom and Truncate reuse the wrapped synchronous journal's
// implementation (§4.6: "identical to C5").
func (a *AsyncJournal) ReadFrom(startSeq uint64) ([]WALEntry, error) { return a.journal.ReadFrom(startSeq) }
func (a *AsyncJournal) Truncate(newOldestSeq uint64) error          { return a.journal.Truncate(newOldestSeq) }
func (a *AsyncJournal) FileSize() (uint64, error)                   { return a.journal.FileSize() }
