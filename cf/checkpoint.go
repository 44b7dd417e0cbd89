package cf

import (
	"log"
	"sync"
	"time"
)

// CheckpointConfig controls the background checkpoint loop (C7).
type CheckpointConfig struct {
	// Interval between checkpoint cycles. Zero uses DefaultCheckpointInterval.
	Interval time.Duration
}

// DefaultCheckpointInterval matches §4.7's ~100ms cadence.
const DefaultCheckpointInterval = 100 * time.Millisecond

// checkpointableCF is the subset of ColumnFamily the checkpoint manager
// drives: the second and third of the C10 commit-adapter hooks.
type checkpointableCF interface {
	Name() string
	ApplyWALTransaction(entry WALEntry) error
	CheckpointCommit() error
}

// CheckpointManager periodically drains the shared WAL into every
// registered CF's in-memory state, durably commits every registered CF
// (touched or not, per §4.7), then truncates the WAL up to the highest
// sequence just applied. On any failure it logs and retries on the
// next cycle without clearing progress — chosen over a fail-fast policy
// since the WAL is the durability source of truth and a slow-but-alive
// checkpoint loop never loses data (see DESIGN.md).
type CheckpointManager struct {
	wal walWriter
	cfg CheckpointConfig

	mu      sync.Mutex
	cfs     map[string]checkpointableCF
	pending bool // at least one Append since the last successful cycle
	lastErr error

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCheckpointManager constructs a manager over wal; call Start to
// begin its background loop.
func NewCheckpointManager(wal walWriter, cfg CheckpointConfig) *CheckpointManager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckpointInterval
	}
	return &CheckpointManager{
		wal:    wal,
		cfg:    cfg,
		cfs:    make(map[string]checkpointableCF),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds cf to the set checkpointed on every cycle.
func (m *CheckpointManager) Register(cf checkpointableCF) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfs[cf.Name()] = cf
}

// Unregister removes a CF (e.g. after DeleteColumnFamily).
func (m *CheckpointManager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cfs, name)
}

// registerPending marks that a write landed in the WAL since the last
// cycle; seq itself isn't tracked since a cycle always re-drains from
// the journal's oldest retained sequence (idempotent replay).
func (m *CheckpointManager) registerPending(_ string, _ uint64) {
	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()
}

// Start launches the background checkpoint loop.
func (m *CheckpointManager) Start() {
	go m.loop()
}

func (m *CheckpointManager) loop() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			m.runCycle() // final drain before shutdown
			return
		case <-ticker.C:
			m.runCycle()
		}
	}
}

// runCycle performs one checkpoint pass. It never panics or aborts the
// loop on error; failures are recorded for LastCheckpointError and
// retried next cycle.
func (m *CheckpointManager) runCycle() {
	m.mu.Lock()
	if !m.pending {
		m.mu.Unlock()
		return
	}
	cfs := make([]checkpointableCF, 0, len(m.cfs))
	for _, cf := range m.cfs {
		cfs = append(cfs, cf)
	}
	m.mu.Unlock()

	if err := m.checkpointOnce(cfs); err != nil {
		log.Printf("cf: checkpoint cycle failed, will retry: %v", err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.pending = false
	m.lastErr = nil
	m.mu.Unlock()
}

func (m *CheckpointManager) checkpointOnce(cfs []checkpointableCF) error {
	entries, err := m.wal.ReadFrom(0)
	if err != nil {
		return err
	}

	var maxSeq uint64
	byName := make(map[string]checkpointableCF, len(cfs))
	for _, cf := range cfs {
		byName[cf.Name()] = cf
	}
	for _, e := range entries {
		cf, ok := byName[e.CFName]
		if !ok {
			return &WalReferencesMissingCFError{Name: e.CFName}
		}
		if err := cf.ApplyWALTransaction(e); err != nil {
			return err
		}
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
	}

	for _, cf := range cfs {
		if err := cf.CheckpointCommit(); err != nil {
			return err
		}
	}

	if maxSeq > 0 {
		if err := m.wal.Truncate(maxSeq + 1); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointNow runs one checkpoint pass synchronously, outside the
// regular schedule (used by Database.Checkpoint and during graceful
// shutdown).
func (m *CheckpointManager) CheckpointNow() error {
	m.mu.Lock()
	cfs := make([]checkpointableCF, 0, len(m.cfs))
	for _, cf := range m.cfs {
		cfs = append(cfs, cf)
	}
	m.mu.Unlock()
	if err := m.checkpointOnce(cfs); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.pending = false
	m.lastErr = nil
	m.mu.Unlock()
	return nil
}

// LastCheckpointError returns the error from the most recent failed
// cycle, or nil if the last cycle (or no cycle yet) succeeded.
func (m *CheckpointManager) LastCheckpointError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Shutdown stops the background loop after one final checkpoint pass.
func (m *CheckpointManager) Shutdown() {
	close(m.stopCh)
	<-m.doneCh
}
