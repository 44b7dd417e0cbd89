package cf

import (
	"fmt"

	"github.com/cflayer/manifold/engine"
)

// walWriter is the subset of Journal/AsyncJournal that a ColumnFamily
// needs: append a framed entry and, for DurabilityImmediate commits,
// block until it is fsynced.
type walWriter interface {
	Append(entry *WALEntry) (uint64, error)
	EnsureDurable(seq uint64) error
	ReadFrom(startSeq uint64) ([]WALEntry, error)
	Truncate(newOldestSeq uint64) error
	FileSize() (uint64, error)
}

// ColumnFamily is the commit adapter (C10): the glue between one CF's
// embedded engine and the shared WAL/checkpoint machinery. It is the
// public handle returned by Database.ColumnFamily.
type ColumnFamily struct {
	name string
	db   *engine.DB
	wal  walWriter
	cp   *CheckpointManager
}

func newColumnFamily(name string, db *engine.DB, wal walWriter, cp *CheckpointManager) *ColumnFamily {
	return &ColumnFamily{name: name, db: db, wal: wal, cp: cp}
}

// Name returns the column family's name.
func (c *ColumnFamily) Name() string { return c.name }

// BeginRead opens a read-only snapshot of this CF's latest committed
// state.
func (c *ColumnFamily) BeginRead() *engine.ReadTxn { return c.db.BeginRead() }

// BeginWrite opens the CF's single write transaction slot (§5).
func (c *ColumnFamily) BeginWrite() *engine.WriteTxn { return c.db.BeginWrite() }

// Commit finalizes txn: folds its changes into the engine's in-memory
// state, journals the resulting delta, registers it with the
// checkpoint manager for eventual durable application, and — for
// engine.DurabilityImmediate — blocks until the WAL write backing it
// has been fsynced.
//
// When this CF's Database was opened with PoolSize 0, there is no WAL
// or checkpoint manager at all (§4.8): txn.Commit() has already
// performed its own direct durable write (engine.WriteTxn.Commit's
// directCommitMode path), so there is nothing left to do here.
func (c *ColumnFamily) Commit(txn *engine.WriteTxn) error {
	delta, err := txn.Commit()
	if err != nil {
		return err
	}
	if c.wal == nil {
		return nil
	}
	entry := &WALEntry{
		CFName:        c.name,
		TransactionID: delta.SystemRoot.TxnID,
		Payload:       toWALPayload(delta),
	}
	seq, err := c.wal.Append(entry)
	if err != nil {
		return err
	}
	if c.cp != nil {
		c.cp.registerPending(c.name, seq)
	}
	if delta.Durability == engine.DurabilityImmediate {
		return c.wal.EnsureDurable(seq)
	}
	return nil
}

// GetCurrentSecondaryState returns this CF's latest committed (not
// necessarily durable) root state, one of the three C10 hooks.
func (c *ColumnFamily) GetCurrentSecondaryState() engine.CommitDelta {
	return c.db.GetCurrentSecondaryState()
}

// ApplyWALTransaction replays a journaled entry into this CF's
// in-memory state (crash recovery / checkpoint drain), the second C10
// hook.
func (c *ColumnFamily) ApplyWALTransaction(entry WALEntry) error {
	if entry.CFName != c.name {
		return fmt.Errorf("cf: wal entry for %q applied to %q", entry.CFName, c.name)
	}
	delta := fromWALPayload(entry.Payload)
	delta.SystemRoot.TxnID = entry.TransactionID
	return c.db.ApplyWALTransaction(delta)
}

// CheckpointCommit durably persists this CF's current secondary state,
// the third C10 hook, called by the checkpoint manager for every
// registered CF on every cycle regardless of whether it was touched.
func (c *ColumnFamily) CheckpointCommit() error {
	return c.db.CheckpointCommit(c.db.GetCurrentSecondaryState())
}

// toWALPayload / fromWALPayload translate between engine's native
// CommitDelta and the WAL wire payload. PageRoot's Checksum/Length
// fields are populated with placeholder values here (page-content
// checksums the engine does not separately track); they serve as a
// forward-compatible wire slot, not a correctness requirement for this
// engine, whose own per-page CRCs are not part of the WAL payload.
func toWALPayload(d engine.CommitDelta) WALPayload {
	freed := make([]uint64, len(d.Freed))
	for i, p := range d.Freed {
		freed[i] = uint64(p)
	}
	allocated := make([]uint64, len(d.Allocated))
	for i, p := range d.Allocated {
		allocated[i] = uint64(p)
	}
	return WALPayload{
		SystemRoot: &PageRoot{
			PageNumber: uint64(d.SystemRoot.PageID),
			Length:     1,
		},
		FreedPages:     freed,
		AllocatedPages: allocated,
		Durability:     Durability(d.Durability),
	}
}

func fromWALPayload(p WALPayload) engine.CommitDelta {
	var d engine.CommitDelta
	if p.SystemRoot != nil {
		d.SystemRoot = engine.PageRoot{PageID: uint32(p.SystemRoot.PageNumber)}
	}
	d.Freed = make([]uint32, len(p.FreedPages))
	for i, p := range p.FreedPages {
		d.Freed[i] = uint32(p)
	}
	d.Allocated = make([]uint32, len(p.AllocatedPages))
	for i, p := range p.AllocatedPages {
		d.Allocated[i] = uint32(p)
	}
	d.Durability = engine.Durability(p.Durability)
	return d
}
