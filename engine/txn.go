package engine

import (
	"encoding/binary"
	"errors"
)

// ErrTableNotFound is returned by ReadTxn.OpenTable when no table with
// that name has ever been created.
var ErrTableNotFound = errors.New("engine: table not found")

// ReadTxn is a consistent snapshot of the CF's state as of BeginRead.
// It never blocks a concurrent writer and is unaffected by it.
type ReadTxn struct {
	db    *DB
	state CommitDelta
	dir   *btree
}

// OpenTable returns a read-only handle to an existing table.
func (t *ReadTxn) OpenTable(name string) (*Table, error) {
	v, ok, err := t.dir.Get([]byte(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTableNotFound
	}
	root := binary.LittleEndian.Uint32(v)
	return &Table{bt: openBTree(t.db.pager, root)}, nil
}

// WriteTxn is the single writer transaction open at a time for a CF
// (§5). Every table mutated through it is copy-on-write: Commit folds
// the accumulated allocated/freed page lists and new table roots into
// one CommitDelta.
type WriteTxn struct {
	db  *DB
	base CommitDelta
	dir *btree

	tableRoots map[string]uint32
	allocated  []uint32
	freed      []uint32
	durability Durability
	done       bool
}

// SetDurability selects how Commit persists this transaction (§4.10).
func (t *WriteTxn) SetDurability(d Durability) {
	t.durability = d
}

// OpenTable returns a write handle to name, creating an empty table if
// it does not already exist in this transaction's view.
func (t *WriteTxn) OpenTable(name string) (*Table, error) {
	if root, ok := t.tableRoots[name]; ok {
		return &Table{bt: openBTree(t.db.pager, root), txn: t, name: name}, nil
	}
	v, ok, err := t.dir.Get([]byte(name))
	if err != nil {
		return nil, err
	}
	if ok {
		root := binary.LittleEndian.Uint32(v)
		t.tableRoots[name] = root
		return &Table{bt: openBTree(t.db.pager, root), txn: t, name: name}, nil
	}
	bt, err := newBTree(t.db.pager)
	if err != nil {
		return nil, err
	}
	t.allocated = append(t.allocated, bt.root)
	t.tableRoots[name] = bt.root
	return &Table{bt: bt, txn: t, name: name}, nil
}

func (t *WriteTxn) noteTableRoot(name string, bt *btree, allocated, freed []uint32) {
	t.tableRoots[name] = bt.root
	t.allocated = append(t.allocated, allocated...)
	t.freed = append(t.freed, freed...)
}

// Commit folds every table mutated in this transaction into the
// directory B-tree, makes the resulting CommitDelta visible to
// subsequent transactions, returns it, and releases the CF's write
// lock. In direct-commit mode it also persists the delta through
// CheckpointCommit, whatever the selected Durability; otherwise it
// persists nothing, and the caller journals the returned delta.
func (t *WriteTxn) Commit() (CommitDelta, error) {
	if t.done {
		return CommitDelta{}, errors.New("engine: transaction already committed")
	}
	t.done = true
	defer t.db.writeMu.Unlock()

	for name, root := range t.tableRoots {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], root)
		a, f, err := t.dir.Put([]byte(name), buf[:])
		if err != nil {
			return CommitDelta{}, err
		}
		t.allocated = append(t.allocated, a...)
		t.freed = append(t.freed, f...)
	}

	delta := CommitDelta{
		SystemRoot: PageRoot{PageID: t.dir.root, TxnID: t.base.SystemRoot.TxnID + 1},
		Allocated:  t.allocated,
		Freed:      t.freed,
		Durability: t.durability,
	}

	// §4.8/§4.10/§4.11: with no WAL backing this CF (pool size 0), there
	// is no checkpoint manager to later make the in-memory state durable
	// — this call must do that itself, synchronously.
	if t.db.directCommitMode() {
		if err := t.db.CheckpointCommit(delta); err != nil {
			return CommitDelta{}, err
		}
		return delta, nil
	}

	if err := t.db.commit(delta); err != nil {
		return CommitDelta{}, err
	}
	return delta, nil
}

// Rollback discards this transaction's in-memory changes without
// committing them. Pages allocated during the transaction are simply
// abandoned (reclaimed only by a future, explicit compaction; there is
// none here, matching the defragmentation Non-goal).
func (t *WriteTxn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.db.writeMu.Unlock()
}
