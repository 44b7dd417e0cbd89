package engine

import "testing"

func TestDBCreateOpenRoundTrip(t *testing.T) {
	backend := newMemBackend()
	db, err := Create(backend)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	txn := db.BeginWrite()
	tbl, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := tbl.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	delta, err := txn.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.CheckpointCommit(delta); err != nil {
		t.Fatalf("checkpoint commit: %v", err)
	}

	db2, err := Open(backend)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rtxn := db2.BeginRead()
	rtbl, err := rtxn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table after reopen: %v", err)
	}
	v, ok, err := rtbl.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("got %q, ok=%v, err=%v", v, ok, err)
	}
}

func TestDBOpenOnEmptyBackendCreates(t *testing.T) {
	db, err := Open(newMemBackend())
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	rtxn := db.BeginRead()
	if _, err := rtxn.OpenTable("missing"); err != ErrTableNotFound {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestDBCommitIsVisibleBeforeCheckpoint(t *testing.T) {
	db, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := db.BeginWrite()
	tbl, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := tbl.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A fresh read transaction sees the committed (secondary) state even
	// though CheckpointCommit was never called.
	rtxn := db.BeginRead()
	rtbl, err := rtxn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	v, ok, err := rtbl.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("got %q, ok=%v, err=%v", v, ok, err)
	}
}

func TestDBApplyWALTransactionReplaysState(t *testing.T) {
	db, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := db.BeginWrite()
	tbl, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := tbl.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	delta, err := txn.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A second, independent DB instance over a fresh empty backend
	// replays the journaled delta exactly as recovery would.
	db2, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create second db: %v", err)
	}
	if err := db2.ApplyWALTransaction(delta); err != nil {
		t.Fatalf("apply wal transaction: %v", err)
	}
	got := db2.GetCurrentSecondaryState()
	if got.SystemRoot.TxnID != delta.SystemRoot.TxnID || got.SystemRoot.PageID != delta.SystemRoot.PageID {
		t.Fatalf("secondary state = %+v, want %+v", got.SystemRoot, delta.SystemRoot)
	}
}

func TestWriteTxnMultipleTablesIndependentState(t *testing.T) {
	db, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := db.BeginWrite()
	items, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open items: %v", err)
	}
	users, err := txn.OpenTable("users")
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	if err := items.Put([]byte("a"), []byte("item-a")); err != nil {
		t.Fatalf("put items: %v", err)
	}
	if err := users.Put([]byte("a"), []byte("user-a")); err != nil {
		t.Fatalf("put users: %v", err)
	}
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn := db.BeginRead()
	ritems, err := rtxn.OpenTable("items")
	if err != nil {
		t.Fatalf("open items: %v", err)
	}
	rusers, err := rtxn.OpenTable("users")
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	if v, ok, err := ritems.Get([]byte("a")); err != nil || !ok || string(v) != "item-a" {
		t.Fatalf("items[a] = %q, ok=%v, err=%v", v, ok, err)
	}
	if v, ok, err := rusers.Get([]byte("a")); err != nil || !ok || string(v) != "user-a" {
		t.Fatalf("users[a] = %q, ok=%v, err=%v", v, ok, err)
	}
}

func TestTablePutOnReadTxnIsRejected(t *testing.T) {
	db, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := db.BeginWrite()
	tbl, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := tbl.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn := db.BeginRead()
	rtbl, err := rtxn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := rtbl.Put([]byte("b"), []byte("2")); err == nil {
		t.Fatal("expected put on a read-txn table to fail")
	}
	if _, err := rtbl.Delete([]byte("a")); err == nil {
		t.Fatal("expected delete on a read-txn table to fail")
	}
}

func TestWriteTxnRollbackDiscardsChanges(t *testing.T) {
	db, err := Create(newMemBackend())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := db.BeginWrite()
	tbl, err := txn.OpenTable("items")
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if err := tbl.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	txn.Rollback()

	// The write lock must be released so a subsequent writer can proceed.
	txn2 := db.BeginWrite()
	if _, err := txn2.OpenTable("items"); err != nil {
		t.Fatalf("open table after rollback: %v", err)
	}
	txn2.Rollback()

	rtxn := db.BeginRead()
	if _, err := rtxn.OpenTable("items"); err != ErrTableNotFound {
		t.Fatalf("expected rolled-back table creation to be invisible, got err=%v", err)
	}
}
