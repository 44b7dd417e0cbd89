package engine

// Table is a named key/value collection backed by its own B-tree. A
// Table obtained from a ReadTxn is read-only; one obtained from a
// WriteTxn reports its mutations back to that transaction so Commit can
// fold the new root into the table directory.
type Table struct {
	bt   *btree
	txn  *WriteTxn // nil for read-only tables
	name string
}

// Get returns the value stored for key, or ok=false if absent.
func (tb *Table) Get(key []byte) (value []byte, ok bool, err error) {
	return tb.bt.Get(key)
}

// Range returns all key/value pairs with lo <= key <= hi, in key order.
// A nil bound is unbounded on that side.
func (tb *Table) Range(lo, hi []byte) ([][2][]byte, error) {
	return tb.bt.Range(lo, hi)
}

// Put inserts or overwrites key's value. Valid only on a Table obtained
// from a WriteTxn.
func (tb *Table) Put(key, value []byte) error {
	if tb.txn == nil {
		return errNotWritable
	}
	allocated, freed, err := tb.bt.Put(key, value)
	if err != nil {
		return err
	}
	tb.txn.noteTableRoot(tb.name, tb.bt, allocated, freed)
	return nil
}

// Delete removes key if present. Valid only on a Table obtained from a
// WriteTxn.
func (tb *Table) Delete(key []byte) (found bool, err error) {
	if tb.txn == nil {
		return false, errNotWritable
	}
	allocated, freed, found, err := tb.bt.Delete(key)
	if err != nil {
		return false, err
	}
	if found {
		tb.txn.noteTableRoot(tb.name, tb.bt, allocated, freed)
	}
	return found, nil
}

var errNotWritable = tableError("engine: table opened from a read transaction is not writable")

type tableError string

func (e tableError) Error() string { return string(e) }
