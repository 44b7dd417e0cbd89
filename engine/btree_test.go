package engine

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestBTree(t *testing.T) *btree {
	t.Helper()
	p := newPager(newMemBackend(), 1, nil)
	bt, err := newBTree(p)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	return bt
}

func putOK(t *testing.T, bt *btree, key, value string) {
	t.Helper()
	if _, _, err := bt.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("put %q: %v", key, err)
	}
}

func TestBTreePutGetRoundTrip(t *testing.T) {
	bt := newTestBTree(t)
	putOK(t, bt, "a", "1")
	putOK(t, bt, "b", "2")

	v, ok, err := bt.Get([]byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, ok=%v, want \"1\"", v, ok)
	}

	if _, ok, err := bt.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("expected missing key to be absent, ok=%v err=%v", ok, err)
	}
}

func TestBTreePutOverwritesExistingKey(t *testing.T) {
	bt := newTestBTree(t)
	putOK(t, bt, "a", "1")
	putOK(t, bt, "a", "2")

	v, ok, err := bt.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != "2" {
		t.Fatalf("got %q, want \"2\" after overwrite", v)
	}
}

func TestBTreeRangeReturnsSortedSubset(t *testing.T) {
	bt := newTestBTree(t)
	for _, k := range []string{"d", "b", "a", "c", "e"} {
		putOK(t, bt, k, k+k)
	}

	got, err := bt.Range([]byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %d pairs, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if string(got[i][0]) != w {
			t.Fatalf("pair %d key = %q, want %q", i, got[i][0], w)
		}
	}
}

func TestBTreeRangeUnboundedSides(t *testing.T) {
	bt := newTestBTree(t)
	for _, k := range []string{"a", "b", "c"} {
		putOK(t, bt, k, k)
	}
	got, err := bt.Range(nil, nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(got))
	}
}

func TestBTreeDeleteRemovesKey(t *testing.T) {
	bt := newTestBTree(t)
	putOK(t, bt, "a", "1")
	putOK(t, bt, "b", "2")

	_, _, found, err := bt.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatal("expected delete to report found=true")
	}
	if _, ok, err := bt.Get([]byte("a")); err != nil || ok {
		t.Fatalf("expected key gone after delete, ok=%v err=%v", ok, err)
	}
	if v, ok, err := bt.Get([]byte("b")); err != nil || !ok || string(v) != "2" {
		t.Fatalf("unrelated key disturbed by delete: v=%q ok=%v err=%v", v, ok, err)
	}

	if _, _, found, err := bt.Delete([]byte("a")); err != nil || found {
		t.Fatalf("expected second delete of same key to report found=false, found=%v err=%v", found, err)
	}
}

// TestBTreeSplitsAcrossManyKeys exercises internal node creation and
// leaf splitting by inserting enough keys to overflow a single leaf
// page many times over.
func TestBTreeSplitsAcrossManyKeys(t *testing.T) {
	bt := newTestBTree(t)
	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		putOK(t, bt, key, fmt.Sprintf("value-%05d", i))
	}
	for i := 0; i < n; i += 37 {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		v, ok, err := bt.Get([]byte(key))
		if err != nil || !ok {
			t.Fatalf("get %q: ok=%v err=%v", key, ok, err)
		}
		if string(v) != want {
			t.Fatalf("get %q = %q, want %q", key, v, want)
		}
	}
	all, err := bt.Range(nil, nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(all) != n {
		t.Fatalf("expected %d entries after full range scan, got %d", n, len(all))
	}
	for i := 1; i < len(all); i++ {
		if bytes.Compare(all[i-1][0], all[i][0]) >= 0 {
			t.Fatalf("range scan not strictly sorted at index %d: %q >= %q", i, all[i-1][0], all[i][0])
		}
	}
}

// TestBTreeLargeValueOverflowAndCompression exercises the overflow-page
// chain (values too big to inline) together with snappy compression of
// highly compressible large values.
func TestBTreeLargeValueOverflowAndCompression(t *testing.T) {
	bt := newTestBTree(t)

	compressible := bytes.Repeat([]byte("repeat-me-"), 2000) // highly compressible, > threshold
	incompressible := make([]byte, 5000)
	for i := range incompressible {
		incompressible[i] = byte(i * 37 % 251)
	}

	putOK(t, bt, "compressible", string(compressible))
	putOK(t, bt, "incompressible", string(incompressible))

	v, ok, err := bt.Get([]byte("compressible"))
	if err != nil || !ok {
		t.Fatalf("get compressible: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v, compressible) {
		t.Fatal("compressible large value not round-tripped correctly")
	}

	v2, ok, err := bt.Get([]byte("incompressible"))
	if err != nil || !ok {
		t.Fatalf("get incompressible: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v2, incompressible) {
		t.Fatal("incompressible large value not round-tripped correctly")
	}
}

// TestBTreeDeleteDoesNotRebalance checks that deleting down to a single
// remaining key does not collapse/merge internal structure — this
// engine never rebalances on delete (no defragmentation).
func TestBTreeDeleteDoesNotRebalance(t *testing.T) {
	bt := newTestBTree(t)
	const n = 500
	for i := 0; i < n; i++ {
		putOK(t, bt, fmt.Sprintf("key-%05d", i), "v")
	}
	for i := 1; i < n; i++ {
		if _, _, found, err := bt.Delete([]byte(fmt.Sprintf("key-%05d", i))); err != nil || !found {
			t.Fatalf("delete key-%05d: found=%v err=%v", i, found, err)
		}
	}
	v, ok, err := bt.Get([]byte("key-00000"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("surviving key lost: v=%q ok=%v err=%v", v, ok, err)
	}
	all, err := bt.Range(nil, nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 remaining entry, got %d", len(all))
	}
}
