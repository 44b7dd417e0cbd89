package cf

import "testing"

func TestPartitionedBackendBounds(t *testing.T) {
	inner := NewMemBackend()
	p, err := NewPartitionedBackend(inner, PageSize, PageSize*2)
	if err != nil {
		t.Fatalf("new partitioned backend: %v", err)
	}

	if err := p.WriteAt(0, []byte("hello")); err != nil {
		t.Fatalf("write at 0: %v", err)
	}
	buf := make([]byte, 5)
	if err := p.ReadAt(0, buf); err != nil {
		t.Fatalf("read at 0: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}

	// Out-of-partition access must fail even though the inner backend
	// has plenty of room.
	if err := p.WriteAt(PageSize*2-2, []byte("xxxx")); err == nil {
		t.Fatal("expected out-of-bounds write to fail")
	}

	if err := p.SetLen(PageSize*2 + 1); err == nil {
		t.Fatal("expected set_len beyond partition size to fail")
	}
}

func TestPartitionedBackendLenClampedBeforeFirstGrow(t *testing.T) {
	inner := NewMemBackend()
	p, err := NewPartitionedBackend(inner, PageSize, PageSize)
	if err != nil {
		t.Fatalf("new partitioned backend: %v", err)
	}
	n, err := p.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 before any growth, got %d", n)
	}
	if err := p.SetLen(100); err != nil {
		t.Fatalf("set len: %v", err)
	}
	n, err = p.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 100 {
		t.Fatalf("expected 100, got %d", n)
	}
}

func TestPartitionedBackendNeverShrinksInner(t *testing.T) {
	inner := NewMemBackend()
	if err := inner.SetLen(PageSize * 10); err != nil {
		t.Fatalf("set inner len: %v", err)
	}
	p, err := NewPartitionedBackend(inner, PageSize, PageSize)
	if err != nil {
		t.Fatalf("new partitioned backend: %v", err)
	}
	if err := p.SetLen(10); err != nil {
		t.Fatalf("set len: %v", err)
	}
	innerLen, err := inner.Len()
	if err != nil {
		t.Fatalf("inner len: %v", err)
	}
	if innerLen != PageSize*10 {
		t.Fatalf("inner backend shrank: got %d, want %d", innerLen, PageSize*10)
	}
}
