package cf

import "testing"

func TestMasterHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := NewMasterHeader()
	h.CFs = append(h.CFs, CFMeta{Name: "alpha", Segments: []Segment{{Offset: PageSize, Size: PageSize * 4}}})
	h.Free = append(h.Free, Segment{Offset: PageSize * 5, Size: PageSize})

	page, err := h.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(page) != PageSize {
		t.Fatalf("encoded page size = %d, want %d", len(page), PageSize)
	}

	got, err := DecodeMasterHeader(page)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.CFs) != 1 || got.CFs[0].Name != "alpha" {
		t.Fatalf("unexpected CFs: %+v", got.CFs)
	}
	if got.CFs[0].Segments[0] != (Segment{Offset: PageSize, Size: PageSize * 4}) {
		t.Fatalf("unexpected segment: %+v", got.CFs[0].Segments[0])
	}
	if len(got.Free) != 1 || got.Free[0].Size != PageSize {
		t.Fatalf("unexpected free list: %+v", got.Free)
	}
}

func TestMasterHeaderDetectsCorruption(t *testing.T) {
	h := NewMasterHeader()
	h.CFs = append(h.CFs, CFMeta{Name: "a", Segments: []Segment{{Offset: PageSize, Size: PageSize}}})
	page, err := h.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	page[20] ^= 0xFF // corrupt a byte inside the CRC-covered region

	if _, err := DecodeMasterHeader(page); err == nil {
		t.Fatal("expected crc mismatch error, got nil")
	} else if _, ok := err.(*CorruptError); !ok {
		t.Fatalf("expected *CorruptError, got %T: %v", err, err)
	}
}

func TestMasterHeaderRejectsOverlappingSegments(t *testing.T) {
	h := NewMasterHeader()
	h.CFs = []CFMeta{
		{Name: "a", Segments: []Segment{{Offset: PageSize, Size: PageSize * 2}}},
		{Name: "b", Segments: []Segment{{Offset: PageSize * 2, Size: PageSize}}}, // overlaps a
	}
	if err := h.Validate(); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestMasterHeaderTooLarge(t *testing.T) {
	h := NewMasterHeader()
	for i := 0; i < 400; i++ {
		h.CFs = append(h.CFs, CFMeta{Name: "cf-name-padding", Segments: []Segment{{Offset: PageSize, Size: PageSize}}})
	}
	_, err := h.Encode()
	if err == nil {
		t.Fatal("expected HeaderTooLargeError, got nil")
	}
	if _, ok := err.(*HeaderTooLargeError); !ok {
		t.Fatalf("expected *HeaderTooLargeError, got %T", err)
	}
}

func TestAllocateSegmentFirstFitAndCoalesce(t *testing.T) {
	h := NewMasterHeader()
	h.Free = []Segment{
		{Offset: PageSize, Size: PageSize},
		{Offset: PageSize * 2, Size: PageSize * 3},
	}
	seg, ok := h.allocateSegment(PageSize * 2)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if seg.Offset != PageSize*2 || seg.Size != PageSize*2 {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	// Remaining free space (PageSize at offset 4, plus the untouched one
	// at offset 1) is given back and should coalesce into one run once
	// it becomes adjacent.
	h.freeSegments([]Segment{seg})
	if len(h.Free) != 1 || h.Free[0].Offset != PageSize || h.Free[0].Size != PageSize*4 {
		t.Fatalf("expected coalesced free segment, got %+v", h.Free)
	}
}
