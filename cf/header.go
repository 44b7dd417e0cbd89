package cf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// PageSize is the fixed page size of the shared file. All segments and
// free segments are page-aligned; the master header occupies page 0.
const PageSize = 4096

// masterMagic and masterVersion identify the on-disk master header
// format (§3, §4.3, §6). Byte-for-byte compatible with
// original_source/src/column_family/header.rs.
var masterMagic = [9]byte{'m', 'n', 'f', 'd', '-', 'c', 'f', 0x1A, 0x0A}

const masterVersion uint32 = 2

// DefaultCFSize is the default segment size allocated for a new column
// family when the caller does not specify one (§4.8).
const DefaultCFSize uint64 = 1 << 30 // 1 GiB

// Segment is a page-aligned byte range (offset, size).
type Segment struct {
	Offset uint64
	Size   uint64
}

func (s Segment) end() uint64 { return s.Offset + s.Size }

func (s Segment) validate() error {
	if s.Offset%PageSize != 0 {
		return &InvalidArgumentError{Reason: fmt.Sprintf("segment offset %d is not page-aligned", s.Offset)}
	}
	if s.Size == 0 {
		return &InvalidArgumentError{Reason: "segment has zero size"}
	}
	if s.end() < s.Offset {
		return &InvalidArgumentError{Reason: "segment offset+size overflows"}
	}
	return nil
}

// CFMeta describes one column family's name and its ordered segments.
type CFMeta struct {
	Name     string
	Segments []Segment
}

// MasterHeader is the full decoded contents of page 0 (C3).
type MasterHeader struct {
	Version uint32
	CFs     []CFMeta
	Free    []Segment
}

// NewMasterHeader returns an empty header (no CFs, no free segments), as
// written by the CF database manager's create path.
func NewMasterHeader() *MasterHeader {
	return &MasterHeader{Version: masterVersion}
}

// EndOfFile returns max(PageSize, max segment end) across both CF
// segments and free segments.
func (h *MasterHeader) EndOfFile() uint64 {
	end := uint64(PageSize)
	for _, cf := range h.CFs {
		for _, s := range cf.Segments {
			if e := s.end(); e > end {
				end = e
			}
		}
	}
	for _, s := range h.Free {
		if e := s.end(); e > end {
			end = e
		}
	}
	return end
}

// Encode serializes the header into exactly PageSize bytes, CRC32 over
// the first PageSize-4 bytes stored in the final 4 bytes. Fails with
// HeaderTooLargeError if the encoded content (before padding) would not
// fit in PageSize-4 bytes.
func (h *MasterHeader) Encode() ([]byte, error) {
	var body bytes.Buffer
	body.Write(masterMagic[:])
	writeU32(&body, h.Version)
	writeU32(&body, uint32(len(h.CFs)))
	for _, c := range h.CFs {
		writeU32(&body, uint32(len(c.Name)))
		body.WriteString(c.Name)
		writeU32(&body, uint32(len(c.Segments)))
		for _, s := range c.Segments {
			writeU64(&body, s.Offset)
			writeU64(&body, s.Size)
		}
	}
	writeU32(&body, uint32(len(h.Free)))
	for _, s := range h.Free {
		writeU64(&body, s.Offset)
		writeU64(&body, s.Size)
	}

	if body.Len() > PageSize-4 {
		return nil, &HeaderTooLargeError{Size: body.Len()}
	}

	page := make([]byte, PageSize)
	copy(page, body.Bytes())
	crc := crc32.ChecksumIEEE(page[:PageSize-4])
	binary.LittleEndian.PutUint32(page[PageSize-4:], crc)
	return page, nil
}

// DecodeMasterHeader parses and validates a PageSize-byte page as a
// master header: magic, CRC, version, then all §3 invariants.
func DecodeMasterHeader(page []byte) (*MasterHeader, error) {
	if len(page) != PageSize {
		return nil, &CorruptError{Component: "master_header", Reason: "wrong page size"}
	}
	wantCRC := crc32.ChecksumIEEE(page[:PageSize-4])
	gotCRC := binary.LittleEndian.Uint32(page[PageSize-4:])
	if wantCRC != gotCRC {
		return nil, &CorruptError{Component: "master_header", Reason: "crc mismatch"}
	}
	if !bytes.Equal(page[:9], masterMagic[:]) {
		return nil, &CorruptError{Component: "master_header", Reason: "bad magic"}
	}
	r := bytes.NewReader(page[9:])
	version, err := readU32(r)
	if err != nil {
		return nil, &CorruptError{Component: "master_header", Reason: "truncated version"}
	}
	if version != masterVersion {
		return nil, &CorruptError{Component: "master_header", Reason: "unsupported version"}
	}
	cfCount, err := readU32(r)
	if err != nil {
		return nil, &CorruptError{Component: "master_header", Reason: "truncated cf count"}
	}
	h := &MasterHeader{Version: version}
	for i := uint32(0); i < cfCount; i++ {
		nameLen, err := readU32(r)
		if err != nil {
			return nil, &CorruptError{Component: "master_header", Reason: "truncated cf name len"}
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, &CorruptError{Component: "master_header", Reason: "truncated cf name"}
		}
		segCount, err := readU32(r)
		if err != nil {
			return nil, &CorruptError{Component: "master_header", Reason: "truncated segment count"}
		}
		segs := make([]Segment, segCount)
		for j := uint32(0); j < segCount; j++ {
			off, err := readU64(r)
			if err != nil {
				return nil, &CorruptError{Component: "master_header", Reason: "truncated segment offset"}
			}
			size, err := readU64(r)
			if err != nil {
				return nil, &CorruptError{Component: "master_header", Reason: "truncated segment size"}
			}
			segs[j] = Segment{Offset: off, Size: size}
		}
		h.CFs = append(h.CFs, CFMeta{Name: string(nameBuf), Segments: segs})
	}
	freeCount, err := readU32(r)
	if err != nil {
		return nil, &CorruptError{Component: "master_header", Reason: "truncated free count"}
	}
	for i := uint32(0); i < freeCount; i++ {
		off, err := readU64(r)
		if err != nil {
			return nil, &CorruptError{Component: "master_header", Reason: "truncated free offset"}
		}
		size, err := readU64(r)
		if err != nil {
			return nil, &CorruptError{Component: "master_header", Reason: "truncated free size"}
		}
		h.Free = append(h.Free, Segment{Offset: off, Size: size})
	}
	if err := h.Validate(); err != nil {
		return nil, &CorruptError{Component: "master_header", Reason: err.Error()}
	}
	return h, nil
}

// Validate re-checks all §3 invariants: alignment, non-zero size, no
// overflow, uniqueness and non-emptiness of CF names, and no overlaps
// among segments ∪ free segments (sort by offset, linear sweep).
func (h *MasterHeader) Validate() error {
	seen := make(map[string]bool, len(h.CFs))
	type ranged struct {
		seg   Segment
		label string
	}
	var all []ranged
	for _, c := range h.CFs {
		if c.Name == "" {
			return &InvalidArgumentError{Reason: "column family name is empty"}
		}
		if seen[c.Name] {
			return &InvalidArgumentError{Reason: "duplicate column family name: " + c.Name}
		}
		seen[c.Name] = true
		if len(c.Segments) == 0 {
			return &InvalidArgumentError{Reason: "column family has no segments: " + c.Name}
		}
		for _, s := range c.Segments {
			if err := s.validate(); err != nil {
				return err
			}
			all = append(all, ranged{seg: s, label: "cf:" + c.Name})
		}
	}
	for _, s := range h.Free {
		if err := s.validate(); err != nil {
			return err
		}
		all = append(all, ranged{seg: s, label: "free"})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seg.Offset < all[j].seg.Offset })
	for i := 1; i < len(all); i++ {
		if all[i].seg.Offset < all[i-1].seg.end() {
			return &InvalidArgumentError{Reason: fmt.Sprintf(
				"segments overlap: %s[%d,%d) and %s[%d,%d)",
				all[i-1].label, all[i-1].seg.Offset, all[i-1].seg.end(),
				all[i].label, all[i].seg.Offset, all[i].seg.end())}
		}
	}
	return nil
}

// allocateSegment finds page-rounded space for a new segment of size s
// using first-fit over the free list, splitting off any remainder. If no
// free segment is large enough, it reports that the caller must append
// at EndOfFile.
func (h *MasterHeader) allocateSegment(size uint64) (Segment, bool) {
	size = roundUpPage(size)
	sort.Slice(h.Free, func(i, j int) bool { return h.Free[i].Offset < h.Free[j].Offset })
	for i, f := range h.Free {
		if f.Size >= size {
			seg := Segment{Offset: f.Offset, Size: size}
			if f.Size == size {
				h.Free = append(h.Free[:i], h.Free[i+1:]...)
			} else {
				h.Free[i] = Segment{Offset: f.Offset + size, Size: f.Size - size}
			}
			return seg, true
		}
	}
	return Segment{}, false
}

// appendSegmentAtEOF allocates a new segment at the current end of file.
func (h *MasterHeader) appendSegmentAtEOF(size uint64) Segment {
	size = roundUpPage(size)
	return Segment{Offset: h.EndOfFile(), Size: size}
}

// freeSegments inserts segs into the free list and coalesces adjacent
// entries (segments whose [offset,end) ranges touch or overlap).
func (h *MasterHeader) freeSegments(segs []Segment) {
	h.Free = append(h.Free, segs...)
	if len(h.Free) == 0 {
		return
	}
	sort.Slice(h.Free, func(i, j int) bool { return h.Free[i].Offset < h.Free[j].Offset })
	merged := h.Free[:1]
	for _, s := range h.Free[1:] {
		last := &merged[len(merged)-1]
		if s.Offset <= last.end() {
			if s.end() > last.end() {
				last.Size = s.end() - last.Offset
			}
			continue
		}
		merged = append(merged, s)
	}
	h.Free = merged
}

func roundUpPage(n uint64) uint64 {
	if n == 0 {
		return PageSize
	}
	return (n + PageSize - 1) / PageSize * PageSize
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
