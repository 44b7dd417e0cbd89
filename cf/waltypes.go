package cf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
)

// Durability is the per-transaction choice of whether a commit call
// waits for the WAL fsync before returning.
type Durability uint8

const (
	DurabilityNone Durability = iota
	DurabilityImmediate
)

// PageRoot identifies a B-tree root as (page_number, 16-byte checksum,
// length), per SPEC_FULL.md §3's WAL entry payload definition. The
// checksum and length are carried on the wire as given; nothing in this
// package computes them, and the commit adapter (commitadapter.go)
// writes an all-zero checksum and a length of 1.
type PageRoot struct {
	PageNumber uint64
	Checksum   [16]byte
	Length     uint64
}

// WALPayload is the body of one WAL entry: optional new roots, the
// allocator's page deltas for the transaction, and the durability the
// caller requested.
type WALPayload struct {
	UserRoot       *PageRoot
	SystemRoot     *PageRoot
	FreedPages     []uint64
	AllocatedPages []uint64
	Durability     Durability
}

// WALEntry is one WAL record: sequence, owning CF, transaction id, and
// payload (§3).
type WALEntry struct {
	Sequence      uint64
	CFName        string
	TransactionID uint64
	Payload       WALPayload
}

const (
	flagHasUserRoot   = 1 << 0
	flagHasSystemRoot = 1 << 1
	flagDeltasCompressed = 1 << 2
)

// deltaCompressionThreshold is the raw size above which the freed/
// allocated page-delta lists are snappy-compressed in the entry payload
// (grounded on novusdb's SlotFlagCompressed convention in
// storage/page.go, extended here to WAL payload deltas).
const deltaCompressionThreshold = 256

func encodePageRoot(buf *bytes.Buffer, r *PageRoot) {
	writeU64(buf, r.PageNumber)
	buf.Write(r.Checksum[:])
	writeU64(buf, r.Length)
}

func decodePageRoot(r *bytes.Reader) (*PageRoot, error) {
	pn, err := readU64(r)
	if err != nil {
		return nil, err
	}
	var checksum [16]byte
	if _, err := io.ReadFull(r, checksum[:]); err != nil {
		return nil, err
	}
	length, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &PageRoot{PageNumber: pn, Checksum: checksum, Length: length}, nil
}

// encodeEntry serializes e (without the outer wire-framing length/crc —
// Journal.Append adds those).
func encodeEntry(e *WALEntry) ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, e.Sequence)
	writeU32(&buf, uint32(len(e.CFName)))
	buf.WriteString(e.CFName)
	writeU64(&buf, e.TransactionID)

	var flags byte
	if e.Payload.UserRoot != nil {
		flags |= flagHasUserRoot
	}
	if e.Payload.SystemRoot != nil {
		flags |= flagHasSystemRoot
	}

	deltas := encodeDeltas(e.Payload.FreedPages, e.Payload.AllocatedPages)
	compressed := deltas
	if len(deltas) > deltaCompressionThreshold {
		c := snappy.Encode(nil, deltas)
		if len(c) < len(deltas) {
			compressed = c
			flags |= flagDeltasCompressed
		}
	}

	buf.WriteByte(flags)
	if e.Payload.UserRoot != nil {
		encodePageRoot(&buf, e.Payload.UserRoot)
	}
	if e.Payload.SystemRoot != nil {
		encodePageRoot(&buf, e.Payload.SystemRoot)
	}
	buf.WriteByte(byte(e.Payload.Durability))
	if flags&flagDeltasCompressed != 0 {
		writeU32(&buf, uint32(len(deltas))) // original length, for decompression sizing
	}
	writeU32(&buf, uint32(len(compressed)))
	buf.Write(compressed)

	return buf.Bytes(), nil
}

func encodeDeltas(freed, allocated []uint64) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(freed)))
	for _, p := range freed {
		writeU64(&buf, p)
	}
	writeU32(&buf, uint32(len(allocated)))
	for _, p := range allocated {
		writeU64(&buf, p)
	}
	return buf.Bytes()
}

func decodeDeltas(raw []byte) (freed, allocated []uint64, err error) {
	r := bytes.NewReader(raw)
	freedCount, err := readU32(r)
	if err != nil {
		return nil, nil, err
	}
	freed = make([]uint64, freedCount)
	for i := range freed {
		freed[i], err = readU64(r)
		if err != nil {
			return nil, nil, err
		}
	}
	allocCount, err := readU32(r)
	if err != nil {
		return nil, nil, err
	}
	allocated = make([]uint64, allocCount)
	for i := range allocated {
		allocated[i], err = readU64(r)
		if err != nil {
			return nil, nil, err
		}
	}
	return freed, allocated, nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(data []byte) (*WALEntry, error) {
	r := bytes.NewReader(data)
	seq, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	nameLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	txnID, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	flagsByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}

	e := &WALEntry{Sequence: seq, CFName: string(nameBuf), TransactionID: txnID}
	if flagsByte&flagHasUserRoot != 0 {
		e.Payload.UserRoot, err = decodePageRoot(r)
		if err != nil {
			return nil, fmt.Errorf("cf: decode wal entry: %w", err)
		}
	}
	if flagsByte&flagHasSystemRoot != 0 {
		e.Payload.SystemRoot, err = decodePageRoot(r)
		if err != nil {
			return nil, fmt.Errorf("cf: decode wal entry: %w", err)
		}
	}
	durByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	e.Payload.Durability = Durability(durByte)

	var origLen uint32
	if flagsByte&flagDeltasCompressed != 0 {
		origLen, err = readU32(r)
		if err != nil {
			return nil, fmt.Errorf("cf: decode wal entry: %w", err)
		}
	}
	storedLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}
	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, fmt.Errorf("cf: decode wal entry: %w", err)
	}

	var deltas []byte
	if flagsByte&flagDeltasCompressed != 0 {
		deltas, err = snappy.Decode(make([]byte, 0, origLen), stored)
		if err != nil {
			return nil, fmt.Errorf("cf: decode wal entry deltas: %w", err)
		}
	} else {
		deltas = stored
	}
	e.Payload.FreedPages, e.Payload.AllocatedPages, err = decodeDeltas(deltas)
	if err != nil {
		return nil, fmt.Errorf("cf: decode wal entry deltas: %w", err)
	}
	return e, nil
}
