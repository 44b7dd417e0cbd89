package cf

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"sync/atomic"
)

// walMagic and walHeaderSize identify the shared WAL's on-disk header
// format (§3, §4.5, §6). Byte-for-byte compatible with
// original_source/src/column_family/wal/journal.rs.
var walMagic = [8]byte{'R', 'E', 'D', 'B', '-', 'W', 'A', 'L'}

const (
	walVersion    uint8  = 1
	walHeaderSize uint64 = 512
	// walHeaderCRCRegion is the number of leading header bytes the CRC32
	// covers: magic(8) + version(1) + oldest_seq(8) + latest_seq(8).
	walHeaderCRCRegion = 25
)

type walHeader struct {
	OldestSeq uint64
	LatestSeq uint64
}

func encodeWALHeader(h walHeader) []byte {
	buf := make([]byte, walHeaderSize)
	copy(buf, walMagic[:])
	buf[8] = walVersion
	binary.LittleEndian.PutUint64(buf[9:17], h.OldestSeq)
	binary.LittleEndian.PutUint64(buf[17:25], h.LatestSeq)
	crc := crc32.ChecksumIEEE(buf[:walHeaderCRCRegion])
	binary.LittleEndian.PutUint32(buf[25:29], crc)
	return buf
}

func decodeWALHeader(buf []byte) (walHeader, error) {
	if len(buf) < int(walHeaderSize) {
		return walHeader{}, &CorruptError{Component: "wal_header", Reason: "short header"}
	}
	for i, b := range walMagic {
		if buf[i] != b {
			return walHeader{}, &CorruptError{Component: "wal_header", Reason: "bad magic"}
		}
	}
	if buf[8] != walVersion {
		return walHeader{}, &CorruptError{Component: "wal_header", Reason: "unsupported version"}
	}
	wantCRC := crc32.ChecksumIEEE(buf[:walHeaderCRCRegion])
	gotCRC := binary.LittleEndian.Uint32(buf[25:29])
	if wantCRC != gotCRC {
		return walHeader{}, &CorruptError{Component: "wal_header", Reason: "crc mismatch"}
	}
	return walHeader{
		OldestSeq: binary.LittleEndian.Uint64(buf[9:17]),
		LatestSeq: binary.LittleEndian.Uint64(buf[17:25]),
	}, nil
}

// Journal is the synchronous WAL journal (C5): append-only log of
// serialized transaction payloads with per-entry CRC and a
// self-checksummed header.
type Journal struct {
	backend Backend

	mu  sync.Mutex // guards atomic len+write and the header's latest_seq
	seq atomic.Uint64
}

// OpenJournal opens or initializes backend as a WAL journal.
func OpenJournal(backend Backend) (*Journal, error) {
	n, err := backend.Len()
	if err != nil {
		return nil, err
	}
	j := &Journal{backend: backend}
	if n == 0 {
		if err := backend.WriteAt(0, encodeWALHeader(walHeader{OldestSeq: 1, LatestSeq: 0})); err != nil {
			return nil, err
		}
		if err := backend.Sync(); err != nil {
			return nil, err
		}
		j.seq.Store(0)
		return j, nil
	}
	hdrBuf := make([]byte, walHeaderSize)
	if err := backend.ReadAt(0, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := decodeWALHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	j.seq.Store(hdr.LatestSeq)
	return j, nil
}

func (j *Journal) readHeader() (walHeader, error) {
	buf := make([]byte, walHeaderSize)
	if err := j.backend.ReadAt(0, buf); err != nil {
		return walHeader{}, err
	}
	return decodeWALHeader(buf)
}

// Append assigns the next monotonic sequence number to entry, frames and
// appends it, and updates the header's latest_seq. It does not fsync;
// call Sync separately.
func (j *Journal) Append(entry *WALEntry) (uint64, error) {
	seq := j.seq.Add(1)
	entry.Sequence = seq

	body, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}
	crc := crc32.ChecksumIEEE(body)
	totalLen := uint32(4 + len(body) + 4) // total_len field itself + body + crc
	frame := make([]byte, 0, 4+len(body)+4)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], totalLen)
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, body...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	frame = append(frame, crcBuf[:]...)

	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.backend.Len()
	if err != nil {
		return 0, err
	}
	if err := j.backend.WriteAt(off, frame); err != nil {
		return 0, err
	}
	if err := j.updateLatestSeqLocked(seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (j *Journal) updateLatestSeqLocked(seq uint64) error {
	hdr, err := j.readHeader()
	if err != nil {
		return err
	}
	hdr.LatestSeq = seq
	return j.backend.WriteAt(0, encodeWALHeader(hdr))
}

// Sync fsyncs the underlying backend.
func (j *Journal) Sync() error {
	return j.backend.Sync()
}

// EnsureDurable makes seq durable by fsyncing now; for the synchronous
// journal every appended entry is already at this point only one Sync
// call away from durable, so seq itself is not otherwise consulted.
func (j *Journal) EnsureDurable(seq uint64) error {
	return j.Sync()
}

// ReadFrom reads all entries from offset walHeaderSize to EOF, stopping
// cleanly (not erroring) at the first torn trailing frame, and returns
// only entries with Sequence >= startSeq.
func (j *Journal) ReadFrom(startSeq uint64) ([]WALEntry, error) {
	if _, err := j.readHeader(); err != nil {
		return nil, err
	}
	fileLen, err := j.backend.Len()
	if err != nil {
		return nil, err
	}

	var entries []WALEntry
	off := walHeaderSize
	for off+4 <= fileLen {
		lenBuf := make([]byte, 4)
		if err := j.backend.ReadAt(off, lenBuf); err != nil {
			break
		}
		totalLen := binary.LittleEndian.Uint32(lenBuf)
		if totalLen < 8 || off+uint64(totalLen) > fileLen {
			break // torn tail: declared length runs past EOF
		}
		bodyLen := totalLen - 8
		body := make([]byte, bodyLen)
		if err := j.backend.ReadAt(off+4, body); err != nil {
			break
		}
		crcBuf := make([]byte, 4)
		if err := j.backend.ReadAt(off+4+uint64(bodyLen), crcBuf); err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf)
		if crc32.ChecksumIEEE(body) != wantCRC {
			break // torn tail: crc mismatch
		}
		entry, err := decodeEntry(body)
		if err != nil {
			break
		}
		if entry.Sequence >= startSeq {
			entries = append(entries, *entry)
		}
		off += uint64(totalLen)
	}
	return entries, nil
}

// Truncate resets the journal to header-only, seeds oldest_seq/latest_seq
// for the new generation, and resets the in-memory sequence counter.
func (j *Journal) Truncate(newOldestSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.backend.SetLen(walHeaderSize); err != nil {
		return err
	}
	var latest uint64
	if newOldestSeq > 0 {
		latest = newOldestSeq - 1
	}
	if err := j.backend.WriteAt(0, encodeWALHeader(walHeader{OldestSeq: newOldestSeq, LatestSeq: latest})); err != nil {
		return err
	}
	if err := j.backend.Sync(); err != nil {
		return err
	}
	j.seq.Store(latest)
	return nil
}

// FileSize returns the journal backend's current length, used for
// size-based checkpoint triggers.
func (j *Journal) FileSize() (uint64, error) {
	return j.backend.Len()
}

// OldestSeq returns the current generation's oldest retained sequence.
func (j *Journal) OldestSeq() (uint64, error) {
	hdr, err := j.readHeader()
	if err != nil {
		return 0, err
	}
	return hdr.OldestSeq, nil
}
