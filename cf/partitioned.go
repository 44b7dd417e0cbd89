package cf

import "fmt"

// PartitionedBackend is a bounds-checked, offset-translating view of a
// shared Backend (C2). Grounded byte-for-byte on
// original_source/src/column_family/partitioned_backend.rs.
type PartitionedBackend struct {
	inner           Backend
	partitionOffset uint64
	partitionSize   uint64
}

// NewPartitionedBackend constructs a view of inner restricted to
// [partitionOffset, partitionOffset+partitionSize). It fails if the range
// would overflow a uint64.
func NewPartitionedBackend(inner Backend, partitionOffset, partitionSize uint64) (*PartitionedBackend, error) {
	end := partitionOffset + partitionSize
	if end < partitionOffset {
		return nil, &InvalidArgumentError{Reason: "partition offset+size overflows"}
	}
	return &PartitionedBackend{
		inner:           inner,
		partitionOffset: partitionOffset,
		partitionSize:   partitionSize,
	}, nil
}

// validateAndTranslate checks that [off, off+length) lies within the
// partition and returns the corresponding absolute offset in inner.
func (p *PartitionedBackend) validateAndTranslate(off, length uint64) (uint64, error) {
	end := off + length
	if end < off {
		return 0, &InvalidArgumentError{Reason: "offset+length overflows"}
	}
	if end > p.partitionSize {
		return 0, &InvalidArgumentError{Reason: fmt.Sprintf(
			"access [%d,%d) exceeds partition size %d", off, end, p.partitionSize)}
	}
	return p.partitionOffset + off, nil
}

// Len returns clamp(inner.Len()-partitionOffset, 0..=partitionSize): a CF
// appears empty until its first SetLen.
func (p *PartitionedBackend) Len() (uint64, error) {
	innerLen, err := p.inner.Len()
	if err != nil {
		return 0, err
	}
	if innerLen <= p.partitionOffset {
		return 0, nil
	}
	n := innerLen - p.partitionOffset
	if n > p.partitionSize {
		n = p.partitionSize
	}
	return n, nil
}

func (p *PartitionedBackend) ReadAt(off uint64, buf []byte) error {
	abs, err := p.validateAndTranslate(off, uint64(len(buf)))
	if err != nil {
		return err
	}
	return p.inner.ReadAt(abs, buf)
}

func (p *PartitionedBackend) WriteAt(off uint64, data []byte) error {
	abs, err := p.validateAndTranslate(off, uint64(len(data)))
	if err != nil {
		return err
	}
	return p.inner.WriteAt(abs, data)
}

// SetLen requires new<=partitionSize and only ever grows the underlying
// backend (other partitions live past this one, so it must never shrink
// the shared file).
func (p *PartitionedBackend) SetLen(newLen uint64) error {
	if newLen > p.partitionSize {
		return &InvalidArgumentError{Reason: fmt.Sprintf(
			"set_len %d exceeds partition size %d", newLen, p.partitionSize)}
	}
	innerLen, err := p.inner.Len()
	if err != nil {
		return err
	}
	want := p.partitionOffset + newLen
	if want > innerLen {
		return p.inner.SetLen(want)
	}
	return nil
}

func (p *PartitionedBackend) Sync() error {
	return p.inner.Sync()
}

// Close is a no-op: the inner backend is shared and outlives this view.
func (p *PartitionedBackend) Close() error {
	return nil
}

// PartitionOffset and PartitionSize are informational accessors used by
// the CF manager when growing a column family.
func (p *PartitionedBackend) PartitionOffset() uint64 { return p.partitionOffset }
func (p *PartitionedBackend) PartitionSize() uint64   { return p.partitionSize }
