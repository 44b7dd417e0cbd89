// Package engine implements the embedded per-CF copy-on-write B-tree
// database (C11): the "existing embedded KV engine" that SPEC_FULL.md §1
// treats as an external collaborator. It is adapted from novusdb's
// storage.Pager (page layout, meta page) and index.BTree (node layout,
// split-on-overflow insert), generalized from a single OS-file-backed
// pager with in-place B-tree mutation to an injected Backend with
// copy-on-write node writes, so concurrent read snapshots stay valid
// while a write transaction is in flight.
package engine

import "encoding/binary"

// PageSize matches cf.PageSize; duplicated here (rather than imported)
// to keep this package free of any dependency on cf, which is what lets
// cf depend on engine instead of the other way around.
const PageSize = 4096

// PageHeaderSize is the fixed 16-byte header at the front of every page,
// grounded on novusdb's storage/page.go layout.
const PageHeaderSize = 16

type pageType byte

const (
	pageTypeMeta     pageType = 1
	pageTypeIndex    pageType = 3
	pageTypeOverflow pageType = 5
)

// page is one PageSize-byte slot. Bytes [0:16] are a small header used
// by the meta page and by btree.go's node layout; btree node kind,
// key/value counts and the overflow "next" link are read and written
// directly by btree.go rather than through accessor methods here.
type page struct {
	id   uint32
	data [PageSize]byte
}

func newPage(id uint32, t pageType) *page {
	p := &page{id: id}
	p.data[0] = byte(t)
	binary.LittleEndian.PutUint32(p.data[1:5], id)
	return p
}
