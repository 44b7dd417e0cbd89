package engine

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/snappy"
)

// Node layout offsets, directly adapted from novusdb's index/btree.go
// (same byte positions), generalized from string keys to []byte
// keys/values and made copy-on-write: every mutated node is written to a
// freshly allocated page rather than updated in place.
const (
	nodeTypeOff  = PageHeaderSize     // byte 16: 0=internal, 1=leaf
	numKeysOff   = nodeTypeOff + 1    // bytes 17-18: uint16
	nextLeafOff  = numKeysOff + 2     // bytes 19-22: uint32 (leaf only)
	leafDataOff  = nextLeafOff + 4    // byte 23
	internalData = numKeysOff + 2     // byte 19

	nodeKindInternal = byte(0)
	nodeKindLeaf     = byte(1)

	maxLeafPayload     = PageSize - leafDataOff
	maxInternalPayload = PageSize - internalData

	// valueCompressionThreshold mirrors novusdb's SlotFlagCompressed
	// convention (storage/page.go): values above this size are stored
	// snappy-compressed when that's smaller, flagged per-entry.
	valueCompressionThreshold = 256

	entryFlagCompressed = byte(1)
	entryFlagOverflow   = byte(2)
)

type leafEntry struct {
	key        []byte
	value      []byte // stored bytes for an inline entry; snappy-compressed when flags&entryFlagCompressed
	flags      byte
	overflowID uint32 // first overflow page, only if flags&entryFlagOverflow
	rawLen     uint32 // overflow: stored (possibly compressed) length of the chain; inline compressed: original value length
}

type internalNode struct {
	keys     [][]byte
	children []uint32
}

// btree is a copy-on-write B+ tree over a pager. Leaves are chained for
// range scans, as in novusdb's index.BTree.
type btree struct {
	root  uint32
	pager *pager
}

func newBTree(p *pager) (*btree, error) {
	pg, err := p.allocatePage(pageTypeIndex)
	if err != nil {
		return nil, err
	}
	writeLeafNode(pg, nil, 0)
	if err := p.writePage(pg); err != nil {
		return nil, err
	}
	return &btree{root: pg.id, pager: p}, nil
}

func openBTree(p *pager, root uint32) *btree {
	return &btree{root: root, pager: p}
}

// ---- node encode/decode ----

func readLeafEntries(pg *page) []leafEntry {
	num := binary.LittleEndian.Uint16(pg.data[numKeysOff:])
	off := uint16(leafDataOff)
	entries := make([]leafEntry, 0, num)
	for i := 0; i < int(num); i++ {
		if int(off)+2 > PageSize {
			break
		}
		kl := binary.LittleEndian.Uint16(pg.data[off:])
		off += 2
		if int(off)+int(kl)+1 > PageSize {
			break
		}
		key := append([]byte(nil), pg.data[off:off+kl]...)
		off += kl
		flags := pg.data[off]
		off++
		e := leafEntry{key: key, flags: flags}
		switch {
		case flags&entryFlagOverflow != 0:
			e.rawLen = binary.LittleEndian.Uint32(pg.data[off:])
			off += 4
			e.overflowID = binary.LittleEndian.Uint32(pg.data[off:])
			off += 4
		default:
			if flags&entryFlagCompressed != 0 {
				e.rawLen = binary.LittleEndian.Uint32(pg.data[off:])
				off += 4
			}
			vl := binary.LittleEndian.Uint16(pg.data[off:])
			off += 2
			e.value = append([]byte(nil), pg.data[off:off+vl]...)
			off += vl
		}
		entries = append(entries, e)
	}
	return entries
}

func readLeafNext(pg *page) uint32 {
	return binary.LittleEndian.Uint32(pg.data[nextLeafOff:])
}

func encodedLeafEntrySize(e leafEntry) int {
	s := 2 + len(e.key) + 1
	if e.flags&entryFlagOverflow != 0 {
		return s + 4 + 4
	}
	if e.flags&entryFlagCompressed != 0 {
		s += 4
	}
	return s + 2 + len(e.value)
}

func leafEntriesSize(entries []leafEntry) int {
	s := 0
	for _, e := range entries {
		s += encodedLeafEntrySize(e)
	}
	return s
}

func writeLeafNode(pg *page, entries []leafEntry, nextLeaf uint32) {
	pg.data[nodeTypeOff] = nodeKindLeaf
	binary.LittleEndian.PutUint16(pg.data[numKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(pg.data[nextLeafOff:], nextLeaf)
	off := uint16(leafDataOff)
	for _, e := range entries {
		binary.LittleEndian.PutUint16(pg.data[off:], uint16(len(e.key)))
		off += 2
		copy(pg.data[off:], e.key)
		off += uint16(len(e.key))
		pg.data[off] = e.flags
		off++
		if e.flags&entryFlagOverflow != 0 {
			binary.LittleEndian.PutUint32(pg.data[off:], e.rawLen)
			off += 4
			binary.LittleEndian.PutUint32(pg.data[off:], e.overflowID)
			off += 4
			continue
		}
		if e.flags&entryFlagCompressed != 0 {
			binary.LittleEndian.PutUint32(pg.data[off:], e.rawLen)
			off += 4
		}
		binary.LittleEndian.PutUint16(pg.data[off:], uint16(len(e.value)))
		off += 2
		copy(pg.data[off:], e.value)
		off += uint16(len(e.value))
	}
}

func readInternalNode(pg *page) internalNode {
	numKeys := binary.LittleEndian.Uint16(pg.data[numKeysOff:])
	off := uint16(internalData)
	n := internalNode{
		keys:     make([][]byte, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	child0 := binary.LittleEndian.Uint32(pg.data[off:])
	off += 4
	n.children = append(n.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := binary.LittleEndian.Uint16(pg.data[off:])
		off += 2
		key := append([]byte(nil), pg.data[off:off+kl]...)
		off += kl
		child := binary.LittleEndian.Uint32(pg.data[off:])
		off += 4
		n.keys = append(n.keys, key)
		n.children = append(n.children, child)
	}
	return n
}

func internalNodeSize(n internalNode) int {
	s := 4
	for _, k := range n.keys {
		s += 2 + len(k) + 4
	}
	return s
}

func writeInternalNode(pg *page, n internalNode) {
	pg.data[nodeTypeOff] = nodeKindInternal
	binary.LittleEndian.PutUint16(pg.data[numKeysOff:], uint16(len(n.keys)))
	off := uint16(internalData)
	binary.LittleEndian.PutUint32(pg.data[off:], n.children[0])
	off += 4
	for i, key := range n.keys {
		binary.LittleEndian.PutUint16(pg.data[off:], uint16(len(key)))
		off += 2
		copy(pg.data[off:], key)
		off += uint16(len(key))
		binary.LittleEndian.PutUint32(pg.data[off:], n.children[i+1])
		off += 4
	}
}

// ---- overflow chain for values too large to fit alongside their key ----

const overflowDataCapacity = PageSize - PageHeaderSize

func (bt *btree) writeOverflow(value []byte) (uint32, []uint32, error) {
	var allocated []uint32
	var firstID uint32
	var prev *page
	remaining := value
	for {
		chunk := remaining
		if len(chunk) > overflowDataCapacity {
			chunk = remaining[:overflowDataCapacity]
		}
		pg, err := bt.pager.allocatePage(pageTypeOverflow)
		if err != nil {
			return 0, allocated, err
		}
		allocated = append(allocated, pg.id)
		copy(pg.data[PageHeaderSize:], chunk)
		if prev == nil {
			firstID = pg.id
		} else {
			binary.LittleEndian.PutUint32(prev.data[1:5], pg.id) // reuse pageID slot as "next" link
			if err := bt.pager.writePage(prev); err != nil {
				return 0, allocated, err
			}
		}
		prev = pg
		remaining = remaining[len(chunk):]
		if len(remaining) == 0 {
			break
		}
	}
	binary.LittleEndian.PutUint32(prev.data[1:5], 0) // terminate chain
	if err := bt.pager.writePage(prev); err != nil {
		return 0, allocated, err
	}
	return firstID, allocated, nil
}

func (bt *btree) readOverflow(firstID uint32, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := firstID
	for id != 0 && uint32(len(out)) < totalLen {
		pg, err := bt.pager.readPage(id)
		if err != nil {
			return nil, err
		}
		remain := int(totalLen) - len(out)
		chunk := overflowDataCapacity
		if remain < chunk {
			chunk = remain
		}
		out = append(out, pg.data[PageHeaderSize:PageHeaderSize+chunk]...)
		id = binary.LittleEndian.Uint32(pg.data[1:5])
	}
	return out, nil
}

// ---- encode a leafEntry for a (key, value) pair, compressing or
// overflowing as needed ----

func (bt *btree) buildEntry(key, value []byte) (leafEntry, []uint32, error) {
	candidate := value
	flags := byte(0)
	rawLen := uint32(len(value))
	if len(value) > valueCompressionThreshold {
		c := snappy.Encode(nil, value)
		if len(c) < len(value) {
			candidate = c
			flags |= entryFlagCompressed
		}
	}
	if 2+len(key)+1+2+len(candidate) <= maxLeafPayload {
		return leafEntry{key: key, value: candidate, flags: flags, rawLen: rawLen}, nil, nil
	}
	// Doesn't fit inline even alone: store via an overflow chain. rawLen
	// records the length of the stored (possibly compressed) bytes so
	// the chain can be read back trimmed of trailing page padding.
	firstID, allocated, err := bt.writeOverflow(candidate)
	if err != nil {
		return leafEntry{}, allocated, err
	}
	e := leafEntry{key: key, flags: flags | entryFlagOverflow, overflowID: firstID, rawLen: uint32(len(candidate))}
	return e, allocated, nil
}

func (bt *btree) resolveEntry(e leafEntry) ([]byte, error) {
	var stored []byte
	var err error
	if e.flags&entryFlagOverflow != 0 {
		stored, err = bt.readOverflow(e.overflowID, e.rawLen)
		if err != nil {
			return nil, err
		}
	} else {
		stored = e.value
	}
	if e.flags&entryFlagCompressed != 0 {
		return snappy.Decode(nil, stored)
	}
	return stored, nil
}

// ---- search ----

func (bt *btree) findLeafPath(key []byte) ([]uint32, *page, error) {
	var path []uint32
	id := bt.root
	for {
		pg, err := bt.pager.readPage(id)
		if err != nil {
			return nil, nil, err
		}
		if pg.data[nodeTypeOff] == nodeKindLeaf {
			return path, pg, nil
		}
		path = append(path, id)
		n := readInternalNode(pg)
		idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
		id = n.children[idx]
	}
}

func (bt *btree) findLeftmostLeaf() (*page, error) {
	id := bt.root
	for {
		pg, err := bt.pager.readPage(id)
		if err != nil {
			return nil, err
		}
		if pg.data[nodeTypeOff] == nodeKindLeaf {
			return pg, nil
		}
		n := readInternalNode(pg)
		id = n.children[0]
	}
}

// Get looks up key and returns its value (nil, false if absent).
func (bt *btree) Get(key []byte) ([]byte, bool, error) {
	_, pg, err := bt.findLeafPath(key)
	if err != nil {
		return nil, false, err
	}
	for _, e := range readLeafEntries(pg) {
		if bytes.Equal(e.key, key) {
			v, err := bt.resolveEntry(e)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Range returns all key/value pairs with lo <= key <= hi. A nil bound on
// either side is unbounded.
func (bt *btree) Range(lo, hi []byte) ([][2][]byte, error) {
	var pg *page
	var err error
	if lo != nil {
		_, pg, err = bt.findLeafPath(lo)
	} else {
		pg, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var out [][2][]byte
	for pg != nil {
		for _, e := range readLeafEntries(pg) {
			if lo != nil && bytes.Compare(e.key, lo) < 0 {
				continue
			}
			if hi != nil && bytes.Compare(e.key, hi) > 0 {
				return out, nil
			}
			v, err := bt.resolveEntry(e)
			if err != nil {
				return nil, err
			}
			out = append(out, [2][]byte{e.key, v})
		}
		next := readLeafNext(pg)
		if next == 0 {
			break
		}
		pg, err = bt.pager.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type splitResult struct {
	key       []byte
	newPageID uint32
}

// Put inserts or overwrites (key, value), copy-on-write: every node on
// the root-to-leaf path is rewritten to a freshly allocated page, and
// the tree's root is updated to point at the new chain. Returns the
// pages allocated and the pages made obsolete by this call (for the
// WAL payload's allocated/freed deltas).
func (bt *btree) Put(key, value []byte) (allocated, freed []uint32, err error) {
	entry, ovAllocated, err := bt.buildEntry(key, value)
	if err != nil {
		return ovAllocated, nil, err
	}
	allocated = append(allocated, ovAllocated...)

	newRoot, split, a, f, err := bt.putRecursive(bt.root, entry)
	if err != nil {
		return allocated, freed, err
	}
	allocated = append(allocated, a...)
	freed = append(freed, f...)
	if split != nil {
		pg, err := bt.pager.allocatePage(pageTypeIndex)
		if err != nil {
			return allocated, freed, err
		}
		writeInternalNode(pg, internalNode{keys: [][]byte{split.key}, children: []uint32{newRoot, split.newPageID}})
		if err := bt.pager.writePage(pg); err != nil {
			return allocated, freed, err
		}
		allocated = append(allocated, pg.id)
		bt.root = pg.id
	} else {
		bt.root = newRoot
	}
	return allocated, freed, nil
}

func (bt *btree) putRecursive(id uint32, entry leafEntry) (newID uint32, split *splitResult, allocated, freed []uint32, err error) {
	pg, err := bt.pager.readPage(id)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	if pg.data[nodeTypeOff] == nodeKindLeaf {
		return bt.putLeaf(pg, entry)
	}
	n := readInternalNode(pg)
	idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], entry.key) > 0 })
	childNewID, childSplit, a, f, err := bt.putRecursive(n.children[idx], entry)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	allocated = append(allocated, a...)
	freed = append(freed, f...)
	n.children[idx] = childNewID
	if childSplit != nil {
		n.keys = append(n.keys, nil)
		copy(n.keys[idx+1:], n.keys[idx:])
		n.keys[idx] = childSplit.key
		n.children = append(n.children, 0)
		copy(n.children[idx+2:], n.children[idx+1:])
		n.children[idx+1] = childSplit.newPageID
	}
	freed = append(freed, id) // old internal node page is now obsolete

	if internalNodeSize(n) <= maxInternalPayload {
		newPg, err := bt.pager.allocatePage(pageTypeIndex)
		if err != nil {
			return 0, nil, allocated, freed, err
		}
		writeInternalNode(newPg, n)
		if err := bt.pager.writePage(newPg); err != nil {
			return 0, nil, allocated, freed, err
		}
		allocated = append(allocated, newPg.id)
		return newPg.id, nil, allocated, freed, nil
	}

	mid := len(n.keys) / 2
	pushUp := n.keys[mid]
	left := internalNode{keys: append([][]byte(nil), n.keys[:mid]...), children: append([]uint32(nil), n.children[:mid+1]...)}
	right := internalNode{keys: append([][]byte(nil), n.keys[mid+1:]...), children: append([]uint32(nil), n.children[mid+1:]...)}

	leftPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return 0, nil, allocated, freed, err
	}
	writeInternalNode(leftPg, left)
	if err := bt.pager.writePage(leftPg); err != nil {
		return 0, nil, allocated, freed, err
	}
	rightPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return 0, nil, allocated, freed, err
	}
	writeInternalNode(rightPg, right)
	if err := bt.pager.writePage(rightPg); err != nil {
		return 0, nil, allocated, freed, err
	}
	allocated = append(allocated, leftPg.id, rightPg.id)
	return leftPg.id, &splitResult{key: pushUp, newPageID: rightPg.id}, allocated, freed, nil
}

func (bt *btree) putLeaf(pg *page, entry leafEntry) (newID uint32, split *splitResult, allocated, freed []uint32, err error) {
	entries := readLeafEntries(pg)
	nextLeaf := readLeafNext(pg)

	pos := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, entry.key) >= 0 })
	if pos < len(entries) && bytes.Equal(entries[pos].key, entry.key) {
		entries[pos] = entry
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = entry
	}
	freed = append(freed, pg.id)

	if leafEntriesSize(entries) <= maxLeafPayload {
		newPg, err := bt.pager.allocatePage(pageTypeIndex)
		if err != nil {
			return 0, nil, allocated, freed, err
		}
		writeLeafNode(newPg, entries, nextLeaf)
		if err := bt.pager.writePage(newPg); err != nil {
			return 0, nil, allocated, freed, err
		}
		allocated = append(allocated, newPg.id)
		return newPg.id, nil, allocated, freed, nil
	}

	mid := len(entries) / 2
	leftEntries := append([]leafEntry(nil), entries[:mid]...)
	rightEntries := append([]leafEntry(nil), entries[mid:]...)

	rightPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return 0, nil, allocated, freed, err
	}
	writeLeafNode(rightPg, rightEntries, nextLeaf)
	if err := bt.pager.writePage(rightPg); err != nil {
		return 0, nil, allocated, freed, err
	}
	leftPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return 0, nil, allocated, freed, err
	}
	writeLeafNode(leftPg, leftEntries, rightPg.id)
	if err := bt.pager.writePage(leftPg); err != nil {
		return 0, nil, allocated, freed, err
	}
	allocated = append(allocated, leftPg.id, rightPg.id)
	return leftPg.id, &splitResult{key: rightEntries[0].key, newPageID: rightPg.id}, allocated, freed, nil
}

// Delete removes key, copy-on-write. No rebalancing is performed:
// shallow leaves are left as-is, matching the defragmentation Non-goal.
func (bt *btree) Delete(key []byte) (allocated, freed []uint32, found bool, err error) {
	_, pg, err := bt.findLeafPath(key)
	if err != nil {
		return nil, nil, false, err
	}
	entries := readLeafEntries(pg)
	idx := -1
	for i, e := range entries {
		if bytes.Equal(e.key, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, false, nil
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	nextLeaf := readLeafNext(pg)

	newPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return nil, nil, false, err
	}
	writeLeafNode(newPg, entries, nextLeaf)
	if err := bt.pager.writePage(newPg); err != nil {
		return nil, nil, false, err
	}

	// Rewrite the path from root to this leaf's parent to point at the
	// new leaf id; root replacement handled the same way Put does.
	newRoot, err := bt.rewritePathToLeaf(key, newPg.id)
	if err != nil {
		return nil, nil, false, err
	}
	bt.root = newRoot
	return []uint32{newPg.id}, []uint32{pg.id}, true, nil
}

// rewritePathToLeaf copy-on-writes every internal node on the path to
// the leaf owning key, retargeting the final child pointer to newLeafID.
func (bt *btree) rewritePathToLeaf(key []byte, newLeafID uint32) (uint32, error) {
	return bt.rewriteRecursive(bt.root, key, newLeafID)
}

func (bt *btree) rewriteRecursive(id uint32, key []byte, newLeafID uint32) (uint32, error) {
	pg, err := bt.pager.readPage(id)
	if err != nil {
		return 0, err
	}
	if pg.data[nodeTypeOff] == nodeKindLeaf {
		return newLeafID, nil
	}
	n := readInternalNode(pg)
	idx := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
	childNew, err := bt.rewriteRecursive(n.children[idx], key, newLeafID)
	if err != nil {
		return 0, err
	}
	n.children[idx] = childNew
	newPg, err := bt.pager.allocatePage(pageTypeIndex)
	if err != nil {
		return 0, err
	}
	writeInternalNode(newPg, n)
	if err := bt.pager.writePage(newPg); err != nil {
		return 0, err
	}
	return newPg.id, nil
}
