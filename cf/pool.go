package cf

import "sync"

// pool is the bounded LRU file-handle pool (C4): a mapping from column
// family name to an independent Backend handle onto the same physical
// file, so that arbitrarily many CFs can coexist behind a fixed handle
// budget while each still gets a private handle for parallel I/O.
//
// The map+intrusive-doubly-linked-list shape is grounded on novusdb's
// storage.lruCache; the acquire-outside-the-lock / double-check / evict
// protocol is grounded on
// original_source/src/column_family/file_handle_pool.rs, which
// lruCache's simpler get/put does not need (it never performs slow I/O
// under contention).
type pool struct {
	path    string
	maxSize int
	open    func(path string) (Backend, error)

	mu    sync.Mutex
	items map[string]*poolNode
	head  *poolNode // most recently used
	tail  *poolNode // least recently used
}

type poolNode struct {
	name    string
	backend Backend
	prev    *poolNode
	next    *poolNode
}

// newPool constructs a pool bound to path with the given capacity. open
// is injected so tests can supply an in-memory opener; production code
// passes a function that opens a fresh *os.File-backed Backend.
func newPool(path string, maxSize int, open func(path string) (Backend, error)) *pool {
	return &pool{
		path:    path,
		maxSize: maxSize,
		open:    open,
		items:   make(map[string]*poolNode),
	}
}

// acquire returns the shared Backend handle for name, opening one if
// necessary. The slow path (opening a file) runs outside the lock so it
// never serializes other acquirers; a race where two callers open a
// handle for the same name concurrently is resolved by discarding the
// loser's handle.
func (p *pool) acquire(name string) (Backend, error) {
	p.mu.Lock()
	if node, ok := p.items[name]; ok {
		p.moveToFrontLocked(node)
		p.mu.Unlock()
		return node.backend, nil
	}
	p.mu.Unlock()

	opened, err := p.open(p.path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if node, ok := p.items[name]; ok {
		// Another caller raced in and opened first; discard ours.
		_ = opened.Close()
		p.moveToFrontLocked(node)
		return node.backend, nil
	}

	if p.maxSize > 0 && len(p.items) >= p.maxSize {
		p.evictLRUExcludingLocked(name)
	}

	node := &poolNode{name: name, backend: opened}
	p.items[name] = node
	p.pushFrontLocked(node)
	return opened, nil
}

// touch refreshes name's recency if present; it is a no-op otherwise.
func (p *pool) touch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if node, ok := p.items[name]; ok {
		p.moveToFrontLocked(node)
	}
}

// release closes and removes name's handle, if any.
func (p *pool) release(name string) error {
	p.mu.Lock()
	node, ok := p.items[name]
	if ok {
		p.removeNodeLocked(node)
		delete(p.items, name)
	}
	p.mu.Unlock()
	if ok {
		return node.backend.Close()
	}
	return nil
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, node := range p.items {
		if err := node.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.items = make(map[string]*poolNode)
	p.head, p.tail = nil, nil
	return firstErr
}

// evictLRUExcludingLocked evicts the least-recently-used entry other
// than keep. Caller holds mu.
func (p *pool) evictLRUExcludingLocked(keep string) {
	for victim := p.tail; victim != nil; victim = victim.prev {
		if victim.name == keep {
			continue
		}
		p.removeNodeLocked(victim)
		delete(p.items, victim.name)
		_ = victim.backend.Close()
		return
	}
}

func (p *pool) pushFrontLocked(node *poolNode) {
	node.prev = nil
	node.next = p.head
	if p.head != nil {
		p.head.prev = node
	}
	p.head = node
	if p.tail == nil {
		p.tail = node
	}
}

func (p *pool) removeNodeLocked(node *poolNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		p.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		p.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (p *pool) moveToFrontLocked(node *poolNode) {
	if node == p.head {
		return
	}
	p.removeNodeLocked(node)
	p.pushFrontLocked(node)
}
