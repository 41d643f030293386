// Package buffer implements the bounded LRU buffer pool that brokers
// all page access between the storage layers and the disk manager.
package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lstore/disk"
	"lstore/page"
)

// Mode describes why a caller is fixing a page. Both modes go through
// the same pinning/eviction machinery; it documents intent at call
// sites only.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

type frame struct {
	page     *page.Page
	pinCount int
	dirty    bool
	elem     *list.Element // this frame's node in the LRU list
}

// Pool is a bounded cache of pages keyed by page id. All bookkeeping
// (fix/unfix/flush/evict) is serialized by a single mutex; once a
// caller holds a pinned page, reading or writing its contents does
// not contend on that mutex.
type Pool struct {
	mu       sync.Mutex
	disk     *disk.Manager
	capacity int
	frames   map[disk.PageID]*frame
	lru      *list.List // front = most recently used
	logger   *zap.Logger
}

// NewPool returns a buffer pool of the given capacity backed by disk.
func NewPool(diskMgr *disk.Manager, capacity int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		disk:     diskMgr,
		capacity: capacity,
		frames:   make(map[disk.PageID]*frame),
		lru:      list.New(),
		logger:   logger,
	}
}

// Fix returns the pinned page for id, loading it from disk on a
// miss. If the pool is at capacity, an unpinned LRU victim is
// evicted first (writing it back if dirty). Fix never evicts a
// pinned page.
func (p *Pool) Fix(id disk.PageID, mode Mode) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[id]; ok {
		f.pinCount++
		f.page.Pin()
		p.lru.MoveToFront(f.elem)
		return f.page, nil
	}

	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	raw, err := p.disk.ReadPage(id)
	if err != nil {
		return nil, fmt.Errorf("buffer: fix %+v: %w", id, err)
	}

	pg := page.New()
	pg.LoadBytes(raw)
	pg.Pin()

	f := &frame{page: pg, pinCount: 1}
	f.elem = p.lru.PushFront(id)
	p.frames[id] = f
	return pg, nil
}

// Unfix decrements the pin count for id and, if dirty is true, marks
// the frame dirty so it is written back on the next flush or
// eviction.
func (p *Pool) Unfix(id disk.PageID, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok {
		return
	}
	if f.pinCount > 0 {
		f.pinCount--
		f.page.Unpin()
	}
	if dirty {
		f.dirty = true
	}
}

// Flush writes a page back to disk if it is dirty.
func (p *Pool) Flush(id disk.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(id)
}

func (p *Pool) flushLocked(id disk.PageID) error {
	f, ok := p.frames[id]
	if !ok || !f.dirty {
		return nil
	}
	if err := p.disk.WritePage(id, f.page.Bytes()); err != nil {
		p.logger.Error("buffer: flush failed", zap.Any("page_id", id), zap.Error(err))
		return fmt.Errorf("buffer: flush %+v: %w", id, err)
	}
	f.dirty = false
	f.page.ClearDirty()
	return nil
}

// FlushAll writes back every dirty frame. Called at table/database
// close, after the merge thread has been joined.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.frames {
		if err := p.flushLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked finds an unpinned LRU victim, writes it back if dirty,
// and removes it from the pool. Called with mu held.
func (p *Pool) evictLocked() error {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		id := elem.Value.(disk.PageID)
		f := p.frames[id]
		if f.pinCount > 0 {
			continue
		}
		if err := p.flushLocked(id); err != nil {
			return err
		}
		p.lru.Remove(elem)
		delete(p.frames, id)
		return nil
	}
	return fmt.Errorf("buffer: pool exhausted, no unpinned frame to evict (capacity %d)", p.capacity)
}

// Drop removes a page from the pool without flushing it, used when a
// table is dropped and its pages should not be written back. It is a
// no-op for pages that are still pinned.
func (p *Pool) Drop(id disk.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok || f.pinCount > 0 {
		return
	}
	p.lru.Remove(f.elem)
	delete(p.frames, id)
}

// DropTable removes every cached page belonging to a table without
// flushing them.
func (p *Pool) DropTable(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, f := range p.frames {
		if id.Table != table || f.pinCount > 0 {
			continue
		}
		p.lru.Remove(f.elem)
		delete(p.frames, id)
	}
}
