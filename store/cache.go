package store

import (
	"github.com/sirgallo/logger"
)

var cacheLog = logger.NewCustomLog("Cache")

const (
	cacheDirty = 1 << 0
	cacheBusy  = 1 << 1
)

// cacheEntry is one mapped page. It simultaneously participates in a hash
// index keyed by gpid (here a Go map, a substitute for an intrusive
// hash-bucket chain) and one of two intrusive doubly-linked lists: BUSY
// (pinned) or FREE (mapped but unpinned, LRU-ordered with the
// most-recently-released entry at the head).
type cacheEntry struct {
	gpid  gpid
	data  mmapRegion
	flags int

	prev, next *cacheEntry
}

func (e *cacheEntry) dirty() bool { return e.flags&cacheDirty != 0 }
func (e *cacheEntry) busy() bool  { return e.flags&cacheBusy != 0 }

// list is a circular doubly-linked list with a sentinel head node.
type list struct {
	sentinel cacheEntry
}

func newList() *list {
	l := &list{}
	l.sentinel.prev = &l.sentinel
	l.sentinel.next = &l.sentinel
	return l
}

func (l *list) empty() bool { return l.sentinel.next == &l.sentinel }

// pushFront inserts e immediately after the sentinel (MRU position).
func (l *list) pushFront(e *cacheEntry) {
	e.prev = &l.sentinel
	e.next = l.sentinel.next
	l.sentinel.next.prev = e
	l.sentinel.next = e
}

func (l *list) remove(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

// back returns the LRU entry (tail), or nil if the list is empty.
func (l *list) back() *cacheEntry {
	if l.empty() {
		return nil
	}
	return l.sentinel.prev
}

// DefaultMaxMappedPages is the default mapped-page budget: 256 pages = 1 MiB.
const DefaultMaxMappedPages = 256

// cache bounds the set of simultaneously mapped pages and enforces the
// pin/unpin (busy/free) discipline.
type cache struct {
	fm  *fileMap
	max int

	mappedNum int
	hash      map[gpid]*cacheEntry
	free      *list
	busyList  *list
}

func newCache(fm *fileMap, max int) *cache {
	if max <= 0 {
		max = DefaultMaxMappedPages
	}
	return &cache{
		fm:       fm,
		max:      max,
		hash:     make(map[gpid]*cacheEntry),
		free:     newList(),
		busyList: newList(),
	}
}

// pageHandle is a pinned reference to a cached page. A page mapped by
// getPage must not be touched after its matching putPage: a later getPage
// for a different gpid may evict it.
type pageHandle struct {
	entry *cacheEntry
}

func (h pageHandle) page() page { return page(h.entry.data) }

// evict unmaps a single entry, syncing it first if dirty.
func (c *cache) evict(e *cacheEntry) {
	if e.dirty() {
		if err := e.data.Sync(); err != nil {
			panic("kvenmo: cache sync failed: " + err.Error())
		}
		e.flags &^= cacheDirty
	}
	if e.busy() {
		c.busyList.remove(e)
	} else {
		c.free.remove(e)
	}
	delete(c.hash, e.gpid)
	if err := e.data.Unmap(); err != nil {
		panic("kvenmo: cache unmap failed: " + err.Error())
	}
	c.mappedNum--
}

// getPage returns a pinned handle to gpid g's page, mapping it on demand.
func (c *cache) getPage(g gpid) pageHandle {
	if c.mappedNum >= c.max {
		for !c.free.empty() && c.mappedNum >= c.max/2 {
			c.evict(c.free.back())
		}
	}

	if e, ok := c.hash[g]; ok {
		assert(!e.busy(), "getPage: hit page already busy")
		c.free.remove(e)
		e.flags |= cacheBusy
		c.busyList.pushFront(e)
		return pageHandle{entry: e}
	}

	data, err := mmapAt(c.fm.fp, pagePos(g), PageSize)
	if err != nil {
		panic("kvenmo: getPage: mmap failed: " + err.Error())
	}
	e := &cacheEntry{gpid: g, data: data, flags: cacheBusy}
	c.hash[g] = e
	c.busyList.pushFront(e)
	c.mappedNum++

	return pageHandle{entry: e}
}

// putPage unpins a handle acquired via getPage. The underlying bytes stay
// mapped until evicted; callers must re-acquire via getPage to touch them
// again.
func (c *cache) putPage(h pageHandle) {
	e := h.entry
	assert(e.busy(), "putPage: page not busy")
	c.busyList.remove(e)
	e.flags &^= cacheBusy
	c.free.pushFront(e)
}

// markDirty flags a pinned page as modified since the last sync.
func (c *cache) markDirty(h pageHandle) {
	h.entry.flags |= cacheDirty
}

func (c *cache) syncEntry(e *cacheEntry) {
	if !e.dirty() {
		return
	}
	if err := e.data.Sync(); err != nil {
		panic("kvenmo: cache sync failed: " + err.Error())
	}
	e.flags &^= cacheDirty
}

// syncAll walks both lists, msync'ing every dirty mapping.
func (c *cache) syncAll() {
	for n := c.free.sentinel.next; n != &c.free.sentinel; n = n.next {
		c.syncEntry(n)
	}
	for n := c.busyList.sentinel.next; n != &c.busyList.sentinel; n = n.next {
		c.syncEntry(n)
	}
}

// exitCache evicts every page on the free list (syncing dirty pages first).
// A non-empty busy list at exit means some caller never matched a getPage
// with a putPage; that is a programming error, not recoverable state.
func (c *cache) exitCache() {
	for !c.free.empty() {
		c.evict(c.free.back())
	}
	if !c.busyList.empty() {
		cacheLog.Error("exitCache: busy list not empty at close")
		panic("kvenmo: page(s) still pinned at close")
	}
}
