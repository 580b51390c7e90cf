// Package store implements an embedded, single-process key/value engine
// that persists an ordered mapping from uint64 keys to uint64 values in a
// single mmap-backed file: a chunked bitmap page allocator, a bounded LRU
// page cache, and a B+ tree over fixed-width records.
package store

import (
	"github.com/sirgallo/logger"
)

var storeLog = logger.NewCustomLog("Store")

// Options configures Open. The zero value is valid and selects defaults.
type Options struct {
	// MaxMappedPages bounds how many pages the cache keeps mmap'd at once.
	// Zero selects DefaultMaxMappedPages.
	MaxMappedPages int
}

// Store is a handle to an open database file. A Store is not safe for
// concurrent use by multiple goroutines: callers that need that must
// serialize their own access (this engine is scoped to single-process,
// single-writer use).
type Store struct {
	fm    *fileMap
	alloc *allocator
	cache *cache
	tree  *tree
}

// Open opens the store file at path, creating it if it does not exist.
func Open(path string, opts Options) (*Store, error) {
	fm, isNew, err := openFileMap(path)
	if err != nil {
		return nil, err
	}

	a, err := openAllocator(fm)
	if err != nil {
		fm.close()
		return nil, err
	}

	c := newCache(fm, opts.MaxMappedPages)

	s := &Store{
		fm:    fm,
		alloc: a,
		cache: c,
		tree:  &tree{cache: c, alloc: a, header: fm.header},
	}

	if isNew {
		storeLog.Info("created new store:", path)
	} else {
		storeLog.Info("opened store:", path)
	}
	return s, nil
}

// Get looks up k, returning ErrNotFound if it is absent.
func (s *Store) Get(k uint64) (uint64, error) {
	v, ok := s.tree.Get(k)
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// Put inserts or overwrites the value stored for k. Returns ErrOutOfSpace
// if the file's chunk space is exhausted.
func (s *Store) Put(k, v uint64) error {
	_, err := s.tree.Put(k, v)
	return err
}

// Del removes k, returning ErrNotFound if it was not present.
func (s *Store) Del(k uint64) error {
	if !s.tree.Del(k) {
		return ErrNotFound
	}
	return nil
}

// Cursor returns a forward cursor over the half-open range [start, end).
// The caller must Close it (directly, or implicitly by draining it to
// exhaustion) to release its pinned page.
func (s *Store) Cursor(start, end uint64) *Cursor {
	return s.tree.openCursor(start, end)
}

// RecordNum reports the number of live keys.
func (s *Store) RecordNum() uint64 { return s.fm.header.recordNum() }

// Sync flushes all dirty pages, the allocator's mappings, and the file
// header to stable storage without closing the store.
func (s *Store) Sync() error {
	s.cache.syncAll()
	s.alloc.syncAllocator()
	return s.fm.sync()
}

// Close flushes all outstanding state and releases the store's file and
// mappings. The Store must not be used afterward.
func (s *Store) Close() error {
	s.cache.exitCache()
	s.alloc.exitAllocator()
	return s.fm.close()
}
