package store

import (
	"encoding/binary"
	"math/bits"

	"github.com/sirgallo/logger"
)

var allocLog = logger.NewCustomLog("Allocator")

const ckidNil = ckid(^uint32(0))

// busyCountTable is the long-lived mapping of the flat MaxChunkNum array of
// 32-bit "pages allocated in this chunk" counters, at BusyPageNumPos.
type busyCountTable struct {
	m mmapRegion
}

func (b *busyCountTable) get(ck ckid) uint32 {
	return binary.LittleEndian.Uint32(b.m[int(ck)*4:])
}

func (b *busyCountTable) set(ck ckid, n uint32) {
	binary.LittleEndian.PutUint32(b.m[int(ck)*4:], n)
}

// chunkBitmap is the current chunk's page-allocation bitmap: one bit per
// page in the chunk, bit set iff the page is allocated. At most one chunk's
// bitmap is mapped at a time.
type chunkBitmap struct {
	ck ckid
	m  mmapRegion
}

func (b *chunkBitmap) isSet(lp lpid) bool {
	w, bit := lp/64, lp%64
	word := binary.LittleEndian.Uint64(b.m[w*8:])
	return word&(1<<bit) != 0
}

func (b *chunkBitmap) set(lp lpid) {
	w, bit := lp/64, lp%64
	off := w * 8
	word := binary.LittleEndian.Uint64(b.m[off:])
	word |= 1 << bit
	binary.LittleEndian.PutUint64(b.m[off:], word)
}

func (b *chunkBitmap) clear(lp lpid) {
	w, bit := lp/64, lp%64
	off := w * 8
	word := binary.LittleEndian.Uint64(b.m[off:])
	word &^= 1 << bit
	binary.LittleEndian.PutUint64(b.m[off:], word)
}

// popcount returns the number of set bits across the whole bitmap, used by
// tests to check the bitmap-vs-busy-counter invariant.
func (b *chunkBitmap) popcount() int {
	n := 0
	for i := 0; i < PageBitmapLen; i += 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(b.m[i:]))
	}
	return n
}

// allocator manages per-chunk page bitmaps and hands out/reclaims gpids.
type allocator struct {
	fm      *fileMap
	currCk  ckid
	bpn     *busyCountTable
	bitmap  *chunkBitmap // nil iff no chunk is currently open
}

func openAllocator(fm *fileMap) (*allocator, error) {
	a := &allocator{fm: fm, currCk: ckidNil}

	isNew := fm.header.fileSize() < BusyPageNumPos+int64(MaxChunkNum*4)
	if isNew {
		fm.ensureLength(BusyPageNumPos, int64(MaxChunkNum*4))
	}

	m, err := mmapAt(fm.fp, BusyPageNumPos, MaxChunkNum*4)
	if err != nil {
		return nil, err
	}
	a.bpn = &busyCountTable{m: m}
	if isNew {
		for i := 0; i < MaxChunkNum*4; i++ {
			m[i] = 0
		}
	}

	ck := a.findChunk(0)
	if ck == ckidNil {
		m.Unmap()
		return nil, ErrOutOfSpace
	}
	if err := a.openChunk(ck); err != nil {
		m.Unmap()
		return nil, err
	}

	return a, nil
}

// findChunk scans the busy-count table starting at `start`, wrapping
// modulo MaxChunkNum, for the first chunk with spare capacity. The scan
// indexes the table by the rotated candidate id, not the loop counter, so
// the rotation actually starts from `start` rather than always from chunk 0.
func (a *allocator) findChunk(start ckid) ckid {
	for i := uint32(0); i < MaxChunkNum; i++ {
		r := ckid((uint32(start) + i) % MaxChunkNum)
		if a.bpn.get(r) < PageNumPerChunk {
			return r
		}
	}
	return ckidNil
}

// openChunk maps chunk ck's bitmap as the current chunk, extending the file
// and self-reserving the bitmap's own pages the first time the chunk is
// touched.
func (a *allocator) openChunk(ck ckid) error {
	assert(a.bitmap == nil, "openChunk called with a chunk already open")

	pos := pagePos(makeGPID(ck, 0))
	isNew := a.bpn.get(ck) == 0
	if isNew {
		a.fm.ensureLength(pos, PageBitmapLen)
	}

	m, err := mmapAt(a.fm.fp, pos, PageBitmapLen)
	if err != nil {
		return err
	}
	a.currCk = ck
	a.bitmap = &chunkBitmap{ck: ck, m: m}

	if isNew {
		for lp := lpid(0); lp < PageBitmapPages; lp++ {
			a.bitmap.set(lp)
		}
		a.bpn.set(ck, PageBitmapPages)
	}
	return nil
}

// closeCurrentChunk syncs and unmaps the current chunk's bitmap.
func (a *allocator) closeCurrentChunk() {
	assert(a.bitmap != nil, "closeCurrentChunk called with no chunk open")
	if err := a.bitmap.m.Sync(); err != nil {
		panic("kvenmo: bitmap sync failed: " + err.Error())
	}
	if err := a.bitmap.m.Unmap(); err != nil {
		panic("kvenmo: bitmap unmap failed: " + err.Error())
	}
	a.currCk = ckidNil
	a.bitmap = nil
}

// allocPage hands out a fresh gpid backed by an allocated file page.
func (a *allocator) allocPage() (gpid, error) {
	if a.bpn.get(a.currCk) >= PageNumPerChunk {
		prev := a.currCk
		a.closeCurrentChunk()
		ck := a.findChunk(prev)
		if ck == ckidNil {
			return GPIDNil, ErrOutOfSpace
		}
		if err := a.openChunk(ck); err != nil {
			return GPIDNil, err
		}
	}

	var lp lpid
	found := false
	for lp = PageBitmapPages; lp < PageNumPerChunk; lp++ {
		if !a.bitmap.isSet(lp) {
			found = true
			break
		}
	}
	assert(found, "allocPage: current chunk reports spare capacity but bitmap has none")

	a.bitmap.set(lp)
	a.bpn.set(a.currCk, a.bpn.get(a.currCk)+1)

	g := makeGPID(a.currCk, lp)
	a.fm.ensureLength(pagePos(g), PageSize)

	a.fm.header.setTotalPages(a.fm.header.totalPages() + 1)
	return g, nil
}

// freePage reclaims gpid g. Freed pages are eligible for reuse but their
// on-disk content is not zeroed, truncated, or unmapped from the cache.
func (a *allocator) freePage(g gpid) {
	ck, lp := g.split()

	if ck == a.currCk {
		assert(a.bitmap.isSet(lp), "freePage: bit not set")
		a.bitmap.clear(lp)
		a.bpn.set(ck, a.bpn.get(ck)-1)
	} else {
		// The bit lives in a chunk that is not currently mapped; map it
		// transiently to clear the bit, then return to the original chunk.
		pos := pagePos(makeGPID(ck, 0))
		m, err := mmapAt(a.fm.fp, pos, PageBitmapLen)
		if err != nil {
			panic("kvenmo: freePage: mmap failed: " + err.Error())
		}
		other := &chunkBitmap{ck: ck, m: m}
		assert(other.isSet(lp), "freePage: bit not set")
		other.clear(lp)
		if err := m.Sync(); err != nil {
			panic("kvenmo: freePage: sync failed: " + err.Error())
		}
		if err := m.Unmap(); err != nil {
			panic("kvenmo: freePage: unmap failed: " + err.Error())
		}
		a.bpn.set(ck, a.bpn.get(ck)-1)
	}

	a.fm.header.setSparePages(a.fm.header.sparePages() + 1)
	allocLog.Debug("freed page", g)
}

// syncAllocator flushes the current chunk-bitmap mapping (if any) and the
// busy-count mapping to stable storage.
func (a *allocator) syncAllocator() {
	if a.bitmap != nil {
		if err := a.bitmap.m.Sync(); err != nil {
			panic("kvenmo: allocator sync failed: " + err.Error())
		}
	}
	if err := a.bpn.m.Sync(); err != nil {
		panic("kvenmo: allocator sync failed: " + err.Error())
	}
}

// exitAllocator syncs then unmaps both the bitmap and the busy-count table.
func (a *allocator) exitAllocator() {
	a.syncAllocator()
	if a.bitmap != nil {
		if err := a.bitmap.m.Unmap(); err != nil {
			panic("kvenmo: allocator unmap failed: " + err.Error())
		}
		a.bitmap = nil
		a.currCk = ckidNil
	}
	if err := a.bpn.m.Unmap(); err != nil {
		panic("kvenmo: allocator unmap failed: " + err.Error())
	}
}
