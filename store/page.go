package store

import "encoding/binary"

// gpid is a global page identifier: a 64-bit index naming a single page
// in the file. ckid/lpid split a gpid into its chunk and local parts.
type gpid uint64

type ckid uint32
type lpid uint32

func makeGPID(ck ckid, lp lpid) gpid {
	return gpid(uint64(ck)*PageNumPerChunk + uint64(lp))
}

func (g gpid) split() (ckid, lpid) {
	return ckid(uint64(g) / PageNumPerChunk), lpid(uint64(g) % PageNumPerChunk)
}

// pagePos returns the byte offset of page g within the file.
func pagePos(g gpid) int64 {
	return MetaLen + int64(g)*PageSize
}

// page is a fixed PageSize-byte on-disk B+ tree node: a header followed by
// a fixed-capacity array of (k, v) records, sorted strictly ascending by k.
// It is a thin accessor over bytes backed by a page-cache mapping.
type page []byte

func newPage() page {
	return make(page, PageSize)
}

func (p page) recordNum() int32 {
	return int32(binary.LittleEndian.Uint32(p[0:4]))
}

func (p page) setRecordNum(n int32) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(n))
}

func (p page) flags() uint32 {
	return binary.LittleEndian.Uint32(p[4:8])
}

func (p page) setFlags(f uint32) {
	binary.LittleEndian.PutUint32(p[4:8], f)
}

func (p page) isLeaf() bool {
	return p.flags()&pageLeafFlag != 0
}

func (p page) next() gpid {
	return gpid(binary.LittleEndian.Uint64(p[8:16]))
}

func (p page) setNext(g gpid) {
	binary.LittleEndian.PutUint64(p[8:16], uint64(g))
}

func recordOffset(idx int32) int {
	return pageHeaderLen + int(idx)*16
}

func (p page) key(idx int32) uint64 {
	off := recordOffset(idx)
	return binary.LittleEndian.Uint64(p[off : off+8])
}

func (p page) val(idx int32) uint64 {
	off := recordOffset(idx)
	return binary.LittleEndian.Uint64(p[off+8 : off+16])
}

func (p page) setRecord(idx int32, k, v uint64) {
	off := recordOffset(idx)
	binary.LittleEndian.PutUint64(p[off:off+8], k)
	binary.LittleEndian.PutUint64(p[off+8:off+16], v)
}

// childPtr reads the gpid stored in a BRANCH record's value slot.
func (p page) childPtr(idx int32) gpid {
	return gpid(p.val(idx))
}

// copyRecords copies n records from src[srcIdx:] to p[dstIdx:], used when
// splitting a full page into two.
func copyRecords(dst page, dstIdx int32, src page, srcIdx int32, n int32) {
	if n == 0 {
		return
	}
	srcOff := recordOffset(srcIdx)
	dstOff := recordOffset(dstIdx)
	copy(dst[dstOff:dstOff+int(n)*16], src[srcOff:srcOff+int(n)*16])
}

// shiftRight moves records [from, recordNum) one slot to the right to make
// room for an insertion at `from`.
func (p page) shiftRight(from int32) {
	n := p.recordNum()
	for i := n; i > from; i-- {
		k, v := p.key(i-1), p.val(i-1)
		p.setRecord(i, k, v)
	}
}

// shiftLeft moves records (at, recordNum) one slot to the left, overwriting
// the record at `at`, used when removing a record.
func (p page) shiftLeft(at int32) {
	n := p.recordNum()
	for i := at; i < n-1; i++ {
		k, v := p.key(i+1), p.val(i+1)
		p.setRecord(i, k, v)
	}
}
