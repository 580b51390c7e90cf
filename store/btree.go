package store

import "github.com/sirgallo/logger"

var btreeLog = logger.NewCustomLog("BTree")

// record is a single (k, v) entry. On a LEAF page v is the user value; on a
// BRANCH page v is the gpid of the child subtree whose smallest key is k.
type record struct {
	k, v uint64
}

// Status codes threaded through the recursive insert/delete/search paths.
const (
	statusInserted = iota
	statusReplaced
	statusSplit
)

const (
	delOK = iota
	delDeleted
	delNotFound
)

const (
	searchFoundExact = iota
	searchFoundGreater
	searchNotFound
)

// tree is the B+ tree component: put/get/del and forward cursors, built on
// top of the page cache and allocator. All keys compare as unsigned 64-bit
// integers; fanout is fixed at RecordNumPage per page.
type tree struct {
	cache  *cache
	alloc  *allocator
	header *fileHeader
}

// findKey returns i such that rec[i].k == k, or rec[i].k < k < rec[i+1].k;
// -1 if the page is empty or k precedes every key; recordNum-1 if k is at
// least the last key.
func findKey(p page, k uint64) int32 {
	n := p.recordNum()
	if n <= 0 || k < p.key(0) {
		return -1
	}
	if k >= p.key(n-1) {
		return n - 1
	}

	lo, hi := int32(0), n-1
	for lo <= hi {
		mi := (lo + hi) / 2
		switch {
		case k == p.key(mi):
			return mi
		case k > p.key(mi):
			if k < p.key(mi+1) {
				return mi
			}
			lo = mi + 1
		default:
			hi = mi - 1
		}
	}
	assert(false, "findKey: binary search fell through")
	return -1
}

// insertRec inserts or replaces rec at the position found by findKey,
// shifting records as needed. Precondition: p.recordNum() < RecordNumPage.
func insertRec(p page, pos int32, rec record) int {
	if p.recordNum() == 0 {
		p.setRecord(0, rec.k, rec.v)
		p.setRecordNum(1)
		return statusInserted
	}

	assert(p.recordNum() < RecordNumPage, "insertRec: page full")

	switch {
	case rec.k > p.key(pos):
		p.shiftRight(pos + 1)
		p.setRecord(pos+1, rec.k, rec.v)
		p.setRecordNum(p.recordNum() + 1)
		return statusInserted
	case rec.k == p.key(pos):
		assert(p.isLeaf(), "insertRec: key collision on a branch page")
		p.setRecord(pos, rec.k, rec.v)
		return statusReplaced
	case pos == 0:
		assert(rec.k < p.key(0), "insertRec: unreachable ordering")
		p.shiftRight(0)
		p.setRecord(0, rec.k, rec.v)
		p.setRecordNum(p.recordNum() + 1)
		return statusInserted
	default:
		assert(false, "insertRec: key out of order")
		return statusInserted
	}
}

// makeRootPage allocates a single page and initializes it as an empty root
// (LEAF or BRANCH), without touching the header.
func (t *tree) makeRootPage(leaf bool) (gpid, error) {
	g, err := t.alloc.allocPage()
	if err != nil {
		return GPIDNil, err
	}
	h := t.cache.getPage(g)
	p := h.page()
	p.setRecordNum(0)
	if leaf {
		p.setFlags(pageLeafFlag)
	} else {
		p.setFlags(0)
	}
	p.setNext(GPIDNil)
	t.cache.markDirty(h)
	t.cache.putPage(h)
	return g, nil
}

// split divides the full page currH (identified by currGpid) into two
// pages and inserts a pointer to the new sibling into the parent at
// parentPos. If parentH is nil, currGpid is the tree root: a new branch
// root is bootstrapped first and the old root's pointer is installed at
// the sentinel "before all" position.
func (t *tree) split(parentH *pageHandle, parentPos int32, currH pageHandle, currGpid gpid) error {
	curr := currH.page()
	assert(curr.recordNum() == RecordNumPage, "split: page not full")

	var upH pageHandle
	ppos := parentPos
	bootstrapped := false

	if parentH == nil {
		newRootGpid, err := t.makeRootPage(false)
		if err != nil {
			return err
		}
		t.header.setRootGPID(newRootGpid)
		t.header.setLevel(t.header.level() + 1)

		upH = t.cache.getPage(newRootGpid)
		insertRec(upH.page(), -1, record{k: curr.key(0), v: uint64(currGpid)})
		t.cache.markDirty(upH)
		bootstrapped = true
		ppos = 0
	} else {
		upH = *parentH
	}

	newGpid, err := t.alloc.allocPage()
	if err != nil {
		if bootstrapped {
			t.cache.putPage(upH)
		}
		return err
	}

	newH := t.cache.getPage(newGpid)
	newP := newH.page()

	half := curr.recordNum() / 2
	copyRecords(newP, 0, curr, half, curr.recordNum()-half)
	newP.setFlags(curr.flags())
	newP.setNext(curr.next())
	newP.setRecordNum(curr.recordNum() - half)
	curr.setRecordNum(half)
	curr.setNext(newGpid)
	t.cache.markDirty(currH)
	t.cache.markDirty(newH)

	insertRec(upH.page(), ppos, record{k: newP.key(0), v: uint64(newGpid)})
	t.cache.markDirty(upH)

	t.cache.putPage(newH)
	if bootstrapped {
		t.cache.putPage(upH)
	}
	btreeLog.Debug("split page", currGpid, "new sibling", newGpid)
	return nil
}

// insert is the recursive put: parentH/parentPos describe where the pointer
// to curr lives in its parent (nil/-1 above the root). Each level retries
// at most once on a child SPLIT.
func (t *tree) insert(parentH *pageHandle, parentPos int32, curr gpid, rec record) (int, error) {
	currH := t.cache.getPage(curr)
	p := currH.page()

	if p.recordNum() == RecordNumPage {
		err := t.split(parentH, parentPos, currH, curr)
		t.cache.putPage(currH)
		if err != nil {
			return 0, err
		}
		return statusSplit, nil
	}

	if p.isLeaf() {
		pos := findKey(p, rec.k)
		if pos < 0 {
			pos = 0
		}
		st := insertRec(p, pos, rec)
		t.cache.markDirty(currH)
		t.cache.putPage(currH)
		return st, nil
	}

	tries := 0
	var st int
	var err error
	for {
		pos := findKey(p, rec.k)
		if pos < 0 {
			// rec.k precedes every key here: lower the first branch key so it
			// still bounds child 0 from below.
			pos = 0
			p.setRecord(0, rec.k, p.val(0))
			t.cache.markDirty(currH)
		}
		child := p.childPtr(pos)
		st, err = t.insert(&currH, pos, child, rec)
		tries++
		assert(tries <= 2, "insert: retry budget exceeded")
		if err != nil {
			t.cache.putPage(currH)
			return 0, err
		}
		if st != statusSplit {
			break
		}
	}
	t.cache.putPage(currH)
	return st, nil
}

// Put inserts or replaces (k, v). replaced reports whether an existing key
// was overwritten (record_num is not bumped in that case).
func (t *tree) Put(k, v uint64) (replaced bool, err error) {
	if t.header.level() == 0 {
		g, err := t.makeRootPage(true)
		if err != nil {
			return false, err
		}
		t.header.setRootGPID(g)
		t.header.setLevel(1)
	}

	rec := record{k: k, v: v}
	tries := 0
	var st int
	for {
		st, err = t.insert(nil, -1, t.header.rootGPID(), rec)
		tries++
		assert(tries <= 2, "put: retry budget exceeded")
		if err != nil {
			return false, err
		}
		if st != statusSplit {
			break
		}
	}

	if st != statusReplaced {
		t.header.setRecordNum(t.header.recordNum() + 1)
	}
	return st == statusReplaced, nil
}

// del is the recursive delete.
func (t *tree) del(curr gpid, k uint64) int {
	h := t.cache.getPage(curr)
	p := h.page()
	pos := findKey(p, k)

	if p.isLeaf() {
		if pos < 0 || p.key(pos) != k {
			t.cache.putPage(h)
			return delNotFound
		}
		p.shiftLeft(pos)
		p.setRecordNum(p.recordNum() - 1)
		t.cache.markDirty(h)
		if p.recordNum() == 0 {
			t.cache.putPage(h)
			t.alloc.freePage(curr)
			return delDeleted
		}
		t.cache.putPage(h)
		return delOK
	}

	if pos < 0 {
		pos = 0
	}
	child := p.childPtr(pos)
	ret := t.del(child, k)
	if ret == delDeleted {
		p.shiftLeft(pos)
		p.setRecordNum(p.recordNum() - 1)
		t.cache.markDirty(h)
		if p.recordNum() == 0 {
			t.cache.putPage(h)
			t.alloc.freePage(curr)
			return delDeleted
		}
		ret = delOK
	}
	t.cache.putPage(h)
	return ret
}

// Del removes k, reporting whether it was present. This implementation
// performs no merge/redistribute on underflow: pages shrink in place and
// are freed only once entirely empty, so the tree is not
// guaranteed to stay balanced under a deletion-heavy workload.
func (t *tree) Del(k uint64) bool {
	if t.header.level() == 0 {
		return false
	}
	ret := t.del(t.header.rootGPID(), k)
	if ret == delNotFound {
		return false
	}
	if ret == delDeleted {
		t.header.setLevel(0)
		t.header.setRootGPID(GPIDNil)
	}
	t.header.setRecordNum(t.header.recordNum() - 1)
	return true
}

// search descends branches via pos = max(findKey, 0) and stops at a leaf,
// returning the pinned leaf handle and the raw (possibly -1) position
// within it. The caller is responsible for releasing the returned handle
// exactly once.
func (t *tree) search(curr gpid, k uint64) (rec record, status int, h pageHandle, pos int32) {
	h = t.cache.getPage(curr)
	p := h.page()
	pos = findKey(p, k)

	if p.isLeaf() {
		if pos < 0 {
			status = searchNotFound
			return
		}
		if p.key(pos) == k {
			rec = record{k: p.key(pos), v: p.val(pos)}
			status = searchFoundExact
		} else {
			status = searchFoundGreater
		}
		return
	}

	if pos < 0 {
		pos = 0
	}
	next := p.childPtr(pos)
	t.cache.putPage(h)
	return t.search(next, k)
}

// Get returns the value stored for k, if any.
func (t *tree) Get(k uint64) (uint64, bool) {
	if t.header.rootGPID() == GPIDNil {
		return 0, false
	}
	rec, status, h, _ := t.search(t.header.rootGPID(), k)
	t.cache.putPage(h)
	return rec.v, status == searchFoundExact
}
