package store

import (
	"testing"

	is "github.com/stretchr/testify/require"
)

func leafWithKeys(keys ...uint64) page {
	p := newPage()
	p.setFlags(pageLeafFlag)
	p.setNext(GPIDNil)
	for i, k := range keys {
		p.setRecord(int32(i), k, k*10)
	}
	p.setRecordNum(int32(len(keys)))
	return p
}

func TestFindKey(t *testing.T) {
	p := leafWithKeys(10, 20, 30, 40, 50)

	is.Equal(t, int32(-1), findKey(p, 5))
	is.Equal(t, int32(0), findKey(p, 10))
	is.Equal(t, int32(0), findKey(p, 15))
	is.Equal(t, int32(2), findKey(p, 30))
	is.Equal(t, int32(2), findKey(p, 35))
	is.Equal(t, int32(4), findKey(p, 50))
	is.Equal(t, int32(4), findKey(p, 99))

	empty := leafWithKeys()
	is.Equal(t, int32(-1), findKey(empty, 10))

	one := leafWithKeys(7)
	is.Equal(t, int32(-1), findKey(one, 6))
	is.Equal(t, int32(0), findKey(one, 7))
	is.Equal(t, int32(0), findKey(one, 8))
}

func TestInsertRec(t *testing.T) {
	p := leafWithKeys()

	// Empty page: first record lands at index 0.
	is.Equal(t, statusInserted, insertRec(p, -1, record{k: 20, v: 200}))
	is.Equal(t, int32(1), p.recordNum())

	// Append after the last key.
	is.Equal(t, statusInserted, insertRec(p, findKey(p, 40), record{k: 40, v: 400}))
	is.Equal(t, uint64(40), p.key(1))

	// Insert before the first key (pos == 0, k < rec[0].k).
	is.Equal(t, statusInserted, insertRec(p, 0, record{k: 10, v: 100}))
	is.Equal(t, uint64(10), p.key(0))
	is.Equal(t, uint64(20), p.key(1))
	is.Equal(t, uint64(40), p.key(2))

	// Insert between two keys.
	is.Equal(t, statusInserted, insertRec(p, findKey(p, 30), record{k: 30, v: 300}))
	is.Equal(t, uint64(30), p.key(2))
	is.Equal(t, int32(4), p.recordNum())

	// Replace an existing key: value overwritten, count unchanged.
	is.Equal(t, statusReplaced, insertRec(p, findKey(p, 30), record{k: 30, v: 999}))
	is.Equal(t, int32(4), p.recordNum())
	is.Equal(t, uint64(999), p.val(2))
}

func TestLeafSplitShape(t *testing.T) {
	st := newStoreTester(t, Options{})
	defer st.dispose()

	// RecordNumPage puts fill the root leaf exactly; one more forces the
	// first split and a branch root.
	for k := uint64(1); k <= RecordNumPage; k++ {
		st.put(k, k)
	}
	is.EqualValues(t, 1, st.s.fm.header.level())

	st.put(RecordNumPage+1, RecordNumPage+1)
	is.EqualValues(t, 2, st.s.fm.header.level())

	tr := st.s.tree
	rootH := tr.cache.getPage(st.s.fm.header.rootGPID())
	root := rootH.page()
	is.False(t, root.isLeaf())
	is.Equal(t, int32(2), root.recordNum())

	half := int32(RecordNumPage) / 2
	leftH := tr.cache.getPage(root.childPtr(0))
	left := leftH.page()
	is.True(t, left.isLeaf())
	is.Equal(t, half, left.recordNum())
	is.Equal(t, root.childPtr(1), left.next())
	tr.cache.putPage(leftH)

	rightH := tr.cache.getPage(root.childPtr(1))
	right := rightH.page()
	is.True(t, right.isLeaf())
	is.Equal(t, int32(RecordNumPage)-half+1, right.recordNum())
	is.Equal(t, GPIDNil, right.next())
	tr.cache.putPage(rightH)

	tr.cache.putPage(rootH)
	st.verify()
}

// TestCursorStartBetweenKeys pins the half-open-range contract down for a
// start key that is not itself stored: iteration begins at the first key
// at or above it, never at its predecessor.
func TestCursorStartBetweenKeys(t *testing.T) {
	st := newStoreTester(t, Options{})
	defer st.dispose()

	for _, k := range []uint64{10, 20, 30, 40, 50} {
		st.put(k, k)
	}

	collect := func(start, end uint64) []uint64 {
		c := st.s.Cursor(start, end)
		defer c.Close()
		var got []uint64
		for {
			k, _, ok := c.Next()
			if !ok {
				break
			}
			got = append(got, k)
		}
		return got
	}

	is.Equal(t, []uint64{20, 30}, collect(15, 35))
	is.Equal(t, []uint64{10, 20, 30, 40, 50}, collect(0, ^uint64(0)))
	is.Equal(t, []uint64{50}, collect(45, ^uint64(0)))
	is.Nil(t, collect(51, ^uint64(0)))
	is.Nil(t, collect(20, 20))
}

func TestCursorAcrossLeaves(t *testing.T) {
	st := newStoreTester(t, Options{})
	defer st.dispose()

	n := uint64(3 * RecordNumPage)
	for k := uint64(1); k <= n; k++ {
		st.put(k, k)
	}

	c := st.s.Cursor(0, ^uint64(0))
	defer c.Close()
	var prev uint64
	count := uint64(0)
	for {
		k, v, ok := c.Next()
		if !ok {
			break
		}
		if count > 0 {
			is.Less(t, prev, k)
		}
		is.Equal(t, k, v)
		prev = k
		count++
	}
	is.Equal(t, n, count)
}

func TestCursorOnEmptyTree(t *testing.T) {
	st := newStoreTester(t, Options{})
	defer st.dispose()

	c := st.s.Cursor(0, ^uint64(0))
	_, _, ok := c.Next()
	is.False(t, ok)
	c.Close()
}

// TestDeleteCollapsesBranchChain checks the empty-page collapse: deleting a
// leaf's last record removes its pointer from the parent, cascading up when
// the parent empties too.
func TestDeleteCollapsesBranchChain(t *testing.T) {
	st := newStoreTester(t, Options{})
	defer st.dispose()

	for k := uint64(1); k <= RecordNumPage+1; k++ {
		st.put(k, k)
	}
	is.EqualValues(t, 2, st.s.fm.header.level())

	for k := uint64(1); k <= RecordNumPage+1; k++ {
		is.True(t, st.del(k))
	}

	is.EqualValues(t, 0, st.s.RecordNum())
	is.EqualValues(t, 0, st.s.fm.header.level())
	is.Equal(t, GPIDNil, st.s.fm.header.rootGPID())
	// Two leaves plus the branch root were freed along the way.
	is.GreaterOrEqual(t, st.s.fm.header.sparePages(), uint64(3))
}
