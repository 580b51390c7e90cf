package store

// Cursor iterates the half-open key range [startKey, endKey) in ascending
// order, walking leaf-to-leaf via each page's `next` pointer.
// A Cursor pins exactly one page at a time; Close (or exhausting the range)
// releases it.
type Cursor struct {
	t        *tree
	endKey   uint64
	gpid     gpid
	h        pageHandle
	pos      int32
	pinned   bool
}

// openCursor binary-searches to the leaf that would contain startKey and
// parks the cursor there, pinned at the returned position (possibly -1,
// meaning "before the first record"). When startKey is absent the search
// lands on its in-leaf predecessor; the cursor steps past it so iteration
// starts at the first key >= startKey.
func (t *tree) openCursor(startKey, endKey uint64) *Cursor {
	c := &Cursor{t: t, endKey: endKey}

	if t.header.rootGPID() == GPIDNil {
		return c
	}

	_, status, h, pos := t.search(t.header.rootGPID(), startKey)
	if status == searchFoundGreater {
		pos++
	}
	c.gpid = h.entry.gpid
	c.h = h
	c.pos = pos
	c.pinned = true
	return c
}

// Next advances the cursor and reports its next (k, v) pair. ok is false
// once the range is exhausted, after which the cursor holds no pin.
func (c *Cursor) Next() (k, v uint64, ok bool) {
	if !c.pinned {
		return 0, 0, false
	}

	p := c.h.page()
	if c.pos >= p.recordNum() {
		next := p.next()
		if next == GPIDNil {
			c.t.cache.putPage(c.h)
			c.pinned = false
			return 0, 0, false
		}
		c.t.cache.putPage(c.h)
		c.h = c.t.cache.getPage(next)
		c.gpid = next
		p = c.h.page()
		c.pos = 0
	}

	if c.pos == -1 {
		c.pos = 0
	}

	if p.key(c.pos) >= c.endKey {
		c.t.cache.putPage(c.h)
		c.pinned = false
		return 0, 0, false
	}

	k, v = p.key(c.pos), p.val(c.pos)
	c.pos++
	return k, v, true
}

// Close releases the cursor's pinned page, if any. Safe to call more than
// once and safe to call after Next has already exhausted the range.
func (c *Cursor) Close() {
	if c.pinned {
		c.t.cache.putPage(c.h)
		c.pinned = false
	}
}
