package ridtree

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Range scans and cursors (§4.8)
// ───────────────────────────────────────────────────────────────────────────

// KeyRIDPair is one emitted (key, rid) pair from a cursor.
type KeyRIDPair struct {
	Key Key
	RID RID
}

// DefaultPrefetchSize is the batch size Tree.IterateBetween asks Next for
// while draining a cursor. Next itself raises a prefetch size of 0 (or
// less) to 1.
const DefaultPrefetchSize = 64

// MaxPrefetchSize bounds how many pairs a single Next call buffers.
const MaxPrefetchSize = 4096

// Cursor is a lazy, snapshot-free (§5) sequence of (key, rid) pairs
// between two bounds, in ascending or descending key order.
type Cursor struct {
	tree      *Tree
	fromKey   Key // already padded per §4.8's table; nil means unbounded
	toKey     Key // already padded; nil means unbounded
	ascending bool
	// fromInclusive/toInclusive decide whether a key equal to a bound is in
	// range; padding cannot exclude a key that already has the full arity.
	fromInclusive bool
	toInclusive   bool

	started      bool
	exhausted    bool
	curPageID    PageID
	entryIdx     int
	entries      []LeafEntry
	pending      []RID // unread RIDs of the entry currently being emitted
	pendingKey   Key
	lastKeyBytes []byte
}

// iterateEntriesBetween is the ascending/descending between-scan entry
// point (§4.8, §6 `iterateEntriesBetween`).
func (t *Tree) iterateEntriesBetween(from Key, fromInclusive bool, to Key, toInclusive bool, ascending bool) (*Cursor, error) {
	arity := t.cfg.KeySize
	var fromPadded, toPadded Key
	if from != nil {
		if fromInclusive {
			fromPadded = padTo(from, arity, AlwaysLess)
		} else {
			fromPadded = padTo(from, arity, AlwaysGreater)
		}
	}
	if to != nil {
		if toInclusive {
			toPadded = padTo(to, arity, AlwaysGreater)
		} else {
			toPadded = padTo(to, arity, AlwaysLess)
		}
	}

	c := &Cursor{tree: t, fromKey: fromPadded, toKey: toPadded, fromInclusive: fromInclusive, toInclusive: toInclusive, ascending: ascending}
	startKey := fromPadded
	if !ascending {
		startKey = toPadded
	}

	leafID, err := t.descendForBoundary(startKey, ascending)
	if err != nil {
		return nil, err
	}

	if startKey != nil && len(startKey) > 0 {
		plain := unpad(startKey)
		if ascending {
			leafID, err = t.walkToSpanStart(leafID, plain, true)
		} else {
			leafID, err = t.walkToSpanStart(leafID, plain, false)
		}
		if err != nil {
			return nil, err
		}
	}

	c.curPageID = leafID
	return c, nil
}

// iterateEntriesBetweenMajor scans entries strictly greater than (or equal
// to, if inclusive) from, up to the tree's end (§6 `…Major`).
func (t *Tree) iterateEntriesBetweenMajor(from Key, fromInclusive bool) (*Cursor, error) {
	return t.iterateEntriesBetween(from, fromInclusive, nil, false, true)
}

// iterateEntriesBetweenMinor scans entries from the tree's start up to (or
// including, if inclusive) to (§6 `…Minor`).
func (t *Tree) iterateEntriesBetweenMinor(to Key, toInclusive bool) (*Cursor, error) {
	return t.iterateEntriesBetween(nil, false, to, toInclusive, true)
}

// keyCursor returns an ascending cursor over the whole tree (§6
// `keyCursor`). It emits one (key, rid) pair per stored RID, so a key with
// several RIDs appears once per RID; it does not reduce the scan to
// distinct keys.
func (t *Tree) keyCursor() (*Cursor, error) {
	return t.iterateEntriesBetween(nil, false, nil, false, true)
}

func unpad(k Key) Key {
	out := make(Key, 0, len(k))
	for _, item := range k {
		if _, ok := item.(sentinel); ok {
			continue
		}
		out = append(out, item)
	}
	return out
}

// descendForBoundary walks from the root to the leaf that should contain
// boundary, comparing at the Key level (rather than through the byte-only
// comparator) since boundary may carry ALWAYS_LESS/ALWAYS_GREATER sentinel
// items that the key serializer cannot encode.
func (t *Tree) descendForBoundary(boundary Key, ascending bool) (PageID, error) {
	pageID := RootPageID
	for depth := 0; ; depth++ {
		if depth > MaxPathLength {
			return 0, newTreeError(kindCorruption, t.cfg.Name, "cursor-descend", fmt.Errorf("descent exceeded %d levels", MaxPathLength))
		}
		buf, err := t.pager.ReadPage(pageID)
		if err != nil {
			return 0, newTreeError(kindIO, t.cfg.Name, "cursor-descend", err)
		}
		bp := WrapBucketPage(buf)
		if bp.IsLeaf() {
			t.pager.UnpinPage(pageID)
			return pageID, nil
		}
		n := bp.EntryCount()
		child := bp.Right()
		if boundary != nil {
			for i := 0; i < n; i++ {
				e := bp.GetInternalEntry(i)
				sep, derr := t.decodeStoredKey(e.KeyBytes)
				if derr != nil {
					t.pager.UnpinPage(pageID)
					return 0, derr
				}
				if CompareKeys(boundary, sep) < 0 {
					child = e.ChildID
					break
				}
			}
		} else if !ascending {
			child = bp.Right()
		} else if n > 0 {
			child = bp.GetInternalEntry(0).ChildID
		}
		t.pager.UnpinPage(pageID)
		pageID = child
	}
}

// walkToSpanStart walks left (forward scans) or right (backward scans)
// from pageID while the adjacent sibling's boundary entry still shares
// plainBoundary as a prefix, so a scan starting exactly on a duplicated
// key picks up every leaf that key spans (§4.8: "the first iteration of
// the forward cursor scans the left sibling chain while its last key
// still equals fromKey").
func (t *Tree) walkToSpanStart(pageID PageID, plainBoundary Key, forward bool) (PageID, error) {
	if len(plainBoundary) == 0 {
		return pageID, nil
	}
	cur := pageID
	for {
		buf, err := t.pager.ReadPage(cur)
		if err != nil {
			return 0, newTreeError(kindIO, t.cfg.Name, "cursor-span", err)
		}
		bp := WrapBucketPage(buf)
		n := bp.EntryCount()
		var neighbor PageID
		var boundaryIdx int
		if forward {
			neighbor = bp.Left()
			boundaryIdx = 0
		} else {
			neighbor = bp.Right()
			boundaryIdx = n - 1
		}
		t.pager.UnpinPage(cur)
		if neighbor == InvalidPageID {
			return cur, nil
		}
		nbBuf, err := t.pager.ReadPage(neighbor)
		if err != nil {
			return 0, newTreeError(kindIO, t.cfg.Name, "cursor-span", err)
		}
		nb := WrapBucketPage(nbBuf)
		nn := nb.EntryCount()
		if nn == 0 {
			t.pager.UnpinPage(neighbor)
			return cur, nil
		}
		idx := nn - 1
		if !forward {
			idx = 0
		}
		_ = boundaryIdx
		e := nb.GetLeafEntry(idx)
		t.pager.UnpinPage(neighbor)
		key, err := t.decodeStoredKey(e.KeyBytes)
		if err != nil {
			return 0, err
		}
		if !prefixEqual(key, plainBoundary) {
			return cur, nil
		}
		cur = neighbor
	}
}

func prefixEqual(key, prefix Key) bool {
	if len(prefix) > len(key) {
		return false
	}
	return CompareKeys(key[:len(prefix)], prefix) == 0
}

// inRange reports whether key falls within the cursor's fromKey..toKey
// bounds (already padded to the tree's arity); a key equal to a bound is
// in range only when that bound is inclusive.
func (c *Cursor) inRange(key Key) bool {
	if c.fromKey != nil {
		if cmp := CompareKeys(key, c.fromKey); cmp < 0 || (cmp == 0 && !c.fromInclusive) {
			return false
		}
	}
	if c.toKey != nil {
		if cmp := CompareKeys(key, c.toKey); cmp > 0 || (cmp == 0 && !c.toInclusive) {
			return false
		}
	}
	return true
}

// Next returns up to prefetchSize (key, rid) pairs. An empty, non-nil
// slice with a nil error means the cursor is exhausted.
func (c *Cursor) Next(prefetchSize int) ([]KeyRIDPair, error) {
	if prefetchSize <= 0 {
		prefetchSize = 1
	}
	if prefetchSize > MaxPrefetchSize {
		prefetchSize = MaxPrefetchSize
	}

	c.tree.opMgr.RLock()
	defer c.tree.opMgr.RUnlock()

	var out []KeyRIDPair
	for len(out) < prefetchSize {
		if len(c.pending) > 0 {
			rid := c.pending[0]
			c.pending = c.pending[1:]
			out = append(out, KeyRIDPair{Key: c.pendingKey, RID: rid})
			continue
		}
		if c.exhausted {
			break
		}
		if c.entries == nil || c.entryIdx >= len(c.entries) {
			if err := c.loadPage(); err != nil {
				return out, err
			}
			if c.exhausted {
				break
			}
			continue
		}

		var e LeafEntry
		if c.ascending {
			e = c.entries[c.entryIdx]
		} else {
			e = c.entries[len(c.entries)-1-c.entryIdx]
		}
		c.entryIdx++

		key, err := c.tree.decodeStoredKey(e.KeyBytes)
		if err != nil {
			return out, err
		}
		if !c.inRange(key) {
			if c.ascending && c.toKey != nil && CompareKeys(key, c.toKey) > 0 {
				c.exhausted = true
				break
			}
			if !c.ascending && c.fromKey != nil && CompareKeys(key, c.fromKey) < 0 {
				c.exhausted = true
				break
			}
			continue
		}
		if keyBytesEqual(e.KeyBytes, c.lastKeyBytes) {
			continue
		}
		c.lastKeyBytes = append([]byte{}, e.KeyBytes...)

		rids, err := c.tree.collectEntryRIDs(e)
		if err != nil {
			return out, err
		}
		if len(rids) == 0 {
			continue
		}
		c.pendingKey = key
		c.pending = rids
	}
	return out, nil
}

// loadPage advances to the next leaf in scan direction and decodes its
// entries, or marks the cursor exhausted.
func (c *Cursor) loadPage() error {
	if !c.started {
		c.started = true
	} else {
		buf, err := c.tree.pager.ReadPage(c.curPageID)
		if err != nil {
			return newTreeError(kindIO, c.tree.cfg.Name, "cursor-next", err)
		}
		bp := WrapBucketPage(buf)
		next := bp.Right()
		if !c.ascending {
			next = bp.Left()
		}
		c.tree.pager.UnpinPage(c.curPageID)
		if next == InvalidPageID {
			c.exhausted = true
			c.entries = nil
			return nil
		}
		c.curPageID = next
	}

	buf, err := c.tree.pager.ReadPage(c.curPageID)
	if err != nil {
		return newTreeError(kindIO, c.tree.cfg.Name, "cursor-next", err)
	}
	bp := WrapBucketPage(buf)
	c.entries = bp.GetAllLeafEntries()
	c.entryIdx = 0
	c.tree.pager.UnpinPage(c.curPageID)
	if len(c.entries) == 0 {
		right := bp.Right()
		if !c.ascending {
			right = bp.Left()
		}
		if right == InvalidPageID {
			c.exhausted = true
		}
	}
	return nil
}

func keyBytesEqual(a, b []byte) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close releases cursor resources. A Cursor holds no page pins between
// Next calls (§5 "snapshot-free"), so this is a no-op kept for symmetry
// with Tree.Close/OverflowContainer.Close.
func (c *Cursor) Close() error { return nil }
