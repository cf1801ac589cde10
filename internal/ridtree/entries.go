package ridtree

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Typed result sums (§9 "replace exceptions for control flow with
// explicit result sums")
// ───────────────────────────────────────────────────────────────────────────

// InsertOutcome is the typed result of inserting a RID into a leaf bucket.
type InsertOutcome int

const (
	// InsertCreated: a brand-new leaf entry was created for the key.
	InsertCreated InsertOutcome = iota
	// InsertAppendedInline: the RID was appended to an existing entry's
	// inline list.
	InsertAppendedInline
	// InsertNeedsOverflow: the entry's inline list is full; the caller
	// must also insert (m_id, rid) into the overflow container (C7).
	InsertNeedsOverflow
	// InsertNeedsSplit: the page has no room for this record at all; the
	// caller must split the bucket and retry.
	InsertNeedsSplit
)

// LeafInsertResult is what CreateMainLeafEntry/AppendNewLeafEntry return.
type LeafInsertResult struct {
	Outcome InsertOutcome
	MId     uint64 // valid when Outcome == InsertNeedsOverflow
}

// LeafEntry is one key's full record in a leaf bucket.
type LeafEntry struct {
	KeyBytes     []byte
	MId          uint64
	Inline       []RID
	EntriesCount uint64
}

// InternalEntry is one separator key plus its left-child pointer.
type InternalEntry struct {
	ChildID  PageID
	KeyBytes []byte
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf record encoding
// ───────────────────────────────────────────────────────────────────────────
//
// [0:2]  KeyLen        uint16 LE
// [2:]   KeyBytes
// [+8]   MId           uint64 LE
// [+8]   EntriesCount  uint64 LE
// [+2]   InlineCount   uint16 LE
// [+N*RIDSize] inline RIDs

func marshalLeafRecord(e LeafEntry) []byte {
	buf := make([]byte, 2+len(e.KeyBytes)+8+8+2+len(e.Inline)*RIDSize)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.KeyBytes)))
	off += 2
	copy(buf[off:], e.KeyBytes)
	off += len(e.KeyBytes)
	binary.LittleEndian.PutUint64(buf[off:], e.MId)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.EntriesCount)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Inline)))
	off += 2
	for _, r := range e.Inline {
		MarshalRID(r, buf[off:])
		off += RIDSize
	}
	return buf
}

func unmarshalLeafRecord(buf []byte) LeafEntry {
	off := 0
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	key := buf[off : off+keyLen]
	off += keyLen
	mid := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	entriesCount := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	inlineCount := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	inline := make([]RID, inlineCount)
	for i := 0; i < inlineCount; i++ {
		inline[i] = UnmarshalRID(buf[off:])
		off += RIDSize
	}
	return LeafEntry{KeyBytes: key, MId: mid, Inline: inline, EntriesCount: entriesCount}
}

// leafRecordKey extracts just the key bytes, for binary search, without
// decoding the rest of the record.
func leafRecordKey(buf []byte, off int) []byte {
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	return buf[off+2 : off+2+keyLen]
}

// ───────────────────────────────────────────────────────────────────────────
// Internal record encoding
// ───────────────────────────────────────────────────────────────────────────
//
// [0:2] KeyLen uint16 LE
// [2:]  KeyBytes
// [+4]  ChildID uint32 LE (left child of this separator)

func marshalInternalRecord(e InternalEntry) []byte {
	buf := make([]byte, 2+len(e.KeyBytes)+4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(e.KeyBytes)))
	copy(buf[2:], e.KeyBytes)
	binary.LittleEndian.PutUint32(buf[2+len(e.KeyBytes):], uint32(e.ChildID))
	return buf
}

func unmarshalInternalRecord(buf []byte) InternalEntry {
	keyLen := int(binary.LittleEndian.Uint16(buf[0:]))
	key := buf[2 : 2+keyLen]
	child := PageID(binary.LittleEndian.Uint32(buf[2+keyLen:]))
	return InternalEntry{ChildID: child, KeyBytes: key}
}

func internalRecordKey(buf []byte, off int) []byte {
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	return buf[off+2 : off+2+keyLen]
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf operations (§4.1)
// ───────────────────────────────────────────────────────────────────────────

// FindLeaf performs the §4.1 "find" contract for a leaf bucket.
func (b *BucketPage) FindLeaf(keyBytes []byte, cmp func(a, b []byte) int) (i int, found bool) {
	return b.find(keyBytes, leafRecordKey, cmp)
}

// GetLeafEntry decodes the entry at slot i.
func (b *BucketPage) GetLeafEntry(i int) LeafEntry {
	off := b.getSlotOffset(i)
	return unmarshalLeafRecord(b.buf[off:])
}

// CreateMainLeafEntry inserts a brand-new entry at slot index i for a key
// not already present. first is the entry's sole RID so far.
func (b *BucketPage) CreateMainLeafEntry(i int, keyBytes []byte, first RID, mid uint64) LeafInsertResult {
	rec := marshalLeafRecord(LeafEntry{KeyBytes: keyBytes, MId: mid, Inline: []RID{first}, EntriesCount: 1})
	off, ok := b.appendRecord(rec)
	if !ok {
		return LeafInsertResult{Outcome: InsertNeedsSplit}
	}
	b.insertSlotAt(i, off)
	return LeafInsertResult{Outcome: InsertCreated}
}

// tryRewriteLeafEntry replaces the entry at slot i with e: the fast path
// re-appends at the tail, but when that runs out of room it falls back to
// a full in-place compaction (reclaiming every earlier rewrite's garbage)
// before giving up. Returns false only if e genuinely does not fit even in
// a freshly compacted page, which the caller reports as InsertNeedsSplit.
func (b *BucketPage) tryRewriteLeafEntry(i int, e LeafEntry) bool {
	rec := marshalLeafRecord(e)
	if off, ok := b.appendRecord(rec); ok {
		b.setSlotOffset(i, off)
		return true
	}
	entries := b.GetAllLeafEntries()
	entries[i] = e
	return b.compactLeafWith(entries)
}

// AppendNewLeafEntry appends rid to the existing entry at slot i, either
// inline (if under inlineCap) or by reporting that the caller must spill
// to the overflow container.
func (b *BucketPage) AppendNewLeafEntry(i int, rid RID, inlineCap int) LeafInsertResult {
	e := b.GetLeafEntry(i)
	e.EntriesCount++
	if len(e.Inline) < inlineCap {
		e.Inline = append(e.Inline, rid)
		if !b.tryRewriteLeafEntry(i, e) {
			return LeafInsertResult{Outcome: InsertNeedsSplit}
		}
		return LeafInsertResult{Outcome: InsertAppendedInline}
	}
	// Inline list full: the RID itself goes to the overflow container;
	// only entries_count changes here.
	if !b.tryRewriteLeafEntry(i, e) {
		return LeafInsertResult{Outcome: InsertNeedsSplit}
	}
	return LeafInsertResult{Outcome: InsertNeedsOverflow, MId: e.MId}
}

// RemoveResult is the typed result of removing a RID from a leaf entry.
type RemoveResult struct {
	Found        bool
	EntriesCount int64 // -1 means "not found inline; caller must try the overflow container"
	Vanished     bool  // entry dropped entirely (entries_count reached 0)
}

// RemoveLeafEntry implements §4.1's removeLeafEntry contract.
func (b *BucketPage) RemoveLeafEntry(i int, rid RID) RemoveResult {
	e := b.GetLeafEntry(i)
	idx := -1
	for j, r := range e.Inline {
		if r.Equal(rid) {
			idx = j
			break
		}
	}
	if idx < 0 {
		if e.EntriesCount > uint64(len(e.Inline)) {
			return RemoveResult{Found: false, EntriesCount: -1}
		}
		return RemoveResult{Found: false}
	}
	e.Inline = append(e.Inline[:idx], e.Inline[idx+1:]...)
	e.EntriesCount--
	if e.EntriesCount == 0 {
		b.removeSlotAt(i)
		return RemoveResult{Found: true, EntriesCount: 0, Vanished: true}
	}
	// A shrinking record always fits once the page is compacted, since
	// compaction reclaims the space the old, larger copy of this same
	// record was already occupying; tryRewriteLeafEntry falling through to
	// InsertNeedsSplit's failure path here would mean that accounting is
	// broken, not that the page is genuinely full.
	if !b.tryRewriteLeafEntry(i, e) {
		panic("ridtree: bucket page ran out of space shrinking a record")
	}
	return RemoveResult{Found: true, EntriesCount: int64(e.EntriesCount)}
}

// DecrementEntriesCount is called after the caller successfully removes a
// RID from the overflow container for the entry at slot i, to keep
// entries_count consistent (§4.9 step 2).
func (b *BucketPage) DecrementEntriesCount(i int) (newCount int64, vanished bool) {
	e := b.GetLeafEntry(i)
	e.EntriesCount--
	if e.EntriesCount == 0 {
		b.removeSlotAt(i)
		return 0, true
	}
	if !b.tryRewriteLeafEntry(i, e) {
		panic("ridtree: bucket page ran out of space shrinking a record")
	}
	return int64(e.EntriesCount), false
}

// GetAllLeafEntries decodes every entry in ascending slot order, for use
// while splitting.
func (b *BucketPage) GetAllLeafEntries() []LeafEntry {
	n := b.EntryCount()
	out := make([]LeafEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.GetLeafEntry(i)
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Internal operations (§4.1)
// ───────────────────────────────────────────────────────────────────────────

// GetInternalEntry decodes the entry at slot i.
func (b *BucketPage) GetInternalEntry(i int) InternalEntry {
	off := b.getSlotOffset(i)
	return unmarshalInternalRecord(b.buf[off:])
}

// FindChild returns the child page-id to descend into for searchKey:
// left(i) for the first i whose key > searchKey, else Right() (the
// rightmost child) if searchKey is >= every separator.
func (b *BucketPage) FindChild(searchKey []byte, cmp func(a, b []byte) int) PageID {
	n := b.EntryCount()
	for i := 0; i < n; i++ {
		e := b.GetInternalEntry(i)
		if cmp(searchKey, e.KeyBytes) < 0 {
			return e.ChildID
		}
	}
	return b.Right()
}

// InsertInternalEntry inserts a new (key, leftChild) separator in sorted
// order. Returns false if the page has no room (caller must split).
func (b *BucketPage) InsertInternalEntry(keyBytes []byte, leftChild PageID, cmp func(a, b []byte) int) bool {
	i, _ := b.find(keyBytes, internalRecordKey, cmp)
	rec := marshalInternalRecord(InternalEntry{ChildID: leftChild, KeyBytes: keyBytes})
	off, ok := b.appendRecord(rec)
	if !ok {
		return false
	}
	b.insertSlotAt(i, off)
	return true
}

// GetAllInternalEntries decodes every separator in ascending slot order.
func (b *BucketPage) GetAllInternalEntries() []InternalEntry {
	n := b.EntryCount()
	out := make([]InternalEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.GetInternalEntry(i)
	}
	return out
}
