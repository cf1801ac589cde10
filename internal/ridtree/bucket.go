package ridtree

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Slotted bucket page (C4)
// ───────────────────────────────────────────────────────────────────────────
//
// A bucket page is a leaf or internal node of the tree, marked by its
// PageHeader.Type (PageTypeLeaf / PageTypeInternal). Layout:
//
//   [0:32]    common PageHeader
//   [32:34]   EntryCount   (uint16 LE)
//   [34:36]   reserved
//   [36:40]   Right        (uint32 LE) — leaf: right-sibling page-id;
//                                        internal: rightmost-child page-id
//   [40:44]   Left         (uint32 LE) — leaf only: left-sibling page-id
//   [44:48]   FreeEnd      (uint32 LE) — byte offset of the start of the
//                                        record region (grows downward
//                                        from pageSize as records are
//                                        appended)
//   [48:...]  slot directory: EntryCount * 4-byte record offsets, sorted
//             by key order; growing toward the tail
//   records, growing from the page tail toward the header
//
// Insertion appends the record to the tail, then inserts the slot at the
// binary-search position (shifting subsequent slots right). Deletion
// removes the slot only; the record bytes stay behind until
// compactLeafWith rebuilds a leaf's record region.

const (
	bucketEntryCountOff = PageHeaderSize      // 32
	bucketRightOff      = bucketEntryCountOff + 4 // 36
	bucketLeftOff       = bucketRightOff + 4      // 40
	bucketFreeEndOff    = bucketLeftOff + 4       // 44
	bucketSlotDirOff    = bucketFreeEndOff + 4    // 48
	bucketSlotSize      = 4
)

// BucketPage wraps a page buffer as a leaf or internal node.
type BucketPage struct {
	buf      []byte
	pageSize int
}

// WrapBucketPage wraps an existing bucket page buffer.
func WrapBucketPage(buf []byte) *BucketPage {
	return &BucketPage{buf: buf, pageSize: len(buf)}
}

// InitBucketPage initializes a fresh, empty bucket page of the given kind.
func InitBucketPage(buf []byte, id PageID, leaf bool) *BucketPage {
	pt := PageTypeInternal
	if leaf {
		pt = PageTypeLeaf
	}
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	bp := &BucketPage{buf: buf, pageSize: len(buf)}
	bp.setEntryCount(0)
	bp.SetRight(InvalidPageID)
	bp.SetLeft(InvalidPageID)
	bp.setFreeEnd(len(buf))
	return bp
}

func (b *BucketPage) IsLeaf() bool {
	return UnmarshalHeader(b.buf).Type == PageTypeLeaf
}

func (b *BucketPage) PageID() PageID {
	return UnmarshalHeader(b.buf).ID
}

func (b *BucketPage) Bytes() []byte { return b.buf }

func (b *BucketPage) EntryCount() int {
	return int(binary.LittleEndian.Uint16(b.buf[bucketEntryCountOff:]))
}

func (b *BucketPage) setEntryCount(n int) {
	binary.LittleEndian.PutUint16(b.buf[bucketEntryCountOff:], uint16(n))
}

// Right is the right-sibling page-id for a leaf, or the rightmost-child
// page-id for an internal node.
func (b *BucketPage) Right() PageID {
	return PageID(binary.LittleEndian.Uint32(b.buf[bucketRightOff:]))
}

func (b *BucketPage) SetRight(pid PageID) {
	binary.LittleEndian.PutUint32(b.buf[bucketRightOff:], uint32(pid))
}

// Left is the left-sibling page-id. Leaf only; internal nodes don't
// maintain sibling links (§3 invariant).
func (b *BucketPage) Left() PageID {
	return PageID(binary.LittleEndian.Uint32(b.buf[bucketLeftOff:]))
}

func (b *BucketPage) SetLeft(pid PageID) {
	binary.LittleEndian.PutUint32(b.buf[bucketLeftOff:], uint32(pid))
}

func (b *BucketPage) freeEnd() int {
	return int(binary.LittleEndian.Uint32(b.buf[bucketFreeEndOff:]))
}

func (b *BucketPage) setFreeEnd(v int) {
	binary.LittleEndian.PutUint32(b.buf[bucketFreeEndOff:], uint32(v))
}

func (b *BucketPage) slotDirEnd() int {
	return bucketSlotDirOff + b.EntryCount()*bucketSlotSize
}

// FreeSpace is the number of bytes available for a new slot + record.
func (b *BucketPage) FreeSpace() int {
	return b.freeEnd() - b.slotDirEnd()
}

func (b *BucketPage) getSlotOffset(i int) int {
	off := bucketSlotDirOff + i*bucketSlotSize
	return int(binary.LittleEndian.Uint32(b.buf[off:]))
}

func (b *BucketPage) setSlotOffset(i, v int) {
	off := bucketSlotDirOff + i*bucketSlotSize
	binary.LittleEndian.PutUint32(b.buf[off:], uint32(v))
}

// appendRecord writes data at the tail of the record region and returns
// its offset, or ok=false if there isn't room for both the record and a
// new slot entry.
func (b *BucketPage) appendRecord(data []byte) (offset int, ok bool) {
	need := len(data) + bucketSlotSize
	if b.FreeSpace() < need {
		return 0, false
	}
	newEnd := b.freeEnd() - len(data)
	copy(b.buf[newEnd:], data)
	b.setFreeEnd(newEnd)
	return newEnd, true
}

// insertSlotAt shifts the slot directory right by one entry and stores
// offset at position i. Caller must have already reserved room via
// appendRecord's FreeSpace accounting.
func (b *BucketPage) insertSlotAt(i, offset int) {
	n := b.EntryCount()
	for j := n; j > i; j-- {
		b.setSlotOffset(j, b.getSlotOffset(j-1))
	}
	b.setSlotOffset(i, offset)
	b.setEntryCount(n + 1)
}

// removeSlotAt deletes the slot at position i (the record bytes are left
// in place; only compactLeafWith reclaims them).
func (b *BucketPage) removeSlotAt(i int) {
	n := b.EntryCount()
	for j := i; j < n-1; j++ {
		b.setSlotOffset(j, b.getSlotOffset(j+1))
	}
	b.setEntryCount(n - 1)
}

// ───────────────────────────────────────────────────────────────────────────
// Comparator-driven binary search over the slot array (§4.1 "find")
// ───────────────────────────────────────────────────────────────────────────

// recordKeyFn extracts the raw key bytes of the record starting at off in
// buf, without decoding the rest of the record — supplied by the caller
// (leaf vs internal records have different trailing shapes).
type recordKeyFn func(buf []byte, off int) (keyBytes []byte)

// find performs a binary search over the slot array using cmp(keyBytes,
// probe). Returns (i, true) if slot i's key equals probe; otherwise
// (insertionPoint, false) where insertionPoint is where probe would be
// inserted to keep the array sorted (§4.1: "-(insertion_point) - 1" in
// the distilled spec; this implementation returns the two components of
// that sum directly instead of encoding them into one signed int, which
// is friendlier in Go).
func (b *BucketPage) find(probe []byte, keyOf recordKeyFn, cmp func(a, b []byte) int) (int, bool) {
	lo, hi := 0, b.EntryCount()
	for lo < hi {
		mid := (lo + hi) / 2
		off := b.getSlotOffset(mid)
		k := keyOf(b.buf, off)
		c := cmp(k, probe)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// shrink truncates the entry array to the first n slots, leaving the
// discarded records' bytes in place (unreachable garbage — the page is
// about to become one half of a split and is typically rebuilt fresh
// instead of shrunk in place; shrink is provided for completeness with
// §4.1's contract).
func (b *BucketPage) shrink(n int) {
	if n < b.EntryCount() {
		b.setEntryCount(n)
	}
}

// compactLeafWith rebuilds the page's record region from scratch out of
// entries, reclaiming every byte left behind by earlier in-place rewrites
// (appendRecord always writes a fresh copy; nothing else reclaims the old
// bytes). Every record is marshaled into its own buffer before any of them
// is written back into b.buf, so overlapping reads of the old record
// region (GetAllLeafEntries' KeyBytes still point into it) stay valid
// until the copy. Returns false if the entries don't fit even fully
// packed, leaving the page untouched.
func (b *BucketPage) compactLeafWith(entries []LeafEntry) bool {
	records := make([][]byte, len(entries))
	total := 0
	for i, e := range entries {
		records[i] = marshalLeafRecord(e)
		total += len(records[i])
	}
	if bucketSlotDirOff+len(entries)*bucketSlotSize+total > b.pageSize {
		return false
	}
	offsets := make([]int, len(entries))
	end := b.pageSize
	for i, rec := range records {
		end -= len(rec)
		copy(b.buf[end:], rec)
		offsets[i] = end
	}
	for i, off := range offsets {
		b.setSlotOffset(i, off)
	}
	b.setFreeEnd(end)
	return true
}

func init() {
	// bucketSlotDirOff must stay 4-byte aligned for the uint32 slot
	// offsets above it; a change to the header layout that breaks this
	// would corrupt every existing database file.
	if bucketSlotDirOff%4 != 0 {
		panic(fmt.Sprintf("ridtree: bucket slot directory misaligned: %d", bucketSlotDirOff))
	}
}
