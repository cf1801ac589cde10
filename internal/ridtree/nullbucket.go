package ridtree

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Null bucket page (C6)
// ───────────────────────────────────────────────────────────────────────────
//
// A single fixed page (page 0 of the tree's secondary "null" file) holding
// the bag of RIDs associated with the null key. Semantics mirror a normal
// leaf entry: a short inline RID list plus an entries_count that, once it
// exceeds the inline list's length, means the remainder lives in the
// overflow container (C7) under this page's m_id.
//
// Layout:
//   [0:32]  common PageHeader (Type=NullBucket, ID=0)
//   [32:40] MId           uint64 LE
//   [40:48] EntriesCount  uint64 LE
//   [48:50] InlineCount   uint16 LE
//   [50:]   inline RIDs

const (
	nullMIdOff          = PageHeaderSize      // 32
	nullEntriesCountOff = nullMIdOff + 8      // 40
	nullInlineCountOff  = nullEntriesCountOff + 8 // 48
	nullInlineDataOff   = nullInlineCountOff + 2  // 50
)

// NullBucketPage wraps the null-key bag page.
type NullBucketPage struct {
	buf []byte
}

// WrapNullBucketPage wraps an existing null-bucket page buffer.
func WrapNullBucketPage(buf []byte) *NullBucketPage {
	return &NullBucketPage{buf: buf}
}

// InitNullBucketPage initializes a fresh, empty null-bucket page.
func InitNullBucketPage(buf []byte) *NullBucketPage {
	h := &PageHeader{Type: PageTypeNullBucket, ID: EntryPointPageID}
	MarshalHeader(h, buf)
	n := &NullBucketPage{buf: buf}
	n.SetMId(0)
	n.setEntriesCount(0)
	n.setInlineCount(0)
	return n
}

func (n *NullBucketPage) Bytes() []byte { return n.buf }

func (n *NullBucketPage) MId() uint64 {
	return binary.LittleEndian.Uint64(n.buf[nullMIdOff:])
}

func (n *NullBucketPage) SetMId(v uint64) {
	binary.LittleEndian.PutUint64(n.buf[nullMIdOff:], v)
}

func (n *NullBucketPage) EntriesCount() uint64 {
	return binary.LittleEndian.Uint64(n.buf[nullEntriesCountOff:])
}

func (n *NullBucketPage) setEntriesCount(v uint64) {
	binary.LittleEndian.PutUint64(n.buf[nullEntriesCountOff:], v)
}

func (n *NullBucketPage) inlineCount() int {
	return int(binary.LittleEndian.Uint16(n.buf[nullInlineCountOff:]))
}

func (n *NullBucketPage) setInlineCount(c int) {
	binary.LittleEndian.PutUint16(n.buf[nullInlineCountOff:], uint16(c))
}

// Inline returns the inline RID list.
func (n *NullBucketPage) Inline() []RID {
	c := n.inlineCount()
	out := make([]RID, c)
	off := nullInlineDataOff
	for i := 0; i < c; i++ {
		out[i] = UnmarshalRID(n.buf[off:])
		off += RIDSize
	}
	return out
}

func (n *NullBucketPage) writeInline(rids []RID) {
	off := nullInlineDataOff
	for _, r := range rids {
		MarshalRID(r, n.buf[off:])
		off += RIDSize
	}
	n.setInlineCount(len(rids))
}

// inlineCapacity is how many RIDs fit inline given the page size.
func (n *NullBucketPage) inlineCapacity() int {
	return (len(n.buf) - nullInlineDataOff) / RIDSize
}

// Append inserts rid, either inline or (if the inline list is full)
// reporting that the caller must spill to the overflow container. Mirrors
// BucketPage.AppendNewLeafEntry's contract (§4.1/§4.3).
func (n *NullBucketPage) Append(rid RID) LeafInsertResult {
	inline := n.Inline()
	n.setEntriesCount(n.EntriesCount() + 1)
	if len(inline) < n.inlineCapacity() {
		inline = append(inline, rid)
		n.writeInline(inline)
		return LeafInsertResult{Outcome: InsertAppendedInline}
	}
	return LeafInsertResult{Outcome: InsertNeedsOverflow, MId: n.MId()}
}

// Remove removes rid from the inline list. If it isn't found inline but
// entries_count exceeds the inline length, the caller must try the
// overflow container (mirrors RemoveResult's EntriesCount == -1 sentinel).
func (n *NullBucketPage) Remove(rid RID) RemoveResult {
	inline := n.Inline()
	idx := -1
	for i, r := range inline {
		if r.Equal(rid) {
			idx = i
			break
		}
	}
	if idx < 0 {
		if n.EntriesCount() > uint64(len(inline)) {
			return RemoveResult{Found: false, EntriesCount: -1}
		}
		return RemoveResult{Found: false}
	}
	inline = append(inline[:idx], inline[idx+1:]...)
	n.writeInline(inline)
	ec := n.EntriesCount() - 1
	n.setEntriesCount(ec)
	return RemoveResult{Found: true, EntriesCount: int64(ec)}
}

// DecrementEntriesCount mirrors BucketPage.DecrementEntriesCount, called
// after a successful overflow-container removal (§4.9 step 2, null-key
// variant).
func (n *NullBucketPage) DecrementEntriesCount() int64 {
	ec := n.EntriesCount() - 1
	n.setEntriesCount(ec)
	return int64(ec)
}
