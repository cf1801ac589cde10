package ridtree

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Entry-point page (C5)
// ───────────────────────────────────────────────────────────────────────────
//
// Fixed page 0 of the main index file. Holds the tree-wide counters the
// spec calls out (tree_size, pages_size, entry_id) plus the bookkeeping a
// concrete page manager needs for its own WAL replay point — the same
// page this engine's lineage used for its superblock.
//
// Layout:
//   [0:32]  common PageHeader (Type=EntryPoint, ID=0)
//   [32:40] Magic          "RIDTREE\x00"
//   [40:44] FormatVersion  uint32 LE
//   [44:48] PageSize       uint32 LE
//   [48:56] TreeSize       int64 LE  — C5 tree_size
//   [56:60] PagesSize      int32 LE  — C5 pages_size (highest page index in use + 1)
//   [60:68] EntryID        int64 LE  — C5 entry_id (persisted m-id high-water)
//   [68:76] CheckpointLSN  uint64 LE
//   [76:84] NextTxID       uint64 LE
//   [84:88] NextPageID     uint32 LE

const (
	entryPointMagic      = "RIDTREE\x00"
	currentFormatVersion = 1
	epMagicOff           = PageHeaderSize
	epVersionOff         = epMagicOff + 8
	epPageSizeOff        = epVersionOff + 4
	epTreeSizeOff        = epPageSizeOff + 4
	epPagesSizeOff       = epTreeSizeOff + 8
	epEntryIDOff         = epPagesSizeOff + 4
	epCheckpointLSNOff   = epEntryIDOff + 8
	epNextTxIDOff        = epCheckpointLSNOff + 8
	epNextPageIDOff      = epNextTxIDOff + 8
	// MIdBatchSize limits how often the persisted entry_id high-water
	// mark is advanced, so every m-id allocation doesn't need its own
	// WAL write (§4.2).
	MIdBatchSize = 131072
)

// EntryPoint is the decoded form of the entry-point page.
type EntryPoint struct {
	TreeSize      int64
	PagesSize     int32
	EntryID       int64
	CheckpointLSN LSN
	NextTxID      TxID
	NextPageID    PageID
}

// MarshalEntryPoint encodes ep into a fresh page buffer.
func MarshalEntryPoint(ep *EntryPoint, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeEntryPoint, EntryPointPageID)
	copy(buf[epMagicOff:], entryPointMagic)
	binary.LittleEndian.PutUint32(buf[epVersionOff:], currentFormatVersion)
	binary.LittleEndian.PutUint32(buf[epPageSizeOff:], uint32(pageSize))
	binary.LittleEndian.PutUint64(buf[epTreeSizeOff:], uint64(ep.TreeSize))
	binary.LittleEndian.PutUint32(buf[epPagesSizeOff:], uint32(ep.PagesSize))
	binary.LittleEndian.PutUint64(buf[epEntryIDOff:], uint64(ep.EntryID))
	binary.LittleEndian.PutUint64(buf[epCheckpointLSNOff:], uint64(ep.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[epNextTxIDOff:], uint64(ep.NextTxID))
	binary.LittleEndian.PutUint32(buf[epNextPageIDOff:], uint32(ep.NextPageID))
	SetPageCRC(buf)
	return buf
}

// UnmarshalEntryPoint decodes and validates an entry-point page.
func UnmarshalEntryPoint(buf []byte) (*EntryPoint, error) {
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("entry-point: %w", err)
	}
	if string(buf[epMagicOff:epMagicOff+8]) != entryPointMagic {
		return nil, fmt.Errorf("entry-point: bad magic")
	}
	if v := binary.LittleEndian.Uint32(buf[epVersionOff:]); v != currentFormatVersion {
		return nil, fmt.Errorf("entry-point: unsupported format version %d", v)
	}
	return &EntryPoint{
		TreeSize:      int64(binary.LittleEndian.Uint64(buf[epTreeSizeOff:])),
		PagesSize:     int32(binary.LittleEndian.Uint32(buf[epPagesSizeOff:])),
		EntryID:       int64(binary.LittleEndian.Uint64(buf[epEntryIDOff:])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[epCheckpointLSNOff:])),
		NextTxID:      TxID(binary.LittleEndian.Uint64(buf[epNextTxIDOff:])),
		NextPageID:    PageID(binary.LittleEndian.Uint32(buf[epNextPageIDOff:])),
	}, nil
}

// NewEntryPoint returns the entry point for a freshly created main file,
// which holds only the entry-point page: pages_size starts at 1 and next
// page id at 2, leaving RootPageID for the root leaf that openTree writes
// afterwards (raising pages_size to 2).
func NewEntryPoint() *EntryPoint {
	return &EntryPoint{
		TreeSize:   0,
		PagesSize:  1,
		EntryID:    0,
		NextTxID:   1,
		NextPageID: 2,
	}
}
