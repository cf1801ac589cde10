package ridtree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Tree engine (C8)
// ───────────────────────────────────────────────────────────────────────────
//
// Tree is the root-I/O, descent, split/grow, duplicate-spanning-walk, and
// cursor engine described by §4.5-§4.9. It owns one main index file (via
// Pager, C1), one null-bucket file, and one side overflow container
// (C7, itself a nested Tree — see overflow.go).

// MaxPathLength bounds descent depth; a descent exceeding it indicates
// on-disk corruption rather than a legitimately deep tree (§3, §7).
const MaxPathLength = 64

// DefaultMaxKeySize is used when TreeConfig.MaxKeySize is zero.
const DefaultMaxKeySize = 4096

// DefaultInlineCap is used when TreeConfig.InlineCap is zero. Four RIDs
// (48 bytes) keeps a two-duplicate key's entry inline before the overflow
// container is ever touched.
const DefaultInlineCap = 4

// TreeConfig configures a Tree at create or load time (§6 create/load).
type TreeConfig struct {
	Name          string
	KeySerializer KeySerializer
	Encryption    Encryptor // optional, nil disables encryption
	KeySize       int       // key arity; 0 disables composite padding (treated as 1)
	MaxKeySize    int       // 0 => DefaultMaxKeySize
	InlineCap     int       // 0 => DefaultInlineCap

	PageSize      int
	MaxCachePages int

	DBPath   string
	WALPath  string
	NullPath string // "" => "<DBPath>.null"

	noOverflow bool // internal: disables the side overflow container (used by the container's own inner tree)
	noNullFile bool // internal: disables the null-bucket file (used by the container's own inner tree)
}

func (cfg TreeConfig) withDefaults() TreeConfig {
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = DefaultMaxKeySize
	}
	if cfg.InlineCap == 0 {
		cfg.InlineCap = DefaultInlineCap
	}
	if cfg.KeySize == 0 {
		cfg.KeySize = 1
	}
	if cfg.NullPath == "" {
		cfg.NullPath = cfg.DBPath + ".null"
	}
	if cfg.KeySerializer == nil {
		cfg.KeySerializer = DefaultKeySerializer{}
	}
	return cfg
}

// Tree is the concrete multi-value B+-tree engine.
type Tree struct {
	cfg       TreeConfig
	pager     *Pager
	nullFile  *nullFileStore
	overflow  *OverflowContainer
	opMgr     *AtomicOpManager
	sessionID uuid.UUID

	mIdNext          uint64
	mIdPersistedLimit uint64
}

// CreateTree creates a brand-new tree at cfg.DBPath, failing if it already
// exists (§6 `create`).
func CreateTree(cfg TreeConfig) (*Tree, error) {
	cfg = cfg.withDefaults()
	if _, err := os.Stat(cfg.DBPath); err == nil {
		return nil, fmt.Errorf("ridtree: %s: create: file already exists", cfg.Name)
	}
	return openTree(cfg)
}

// LoadTree reopens an existing tree at cfg.DBPath, failing if it does not
// exist (§6 `load`).
func LoadTree(cfg TreeConfig) (*Tree, error) {
	cfg = cfg.withDefaults()
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("ridtree: %s: load: %w", cfg.Name, err)
	}
	return openTree(cfg)
}

// openTree implements both create and load: Pager/nullFileStore already
// transparently create-if-missing, so the only difference between the two
// public entry points is the existence precondition checked above.
func openTree(cfg TreeConfig) (*Tree, error) {
	pager, err := OpenPager(PagerConfig{
		DBPath:        cfg.DBPath,
		WALPath:       cfg.WALPath,
		PageSize:      cfg.PageSize,
		MaxCachePages: cfg.MaxCachePages,
	})
	if err != nil {
		return nil, fmt.Errorf("ridtree: %s: %w", cfg.Name, err)
	}

	if pager.FilledUpTo() == 1 {
		// Fresh entry point with no root page written yet: initialize page
		// 1 as an empty leaf (§3: "Root page index is fixed = 1").
		if _, err := pager.ReadPage(RootPageID); err != nil {
			txID, berr := pager.BeginTx()
			if berr != nil {
				pager.Close()
				return nil, berr
			}
			root := InitBucketPage(make([]byte, pager.PageSize()), RootPageID, true)
			if err := pager.WritePage(txID, RootPageID, root.Bytes()); err != nil {
				pager.Close()
				return nil, err
			}
			if err := pager.CommitTx(txID); err != nil {
				pager.Close()
				return nil, err
			}
			pager.UpdateEntryPoint(func(ep *EntryPoint) {
				if ep.PagesSize < 2 {
					ep.PagesSize = 2
				}
			})
		} else {
			pager.UnpinPage(RootPageID)
		}
	}

	t := &Tree{
		cfg:       cfg,
		pager:     pager,
		sessionID: uuid.New(),
	}
	ep := pager.EntryPoint()
	t.mIdNext = uint64(ep.EntryID)
	t.mIdPersistedLimit = uint64(ep.EntryID)
	// m-id 0 is permanently reserved for the null bucket (InitNullBucketPage
	// hardcodes MId=0), so a fresh tree with one must never hand 0 to a real
	// key's CreateMainLeafEntry — both would otherwise key the shared
	// overflow container on the same (m_id, clusterId, clusterPos) triple.
	// The overflow container's own inner tree has no null bucket (noNullFile)
	// and is unaffected.
	if !cfg.noNullFile && t.mIdNext == 0 {
		t.mIdNext = 1
		if t.mIdPersistedLimit < 1 {
			t.mIdPersistedLimit = 1
		}
	}

	t.opMgr = NewAtomicOpManager(cfg.Name, pager, t.sessionID)

	if !cfg.noNullFile {
		nf, err := openNullFileStore(cfg.NullPath, pager.PageSize())
		if err != nil {
			pager.Close()
			return nil, err
		}
		t.nullFile = nf
	}

	if !cfg.noOverflow {
		dir := parentDir(cfg.DBPath)
		oc, err := NewOverflowContainer(dir, cfg.Name, cfg.PageSize, cfg.MaxCachePages)
		if err != nil {
			pager.Close()
			if t.nullFile != nil {
				t.nullFile.Close()
			}
			return nil, err
		}
		t.overflow = oc
	}

	return t, nil
}

// parentDir is a tiny directory-of helper kept local so this file doesn't
// need the full path/filepath import for one call site beyond overflow.go.
func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

// ───────────────────────────────────────────────────────────────────────────
// Key encode/decode (C3 wiring)
// ───────────────────────────────────────────────────────────────────────────

func (t *Tree) encodeKey(key Key) ([]byte, error) {
	pk, err := t.cfg.KeySerializer.Preprocess(key)
	if err != nil {
		return nil, err
	}
	raw, err := t.cfg.KeySerializer.Serialize(pk)
	if err != nil {
		return nil, err
	}
	if len(raw) > t.cfg.MaxKeySize {
		return nil, newTreeError(kindOversizeKey, t.cfg.Name, "put", fmt.Errorf("key size %d > max %d", len(raw), t.cfg.MaxKeySize))
	}
	if t.cfg.Encryption == nil {
		return raw, nil
	}
	ct, err := t.cfg.Encryption.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("ridtree[%s]: encrypt key: %w", t.cfg.Name, err)
	}
	out := make([]byte, 4+len(ct))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(raw)))
	copy(out[4:], ct)
	return out, nil
}

func (t *Tree) decodeStoredKey(stored []byte) (Key, error) {
	raw := stored
	if t.cfg.Encryption != nil {
		plainLen := int(binary.LittleEndian.Uint32(stored[:4]))
		plain, err := t.cfg.Encryption.Decrypt(stored, 4, len(stored)-4)
		if err != nil {
			return nil, fmt.Errorf("ridtree[%s]: decrypt key: %w", t.cfg.Name, err)
		}
		if plainLen <= len(plain) {
			plain = plain[:plainLen]
		}
		raw = plain
	}
	return t.cfg.KeySerializer.Deserialize(raw)
}

// cmpStoredKeyBytes orders two on-page key byte strings by decoding (and,
// if configured, decrypting) both sides first. Comparing ciphertext
// directly would not respect the key's logical order, and the default
// tagged byte encoding is not comparison-compatible across variable-length
// items (strings/bytes are length-prefixed), so this engine always
// compares at the Key level rather than the raw byte level, at the cost
// of decoding both operands on every comparison.
func (t *Tree) cmpStoredKeyBytes(a, b []byte) int {
	ka, erra := t.decodeStoredKey(a)
	kb, errb := t.decodeStoredKey(b)
	if erra != nil || errb != nil {
		return bytes.Compare(a, b)
	}
	return CompareKeys(ka, kb)
}

// ───────────────────────────────────────────────────────────────────────────
// m-id allocation (§4.2, §9 "Global counters")
// ───────────────────────────────────────────────────────────────────────────

// encName returns the configured encryptor's name for component-operation
// records, or "" when the tree has no encryption configured.
func (t *Tree) encName() string {
	if t.cfg.Encryption == nil {
		return ""
	}
	return t.cfg.Encryption.Name()
}

func (t *Tree) allocMID() uint64 {
	if t.mIdNext >= t.mIdPersistedLimit {
		newLimit := t.mIdNext + MIdBatchSize
		t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.EntryID = int64(newLimit) })
		t.mIdPersistedLimit = newLimit
	}
	id := t.mIdNext
	t.mIdNext++
	return id
}

// ───────────────────────────────────────────────────────────────────────────
// Descent (§4.5 step 4)
// ───────────────────────────────────────────────────────────────────────────

// descend walks from the root to the leaf that should contain keyBytes,
// recording the internal pages visited (ancestors, root first) for later
// separator propagation on split.
func (t *Tree) descend(keyBytes []byte) (ancestors []PageID, leafID PageID, err error) {
	pageID := RootPageID
	for depth := 0; ; depth++ {
		if depth > MaxPathLength {
			return nil, 0, newTreeError(kindCorruption, t.cfg.Name, "descend", fmt.Errorf("descent exceeded %d levels", MaxPathLength))
		}
		buf, err := t.pager.ReadPage(pageID)
		if err != nil {
			return nil, 0, newTreeError(kindIO, t.cfg.Name, "descend", err)
		}
		bp := WrapBucketPage(buf)
		isLeaf := bp.IsLeaf()
		if isLeaf {
			t.pager.UnpinPage(pageID)
			return ancestors, pageID, nil
		}
		child := bp.FindChild(keyBytes, t.cmpStoredKeyBytes)
		t.pager.UnpinPage(pageID)
		ancestors = append(ancestors, pageID)
		pageID = child
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Split (§4.7)
// ───────────────────────────────────────────────────────────────────────────

// splitLeafPage splits a non-root leaf. Returns the new right sibling's
// page id and the separator key (the first key moved to the right half).
func (t *Tree) splitLeafPage(txID TxID, leftID PageID, left *BucketPage) (rightID PageID, sepKey []byte, err error) {
	entries := left.GetAllLeafEntries()
	n := len(entries)
	mid := n >> 1

	rightID, rightBuf := t.pager.AllocPage()
	right := InitBucketPage(rightBuf, rightID, true)
	for i := mid; i < n; i++ {
		rec := marshalLeafRecord(entries[i])
		off, ok := right.appendRecord(rec)
		if !ok {
			return 0, nil, newTreeError(kindInvariant, t.cfg.Name, "split", fmt.Errorf("right leaf page overflowed during split"))
		}
		right.insertSlotAt(right.EntryCount(), off)
	}

	oldRightNeighbor := left.Right()
	right.SetRight(oldRightNeighbor)
	right.SetLeft(leftID)
	left.shrink(mid)
	left.SetRight(rightID)

	if oldRightNeighbor != InvalidPageID {
		nbBuf, err := t.pager.ReadPage(oldRightNeighbor)
		if err != nil {
			return 0, nil, err
		}
		nb := WrapBucketPage(nbBuf)
		nb.SetLeft(rightID)
		if err := t.pager.WritePage(txID, oldRightNeighbor, nb.Bytes()); err != nil {
			t.pager.UnpinPage(oldRightNeighbor)
			return 0, nil, err
		}
		t.pager.UnpinPage(oldRightNeighbor)
	}

	if err := t.pager.WritePage(txID, leftID, left.Bytes()); err != nil {
		return 0, nil, err
	}
	if err := t.pager.WritePage(txID, rightID, right.Bytes()); err != nil {
		return 0, nil, err
	}

	t.pager.UpdateEntryPoint(func(ep *EntryPoint) {
		if int32(rightID)+1 > ep.PagesSize {
			ep.PagesSize = int32(rightID) + 1
		}
	})

	return rightID, entries[mid].KeyBytes, nil
}

// splitInternalPage splits a non-root internal node. The separator is
// promoted to the parent and removed from both halves (§4.7).
func (t *Tree) splitInternalPage(txID TxID, leftID PageID, left *BucketPage) (rightID PageID, sepKey []byte, err error) {
	entries := left.GetAllInternalEntries()
	n := len(entries)
	mid := n >> 1
	sepKey = entries[mid].KeyBytes
	oldRight := left.Right()

	rightID, rightBuf := t.pager.AllocPage()
	right := InitBucketPage(rightBuf, rightID, false)
	for i := mid + 1; i < n; i++ {
		rec := marshalInternalRecord(entries[i])
		off, ok := right.appendRecord(rec)
		if !ok {
			return 0, nil, newTreeError(kindInvariant, t.cfg.Name, "split", fmt.Errorf("right internal page overflowed during split"))
		}
		right.insertSlotAt(right.EntryCount(), off)
	}
	right.SetRight(oldRight)

	left.shrink(mid)
	left.SetRight(entries[mid].ChildID)

	if err := t.pager.WritePage(txID, leftID, left.Bytes()); err != nil {
		return 0, nil, err
	}
	if err := t.pager.WritePage(txID, rightID, right.Bytes()); err != nil {
		return 0, nil, err
	}

	t.pager.UpdateEntryPoint(func(ep *EntryPoint) {
		if int32(rightID)+1 > ep.PagesSize {
			ep.PagesSize = int32(rightID) + 1
		}
	})

	return rightID, sepKey, nil
}

// splitRoot handles the root-split special case (§4.7): two fresh pages
// hold the old root's two halves; the root page itself (pageId fixed = 1)
// is re-initialized as an internal node with the single separator.
func (t *Tree) splitRoot(txID TxID, rootIsLeaf bool) error {
	rootBuf, err := t.pager.ReadPage(RootPageID)
	if err != nil {
		return err
	}
	root := WrapBucketPage(rootBuf)

	var leftID, rightID PageID
	var sepKey []byte

	if rootIsLeaf {
		entries := root.GetAllLeafEntries()
		n := len(entries)
		mid := n >> 1

		var leftBuf []byte
		leftID, leftBuf = t.pager.AllocPage()
		left := InitBucketPage(leftBuf, leftID, true)
		for i := 0; i < mid; i++ {
			off, ok := left.appendRecord(marshalLeafRecord(entries[i]))
			if !ok {
				return newTreeError(kindInvariant, t.cfg.Name, "split-root", fmt.Errorf("left leaf overflow"))
			}
			left.insertSlotAt(left.EntryCount(), off)
		}
		var rightBuf []byte
		rightID, rightBuf = t.pager.AllocPage()
		right := InitBucketPage(rightBuf, rightID, true)
		for i := mid; i < n; i++ {
			off, ok := right.appendRecord(marshalLeafRecord(entries[i]))
			if !ok {
				return newTreeError(kindInvariant, t.cfg.Name, "split-root", fmt.Errorf("right leaf overflow"))
			}
			right.insertSlotAt(right.EntryCount(), off)
		}
		left.SetRight(rightID)
		right.SetLeft(leftID)
		sepKey = entries[mid].KeyBytes
		if err := t.pager.WritePage(txID, leftID, left.Bytes()); err != nil {
			return err
		}
		if err := t.pager.WritePage(txID, rightID, right.Bytes()); err != nil {
			return err
		}
		leftID = left.PageID()
	} else {
		entries := root.GetAllInternalEntries()
		n := len(entries)
		mid := n >> 1
		sepKey = entries[mid].KeyBytes
		oldRight := root.Right()

		var leftBuf []byte
		leftID, leftBuf = t.pager.AllocPage()
		left := InitBucketPage(leftBuf, leftID, false)
		for i := 0; i < mid; i++ {
			off, ok := left.appendRecord(marshalInternalRecord(entries[i]))
			if !ok {
				return newTreeError(kindInvariant, t.cfg.Name, "split-root", fmt.Errorf("left internal overflow"))
			}
			left.insertSlotAt(left.EntryCount(), off)
		}
		left.SetRight(entries[mid].ChildID)

		var rightBuf []byte
		rightID, rightBuf = t.pager.AllocPage()
		right := InitBucketPage(rightBuf, rightID, false)
		for i := mid + 1; i < n; i++ {
			off, ok := right.appendRecord(marshalInternalRecord(entries[i]))
			if !ok {
				return newTreeError(kindInvariant, t.cfg.Name, "split-root", fmt.Errorf("right internal overflow"))
			}
			right.insertSlotAt(right.EntryCount(), off)
		}
		right.SetRight(oldRight)

		if err := t.pager.WritePage(txID, leftID, left.Bytes()); err != nil {
			return err
		}
		if err := t.pager.WritePage(txID, rightID, right.Bytes()); err != nil {
			return err
		}
	}

	newRootBuf := make([]byte, t.pager.PageSize())
	newRoot := InitBucketPage(newRootBuf, RootPageID, false)
	newRoot.InsertInternalEntry(sepKey, leftID, t.cmpStoredKeyBytes)
	newRoot.SetRight(rightID)
	if err := t.pager.WritePage(txID, RootPageID, newRoot.Bytes()); err != nil {
		return err
	}

	t.pager.UpdateEntryPoint(func(ep *EntryPoint) {
		hi := leftID
		if rightID > hi {
			hi = rightID
		}
		if int32(hi)+1 > ep.PagesSize {
			ep.PagesSize = int32(hi) + 1
		}
	})
	return nil
}

// insertSeparator propagates a promoted separator key into the parent
// chain, splitting ancestors recursively if they refuse the insert
// (§4.7: "recursively split the parent if it refuses").
func (t *Tree) insertSeparator(txID TxID, ancestors []PageID, oldID, newRightID PageID, sepKey []byte) error {
	if len(ancestors) == 0 {
		// oldID was the root; the caller already handled this via
		// splitRoot before calling insertSeparator, so this path is only
		// reached for a deeper propagation that ran out of ancestors,
		// which would itself be a corruption.
		return newTreeError(kindCorruption, t.cfg.Name, "insert-separator", fmt.Errorf("no parent to receive promoted separator"))
	}
	parentID := ancestors[len(ancestors)-1]
	parentBuf, err := t.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	parent := WrapBucketPage(parentBuf)

	retargeted := false
	retargetIdx, oldOff := -1, 0
	n := parent.EntryCount()
	for i := 0; i < n; i++ {
		e := parent.GetInternalEntry(i)
		if e.ChildID == oldID {
			// Rewrite this slot's child pointer to the new right page;
			// the promoted separator will be inserted before it.
			off := parent.getSlotOffset(i)
			rec := marshalInternalRecord(InternalEntry{ChildID: newRightID, KeyBytes: e.KeyBytes})
			newOff, ok := parent.appendRecord(rec)
			if !ok {
				t.pager.UnpinPage(parentID)
				return t.splitAndInsertSeparator(txID, ancestors, parentID, parent, oldID, newRightID, sepKey)
			}
			retargetIdx, oldOff = i, off
			parent.setSlotOffset(i, newOff)
			retargeted = true
			break
		}
	}
	if !retargeted {
		parent.SetRight(newRightID)
	}

	if ok := parent.InsertInternalEntry(sepKey, oldID, t.cmpStoredKeyBytes); !ok {
		// Undo the retarget so the split below still finds oldID.
		if retargeted {
			parent.setSlotOffset(retargetIdx, oldOff)
		} else {
			parent.SetRight(oldID)
		}
		return t.splitAndInsertSeparator(txID, ancestors, parentID, parent, oldID, newRightID, sepKey)
	}

	return t.pager.WritePage(txID, parentID, parent.Bytes())
}

// splitAndInsertSeparator handles the case where the parent itself has no
// room for the promoted separator: split the parent (root or non-root)
// first, then retry inserting the separator into whichever half now owns
// the slot that used to point at oldID.
func (t *Tree) splitAndInsertSeparator(txID TxID, ancestors []PageID, parentID PageID, parent *BucketPage, oldID, newRightID PageID, sepKey []byte) error {
	grandparents := ancestors[:len(ancestors)-1]
	if len(grandparents) == 0 && parentID == RootPageID {
		if err := t.splitRoot(txID, false); err != nil {
			return err
		}
	} else {
		newSiblingID, promotedKey, err := t.splitInternalPage(txID, parentID, parent)
		if err != nil {
			return err
		}
		if err := t.insertSeparator(txID, grandparents, parentID, newSiblingID, promotedKey); err != nil {
			return err
		}
	}
	// Retry: re-descend from scratch for sepKey to find the (now split)
	// parent level again and insert the pending separator there.
	return t.reinsertSeparatorAfterParentSplit(txID, sepKey, oldID, newRightID)
}

// reinsertSeparatorAfterParentSplit re-locates the internal page that
// should now hold (sepKey, oldID)/newRightID after an ancestor split
// changed the tree shape, and inserts it there.
func (t *Tree) reinsertSeparatorAfterParentSplit(txID TxID, sepKey []byte, oldID, newRightID PageID) error {
	pageID := RootPageID
	for depth := 0; depth < MaxPathLength; depth++ {
		buf, err := t.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		bp := WrapBucketPage(buf)
		if bp.IsLeaf() {
			t.pager.UnpinPage(pageID)
			return newTreeError(kindCorruption, t.cfg.Name, "insert-separator", fmt.Errorf("descended to a leaf while repositioning a promoted separator"))
		}
		n := bp.EntryCount()
		isTargetLevel := false
		for i := 0; i < n; i++ {
			if bp.GetInternalEntry(i).ChildID == oldID {
				isTargetLevel = true
				break
			}
		}
		if !isTargetLevel && bp.Right() == oldID {
			isTargetLevel = true
		}
		t.pager.UnpinPage(pageID)
		if isTargetLevel {
			parentBuf, err := t.pager.ReadPage(pageID)
			if err != nil {
				return err
			}
			parent := WrapBucketPage(parentBuf)
			retargeted := false
			for i := 0; i < parent.EntryCount(); i++ {
				e := parent.GetInternalEntry(i)
				if e.ChildID == oldID {
					rec := marshalInternalRecord(InternalEntry{ChildID: newRightID, KeyBytes: e.KeyBytes})
					off, ok := parent.appendRecord(rec)
					if ok {
						parent.setSlotOffset(i, off)
						retargeted = true
					}
					break
				}
			}
			if !retargeted && parent.Right() == oldID {
				parent.SetRight(newRightID)
			}
			parent.InsertInternalEntry(sepKey, oldID, t.cmpStoredKeyBytes)
			return t.pager.WritePage(txID, pageID, parent.Bytes())
		}
		pageID = bp.FindChild(sepKey, t.cmpStoredKeyBytes)
	}
	return newTreeError(kindCorruption, t.cfg.Name, "insert-separator", fmt.Errorf("could not relocate promoted separator"))
}

// ───────────────────────────────────────────────────────────────────────────
// put (§4.5)
// ───────────────────────────────────────────────────────────────────────────

// Put inserts rid under key (nil key routes to the null bucket, C6).
func (t *Tree) Put(key Key, rid RID) error {
	t.opMgr.Lock()
	defer t.opMgr.Unlock()

	op, err := t.opMgr.StartAtomicOperation(true)
	if err != nil {
		return err
	}
	rollback := true
	defer func() {
		_ = t.opMgr.EndAtomicOperation(op, rollback)
	}()

	if key == nil {
		if err := t.putNull(op, rid); err != nil {
			return err
		}
		rollback = false
		return nil
	}

	keyBytes, err := t.encodeKey(key)
	if err != nil {
		op.MarkRollback()
		return err
	}

	ancestors, leafID, err := t.descend(keyBytes)
	if err != nil {
		op.MarkRollback()
		return err
	}

	sizeDelta := int64(1)
	for {
		buf, err := t.pager.ReadPage(leafID)
		if err != nil {
			op.MarkRollback()
			return newTreeError(kindIO, t.cfg.Name, "put", err)
		}
		bp := WrapBucketPage(buf)
		i, found := bp.FindLeaf(keyBytes, t.cmpStoredKeyBytes)

		var res LeafInsertResult
		if found {
			res = bp.AppendNewLeafEntry(i, rid, t.cfg.InlineCap)
		} else {
			mid := t.allocMID()
			res = bp.CreateMainLeafEntry(i, keyBytes, rid, mid)
		}

		switch res.Outcome {
		case InsertNeedsSplit:
			t.pager.UnpinPage(leafID)
			var newRightID PageID
			var sepKey []byte
			var err error
			if leafID == RootPageID {
				err = t.splitRoot(op.txID, true)
				if err == nil {
					ancestors = nil
					leafID = RootPageID
					ancestors, leafID, err = t.descend(keyBytes)
				}
			} else {
				newRightID, sepKey, err = t.splitLeafPage(op.txID, leafID, bp)
				if err == nil {
					err = t.insertSeparator(op.txID, ancestors, leafID, newRightID, sepKey)
				}
				if err == nil {
					if t.cmpStoredKeyBytes(keyBytes, sepKey) < 0 {
						// stays on the left (same leafID)
					} else {
						leafID = newRightID
					}
				}
			}
			if err != nil {
				op.MarkRollback()
				return err
			}
			continue

		case InsertNeedsOverflow:
			already, err := t.overflow.Put(res.MId, rid)
			if err != nil {
				op.MarkRollback()
				return err
			}
			if already {
				bp.DecrementEntriesCount(i)
				sizeDelta = 0
			}
			if err := t.pager.WritePage(op.txID, leafID, bp.Bytes()); err != nil {
				op.MarkRollback()
				return err
			}
		default:
			if err := t.pager.WritePage(op.txID, leafID, bp.Bytes()); err != nil {
				op.MarkRollback()
				return err
			}
		}
		break
	}

	t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.TreeSize += sizeDelta })
	op.AddComponentOperation(ComponentOp{
		Kind:         ComponentOpPut,
		SessionID:    t.sessionID,
		SerializerID: t.cfg.KeySerializer.ID(),
		EncName:      t.encName(),
		KeyBytes:     keyBytes,
		RID:          rid,
	})
	rollback = false
	return nil
}

func (t *Tree) putNull(op *AtomicOperation, rid RID) error {
	np, err := t.nullFile.Read()
	if err != nil {
		op.MarkRollback()
		return err
	}
	res := np.Append(rid)
	sizeDelta := int64(1)
	if res.Outcome == InsertNeedsOverflow {
		already, err := t.overflow.Put(res.MId, rid)
		if err != nil {
			op.MarkRollback()
			return err
		}
		if already {
			np.DecrementEntriesCount()
			sizeDelta = 0
		}
	}
	if err := t.nullFile.Write(np); err != nil {
		op.MarkRollback()
		return err
	}
	t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.TreeSize += sizeDelta })
	op.AddComponentOperation(ComponentOp{Kind: ComponentOpPut, SessionID: t.sessionID, SerializerID: t.cfg.KeySerializer.ID(), EncName: t.encName(), RID: rid})
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// get (§4.6)
// ───────────────────────────────────────────────────────────────────────────

// Get returns every RID stored under key, aggregating across any sibling
// leaves that also hold entries equal to key (§4.6's duplicate-spanning
// walk).
func (t *Tree) Get(key Key) ([]RID, error) {
	t.opMgr.RLock()
	defer t.opMgr.RUnlock()

	if key == nil {
		return t.getNull()
	}

	keyBytes, err := t.encodeKey(key)
	if err != nil {
		return nil, err
	}
	_, leafID, err := t.descend(keyBytes)
	if err != nil {
		return nil, err
	}

	buf, err := t.pager.ReadPage(leafID)
	if err != nil {
		return nil, newTreeError(kindIO, t.cfg.Name, "get", err)
	}
	bp := WrapBucketPage(buf)
	i, found := bp.FindLeaf(keyBytes, t.cmpStoredKeyBytes)
	if !found {
		t.pager.UnpinPage(leafID)
		return nil, nil
	}
	entry := bp.GetLeafEntry(i)
	isFirst := i == 0
	isLast := i == bp.EntryCount()-1
	left, right := bp.Left(), bp.Right()
	t.pager.UnpinPage(leafID)

	rids, err := t.collectEntryRIDs(entry)
	if err != nil {
		return nil, err
	}

	if isFirst {
		more, err := t.walkSiblingsForKey(left, keyBytes, true)
		if err != nil {
			return nil, err
		}
		rids = append(rids, more...)
	}
	if isLast {
		more, err := t.walkSiblingsForKey(right, keyBytes, false)
		if err != nil {
			return nil, err
		}
		rids = append(rids, more...)
	}
	return rids, nil
}

// walkSiblingsForKey walks left (goLeft=true) or right siblings from pid
// while the sibling's entry nearest the starting leaf (its last entry when
// walking left, its first when walking right) still equals keyBytes, collecting
// every matching entry's RIDs. It releases every page pin unconditionally
// on every exit path — unlike the source's left-walk, which the spec's
// open questions flag as occasionally leaking a pin (§9).
func (t *Tree) walkSiblingsForKey(pid PageID, keyBytes []byte, goLeft bool) ([]RID, error) {
	var out []RID
	for pid != InvalidPageID {
		buf, err := t.pager.ReadPage(pid)
		if err != nil {
			return out, newTreeError(kindIO, t.cfg.Name, "get", err)
		}
		bp := WrapBucketPage(buf)
		n := bp.EntryCount()
		if n == 0 {
			next := bp.Left()
			if !goLeft {
				next = bp.Right()
			}
			t.pager.UnpinPage(pid)
			pid = next
			continue
		}
		idx := 0
		if goLeft {
			idx = n - 1
		}
		e := bp.GetLeafEntry(idx)
		if t.cmpStoredKeyBytes(e.KeyBytes, keyBytes) != 0 {
			t.pager.UnpinPage(pid)
			return out, nil
		}
		rids, err := t.collectEntryRIDs(e)
		next := bp.Left()
		if !goLeft {
			next = bp.Right()
		}
		t.pager.UnpinPage(pid)
		if err != nil {
			return out, err
		}
		out = append(out, rids...)
		pid = next
	}
	return out, nil
}

func (t *Tree) collectEntryRIDs(e LeafEntry) ([]RID, error) {
	rids := append([]RID{}, e.Inline...)
	if e.EntriesCount > uint64(len(e.Inline)) {
		spilled, err := t.overflow.Range(e.MId)
		if err != nil {
			return rids, err
		}
		rids = append(rids, spilled...)
	}
	return rids, nil
}

func (t *Tree) getNull() ([]RID, error) {
	np, err := t.nullFile.Read()
	if err != nil {
		return nil, err
	}
	rids := append([]RID{}, np.Inline()...)
	if np.EntriesCount() > uint64(len(np.Inline())) {
		spilled, err := t.overflow.Range(np.MId())
		if err != nil {
			return rids, err
		}
		rids = append(rids, spilled...)
	}
	return rids, nil
}

// ───────────────────────────────────────────────────────────────────────────
// remove (§4.9)
// ───────────────────────────────────────────────────────────────────────────

// Remove deletes rid from key's bag, returning whether it was present.
func (t *Tree) Remove(key Key, rid RID) (bool, error) {
	t.opMgr.Lock()
	defer t.opMgr.Unlock()

	op, err := t.opMgr.StartAtomicOperation(true)
	if err != nil {
		return false, err
	}
	rollback := true
	defer func() {
		_ = t.opMgr.EndAtomicOperation(op, rollback)
	}()

	var removed bool
	if key == nil {
		removed, err = t.removeNull(op, rid)
	} else {
		removed, err = t.removeKeyed(op, key, rid)
	}
	if err != nil {
		op.MarkRollback()
		return false, err
	}
	rollback = false
	return removed, nil
}

func (t *Tree) removeKeyed(op *AtomicOperation, key Key, rid RID) (bool, error) {
	keyBytes, err := t.encodeKey(key)
	if err != nil {
		return false, err
	}
	_, leafID, err := t.descend(keyBytes)
	if err != nil {
		return false, err
	}

	buf, err := t.pager.ReadPage(leafID)
	if err != nil {
		return false, newTreeError(kindIO, t.cfg.Name, "remove", err)
	}
	bp := WrapBucketPage(buf)
	i, found := bp.FindLeaf(keyBytes, t.cmpStoredKeyBytes)
	if !found {
		t.pager.UnpinPage(leafID)
		return false, nil
	}

	removed, err := t.removeFromSlot(op, leafID, bp, i, rid)
	if err != nil {
		t.pager.UnpinPage(leafID)
		return false, err
	}
	isBoundary := i == 0 || i == bp.EntryCount()-1
	left, right := bp.Left(), bp.Right()
	t.pager.UnpinPage(leafID)

	if !removed && isBoundary {
		if i == 0 {
			removed, err = t.removeWalkSiblings(op, left, keyBytes, rid, true)
		}
		if !removed && err == nil && i != 0 {
			removed, err = t.removeWalkSiblings(op, right, keyBytes, rid, false)
		}
		if err != nil {
			return false, err
		}
	}

	if removed {
		t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.TreeSize-- })
		op.AddComponentOperation(ComponentOp{
			Kind: ComponentOpRemove, SessionID: t.sessionID,
			SerializerID: t.cfg.KeySerializer.ID(), EncName: t.encName(), KeyBytes: keyBytes, RID: rid,
		})
	}
	return removed, nil
}

// removeFromSlot implements §4.9 steps 1-2 for one leaf slot.
func (t *Tree) removeFromSlot(op *AtomicOperation, leafID PageID, bp *BucketPage, i int, rid RID) (bool, error) {
	res := bp.RemoveLeafEntry(i, rid)
	if res.Found {
		if err := t.pager.WritePage(op.txID, leafID, bp.Bytes()); err != nil {
			return false, err
		}
		return true, nil
	}
	if res.EntriesCount != -1 {
		return false, nil // entry has no overflow; genuinely absent
	}
	e := bp.GetLeafEntry(i)
	ok, err := t.overflow.Remove(e.MId, rid)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	bp.DecrementEntriesCount(i)
	if err := t.pager.WritePage(op.txID, leafID, bp.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) removeWalkSiblings(op *AtomicOperation, pid PageID, keyBytes []byte, rid RID, goLeft bool) (bool, error) {
	for pid != InvalidPageID {
		buf, err := t.pager.ReadPage(pid)
		if err != nil {
			return false, newTreeError(kindIO, t.cfg.Name, "remove", err)
		}
		bp := WrapBucketPage(buf)
		n := bp.EntryCount()
		if n == 0 {
			next := bp.Left()
			if !goLeft {
				next = bp.Right()
			}
			t.pager.UnpinPage(pid)
			pid = next
			continue
		}
		idx := 0
		if goLeft {
			idx = n - 1
		}
		e := bp.GetLeafEntry(idx)
		if t.cmpStoredKeyBytes(e.KeyBytes, keyBytes) != 0 {
			t.pager.UnpinPage(pid)
			return false, nil
		}
		removed, err := t.removeFromSlot(op, pid, bp, idx, rid)
		next := bp.Left()
		if !goLeft {
			next = bp.Right()
		}
		t.pager.UnpinPage(pid)
		if err != nil {
			return false, err
		}
		if removed {
			return true, nil
		}
		pid = next
	}
	return false, nil
}

func (t *Tree) removeNull(op *AtomicOperation, rid RID) (bool, error) {
	np, err := t.nullFile.Read()
	if err != nil {
		return false, err
	}
	res := np.Remove(rid)
	if res.Found {
		if err := t.nullFile.Write(np); err != nil {
			return false, err
		}
		t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.TreeSize-- })
		op.AddComponentOperation(ComponentOp{Kind: ComponentOpRemove, SessionID: t.sessionID, SerializerID: t.cfg.KeySerializer.ID(), EncName: t.encName(), RID: rid})
		return true, nil
	}
	if res.EntriesCount != -1 {
		return false, nil
	}
	ok, err := t.overflow.Remove(np.MId(), rid)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	np.DecrementEntriesCount()
	if err := t.nullFile.Write(np); err != nil {
		return false, err
	}
	t.pager.UpdateEntryPoint(func(ep *EntryPoint) { ep.TreeSize-- })
	op.AddComponentOperation(ComponentOp{Kind: ComponentOpRemove, SessionID: t.sessionID, SerializerID: t.cfg.KeySerializer.ID(), EncName: t.encName(), RID: rid})
	return true, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Whole-tree queries
// ───────────────────────────────────────────────────────────────────────────

// Size returns C5.tree_size (§3 invariant: sum of every entry's
// entries_count, including the null bucket).
func (t *Tree) Size() (int64, error) {
	t.opMgr.RLock()
	defer t.opMgr.RUnlock()
	ep := t.pager.EntryPoint()
	return ep.TreeSize, nil
}

// FirstKey returns the lowest key in the tree, or nil if empty.
func (t *Tree) FirstKey() (Key, error) {
	t.opMgr.RLock()
	defer t.opMgr.RUnlock()
	return t.boundaryKey(true)
}

// LastKey returns the highest key in the tree, or nil if empty.
func (t *Tree) LastKey() (Key, error) {
	t.opMgr.RLock()
	defer t.opMgr.RUnlock()
	return t.boundaryKey(false)
}

func (t *Tree) boundaryKey(first bool) (Key, error) {
	pageID := RootPageID
	for depth := 0; depth < MaxPathLength; depth++ {
		buf, err := t.pager.ReadPage(pageID)
		if err != nil {
			return nil, newTreeError(kindIO, t.cfg.Name, "boundary-key", err)
		}
		bp := WrapBucketPage(buf)
		if bp.IsLeaf() {
			n := bp.EntryCount()
			if n == 0 {
				next := bp.Right()
				if first {
					t.pager.UnpinPage(pageID)
					if next == InvalidPageID {
						return nil, nil
					}
					pageID = next
					continue
				}
				t.pager.UnpinPage(pageID)
				return nil, nil
			}
			idx := 0
			if !first {
				idx = n - 1
			}
			e := bp.GetLeafEntry(idx)
			t.pager.UnpinPage(pageID)
			return t.decodeStoredKey(e.KeyBytes)
		}
		n := bp.EntryCount()
		var next PageID
		if n == 0 {
			next = bp.Right()
		} else if first {
			next = bp.GetInternalEntry(0).ChildID
		} else {
			next = bp.Right()
		}
		t.pager.UnpinPage(pageID)
		pageID = next
	}
	return nil, newTreeError(kindCorruption, t.cfg.Name, "boundary-key", fmt.Errorf("descent exceeded %d levels", MaxPathLength))
}

// ───────────────────────────────────────────────────────────────────────────
// Lifecycle
// ───────────────────────────────────────────────────────────────────────────

// Close flushes and closes every file this tree owns.
func (t *Tree) Close() error {
	t.opMgr.Lock()
	defer t.opMgr.Unlock()
	var firstErr error
	if t.overflow != nil {
		if err := t.overflow.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.nullFile != nil {
		if err := t.nullFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Delete removes the tree's files. Fails with ErrNotEmptyOnDelete if the
// tree is non-empty (§3 "a deliberate safety check").
func (t *Tree) Delete() error {
	t.opMgr.Lock()
	defer t.opMgr.Unlock()
	ep := t.pager.EntryPoint()
	if ep.TreeSize > 0 {
		return newTreeError(kindNotEmpty, t.cfg.Name, "delete", fmt.Errorf("tree_size=%d", ep.TreeSize))
	}
	if t.overflow != nil {
		t.overflow.Close()
		os.Remove(t.overflow.tree.cfg.DBPath)
		os.Remove(t.overflow.tree.cfg.WALPath)
		os.Remove(t.cfg.DBPath + ".container.null")
	}
	if t.nullFile != nil {
		t.nullFile.Close()
		os.Remove(t.cfg.NullPath)
	}
	t.pager.Close()
	os.Remove(t.cfg.DBPath)
	os.Remove(t.pager.WALPath())
	return nil
}

// Checkpoint forces the underlying pager (and, if present, the overflow
// container's own pager) to flush and truncate their WALs — exposed so a
// CheckpointScheduler (§11) can drive it on a cron schedule.
func (t *Tree) Checkpoint() error {
	if t.overflow != nil {
		if err := t.overflow.tree.pager.Checkpoint(); err != nil {
			return err
		}
	}
	return t.pager.Checkpoint()
}

// SessionID returns the uuid.UUID assigned to this tree instance (§11).
func (t *Tree) SessionID() uuid.UUID { return t.sessionID }

// Name returns the tree's configured name.
func (t *Tree) Name() string { return t.cfg.Name }

// ───────────────────────────────────────────────────────────────────────────
// Cursor API (§4.8, §6)
// ───────────────────────────────────────────────────────────────────────────

// IterateBetween drains a between-scan cursor into a slice. Exposed
// primarily for the overflow container (C7), which only ever needs a
// bounded range materialized at once; callers wanting true lazy iteration
// should use Cursor directly via NewCursor.
func (t *Tree) IterateBetween(from Key, fromInclusive bool, to Key, toInclusive bool, ascending bool) ([]KeyRIDPair, error) {
	c, err := t.iterateEntriesBetween(from, fromInclusive, to, toInclusive, ascending)
	if err != nil {
		return nil, err
	}
	var out []KeyRIDPair
	for {
		batch, err := c.Next(DefaultPrefetchSize)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
	}
	return out, nil
}

// NewCursor returns a lazy between-scan cursor (§6 `iterateEntriesBetween`).
func (t *Tree) NewCursor(from Key, fromInclusive bool, to Key, toInclusive bool, ascending bool) (*Cursor, error) {
	return t.iterateEntriesBetween(from, fromInclusive, to, toInclusive, ascending)
}

// NewCursorMajor is §6's `iterateEntriesBetweenMajor`.
func (t *Tree) NewCursorMajor(from Key, fromInclusive bool) (*Cursor, error) {
	return t.iterateEntriesBetweenMajor(from, fromInclusive)
}

// NewCursorMinor is §6's `iterateEntriesBetweenMinor`.
func (t *Tree) NewCursorMinor(to Key, toInclusive bool) (*Cursor, error) {
	return t.iterateEntriesBetweenMinor(to, toInclusive)
}

// KeyCursor is §6's `keyCursor`.
func (t *Tree) KeyCursor() (*Cursor, error) {
	return t.keyCursor()
}
