package ridtree

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"golang.org/x/text/language"
)

func newTestTree(t *testing.T, cfg TreeConfig) *Tree {
	t.Helper()
	dir := t.TempDir()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	cfg.DBPath = filepath.Join(dir, cfg.Name+".db")
	tr, err := CreateTree(cfg)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTreePutGetRoundTrip(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})

	key := Key{int64(42)}
	rid := RID{ClusterID: 1, ClusterPos: 100}
	if err := tr.Put(key, rid); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := tr.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(rid) {
		t.Fatalf("expected [%v], got %v", rid, got)
	}

	size, err := tr.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
}

func TestTreeGetMissingKeyReturnsEmpty(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	got, err := tr.Get(Key{int64(999)})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no RIDs for missing key, got %v", got)
	}
}

func TestTreeMultiValueKeyAccumulatesRIDs(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	key := Key{int64(7)}
	rids := []RID{
		{ClusterID: 1, ClusterPos: 1},
		{ClusterID: 1, ClusterPos: 2},
		{ClusterID: 2, ClusterPos: 5},
	}
	for _, r := range rids {
		if err := tr.Put(key, r); err != nil {
			t.Fatalf("Put(%v): %v", r, err)
		}
	}
	got, err := tr.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != len(rids) {
		t.Fatalf("expected %d RIDs, got %d: %v", len(rids), len(got), got)
	}
}

// TestTreeOverflowsPastInlineCap exercises the inline->overflow-container
// transition: once a key accumulates more RIDs than InlineCap, the rest
// are expected to live in the overflow container and still round-trip.
func TestTreeOverflowsPastInlineCap(t *testing.T) {
	tr := newTestTree(t, TreeConfig{InlineCap: 2})
	key := Key{string("overflowing-key")}

	const n = 20
	for i := 0; i < n; i++ {
		rid := RID{ClusterID: 1, ClusterPos: int64(i)}
		if err := tr.Put(key, rid); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	got, err := tr.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d RIDs after overflow, got %d", n, len(got))
	}
}

func TestTreeRemoveInlineAndOverflow(t *testing.T) {
	tr := newTestTree(t, TreeConfig{InlineCap: 2})
	key := Key{int64(5)}

	var rids []RID
	for i := 0; i < 10; i++ {
		rid := RID{ClusterID: 1, ClusterPos: int64(i)}
		rids = append(rids, rid)
		if err := tr.Put(key, rid); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	for _, rid := range rids {
		ok, err := tr.Remove(key, rid)
		if err != nil {
			t.Fatalf("Remove(%v): %v", rid, err)
		}
		if !ok {
			t.Fatalf("Remove(%v) reported not-found", rid)
		}
	}

	got, err := tr.Get(key)
	if err != nil {
		t.Fatalf("Get after full removal: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no RIDs left, got %v", got)
	}

	// Removing an absent (key, rid) pair a second time is reported, not an error.
	ok, err := tr.Remove(key, rids[0])
	if err != nil {
		t.Fatalf("Remove (idempotence check): %v", err)
	}
	if ok {
		t.Fatalf("expected second Remove of the same pair to report not-found")
	}
}

func TestTreeNullKeyRoutesToNullBucket(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	rid := RID{ClusterID: 3, ClusterPos: 9}
	if err := tr.Put(nil, rid); err != nil {
		t.Fatalf("Put(nil): %v", err)
	}
	got, err := tr.Get(nil)
	if err != nil {
		t.Fatalf("Get(nil): %v", err)
	}
	if len(got) != 1 || !got[0].Equal(rid) {
		t.Fatalf("expected [%v], got %v", rid, got)
	}

	ok, err := tr.Remove(nil, rid)
	if err != nil {
		t.Fatalf("Remove(nil): %v", err)
	}
	if !ok {
		t.Fatalf("Remove(nil) reported not-found")
	}
}

// TestTreeManyKeysForcesSplits drives enough distinct keys through Put that
// leaf (and, given a small page size, internal) splits must occur, then
// checks every key is still reachable — the split/separator machinery's
// correctness is only visible once it actually triggers.
func TestTreeManyKeysForcesSplits(t *testing.T) {
	tr := newTestTree(t, TreeConfig{PageSize: MinPageSize})

	const n = 500
	for i := 0; i < n; i++ {
		key := Key{int64(i)}
		rid := RID{ClusterID: 1, ClusterPos: int64(i)}
		if err := tr.Put(key, rid); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := Key{int64(i)}
		got, err := tr.Get(key)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if len(got) != 1 || got[0].ClusterPos != int64(i) {
			t.Fatalf("Get(%d): expected one RID at pos %d, got %v", i, i, got)
		}
	}

	size, err := tr.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != n {
		t.Fatalf("expected size %d, got %d", n, size)
	}
}

func TestTreeOversizeKeyRejected(t *testing.T) {
	tr := newTestTree(t, TreeConfig{MaxKeySize: 16})
	big := make([]byte, 256)
	err := tr.Put(Key{big}, RID{ClusterID: 1, ClusterPos: 1})
	if err == nil {
		t.Fatalf("expected an oversize-key error")
	}
	if !errors.Is(err, ErrOversizeKey) {
		t.Fatalf("expected ErrOversizeKey, got %v", err)
	}
}

func TestTreeDeleteRefusesWhenNotEmpty(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	if err := tr.Put(Key{int64(1)}, RID{ClusterID: 1, ClusterPos: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := tr.Delete()
	if err == nil {
		t.Fatalf("expected Delete to refuse a non-empty tree")
	}
	if !errors.Is(err, ErrNotEmptyOnDelete) {
		t.Fatalf("expected ErrNotEmptyOnDelete, got %v", err)
	}
}

func TestTreeCheckpointThenReloadKeepsData(t *testing.T) {
	dir := t.TempDir()
	cfg := TreeConfig{Name: "reload", DBPath: filepath.Join(dir, "reload.db")}

	tr, err := CreateTree(cfg)
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := tr.Put(Key{int64(i)}, RID{ClusterID: 1, ClusterPos: int64(i)}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tr.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := LoadTree(cfg)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 50; i++ {
		got, err := reopened.Get(Key{int64(i)})
		if err != nil {
			t.Fatalf("Get(%d) after reload: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("Get(%d) after reload: expected 1 RID, got %d", i, len(got))
		}
	}
}

func TestTreeFirstLastKey(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	for _, i := range []int64{30, 10, 50, 20, 40} {
		if err := tr.Put(Key{i}, RID{ClusterID: 1, ClusterPos: i}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	first, err := tr.FirstKey()
	if err != nil {
		t.Fatalf("FirstKey: %v", err)
	}
	if CompareKeys(first, Key{int64(10)}) != 0 {
		t.Fatalf("expected first key 10, got %v", first)
	}
	last, err := tr.LastKey()
	if err != nil {
		t.Fatalf("LastKey: %v", err)
	}
	if CompareKeys(last, Key{int64(50)}) != 0 {
		t.Fatalf("expected last key 50, got %v", last)
	}
}

func TestTreeRangeScanAscendingAndDescending(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	for i := int64(0); i < 30; i++ {
		if err := tr.Put(Key{i}, RID{ClusterID: 1, ClusterPos: i}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	asc, err := tr.IterateBetween(Key{int64(10)}, true, Key{int64(20)}, true, true)
	if err != nil {
		t.Fatalf("IterateBetween ascending: %v", err)
	}
	if len(asc) != 11 {
		t.Fatalf("expected 11 pairs in [10,20], got %d", len(asc))
	}
	for i, pair := range asc {
		want := int64(10 + i)
		if CompareKeys(pair.Key, Key{want}) != 0 {
			t.Fatalf("ascending scan out of order at %d: got %v, want %d", i, pair.Key, want)
		}
	}

	desc, err := tr.IterateBetween(Key{int64(10)}, true, Key{int64(20)}, true, false)
	if err != nil {
		t.Fatalf("IterateBetween descending: %v", err)
	}
	if len(desc) != 11 {
		t.Fatalf("expected 11 pairs descending, got %d", len(desc))
	}
	for i, pair := range desc {
		want := int64(20 - i)
		if CompareKeys(pair.Key, Key{want}) != 0 {
			t.Fatalf("descending scan out of order at %d: got %v, want %d", i, pair.Key, want)
		}
	}
}

func TestTreeRangeScanExclusiveBounds(t *testing.T) {
	tr := newTestTree(t, TreeConfig{})
	for i := int64(0); i < 10; i++ {
		if err := tr.Put(Key{i}, RID{ClusterID: 1, ClusterPos: i}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	got, err := tr.IterateBetween(Key{int64(2)}, false, Key{int64(5)}, false, true)
	if err != nil {
		t.Fatalf("IterateBetween: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly {3,4} (2 pairs), got %d: %v", len(got), got)
	}
	if CompareKeys(got[0].Key, Key{int64(3)}) != 0 || CompareKeys(got[1].Key, Key{int64(4)}) != 0 {
		t.Fatalf("expected keys 3,4 — got %v, %v", got[0].Key, got[1].Key)
	}
}

func TestTreeKeyCursorEmitsInlineAndOverflowRIDs(t *testing.T) {
	tr := newTestTree(t, TreeConfig{PageSize: MinPageSize, InlineCap: 2})
	key := Key{string("dup")}
	for i := 0; i < 40; i++ {
		if err := tr.Put(key, RID{ClusterID: 1, ClusterPos: int64(i)}); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if err := tr.Put(Key{string("zzz")}, RID{ClusterID: 2, ClusterPos: 1}); err != nil {
		t.Fatalf("Put zzz: %v", err)
	}

	c, err := tr.KeyCursor()
	if err != nil {
		t.Fatalf("KeyCursor: %v", err)
	}
	total := 0
	for {
		pairs, err := c.Next(16)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(pairs) == 0 {
			break
		}
		total += len(pairs)
	}
	if total != 41 {
		t.Fatalf("expected 40 dup-key pairs + 1 zzz pair = 41, got %d", total)
	}
}

func TestUniqueIndexPutReplaces(t *testing.T) {
	dir := t.TempDir()
	idx, err := CreateUniqueIndex(TreeConfig{Name: "uniq", DBPath: filepath.Join(dir, "uniq.db")})
	if err != nil {
		t.Fatalf("CreateUniqueIndex: %v", err)
	}
	defer idx.Close()

	key := Key{int64(1)}
	first := RID{ClusterID: 1, ClusterPos: 1}
	second := RID{ClusterID: 1, ClusterPos: 2}

	if err := idx.Put(key, first); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if err := idx.Put(key, second); err != nil {
		t.Fatalf("Put second (replace): %v", err)
	}

	got, ok, err := idx.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key present")
	}
	if !got.Equal(second) {
		t.Fatalf("expected replaced RID %v, got %v", second, got)
	}

	size, err := idx.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected unique index size 1, got %d", size)
	}
}

func TestUniqueIndexRemove(t *testing.T) {
	dir := t.TempDir()
	idx, err := CreateUniqueIndex(TreeConfig{Name: "uniq2", DBPath: filepath.Join(dir, "uniq2.db")})
	if err != nil {
		t.Fatalf("CreateUniqueIndex: %v", err)
	}
	defer idx.Close()

	key := Key{string("k")}
	if err := idx.Put(key, RID{ClusterID: 1, ClusterPos: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := idx.Remove(key)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !ok {
		t.Fatalf("expected Remove to report present")
	}
	_, ok, err = idx.Get(key)
	if err != nil {
		t.Fatalf("Get after remove: %v", err)
	}
	if ok {
		t.Fatalf("expected key absent after remove")
	}
}

func TestTreeAEADEncryptedKeys(t *testing.T) {
	enc, err := NewAEADEncryption([]byte("correct horse battery staple"), []byte("salt"))
	if err != nil {
		t.Fatalf("NewAEADEncryption: %v", err)
	}
	tr := newTestTree(t, TreeConfig{Encryption: enc})

	key := Key{string("secret-key")}
	rid := RID{ClusterID: 9, ClusterPos: 1}
	if err := tr.Put(key, rid); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := tr.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(rid) {
		t.Fatalf("expected [%v], got %v", rid, got)
	}
}

func TestTreeCollatedSerializerRoundTripsStrings(t *testing.T) {
	tr := newTestTree(t, TreeConfig{KeySerializer: NewCollatedKeySerializer(language.English)})
	words := []string{"banana", "Apple", "cherry", "apple"}
	for i, w := range words {
		if err := tr.Put(Key{w}, RID{ClusterID: 1, ClusterPos: int64(i)}); err != nil {
			t.Fatalf("Put(%q): %v", w, err)
		}
	}
	for _, w := range words {
		got, err := tr.Get(Key{w})
		if err != nil {
			t.Fatalf("Get(%q): %v", w, err)
		}
		if len(got) != 1 {
			t.Fatalf("Get(%q): expected 1 RID, got %d", w, len(got))
		}
	}
}

func TestTreeErrorKindsDistinguishable(t *testing.T) {
	tr := newTestTree(t, TreeConfig{MaxKeySize: 8})
	err := tr.Put(Key{make([]byte, 64)}, RID{ClusterID: 1, ClusterPos: 1})
	var te *TreeError
	if !errors.As(err, &te) {
		t.Fatalf("expected a *TreeError, got %T: %v", err, err)
	}
	if te.Op == "" {
		t.Fatalf("expected TreeError to carry an operation name")
	}
	if got := fmt.Sprintf("%v", te); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}
