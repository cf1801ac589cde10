package ridtree

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// One-value facade (C9)
// ───────────────────────────────────────────────────────────────────────────
//
// UniqueIndex wraps a Tree with a unique-key contract: at most one RID per
// key, get returns a single RID (or none), and a second put for the same
// key replaces rather than accumulates. It is a thin facade, not a second
// storage engine — every call reduces to the underlying multi-value Tree's
// own put/get/remove, so duplicate-RID bookkeeping, splits, and the
// overflow container all behave exactly as they do for the multi-value
// case (a unique key simply never grows past one RID).
type UniqueIndex struct {
	tree *Tree
}

// NewUniqueIndex wraps an already-open Tree as a one-value facade.
func NewUniqueIndex(t *Tree) *UniqueIndex { return &UniqueIndex{tree: t} }

// CreateUniqueIndex creates the backing tree and wraps it.
func CreateUniqueIndex(cfg TreeConfig) (*UniqueIndex, error) {
	t, err := CreateTree(cfg)
	if err != nil {
		return nil, err
	}
	return NewUniqueIndex(t), nil
}

// LoadUniqueIndex loads the backing tree and wraps it.
func LoadUniqueIndex(cfg TreeConfig) (*UniqueIndex, error) {
	t, err := LoadTree(cfg)
	if err != nil {
		return nil, err
	}
	return NewUniqueIndex(t), nil
}

// Put associates key with rid, replacing any RID already stored under
// key. The replace is not atomic across the remove+put pair at the
// engine-reload boundary (§9): if the underlying tree's pager is closed
// and reopened by another goroutine between the two calls, the retry loop
// below re-attempts the whole replace rather than leaving it half-applied.
func (u *UniqueIndex) Put(key Key, rid RID) error {
	const maxRetries = 3
	var lastErr error
retry:
	for attempt := 0; attempt < maxRetries; attempt++ {
		existing, err := u.tree.Get(key)
		if err != nil {
			lastErr = err
			continue
		}
		for _, old := range existing {
			if old.Equal(rid) {
				return nil
			}
			if _, err := u.tree.Remove(key, old); err != nil {
				lastErr = err
				continue retry
			}
		}
		if err := u.tree.Put(key, rid); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("ridtree: unique put retries exhausted: %w", lastErr)
}

// Get returns the single RID stored under key, or (RID{}, false) if key
// is absent. More than one RID present (which Put's contract prevents,
// but a caller bypassing the facade via the raw Tree could still cause)
// is reported as an invariant error rather than silently picking one.
func (u *UniqueIndex) Get(key Key) (RID, bool, error) {
	rids, err := u.tree.Get(key)
	if err != nil {
		return RID{}, false, err
	}
	switch len(rids) {
	case 0:
		return RID{}, false, nil
	case 1:
		return rids[0], true, nil
	default:
		return RID{}, false, newTreeError(kindInvariant, u.tree.cfg.Name, "unique-get", fmt.Errorf("key has %d RIDs, expected at most 1", len(rids)))
	}
}

// Remove deletes key's RID, if any, reporting whether it was present.
func (u *UniqueIndex) Remove(key Key) (bool, error) {
	rids, err := u.tree.Get(key)
	if err != nil {
		return false, err
	}
	if len(rids) == 0 {
		return false, nil
	}
	return u.tree.Remove(key, rids[0])
}

// Size returns the number of keys stored (equal to the number of RIDs,
// by the unique-key contract).
func (u *UniqueIndex) Size() (int64, error) { return u.tree.Size() }

// Close closes the backing tree.
func (u *UniqueIndex) Close() error { return u.tree.Close() }

// Delete deletes the backing tree's files.
func (u *UniqueIndex) Delete() error { return u.tree.Delete() }

// Tree exposes the backing multi-value engine for range scans, which the
// facade does not reinterpret.
func (u *UniqueIndex) Tree() *Tree { return u.tree }
