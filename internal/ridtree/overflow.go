package ridtree

import (
	"fmt"
	"path/filepath"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow container (C7)
// ───────────────────────────────────────────────────────────────────────────
//
// An independent ordered-map keyed by (m_id, clusterId, clusterPos) used
// as a presence set. §4.4 describes it as the tree's own side B+-tree file
// — which this implementation takes literally: the overflow container is
// a private instance of the same Tree engine (C8), configured with a
// fixed 3-item int64 key arity and never given its own overflow
// container, since every key it stores is by construction unique (no key
// triple is ever inserted twice), so its own leaf entries never need to
// spill further.
type OverflowContainer struct {
	tree *Tree
}

// NewOverflowContainer opens (or creates) the side container file
// <dir>/<name>.container alongside its own WAL.
func NewOverflowContainer(dir, name string, pageSize, maxCachePages int) (*OverflowContainer, error) {
	cfg := TreeConfig{
		Name:          name + "-overflow",
		KeySerializer: DefaultKeySerializer{},
		KeySize:       3,
		PageSize:      pageSize,
		MaxCachePages: maxCachePages,
		DBPath:        filepath.Join(dir, name+".container"),
		WALPath:       filepath.Join(dir, name+".container.wal"),
		InlineCap:     4,
		MaxKeySize:    64,
		noOverflow:    true,
		noNullFile:    true,
	}
	t, err := openTree(cfg)
	if err != nil {
		return nil, fmt.Errorf("ridtree: open overflow container: %w", err)
	}
	return &OverflowContainer{tree: t}, nil
}

func overflowKey(mid uint64, rid RID) Key {
	return Key{int64(mid), int64(rid.ClusterID), rid.ClusterPos}
}

// Put performs the §4.4 "validatedPut": it inserts (mid, rid) only if not
// already present, reporting whether it was already there so the caller
// can treat a duplicate insert as a size-accounting no-op (§4.5 step 5).
func (o *OverflowContainer) Put(mid uint64, rid RID) (alreadyPresent bool, err error) {
	rids, err := o.tree.Get(overflowKey(mid, rid))
	if err != nil {
		return false, err
	}
	if len(rids) > 0 {
		return true, nil
	}
	if err := o.tree.Put(overflowKey(mid, rid), rid); err != nil {
		return false, err
	}
	return false, nil
}

// Remove deletes (mid, rid) from the container, reporting whether it was
// present.
func (o *OverflowContainer) Remove(mid uint64, rid RID) (bool, error) {
	return o.tree.Remove(overflowKey(mid, rid), rid)
}

// Range enumerates every RID spilled from the leaf entry with the given
// m_id, i.e. the range (mid, MinInt16, MinInt64)..(mid, MaxInt16,
// MaxInt64) inclusive, which spans every clusterId and clusterPos (§4.4).
func (o *OverflowContainer) Range(mid uint64) ([]RID, error) {
	from := Key{int64(mid), int64(-1 << 15), int64(minInt64)}
	to := Key{int64(mid), int64(1<<15 - 1), int64(maxInt64)}
	pairs, err := o.tree.IterateBetween(from, true, to, true, true)
	if err != nil {
		return nil, err
	}
	out := make([]RID, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.RID)
	}
	return out, nil
}

// Count returns the total number of entries in the container (diagnostic
// use only — the tree itself tracks entries_count independently).
func (o *OverflowContainer) Count() (int64, error) {
	return o.tree.Size()
}

// Close flushes and closes the container's own file and WAL.
func (o *OverflowContainer) Close() error { return o.tree.Close() }

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)
