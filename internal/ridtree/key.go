package ridtree

import (
	"bytes"
	"fmt"
)

// Key is an ordered tuple of key items. A tree is configured with an
// arity (KeySize in the entry-point's configuration); a caller-supplied
// key with fewer items than that arity is "completed" at scan boundaries
// by padding with a sentinel (§4.8). A nil Key (zero length, not to be
// confused with the reserved "null key" routed to the null bucket, C6)
// denotes the lowest/highest possible tuple depending on direction.
type Key []any

// sentinel marks a synthetic key item used only to pad composite-key scan
// boundaries; it never appears in a stored key.
type sentinel int8

const (
	alwaysLess    sentinel = -1
	alwaysGreater sentinel = 1
)

// AlwaysLess and AlwaysGreater are the padding items used by cursor
// boundary construction (§4.8). Exported so callers building composite
// scan bounds can pad explicitly if they want to bypass Tree's own
// padding logic.
var (
	AlwaysLess    any = alwaysLess
	AlwaysGreater any = alwaysGreater
)

// padTo returns a copy of k completed to length n by appending pad
// (AlwaysLess or AlwaysGreater) items. If k is already length >= n it is
// returned unchanged (never truncated — a longer key is the caller's
// responsibility).
func padTo(k Key, n int, pad any) Key {
	if len(k) >= n {
		return k
	}
	out := make(Key, n)
	copy(out, k)
	for i := len(k); i < n; i++ {
		out[i] = pad
	}
	return out
}

// compareItem orders two key items. Sentinels compare as less/greater
// than every non-sentinel item and equal to a sentinel of the same kind;
// two AlwaysLess (or two AlwaysGreater) items are equal to each other so
// that padded composite keys describing the same boundary still compare
// equal once padding is applied identically on both sides.
func compareItem(a, b any) int {
	as, aSentinel := a.(sentinel)
	bs, bSentinel := b.(sentinel)
	switch {
	case aSentinel && bSentinel:
		return int(as) - int(bs)
	case aSentinel:
		return int(as)
	case bSentinel:
		return -int(bs)
	}
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case string:
		return bytes.Compare([]byte(av), []byte(b.(string)))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	default:
		panic(fmt.Sprintf("ridtree: unsupported key item type %T", a))
	}
}

// CompareKeys orders two (possibly differently padded) composite keys
// item-by-item, the externally supplied total order required by §3.
// When one key is a prefix of the other, the shorter key orders first — callers that
// need boundary semantics must pad first via Tree's own cursor helpers.
func CompareKeys(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareItem(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
