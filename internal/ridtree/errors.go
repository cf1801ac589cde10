package ridtree

import "fmt"

// ErrorKind classifies a TreeError per the storage-engine's error model.
// Callers branch on kind with errors.As, never on message text.
type ErrorKind int

const (
	// ErrKindOversizeKey: key serialized length exceeds MAX_KEY_SIZE.
	ErrKindOversizeKey ErrorKind = iota
	// ErrKindCorruption: descent depth exceeded, entry-point inconsistency,
	// or any other structural invariant a reader can no longer trust.
	ErrKindCorruption
	// ErrKindNotEmptyOnDelete: delete() called while tree_size > 0.
	ErrKindNotEmptyOnDelete
	// ErrKindIO: any page or file failure.
	ErrKindIO
	// ErrKindInvariant: an internal assertion failed. Indicates a bug in
	// this package, not on-disk corruption.
	ErrKindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindOversizeKey:
		return "oversize-key"
	case ErrKindCorruption:
		return "corruption"
	case ErrKindNotEmptyOnDelete:
		return "not-empty-on-delete"
	case ErrKindIO:
		return "io"
	case ErrKindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// TreeError wraps an error with the tree name and an ErrorKind so callers
// can recover structured information via errors.As without string matching.
type TreeError struct {
	Kind error
	Tree string
	Op   string
	Err  error
}

// treeErrorKind wraps an ErrorKind so it satisfies error, so TreeError.Kind
// can be compared with errors.Is(err, ErrIO) etc.
type treeErrorKind struct{ kind ErrorKind }

func (e treeErrorKind) Error() string { return e.kind.String() }

var (
	kindOversizeKey = treeErrorKind{ErrKindOversizeKey}
	kindCorruption  = treeErrorKind{ErrKindCorruption}
	kindNotEmpty    = treeErrorKind{ErrKindNotEmptyOnDelete}
	kindIO          = treeErrorKind{ErrKindIO}
	kindInvariant   = treeErrorKind{ErrKindInvariant}
)

func newTreeError(kind treeErrorKind, tree, op string, err error) *TreeError {
	return &TreeError{Kind: kind, Tree: tree, Op: op, Err: err}
}

func (e *TreeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ridtree[%s]: %s: %s", e.Tree, e.Op, e.Kind)
	}
	return fmt.Sprintf("ridtree[%s]: %s: %s: %v", e.Tree, e.Op, e.Kind, e.Err)
}

func (e *TreeError) Unwrap() error { return e.Err }

// Is reports whether target is the same ErrorKind sentinel this error
// carries, so errors.Is(err, ridtree.ErrOversizeKey) works.
func (e *TreeError) Is(target error) bool {
	return e.Kind == target
}

// Sentinel kinds for use with errors.Is.
var (
	ErrOversizeKey     error = kindOversizeKey
	ErrCorruption      error = kindCorruption
	ErrNotEmptyOnDelete error = kindNotEmpty
	ErrIO              error = kindIO
	ErrInvariant       error = kindInvariant
)
