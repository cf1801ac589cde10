package ridtree

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Atomic-operation manager (C2)
// ───────────────────────────────────────────────────────────────────────────
//
// AtomicOpManager is the concrete default C2 collaborator. It owns the
// per-tree shared/exclusive lock (§5, lock layer 1), nests atomic
// operations so a write path that calls into another write path within
// the same goroutine reuses the outer transaction, and appends
// component-operation records (PutCO / RemoveEntryCO) for diagnostics —
// correlated across a crash/recovery boundary by the tree's session id.
//
// Only one write operation is ever in flight per tree (the exclusive
// lock enforces that), so "current operation" is tracked as a single
// field rather than a per-goroutine map.

// ComponentOpKind identifies a component-operation record's kind.
type ComponentOpKind int

const (
	// ComponentOpPut records a put() call (§6 "PutCO").
	ComponentOpPut ComponentOpKind = iota
	// ComponentOpRemove records a remove() call (§6 "RemoveEntryCO").
	ComponentOpRemove
)

func (k ComponentOpKind) String() string {
	switch k {
	case ComponentOpPut:
		return "PutCO"
	case ComponentOpRemove:
		return "RemoveEntryCO"
	default:
		return "UnknownCO"
	}
}

// ComponentOp is one logical component-operation record (§6's WAL schema,
// opaque to the core — this layer only needs to log and count them, since
// physical recovery is handled by the page-level WAL in wal.go).
type ComponentOp struct {
	Kind         ComponentOpKind
	SessionID    uuid.UUID
	SerializerID string
	EncName      string
	KeyBytes     []byte // nil for the null key
	RID          RID
}

// AtomicOperation is one nested begin/commit/rollback unit.
type AtomicOperation struct {
	txID         TxID
	depth        int
	rollback     bool
	componentOps []ComponentOp
}

// AddComponentOperation appends a component-operation record to the
// current atomic operation, per §6/§10: logged with a `[ridtree]` prefix,
// never on the hot get path (get never calls this).
func (op *AtomicOperation) AddComponentOperation(rec ComponentOp) {
	op.componentOps = append(op.componentOps, rec)
}

// MarkRollback flips the rollback flag for this operation (§5: "rollback
// flag flipped on any exception in put/remove/create/delete").
func (op *AtomicOperation) MarkRollback() { op.rollback = true }

// AtomicOpManager coordinates nested atomic operations and the per-tree
// read/write lock for one tree instance.
type AtomicOpManager struct {
	mu        sync.RWMutex // lock layer 1 (§5)
	pager     *Pager
	sessionID uuid.UUID
	treeName  string

	opMu sync.Mutex // guards current below; only touched while mu is held
	current *AtomicOperation
}

// NewAtomicOpManager builds a C2 manager bound to one tree's pager.
func NewAtomicOpManager(treeName string, pager *Pager, sessionID uuid.UUID) *AtomicOpManager {
	return &AtomicOpManager{pager: pager, sessionID: sessionID, treeName: treeName}
}

// RLock acquires the shared side of the per-tree lock, for get/size/
// cursor.next (§5).
func (m *AtomicOpManager) RLock()   { m.mu.RLock() }
func (m *AtomicOpManager) RUnlock() { m.mu.RUnlock() }

// Lock acquires the exclusive side, for put/remove/create/delete (§5).
func (m *AtomicOpManager) Lock()   { m.mu.Lock() }
func (m *AtomicOpManager) Unlock() { m.mu.Unlock() }

// StartAtomicOperation begins a new atomic operation, or — if one is
// already open on this manager (a nested call within the same write path)
// — returns the existing one with its depth incremented. trackNonTxChanges
// is accepted for interface fidelity with the source's signature; this
// implementation always tracks every page write through the WAL.
func (m *AtomicOpManager) StartAtomicOperation(trackNonTxChanges bool) (*AtomicOperation, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.current != nil {
		m.current.depth++
		return m.current, nil
	}

	txID, err := m.pager.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("ridtree[%s]: begin atomic operation: %w", m.treeName, err)
	}
	op := &AtomicOperation{txID: txID, depth: 1}
	m.current = op
	return op, nil
}

// EndAtomicOperation closes the current nesting level. Only the
// outermost call actually commits or aborts the underlying transaction
// (§5: "commit or rollback is all-or-nothing"). rollback forces an abort
// regardless of the operation's own MarkRollback state — a caller that
// hit an error on its own level can force unwinding even if nested levels
// below it never called MarkRollback.
func (m *AtomicOpManager) EndAtomicOperation(op *AtomicOperation, rollback bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if rollback {
		op.rollback = true
	}
	op.depth--
	if op.depth > 0 {
		return nil
	}
	m.current = nil

	if op.rollback {
		if err := m.pager.AbortTx(op.txID); err != nil {
			return fmt.Errorf("ridtree[%s]: abort tx %d: %w", m.treeName, op.txID, err)
		}
		log.Printf("[ridtree] session=%s tree=%s tx=%d aborted (%d component ops discarded)",
			m.sessionID, m.treeName, op.txID, len(op.componentOps))
		return nil
	}

	for _, co := range op.componentOps {
		if err := m.pager.LogComponentOp(op.txID, walTypeForComponentOp(co.Kind), marshalComponentOp(co)); err != nil {
			return fmt.Errorf("ridtree[%s]: log component op tx %d: %w", m.treeName, op.txID, err)
		}
	}
	if err := m.pager.FlushEntryPoint(op.txID); err != nil {
		return fmt.Errorf("ridtree[%s]: flush entry point tx %d: %w", m.treeName, op.txID, err)
	}
	if err := m.pager.CommitTx(op.txID); err != nil {
		return fmt.Errorf("ridtree[%s]: commit tx %d: %w", m.treeName, op.txID, err)
	}
	for _, co := range op.componentOps {
		log.Printf("[ridtree] session=%s tree=%s tx=%d %s serializer=%s key=%x rid=%+v",
			m.sessionID, m.treeName, op.txID, co.Kind, co.SerializerID, co.KeyBytes, co.RID)
	}
	return nil
}

// GetCurrentOperation returns the currently open atomic operation on this
// manager, or nil if none is open.
func (m *AtomicOpManager) GetCurrentOperation() *AtomicOperation {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.current
}

// SessionID returns the uuid.UUID assigned to this tree instance at
// create/load time (§11).
func (m *AtomicOpManager) SessionID() uuid.UUID { return m.sessionID }
