// Package index implements the Index Manager from spec §4.3: one
// B+Tree per declared field, transactional inserts/removes buffered
// per transaction ID and applied only at finalizeCommit. It generalizes
// the teacher's table.go, which wires a fixed "one tree per table"
// model (Index/Table/TableMetaData in pkg/storage/table.go) into a
// per-field index set with 2PC participant semantics.
package index

import (
	"sync"

	"github.com/collectionstore/core/pkg/btree"
	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/types"
)

// Definition describes one declared index, per spec §3's Collection
// index-definition shape.
type Definition struct {
	Field    string
	Unique   bool
	Sparse   bool // recorded only; documents missing the field are never indexed, whatever its value
	Required bool
}

// FieldIndex is a single named index: a B+Tree plus its declaration.
type FieldIndex struct {
	Definition
	Tree *btree.BPlusTree
}

// Manager wraps one B+Tree per declared field and exposes the
// transactional insert/remove/read/2PC surface of spec §4.3.
type Manager struct {
	mu     sync.RWMutex
	fields map[string]*FieldIndex

	txMu sync.Mutex
	txns map[string]map[string]*btree.TxContext // txID -> field -> context
}

// NewManager creates an empty Index Manager.
func NewManager() *Manager {
	return &Manager{
		fields: make(map[string]*FieldIndex),
		txns:   make(map[string]map[string]*btree.TxContext),
	}
}

// DefineIndex registers a new field index. t is the B+Tree's minimum
// degree, matching the teacher's table.go NewTable(..., t) parameter.
func (m *Manager) DefineIndex(def Definition, t int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fields[def.Field]; exists {
		return &dserrors.StateError{Entity: "index." + def.Field, State: "defined", Call: "DefineIndex"}
	}

	var tree *btree.BPlusTree
	if def.Unique {
		tree = btree.NewUniqueTree(t)
	} else {
		tree = btree.NewTree(t)
	}

	m.fields[def.Field] = &FieldIndex{Definition: def, Tree: tree}
	return nil
}

func (m *Manager) field(name string) (*FieldIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fi, ok := m.fields[name]
	if !ok {
		return nil, &dserrors.NotFoundError{Kind: "index", Key: name}
	}
	return fi, nil
}

// ctxFor returns (creating if necessary) the per-(txID,field) buffered
// TxContext, lazily opened against the field's tree.
func (m *Manager) ctxFor(txID, field string) (*btree.TxContext, error) {
	fi, err := m.field(field)
	if err != nil {
		return nil, err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	byField, ok := m.txns[txID]
	if !ok {
		byField = make(map[string]*btree.TxContext)
		m.txns[txID] = byField
	}
	ctx, ok := byField[field]
	if !ok {
		ctx = fi.Tree.Begin()
		byField[field] = ctx
	}
	return ctx, nil
}

// InsertInTransaction buffers {insert, key, value} against field's tree
// under txID. Rejects an undefined (nil) key eagerly rather than at
// prepare time; the value is not checked.
func (m *Manager) InsertInTransaction(txID, field string, key types.Comparable, value int64) error {
	if key == nil {
		return &dserrors.ValidationError{Collection: field, Reason: "index key is undefined"}
	}
	ctx, err := m.ctxFor(txID, field)
	if err != nil {
		return err
	}
	ctx.Insert(key, value)
	return nil
}

// RemoveInTransaction buffers a removal. If hasValue is false, every
// entry for key is removed (spec §3's Index Change Record semantics);
// otherwise only the specific (key, value) pair is removed.
func (m *Manager) RemoveInTransaction(txID, field string, key types.Comparable, value int64, hasValue bool) error {
	if key == nil {
		return &dserrors.ValidationError{Collection: field, Reason: "index key is undefined"}
	}
	ctx, err := m.ctxFor(txID, field)
	if err != nil {
		return err
	}
	if hasValue {
		ctx.Remove(key, value)
	} else {
		ctx.RemoveAll(key)
	}
	return nil
}

// GetAllInTransaction reads committed matches for key and overlays
// this transaction's own buffered inserts/removes for the same key,
// per spec §4.3: the merged set is committed ∪ buffered-inserts −
// buffered-removes, not just one or the other.
func (m *Manager) GetAllInTransaction(txID, field string, key types.Comparable) ([]int64, error) {
	fi, err := m.field(field)
	if err != nil {
		return nil, err
	}

	committed, _ := fi.Tree.GetAllValues(key)

	m.txMu.Lock()
	byField, hasTx := m.txns[txID]
	var ctx *btree.TxContext
	if hasTx {
		ctx = byField[field]
	}
	m.txMu.Unlock()

	if ctx == nil {
		return committed, nil
	}

	inserted, removed, removedAll := ctx.Delta(key)
	removedSet := make(map[int64]bool, len(removed))
	for _, v := range removed {
		removedSet[v] = true
	}

	out := make([]int64, 0, len(committed)+len(inserted))
	seen := make(map[int64]bool, len(committed)+len(inserted))
	if !removedAll {
		for _, v := range committed {
			if removedSet[v] || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range inserted {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

// RangeInTransaction returns every (key, value) pair in field's index
// within [start, end] per the bound's own inclusive/exclusive flag,
// ascending. Per spec §4.2/§9's documented weakening of "snapshot
// reads" to read-committed: unlike GetAllInTransaction, this does not
// overlay the caller's own uncommitted buffered writes, since a
// correct ordered merge of a buffer against a lazy tree walk is out of
// scope for this pass — a transaction's own range-scanned writes only
// become visible once committed.
func (m *Manager) RangeInTransaction(field string, start, end *btree.Bound) ([]btree.KV, error) {
	fi, err := m.field(field)
	if err != nil {
		return nil, err
	}
	return fi.Tree.RangeBounds(start, end), nil
}

// PrepareCommit validates every field's buffered changes for txID
// without mutating any tree.
func (m *Manager) PrepareCommit(txID string) error {
	m.txMu.Lock()
	byField, ok := m.txns[txID]
	m.txMu.Unlock()
	if !ok {
		return nil
	}

	for _, ctx := range byField {
		if err := ctx.PrepareCommit(); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeCommit applies every field's buffered changes for txID to its
// live tree, then clears the transaction's buffers.
func (m *Manager) FinalizeCommit(txID string) error {
	m.txMu.Lock()
	byField, ok := m.txns[txID]
	delete(m.txns, txID)
	m.txMu.Unlock()
	if !ok {
		return nil
	}

	for _, ctx := range byField {
		if err := ctx.FinalizeCommit(); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards txID's buffers across every field without touching
// any tree.
func (m *Manager) Rollback(txID string) {
	m.txMu.Lock()
	byField, ok := m.txns[txID]
	delete(m.txns, txID)
	m.txMu.Unlock()
	if !ok {
		return
	}
	for _, ctx := range byField {
		ctx.Abort()
	}
}
