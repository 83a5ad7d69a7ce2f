package btree

import (
	"sync"

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/types"
)

type changeKind int

const (
	changeInsert changeKind = iota
	changeRemove
	changeRemoveAll
)

type bufferedChange struct {
	kind  changeKind
	key   types.Comparable
	value int64
}

// TxContext buffers inserts and removes against a tree for the
// lifetime of one transaction, deferring structural mutation until
// FinalizeCommit. A reader going through the same TxContext sees its
// own buffered writes layered over the tree's committed state
// (read-your-writes); a reader going directly through the tree does
// not see them until the context commits.
type TxContext struct {
	tree *BPlusTree

	mu      sync.Mutex
	changes []bufferedChange
	done    bool
}

// Begin opens a transaction context over the tree.
func (b *BPlusTree) Begin() *TxContext {
	return &TxContext{tree: b}
}

// Insert buffers a key/value insert.
func (tx *TxContext) Insert(key types.Comparable, value int64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changes = append(tx.changes, bufferedChange{kind: changeInsert, key: key, value: value})
}

// Remove buffers the removal of a single (key, value) pair.
func (tx *TxContext) Remove(key types.Comparable, value int64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changes = append(tx.changes, bufferedChange{kind: changeRemove, key: key, value: value})
}

// RemoveAll buffers the removal of every value stored under key.
func (tx *TxContext) RemoveAll(key types.Comparable) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changes = append(tx.changes, bufferedChange{kind: changeRemoveAll, key: key})
}

// Get resolves key through this context's own buffered changes first,
// falling back to the committed tree state. Only meaningful on a
// unique-key tree, where at most one value can ever exist for key; on
// a non-unique tree use Delta to merge against every committed value.
func (tx *TxContext) Get(key types.Comparable) (int64, bool) {
	tx.mu.Lock()
	val, present, touched := int64(0), false, false
	for _, c := range tx.changes {
		if !types.Equal(c.key, key) {
			continue
		}
		switch c.kind {
		case changeInsert:
			val, present, touched = c.value, true, true
		case changeRemove, changeRemoveAll:
			present, touched = false, true
		}
	}
	tx.mu.Unlock()

	if touched {
		return val, present
	}
	return tx.tree.Get(key)
}

// Delta replays this context's buffered changes for key in recording
// order and reports, relative to committed tree state: inserted (every
// value this transaction added and never subsequently removed),
// removed (every specific value it removed), and removedAll (whether
// a RemoveAll for key means committed values must be discarded
// entirely rather than merged). Callers merge committed ∪ inserted −
// removed themselves, since only they know how to read the committed
// set (single-value Get vs. multi-value GetAllValues).
func (tx *TxContext) Delta(key types.Comparable) (inserted []int64, removed []int64, removedAll bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	insertedSet := make(map[int64]bool)
	removedSet := make(map[int64]bool)
	for _, c := range tx.changes {
		if !types.Equal(c.key, key) {
			continue
		}
		switch c.kind {
		case changeInsert:
			insertedSet[c.value] = true
			delete(removedSet, c.value)
		case changeRemove:
			delete(insertedSet, c.value)
			removedSet[c.value] = true
		case changeRemoveAll:
			insertedSet = make(map[int64]bool)
			removedSet = make(map[int64]bool)
			removedAll = true
		}
	}

	for v := range insertedSet {
		inserted = append(inserted, v)
	}
	for v := range removedSet {
		removed = append(removed, v)
	}
	return inserted, removed, removedAll
}

// PrepareCommit validates the buffered changes without mutating the
// tree: on a unique-key tree it rejects an insert whose key another,
// already-committed write has taken.
func (tx *TxContext) PrepareCommit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return &dserrors.StateError{Entity: "btree.TxContext", State: "done", Call: "PrepareCommit"}
	}
	if !tx.tree.UniqueKey {
		return nil
	}
	seen := make(map[string]bool, len(tx.changes))
	for _, c := range tx.changes {
		if c.kind != changeInsert {
			continue
		}
		sk := c.key.String()
		if seen[sk] {
			return &dserrors.ConstraintError{Index: "btree", Key: sk}
		}
		seen[sk] = true
		if _, exists := tx.tree.Get(c.key); exists {
			return &dserrors.ConstraintError{Index: "btree", Key: sk}
		}
	}
	return nil
}

// FinalizeCommit applies every buffered change to the tree, in the
// order they were recorded. Call only after a successful PrepareCommit.
func (tx *TxContext) FinalizeCommit() error {
	tx.mu.Lock()
	changes := tx.changes
	tx.done = true
	tx.mu.Unlock()

	for _, c := range changes {
		switch c.kind {
		case changeInsert:
			if err := tx.tree.AddValue(c.key, c.value); err != nil {
				return err
			}
		case changeRemove:
			if err := tx.tree.RemoveValue(c.key, c.value); err != nil {
				return err
			}
		case changeRemoveAll:
			values, _ := tx.tree.GetAllValues(c.key)
			for _, v := range values {
				if err := tx.tree.RemoveValue(c.key, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Abort discards every buffered change without touching the tree.
func (tx *TxContext) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changes = nil
	tx.done = true
}
