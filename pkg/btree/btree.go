package btree

import (
	"fmt"
	"sort"
	"sync" // Added for Latch Crabbing

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/types"
)

// BPlusTree is the core index structure: latch-crabbed B+Tree with
// leaves chained via Next for ordered range scans. Each key occupies
// one leaf slot holding one value; on a non-unique tree the full set
// of values per key added through AddValue is kept in valueSets.
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool // true rejects duplicate keys at insert time
	mu        sync.RWMutex

	// valueSets holds the full value set per key for non-unique trees,
	// keyed by the Comparable's String() form. Unused on unique trees.
	valueSets sync.Map
}

// NewTree creates a tree that accepts duplicate keys.
func NewTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: false,
	}
}

// NewUniqueTree creates a tree enforcing a unique-key constraint.
func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: true,
	}
}

// Insert adds key->dataPtr, respecting the tree's uniqueness mode.
func (b *BPlusTree) Insert(key types.Comparable, dataPtr int64) error {
	return b.insertHelper(key, dataPtr, b.UniqueKey)
}

// Replace forcily updates the key's value (used for MVCC Updates on Unique Index)
func (b *BPlusTree) Replace(key types.Comparable, dataPtr int64) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		return dataPtr, nil
	})
}

// Upsert executes a function on the current value (if exists) and sets the new value.
// The callback is executed while holding the leaf lock, enabling atomic Read-Modify-Write.
func (b *BPlusTree) Upsert(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	return b.upsertHelper(key, fn)
}

func (b *BPlusTree) insertHelper(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		if exists && uniqueKey {
			return 0, &dserrors.ConstraintError{Index: "btree", Key: fmt.Sprintf("%v", key)}
		}
		return dataPtr, nil
	})
}

func (b *BPlusTree) upsertHelper(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {

	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree, splitting full nodes pre-emptively
// so the leaf reached is guaranteed non-full. curr arrives locked.
func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {

	// Unlocks are managed manually below for latch crabbing, since curr
	// is reassigned as we descend.
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)

			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		// Latch crabbing: release the parent, keep the child.
		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, fn)
}

// Search looks up key, returning its containing leaf with latch coupling.
func (b *BPlusTree) Search(key types.Comparable) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

// Get returns the value stored for key, thread-safe via latch coupling.
func (b *BPlusTree) Get(key types.Comparable) (int64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return 0, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.DataPtrs[j], true
		}
	}
	return 0, false
}

// valueSetKey renders a Comparable into the string form used to index
// valueSets; keys that Compare() equal always render identically since
// every Comparable's String() is defined from the same underlying value.
func valueSetKey(key types.Comparable) string {
	return key.String()
}

// AddValue appends dataPtr to key's value set. On a unique-key tree a
// second value for the same key is rejected with ConstraintError; on a
// non-unique tree the tree's own DataPtrs slot records only presence
// (the first value, or a placeholder) while valueSets holds the full
// ordered set — GetAllValues is the non-unique read path, Get remains
// the unique-tree read path.
func (b *BPlusTree) AddValue(key types.Comparable, dataPtr int64) error {
	if b.UniqueKey {
		return b.Insert(key, dataPtr)
	}

	sk := valueSetKey(key)
	existing, _ := b.valueSets.Load(sk)
	var values []int64
	if existing != nil {
		values = existing.([]int64)
	}
	values = append(values, dataPtr)
	b.valueSets.Store(sk, values)

	if _, found := b.Get(key); !found {
		return b.Insert(key, dataPtr)
	}
	return nil
}

// GetAllValues returns every value stored under key. On a unique tree
// this is at most a single-element slice; on a non-unique tree it is
// the accumulated value set recorded by AddValue.
func (b *BPlusTree) GetAllValues(key types.Comparable) ([]int64, bool) {
	if b.UniqueKey {
		v, ok := b.Get(key)
		if !ok {
			return nil, false
		}
		return []int64{v}, true
	}

	sk := valueSetKey(key)
	existing, ok := b.valueSets.Load(sk)
	if !ok {
		return nil, false
	}
	return existing.([]int64), true
}

// RemoveValue removes a single dataPtr from key's value set. If the set
// becomes empty the key is removed from the tree entirely.
func (b *BPlusTree) RemoveValue(key types.Comparable, dataPtr int64) error {
	if b.UniqueKey {
		if v, ok := b.Get(key); ok && v == dataPtr {
			b.Delete(key)
		}
		return nil
	}

	sk := valueSetKey(key)
	existing, ok := b.valueSets.Load(sk)
	if !ok {
		return nil
	}
	values := existing.([]int64)
	out := values[:0:0]
	for _, v := range values {
		if v != dataPtr {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		b.valueSets.Delete(sk)
		b.Delete(key)
		return nil
	}
	b.valueSets.Store(sk, out)
	return nil
}

// Delete removes key from the tree, reporting whether it was present.
// Unlike Insert/Get, structural deletion is not latch-crabbed: it holds
// the tree and root locks for the call's duration, matching the
// teacher's original single-writer assumption for mutation-heavy paths.
func (b *BPlusTree) Delete(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.Root
	root.Lock()
	defer root.Unlock()

	ok := root.remove(key)
	if !root.Leaf && root.N == 0 && len(root.Children) == 1 {
		b.Root = root.Children[0]
	}
	return ok
}

// KV is a single key/value pair returned by Range.
type KV struct {
	Key   types.Comparable
	Value int64
}

// Range walks the leaf chain collecting entries with start <= key <= end
// (bounds inclusive; pass nil for an open bound). Callers wanting
// exclusive bounds filter the first/last element themselves, or call
// RangeBounds directly.
func (b *BPlusTree) Range(start, end types.Comparable) []KV {
	leaf, idx := b.FindLeafLowerBound(start)
	var out []KV
	for leaf != nil {
		leaf.RLock()
		for j := idx; j < leaf.N; j++ {
			k := leaf.Keys[j]
			if end != nil && k.Compare(end) > 0 {
				leaf.RUnlock()
				return out
			}
			out = append(out, KV{Key: k, Value: leaf.DataPtrs[j]})
		}
		next := leaf.Next
		leaf.RUnlock()
		leaf = next
		idx = 0
	}
	return out
}

// Bound is one side of a RangeBounds query: a key plus whether that key
// itself is included. A nil *Bound means that side is open.
type Bound struct {
	Key       types.Comparable
	Inclusive bool
}

// RangeBounds generalizes Range to independently inclusive/exclusive
// bounds on each side, per spec §4.2's "inclusive/exclusive bounds per
// side" range semantics — the teacher's Cursor only ever supported
// Seek-to-key-or-after plus forward iteration, with no way to express
// an exclusive start or any end bound at all.
func (b *BPlusTree) RangeBounds(start, end *Bound) []KV {
	var startKey types.Comparable
	if start != nil {
		startKey = start.Key
	}

	leaf, idx := b.FindLeafLowerBound(startKey)
	var out []KV
	for leaf != nil {
		leaf.RLock()
		for j := idx; j < leaf.N; j++ {
			k := leaf.Keys[j]
			if start != nil && !start.Inclusive && k.Compare(start.Key) == 0 {
				continue
			}
			if end != nil {
				cmp := k.Compare(end.Key)
				if cmp > 0 || (cmp == 0 && !end.Inclusive) {
					leaf.RUnlock()
					return out
				}
			}
			out = append(out, KV{Key: k, Value: leaf.DataPtrs[j]})
		}
		next := leaf.Next
		leaf.RUnlock()
		leaf = next
		idx = 0
	}
	return out
}

// Min returns the smallest key in the tree.
func (b *BPlusTree) Min() (types.Comparable, int64, bool) {
	leaf, idx := b.FindLeafLowerBound(nil)
	leaf.RLock()
	defer leaf.RUnlock()
	if idx >= leaf.N {
		return nil, 0, false
	}
	return leaf.Keys[idx], leaf.DataPtrs[idx], true
}

// Max returns the largest key in the tree by walking the leaf chain to
// its tail. O(number of leaves); acceptable given the teacher's leaves
// are not doubly linked.
func (b *BPlusTree) Max() (types.Comparable, int64, bool) {
	leaf, _ := b.FindLeafLowerBound(nil)
	if leaf == nil {
		return nil, 0, false
	}
	var lastKey types.Comparable
	var lastVal int64
	found := false
	for leaf != nil {
		leaf.RLock()
		if leaf.N > 0 {
			lastKey = leaf.Keys[leaf.N-1]
			lastVal = leaf.DataPtrs[leaf.N-1]
			found = true
		}
		next := leaf.Next
		leaf.RUnlock()
		leaf = next
	}
	return lastKey, lastVal, found
}

// FindLeafLowerBound walks down to the leaf that would hold key,
// returning it RLocked — the caller must RUnlock it.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		var i int
		if key == nil {
			i = 0
		} else {
			i = sort.Search(curr.N, func(i int) bool {
				return curr.Keys[i].Compare(key) >= 0
			})
		}

		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if key == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
	}

	return curr, idx
}

// findLeafLowerBound is the unlocked variant used by package-internal tests.
func (b *BPlusTree) findLeafLowerBound(key types.Comparable) (*Node, int) {
	node, idx := b.FindLeafLowerBound(key)
	if node != nil {
		node.RUnlock()
	}
	return node, idx
}
