package btree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collectionstore/core/pkg/btree"
	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/types"
)

func TestRange_InclusiveBounds(t *testing.T) {
	tree := btree.NewTree(3)
	for i := 1; i <= 10; i++ {
		require.NoError(t, tree.Insert(types.IntKey(i), int64(i*100)))
	}

	kv := tree.Range(types.IntKey(3), types.IntKey(7))
	require.Len(t, kv, 5)
	require.Equal(t, int64(300), kv[0].Value)
	require.Equal(t, int64(700), kv[len(kv)-1].Value)
}

func TestRange_OpenBounds(t *testing.T) {
	tree := btree.NewTree(3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert(types.IntKey(i), int64(i)))
	}

	all := tree.Range(nil, nil)
	require.Len(t, all, 5)
}

func TestMinMax(t *testing.T) {
	tree := btree.NewTree(3)
	for _, k := range []int{50, 10, 90, 30, 70} {
		require.NoError(t, tree.Insert(types.IntKey(k), int64(k)))
	}

	minKey, minVal, ok := tree.Min()
	require.True(t, ok)
	require.Equal(t, types.IntKey(10), minKey)
	require.Equal(t, int64(10), minVal)

	maxKey, maxVal, ok := tree.Max()
	require.True(t, ok)
	require.Equal(t, types.IntKey(90), maxKey)
	require.Equal(t, int64(90), maxVal)
}

func TestAddValue_NonUniqueAccumulates(t *testing.T) {
	tree := btree.NewTree(3)
	require.NoError(t, tree.AddValue(types.VarcharKey("active"), 1))
	require.NoError(t, tree.AddValue(types.VarcharKey("active"), 2))
	require.NoError(t, tree.AddValue(types.VarcharKey("active"), 3))

	values, ok := tree.GetAllValues(types.VarcharKey("active"))
	require.True(t, ok)
	require.ElementsMatch(t, []int64{1, 2, 3}, values)
}

func TestAddValue_UniqueRejectsDuplicate(t *testing.T) {
	tree := btree.NewUniqueTree(3)
	require.NoError(t, tree.AddValue(types.IntKey(1), 100))
	err := tree.AddValue(types.IntKey(1), 200)
	require.Error(t, err)
	require.IsType(t, &dserrors.ConstraintError{}, err)
}

func TestRemoveValue_PartialThenFull(t *testing.T) {
	tree := btree.NewTree(3)
	require.NoError(t, tree.AddValue(types.VarcharKey("k"), 1))
	require.NoError(t, tree.AddValue(types.VarcharKey("k"), 2))

	require.NoError(t, tree.RemoveValue(types.VarcharKey("k"), 1))
	values, ok := tree.GetAllValues(types.VarcharKey("k"))
	require.True(t, ok)
	require.Equal(t, []int64{2}, values)

	require.NoError(t, tree.RemoveValue(types.VarcharKey("k"), 2))
	_, ok = tree.GetAllValues(types.VarcharKey("k"))
	require.False(t, ok)
	_, found := tree.Search(types.VarcharKey("k"))
	require.False(t, found)
}

func TestTxContext_ReadYourWrites(t *testing.T) {
	tree := btree.NewUniqueTree(3)
	require.NoError(t, tree.Insert(types.IntKey(1), 10))

	tx := tree.Begin()
	tx.Insert(types.IntKey(2), 20)

	val, ok := tx.Get(types.IntKey(2))
	require.True(t, ok)
	require.Equal(t, int64(20), val)

	// Not visible through the tree directly until FinalizeCommit.
	_, found := tree.Get(types.IntKey(2))
	require.False(t, found)

	require.NoError(t, tx.PrepareCommit())
	require.NoError(t, tx.FinalizeCommit())

	val, found = tree.Get(types.IntKey(2))
	require.True(t, found)
	require.Equal(t, int64(20), val)
}

func TestTxContext_DeltaMergesInsertsAndRemovesAroundCommitted(t *testing.T) {
	tree := btree.NewTree(3)
	require.NoError(t, tree.Insert(types.VarcharKey("active"), 1))
	require.NoError(t, tree.Insert(types.VarcharKey("active"), 2))

	tx := tree.Begin()
	tx.Insert(types.VarcharKey("active"), 3)
	tx.Remove(types.VarcharKey("active"), 1)

	inserted, removed, removedAll := tx.Delta(types.VarcharKey("active"))
	require.False(t, removedAll)
	require.ElementsMatch(t, []int64{3}, inserted)
	require.ElementsMatch(t, []int64{1}, removed)
}

func TestTxContext_DeltaRemoveAllDiscardsCommitted(t *testing.T) {
	tree := btree.NewTree(3)
	require.NoError(t, tree.Insert(types.VarcharKey("active"), 1))

	tx := tree.Begin()
	tx.RemoveAll(types.VarcharKey("active"))
	tx.Insert(types.VarcharKey("active"), 2)

	inserted, _, removedAll := tx.Delta(types.VarcharKey("active"))
	require.True(t, removedAll)
	require.ElementsMatch(t, []int64{2}, inserted)
}

func TestTxContext_PrepareCommitRejectsConflict(t *testing.T) {
	tree := btree.NewUniqueTree(3)
	require.NoError(t, tree.Insert(types.IntKey(1), 10))

	tx := tree.Begin()
	tx.Insert(types.IntKey(1), 999)

	err := tx.PrepareCommit()
	require.Error(t, err)
	require.IsType(t, &dserrors.ConstraintError{}, err)
}

func TestTxContext_Abort(t *testing.T) {
	tree := btree.NewTree(3)
	tx := tree.Begin()
	tx.Insert(types.IntKey(1), 1)
	tx.Abort()

	_, found := tree.Search(types.IntKey(1))
	require.False(t, found)
}

func TestDelete_ShrinksRoot(t *testing.T) {
	tree := btree.NewTree(2)
	for i := 1; i <= 20; i++ {
		require.NoError(t, tree.Insert(types.IntKey(i), int64(i)))
	}
	for i := 1; i <= 20; i++ {
		require.True(t, tree.Delete(types.IntKey(i)))
	}
	for i := 1; i <= 20; i++ {
		_, found := tree.Search(types.IntKey(i))
		require.False(t, found)
	}
}
