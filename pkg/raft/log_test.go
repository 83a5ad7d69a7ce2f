package raft_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collectionstore/core/pkg/raft"
	"github.com/collectionstore/core/pkg/wal"
)

func TestLogManager_AppendAndLoadRoundTrips(t *testing.T) {
	log := wal.NewMemoryWAL()
	lm := raft.NewLogManager(log)

	e1, err := lm.Append(1, raft.EntryCommand, "tx1", []byte("a"))
	require.NoError(t, err)
	require.EqualValues(t, 1, e1.Index)

	e2, err := lm.Append(1, raft.EntryCommand, "tx1", []byte("b"))
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Index)

	require.EqualValues(t, 2, lm.LastIndex())
	require.Equal(t, raft.Term(1), lm.LastTerm())

	reloaded := raft.NewLogManager(log)
	require.NoError(t, reloaded.Load())
	require.EqualValues(t, 2, reloaded.LastIndex())

	entry, ok := reloaded.EntryAt(2)
	require.True(t, ok)
	require.Equal(t, []byte("b"), entry.Command)
}

func TestLogManager_AppendReplicatedTruncatesConflictingSuffix(t *testing.T) {
	log := wal.NewMemoryWAL()
	lm := raft.NewLogManager(log)

	_, err := lm.Append(1, raft.EntryCommand, "", []byte("a"))
	require.NoError(t, err)
	_, err = lm.Append(1, raft.EntryCommand, "", []byte("b"))
	require.NoError(t, err)
	_, err = lm.Append(1, raft.EntryCommand, "", []byte("c"))
	require.NoError(t, err)

	// Leader in term 2 overwrites index 2 onward.
	err = lm.AppendReplicated(1, []raft.LogEntry{
		{Index: 2, Term: 2, Kind: raft.EntryCommand, Command: []byte("b2")},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, lm.LastIndex())

	reloaded := raft.NewLogManager(log)
	require.NoError(t, reloaded.Load())
	require.EqualValues(t, 2, reloaded.LastIndex())
	entry, ok := reloaded.EntryAt(2)
	require.True(t, ok)
	require.Equal(t, raft.Term(2), entry.Term)
	require.Equal(t, []byte("b2"), entry.Command)
}

func TestLogManager_IsUpToDate(t *testing.T) {
	log := wal.NewMemoryWAL()
	lm := raft.NewLogManager(log)
	_, err := lm.Append(2, raft.EntryCommand, "", nil)
	require.NoError(t, err)

	require.True(t, lm.IsUpToDate(1, 3))  // higher term wins
	require.False(t, lm.IsUpToDate(1, 1)) // lower term loses
	require.True(t, lm.IsUpToDate(1, 2))  // same term, equal length
	require.False(t, lm.IsUpToDate(0, 2)) // same term, shorter log loses
}

func TestLogManager_EntriesFrom(t *testing.T) {
	log := wal.NewMemoryWAL()
	lm := raft.NewLogManager(log)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(1, raft.EntryCommand, "", nil)
		require.NoError(t, err)
	}

	require.Len(t, lm.EntriesFrom(2), 2)
	require.Len(t, lm.EntriesFrom(10), 0)
}
