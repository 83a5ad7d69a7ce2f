package txn_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/txn"
)

type fakeParticipant struct {
	mu         sync.Mutex
	prepareErr error
	prepared   []string
	finalized  []string
	rolledBack []string
}

func (f *fakeParticipant) PrepareCommit(txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, txID)
	return f.prepareErr
}

func (f *fakeParticipant) FinalizeCommit(txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, txID)
	return nil
}

func (f *fakeParticipant) Rollback(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, txID)
}

func TestManager_CommitHappyPath(t *testing.T) {
	m := txn.NewManager(time.Minute)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	p1, p2 := &fakeParticipant{}, &fakeParticipant{}
	require.NoError(t, m.Join(id, p1))
	require.NoError(t, m.Join(id, p2))

	require.NoError(t, m.Commit(id))
	require.Equal(t, []string{id}, p1.finalized)
	require.Equal(t, []string{id}, p2.finalized)

	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestManager_CommitRollsBackOnPrepareFailure(t *testing.T) {
	m := txn.NewManager(time.Minute)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	failing := &fakeParticipant{prepareErr: &dserrors.ConstraintError{Index: "x", Key: "y"}}
	ok := &fakeParticipant{}
	require.NoError(t, m.Join(id, failing))
	require.NoError(t, m.Join(id, ok))

	err = m.Commit(id)
	require.Error(t, err)
	require.Equal(t, []string{id}, failing.rolledBack)
	require.Equal(t, []string{id}, ok.rolledBack)
	require.Empty(t, ok.finalized)
}

func TestManager_Rollback(t *testing.T) {
	m := txn.NewManager(time.Minute)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	p := &fakeParticipant{}
	require.NoError(t, m.Join(id, p))
	require.NoError(t, m.Rollback(id))
	require.Equal(t, []string{id}, p.rolledBack)

	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestManager_JoinUnknownTransaction(t *testing.T) {
	m := txn.NewManager(time.Minute)
	err := m.Join("nope", &fakeParticipant{})
	require.Error(t, err)
	require.IsType(t, &dserrors.NotFoundError{}, err)
}

func TestManager_CommitUnknownTransaction(t *testing.T) {
	m := txn.NewManager(time.Minute)
	err := m.Commit("nope")
	require.Error(t, err)
	require.IsType(t, &dserrors.NotFoundError{}, err)
}

func TestManager_ChangeListenerNotifiedOnCommitAndAbort(t *testing.T) {
	m := txn.NewManager(time.Minute)

	var mu sync.Mutex
	var events []txn.Event
	m.AddChangeListener("collector", func(ev txn.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	id1, _ := m.Begin(txn.Options{})
	require.NoError(t, m.Commit(id1))

	id2, _ := m.Begin(txn.Options{})
	require.NoError(t, m.Rollback(id2))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, txn.EventCommitted, events[0].Kind)
	require.Equal(t, txn.EventAborted, events[1].Kind)
}

func TestManager_CleanupRollsBackTimedOutTransactions(t *testing.T) {
	m := txn.NewManager(10 * time.Millisecond)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	expired := m.Cleanup()
	require.Contains(t, expired, id)

	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestManager_CommitAbortsAlreadyExpiredTransaction(t *testing.T) {
	m := txn.NewManager(10 * time.Millisecond)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	p := &fakeParticipant{}
	require.NoError(t, m.Join(id, p))

	time.Sleep(20 * time.Millisecond)
	err = m.Commit(id)
	require.Error(t, err)
	require.IsType(t, &dserrors.TimeoutError{}, err)
	require.Equal(t, []string{id}, p.rolledBack)
	require.Empty(t, p.finalized)

	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestManager_CleanupLeavesFreshTransactionsAlone(t *testing.T) {
	m := txn.NewManager(time.Minute)
	id, err := m.Begin(txn.Options{})
	require.NoError(t, err)

	expired := m.Cleanup()
	require.Empty(t, expired)

	_, ok := m.Get(id)
	require.True(t, ok)
}
