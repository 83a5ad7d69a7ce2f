package txn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collectionstore/core/pkg/txn"
	"github.com/collectionstore/core/pkg/wal"
)

func TestWALManager_CommitWritesBeginDataCommit(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := txn.NewWALManager(txn.NewManager(time.Minute), log, false, nil)
	require.NoError(t, err)

	id, err := wm.Begin(txn.Options{})
	require.NoError(t, err)

	p := &fakeParticipant{}
	require.NoError(t, wm.Join(id, p))
	wm.LogData(id, txn.DataRecord{CollectionName: "widgets", Operation: "create", Payload: []byte("x")})

	require.NoError(t, wm.Commit(id))

	entries, err := log.ReadEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, wal.EntryBegin, entries[0].Type)
	require.Equal(t, wal.EntryData, entries[1].Type)
	require.Equal(t, wal.EntryCommit, entries[2].Type)
	require.Equal(t, []string{id}, p.finalized)
}

func TestWALManager_CommitOnExpiredTransactionSkipsDataAndCommitRecords(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := txn.NewWALManager(txn.NewManager(10*time.Millisecond), log, false, nil)
	require.NoError(t, err)

	id, err := wm.Begin(txn.Options{})
	require.NoError(t, err)

	p := &fakeParticipant{}
	require.NoError(t, wm.Join(id, p))
	wm.LogData(id, txn.DataRecord{CollectionName: "widgets", Operation: "create", Payload: []byte("x")})

	time.Sleep(20 * time.Millisecond)
	err = wm.Commit(id)
	require.Error(t, err)
	require.Equal(t, []string{id}, p.rolledBack)
	require.Empty(t, p.finalized)

	entries, err := log.ReadEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, wal.EntryBegin, entries[0].Type)
	require.Equal(t, wal.EntryRollback, entries[1].Type)
}

func TestWALManager_RollbackWritesRollbackRecord(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := txn.NewWALManager(txn.NewManager(time.Minute), log, false, nil)
	require.NoError(t, err)

	id, err := wm.Begin(txn.Options{})
	require.NoError(t, err)

	p := &fakeParticipant{}
	require.NoError(t, wm.Join(id, p))
	require.NoError(t, wm.Rollback(id))

	entries, err := log.ReadEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, wal.EntryRollback, entries[1].Type)
	require.Equal(t, []string{id}, p.rolledBack)
}

type recordingRecoverable struct {
	applied []wal.Entry
}

func (r *recordingRecoverable) ApplyRecovered(entry wal.Entry) error {
	r.applied = append(r.applied, entry)
	return nil
}

func TestWALManager_AutoRecoveryReplaysCommittedData(t *testing.T) {
	log := wal.NewMemoryWAL()

	// Simulate a prior run: BEGIN, DATA, COMMIT, all written directly.
	_, err := log.WriteEntry(wal.Entry{Type: wal.EntryBegin, TransactionID: "tx1"})
	require.NoError(t, err)
	_, err = log.WriteEntry(wal.Entry{Type: wal.EntryData, TransactionID: "tx1", Payload: []byte("doc")})
	require.NoError(t, err)
	_, err = log.WriteEntry(wal.Entry{Type: wal.EntryCommit, TransactionID: "tx1"})
	require.NoError(t, err)

	rec := &recordingRecoverable{}
	_, err = txn.NewWALManager(txn.NewManager(time.Minute), log, true, []txn.Recoverable{rec})
	require.NoError(t, err)

	require.Len(t, rec.applied, 1)
	require.Equal(t, []byte("doc"), rec.applied[0].Payload)
}

func TestWALManager_RetentionFloorBlocksTruncateOfOpenTransaction(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := txn.NewWALManager(txn.NewManager(time.Minute), log, false, nil)
	require.NoError(t, err)

	id, err := wm.Begin(txn.Options{})
	require.NoError(t, err)
	require.NoError(t, wm.Join(id, &fakeParticipant{}))

	// BEGIN is sequence 1; truncating before 2 must be rejected while
	// the transaction is still open.
	err = log.Truncate(2)
	require.Error(t, err)

	require.NoError(t, wm.Commit(id))
	require.NoError(t, log.Truncate(2))
}
