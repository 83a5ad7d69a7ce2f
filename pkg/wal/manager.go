package wal

import (
	"github.com/google/uuid"

	"github.com/collectionstore/core/pkg/dserrors"
)

// Checkpoint records the highest sequence number a checkpoint covers,
// per spec §3.
type Checkpoint struct {
	CheckpointID       string
	LastSequenceNumber uint64
	Timestamp          int64
}

// RecoveryResult summarizes a Recover() pass: how many transactions
// were replayed (committed) vs skipped (rolled back or incomplete), and
// the highest sequence number observed.
type RecoveryResult struct {
	Replayed       []ReplayedTransaction
	Skipped        []string
	MaxSequence    uint64
	EntriesScanned int
}

// ReplayedTransaction is one COMMITted transaction's DATA entries, in
// the order they were originally written, handed back to the caller
// (typically a WAL-aware transaction manager) to re-apply.
type ReplayedTransaction struct {
	TransactionID string
	DataEntries   []Entry
}

// Manager is the WAL interface consumed by the rest of the core, per
// spec §4.1. Two implementations exist behind it: FileWAL (durable,
// file-backed) and MemoryWAL (ephemeral, for tests).
type Manager interface {
	// WriteEntry assigns the next sequence number to entry, computes its
	// checksum, appends it (possibly buffered — see Flush), and returns
	// the assigned sequence.
	WriteEntry(entry Entry) (uint64, error)

	// Flush forces all buffered entries to durable storage.
	Flush() error

	// ReadEntries returns the ordered, finite sequence of entries with
	// Sequence >= fromSeq. A corrupt or truncated record stops the scan
	// at the last valid prefix; the returned error (if non-nil) describes
	// the corruption, but entries already collected are still returned.
	ReadEntries(fromSeq uint64) ([]Entry, error)

	// CreateCheckpoint atomically records a CHECKPOINT entry carrying the
	// current maximum sequence number.
	CreateCheckpoint() (Checkpoint, error)

	// Truncate removes entries with Sequence < beforeSeq. It rejects the
	// call (returning an error) if a registered retention floor (see
	// SetRetentionFloor) reports that an active transaction still
	// requires an entry in that range.
	Truncate(beforeSeq uint64) error

	// Recover scans all entries in sequence order and reconstructs which
	// transactions committed (their DATA entries are returned for replay)
	// vs rolled back or never reached COMMIT (skipped). Idempotent.
	Recover() (RecoveryResult, error)

	// CurrentSequence returns the highest assigned sequence number.
	CurrentSequence() uint64

	// SetRetentionFloor registers a callback Truncate consults to refuse
	// truncating entries a still-active transaction may need. A nil floor
	// (the default) means Truncate protects no entries.
	SetRetentionFloor(floor func() uint64)

	Close() error
}

// NewCheckpointID generates a fresh checkpoint identifier.
func NewCheckpointID() string {
	return uuid.NewString()
}

func replayCommittedTransactions(entries []Entry) RecoveryResult {
	type txState struct {
		data      []Entry
		committed bool
		rolledBack bool
	}
	byTx := make(map[string]*txState)
	order := make([]string, 0)

	var maxSeq uint64
	for _, e := range entries {
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
		if e.TransactionID == "" {
			continue // CHECKPOINT entries carry no transaction
		}
		st, ok := byTx[e.TransactionID]
		if !ok {
			st = &txState{}
			byTx[e.TransactionID] = st
			order = append(order, e.TransactionID)
		}
		switch e.Type {
		case EntryData:
			st.data = append(st.data, e)
		case EntryCommit:
			st.committed = true
		case EntryRollback:
			st.rolledBack = true
		}
	}

	result := RecoveryResult{MaxSequence: maxSeq, EntriesScanned: len(entries)}
	for _, txID := range order {
		st := byTx[txID]
		if st.committed && !st.rolledBack {
			result.Replayed = append(result.Replayed, ReplayedTransaction{
				TransactionID: txID,
				DataEntries:   st.data,
			})
		} else {
			result.Skipped = append(result.Skipped, txID)
		}
	}
	return result
}

func corruptionErr(detail string, atSeq uint64, cause error) error {
	if cause != nil {
		detail = detail + ": " + cause.Error()
	}
	return &dserrors.CorruptionError{Detail: detail, AtSeq: atSeq}
}
