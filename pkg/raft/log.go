package raft

import (
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/wal"
)

// logEnvelope is the wire shape one LogEntry takes inside a WAL DATA
// record's payload.
type logEnvelope struct {
	Index   LogIndex  `bson:"index"`
	Term    Term      `bson:"term"`
	Kind    EntryKind `bson:"kind"`
	TxID    string    `bson:"txId,omitempty"`
	Command []byte    `bson:"command,omitempty"`
}

func encodeLogEntry(e LogEntry) ([]byte, error) {
	return bson.Marshal(logEnvelope{Index: e.Index, Term: e.Term, Kind: e.Kind, TxID: e.TxID, Command: e.Command})
}

func decodeLogEntry(data []byte) (LogEntry, error) {
	var env logEnvelope
	if err := bson.Unmarshal(data, &env); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Index: env.Index, Term: env.Term, Kind: env.Kind, TxID: env.TxID, Command: env.Command}, nil
}

// LogManager is the durable Raft log, per spec §4.7. Every Append goes
// through the supplied wal.Manager as one DATA record per entry, so a
// restart can reconstruct the log via Load without a separate on-disk
// format. Because the WAL is append-only, a leader's conflict
// resolution (replacing entries from an index onward) is realized by
// appending a fresh record for each replaced index rather than erasing
// the old one — Load keeps, for each index, only the record with the
// highest term it sees, and stops at the first index whose term is
// lower than the previous entry's (terms never decrease along a Raft
// log), which drops the stale tail of a replaced suffix.
type LogManager struct {
	mu      sync.RWMutex
	entries []LogEntry // entries[i] has Index i+1; index 0 means empty
	log     wal.Manager
}

// NewLogManager creates an empty, in-memory-only log manager. Use Load
// to populate it from a wal.Manager on startup.
func NewLogManager(log wal.Manager) *LogManager {
	return &LogManager{log: log}
}

// Load reconstructs the log from every DATA record the wal.Manager
// holds, keeping the highest-term entry seen per index.
func (lm *LogManager) Load() error {
	if lm.log == nil {
		return nil
	}
	entries, err := lm.log.ReadEntries(0)
	if err != nil {
		return dserrors.Wrap(err, "raft: reading log records")
	}

	byIndex := make(map[LogIndex]LogEntry)
	var maxIndex LogIndex
	for _, rec := range entries {
		if rec.Operation != "raft-log" {
			continue
		}
		le, err := decodeLogEntry(rec.Payload)
		if err != nil {
			return dserrors.Wrap(err, "raft: decoding log record")
		}
		if existing, ok := byIndex[le.Index]; !ok || le.Term >= existing.Term {
			byIndex[le.Index] = le
		}
		if le.Index > maxIndex {
			maxIndex = le.Index
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.entries = make([]LogEntry, 0, maxIndex)
	for i := LogIndex(1); i <= maxIndex; i++ {
		e, ok := byIndex[i]
		if !ok {
			return &dserrors.CorruptionError{Detail: fmt.Sprintf("raft log missing entry at index %d", i), AtSeq: uint64(i)}
		}
		if n := len(lm.entries); n > 0 && e.Term < lm.entries[n-1].Term {
			break // stale record left over from a replaced suffix
		}
		lm.entries = append(lm.entries, e)
	}
	return nil
}

// LastIndex is the index of the last entry in the log, or 0 if empty.
func (lm *LogManager) LastIndex() LogIndex {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return LogIndex(len(lm.entries))
}

// LastTerm is the term of the last entry in the log, or 0 if empty.
func (lm *LogManager) LastTerm() Term {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if len(lm.entries) == 0 {
		return 0
	}
	return lm.entries[len(lm.entries)-1].Term
}

// EntryAt returns the entry at index (1-based), or false if out of
// range.
func (lm *LogManager) EntryAt(index LogIndex) (LogEntry, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if index < 1 || int(index) > len(lm.entries) {
		return LogEntry{}, false
	}
	return lm.entries[index-1], true
}

// TermAt returns the term of the entry at index, or 0 if out of range.
func (lm *LogManager) TermAt(index LogIndex) Term {
	e, ok := lm.EntryAt(index)
	if !ok {
		return 0
	}
	return e.Term
}

// Append adds entry (assigning Index = LastIndex()+1) to the log and
// persists it.
func (lm *LogManager) Append(term Term, kind EntryKind, txID string, command []byte) (LogEntry, error) {
	lm.mu.Lock()
	entry := LogEntry{Index: LogIndex(len(lm.entries)) + 1, Term: term, Kind: kind, TxID: txID, Command: command}
	lm.entries = append(lm.entries, entry)
	lm.mu.Unlock()

	if err := lm.persist(entry); err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

// AppendReplicated appends entries received from a leader starting at
// prevIndex+1, overwriting any conflicting suffix first (AppendEntries
// receiver steps 3-4 from spec §4.7).
func (lm *LogManager) AppendReplicated(prevIndex LogIndex, entries []LogEntry) error {
	lm.mu.Lock()
	if int(prevIndex) < len(lm.entries) {
		lm.entries = lm.entries[:prevIndex]
	}
	lm.entries = append(lm.entries, entries...)
	lm.mu.Unlock()

	for _, e := range entries {
		if err := lm.persist(e); err != nil {
			return err
		}
	}
	return nil
}

func (lm *LogManager) persist(entry LogEntry) error {
	if lm.log == nil {
		return nil
	}
	payload, err := encodeLogEntry(entry)
	if err != nil {
		return dserrors.Wrap(err, "raft: encoding log record")
	}
	if _, err := lm.log.WriteEntry(wal.Entry{Type: wal.EntryData, Operation: "raft-log", Payload: payload}); err != nil {
		return dserrors.Wrap(err, "raft: persisting log record")
	}
	return nil
}

// EntriesFrom returns every entry with Index >= from, for replication.
func (lm *LogManager) EntriesFrom(from LogIndex) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	if int(from) > len(lm.entries) {
		return nil
	}
	out := make([]LogEntry, len(lm.entries)-int(from)+1)
	copy(out, lm.entries[from-1:])
	return out
}

// IsUpToDate reports whether a candidate whose log ends at
// (lastIndex, lastTerm) is at least as up-to-date as this log, per
// spec §4.7's election restriction (#5.4.1).
func (lm *LogManager) IsUpToDate(lastIndex LogIndex, lastTerm Term) bool {
	myLastTerm := lm.LastTerm()
	myLastIndex := lm.LastIndex()
	if lastTerm != myLastTerm {
		return lastTerm > myLastTerm
	}
	return lastIndex >= myLastIndex
}
