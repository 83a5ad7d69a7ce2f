package wal

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryWAL is the in-memory Manager implementation for tests and
// ephemeral use (spec §4.1's "two back-end variants" line).
type MemoryWAL struct {
	mu       sync.Mutex
	entries  []Entry
	sequence uint64
	floor    func() uint64
	closed   bool
}

func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{}
}

func (m *MemoryWAL) WriteEntry(entry Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("wal: write on closed MemoryWAL")
	}

	m.sequence++
	entry.Sequence = m.sequence
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}
	payload, err := encodeEnvelope(entry)
	if err != nil {
		m.sequence--
		return 0, err
	}
	entry.Checksum = CalculateCRC32(payload)
	m.entries = append(m.entries, entry)
	return entry.Sequence, nil
}

func (m *MemoryWAL) Flush() error { return nil }

func (m *MemoryWAL) ReadEntries(fromSeq uint64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryWAL) CreateCheckpoint() (Checkpoint, error) {
	m.mu.Lock()
	seq := m.sequence
	m.mu.Unlock()

	cp := Checkpoint{
		CheckpointID:       NewCheckpointID(),
		LastSequenceNumber: seq,
		Timestamp:          time.Now().UnixNano(),
	}
	if _, err := m.WriteEntry(Entry{Type: EntryCheckpoint, Operation: cp.CheckpointID, Payload: []byte(cp.CheckpointID)}); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (m *MemoryWAL) Truncate(beforeSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.floor != nil {
		if floor := m.floor(); floor < beforeSeq {
			return errors.Newf("wal: truncate(%d) rejected: active transaction still requires sequence %d", beforeSeq, floor)
		}
	}

	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.Sequence >= beforeSeq {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *MemoryWAL) Recover() (RecoveryResult, error) {
	entries, _ := m.ReadEntries(0)
	result := replayCommittedTransactions(entries)
	m.mu.Lock()
	if result.MaxSequence > m.sequence {
		m.sequence = result.MaxSequence
	}
	m.mu.Unlock()
	return result, nil
}

func (m *MemoryWAL) CurrentSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

func (m *MemoryWAL) SetRetentionFloor(floor func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floor = floor
}

func (m *MemoryWAL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Manager = (*MemoryWAL)(nil)
var _ Manager = (*FileWAL)(nil)
