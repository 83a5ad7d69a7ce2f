package document

import (
	"sync"
	"time"

	"github.com/collectionstore/core/pkg/dserrors"
)

// ChangeKind enumerates the Storage Adapter's per-transaction change
// buffer entry kinds, per spec §4.4's change-record shape.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// ChangeRecord is one buffered mutation against a single document id,
// applied to the committed store only at FinalizeCommit.
type ChangeRecord struct {
	Kind      ChangeKind
	ID        string
	OldValue  Document
	NewValue  Document
	Timestamp time.Time
}

type txBuffer struct {
	mu      sync.Mutex
	changes map[string]ChangeRecord // keyed by ID, last write wins within a tx
	done    bool
}

// StorageAdapter is the Transactional Storage Adapter of spec §4.4: a
// committed document store plus one change buffer per in-flight
// transaction, acting as a 2PC participant under the Transaction
// Manager (pkg/txn). Grounded on the teacher's in-memory table storage
// in pkg/storage/engine.go, generalized from row slots to a document
// map keyed by the document's own "_id" string form.
type StorageAdapter struct {
	collection string

	mu        sync.RWMutex
	committed map[string]Document

	txMu sync.Mutex
	txns map[string]*txBuffer
}

// NewStorageAdapter creates an empty adapter for the named collection.
// The name is only used to annotate errors.
func NewStorageAdapter(collection string) *StorageAdapter {
	return &StorageAdapter{
		collection: collection,
		committed:  make(map[string]Document),
		txns:       make(map[string]*txBuffer),
	}
}

func (s *StorageAdapter) bufferFor(txID string) *txBuffer {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	buf, ok := s.txns[txID]
	if !ok {
		buf = &txBuffer{changes: make(map[string]ChangeRecord)}
		s.txns[txID] = buf
	}
	return buf
}

// FindByIDInTransaction reads id, overlaying txID's own buffered write
// (if any) over the committed store. A buffered delete hides a
// committed document; a buffered insert/update without a prior
// committed read still shows the buffered value.
func (s *StorageAdapter) FindByIDInTransaction(txID, id string) (Document, bool) {
	s.txMu.Lock()
	buf, hasTx := s.txns[txID]
	s.txMu.Unlock()

	if hasTx {
		buf.mu.Lock()
		change, buffered := buf.changes[id]
		buf.mu.Unlock()
		if buffered {
			if change.Kind == ChangeDelete {
				return nil, false
			}
			return change.NewValue, true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.committed[id]
	return doc, ok
}

// CreateInTransaction buffers an insert of doc under id. Rejects id
// collisions against both the committed store and this transaction's
// own buffer, mirroring the unique-index conflict check in
// btree.TxContext.PrepareCommit.
func (s *StorageAdapter) CreateInTransaction(txID, id string, doc Document, now time.Time) error {
	if _, exists := s.FindByIDInTransaction(txID, id); exists {
		return &dserrors.ConstraintError{Index: s.collection + "._id", Key: id}
	}

	buf := s.bufferFor(txID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.changes[id] = ChangeRecord{Kind: ChangeInsert, ID: id, NewValue: doc, Timestamp: now}
	return nil
}

// UpdateInTransaction buffers a replace of id's value, recording the
// pre-update value (as seen by this transaction) as OldValue.
func (s *StorageAdapter) UpdateInTransaction(txID, id string, newValue Document, now time.Time) error {
	old, ok := s.FindByIDInTransaction(txID, id)
	if !ok {
		return &dserrors.NotFoundError{Kind: s.collection, Key: id}
	}

	buf := s.bufferFor(txID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.changes[id] = ChangeRecord{Kind: ChangeUpdate, ID: id, OldValue: old, NewValue: newValue, Timestamp: now}
	return nil
}

// DeleteInTransaction buffers a delete of id, recording its
// pre-delete value as OldValue.
func (s *StorageAdapter) DeleteInTransaction(txID, id string, now time.Time) error {
	old, ok := s.FindByIDInTransaction(txID, id)
	if !ok {
		return &dserrors.NotFoundError{Kind: s.collection, Key: id}
	}

	buf := s.bufferFor(txID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.changes[id] = ChangeRecord{Kind: ChangeDelete, ID: id, OldValue: old, Timestamp: now}
	return nil
}

// Snapshot returns every committed document, for full-scan reads
// (findBy without a matching index) outside any transaction's view.
func (s *StorageAdapter) Snapshot() map[string]Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Document, len(s.committed))
	for k, v := range s.committed {
		out[k] = v
	}
	return out
}

// PrepareCommit is a no-op beyond the existence check: every
// constraint the storage adapter can violate (id collisions) is
// already rejected eagerly by CreateInTransaction, so there is nothing
// left to validate at prepare time. Present to satisfy the 2PC
// participant shape shared with btree.TxContext and index.Manager.
func (s *StorageAdapter) PrepareCommit(txID string) error {
	s.txMu.Lock()
	buf, ok := s.txns[txID]
	s.txMu.Unlock()
	if !ok {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.done {
		return &dserrors.StateError{Entity: "document.StorageAdapter", State: "done", Call: "PrepareCommit"}
	}
	return nil
}

// FinalizeCommit applies txID's buffered changes to the committed
// store and discards the buffer.
func (s *StorageAdapter) FinalizeCommit(txID string) error {
	s.txMu.Lock()
	buf, ok := s.txns[txID]
	delete(s.txns, txID)
	s.txMu.Unlock()
	if !ok {
		return nil
	}

	buf.mu.Lock()
	changes := buf.changes
	buf.done = true
	buf.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, change := range changes {
		if change.Kind == ChangeDelete {
			delete(s.committed, id)
			continue
		}
		s.committed[id] = change.NewValue
	}
	return nil
}

// Rollback discards txID's buffer without touching the committed
// store.
func (s *StorageAdapter) Rollback(txID string) {
	s.txMu.Lock()
	buf, ok := s.txns[txID]
	delete(s.txns, txID)
	s.txMu.Unlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	buf.done = true
	buf.mu.Unlock()
}
