package document

import (
	"sync"
	"time"

	"github.com/collectionstore/core/pkg/btree"
	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/index"
	"github.com/collectionstore/core/pkg/types"
)

// seqAssigner maps a document id to the int64 row pointer its index
// entries carry, since btree trees store int64 values rather than
// arbitrary ids. Buffered per transaction like the storage adapter's
// own change buffer, and merged into the committed maps only at
// FinalizeCommit.
type seqAssigner struct {
	mu    sync.RWMutex
	seqOf map[string]int64
	idOf  map[int64]string

	txMu sync.Mutex
	txns map[string]map[string]int64 // txID -> id -> seq
}

func newSeqAssigner() *seqAssigner {
	return &seqAssigner{
		seqOf: make(map[string]int64),
		idOf:  make(map[int64]string),
		txns:  make(map[string]map[string]int64),
	}
}

func (s *seqAssigner) assign(txID, id string, seq int64) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	m, ok := s.txns[txID]
	if !ok {
		m = make(map[string]int64)
		s.txns[txID] = m
	}
	m[id] = seq
}

func (s *seqAssigner) resolveSeq(txID, id string) (int64, bool) {
	s.txMu.Lock()
	if m, ok := s.txns[txID]; ok {
		if seq, ok := m[id]; ok {
			s.txMu.Unlock()
			return seq, true
		}
	}
	s.txMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.seqOf[id]
	return seq, ok
}

func (s *seqAssigner) resolveID(txID string, seq int64) (string, bool) {
	s.txMu.Lock()
	if m, ok := s.txns[txID]; ok {
		for id, sq := range m {
			if sq == seq {
				s.txMu.Unlock()
				return id, true
			}
		}
	}
	s.txMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idOf[seq]
	return id, ok
}

func (s *seqAssigner) finalize(txID string) {
	s.txMu.Lock()
	m, ok := s.txns[txID]
	delete(s.txns, txID)
	s.txMu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seq := range m {
		s.seqOf[id] = seq
		s.idOf[seq] = id
	}
}

func (s *seqAssigner) rollback(txID string) {
	s.txMu.Lock()
	delete(s.txns, txID)
	s.txMu.Unlock()
}

// IndexSpec declares one index a Collection maintains, extending
// index.Definition with how to pull the key out of a Document. Path
// names a single field for a simple index; for a composite index list
// more than one path and set Separator (spec §3/§4.4's "field path or
// composite key list"). Extractor, if set, overrides Path-based
// extraction entirely (computed/derived keys).
type IndexSpec struct {
	index.Definition
	Path      []string
	Separator string
	Extractor func(Document) (types.Comparable, error)
}

func (s IndexSpec) extract(doc Document) (types.Comparable, error) {
	if s.Extractor != nil {
		return s.Extractor(doc)
	}

	if len(s.Path) == 1 {
		v, ok := doc.Field(s.Path[0])
		if !ok {
			return nil, nil
		}
		return types.Wrap(v)
	}

	parts := make([]types.Comparable, 0, len(s.Path))
	for _, p := range s.Path {
		v, ok := doc.Field(p)
		if !ok {
			return nil, nil
		}
		k, err := types.Wrap(v)
		if err != nil {
			return nil, err
		}
		parts = append(parts, k)
	}
	return types.NewCompositeKey(s.Separator, parts...), nil
}

// Collection is the Transactional Collection of spec §4.4: one
// StorageAdapter plus one index.Manager covering every declared index,
// exposed as a single 2PC participant pair orchestrated together so
// callers (the Transaction Manager) see "the collection" as one unit
// rather than N+1 separate participants. This is a deliberate
// simplification over "one index manager per index": the Index
// Manager already multiplexes many field trees under one PrepareCommit/
// FinalizeCommit call, so nothing is lost by sharing one instance
// across a collection's indexes (see DESIGN.md).
type Collection struct {
	name      string
	storage   *StorageAdapter
	indexes   *index.Manager
	specs     map[string]IndexSpec
	validator Validator
	seqs      *seqAssigner

	nextSeq func() int64
}

// NewCollection creates an empty collection. nextSeq supplies the
// internal row pointer the index trees store (the document content
// itself lives in the storage adapter, keyed by id); pass a
// monotonically increasing sequence, e.g. from an atomic counter.
func NewCollection(name string, nextSeq func() int64) *Collection {
	return &Collection{
		name:    name,
		storage: NewStorageAdapter(name),
		indexes: index.NewManager(),
		specs:   make(map[string]IndexSpec),
		seqs:    newSeqAssigner(),
		nextSeq: nextSeq,
	}
}

// SetValidator installs the document validator run before every
// create/update.
func (c *Collection) SetValidator(v Validator) { c.validator = v }

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Snapshot returns every committed document, keyed by id. Used by the
// Raft state machine to serialize collection contents into a
// snapshot; reflects only finalized writes, never a transaction's
// uncommitted buffer.
func (c *Collection) Snapshot() map[string]Document { return c.storage.Snapshot() }

// DefineIndex registers spec's index on this collection's Index
// Manager, keyed by the field/composite name in spec.Field.
func (c *Collection) DefineIndex(spec IndexSpec, t int) error {
	if err := c.indexes.DefineIndex(spec.Definition, t); err != nil {
		return err
	}
	c.specs[spec.Field] = spec
	return nil
}

func (c *Collection) validate(doc Document) error {
	if c.validator == nil {
		return nil
	}
	return c.validator.Validate(doc)
}

// CreateInTransaction validates doc, buffers its insert in the storage
// adapter, and buffers an insert into every applicable index.
func (c *Collection) CreateInTransaction(txID string, doc Document, now time.Time) error {
	if err := c.validate(doc); err != nil {
		return err
	}

	rawID, err := extractID(c.name, doc)
	if err != nil {
		return err
	}
	idKey, err := types.Wrap(rawID)
	if err != nil {
		return &dserrors.ValidationError{Collection: c.name, Reason: err.Error()}
	}
	id := idKey.String()

	if err := c.storage.CreateInTransaction(txID, id, doc, now); err != nil {
		return err
	}

	seq := c.nextSeq()
	c.seqs.assign(txID, id, seq)
	for field, spec := range c.specs {
		key, err := spec.extract(doc)
		if err != nil {
			return err
		}
		if key == nil {
			if spec.Required {
				return &dserrors.ValidationError{Collection: c.name, Reason: "required index field \"" + field + "\" is missing"}
			}
			continue
		}
		if err := c.indexes.InsertInTransaction(txID, field, key, seq); err != nil {
			return err
		}
	}
	return nil
}

// UpdateInTransaction merges patch over the existing document (or
// replaces it entirely when replace is true), revalidates, and moves
// every affected index entry from its old key to its new one.
func (c *Collection) UpdateInTransaction(txID, id string, patch Document, replace bool, now time.Time) error {
	old, ok := c.storage.FindByIDInTransaction(txID, id)
	if !ok {
		return &dserrors.NotFoundError{Kind: c.name, Key: id}
	}

	updated := patch
	if !replace {
		updated = old.Merge(patch)
	}
	if err := c.validate(updated); err != nil {
		return err
	}

	if err := c.storage.UpdateInTransaction(txID, id, updated, now); err != nil {
		return err
	}

	seq, ok := c.seqs.resolveSeq(txID, id)
	if !ok {
		seq = c.nextSeq()
		c.seqs.assign(txID, id, seq)
	}
	for field, spec := range c.specs {
		oldKey, err := spec.extract(old)
		if err != nil {
			return err
		}
		newKey, err := spec.extract(updated)
		if err != nil {
			return err
		}
		if (oldKey == nil && newKey == nil) || types.Equal(oldKey, newKey) {
			continue
		}
		if oldKey != nil {
			if err := c.indexes.RemoveInTransaction(txID, field, oldKey, seq, true); err != nil {
				return err
			}
		}
		if newKey != nil {
			if err := c.indexes.InsertInTransaction(txID, field, newKey, seq); err != nil {
				return err
			}
		} else if spec.Required {
			return &dserrors.ValidationError{Collection: c.name, Reason: "required index field \"" + field + "\" is missing"}
		}
	}
	return nil
}

// RemoveInTransaction buffers id's delete in the storage adapter and
// removes its entry from every index it was indexed under.
func (c *Collection) RemoveInTransaction(txID, id string, now time.Time) error {
	old, ok := c.storage.FindByIDInTransaction(txID, id)
	if !ok {
		return &dserrors.NotFoundError{Kind: c.name, Key: id}
	}

	if err := c.storage.DeleteInTransaction(txID, id, now); err != nil {
		return err
	}

	seq, hasSeq := c.seqs.resolveSeq(txID, id)
	for field, spec := range c.specs {
		key, err := spec.extract(old)
		if err != nil {
			return err
		}
		if key == nil {
			continue
		}
		if err := c.indexes.RemoveInTransaction(txID, field, key, seq, hasSeq); err != nil {
			return err
		}
	}
	return nil
}

// FindByIDInTransaction reads a single document by primary id, within
// txID's transactional view.
func (c *Collection) FindByIDInTransaction(txID, id string) (Document, bool) {
	return c.storage.FindByIDInTransaction(txID, id)
}

// FindByInTransaction looks documents up through the named index,
// within txID's transactional view. It returns an empty slice, not an
// error, when the key has no matching documents.
func (c *Collection) FindByInTransaction(txID, field string, key types.Comparable) ([]Document, error) {
	seqs, err := c.indexes.GetAllInTransaction(txID, field, key)
	if err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(seqs))
	for _, seq := range seqs {
		id, ok := c.seqs.resolveID(txID, seq)
		if !ok {
			continue
		}
		doc, ok := c.storage.FindByIDInTransaction(txID, id)
		if !ok {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// FindRangeInTransaction returns every document whose field key falls
// within [start, end] (per each Bound's own inclusive/exclusive flag),
// in key order. Reads against committed index state only — a
// transaction's own uncommitted writes are not reflected in range
// results until commit (see index.Manager.RangeInTransaction).
func (c *Collection) FindRangeInTransaction(txID, field string, start, end *btree.Bound) ([]Document, error) {
	kvs, err := c.indexes.RangeInTransaction(field, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(kvs))
	for _, kv := range kvs {
		id, ok := c.seqs.resolveID(txID, kv.Value)
		if !ok {
			continue
		}
		doc, ok := c.storage.FindByIDInTransaction(txID, id)
		if !ok {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// PrepareCommit validates txID's buffered writes across both
// participants: the storage adapter first, then the index manager, so
// a storage-side conflict is reported before index validation runs.
func (c *Collection) PrepareCommit(txID string) error {
	if err := c.storage.PrepareCommit(txID); err != nil {
		return err
	}
	return c.indexes.PrepareCommit(txID)
}

// FinalizeCommit applies txID's buffered writes, storage first then
// indexes, per spec §4.4. A failure here is fatal at the collection
// level: the storage side may already be durable while the index side
// is not, and there is no local undo once finalize has started.
func (c *Collection) FinalizeCommit(txID string) error {
	if err := c.storage.FinalizeCommit(txID); err != nil {
		return err
	}
	if err := c.indexes.FinalizeCommit(txID); err != nil {
		return err
	}
	c.seqs.finalize(txID)
	return nil
}

// Rollback discards txID's buffered writes on both participants.
func (c *Collection) Rollback(txID string) {
	c.storage.Rollback(txID)
	c.indexes.Rollback(txID)
	c.seqs.rollback(txID)
}
