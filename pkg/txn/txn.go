// Package txn implements the core Transaction Manager and its
// WAL-aware wrapper from spec §4.5/§4.6: begin/commit/rollback across
// an arbitrary set of 2PC participants (document collections, index
// managers), with a cleanup sweep for timed-out transactions and a
// change-listener hook for replication (pkg/raft).
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/collectionstore/core/pkg/dserrors"
)

// State is a transaction's position in the ACTIVE -> PREPARING ->
// {PREPARED -> COMMITTED | ABORTED} state machine of spec §4.5.
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Participant is any 2PC-capable collaborator a transaction touches.
// document.Collection, document.StorageAdapter and index.Manager all
// already implement this shape.
type Participant interface {
	PrepareCommit(txID string) error
	FinalizeCommit(txID string) error
	Rollback(txID string)
}

// Options configures one transaction. A zero Timeout means "use the
// Manager's default".
type Options struct {
	Timeout time.Duration
}

// EventKind distinguishes the two terminal outcomes a ChangeListener
// is notified of.
type EventKind int

const (
	EventCommitted EventKind = iota
	EventAborted
)

// Event is delivered to every registered ChangeListener when a
// transaction reaches a terminal state.
type Event struct {
	TxID string
	Kind EventKind
}

// ChangeListener observes transaction outcomes, e.g. the Raft State
// Machine applying a committed transaction's effects to followers.
type ChangeListener func(Event)

// Transaction is one in-flight unit of work.
type Transaction struct {
	ID        string
	Options   Options
	StartedAt time.Time

	mu           sync.Mutex
	state        State
	participants []Participant
}

// State reports the transaction's current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) addParticipant(p Participant) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.participants = append(tx.participants, p)
}

func (tx *Transaction) snapshotParticipants() []Participant {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]Participant(nil), tx.participants...)
}

// expired reports whether tx is still ACTIVE but has run longer than
// its configured timeout, per spec §4.5 commit step 1.
func (tx *Transaction) expired() (time.Duration, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return 0, false
	}
	elapsed := time.Since(tx.StartedAt)
	return elapsed, elapsed > tx.Options.Timeout
}

// Manager is the core Transaction Manager: begin/get/commit/rollback
// plus change listeners and a timeout cleanup sweep, per spec §4.5.
type Manager struct {
	mu   sync.RWMutex
	txns map[string]*Transaction

	listenersMu sync.RWMutex
	listeners   map[string]ChangeListener

	defaultTimeout time.Duration
}

// NewManager creates a Manager using defaultTimeout whenever Begin is
// called with a zero Options.Timeout.
func NewManager(defaultTimeout time.Duration) *Manager {
	return &Manager{
		txns:           make(map[string]*Transaction),
		listeners:      make(map[string]ChangeListener),
		defaultTimeout: defaultTimeout,
	}
}

// Begin starts a new ACTIVE transaction and returns its id.
func (m *Manager) Begin(opts Options) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", dserrors.Wrap(err, "txn: generating transaction id")
	}
	if opts.Timeout == 0 {
		opts.Timeout = m.defaultTimeout
	}

	tx := &Transaction{ID: id.String(), Options: opts, StartedAt: time.Now(), state: StateActive}

	m.mu.Lock()
	m.txns[tx.ID] = tx
	m.mu.Unlock()

	return tx.ID, nil
}

// Get returns the transaction by id, if it is still in flight.
func (m *Manager) Get(txID string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txns[txID]
	return tx, ok
}

// Join registers p as a participant of txID. Collection and index code
// call this the first time a transaction touches them.
func (m *Manager) Join(txID string, p Participant) error {
	tx, ok := m.Get(txID)
	if !ok {
		return &dserrors.NotFoundError{Kind: "transaction", Key: txID}
	}

	tx.mu.Lock()
	state := tx.state
	tx.mu.Unlock()
	if state != StateActive {
		return &dserrors.StateError{Entity: "txn.Transaction", State: state.String(), Call: "Join"}
	}

	tx.addParticipant(p)
	return nil
}

func (m *Manager) remove(txID string) {
	m.mu.Lock()
	delete(m.txns, txID)
	m.mu.Unlock()
}

// Commit runs the two-phase commit procedure of spec §4.5: step 1, a
// transaction already past its timeout is aborted outright rather than
// committed. Otherwise every participant is asked to PrepareCommit
// concurrently; if any refuses, every participant is rolled back and
// the transaction ends ABORTED. Otherwise every participant
// FinalizeCommits concurrently and the transaction ends COMMITTED.
func (m *Manager) Commit(txID string) error {
	tx, ok := m.Get(txID)
	if !ok {
		return &dserrors.NotFoundError{Kind: "transaction", Key: txID}
	}

	if elapsed, timedOut := tx.expired(); timedOut {
		participants := tx.snapshotParticipants()
		rollbackAll(txID, participants)
		tx.mu.Lock()
		tx.state = StateAborted
		tx.mu.Unlock()
		m.remove(txID)
		m.notify(Event{TxID: txID, Kind: EventAborted})
		return &dserrors.TimeoutError{What: "transaction " + txID, Elapsed: elapsed.String()}
	}

	tx.mu.Lock()
	if tx.state != StateActive {
		state := tx.state
		tx.mu.Unlock()
		return &dserrors.StateError{Entity: "txn.Transaction", State: state.String(), Call: "Commit"}
	}
	tx.state = StatePreparing
	participants := append([]Participant(nil), tx.participants...)
	tx.mu.Unlock()

	if err := prepareAll(txID, participants); err != nil {
		rollbackAll(txID, participants)
		tx.mu.Lock()
		tx.state = StateAborted
		tx.mu.Unlock()
		m.remove(txID)
		m.notify(Event{TxID: txID, Kind: EventAborted})
		return err
	}

	tx.mu.Lock()
	tx.state = StatePrepared
	tx.mu.Unlock()

	if err := finalizeAll(txID, participants); err != nil {
		// A partial finalize failure is fatal: at least one participant
		// may already be durable. The transaction is left PREPARED
		// rather than removed. Nothing retries finalize: a second
		// Commit on it returns a StateError, and WALManager writes a
		// ROLLBACK record for it, so recovery does not replay it.
		return dserrors.Wrap(err, "txn: finalizeCommit failed after successful prepare")
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()
	m.remove(txID)
	m.notify(Event{TxID: txID, Kind: EventCommitted})
	return nil
}

// Rollback aborts every participant of txID and ends it ABORTED.
func (m *Manager) Rollback(txID string) error {
	tx, ok := m.Get(txID)
	if !ok {
		return &dserrors.NotFoundError{Kind: "transaction", Key: txID}
	}

	tx.mu.Lock()
	participants := append([]Participant(nil), tx.participants...)
	tx.state = StateAborted
	tx.mu.Unlock()

	rollbackAll(txID, participants)
	m.remove(txID)
	m.notify(Event{TxID: txID, Kind: EventAborted})
	return nil
}

// AddChangeListener registers fn under name, replacing any existing
// listener with that name.
func (m *Manager) AddChangeListener(name string, fn ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners[name] = fn
}

// RemoveChangeListener unregisters the listener registered under name.
func (m *Manager) RemoveChangeListener(name string) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, name)
}

func (m *Manager) notify(ev Event) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// Cleanup rolls back every ACTIVE transaction that has exceeded its
// configured timeout, returning the ids it rolled back. Meant to be
// invoked periodically by a caller-owned ticker.
func (m *Manager) Cleanup() []string {
	m.mu.RLock()
	now := time.Now()
	var expired []string
	for id, tx := range m.txns {
		tx.mu.Lock()
		timedOut := tx.state == StateActive && now.Sub(tx.StartedAt) > tx.Options.Timeout
		tx.mu.Unlock()
		if timedOut {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.Rollback(id); err != nil {
			log.Warn().Err(err).Str("tx", id).Msg("txn: cleanup rollback failed")
		}
	}
	return expired
}

func prepareAll(txID string, participants []Participant) error {
	if len(participants) == 0 {
		return nil
	}
	errs := make(chan error, len(participants))
	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			errs <- p.PrepareCommit(txID)
		}(p)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func finalizeAll(txID string, participants []Participant) error {
	if len(participants) == 0 {
		return nil
	}
	errs := make(chan error, len(participants))
	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			errs <- p.FinalizeCommit(txID)
		}(p)
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func rollbackAll(txID string, participants []Participant) {
	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			p.Rollback(txID)
		}(p)
	}
	wg.Wait()
}
