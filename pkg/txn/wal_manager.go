package txn

import (
	"math"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/wal"
)

// DataRecord is one WAL DATA entry a caller wants written between a
// transaction's BEGIN and COMMIT records, e.g. a document collection
// logging a buffered create/update/delete before it is finalized.
type DataRecord struct {
	CollectionName string
	Operation      string
	Payload        []byte
}

// Recoverable re-applies a single replayed WAL DATA entry directly
// against committed state, bypassing the normal buffer-then-finalize
// path. Used only while replaying a prior run's committed-but-dropped
// transactions on startup, before any new transaction exists to
// coordinate through.
type Recoverable interface {
	ApplyRecovered(entry wal.Entry) error
}

// WALManager layers write-ahead logging over a core Manager, per spec
// §4.6: every Begin/Commit/Rollback is bracketed by BEGIN/COMMIT/
// ROLLBACK WAL records, with DATA records buffered via LogData written
// out just before COMMIT. Grounded on the teacher's StorageEngine,
// which always paired in-memory mutation with a WAL writer rather than
// treating durability as optional.
type WALManager struct {
	core *Manager
	log  wal.Manager

	mu        sync.Mutex
	data      map[string][]DataRecord
	beginSeq  map[string]uint64 // txID -> its BEGIN record's sequence
}

// NewWALManager wraps core with WAL-backed durability. If autoRecover
// is true, every committed transaction found by log.Recover() is
// replayed against recoverInto before the manager is returned, so a
// crash between COMMIT and the in-memory state catching up is healed
// on the next startup.
func NewWALManager(core *Manager, log wal.Manager, autoRecover bool, recoverInto []Recoverable) (*WALManager, error) {
	wm := &WALManager{
		core:     core,
		log:      log,
		data:     make(map[string][]DataRecord),
		beginSeq: make(map[string]uint64),
	}
	log.SetRetentionFloor(wm.retentionFloor)

	if !autoRecover {
		return wm, nil
	}

	result, err := log.Recover()
	if err != nil {
		return nil, dserrors.Wrap(err, "txn: WAL recovery scan failed")
	}
	for _, replayed := range result.Replayed {
		for _, entry := range replayed.DataEntries {
			for _, r := range recoverInto {
				if err := r.ApplyRecovered(entry); err != nil {
					return nil, dserrors.Wrapf(err, "txn: replaying transaction %s", replayed.TransactionID)
				}
			}
		}
	}
	return wm, nil
}

// retentionFloor reports the lowest BEGIN sequence among still-open
// transactions, or MaxUint64 ("nothing extra protected") when none are
// open. Installed on the underlying wal.Manager so Truncate refuses to
// discard an entry an in-flight transaction might still need to replay
// after a crash.
func (wm *WALManager) retentionFloor() uint64 {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	floor := uint64(math.MaxUint64)
	for _, seq := range wm.beginSeq {
		if seq < floor {
			floor = seq
		}
	}
	return floor
}

// Begin starts a transaction and writes its BEGIN record.
func (wm *WALManager) Begin(opts Options) (string, error) {
	txID, err := wm.core.Begin(opts)
	if err != nil {
		return "", err
	}

	seq, err := wm.log.WriteEntry(wal.Entry{
		Type:          wal.EntryBegin,
		TransactionID: txID,
		Timestamp:     time.Now().UnixNano(),
	})
	if err != nil {
		_ = wm.core.Rollback(txID)
		return "", dserrors.Wrap(err, "txn: writing BEGIN record")
	}

	wm.mu.Lock()
	wm.beginSeq[txID] = seq
	wm.mu.Unlock()

	return txID, nil
}

// Join registers p as a participant of txID.
func (wm *WALManager) Join(txID string, p Participant) error {
	return wm.core.Join(txID, p)
}

// LogData buffers rec as a DATA record to be written just before
// txID's COMMIT record.
func (wm *WALManager) LogData(txID string, rec DataRecord) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.data[txID] = append(wm.data[txID], rec)
}

// Commit writes txID's buffered DATA records, a COMMIT record, then
// runs the core Manager's two-phase commit. If the core commit fails,
// a ROLLBACK record is written after the COMMIT record, and recovery
// skips any transaction that has a ROLLBACK record. A transaction
// already past its timeout (spec §4.5 commit step 1) is rolled back
// outright, without ever writing its DATA/COMMIT records to the WAL.
func (wm *WALManager) Commit(txID string) error {
	if tx, ok := wm.core.Get(txID); ok {
		if _, timedOut := tx.expired(); timedOut {
			wm.mu.Lock()
			delete(wm.data, txID)
			wm.mu.Unlock()

			err := wm.core.Commit(txID)
			if _, werr := wm.log.WriteEntry(wal.Entry{
				Type:          wal.EntryRollback,
				TransactionID: txID,
				Timestamp:     time.Now().UnixNano(),
			}); werr != nil {
				zlog.Warn().Err(werr).Str("tx", txID).Msg("txn: writing ROLLBACK record for expired transaction")
			}
			wm.forget(txID)
			return err
		}
	}

	wm.mu.Lock()
	records := wm.data[txID]
	delete(wm.data, txID)
	wm.mu.Unlock()

	for _, rec := range records {
		if _, err := wm.log.WriteEntry(wal.Entry{
			Type:           wal.EntryData,
			TransactionID:  txID,
			Timestamp:      time.Now().UnixNano(),
			CollectionName: rec.CollectionName,
			Operation:      rec.Operation,
			Payload:        rec.Payload,
		}); err != nil {
			return dserrors.Wrap(err, "txn: writing DATA record")
		}
	}

	if _, err := wm.log.WriteEntry(wal.Entry{
		Type:          wal.EntryCommit,
		TransactionID: txID,
		Timestamp:     time.Now().UnixNano(),
	}); err != nil {
		return dserrors.Wrap(err, "txn: writing COMMIT record")
	}
	if err := wm.log.Flush(); err != nil {
		return dserrors.Wrap(err, "txn: flushing WAL before 2PC")
	}

	if err := wm.core.Commit(txID); err != nil {
		if _, werr := wm.log.WriteEntry(wal.Entry{
			Type:          wal.EntryRollback,
			TransactionID: txID,
			Timestamp:     time.Now().UnixNano(),
		}); werr != nil {
			zlog.Warn().Err(werr).Str("tx", txID).Msg("txn: writing ROLLBACK record after failed finalize")
		}
		wm.forget(txID)
		return err
	}

	wm.forget(txID)
	return nil
}

// Rollback writes a ROLLBACK record and aborts the core transaction.
func (wm *WALManager) Rollback(txID string) error {
	wm.mu.Lock()
	delete(wm.data, txID)
	wm.mu.Unlock()

	if _, err := wm.log.WriteEntry(wal.Entry{
		Type:          wal.EntryRollback,
		TransactionID: txID,
		Timestamp:     time.Now().UnixNano(),
	}); err != nil {
		return dserrors.Wrap(err, "txn: writing ROLLBACK record")
	}

	err := wm.core.Rollback(txID)
	wm.forget(txID)
	return err
}

func (wm *WALManager) forget(txID string) {
	wm.mu.Lock()
	delete(wm.beginSeq, txID)
	delete(wm.data, txID)
	wm.mu.Unlock()
}

// Get delegates to the core Manager.
func (wm *WALManager) Get(txID string) (*Transaction, bool) { return wm.core.Get(txID) }

// AddChangeListener delegates to the core Manager.
func (wm *WALManager) AddChangeListener(name string, fn ChangeListener) {
	wm.core.AddChangeListener(name, fn)
}

// RemoveChangeListener delegates to the core Manager.
func (wm *WALManager) RemoveChangeListener(name string) { wm.core.RemoveChangeListener(name) }

// Cleanup delegates to the core Manager, rolling back (and WAL-logging
// the rollback of) every timed-out transaction.
func (wm *WALManager) Cleanup() []string {
	expired := wm.core.Cleanup()
	for _, id := range expired {
		if _, err := wm.log.WriteEntry(wal.Entry{
			Type:          wal.EntryRollback,
			TransactionID: id,
			Timestamp:     time.Now().UnixNano(),
		}); err != nil {
			zlog.Warn().Err(err).Str("tx", id).Msg("txn: writing ROLLBACK record for timed-out transaction")
		}
		wm.forget(id)
	}
	return expired
}
