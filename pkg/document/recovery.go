package document

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/collectionstore/core/pkg/dserrors"
	"github.com/collectionstore/core/pkg/wal"
)

// RecoveryOp mirrors the mutation a WAL-aware transaction logged via
// txn.WALManager.LogData, so a collection can replay it on startup
// recovery, per spec's WAL `recover` contract.
type RecoveryOp string

const (
	RecoveryCreate RecoveryOp = "create"
	RecoveryUpdate RecoveryOp = "update"
	RecoveryDelete RecoveryOp = "delete"
)

// RecoveryPayload is the bson shape a collection encodes into a
// txn.DataRecord's Payload when logging a create/update/delete, and
// decodes back in ApplyRecovered.
type RecoveryPayload struct {
	Op       RecoveryOp `bson:"op"`
	ID       string     `bson:"id,omitempty"`
	Document Document   `bson:"document,omitempty"`
	Replace  bool       `bson:"replace,omitempty"`
}

// EncodeRecoveryPayload serializes p for use as a DataRecord's Payload.
func EncodeRecoveryPayload(p RecoveryPayload) ([]byte, error) {
	return bson.Marshal(p)
}

// ApplyRecovered implements txn.Recoverable: it replays one WAL DATA
// entry from a prior run's committed-but-possibly-unapplied transaction
// directly against committed state. Rather than writing to the
// committed store directly, it routes through the normal buffered
// create/update/delete + PrepareCommit/FinalizeCommit path under a
// recovery-scoped transaction id, so index maintenance and seq
// assignment never have a second, divergent code path to keep in sync
// with the live one.
func (c *Collection) ApplyRecovered(entry wal.Entry) error {
	var payload RecoveryPayload
	if err := bson.Unmarshal(entry.Payload, &payload); err != nil {
		return dserrors.Wrap(err, "document: decoding recovery payload")
	}

	txID := "recover-" + entry.TransactionID
	now := time.Now()

	var err error
	switch payload.Op {
	case RecoveryCreate:
		err = c.CreateInTransaction(txID, payload.Document, now)
	case RecoveryUpdate:
		err = c.UpdateInTransaction(txID, payload.ID, payload.Document, payload.Replace, now)
	case RecoveryDelete:
		err = c.RemoveInTransaction(txID, payload.ID, now)
	default:
		return errors.Newf("document: unknown recovery op %q", payload.Op)
	}
	if err != nil {
		return dserrors.Wrapf(err, "document: replaying %s for collection %s", payload.Op, c.name)
	}

	if err := c.PrepareCommit(txID); err != nil {
		return dserrors.Wrap(err, "document: prepare-commit during recovery replay")
	}
	return c.FinalizeCommit(txID)
}
