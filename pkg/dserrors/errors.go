// Package dserrors collects the typed error kinds described in spec §7:
// validation, constraint, not-found, timeout, corruption, state-machine
// misuse, and partition. Each kind is a small struct implementing error,
// in the style of the teacher's pkg/errors package, so callers can use
// errors.As to branch on failure kind. cockroachdb/errors is used at the
// call sites that wrap these with extra context (file/line, causal chain)
// without losing that errors.As compatibility.
package dserrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ValidationError means a document failed the collection's validator.
type ValidationError struct {
	Collection string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document rejected by validator for collection %q: %s", e.Collection, e.Reason)
}

// ConstraintError means a uniqueness violation: a duplicate key in a
// unique index (at insert or prepareCommit) or a document id that is
// already taken.
type ConstraintError struct {
	Index string
	Key   string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violated on index %q for key %q", e.Index, e.Key)
}

// TimeoutError means a transaction or RPC exceeded its configured
// deadline.
type TimeoutError struct {
	What    string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.What, e.Elapsed)
}

// CorruptionError means a WAL checksum mismatch or sequence gap was
// found during read/recovery.
type CorruptionError struct {
	Detail string
	AtSeq  uint64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("WAL corruption at sequence %d: %s", e.AtSeq, e.Detail)
}

// StateError means a participant or transaction received a call that is
// invalid in its current state (e.g. commit on an already-terminal
// transaction, prepare called twice).
type StateError struct {
	Entity string
	State  string
	Call   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid call %q on %s in state %s", e.Call, e.Entity, e.State)
}

// PartitionError means a Raft peer was judged unreachable and no quorum
// remains reachable for the requested operation.
type PartitionError struct {
	Peer string
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("no quorum reachable (peer %q partitioned)", e.Peer)
}

// NotFoundError is returned by lookups that legitimately found nothing.
// Document reads (FindByIDInTransaction, FindByInTransaction) report
// absence without it, but document.Collection's UpdateInTransaction and
// RemoveInTransaction, like the storage adapter, return it for a
// missing id; the index manager returns it for an unknown index.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Wrap annotates err with msg while preserving errors.As/errors.Is
// compatibility, using cockroachdb/errors.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
