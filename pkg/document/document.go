// Package document implements the Transactional Storage Adapter and
// Transactional Collection from spec §4.4: document storage with
// snapshot-plus-change-buffer semantics, composed with one Index
// Manager per collection, both acting as 2PC participants under the
// Transaction Manager (pkg/txn).
package document

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/collectionstore/core/pkg/dserrors"
)

// Document is an opaque record: a field-name-to-value map, the same
// shape the teacher's pkg/storage/bson.go works with (bson.D/bson.M),
// generalized here to bson.M for O(1) field-path lookups.
type Document bson.M

// Field returns the raw value at path, and whether it was present.
func (d Document) Field(path string) (any, bool) {
	v, ok := d[path]
	return v, ok
}

// Clone returns a shallow copy, used before mutating a document in
// UpdateInTransaction so the committed/buffered original is untouched.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge applies patch on top of d's fields (last writer per field
// wins), returning a new Document.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Validator is implemented by a collection's document validator,
// invoked before buffering any create or update.
type Validator interface {
	Validate(doc Document) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(doc Document) error

func (f ValidatorFunc) Validate(doc Document) error { return f(doc) }

// idField is the document field holding the collection's primary
// identifier, per spec §3's "mandatory primary identifier" line.
const idField = "_id"

func extractID(collection string, doc Document) (any, error) {
	v, ok := doc.Field(idField)
	if !ok {
		return nil, &dserrors.ValidationError{Collection: collection, Reason: "document is missing its identifier field \"_id\""}
	}
	return v, nil
}
