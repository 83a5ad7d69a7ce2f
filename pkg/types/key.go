// Package types defines the key shapes index entries and document
// identifiers are expressed in.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Comparable is implemented by every supported key shape. Ordering is a
// stable total order: btree and index code never compares two different
// concrete types against each other.
type Comparable interface {
	Compare(other Comparable) int
	String() string
}

// IntKey is an integer-typed key (document ids, index keys on numeric
// fields).
type IntKey int64

func (k IntKey) Compare(other Comparable) int {
	o := other.(IntKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k IntKey) String() string { return fmt.Sprintf("%d", int64(k)) }

// VarcharKey is a string-typed key.
type VarcharKey string

func (k VarcharKey) Compare(other Comparable) int {
	o := other.(VarcharKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k VarcharKey) String() string { return string(k) }

// FloatKey is a float64-typed key.
type FloatKey float64

func (k FloatKey) Compare(other Comparable) int {
	o := other.(FloatKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k FloatKey) String() string { return fmt.Sprintf("%g", float64(k)) }

// BoolKey is a boolean-typed key; false sorts before true.
type BoolKey bool

func (k BoolKey) Compare(other Comparable) int {
	o := other.(BoolKey)
	if k == o {
		return 0
	}
	if !bool(k) && bool(o) {
		return -1
	}
	return 1
}

func (k BoolKey) String() string { return fmt.Sprintf("%t", bool(k)) }

// DateKey is a time.Time-typed key.
type DateKey time.Time

func (k DateKey) Compare(other Comparable) int {
	o := time.Time(other.(DateKey))
	t := time.Time(k)
	switch {
	case t.Before(o):
		return -1
	case t.After(o):
		return 1
	default:
		return 0
	}
}

func (k DateKey) String() string { return time.Time(k).Format(time.RFC3339Nano) }

// CompositeKey concatenates the String() form of each member key with a
// declared separator, for composite-key indexes (§3, §4.4). Compare is
// lexicographic over the joined representation, which matches the
// concatenation the index manager computes when buffering changes.
type CompositeKey struct {
	Separator string
	Parts     []Comparable
}

func NewCompositeKey(separator string, parts ...Comparable) CompositeKey {
	return CompositeKey{Separator: separator, Parts: parts}
}

func (k CompositeKey) String() string {
	parts := make([]string, len(k.Parts))
	for i, p := range k.Parts {
		parts[i] = p.String()
	}
	return strings.Join(parts, k.Separator)
}

func (k CompositeKey) Compare(other Comparable) int {
	o := other.(CompositeKey)
	a, b := k.String(), o.String()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two keys have the same concrete type and order
// equal to each other. Nil-safe: a nil key is never equal to anything.
func Equal(a, b Comparable) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Compare(b) == 0
}

// Wrap converts a raw document field value (as decoded from BSON) into
// the Comparable key of the matching concrete type. Used by the index
// manager and collection layer to turn a document's field value or
// identifier into a key without every caller re-implementing the type
// switch.
func Wrap(value any) (Comparable, error) {
	switch v := value.(type) {
	case Comparable:
		return v, nil
	case int:
		return IntKey(int64(v)), nil
	case int32:
		return IntKey(int64(v)), nil
	case int64:
		return IntKey(v), nil
	case string:
		return VarcharKey(v), nil
	case bool:
		return BoolKey(v), nil
	case float32:
		return FloatKey(float64(v)), nil
	case float64:
		return FloatKey(v), nil
	case time.Time:
		return DateKey(v), nil
	default:
		return nil, fmt.Errorf("types: unsupported key value of type %T", value)
	}
}
