package core

import (
	"fmt"
	"strings"
	"time"
)

// TupleKey identifies a single relationship: subject has relation on
// object. Keys are the unit of writes, deletes and reads; equality is
// full-field equality.
type TupleKey struct {
	Object   Object
	Relation Relation
	Subject  Subject
}

// String returns the canonical representation "object#relation@subject",
// e.g. "document:readme#viewer@user:anne".
func (k TupleKey) String() string {
	return k.Object.String() + "#" + k.Relation.String() + "@" + k.Subject.String()
}

// Validate checks the key's identifier grammar. Model-dependent checks
// (type restrictions for the relation) happen at write time.
func (k TupleKey) Validate() error {
	if err := k.Object.Validate(); err != nil {
		return fmt.Errorf("%w: tuple %q: bad object", ErrInvalidTuple, k.String())
	}
	if err := k.Relation.Validate(); err != nil {
		return fmt.Errorf("%w: tuple %q: bad relation", ErrInvalidTuple, k.String())
	}
	if err := k.Subject.Validate(); err != nil {
		return fmt.Errorf("%w: tuple %q: bad subject", ErrInvalidTuple, k.String())
	}
	return nil
}

// ParseTupleKey parses the canonical "object#relation@subject" form.
// The subject may be any of the three subject forms.
func ParseTupleKey(s string) (TupleKey, error) {
	objRel, subject, ok := strings.Cut(s, "@")
	if !ok {
		return TupleKey{}, fmt.Errorf("%w: %q: expected object#relation@subject", ErrInvalidTuple, s)
	}
	obj, rel, ok := strings.Cut(objRel, "#")
	if !ok {
		return TupleKey{}, fmt.Errorf("%w: %q: expected object#relation@subject", ErrInvalidTuple, s)
	}
	o, err := ParseObject(obj)
	if err != nil {
		return TupleKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidTuple, s, err)
	}
	sub, err := ParseSubject(subject)
	if err != nil {
		return TupleKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidTuple, s, err)
	}
	k := TupleKey{Object: o, Relation: Relation(rel), Subject: sub}
	if err := k.Relation.Validate(); err != nil {
		return TupleKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidTuple, s, err)
	}
	return k, nil
}

// MustParseTupleKey is ParseTupleKey that panics on malformed input.
// Intended for tests and static fixtures.
func MustParseTupleKey(s string) TupleKey {
	k, err := ParseTupleKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Tuple is a stored relationship: the key plus server-assigned metadata.
type Tuple struct {
	Key        TupleKey
	InsertedAt time.Time
	Token      Token
}

// String returns the canonical representation of the tuple's key.
func (t Tuple) String() string {
	return t.Key.String()
}
