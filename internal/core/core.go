// Package core holds the value types shared by every layer of clove:
// objects, subjects, relations, tuples, consistency tokens and the
// sentinel errors. The root clove package re-exports these under their
// public names; nothing here depends on storage or the engine, so both
// can import it freely.
package core

import (
	"fmt"
	"strings"
)

// ObjectType represents the type of an object.
type ObjectType string

// String returns the string representation of the object type.
func (ot ObjectType) String() string {
	return string(ot)
}

// Wildcard is the reserved object id meaning "every object of this type".
// It is only legal on the subject side of a tuple, and only when the
// model declares a wildcard restriction for the type.
const Wildcard = "*"

// Object represents a typed resource identifier.
//
// Objects are value types and safe to copy. The canonical string format
// is "type:id", used on the wire, in tuples, and in logging.
type Object struct {
	Type ObjectType
	ID   string
}

// String returns the canonical representation "type:id".
func (o Object) String() string {
	return o.Type.String() + ":" + o.ID
}

// IsWildcard reports whether the object id is the wildcard marker.
func (o Object) IsWildcard() bool {
	return o.ID == Wildcard
}

// AuthzObject returns the object itself, implementing ObjectLike.
func (o Object) AuthzObject() Object {
	return o
}

// AuthzSubject returns the object as a direct subject, implementing
// SubjectLike. This allows Object values to be used on either side of a
// relationship.
func (o Object) AuthzSubject() Subject {
	return Subject{Object: o}
}

// Validate checks the object against the identifier grammar: the type is
// lowercase [a-z][a-z0-9_]*, the id is non-empty and free of whitespace
// and the reserved characters ':', '#' and '@'.
func (o Object) Validate() error {
	if err := validateType(string(o.Type)); err != nil {
		return fmt.Errorf("%w: object %q: %v", ErrInvalidIdentifier, o.String(), err)
	}
	if err := validateID(o.ID); err != nil {
		return fmt.Errorf("%w: object %q: %v", ErrInvalidIdentifier, o.String(), err)
	}
	return nil
}

// ParseObject parses the canonical "type:id" form.
func ParseObject(s string) (Object, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Object{}, fmt.Errorf("%w: %q: expected type:id", ErrInvalidIdentifier, s)
	}
	o := Object{Type: ObjectType(typ), ID: id}
	if err := o.Validate(); err != nil {
		return Object{}, err
	}
	return o, nil
}

// MustParseObject is ParseObject that panics on malformed input.
// Intended for tests and static fixtures.
func MustParseObject(s string) Object {
	o, err := ParseObject(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Relation represents a typed relation identifier.
// Relations can be permissions (viewer, can_read) or roles (owner,
// member); clove treats them uniformly.
type Relation string

// String returns the canonical representation of the relation.
func (r Relation) String() string {
	return string(r)
}

// AuthzRelation returns the relation itself, implementing RelationLike.
func (r Relation) AuthzRelation() Relation {
	return r
}

// Validate checks the relation against the identifier grammar.
func (r Relation) Validate() error {
	if err := validateType(string(r)); err != nil {
		return fmt.Errorf("%w: relation %q: %v", ErrInvalidIdentifier, r, err)
	}
	return nil
}

// Subject is the "who" of a relationship: a direct object, a userset, or
// a typed wildcard.
//
//   - direct: Relation empty, Object "user:anne"
//   - userset: Relation set, meaning every subject with that relation on
//     the object ("group:eng#member")
//   - wildcard: Relation empty, Object id "*" ("user:*")
type Subject struct {
	Object   Object
	Relation Relation
}

// String returns "type:id" for direct subjects and "type:id#relation"
// for usersets.
func (s Subject) String() string {
	if s.Relation == "" {
		return s.Object.String()
	}
	return s.Object.String() + "#" + s.Relation.String()
}

// IsUserset reports whether the subject is a userset reference.
func (s Subject) IsUserset() bool {
	return s.Relation != ""
}

// IsWildcard reports whether the subject is a typed wildcard.
func (s Subject) IsWildcard() bool {
	return s.Relation == "" && s.Object.IsWildcard()
}

// AuthzSubject returns the subject itself, implementing SubjectLike.
func (s Subject) AuthzSubject() Subject {
	return s
}

// Validate checks the subject grammar. Wildcard ids are rejected on
// userset subjects ("group:*#member" is never valid).
func (s Subject) Validate() error {
	if s.Object.IsWildcard() {
		if s.Relation != "" {
			return fmt.Errorf("%w: subject %q: wildcard cannot carry a relation", ErrInvalidIdentifier, s.String())
		}
		if err := validateType(string(s.Object.Type)); err != nil {
			return fmt.Errorf("%w: subject %q: %v", ErrInvalidIdentifier, s.String(), err)
		}
		return nil
	}
	if err := s.Object.Validate(); err != nil {
		return err
	}
	if s.Relation != "" {
		return s.Relation.Validate()
	}
	return nil
}

// ParseSubject parses any of the three subject forms: "type:id",
// "type:id#relation", or "type:*".
func ParseSubject(s string) (Subject, error) {
	rest, rel, hasRel := strings.Cut(s, "#")
	o, err := ParseObjectAllowWildcard(rest)
	if err != nil {
		return Subject{}, err
	}
	sub := Subject{Object: o}
	if hasRel {
		sub.Relation = Relation(rel)
	}
	if err := sub.Validate(); err != nil {
		return Subject{}, err
	}
	return sub, nil
}

// MustParseSubject is ParseSubject that panics on malformed input.
func MustParseSubject(s string) Subject {
	sub, err := ParseSubject(s)
	if err != nil {
		panic(err)
	}
	return sub
}

// ParseObjectAllowWildcard parses "type:id" accepting "*" as the id.
// Used on the subject side; ParseObject rejects wildcards.
func ParseObjectAllowWildcard(s string) (Object, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Object{}, fmt.Errorf("%w: %q: expected type:id", ErrInvalidIdentifier, s)
	}
	o := Object{Type: ObjectType(typ), ID: id}
	if o.IsWildcard() {
		if err := validateType(typ); err != nil {
			return Object{}, fmt.Errorf("%w: object %q: %v", ErrInvalidIdentifier, s, err)
		}
		return o, nil
	}
	if err := o.Validate(); err != nil {
		return Object{}, err
	}
	return o, nil
}

// ObjectLike defines an interface for types that can be converted to
// Objects. This allows domain models to participate in permission checks
// without clove importing the domain layer.
//
// Example:
//
//	type Document struct{ ID int64 }
//	func (d Document) AuthzObject() clove.Object {
//	    return clove.Object{Type: "document", ID: fmt.Sprint(d.ID)}
//	}
type ObjectLike interface {
	AuthzObject() Object
}

// SubjectLike defines an interface for types that can be used as
// subjects. Object implements both SubjectLike and ObjectLike, so plain
// Object values work in either position.
type SubjectLike interface {
	AuthzSubject() Subject
}

// RelationLike defines an interface for types that can be converted to
// Relations. Plain strings converted to Relation satisfy it, as do
// generated relation constants.
type RelationLike interface {
	AuthzRelation() Relation
}

func validateType(t string) error {
	if t == "" {
		return fmt.Errorf("empty type")
	}
	for i, c := range t {
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c == '_' || (c >= '0' && c <= '9')):
		default:
			return fmt.Errorf("type must match [a-z][a-z0-9_]*")
		}
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(id, ":#@ \t\n\r") {
		return fmt.Errorf("id contains reserved or whitespace characters")
	}
	if strings.Contains(id, Wildcard) {
		return fmt.Errorf("id contains wildcard marker")
	}
	return nil
}
