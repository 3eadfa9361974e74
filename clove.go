// Package clove provides relationship-based (Zanzibar-style) fine-grained
// authorization backed by a relationship tuple store.
//
// # Core Concepts
//
// Objects represent typed resources. Both "users" and "resources" are
// objects - there is no special user type at this level.
//
//	user := clove.Object{Type: "user", ID: "anne"}
//	doc := clove.Object{Type: "document", ID: "readme"}
//
// Subjects are the "who" in a relationship. A subject is either an object
// ("user:anne"), a userset ("group:eng#member", meaning every member of
// group:eng), or a typed wildcard ("user:*", meaning every user).
//
// Relationships between subjects and objects are stored as tuples:
//
//	document:readme#viewer@user:anne
//	document:readme#viewer@group:eng#member
//
// Whether a subject has a relation to an object is decided by evaluating
// the active authorization model's userset rewrites over the stored
// tuples. Models are written in the OpenFGA DSL and managed through the
// Checker's model operations.
//
// # Basic Usage
//
//	store, _ := memory.NewStore()
//	checker := clove.NewChecker(store)
//	res, err := checker.Check(ctx, clove.CheckRequest{
//	    Subject:  user.AuthzSubject(),
//	    Relation: "viewer",
//	    Object:   doc,
//	})
//	if err != nil { ... }
//	if res.Allowed { ... }
//
// # Contextual Tuples
//
// Checks can be evaluated with request-scoped tuples layered over the
// store. Contextual tuples are never persisted:
//
//	res, err := checker.Check(ctx, clove.CheckRequest{
//	    Subject:          user.AuthzSubject(),
//	    Relation:         "viewer",
//	    Object:           doc,
//	    ContextualTuples: extra,
//	})
//
// # Consistency
//
// Every successful write returns an opaque consistency token. Passing the
// token to a later check guarantees the check observes a state at least
// as new as that write.
package clove

import (
	"github.com/cloveworks/clove/internal/core"
)

// Core value types. The canonical definitions live in internal/core so
// the storage and engine packages can share them; these aliases are the
// public names.
type (
	// ObjectType represents the type of an object.
	ObjectType = core.ObjectType

	// Object represents a typed resource identifier, "type:id".
	Object = core.Object

	// Relation represents a typed relation identifier.
	Relation = core.Relation

	// Subject is the "who" of a relationship: a direct object, a userset,
	// or a typed wildcard.
	Subject = core.Subject

	// TupleKey identifies a single relationship: subject has relation on
	// object.
	TupleKey = core.TupleKey

	// Tuple is a stored relationship: the key plus server-assigned
	// metadata.
	Tuple = core.Tuple

	// Token is a consistency token issued by the tuple store's write path.
	Token = core.Token

	// ObjectLike is implemented by types convertible to an Object.
	ObjectLike = core.ObjectLike

	// SubjectLike is implemented by types usable as a subject.
	SubjectLike = core.SubjectLike

	// RelationLike is implemented by types convertible to a Relation.
	RelationLike = core.RelationLike
)

// Wildcard is the reserved object id meaning "every object of this type".
const Wildcard = core.Wildcard

// NoToken is the zero token, expressing no consistency preference.
const NoToken = core.NoToken

// ParseObject parses the canonical "type:id" form.
func ParseObject(s string) (Object, error) { return core.ParseObject(s) }

// MustParseObject is ParseObject that panics on malformed input.
// Intended for tests and static fixtures.
func MustParseObject(s string) Object { return core.MustParseObject(s) }

// ParseSubject parses any of the three subject forms: "type:id",
// "type:id#relation", or "type:*".
func ParseSubject(s string) (Subject, error) { return core.ParseSubject(s) }

// MustParseSubject is ParseSubject that panics on malformed input.
func MustParseSubject(s string) Subject { return core.MustParseSubject(s) }

// ParseTupleKey parses the canonical "object#relation@subject" form.
func ParseTupleKey(s string) (TupleKey, error) { return core.ParseTupleKey(s) }

// MustParseTupleKey is ParseTupleKey that panics on malformed input.
// Intended for tests and static fixtures.
func MustParseTupleKey(s string) TupleKey { return core.MustParseTupleKey(s) }

// ParseToken decodes a wire token. The empty string decodes to NoToken.
func ParseToken(s string) (Token, error) { return core.ParseToken(s) }