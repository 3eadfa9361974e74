// Package typesystem compiles authorization models into the lookup
// structures the engine evaluates against: relation rewrites, direct
// type restrictions, capability flags and reachability sources.
package typesystem

import (
	"fmt"
	"sort"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"

	"github.com/cloveworks/clove/internal/core"
)

// DirectRestriction is one entry of a relation's allowed direct subject
// types: a plain type ("user"), a userset ("group#member"), or a typed
// wildcard ("user:*").
type DirectRestriction struct {
	Type     string
	Relation string
	Wildcard bool
}

// String renders the restriction the way the DSL writes it.
func (r DirectRestriction) String() string {
	switch {
	case r.Wildcard:
		return r.Type + ":*"
	case r.Relation != "":
		return r.Type + "#" + r.Relation
	default:
		return r.Type
	}
}

// Capabilities summarize what a relation's rewrite forest can contain,
// computed transitively through computed usersets, userset restrictions
// and tuple-to-userset hops. ListObjects and ListUsers confirm their
// candidates with a full check whenever one of these is set.
type Capabilities struct {
	UsesIntersection bool
	UsesExclusion    bool
	AllowsWildcard   bool
}

// NeedsConfirmation reports whether reverse-index candidates for the
// relation must be confirmed with a full check.
func (c Capabilities) NeedsConfirmation() bool {
	return c.UsesIntersection || c.UsesExclusion || c.AllowsWildcard
}

func (c *Capabilities) merge(other Capabilities) {
	c.UsesIntersection = c.UsesIntersection || other.UsesIntersection
	c.UsesExclusion = c.UsesExclusion || other.UsesExclusion
	c.AllowsWildcard = c.AllowsWildcard || other.AllowsWildcard
}

type relationDef struct {
	name    string
	rewrite *openfgav1.Userset
	direct  []DirectRestriction
}

type typeDef struct {
	name      string
	relations map[string]*relationDef
}

// Typesystem is a compiled authorization model. It is immutable after
// construction and safe for concurrent use; the repository shares one
// instance per model version.
type Typesystem struct {
	// ModelID and VersionID identify the stored model this typesystem was
	// compiled from. Empty for ad-hoc typesystems (offline validation).
	ModelID   string
	VersionID string

	model *openfgav1.AuthorizationModel
	types map[string]*typeDef

	caps map[string]Capabilities // keyed "type#relation", built eagerly
}

// New compiles the proto model. It does not validate; call Validate for
// diagnostics. Compilation itself only fails on nil input.
func New(model *openfgav1.AuthorizationModel) *Typesystem {
	ts := &Typesystem{
		model: model,
		types: make(map[string]*typeDef),
	}
	for _, td := range model.GetTypeDefinitions() {
		t := &typeDef{
			name:      td.GetType(),
			relations: make(map[string]*relationDef),
		}
		metadata := td.GetMetadata().GetRelations()
		for name, rewrite := range td.GetRelations() {
			rel := &relationDef{name: name, rewrite: rewrite}
			for _, rr := range metadata[name].GetDirectlyRelatedUserTypes() {
				restriction := DirectRestriction{Type: rr.GetType()}
				switch rw := rr.GetRelationOrWildcard().(type) {
				case *openfgav1.RelationReference_Relation:
					restriction.Relation = rw.Relation
				case *openfgav1.RelationReference_Wildcard:
					restriction.Wildcard = true
				}
				rel.direct = append(rel.direct, restriction)
			}
			t.relations[name] = rel
		}
		ts.types[t.name] = t
	}
	ts.buildCapabilities()
	return ts
}

// Model returns the underlying proto model.
func (ts *Typesystem) Model() *openfgav1.AuthorizationModel {
	return ts.model
}

// TypeNames returns the declared type names, sorted.
func (ts *Typesystem) TypeNames() []string {
	names := make([]string, 0, len(ts.types))
	for name := range ts.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelationNames returns the relations declared on a type, sorted.
func (ts *Typesystem) RelationNames(objectType string) ([]string, error) {
	t, ok := ts.types[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownType, objectType)
	}
	names := make([]string, 0, len(t.relations))
	for name := range t.relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// HasType reports whether the model declares the type.
func (ts *Typesystem) HasType(objectType string) bool {
	_, ok := ts.types[objectType]
	return ok
}

// GetRelation returns the rewrite for (objectType, relation).
func (ts *Typesystem) GetRelation(objectType, relation string) (*openfgav1.Userset, error) {
	t, ok := ts.types[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownType, objectType)
	}
	rel, ok := t.relations[relation]
	if !ok {
		return nil, fmt.Errorf("%w: %s on type %s", core.ErrUnknownRelation, relation, objectType)
	}
	return rel.rewrite, nil
}

// DirectRestrictions returns the allowed direct subject types for
// (objectType, relation).
func (ts *Typesystem) DirectRestrictions(objectType, relation string) ([]DirectRestriction, error) {
	t, ok := ts.types[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownType, objectType)
	}
	rel, ok := t.relations[relation]
	if !ok {
		return nil, fmt.Errorf("%w: %s on type %s", core.ErrUnknownRelation, relation, objectType)
	}
	return rel.direct, nil
}

// AllowsDirect reports whether a subject may be written directly on
// (objectType, relation) under the model's type restrictions. Wildcard
// subjects require an exact wildcard restriction for the subject's type.
func (ts *Typesystem) AllowsDirect(objectType, relation string, subject core.Subject) (bool, error) {
	restrictions, err := ts.DirectRestrictions(objectType, relation)
	if err != nil {
		return false, err
	}
	for _, r := range restrictions {
		if r.Type != string(subject.Object.Type) {
			continue
		}
		switch {
		case subject.IsWildcard():
			if r.Wildcard {
				return true, nil
			}
		case subject.IsUserset():
			if r.Relation == string(subject.Relation) {
				return true, nil
			}
		default:
			if r.Relation == "" && !r.Wildcard {
				return true, nil
			}
		}
	}
	return false, nil
}

// ValidateTupleKey checks a tuple key against the model: the object type
// and relation must exist and the subject must satisfy the relation's
// direct restrictions. Userset subjects must reference a declared
// relation on the subject's type.
func (ts *Typesystem) ValidateTupleKey(k core.TupleKey) error {
	allowed, err := ts.AllowsDirect(string(k.Object.Type), string(k.Relation), k.Subject)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: subject %s not permitted on %s#%s",
			core.ErrInvalidTuple, k.Subject.String(), k.Object.Type, k.Relation)
	}
	if k.Subject.IsUserset() {
		if _, err := ts.GetRelation(string(k.Subject.Object.Type), string(k.Subject.Relation)); err != nil {
			return fmt.Errorf("%w: subject %s: %v", core.ErrInvalidTuple, k.Subject.String(), err)
		}
	}
	return nil
}

// Capabilities returns the transitive capability flags for
// (objectType, relation).
func (ts *Typesystem) Capabilities(objectType, relation string) (Capabilities, error) {
	if _, err := ts.GetRelation(objectType, relation); err != nil {
		return Capabilities{}, err
	}
	return ts.caps[objectType+"#"+relation], nil
}

// buildCapabilities computes the transitive flags for every relation.
// The walk follows computed usersets, tuple-to-userset hops and userset
// restrictions; visited tracking keeps recursive models terminating.
func (ts *Typesystem) buildCapabilities() {
	ts.caps = make(map[string]Capabilities)
	for typeName, t := range ts.types {
		for relName := range t.relations {
			visited := make(map[string]bool)
			ts.caps[typeName+"#"+relName] = ts.relationCaps(typeName, relName, visited)
		}
	}
}

func (ts *Typesystem) relationCaps(objectType, relation string, visited map[string]bool) Capabilities {
	key := objectType + "#" + relation
	if visited[key] {
		return Capabilities{}
	}
	visited[key] = true

	t, ok := ts.types[objectType]
	if !ok {
		return Capabilities{}
	}
	rel, ok := t.relations[relation]
	if !ok {
		return Capabilities{}
	}
	return ts.rewriteCaps(objectType, rel, rel.rewrite, visited)
}

func (ts *Typesystem) rewriteCaps(objectType string, rel *relationDef, rewrite *openfgav1.Userset, visited map[string]bool) Capabilities {
	var caps Capabilities
	switch rw := rewrite.GetUserset().(type) {
	case *openfgav1.Userset_This:
		for _, r := range rel.direct {
			if r.Wildcard {
				caps.AllowsWildcard = true
			}
			if r.Relation != "" {
				caps.merge(ts.relationCaps(r.Type, r.Relation, visited))
			}
		}
	case *openfgav1.Userset_ComputedUserset:
		caps.merge(ts.relationCaps(objectType, rw.ComputedUserset.GetRelation(), visited))
	case *openfgav1.Userset_TupleToUserset:
		tupleset := rw.TupleToUserset.GetTupleset().GetRelation()
		computed := rw.TupleToUserset.GetComputedUserset().GetRelation()
		if restrictions, err := ts.DirectRestrictions(objectType, tupleset); err == nil {
			for _, r := range restrictions {
				caps.merge(ts.relationCaps(r.Type, computed, visited))
			}
		}
	case *openfgav1.Userset_Union:
		for _, child := range rw.Union.GetChild() {
			caps.merge(ts.rewriteCaps(objectType, rel, child, visited))
		}
	case *openfgav1.Userset_Intersection:
		caps.UsesIntersection = true
		for _, child := range rw.Intersection.GetChild() {
			caps.merge(ts.rewriteCaps(objectType, rel, child, visited))
		}
	case *openfgav1.Userset_Difference:
		caps.UsesExclusion = true
		caps.merge(ts.rewriteCaps(objectType, rel, rw.Difference.GetBase(), visited))
		caps.merge(ts.rewriteCaps(objectType, rel, rw.Difference.GetSubtract(), visited))
	}
	return caps
}
