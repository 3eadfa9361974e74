package typesystem

import (
	"fmt"
	"sort"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"
)

// Severity classifies a diagnostic. Errors reject the model; warnings
// are stored alongside it.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Code identifies the kind of problem a diagnostic reports.
type Code string

const (
	// Errors.
	CodeSyntaxError        Code = "SyntaxError"
	CodeUnknownType        Code = "UnknownType"
	CodeUnknownRelation    Code = "UnknownRelation"
	CodeSelfCycle          Code = "SelfCycle"
	CodeDisallowedUserType Code = "DisallowedUserType"

	// Warnings.
	CodeUnreachableRelation Code = "UnreachableRelation"
	CodeShadowedWildcard    Code = "ShadowedWildcard"
)

// Diagnostic is one validation finding, tied to the relation that
// produced it. Line and Column are set only for syntax errors, where
// the parser knows the source position.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Type     string   `json:"type,omitempty"`
	Relation string   `json:"relation,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	loc := d.Type
	if d.Relation != "" {
		loc += "#" + d.Relation
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %s", d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("%s %s at %s: %s", d.Severity, d.Code, loc, d.Message)
}

// HasErrors reports whether any diagnostic in the slice is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate runs every model-level check and returns the findings sorted
// by type, relation and code. An empty slice means the model is clean.
func (ts *Typesystem) Validate() []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, ts.checkReferences()...)
	diags = append(diags, ts.checkAssignability()...)
	diags = append(diags, ts.checkCycles()...)
	diags = append(diags, ts.checkShadowedWildcards()...)
	diags = append(diags, ts.checkUnreachable()...)
	sort.Slice(diags, func(i, j int) bool {
		if diags[i].Type != diags[j].Type {
			return diags[i].Type < diags[j].Type
		}
		if diags[i].Relation != diags[j].Relation {
			return diags[i].Relation < diags[j].Relation
		}
		return diags[i].Code < diags[j].Code
	})
	return diags
}

// checkReferences verifies that every type and relation mentioned by a
// rewrite or a direct restriction is declared somewhere in the model.
func (ts *Typesystem) checkReferences() []Diagnostic {
	var diags []Diagnostic
	report := func(code Code, typeName, relName, format string, args ...any) {
		diags = append(diags, Diagnostic{
			Severity: SeverityError,
			Code:     code,
			Type:     typeName,
			Relation: relName,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	for typeName, t := range ts.types {
		for relName, rel := range t.relations {
			for _, r := range rel.direct {
				target, ok := ts.types[r.Type]
				if !ok {
					report(CodeUnknownType, typeName, relName,
						"restriction %q references undeclared type %q", r.String(), r.Type)
					continue
				}
				if r.Relation != "" {
					if _, ok := target.relations[r.Relation]; !ok {
						report(CodeUnknownRelation, typeName, relName,
							"restriction %q references undeclared relation %q on type %q",
							r.String(), r.Relation, r.Type)
					}
				}
			}
			ts.walkRewrite(rel.rewrite, func(rw *openfgav1.Userset) {
				switch u := rw.GetUserset().(type) {
				case *openfgav1.Userset_ComputedUserset:
					ref := u.ComputedUserset.GetRelation()
					if _, ok := t.relations[ref]; !ok {
						report(CodeUnknownRelation, typeName, relName,
							"computed userset references undeclared relation %q on type %q", ref, typeName)
					}
				case *openfgav1.Userset_TupleToUserset:
					tupleset := u.TupleToUserset.GetTupleset().GetRelation()
					computed := u.TupleToUserset.GetComputedUserset().GetRelation()
					tsRel, ok := t.relations[tupleset]
					if !ok {
						report(CodeUnknownRelation, typeName, relName,
							"tupleset references undeclared relation %q on type %q", tupleset, typeName)
						return
					}
					for _, r := range tsRel.direct {
						parent, ok := ts.types[r.Type]
						if !ok {
							// Reported once as UnknownType on the tupleset relation itself.
							continue
						}
						if _, ok := parent.relations[computed]; !ok {
							report(CodeUnknownRelation, typeName, relName,
								"tuple-to-userset computed relation %q is not declared on parent type %q",
								computed, r.Type)
						}
					}
				}
			})
		}
	}
	return diags
}

// checkAssignability flags relations whose rewrite accepts direct tuples
// but whose restriction list is empty (nothing could ever be written),
// and tupleset relations with userset or wildcard restrictions, which
// the tuple-to-userset hop cannot follow.
func (ts *Typesystem) checkAssignability() []Diagnostic {
	var diags []Diagnostic
	for typeName, t := range ts.types {
		for relName, rel := range t.relations {
			hasThis := false
			ts.walkRewrite(rel.rewrite, func(rw *openfgav1.Userset) {
				if _, ok := rw.GetUserset().(*openfgav1.Userset_This); ok {
					hasThis = true
				}
			})
			if hasThis && len(rel.direct) == 0 {
				diags = append(diags, Diagnostic{
					Severity: SeverityError,
					Code:     CodeDisallowedUserType,
					Type:     typeName,
					Relation: relName,
					Message:  "relation accepts direct tuples but declares no allowed subject types",
				})
			}
			ts.walkRewrite(rel.rewrite, func(rw *openfgav1.Userset) {
				u, ok := rw.GetUserset().(*openfgav1.Userset_TupleToUserset)
				if !ok {
					return
				}
				tupleset := u.TupleToUserset.GetTupleset().GetRelation()
				tsRel, ok := t.relations[tupleset]
				if !ok {
					return
				}
				for _, r := range tsRel.direct {
					if r.Relation != "" || r.Wildcard {
						diags = append(diags, Diagnostic{
							Severity: SeverityError,
							Code:     CodeDisallowedUserType,
							Type:     typeName,
							Relation: relName,
							Message: fmt.Sprintf(
								"tupleset relation %q allows subject %q; tupleset subjects must be plain objects",
								tupleset, r.String()),
						})
					}
				}
			})
		}
	}
	return diags
}

// Colors for the cycle walk.
type color int

const (
	white color = iota // not visited
	gray               // on the current path
	black              // fully explored
)

// checkCycles detects relations defined in terms of themselves through
// computed usersets. Only rewrite edges count: tuple-mediated recursion
// (userset subjects, tuple-to-userset) is legal and bounded at runtime
// by the resolver's depth limit.
func (ts *Typesystem) checkCycles() []Diagnostic {
	var diags []Diagnostic
	for typeName, t := range ts.types {
		colors := make(map[string]color, len(t.relations))
		var visit func(relName string, path []string) bool
		visit = func(relName string, path []string) bool {
			switch colors[relName] {
			case gray:
				diags = append(diags, Diagnostic{
					Severity: SeverityError,
					Code:     CodeSelfCycle,
					Type:     typeName,
					Relation: relName,
					Message:  fmt.Sprintf("relation is defined in terms of itself: %s", cyclePath(path, relName)),
				})
				return true
			case black:
				return false
			}
			colors[relName] = gray
			rel := t.relations[relName]
			ts.walkRewrite(rel.rewrite, func(rw *openfgav1.Userset) {
				if u, ok := rw.GetUserset().(*openfgav1.Userset_ComputedUserset); ok {
					ref := u.ComputedUserset.GetRelation()
					if _, declared := t.relations[ref]; declared {
						visit(ref, append(path, relName))
					}
				}
			})
			colors[relName] = black
			return false
		}
		for _, relName := range sortedRelationNames(t) {
			if colors[relName] == white {
				visit(relName, nil)
			}
		}
	}
	return diags
}

func cyclePath(path []string, last string) string {
	// Trim the lead-in so the message shows only the loop itself.
	start := 0
	for i, name := range path {
		if name == last {
			start = i
			break
		}
	}
	out := ""
	for _, name := range path[start:] {
		out += name + " -> "
	}
	return out + last
}

// checkShadowedWildcards warns when a relation allows both a typed
// wildcard and the same plain type. Every member of the plain type is
// already covered by the wildcard, so the narrower entry is redundant.
func (ts *Typesystem) checkShadowedWildcards() []Diagnostic {
	var diags []Diagnostic
	for typeName, t := range ts.types {
		for relName, rel := range t.relations {
			wildcards := make(map[string]bool)
			for _, r := range rel.direct {
				if r.Wildcard {
					wildcards[r.Type] = true
				}
			}
			for _, r := range rel.direct {
				if !r.Wildcard && r.Relation == "" && wildcards[r.Type] {
					diags = append(diags, Diagnostic{
						Severity: SeverityWarning,
						Code:     CodeShadowedWildcard,
						Type:     typeName,
						Relation: relName,
						Message:  fmt.Sprintf("restriction %q is shadowed by %s:*", r.Type, r.Type),
					})
				}
			}
		}
	}
	return diags
}

// checkUnreachable warns about relations no chain of tuples can ever
// satisfy. Satisfiability is a fixpoint: a relation is satisfiable if it
// admits a plain or wildcard subject directly, a satisfiable userset
// subject, or a rewrite path into a satisfiable relation. A membership
// relation whose only allowed subjects are other memberships of the same
// kind, for example, has no base case and can never hold anyone.
func (ts *Typesystem) checkUnreachable() []Diagnostic {
	satisfiable := make(map[string]bool)

	relSatisfiable := func(objectType, relation string) bool {
		return satisfiable[objectType+"#"+relation]
	}
	var rewriteSatisfiable func(typeName string, rel *relationDef, rewrite *openfgav1.Userset) bool
	rewriteSatisfiable = func(typeName string, rel *relationDef, rewrite *openfgav1.Userset) bool {
		switch u := rewrite.GetUserset().(type) {
		case *openfgav1.Userset_This:
			for _, r := range rel.direct {
				if r.Relation == "" || relSatisfiable(r.Type, r.Relation) {
					return true
				}
			}
			return false
		case *openfgav1.Userset_ComputedUserset:
			return relSatisfiable(typeName, u.ComputedUserset.GetRelation())
		case *openfgav1.Userset_TupleToUserset:
			tupleset := u.TupleToUserset.GetTupleset().GetRelation()
			computed := u.TupleToUserset.GetComputedUserset().GetRelation()
			tsRel, ok := ts.types[typeName].relations[tupleset]
			if !ok {
				return false
			}
			for _, r := range tsRel.direct {
				if relSatisfiable(r.Type, computed) {
					return true
				}
			}
			return false
		case *openfgav1.Userset_Union:
			for _, child := range u.Union.GetChild() {
				if rewriteSatisfiable(typeName, rel, child) {
					return true
				}
			}
			return false
		case *openfgav1.Userset_Intersection:
			for _, child := range u.Intersection.GetChild() {
				if !rewriteSatisfiable(typeName, rel, child) {
					return false
				}
			}
			return len(u.Intersection.GetChild()) > 0
		case *openfgav1.Userset_Difference:
			return rewriteSatisfiable(typeName, rel, u.Difference.GetBase())
		}
		return false
	}

	for changed := true; changed; {
		changed = false
		for typeName, t := range ts.types {
			for relName, rel := range t.relations {
				key := typeName + "#" + relName
				if satisfiable[key] {
					continue
				}
				if rewriteSatisfiable(typeName, rel, rel.rewrite) {
					satisfiable[key] = true
					changed = true
				}
			}
		}
	}

	var diags []Diagnostic
	for typeName, t := range ts.types {
		for relName, rel := range t.relations {
			if satisfiable[typeName+"#"+relName] {
				continue
			}
			// Referencing unknown types or relations already produces an
			// error; the warning would only repeat it.
			if ts.hasReferenceErrors(typeName, relName, rel) {
				continue
			}
			diags = append(diags, Diagnostic{
				Severity: SeverityWarning,
				Code:     CodeUnreachableRelation,
				Type:     typeName,
				Relation: relName,
				Message:  "no chain of tuples can ever satisfy this relation",
			})
		}
	}
	return diags
}

// hasReferenceErrors reports whether the relation mentions an undeclared
// type or relation, or accepts direct tuples with no allowed subject
// types. Those cases carry their own error diagnostics.
func (ts *Typesystem) hasReferenceErrors(typeName, relName string, rel *relationDef) bool {
	broken := false
	for _, r := range rel.direct {
		target, ok := ts.types[r.Type]
		if !ok {
			return true
		}
		if r.Relation != "" {
			if _, ok := target.relations[r.Relation]; !ok {
				return true
			}
		}
	}
	t := ts.types[typeName]
	ts.walkRewrite(rel.rewrite, func(rw *openfgav1.Userset) {
		switch u := rw.GetUserset().(type) {
		case *openfgav1.Userset_This:
			if len(rel.direct) == 0 {
				broken = true
			}
		case *openfgav1.Userset_ComputedUserset:
			if _, ok := t.relations[u.ComputedUserset.GetRelation()]; !ok {
				broken = true
			}
		case *openfgav1.Userset_TupleToUserset:
			tupleset := u.TupleToUserset.GetTupleset().GetRelation()
			computed := u.TupleToUserset.GetComputedUserset().GetRelation()
			tsRel, ok := t.relations[tupleset]
			if !ok {
				broken = true
				return
			}
			for _, r := range tsRel.direct {
				parent, ok := ts.types[r.Type]
				if !ok {
					broken = true
					continue
				}
				if _, ok := parent.relations[computed]; !ok {
					broken = true
				}
			}
		}
	})
	return broken
}

// walkRewrite visits every userset node of a rewrite tree, including
// set-operation children.
func (ts *Typesystem) walkRewrite(rewrite *openfgav1.Userset, fn func(*openfgav1.Userset)) {
	if rewrite == nil {
		return
	}
	fn(rewrite)
	switch u := rewrite.GetUserset().(type) {
	case *openfgav1.Userset_Union:
		for _, child := range u.Union.GetChild() {
			ts.walkRewrite(child, fn)
		}
	case *openfgav1.Userset_Intersection:
		for _, child := range u.Intersection.GetChild() {
			ts.walkRewrite(child, fn)
		}
	case *openfgav1.Userset_Difference:
		ts.walkRewrite(u.Difference.GetBase(), fn)
		ts.walkRewrite(u.Difference.GetSubtract(), fn)
	}
}

func sortedRelationNames(t *typeDef) []string {
	names := make([]string, 0, len(t.relations))
	for name := range t.relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
