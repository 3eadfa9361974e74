package check

import (
	"context"
	"fmt"
	"sort"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/typesystem"
)

// ListUsersRequest asks which subjects hold a relation on an object.
// UserTypes narrows results to the given subject types; empty means
// every type. Confirm forces the confirmation pass even for relations
// whose capabilities would not require it.
type ListUsersRequest struct {
	Typesystem *typesystem.Typesystem
	Reader     Reader
	Object     core.Object
	Relation   core.Relation
	UserTypes  []core.ObjectType
	Page       storage.PageRequest
	Confirm    bool
}

// ListUsersResponse is one page of subjects, sorted by their canonical
// form. A stored wildcard surfaces as the wildcard subject ("user:*"),
// not as an enumeration of users. NextPageToken is empty on the last
// page.
type ListUsersResponse struct {
	Users         []core.Subject
	NextPageToken string
}

// ListUsers expands the object's relation outward into the subjects it
// reaches: direct subjects, members of userset subjects, and subjects
// inherited through parent objects. Like ListObjects, expansion follows
// only the first operand of an intersection and the base of an
// exclusion, and the page window is confirmed check by check when the
// relation involves intersection, exclusion or wildcards.
func (c *Checker) ListUsers(ctx context.Context, req ListUsersRequest) (*ListUsersResponse, error) {
	ctx, span := tracer.Start(ctx, "check.ListUsers")
	defer span.End()

	page, err := req.Page.Normalize()
	if err != nil {
		return nil, err
	}
	lastKey, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}
	if _, err := req.Typesystem.GetRelation(string(req.Object.Type), string(req.Relation)); err != nil {
		return nil, err
	}

	e := &expander{
		run:     c.newRun(req.Typesystem, req.Reader, false),
		found:   map[string]core.Subject{},
		visited: map[string]struct{}{},
	}
	if len(req.UserTypes) > 0 {
		e.filter = map[core.ObjectType]bool{}
		for _, t := range req.UserTypes {
			e.filter[t] = true
		}
	}
	if err := e.expandGoal(ctx, req.Object, req.Relation, c.maxDepth); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(e.found))
	for key := range e.found {
		if lastKey == "" || key > lastKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var next string
	if len(keys) > page.Size {
		keys = keys[:page.Size]
		next = storage.EncodeContinuation(keys[len(keys)-1])
	}

	candidates := make([]core.Subject, len(keys))
	for i, key := range keys {
		candidates[i] = e.found[key]
	}

	confirm := req.Confirm
	if !confirm {
		caps, err := req.Typesystem.Capabilities(string(req.Object.Type), string(req.Relation))
		if err != nil {
			return nil, err
		}
		confirm = caps.NeedsConfirmation()
	}
	if confirm {
		candidates, err = e.confirm(ctx, req, candidates)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("list users resolved",
		zap.String("object", req.Object.String()),
		zap.String("relation", string(req.Relation)),
		zap.Int("users", len(candidates)))
	return &ListUsersResponse{Users: candidates, NextPageToken: next}, nil
}

// expander walks a relation outward from one object, accumulating the
// subjects it reaches. The visited set cuts goals already being
// expanded, so tuple cycles terminate; the depth budget bounds fresh
// chains the same way check resolution does.
type expander struct {
	run     *run
	filter  map[core.ObjectType]bool
	found   map[string]core.Subject
	visited map[string]struct{}
}

func (e *expander) wants(t core.ObjectType) bool {
	return e.filter == nil || e.filter[t]
}

func (e *expander) add(s core.Subject) {
	if !e.wants(s.Object.Type) {
		return
	}
	e.found[s.String()] = s
}

func (e *expander) expandGoal(ctx context.Context, object core.Object, relation core.Relation, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth <= 0 {
		return fmt.Errorf("%w: limit %d", core.ErrDepthExceeded, e.run.checker.maxDepth)
	}
	key := object.String() + "#" + string(relation)
	if _, ok := e.visited[key]; ok {
		return nil
	}
	e.visited[key] = struct{}{}

	rewrite, err := e.run.ts.GetRelation(string(object.Type), string(relation))
	if err != nil {
		return err
	}
	return e.expandRewrite(ctx, object, relation, rewrite, depth)
}

func (e *expander) expandRewrite(ctx context.Context, object core.Object, relation core.Relation, rewrite *openfgav1.Userset, depth int) error {
	switch rw := rewrite.GetUserset().(type) {
	case *openfgav1.Userset_This:
		return e.expandDirect(ctx, object, relation, depth)
	case *openfgav1.Userset_ComputedUserset:
		return e.expandGoal(ctx, object, core.Relation(rw.ComputedUserset.GetRelation()), depth-1)
	case *openfgav1.Userset_TupleToUserset:
		return e.expandTTU(ctx, object, rw.TupleToUserset, depth)
	case *openfgav1.Userset_Union:
		for _, child := range rw.Union.GetChild() {
			if err := e.expandRewrite(ctx, object, relation, child, depth); err != nil {
				return err
			}
		}
		return nil
	case *openfgav1.Userset_Intersection:
		if children := rw.Intersection.GetChild(); len(children) > 0 {
			return e.expandRewrite(ctx, object, relation, children[0], depth)
		}
		return nil
	case *openfgav1.Userset_Difference:
		return e.expandRewrite(ctx, object, relation, rw.Difference.GetBase(), depth)
	}
	return nil
}

// expandDirect collects the object's direct subjects. Plain subjects
// and wildcards are results; userset subjects are expanded into their
// members. A userset referencing an unknown relation grants nothing and
// is skipped with a warning, mirroring check resolution.
func (e *expander) expandDirect(ctx context.Context, object core.Object, relation core.Relation, depth int) error {
	tuples, err := e.run.tuplesFor(ctx, object, relation)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		subj := t.Key.Subject
		if !subj.IsUserset() {
			e.add(subj)
			continue
		}
		if _, err := e.run.ts.GetRelation(string(subj.Object.Type), string(subj.Relation)); err != nil {
			e.run.checker.logger.Warn("tuple references unknown relation",
				zap.String("tuple", t.Key.String()),
				zap.String("subject", subj.String()))
			continue
		}
		if err := e.expandGoal(ctx, subj.Object, subj.Relation, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func (e *expander) expandTTU(ctx context.Context, object core.Object, ttu *openfgav1.TupleToUserset, depth int) error {
	tupleset := core.Relation(ttu.GetTupleset().GetRelation())
	computed := core.Relation(ttu.GetComputedUserset().GetRelation())

	tuples, err := e.run.tuplesFor(ctx, object, tupleset)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		parent := t.Key.Subject
		if parent.IsUserset() || parent.IsWildcard() {
			continue
		}
		if _, err := e.run.ts.GetRelation(string(parent.Object.Type), string(computed)); err != nil {
			continue
		}
		if err := e.expandGoal(ctx, parent.Object, computed, depth-1); err != nil {
			return err
		}
	}
	return nil
}

// confirm re-checks each candidate subject against the original goal,
// keeping the allowed ones in order. The checks share the expansion's
// run and memo.
func (e *expander) confirm(ctx context.Context, req ListUsersRequest, candidates []core.Subject) ([]core.Subject, error) {
	allowed := make([]bool, len(candidates))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(confirmConcurrency).WithCancelOnError()
	for i, subj := range candidates {
		p.Go(func(ctx context.Context) error {
			res := e.run.resolveGoal(ctx, core.TupleKey{
				Object:   req.Object,
				Relation: req.Relation,
				Subject:  subj,
			}, e.run.checker.maxDepth, nil)
			if res.Err != nil {
				return res.Err
			}
			allowed[i] = res.Allowed
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	confirmed := candidates[:0]
	for i, subj := range candidates {
		if allowed[i] {
			confirmed = append(confirmed, subj)
		}
	}
	return confirmed, nil
}
