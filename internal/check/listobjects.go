package check

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/typesystem"
)

// confirmConcurrency bounds the parallel confirmation checks a list
// resolution runs over its candidate window.
const confirmConcurrency = 8

// ListObjectsRequest asks which objects of a type the user holds a
// relation on. MaxResults caps the total result set (zero means
// unlimited); Confirm forces the confirmation pass even for relations
// whose capabilities would not require it.
type ListObjectsRequest struct {
	Typesystem *typesystem.Typesystem
	Reader     Reader
	ObjectType core.ObjectType
	Relation   core.Relation
	User       core.Subject
	Page       storage.PageRequest
	MaxResults int
	Confirm    bool
}

// ListObjectsResponse is one page of object ids, sorted ascending.
// NextPageToken is empty on the last page. Truncated reports that the
// result set was cut at the request's MaxResults.
type ListObjectsResponse struct {
	ObjectIDs     []string
	NextPageToken string
	Truncated     bool
}

// ListObjects resolves the reverse index: every object id of the
// requested type for which a check of (user, relation, object) would
// allow. Candidates come from a fixpoint over the relation's
// reachability graph; when the relation involves intersection,
// exclusion or wildcards the graph over-approximates, and the page
// window is confirmed check by check before being returned.
func (c *Checker) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	ctx, span := tracer.Start(ctx, "check.ListObjects")
	defer span.End()

	page, err := req.Page.Normalize()
	if err != nil {
		return nil, err
	}
	lastKey, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}

	graph, err := req.Typesystem.ReachabilityGraph(string(req.ObjectType), string(req.Relation))
	if err != nil {
		return nil, err
	}

	f := &fixpoint{
		run:   c.newRun(req.Typesystem, req.Reader, false),
		graph: graph,
		user:  req.User,
		found: map[typesystem.Goal]map[string]struct{}{},
	}
	if err := f.resolve(ctx); err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(f.found[graph.Target]))
	for id := range f.found[graph.Target] {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)

	// The cap applies to the whole sorted set before the page window, so
	// every page of one listing sees the same truncation point.
	var truncated bool
	if req.MaxResults > 0 && len(candidates) > req.MaxResults {
		candidates = candidates[:req.MaxResults]
		truncated = true
	}

	if lastKey != "" {
		idx := sort.SearchStrings(candidates, lastKey)
		if idx < len(candidates) && candidates[idx] == lastKey {
			idx++
		}
		candidates = candidates[idx:]
	}

	var next string
	if len(candidates) > page.Size {
		candidates = candidates[:page.Size]
		next = storage.EncodeContinuation(candidates[len(candidates)-1])
	}

	confirm := req.Confirm
	if !confirm {
		caps, err := req.Typesystem.Capabilities(string(req.ObjectType), string(req.Relation))
		if err != nil {
			return nil, err
		}
		confirm = caps.NeedsConfirmation()
	}
	if confirm {
		candidates, err = f.confirm(ctx, req, candidates)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("list objects resolved",
		zap.String("type", string(req.ObjectType)),
		zap.String("relation", string(req.Relation)),
		zap.String("user", req.User.String()),
		zap.Int("objects", len(candidates)))
	return &ListObjectsResponse{ObjectIDs: candidates, NextPageToken: next, Truncated: truncated}, nil
}

// outEdge points from a source goal to the goal its objects flow into.
type outEdge struct {
	to               typesystem.Goal
	kind             typesystem.ReachEdgeKind
	tuplesetRelation string
}

// workItem is one newly discovered object of a goal, pending
// propagation along the goal's out-edges.
type workItem struct {
	goal typesystem.Goal
	id   string
}

// fixpoint discovers the objects of every goal in a reachability graph.
// Seeds come from direct tuple scans on the user; discovered objects
// propagate along edges until nothing new appears. The found sets guard
// the worklist, so tuple cycles terminate on their own.
type fixpoint struct {
	run   *run
	graph *typesystem.ReachabilityGraph
	user  core.Subject
	found map[typesystem.Goal]map[string]struct{}
	work  []workItem
}

func (f *fixpoint) resolve(ctx context.Context) error {
	out := map[typesystem.Goal][]outEdge{}
	for goal, node := range f.graph.Nodes {
		for _, e := range node.Edges {
			out[e.From] = append(out[e.From], outEdge{
				to:               goal,
				kind:             e.Kind,
				tuplesetRelation: e.TuplesetRelation,
			})
		}
	}

	if err := f.seed(ctx); err != nil {
		return err
	}
	for len(f.work) > 0 {
		item := f.work[len(f.work)-1]
		f.work = f.work[:len(f.work)-1]
		for _, edge := range out[item.goal] {
			if err := f.follow(ctx, item, edge); err != nil {
				return err
			}
		}
	}
	return nil
}

// seed scans direct tuples for the user on every goal whose relation
// admits them, plus wildcard tuples covering the user's type. A userset
// user additionally seeds its own goal: group:eng#member is a member of
// itself, so object eng belongs to goal group#member.
func (f *fixpoint) seed(ctx context.Context) error {
	ts := f.run.ts
	for goal, node := range f.graph.Nodes {
		if f.user.IsUserset() && goal.Type == string(f.user.Object.Type) && goal.Relation == string(f.user.Relation) {
			f.add(goal, f.user.Object.ID)
		}
		if !node.This {
			continue
		}
		allowed, err := ts.AllowsDirect(goal.Type, goal.Relation, f.user)
		if err != nil {
			return err
		}
		if allowed {
			if err := f.scan(ctx, f.user, goal, goal); err != nil {
				return err
			}
		}
		if !f.user.IsUserset() && !f.user.IsWildcard() {
			for _, r := range node.Restrictions {
				if r.Wildcard && r.Type == string(f.user.Object.Type) {
					wildcard := core.Subject{Object: core.Object{Type: f.user.Object.Type, ID: core.Wildcard}}
					if err := f.scan(ctx, wildcard, goal, goal); err != nil {
						return err
					}
					break
				}
			}
		}
	}
	return nil
}

// follow propagates one discovered object along one edge.
func (f *fixpoint) follow(ctx context.Context, item workItem, edge outEdge) error {
	switch edge.kind {
	case typesystem.EdgeComputed:
		f.add(edge.to, item.id)
		return nil
	case typesystem.EdgeUserset:
		subject := core.Subject{
			Object:   core.Object{Type: core.ObjectType(item.goal.Type), ID: item.id},
			Relation: core.Relation(item.goal.Relation),
		}
		return f.scan(ctx, subject, edge.to, edge.to)
	case typesystem.EdgeTTU:
		subject := core.Subject{
			Object: core.Object{Type: core.ObjectType(item.goal.Type), ID: item.id},
		}
		scanGoal := typesystem.Goal{Type: edge.to.Type, Relation: edge.tuplesetRelation}
		return f.scan(ctx, subject, scanGoal, edge.to)
	}
	return nil
}

// scan reads tuples with the given subject on (scanGoal.Type,
// scanGoal.Relation) and adds each matched object to dest.
func (f *fixpoint) scan(ctx context.Context, subject core.Subject, scanGoal, dest typesystem.Goal) error {
	it, err := f.run.reader.FindByUser(ctx, subject, core.Relation(scanGoal.Relation), core.ObjectType(scanGoal.Type))
	if err != nil {
		return err
	}
	tuples, err := storage.Drain(ctx, it)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		f.add(dest, t.Key.Object.ID)
	}
	return nil
}

func (f *fixpoint) add(goal typesystem.Goal, id string) {
	ids, ok := f.found[goal]
	if !ok {
		ids = map[string]struct{}{}
		f.found[goal] = ids
	}
	if _, ok := ids[id]; ok {
		return
	}
	ids[id] = struct{}{}
	f.work = append(f.work, workItem{goal: goal, id: id})
}

// confirm re-checks each candidate through the full resolver and keeps
// the allowed ones, preserving order. The checks share the fixpoint's
// run, so goals proven once stay proven across candidates.
func (f *fixpoint) confirm(ctx context.Context, req ListObjectsRequest, candidates []string) ([]string, error) {
	allowed := make([]bool, len(candidates))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(confirmConcurrency).WithCancelOnError()
	for i, id := range candidates {
		p.Go(func(ctx context.Context) error {
			res := f.run.resolveGoal(ctx, core.TupleKey{
				Object:   core.Object{Type: req.ObjectType, ID: id},
				Relation: req.Relation,
				Subject:  req.User,
			}, f.run.checker.maxDepth, nil)
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
	for i, id := range candidates {
		if allowed[i] {
			confirmed = append(confirmed, id)
		}
	}
	return confirmed, nil
}
