package check

import (
	"context"
	"fmt"
	"sync"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/typesystem"
)

var tracer = otel.Tracer("clove/check")

// Resolution limits. MaxDepth bounds goal-to-goal hops, not rewrite
// nesting within one relation; Concurrency bounds the goroutines one
// request may fan out across its sub-expansions.
const (
	DefaultMaxDepth    = 25
	DefaultConcurrency = 32
)

// Checker resolves membership questions against a typesystem and a
// tuple reader. One Checker serves many concurrent requests; per-request
// state (memo, read cache, concurrency budget) lives in the resolution
// run.
type Checker struct {
	maxDepth    int
	concurrency int64
	logger      *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithMaxDepth bounds goal resolution depth.
func WithMaxDepth(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithConcurrency bounds the goroutines a single request fans out.
// When the budget is spent, sub-checks run inline on the requesting
// goroutine instead of queueing.
func WithConcurrency(n int64) Option {
	return func(c *Checker) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// NewChecker builds a Checker with the default limits.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		maxDepth:    DefaultMaxDepth,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one membership question: is Key.Subject related to
// Key.Object through Key.Relation under the given typesystem?
type Request struct {
	Typesystem *typesystem.Typesystem
	Reader     Reader
	Key        core.TupleKey
	Trace      bool
}

// Response carries the decision. Trace is populated only when the
// request asked for it.
type Response struct {
	Allowed bool
	Trace   *Trace
}

// Check resolves a single membership question. Denied membership is not
// an error; errors mean the question could not be answered (unknown
// type or relation, depth exhausted, storage failure, cancellation).
func (c *Checker) Check(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "check.Check")
	defer span.End()

	r := c.newRun(req.Typesystem, req.Reader, req.Trace)
	res := r.resolveGoal(ctx, req.Key, c.maxDepth, nil)
	if res.Err != nil {
		return nil, res.Err
	}
	c.logger.Debug("check resolved",
		zap.String("key", req.Key.String()),
		zap.Bool("allowed", res.Allowed))
	return &Response{Allowed: res.Allowed, Trace: res.Trace}, nil
}

func (c *Checker) newRun(ts *typesystem.Typesystem, reader Reader, traceOn bool) *run {
	return &run{
		checker: c,
		ts:      ts,
		reader:  reader,
		memo:    newMemo(),
		sem:     semaphore.NewWeighted(c.concurrency),
		reads:   map[string][]core.Tuple{},
		traceOn: traceOn,
	}
}

// result is the outcome of one goal or rewrite evaluation. The reducers
// collect consumed child traces into traces for the caller to wrap into
// a parent node. cycled marks a derivation that cut a revisit of an
// ancestor goal; such an outcome holds only on its own branch.
type result struct {
	Allowed bool
	Err     error
	Trace   *Trace
	traces  []*Trace
	cycled  bool
}

// childTraces returns the traces a reducer consumed, or the single
// trace of a plain evaluation.
func childTraces(res result) []*Trace {
	if len(res.traces) > 0 {
		return res.traces
	}
	if res.Trace != nil {
		return []*Trace{res.Trace}
	}
	return nil
}

// reduceable produces its result on the channel, allowing the reducers
// to consume child outcomes as they arrive.
type reduceable func(ctx context.Context, out chan<- result)

// run is the state of one resolution request: the memo of resolved
// goals, the cache of tuple reads, and the concurrency budget shared by
// every sub-expansion the request spawns. List resolutions reuse one
// run across their confirmation checks so the memo accumulates.
type run struct {
	checker *Checker
	ts      *typesystem.Typesystem
	reader  Reader
	memo    *memo
	sem     *semaphore.Weighted
	traceOn bool

	readsMu sync.Mutex
	reads   map[string][]core.Tuple
}

// path is the set of goals on the current resolution branch. Each
// descent clones it, so sibling branches never observe each other.
type path map[string]struct{}

func (p path) with(key string) path {
	np := make(path, len(p)+1)
	for k := range p {
		np[k] = struct{}{}
	}
	np[key] = struct{}{}
	return np
}

func (p path) contains(key string) bool {
	_, ok := p[key]
	return ok
}

func (r *run) trace(goal, kind string, allowed bool, children ...*Trace) *Trace {
	if !r.traceOn {
		return nil
	}
	return newTrace(goal, kind, allowed, children...)
}

// tuplesFor reads the object's tuples for a relation once per request.
// Concurrent first reads may race and fetch twice; both fetch the same
// snapshot, and only successful reads are retained.
func (r *run) tuplesFor(ctx context.Context, object core.Object, relation core.Relation) ([]core.Tuple, error) {
	key := object.String() + "#" + string(relation)
	r.readsMu.Lock()
	tuples, ok := r.reads[key]
	r.readsMu.Unlock()
	if ok {
		return tuples, nil
	}

	it, err := r.reader.FindByObject(ctx, object, relation)
	if err != nil {
		return nil, err
	}
	tuples, err = storage.Drain(ctx, it)
	if err != nil {
		return nil, err
	}
	r.readsMu.Lock()
	r.reads[key] = tuples
	r.readsMu.Unlock()
	return tuples, nil
}

// resolveGoal answers object#relation@subject. Revisiting a goal already
// on this branch resolves to false; the depth limit catches chains that
// grow through fresh goals.
func (r *run) resolveGoal(ctx context.Context, goal core.TupleKey, depth int, seen path) result {
	if err := ctx.Err(); err != nil {
		return result{Err: err}
	}
	if depth <= 0 {
		return result{Err: fmt.Errorf("%w: limit %d", core.ErrDepthExceeded, r.checker.maxDepth)}
	}

	key := goal.String()

	// A userset is trivially a member of itself.
	if goal.Subject.IsUserset() && goal.Subject.Object == goal.Object && goal.Subject.Relation == goal.Relation {
		return result{Allowed: true, Trace: r.trace(key, TraceDirect, true)}
	}
	// A revisit resolves to false only on this branch; another path may
	// still prove the goal.
	if seen.contains(key) {
		return result{Allowed: false, Trace: r.trace(key, TraceCycle, false), cycled: true}
	}
	if allowed, ok := r.memo.get(key); ok {
		return result{Allowed: allowed, Trace: r.trace(key, TraceMemo, allowed)}
	}

	rewrite, err := r.ts.GetRelation(string(goal.Object.Type), string(goal.Relation))
	if err != nil {
		return result{Err: err}
	}

	res := r.resolveRewrite(ctx, goal, rewrite, depth, seen.with(key))
	// A cycled outcome depends on which ancestors this branch assumed
	// false, so it is not shared. A fresh-path evaluation is the goal's
	// real answer even when it cut internally.
	if res.Err == nil && (!res.cycled || len(seen) == 0) {
		r.memo.set(key, res.Allowed)
	}
	return res
}

func (r *run) resolveRewrite(ctx context.Context, goal core.TupleKey, rewrite *openfgav1.Userset, depth int, seen path) result {
	switch rw := rewrite.GetUserset().(type) {
	case *openfgav1.Userset_This:
		return r.resolveDirect(ctx, goal, depth, seen)
	case *openfgav1.Userset_ComputedUserset:
		child := r.resolveGoal(ctx, core.TupleKey{
			Object:   goal.Object,
			Relation: core.Relation(rw.ComputedUserset.GetRelation()),
			Subject:  goal.Subject,
		}, depth-1, seen)
		if child.Err != nil {
			return child
		}
		return result{
			Allowed: child.Allowed,
			Trace:   r.trace(goal.String(), TraceComputed, child.Allowed, child.Trace),
			cycled:  child.cycled,
		}
	case *openfgav1.Userset_TupleToUserset:
		return r.resolveTTU(ctx, goal, rw.TupleToUserset, depth, seen)
	case *openfgav1.Userset_Union:
		return r.resolveSetOp(ctx, goal, rw.Union.GetChild(), depth, seen, TraceUnion, r.any)
	case *openfgav1.Userset_Intersection:
		return r.resolveSetOp(ctx, goal, rw.Intersection.GetChild(), depth, seen, TraceIntersection, r.all)
	case *openfgav1.Userset_Difference:
		return r.resolveDifference(ctx, goal, rw.Difference, depth, seen)
	}
	return result{Allowed: false}
}

// resolveDirect scans the goal object's tuples for the relation. An
// exact subject match, or a typed wildcard covering a plain subject,
// decides immediately; userset subjects become sub-goals resolved
// concurrently. A userset referencing a relation the model does not
// define cannot grant anything and is skipped with a warning.
func (r *run) resolveDirect(ctx context.Context, goal core.TupleKey, depth int, seen path) result {
	tuples, err := r.tuplesFor(ctx, goal.Object, goal.Relation)
	if err != nil {
		return result{Err: err}
	}

	var subgoals []reduceable
	for _, t := range tuples {
		subj := t.Key.Subject
		if subj == goal.Subject {
			return result{Allowed: true, Trace: r.trace(goal.String(), TraceDirect, true)}
		}
		if subj.IsWildcard() && subj.Object.Type == goal.Subject.Object.Type &&
			!goal.Subject.IsUserset() && !goal.Subject.IsWildcard() {
			return result{Allowed: true, Trace: r.trace(goal.String(), TraceDirect, true)}
		}
		if subj.IsUserset() {
			if _, err := r.ts.GetRelation(string(subj.Object.Type), string(subj.Relation)); err != nil {
				r.checker.logger.Warn("tuple references unknown relation",
					zap.String("tuple", t.Key.String()),
					zap.String("subject", subj.String()))
				continue
			}
			subgoals = append(subgoals, r.goalFunc(core.TupleKey{
				Object:   subj.Object,
				Relation: subj.Relation,
				Subject:  goal.Subject,
			}, depth-1, seen))
		}
	}

	res := r.any(ctx, subgoals)
	if res.Err != nil {
		return res
	}
	return result{
		Allowed: res.Allowed,
		Trace:   r.trace(goal.String(), TraceDirect, res.Allowed, childTraces(res)...),
		cycled:  res.cycled,
	}
}

// resolveTTU follows the tupleset to parent objects and asks the
// computed relation on each. Parents whose type does not define the
// computed relation contribute nothing.
func (r *run) resolveTTU(ctx context.Context, goal core.TupleKey, ttu *openfgav1.TupleToUserset, depth int, seen path) result {
	tupleset := core.Relation(ttu.GetTupleset().GetRelation())
	computed := core.Relation(ttu.GetComputedUserset().GetRelation())

	tuples, err := r.tuplesFor(ctx, goal.Object, tupleset)
	if err != nil {
		return result{Err: err}
	}

	var subgoals []reduceable
	for _, t := range tuples {
		parent := t.Key.Subject
		if parent.IsUserset() || parent.IsWildcard() {
			continue
		}
		if _, err := r.ts.GetRelation(string(parent.Object.Type), string(computed)); err != nil {
			continue
		}
		subgoals = append(subgoals, r.goalFunc(core.TupleKey{
			Object:   parent.Object,
			Relation: computed,
			Subject:  goal.Subject,
		}, depth-1, seen))
	}

	res := r.any(ctx, subgoals)
	if res.Err != nil {
		return res
	}
	return result{
		Allowed: res.Allowed,
		Trace:   r.trace(goal.String(), TraceTTU, res.Allowed, childTraces(res)...),
		cycled:  res.cycled,
	}
}

func (r *run) resolveSetOp(ctx context.Context, goal core.TupleKey, children []*openfgav1.Userset, depth int, seen path, kind string, reduce func(context.Context, []reduceable) result) result {
	fns := make([]reduceable, len(children))
	for i, child := range children {
		fns[i] = r.rewriteFunc(goal, child, depth, seen)
	}
	res := reduce(ctx, fns)
	if res.Err != nil {
		return res
	}
	return result{
		Allowed: res.Allowed,
		Trace:   r.trace(goal.String(), kind, res.Allowed, childTraces(res)...),
		cycled:  res.cycled,
	}
}

// resolveDifference evaluates base minus subtract, running both sides
// concurrently. A false base or a true subtract each decide on their
// own; the combined result reflects both.
func (r *run) resolveDifference(ctx context.Context, goal core.TupleKey, diff *openfgav1.Difference, depth int, seen path) result {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	baseCh := make(chan result, 1)
	subCh := make(chan result, 1)
	r.spawn(childCtx, r.rewriteFunc(goal, diff.GetBase(), depth, seen), baseCh)
	r.spawn(childCtx, r.rewriteFunc(goal, diff.GetSubtract(), depth, seen), subCh)

	var traces []*Trace
	var cycled bool
	for i := 0; i < 2; i++ {
		select {
		case base := <-baseCh:
			if base.Err != nil {
				return base
			}
			if !base.Allowed {
				return result{
					Allowed: false,
					Trace:   r.trace(goal.String(), TraceDifference, false, base.Trace),
					cycled:  base.cycled,
				}
			}
			traces = append(traces, base.Trace)
			cycled = cycled || base.cycled
		case sub := <-subCh:
			if sub.Err != nil {
				return sub
			}
			if sub.Allowed {
				return result{
					Allowed: false,
					Trace:   r.trace(goal.String(), TraceDifference, false, sub.Trace),
					cycled:  sub.cycled,
				}
			}
			traces = append(traces, sub.Trace)
			cycled = cycled || sub.cycled
		case <-ctx.Done():
			return result{Err: ctx.Err()}
		}
	}
	return result{Allowed: true, Trace: r.trace(goal.String(), TraceDifference, true, traces...), cycled: cycled}
}

func (r *run) goalFunc(goal core.TupleKey, depth int, seen path) reduceable {
	return func(ctx context.Context, out chan<- result) {
		out <- r.resolveGoal(ctx, goal, depth, seen)
	}
}

func (r *run) rewriteFunc(goal core.TupleKey, rewrite *openfgav1.Userset, depth int, seen path) reduceable {
	return func(ctx context.Context, out chan<- result) {
		out <- r.resolveRewrite(ctx, goal, rewrite, depth, seen)
	}
}

// spawn runs fn on its own goroutine when a concurrency permit is free
// and inline otherwise. Either way the result arrives on out, which must
// be buffered for every spawned fn.
func (r *run) spawn(ctx context.Context, fn reduceable, out chan<- result) {
	if r.sem.TryAcquire(1) {
		go func() {
			defer r.sem.Release(1)
			fn(ctx, out)
		}()
		return
	}
	fn(ctx, out)
}

// any resolves to true as soon as one child does, cancelling the rest.
// Child errors are held back while other children might still win; the
// first error surfaces only if nothing allowed.
func (r *run) any(ctx context.Context, fns []reduceable) result {
	if len(fns) == 0 {
		return result{Allowed: false}
	}
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan result, len(fns))
	for _, fn := range fns {
		r.spawn(childCtx, fn, out)
	}

	var traces []*Trace
	var firstErr error
	var cycled bool
	for i := 0; i < len(fns); i++ {
		select {
		case res := <-out:
			if res.Err == nil && res.Allowed {
				res.traces = append(traces, res.Trace)
				return res
			}
			if res.Err != nil && firstErr == nil {
				firstErr = res.Err
			}
			traces = append(traces, res.Trace)
			cycled = cycled || res.cycled
		case <-ctx.Done():
			return result{Err: ctx.Err()}
		}
	}
	if firstErr != nil {
		return result{Err: firstErr}
	}
	return result{Allowed: false, traces: traces, cycled: cycled}
}

// all resolves to false as soon as one child does; errors abort
// immediately since every child must be proven.
func (r *run) all(ctx context.Context, fns []reduceable) result {
	if len(fns) == 0 {
		return result{Allowed: false}
	}
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan result, len(fns))
	for _, fn := range fns {
		r.spawn(childCtx, fn, out)
	}

	var traces []*Trace
	var cycled bool
	for i := 0; i < len(fns); i++ {
		select {
		case res := <-out:
			if res.Err != nil {
				return res
			}
			if !res.Allowed {
				res.traces = append(traces, res.Trace)
				return res
			}
			traces = append(traces, res.Trace)
			cycled = cycled || res.cycled
		case <-ctx.Done():
			return result{Err: ctx.Err()}
		}
	}
	return result{Allowed: true, traces: traces, cycled: cycled}
}
