package clove

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/cloveworks/clove/internal/check"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/typesystem"
)

// DefaultBatchMax caps keys per Write call and items per BatchCheck
// call unless overridden with WithBatchMax.
const DefaultBatchMax = 100

// Model is a stored authorization model version as the Checker reports
// it.
type Model = typesystem.Model

// ModelPage is one page of ListModels results, newest first.
type ModelPage = typesystem.ModelPage

// Diagnostic is one model validation finding.
type Diagnostic = typesystem.Diagnostic

// Diagnostic severities, re-exported for callers branching on
// validation output.
const (
	SeverityError   = typesystem.SeverityError
	SeverityWarning = typesystem.SeverityWarning
)

// Trace is the resolution tree of a traced check.
type Trace = check.Trace

// Checker is the entry point for everything clove does: relationship
// writes and reads, model management, permission checks and the
// reverse-index listings. It is safe for concurrent use; construct one
// per store and share it.
//
// Checks are evaluated in-process by expanding the active model's
// userset rewrites over the store's tuples, with bounded concurrency
// and per-request memoization.
type Checker struct {
	store  storage.Store
	models *typesystem.Repository
	engine *check.Checker

	cache              Cache
	decision           Decision
	useContextDecision bool
	maxDepth           int
	concurrency        int64
	batchMax           int
	listMaxResults     int
	confirmAlways      bool
	logger             *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithCache enables caching of check results. Entries are keyed by
// model version and bypassed whenever a request carries contextual
// tuples or a token newer than the cached entry observed.
func WithCache(c Cache) Option {
	return func(ch *Checker) { ch.cache = c }
}

// WithDecision sets a decision override that bypasses engine checks.
// Use DecisionAllow for admin tools or testing authorized paths,
// DecisionDeny for testing unauthorized paths. The override is set at
// construction time so the bypass is explicit in code.
func WithDecision(d Decision) Option {
	return func(ch *Checker) { ch.decision = d }
}

// WithContextDecision enables context-based decision overrides. When
// enabled, Check consults GetDecisionContext(ctx) before evaluating.
// Opt-in: a Checker ignores context overrides unless it was
// constructed to respect them.
func WithContextDecision() Option {
	return func(ch *Checker) { ch.useContextDecision = true }
}

// WithMaxDepth bounds resolution depth. The default is 25.
func WithMaxDepth(n int) Option {
	return func(ch *Checker) {
		if n > 0 {
			ch.maxDepth = n
		}
	}
}

// WithConcurrency bounds the goroutines a single check fans out across
// its sub-expansions. The default is 32.
func WithConcurrency(n int64) Option {
	return func(ch *Checker) {
		if n > 0 {
			ch.concurrency = n
		}
	}
}

// WithBatchMax caps Write keys and BatchCheck items per call.
func WithBatchMax(n int) Option {
	return func(ch *Checker) {
		if n > 0 {
			ch.batchMax = n
		}
	}
}

// WithListMaxResults caps the total result set a single ListObjects
// resolution may produce. Zero (the default) means unlimited.
func WithListMaxResults(n int) Option {
	return func(ch *Checker) { ch.listMaxResults = n }
}

// WithConfirmAlways forces the confirmation pass on every ListObjects
// and ListUsers call, even for relations whose rewrites would not
// require it.
func WithConfirmAlways() Option {
	return func(ch *Checker) { ch.confirmAlways = true }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ch *Checker) { ch.logger = logger }
}

// NewChecker builds a Checker over a Store. The store carries both the
// relationship tuples and the model versions; see NewMemoryStore and
// OpenPostgres.
func NewChecker(store Store, opts ...Option) *Checker {
	c := &Checker{
		store:       store,
		decision:    DecisionUnset,
		maxDepth:    check.DefaultMaxDepth,
		concurrency: check.DefaultConcurrency,
		batchMax:    DefaultBatchMax,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.models = typesystem.NewRepository(store, typesystem.WithLogger(c.logger.Named("models")))
	c.engine = check.NewChecker(
		check.WithMaxDepth(c.maxDepth),
		check.WithConcurrency(c.concurrency),
		check.WithLogger(c.logger.Named("check")),
	)
	return c
}

// CheckRequest is one membership question.
type CheckRequest struct {
	// Subject, Relation and Object form the question: does Subject have
	// Relation on Object?
	Subject  Subject
	Relation Relation
	Object   Object

	// ContextualTuples are layered over the store for this request only.
	// They are validated like writes and never persisted.
	ContextualTuples []TupleKey

	// Token pins the read to a state at least as new as the write that
	// issued it. NoToken serves current state.
	Token Token

	// ModelVersion pins evaluation to a stored model version instead of
	// the active model.
	ModelVersion string

	// Trace asks for the resolution tree alongside the outcome.
	Trace bool
}

// CheckResult is the outcome of a check. Allowed false with a nil error
// is a normal denial.
type CheckResult struct {
	Allowed bool

	// Token is the consistency token of the state the check observed.
	Token Token

	// Trace is the resolution tree, present only when requested.
	Trace *Trace
}

// Check answers one membership question against the active (or pinned)
// model. Denied membership is not an error.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if c.useContextDecision {
		if d := GetDecisionContext(ctx); d != DecisionUnset {
			return &CheckResult{Allowed: d == DecisionAllow}, nil
		}
	}
	if c.decision != DecisionUnset {
		return &CheckResult{Allowed: c.decision == DecisionAllow}, nil
	}

	key := TupleKey{Object: req.Object, Relation: req.Relation, Subject: req.Subject}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	token, err := c.observeToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	ts, err := c.models.TypesystemFor(ctx, req.ModelVersion)
	if err != nil {
		return nil, err
	}

	// The cache is bypassed for traced checks and for requests carrying
	// contextual tuples; entries older than the request's token are
	// stale by definition.
	cacheable := c.cache != nil && !req.Trace && len(req.ContextualTuples) == 0
	if cacheable {
		if allowed, seen, ok := c.cache.Get(ts.VersionID, key); ok && seen >= req.Token {
			return &CheckResult{Allowed: allowed, Token: token}, nil
		}
	}

	reader, err := check.NewOverlay(c.store, ts, req.ContextualTuples)
	if err != nil {
		return nil, err
	}
	res, err := c.engine.Check(ctx, check.Request{
		Typesystem: ts,
		Reader:     reader,
		Key:        key,
		Trace:      req.Trace,
	})
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.cache.Set(ts.VersionID, key, res.Allowed, token)
	}
	return &CheckResult{Allowed: res.Allowed, Token: token, Trace: res.Trace}, nil
}

// BatchCheckResult is the outcome of one item of a BatchCheck. Exactly
// one of Err or a valid Allowed is meaningful; items fail independently.
type BatchCheckResult struct {
	Allowed bool
	Err     error
}

// BatchCheck evaluates every item and returns results in input order.
// One item's failure does not cancel its peers; the shared context
// deadline caps the whole batch.
func (c *Checker) BatchCheck(ctx context.Context, reqs []CheckRequest) ([]BatchCheckResult, error) {
	if len(reqs) > c.batchMax {
		return nil, fmt.Errorf("%w: %d checks exceed limit %d", ErrBatchTooLarge, len(reqs), c.batchMax)
	}
	results := make([]BatchCheckResult, len(reqs))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(int(c.concurrency))
	for i, req := range reqs {
		p.Go(func(ctx context.Context) error {
			res, err := c.Check(ctx, req)
			if err != nil {
				results[i] = BatchCheckResult{Err: err}
				return nil
			}
			results[i] = BatchCheckResult{Allowed: res.Allowed}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Write atomically applies deletes then writes and returns the commit
// token. Every key is validated against the active model's type
// restrictions before anything is stored.
func (c *Checker) Write(ctx context.Context, writes, deletes []TupleKey) (WriteResult, error) {
	if len(writes)+len(deletes) > c.batchMax {
		return WriteResult{}, fmt.Errorf("%w: %d keys exceed limit %d",
			ErrBatchTooLarge, len(writes)+len(deletes), c.batchMax)
	}
	ts, err := c.models.ActiveTypesystem(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	for _, k := range writes {
		if err := k.Validate(); err != nil {
			return WriteResult{}, err
		}
		// Unknown types and relations are wrapped so a bad write surfaces
		// as an invalid tuple, not a precondition failure.
		if err := ts.ValidateTupleKey(k); err != nil {
			return WriteResult{}, fmt.Errorf("%w: %w", ErrInvalidTuple, err)
		}
	}
	for _, k := range deletes {
		if err := k.Validate(); err != nil {
			return WriteResult{}, err
		}
	}
	return c.store.Write(ctx, writes, deletes)
}

// ReadTuples returns stored tuples matching the filter, paginated in
// stable key order. The filter must name at least an object or a
// subject so the scan stays bounded.
func (c *Checker) ReadTuples(ctx context.Context, filter TupleFilter, page PageRequest) (*TuplePage, error) {
	hasObject := filter.ObjectType != "" && filter.ObjectID != ""
	hasSubject := filter.SubjectType != "" && filter.SubjectID != ""
	if !hasObject && !hasSubject {
		return nil, fmt.Errorf("%w: filter must include object type+id or subject type+id",
			ErrInvalidIdentifier)
	}
	return c.store.Find(ctx, filter, page)
}

// ListObjectsRequest asks which objects of a type the subject holds a
// relation on.
type ListObjectsRequest struct {
	Subject    Subject
	Relation   Relation
	ObjectType ObjectType

	ContextualTuples []TupleKey
	Token            Token
	ModelVersion     string
	Page             PageRequest
}

// ListObjectsResult is one page of object ids, sorted ascending.
// Truncated reports that the result set was cut at the configured
// maximum.
type ListObjectsResult struct {
	ObjectIDs     []string
	NextPageToken string
	Truncated     bool
	Token         Token
}

// ListObjects returns every object id of the requested type for which a
// check of (subject, relation, object) would allow, deduplicated and
// paginated. When the relation's rewrites involve intersection,
// exclusion or wildcards, candidates are confirmed with a full check
// before being returned.
func (c *Checker) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResult, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	token, err := c.observeToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	ts, err := c.models.TypesystemFor(ctx, req.ModelVersion)
	if err != nil {
		return nil, err
	}
	reader, err := check.NewOverlay(c.store, ts, req.ContextualTuples)
	if err != nil {
		return nil, err
	}
	res, err := c.engine.ListObjects(ctx, check.ListObjectsRequest{
		Typesystem: ts,
		Reader:     reader,
		ObjectType: req.ObjectType,
		Relation:   req.Relation,
		User:       req.Subject,
		Page:       req.Page,
		MaxResults: c.listMaxResults,
		Confirm:    c.confirmAlways,
	})
	if err != nil {
		return nil, err
	}
	return &ListObjectsResult{
		ObjectIDs:     res.ObjectIDs,
		NextPageToken: res.NextPageToken,
		Truncated:     res.Truncated,
		Token:         token,
	}, nil
}

// ListUsersRequest asks which subjects hold a relation on an object.
// SubjectTypes narrows results; empty means every type.
type ListUsersRequest struct {
	Object       Object
	Relation     Relation
	SubjectTypes []ObjectType

	ContextualTuples []TupleKey
	Token            Token
	ModelVersion     string
	Page             PageRequest
}

// ListUsersResult is one page of subjects, sorted by canonical form.
// A stored wildcard surfaces as the wildcard subject ("user:*").
type ListUsersResult struct {
	Subjects      []Subject
	NextPageToken string
	Token         Token
}

// ListUsers returns the members of object#relation: direct subjects,
// members reached through usersets, and subjects inherited from parent
// objects.
func (c *Checker) ListUsers(ctx context.Context, req ListUsersRequest) (*ListUsersResult, error) {
	if err := req.Object.Validate(); err != nil {
		return nil, err
	}
	token, err := c.observeToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	ts, err := c.models.TypesystemFor(ctx, req.ModelVersion)
	if err != nil {
		return nil, err
	}
	reader, err := check.NewOverlay(c.store, ts, req.ContextualTuples)
	if err != nil {
		return nil, err
	}
	res, err := c.engine.ListUsers(ctx, check.ListUsersRequest{
		Typesystem: ts,
		Reader:     reader,
		Object:     req.Object,
		Relation:   req.Relation,
		UserTypes:  req.SubjectTypes,
		Page:       req.Page,
		Confirm:    c.confirmAlways,
	})
	if err != nil {
		return nil, err
	}
	return &ListUsersResult{Subjects: res.Users, NextPageToken: res.NextPageToken, Token: token}, nil
}

// WriteModel parses, validates and stores an authorization model,
// optionally activating it in the same transaction. Diagnostics come
// back in both outcomes: with a nil error they are warnings, with
// ErrInvalidModel they say why the model was rejected.
func (c *Checker) WriteModel(ctx context.Context, dsl string, activate bool) (Model, []Diagnostic, error) {
	return c.models.Write(ctx, dsl, activate)
}

// ReadModel returns a stored model version. An empty version id reads
// the active model.
func (c *Checker) ReadModel(ctx context.Context, versionID string) (Model, error) {
	return c.models.Read(ctx, versionID)
}

// ActivateModel makes a stored version the single active model.
func (c *Checker) ActivateModel(ctx context.Context, versionID string) (Model, error) {
	return c.models.Activate(ctx, versionID)
}

// ListModels returns stored model versions, newest first.
func (c *Checker) ListModels(ctx context.Context, page PageRequest) (ModelPage, error) {
	return c.models.List(ctx, page)
}

// CurrentToken reports the newest committed consistency token.
func (c *Checker) CurrentToken(ctx context.Context) (Token, error) {
	return c.store.CurrentToken(ctx)
}

// observeToken validates a request token against the store and returns
// the token the request's reads observe. Both backends always serve the
// latest committed state, so any token at or below the current one is
// satisfied; a newer token cannot have come from this store.
func (c *Checker) observeToken(ctx context.Context, requested Token) (Token, error) {
	current, err := c.store.CurrentToken(ctx)
	if err != nil {
		return NoToken, err
	}
	if requested > current {
		return NoToken, fmt.Errorf("%w: token %s beyond latest %s",
			ErrTokenTooNew, requested.String(), current.String())
	}
	return current, nil
}
