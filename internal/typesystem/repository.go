package typesystem

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/pkg/parser"
)

const defaultCacheSize = 32

// Model is a stored model version as the repository reports it.
type Model struct {
	ID        string
	VersionID string
	DSL       string
	Active    bool
	CreatedAt time.Time
}

// ModelPage is one page of model versions, newest first.
type ModelPage struct {
	Models            []Model
	ContinuationToken string
}

// Repository stores, validates and serves authorization models. Writes
// parse and validate the DSL before anything is stored; reads hand out
// compiled typesystems from an in-process cache.
//
// The active typesystem is held behind an atomic pointer and refreshed
// when activation happens through this repository. Activations done by
// another process against the same database are picked up on the next
// cold load, not immediately.
type Repository struct {
	store  storage.ModelStore
	logger *zap.Logger

	// entropy feeds monotonic ULIDs so version ids order by write time
	// even within the same millisecond.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	active atomic.Pointer[Typesystem]
	cache  *lru.Cache[string, *Typesystem]
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) RepositoryOption {
	return func(r *Repository) { r.logger = logger }
}

// WithCacheSize bounds the compiled-typesystem cache.
func WithCacheSize(size int) RepositoryOption {
	return func(r *Repository) {
		if size > 0 {
			r.cache, _ = lru.New[string, *Typesystem](size)
		}
	}
}

// NewRepository builds a repository over a model store.
func NewRepository(store storage.ModelStore, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:   store,
		logger:  zap.NewNop(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	r.cache, _ = lru.New[string, *Typesystem](defaultCacheSize)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write parses, validates and stores a model, optionally activating it
// in the same transaction. Diagnostics are returned in both outcomes:
// on validation errors the model is rejected and err wraps
// core.ErrInvalidModel, otherwise the diagnostics are warnings only.
func (r *Repository) Write(ctx context.Context, dsl string, activate bool) (Model, []Diagnostic, error) {
	protoModel, err := parser.Parse(dsl)
	if err != nil {
		var perr *parser.Error
		if errors.As(err, &perr) {
			diags := make([]Diagnostic, 0, len(perr.Errors))
			for _, se := range perr.Errors {
				diags = append(diags, Diagnostic{
					Severity: SeverityError,
					Code:     CodeSyntaxError,
					Line:     se.Line,
					Column:   se.Column,
					Message:  se.Message,
				})
			}
			return Model{}, diags, fmt.Errorf("%w: syntax", core.ErrInvalidModel)
		}
		return Model{}, nil, err
	}

	ts := New(protoModel)
	diags := ts.Validate()
	if HasErrors(diags) {
		return Model{}, diags, fmt.Errorf("%w: validation", core.ErrInvalidModel)
	}

	compiled, err := proto.Marshal(protoModel)
	if err != nil {
		return Model{}, diags, fmt.Errorf("compiling model: %w", err)
	}

	now := time.Now().UTC()
	stored := &storage.StoredModel{
		ID:        r.newULID(now),
		VersionID: r.newULID(now),
		DSL:       dsl,
		Compiled:  compiled,
		Active:    activate,
		CreatedAt: now,
	}
	if err := r.store.WriteModel(ctx, stored, activate); err != nil {
		return Model{}, diags, err
	}

	ts.ModelID = stored.ID
	ts.VersionID = stored.VersionID
	r.cache.Add(stored.VersionID, ts)
	if activate {
		r.active.Store(ts)
	}

	r.logger.Info("model written",
		zap.String("model_id", stored.ID),
		zap.String("version_id", stored.VersionID),
		zap.Bool("active", activate),
		zap.Int("types", len(protoModel.GetTypeDefinitions())),
		zap.Int("warnings", len(diags)))
	return toModel(stored), diags, nil
}

// Read returns a stored model version. An empty version id reads the
// active model.
func (r *Repository) Read(ctx context.Context, versionID string) (Model, error) {
	stored, err := r.readStored(ctx, versionID)
	if err != nil {
		return Model{}, err
	}
	return toModel(stored), nil
}

// Activate makes a stored version the single active model and swaps the
// in-process typesystem to it.
func (r *Repository) Activate(ctx context.Context, versionID string) (Model, error) {
	stored, err := r.store.ActivateModel(ctx, versionID)
	if err != nil {
		return Model{}, err
	}
	ts, err := r.build(stored)
	if err != nil {
		// The activation committed; serve the next request from a cold
		// load instead of failing it.
		r.active.Store(nil)
		r.logger.Warn("activated model failed to compile", zap.String("version_id", versionID), zap.Error(err))
		return toModel(stored), nil
	}
	r.active.Store(ts)
	r.logger.Info("model activated", zap.String("version_id", versionID))
	return toModel(stored), nil
}

// List returns stored model versions, newest first.
func (r *Repository) List(ctx context.Context, page storage.PageRequest) (ModelPage, error) {
	stored, err := r.store.ListModels(ctx, page)
	if err != nil {
		return ModelPage{}, err
	}
	out := ModelPage{ContinuationToken: stored.ContinuationToken}
	out.Models = make([]Model, len(stored.Models))
	for i := range stored.Models {
		out.Models[i] = toModel(&stored.Models[i])
	}
	return out, nil
}

// ActiveTypesystem returns the compiled typesystem for the active model.
// Returns core.ErrNoActiveModel when nothing has been activated.
func (r *Repository) ActiveTypesystem(ctx context.Context) (*Typesystem, error) {
	if ts := r.active.Load(); ts != nil {
		return ts, nil
	}
	stored, err := r.store.ReadActiveModel(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := r.build(stored)
	if err != nil {
		return nil, err
	}
	r.active.Store(ts)
	return ts, nil
}

// TypesystemFor returns the compiled typesystem for a version. An empty
// version id resolves the active model.
func (r *Repository) TypesystemFor(ctx context.Context, versionID string) (*Typesystem, error) {
	if versionID == "" {
		return r.ActiveTypesystem(ctx)
	}
	if cached, ok := r.cache.Get(versionID); ok {
		return cached, nil
	}
	stored, err := r.store.ReadModel(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return r.build(stored)
}

// Validate parses and validates DSL without storing anything. Used by
// the offline validate command.
func Validate(dsl string) []Diagnostic {
	protoModel, err := parser.Parse(dsl)
	if err != nil {
		var perr *parser.Error
		if errors.As(err, &perr) {
			diags := make([]Diagnostic, 0, len(perr.Errors))
			for _, se := range perr.Errors {
				diags = append(diags, Diagnostic{
					Severity: SeverityError,
					Code:     CodeSyntaxError,
					Line:     se.Line,
					Column:   se.Column,
					Message:  se.Message,
				})
			}
			return diags
		}
		return []Diagnostic{{Severity: SeverityError, Code: CodeSyntaxError, Message: err.Error()}}
	}
	return New(protoModel).Validate()
}

func (r *Repository) readStored(ctx context.Context, versionID string) (*storage.StoredModel, error) {
	if versionID == "" {
		return r.store.ReadActiveModel(ctx)
	}
	return r.store.ReadModel(ctx, versionID)
}

// build compiles a stored model, preferring the compiled blob and
// falling back to reparsing the DSL, then caches the result.
func (r *Repository) build(stored *storage.StoredModel) (*Typesystem, error) {
	var protoModel *openfgav1.AuthorizationModel
	if len(stored.Compiled) > 0 {
		protoModel = &openfgav1.AuthorizationModel{}
		if err := proto.Unmarshal(stored.Compiled, protoModel); err != nil {
			return nil, fmt.Errorf("decoding compiled model %s: %w", stored.VersionID, err)
		}
	} else {
		var err error
		protoModel, err = parser.Parse(stored.DSL)
		if err != nil {
			return nil, fmt.Errorf("reparsing model %s: %w", stored.VersionID, err)
		}
	}
	ts := New(protoModel)
	ts.ModelID = stored.ID
	ts.VersionID = stored.VersionID
	r.cache.Add(stored.VersionID, ts)
	return ts, nil
}

func (r *Repository) newULID(now time.Time) string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), r.entropy).String()
}

func toModel(m *storage.StoredModel) Model {
	return Model{
		ID:        m.ID,
		VersionID: m.VersionID,
		DSL:       m.DSL,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
	}
}
