// Package storage defines the persistence contracts for relationship
// tuples and authorization models, shared by the postgres and memory
// backends. Backends are expected to be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cloveworks/clove/internal/core"
)

// Storage-level sentinel errors. Backend-specific failures (SQLSTATEs,
// closed stores) are wrapped into these or into the clove sentinels.
var (
	// ErrIteratorDone signals the end of a TupleIterator.
	ErrIteratorDone = errors.New("storage: iterator done")

	// ErrInvalidContinuationToken is returned when a pagination token does
	// not decode or does not belong to the query it was presented to.
	ErrInvalidContinuationToken = errors.New("storage: invalid continuation token")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("storage: store is closed")
)

// Pagination bounds. Requests beyond MaxPageSize are rejected rather
// than clamped so callers notice misconfiguration.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// TupleFilter narrows Find queries. Zero-valued fields do not constrain.
// SubjectRelation distinguishes "unset" (no constraint) from the empty
// relation via the SubjectRelationSet flag, so callers can select only
// direct subjects.
type TupleFilter struct {
	ObjectType         core.ObjectType
	ObjectID           string
	Relation           core.Relation
	SubjectType        core.ObjectType
	SubjectID          string
	SubjectRelation    core.Relation
	SubjectRelationSet bool
}

// PageRequest carries pagination inputs. Size zero means DefaultPageSize.
type PageRequest struct {
	Size  int
	Token string
}

// Normalize validates and defaults the page request.
func (p PageRequest) Normalize() (PageRequest, error) {
	if p.Size < 0 || p.Size > MaxPageSize {
		return p, core.ErrInvalidPageSize
	}
	if p.Size == 0 {
		p.Size = DefaultPageSize
	}
	return p, nil
}

// TuplePage is one page of Find results. ContinuationToken is empty on
// the last page.
type TuplePage struct {
	Tuples            []core.Tuple
	ContinuationToken string
}

// WriteResult reports a committed write batch. Written and Deleted count
// rows actually changed; idempotent re-writes and vacuous deletes do not
// count.
type WriteResult struct {
	Token   core.Token
	Written int
	Deleted int
}

// TupleIterator streams tuples without pagination. Next returns
// ErrIteratorDone after the last tuple. Stop releases resources and is
// safe to call more than once.
type TupleIterator interface {
	Next(ctx context.Context) (core.Tuple, error)
	Stop()
}

// TupleStore persists relationship tuples.
type TupleStore interface {
	// Write atomically applies deletes then writes and returns the commit
	// token. Deleting an absent tuple is a no-op; writing a present tuple
	// is idempotent. An empty-net batch still commits and returns a fresh
	// token. Batches over the configured limit fail with
	// core.ErrBatchTooLarge before touching the store.
	Write(ctx context.Context, writes, deletes []core.TupleKey) (WriteResult, error)

	// Find returns tuples matching the filter in stable key order,
	// paginated.
	Find(ctx context.Context, filter TupleFilter, page PageRequest) (*TuplePage, error)

	// FindByObject streams every tuple for the object, optionally narrowed
	// to one relation (empty relation means all relations on the object).
	FindByObject(ctx context.Context, object core.Object, relation core.Relation) (TupleIterator, error)

	// FindByUser streams tuples whose subject equals user, narrowed by
	// relation and object type. This is the reverse-index read used by
	// ListObjects.
	FindByUser(ctx context.Context, user core.Subject, relation core.Relation, objectType core.ObjectType) (TupleIterator, error)

	// CurrentToken reports the newest committed consistency token, or
	// core.NoToken when nothing has been written.
	CurrentToken(ctx context.Context) (core.Token, error)
}

// StoredModel is a persisted authorization model version. Compiled holds
// the proto-marshalled model; DSL the source it was compiled from.
type StoredModel struct {
	ID        string
	VersionID string
	DSL       string
	Compiled  []byte
	Active    bool
	CreatedAt time.Time
}

// ModelPage is one page of ListModels results, newest first.
type ModelPage struct {
	Models            []StoredModel
	ContinuationToken string
}

// ModelStore persists authorization model versions. At most one model is
// active at a time; activation is atomic.
type ModelStore interface {
	// WriteModel persists a new model version, optionally activating it in
	// the same transaction.
	WriteModel(ctx context.Context, m *StoredModel, activate bool) error

	// ReadModel returns the model with the given version id.
	ReadModel(ctx context.Context, versionID string) (*StoredModel, error)

	// ReadActiveModel returns the active model, or core.ErrNoActiveModel.
	ReadActiveModel(ctx context.Context) (*StoredModel, error)

	// ActivateModel atomically makes the given version active and returns
	// it. Any previously active model is deactivated in the same
	// transaction. Activating the already-active version is a no-op.
	ActivateModel(ctx context.Context, versionID string) (*StoredModel, error)

	// ListModels returns model versions newest first.
	ListModels(ctx context.Context, page PageRequest) (*ModelPage, error)
}

// Store is the full persistence surface the service runs on.
type Store interface {
	TupleStore
	ModelStore

	// Ping verifies the backend is reachable and migrated.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

type staticIterator struct {
	tuples []core.Tuple
	idx    int
}

// NewStaticIterator returns a TupleIterator over an in-memory slice.
// Used by backends that materialize results and by the contextual tuple
// overlay.
func NewStaticIterator(tuples []core.Tuple) TupleIterator {
	return &staticIterator{tuples: tuples}
}

func (s *staticIterator) Next(ctx context.Context) (core.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return core.Tuple{}, err
	}
	if s.idx >= len(s.tuples) {
		return core.Tuple{}, ErrIteratorDone
	}
	t := s.tuples[s.idx]
	s.idx++
	return t, nil
}

func (s *staticIterator) Stop() {}

// Drain consumes an iterator into a slice, stopping it afterwards.
func Drain(ctx context.Context, it TupleIterator) ([]core.Tuple, error) {
	defer it.Stop()
	var out []core.Tuple
	for {
		t, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, t)
	}
}

// Match reports whether the tuple satisfies the filter.
func Match(f TupleFilter, t core.Tuple) bool {
	k := t.Key
	if f.ObjectType != "" && k.Object.Type != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && k.Object.ID != f.ObjectID {
		return false
	}
	if f.Relation != "" && k.Relation != f.Relation {
		return false
	}
	if f.SubjectType != "" && k.Subject.Object.Type != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && k.Subject.Object.ID != f.SubjectID {
		return false
	}
	if f.SubjectRelationSet && k.Subject.Relation != f.SubjectRelation {
		return false
	}
	return true
}
