// Package check resolves authorization queries against a typesystem and
// a tuple reader: point checks, batch checks, and the reverse-index
// ListObjects and ListUsers expansions. Resolution fans out across
// userset rewrites with bounded concurrency and is safe against cyclic
// models and tuple graphs.
package check

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/typesystem"
)

// MaxContextualTuples bounds how many request-scoped tuples a single
// query may carry.
const MaxContextualTuples = 100

// Reader is the tuple read surface resolution runs against. Both
// storage backends satisfy it; NewOverlay layers request-scoped tuples
// on top.
type Reader interface {
	FindByObject(ctx context.Context, object core.Object, relation core.Relation) (storage.TupleIterator, error)
	FindByUser(ctx context.Context, user core.Subject, relation core.Relation, objectType core.ObjectType) (storage.TupleIterator, error)
}

// NewOverlay returns a Reader that serves the given tuples in addition
// to everything in base. The keys are validated against the model's
// type restrictions exactly like written tuples, so a query cannot
// smuggle in a tuple the model forbids. With no keys the base reader is
// returned unchanged.
func NewOverlay(base Reader, ts *typesystem.Typesystem, keys []core.TupleKey) (Reader, error) {
	if len(keys) == 0 {
		return base, nil
	}
	if len(keys) > MaxContextualTuples {
		return nil, fmt.Errorf("%w: %d contextual tuples exceed limit %d",
			core.ErrBatchTooLarge, len(keys), MaxContextualTuples)
	}
	tuples := make([]core.Tuple, 0, len(keys))
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if err := ts.ValidateTupleKey(k); err != nil {
			return nil, err
		}
		tuples = append(tuples, core.Tuple{Key: k})
	}
	return &overlay{base: base, tuples: tuples}, nil
}

type overlay struct {
	base   Reader
	tuples []core.Tuple
}

func (o *overlay) FindByObject(ctx context.Context, object core.Object, relation core.Relation) (storage.TupleIterator, error) {
	base, err := o.base.FindByObject(ctx, object, relation)
	if err != nil {
		return nil, err
	}
	return o.merge(storage.TupleFilter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	}, base), nil
}

func (o *overlay) FindByUser(ctx context.Context, user core.Subject, relation core.Relation, objectType core.ObjectType) (storage.TupleIterator, error) {
	base, err := o.base.FindByUser(ctx, user, relation, objectType)
	if err != nil {
		return nil, err
	}
	return o.merge(storage.TupleFilter{
		ObjectType:         objectType,
		Relation:           relation,
		SubjectType:        user.Object.Type,
		SubjectID:          user.Object.ID,
		SubjectRelation:    user.Relation,
		SubjectRelationSet: true,
	}, base), nil
}

// merge puts matching overlay tuples ahead of the base iterator.
// Request tuples may duplicate stored ones; resolution treats tuples as
// a set, so duplicates are harmless.
func (o *overlay) merge(filter storage.TupleFilter, base storage.TupleIterator) storage.TupleIterator {
	var matched []core.Tuple
	for _, t := range o.tuples {
		if storage.Match(filter, t) {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		return base
	}
	return &concatIterator{its: []storage.TupleIterator{storage.NewStaticIterator(matched), base}}
}

// concatIterator chains iterators, exhausting each in turn.
type concatIterator struct {
	its []storage.TupleIterator
	idx int
}

func (c *concatIterator) Next(ctx context.Context) (core.Tuple, error) {
	for c.idx < len(c.its) {
		t, err := c.its[c.idx].Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			c.its[c.idx].Stop()
			c.idx++
			continue
		}
		return t, err
	}
	return core.Tuple{}, storage.ErrIteratorDone
}

func (c *concatIterator) Stop() {
	for ; c.idx < len(c.its); c.idx++ {
		c.its[c.idx].Stop()
	}
}
