// Package memory implements storage.Store on hashicorp/go-memdb.
// It backs unit tests, offline model validation and the dev-mode
// server. Writes are serialized; reads run on immutable memdb snapshots.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
)

const (
	tableTuple = "tuple"
	tableModel = "model"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableTuple: {
			Name: tableTuple,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"object": {
					Name: "object",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ObjectType"},
							&memdb.StringFieldIndex{Field: "ObjectID"},
						},
					},
				},
				"subject": {
					Name: "subject",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "SubjectType"},
							&memdb.StringFieldIndex{Field: "SubjectID"},
						},
					},
				},
			},
		},
		tableModel: {
			Name: tableModel,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"version": {
					Name:    "version",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "VersionID"},
				},
			},
		},
	},
}

// tupleRecord is the memdb row. Key holds the canonical tuple key string
// and doubles as the unique id index; memdb rows are immutable once
// inserted.
type tupleRecord struct {
	Key             string
	ObjectType      string
	ObjectID        string
	Relation        string
	SubjectType     string
	SubjectID       string
	SubjectRelation string
	InsertedAt      time.Time
	TxID            uint64
}

func (r *tupleRecord) toTuple() core.Tuple {
	return core.Tuple{
		Key: core.TupleKey{
			Object:   core.Object{Type: core.ObjectType(r.ObjectType), ID: r.ObjectID},
			Relation: core.Relation(r.Relation),
			Subject: core.Subject{
				Object:   core.Object{Type: core.ObjectType(r.SubjectType), ID: r.SubjectID},
				Relation: core.Relation(r.SubjectRelation),
			},
		},
		InsertedAt: r.InsertedAt,
		Token:      core.Token(r.TxID),
	}
}

func newTupleRecord(k core.TupleKey, txid uint64, now time.Time) *tupleRecord {
	return &tupleRecord{
		Key:             k.String(),
		ObjectType:      string(k.Object.Type),
		ObjectID:        k.Object.ID,
		Relation:        string(k.Relation),
		SubjectType:     string(k.Subject.Object.Type),
		SubjectID:       k.Subject.Object.ID,
		SubjectRelation: string(k.Subject.Relation),
		InsertedAt:      now,
		TxID:            txid,
	}
}

type modelRecord struct {
	ID        string
	VersionID string
	DSL       string
	Compiled  []byte
	Active    bool
	CreatedAt time.Time
}

func (r *modelRecord) toStored() *storage.StoredModel {
	compiled := make([]byte, len(r.Compiled))
	copy(compiled, r.Compiled)
	return &storage.StoredModel{
		ID:        r.ID,
		VersionID: r.VersionID,
		DSL:       r.DSL,
		Compiled:  compiled,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}

// Options tune the store's limits.
type Options struct {
	// WriteBatchMax caps len(writes)+len(deletes) per Write call.
	// Zero means the default of 100.
	WriteBatchMax int
}

// Store is an in-memory storage.Store.
type Store struct {
	db            *memdb.MemDB
	writeBatchMax int

	mu     sync.Mutex // serializes writes and guards token
	token  uint64
	closed bool
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New(opts Options) (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	if opts.WriteBatchMax == 0 {
		opts.WriteBatchMax = 100
	}
	return &Store{db: db, writeBatchMax: opts.WriteBatchMax}, nil
}

// MustNew is New that panics on error. The schema is static, so failure
// only happens on programmer error; tests use this freely.
func MustNew() *Store {
	s, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Store) Write(ctx context.Context, writes, deletes []core.TupleKey) (storage.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.WriteResult{}, err
	}
	if len(writes)+len(deletes) > s.writeBatchMax {
		return storage.WriteResult{}, fmt.Errorf("%w: %d keys exceed limit %d",
			core.ErrBatchTooLarge, len(writes)+len(deletes), s.writeBatchMax)
	}
	for _, k := range deletes {
		if err := k.Validate(); err != nil {
			return storage.WriteResult{}, err
		}
	}
	for _, k := range writes {
		if err := k.Validate(); err != nil {
			return storage.WriteResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.WriteResult{}, storage.ErrStoreClosed
	}

	s.token++
	txid := s.token
	now := time.Now().UTC()

	txn := s.db.Txn(true)
	defer txn.Abort()

	var res storage.WriteResult
	for _, k := range deletes {
		raw, err := txn.First(tableTuple, "id", k.String())
		if err != nil {
			return storage.WriteResult{}, fmt.Errorf("memory: delete lookup: %w", err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(tableTuple, raw); err != nil {
			return storage.WriteResult{}, fmt.Errorf("memory: delete: %w", err)
		}
		res.Deleted++
	}
	for _, k := range writes {
		raw, err := txn.First(tableTuple, "id", k.String())
		if err != nil {
			return storage.WriteResult{}, fmt.Errorf("memory: write lookup: %w", err)
		}
		if raw != nil {
			continue
		}
		if err := txn.Insert(tableTuple, newTupleRecord(k, txid, now)); err != nil {
			return storage.WriteResult{}, fmt.Errorf("memory: insert: %w", err)
		}
		res.Written++
	}

	txn.Commit()
	res.Token = core.Token(txid)
	return res, nil
}

func (s *Store) Find(ctx context.Context, filter storage.TupleFilter, page storage.PageRequest) (*storage.TuplePage, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}
	after, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}

	matched, err := s.collect(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key.String() < matched[j].Key.String() })

	out := &storage.TuplePage{}
	for _, t := range matched {
		if after != "" && t.Key.String() <= after {
			continue
		}
		if len(out.Tuples) == page.Size {
			out.ContinuationToken = storage.EncodeContinuation(out.Tuples[len(out.Tuples)-1].Key.String())
			return out, nil
		}
		out.Tuples = append(out.Tuples, t)
	}
	return out, nil
}

func (s *Store) FindByObject(ctx context.Context, object core.Object, relation core.Relation) (storage.TupleIterator, error) {
	filter := storage.TupleFilter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	}
	tuples, err := s.collect(ctx, filter)
	if err != nil {
		return nil, err
	}
	return storage.NewStaticIterator(tuples), nil
}

func (s *Store) FindByUser(ctx context.Context, user core.Subject, relation core.Relation, objectType core.ObjectType) (storage.TupleIterator, error) {
	filter := storage.TupleFilter{
		ObjectType:         objectType,
		Relation:           relation,
		SubjectType:        user.Object.Type,
		SubjectID:          user.Object.ID,
		SubjectRelation:    user.Relation,
		SubjectRelationSet: true,
	}
	tuples, err := s.collect(ctx, filter)
	if err != nil {
		return nil, err
	}
	return storage.NewStaticIterator(tuples), nil
}

// collect picks the narrowest index for the filter and materializes the
// matching tuples. The residual filter runs in process, mirroring how
// the postgres backend narrows with WHERE clauses.
func (s *Store) collect(ctx context.Context, filter storage.TupleFilter) ([]core.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.ObjectType != "" && filter.ObjectID != "":
		it, err = txn.Get(tableTuple, "object", string(filter.ObjectType), filter.ObjectID)
	case filter.SubjectType != "" && filter.SubjectID != "":
		it, err = txn.Get(tableTuple, "subject", string(filter.SubjectType), filter.SubjectID)
	default:
		it, err = txn.Get(tableTuple, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}

	var out []core.Tuple
	for raw := it.Next(); raw != nil; raw = it.Next() {
		t := raw.(*tupleRecord).toTuple()
		if storage.Match(filter, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) CurrentToken(ctx context.Context) (core.Token, error) {
	if err := ctx.Err(); err != nil {
		return core.NoToken, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NoToken, storage.ErrStoreClosed
	}
	return core.Token(s.token), nil
}

func (s *Store) WriteModel(ctx context.Context, m *storage.StoredModel, activate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableModel, "version", m.VersionID); err != nil {
		return fmt.Errorf("memory: model lookup: %w", err)
	} else if existing != nil {
		return fmt.Errorf("memory: model version %s already exists", m.VersionID)
	}

	if activate {
		if err := deactivateCurrent(txn); err != nil {
			return err
		}
	}

	rec := &modelRecord{
		ID:        m.ID,
		VersionID: m.VersionID,
		DSL:       m.DSL,
		Compiled:  append([]byte(nil), m.Compiled...),
		Active:    activate,
		CreatedAt: m.CreatedAt,
	}
	if err := txn.Insert(tableModel, rec); err != nil {
		return fmt.Errorf("memory: insert model: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) ReadModel(ctx context.Context, versionID string) (*storage.StoredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableModel, "version", versionID)
	if err != nil {
		return nil, fmt.Errorf("memory: model lookup: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: version %s", core.ErrModelNotFound, versionID)
	}
	return raw.(*modelRecord).toStored(), nil
}

func (s *Store) ReadActiveModel(ctx context.Context) (*storage.StoredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	rec, err := findActive(txn)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, core.ErrNoActiveModel
	}
	return rec.toStored(), nil
}

func (s *Store) ActivateModel(ctx context.Context, versionID string) (*storage.StoredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableModel, "version", versionID)
	if err != nil {
		return nil, fmt.Errorf("memory: model lookup: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: version %s", core.ErrModelNotFound, versionID)
	}
	target := raw.(*modelRecord)
	if !target.Active {
		if err := deactivateCurrent(txn); err != nil {
			return nil, err
		}
		activated := *target
		activated.Active = true
		if err := txn.Insert(tableModel, &activated); err != nil {
			return nil, fmt.Errorf("memory: activate model: %w", err)
		}
		target = &activated
	}
	txn.Commit()
	return target.toStored(), nil
}

func (s *Store) ListModels(ctx context.Context, page storage.PageRequest) (*storage.ModelPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}
	after, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	if after == "" {
		it, err = txn.GetReverse(tableModel, "version")
	} else {
		it, err = txn.ReverseLowerBound(tableModel, "version", after)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: list models: %w", err)
	}

	out := &storage.ModelPage{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*modelRecord)
		if after != "" && rec.VersionID >= after {
			continue
		}
		if len(out.Models) == page.Size {
			out.ContinuationToken = storage.EncodeContinuation(out.Models[len(out.Models)-1].VersionID)
			return out, nil
		}
		out.Models = append(out.Models, *rec.toStored())
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func findActive(txn *memdb.Txn) (*modelRecord, error) {
	it, err := txn.Get(tableModel, "id")
	if err != nil {
		return nil, fmt.Errorf("memory: scan models: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if rec := raw.(*modelRecord); rec.Active {
			return rec, nil
		}
	}
	return nil, nil
}

func deactivateCurrent(txn *memdb.Txn) error {
	current, err := findActive(txn)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	deactivated := *current
	deactivated.Active = false
	if err := txn.Insert(tableModel, &deactivated); err != nil {
		return fmt.Errorf("memory: deactivate model: %w", err)
	}
	return nil
}

// Seed writes tuples parsed from their canonical string form. Test
// fixture helper; panics on malformed input.
func (s *Store) Seed(ctx context.Context, tuples ...string) (core.Token, error) {
	keys := make([]core.TupleKey, 0, len(tuples))
	for _, raw := range tuples {
		keys = append(keys, core.MustParseTupleKey(raw))
	}
	var last core.Token
	for start := 0; start < len(keys); start += s.writeBatchMax {
		end := start + s.writeBatchMax
		if end > len(keys) {
			end = len(keys)
		}
		res, err := s.Write(ctx, keys[start:end], nil)
		if err != nil {
			return core.NoToken, err
		}
		last = res.Token
	}
	return last, nil
}
