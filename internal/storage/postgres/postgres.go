// Package postgres implements storage.Store on PostgreSQL via
// database/sql with the pgx driver. Queries are built with squirrel;
// every write batch commits through the clove_transaction log, whose
// row id becomes the consistency token.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
)

var tracer = otel.Tracer("clove/storage/postgres")

// PostgreSQL error codes the store maps onto sentinel errors.
const (
	pgUndefinedTable       = "42P01" // undefined_table
	pgUniqueViolation      = "23505" // unique_violation
	pgSerializationFailure = "40001" // serialization_failure
	pgDeadlockDetected     = "40P01" // deadlock_detected
)

var tupleColumns = []string{
	"object_type", "object_id", "relation",
	"subject_type", "subject_id", "subject_relation",
	"inserted_at", "txid",
}

// Config tunes the connection pool and store limits.
type Config struct {
	// URL is a postgres:// connection string.
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WriteBatchMax caps len(writes)+len(deletes) per Write call.
	// Zero means the default of 100.
	WriteBatchMax int

	Logger *zap.Logger
}

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	db            *sql.DB
	sb            sq.StatementBuilderType
	writeBatchMax int
	logger        *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// New opens a pool against cfg.URL and waits for the database to accept
// connections, retrying with exponential backoff for up to a minute.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.WriteBatchMax == 0 {
		cfg.WriteBatchMax = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute
	attempt := 1
	err = backoff.Retry(func() error {
		if pingErr := db.PingContext(context.Background()); pingErr != nil {
			logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return pingErr
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{
		db:            db,
		sb:            sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		writeBatchMax: cfg.WriteBatchMax,
		logger:        logger,
	}, nil
}

func (s *Store) Write(ctx context.Context, writes, deletes []core.TupleKey) (storage.WriteResult, error) {
	ctx, span := tracer.Start(ctx, "postgres.Write")
	defer span.End()

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WriteResult{}, s.mapError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var txid uint64
	row := tx.QueryRowContext(ctx, "INSERT INTO clove_transaction DEFAULT VALUES RETURNING id")
	if err := row.Scan(&txid); err != nil {
		return storage.WriteResult{}, s.mapError("new transaction", err)
	}

	var res storage.WriteResult
	if len(deletes) > 0 {
		ors := make(sq.Or, 0, len(deletes))
		for _, k := range deletes {
			ors = append(ors, keyEq(k))
		}
		query, args, err := s.sb.Delete("clove_tuple").Where(ors).ToSql()
		if err != nil {
			return storage.WriteResult{}, fmt.Errorf("postgres: build delete: %w", err)
		}
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storage.WriteResult{}, s.mapError("delete tuples", err)
		}
		n, _ := r.RowsAffected()
		res.Deleted = int(n)
	}

	if len(writes) > 0 {
		ins := s.sb.Insert("clove_tuple").Columns(
			"object_type", "object_id", "relation",
			"subject_type", "subject_id", "subject_relation", "txid",
		)
		for _, k := range writes {
			ins = ins.Values(
				string(k.Object.Type), k.Object.ID, string(k.Relation),
				string(k.Subject.Object.Type), k.Subject.Object.ID, string(k.Subject.Relation),
				txid,
			)
		}
		query, args, err := ins.Suffix("ON CONFLICT DO NOTHING").ToSql()
		if err != nil {
			return storage.WriteResult{}, fmt.Errorf("postgres: build insert: %w", err)
		}
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storage.WriteResult{}, s.mapError("insert tuples", err)
		}
		n, _ := r.RowsAffected()
		res.Written = int(n)
	}

	if err := tx.Commit(); err != nil {
		return storage.WriteResult{}, s.mapError("commit", err)
	}
	res.Token = core.Token(txid)
	return res, nil
}

func (s *Store) Find(ctx context.Context, filter storage.TupleFilter, page storage.PageRequest) (*storage.TuplePage, error) {
	ctx, span := tracer.Start(ctx, "postgres.Find")
	defer span.End()

	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}
	after, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}

	sb := s.sb.Select(tupleColumns...).From("clove_tuple")
	sb = applyFilter(sb, filter)
	if after != "" {
		k, err := core.ParseTupleKey(after)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidContinuationToken, err)
		}
		sb = sb.Where(sq.Expr(
			"(object_type, object_id, relation, subject_type, subject_id, subject_relation) > (?, ?, ?, ?, ?, ?)",
			string(k.Object.Type), k.Object.ID, string(k.Relation),
			string(k.Subject.Object.Type), k.Subject.Object.ID, string(k.Subject.Relation),
		))
	}
	sb = sb.OrderBy(
		"object_type", "object_id", "relation",
		"subject_type", "subject_id", "subject_relation",
	).Limit(uint64(page.Size) + 1)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build find: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("find", err)
	}
	defer rows.Close()

	out := &storage.TuplePage{}
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, s.mapError("scan", err)
		}
		if len(out.Tuples) == page.Size {
			out.ContinuationToken = storage.EncodeContinuation(out.Tuples[len(out.Tuples)-1].Key.String())
			return out, nil
		}
		out.Tuples = append(out.Tuples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("find", err)
	}
	return out, nil
}

func (s *Store) FindByObject(ctx context.Context, object core.Object, relation core.Relation) (storage.TupleIterator, error) {
	ctx, span := tracer.Start(ctx, "postgres.FindByObject")
	defer span.End()

	sb := s.sb.Select(tupleColumns...).From("clove_tuple").Where(sq.Eq{
		"object_type": string(object.Type),
		"object_id":   object.ID,
	})
	if relation != "" {
		sb = sb.Where(sq.Eq{"relation": string(relation)})
	}
	return s.queryIterator(ctx, sb)
}

func (s *Store) FindByUser(ctx context.Context, user core.Subject, relation core.Relation, objectType core.ObjectType) (storage.TupleIterator, error) {
	ctx, span := tracer.Start(ctx, "postgres.FindByUser")
	defer span.End()

	sb := s.sb.Select(tupleColumns...).From("clove_tuple").Where(sq.Eq{
		"subject_type":     string(user.Object.Type),
		"subject_id":       user.Object.ID,
		"subject_relation": string(user.Relation),
	})
	if relation != "" {
		sb = sb.Where(sq.Eq{"relation": string(relation)})
	}
	if objectType != "" {
		sb = sb.Where(sq.Eq{"object_type": string(objectType)})
	}
	return s.queryIterator(ctx, sb)
}

func (s *Store) CurrentToken(ctx context.Context) (core.Token, error) {
	ctx, span := tracer.Start(ctx, "postgres.CurrentToken")
	defer span.End()

	var id uint64
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM clove_transaction")
	if err := row.Scan(&id); err != nil {
		return core.NoToken, s.mapError("current token", err)
	}
	return core.Token(id), nil
}

func (s *Store) WriteModel(ctx context.Context, m *storage.StoredModel, activate bool) error {
	ctx, span := tracer.Start(ctx, "postgres.WriteModel")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if activate {
		if _, err := tx.ExecContext(ctx, "UPDATE clove_model SET is_active = FALSE WHERE is_active"); err != nil {
			return s.mapError("deactivate model", err)
		}
	}

	query, args, err := s.sb.Insert("clove_model").
		Columns("id", "version_id", "dsl_source", "compiled", "is_active").
		Values(m.ID, m.VersionID, m.DSL, m.Compiled, activate).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build insert model: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return s.mapError("insert model", err)
	}
	if err := tx.Commit(); err != nil {
		return s.mapError("commit", err)
	}
	return nil
}

func (s *Store) ReadModel(ctx context.Context, versionID string) (*storage.StoredModel, error) {
	ctx, span := tracer.Start(ctx, "postgres.ReadModel")
	defer span.End()

	m, err := s.readModelWhere(ctx, sq.Eq{"version_id": versionID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %s", core.ErrModelNotFound, versionID)
	}
	return m, err
}

func (s *Store) ReadActiveModel(ctx context.Context) (*storage.StoredModel, error) {
	ctx, span := tracer.Start(ctx, "postgres.ReadActiveModel")
	defer span.End()

	m, err := s.readModelWhere(ctx, sq.Eq{"is_active": true})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNoActiveModel
	}
	return m, err
}

func (s *Store) ActivateModel(ctx context.Context, versionID string) (*storage.StoredModel, error) {
	ctx, span := tracer.Start(ctx, "postgres.ActivateModel")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.mapError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT id, version_id, dsl_source, compiled, is_active, created_at FROM clove_model WHERE version_id = $1 FOR UPDATE",
		versionID)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %s", core.ErrModelNotFound, versionID)
	}
	if err != nil {
		return nil, s.mapError("read model", err)
	}

	if !m.Active {
		if _, err := tx.ExecContext(ctx, "UPDATE clove_model SET is_active = FALSE WHERE is_active"); err != nil {
			return nil, s.mapError("deactivate model", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE clove_model SET is_active = TRUE WHERE version_id = $1", versionID); err != nil {
			return nil, s.mapError("activate model", err)
		}
		m.Active = true
	}
	if err := tx.Commit(); err != nil {
		return nil, s.mapError("commit", err)
	}
	return m, nil
}

func (s *Store) ListModels(ctx context.Context, page storage.PageRequest) (*storage.ModelPage, error) {
	ctx, span := tracer.Start(ctx, "postgres.ListModels")
	defer span.End()

	page, err := page.Normalize()
	if err != nil {
		return nil, err
	}
	after, err := storage.DecodeContinuation(page.Token)
	if err != nil {
		return nil, err
	}

	sb := s.sb.Select("id", "version_id", "dsl_source", "compiled", "is_active", "created_at").
		From("clove_model").
		OrderBy("version_id DESC").
		Limit(uint64(page.Size) + 1)
	if after != "" {
		sb = sb.Where(sq.Lt{"version_id": after})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list models: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("list models", err)
	}
	defer rows.Close()

	out := &storage.ModelPage{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, s.mapError("scan model", err)
		}
		if len(out.Models) == page.Size {
			out.ContinuationToken = storage.EncodeContinuation(out.Models[len(out.Models)-1].VersionID)
			return out, nil
		}
		out.Models = append(out.Models, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list models", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "postgres.Ping")
	defer span.End()

	if err := s.db.PingContext(ctx); err != nil {
		return s.mapError("ping", err)
	}
	var one int
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM clove_transaction LIMIT 1")
	if err := row.Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.mapError("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for the migrator and status checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) queryIterator(ctx context.Context, sb sq.SelectBuilder) (storage.TupleIterator, error) {
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("query", err)
	}
	return &rowsIterator{rows: rows, store: s}, nil
}

// rowsIterator streams tuples off live *sql.Rows. Stop must be called
// to release the connection; Drain and the engine both do.
type rowsIterator struct {
	rows  *sql.Rows
	store *Store
}

func (it *rowsIterator) Next(ctx context.Context) (core.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return core.Tuple{}, err
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return core.Tuple{}, it.store.mapError("iterate", err)
		}
		return core.Tuple{}, storage.ErrIteratorDone
	}
	t, err := scanTuple(it.rows)
	if err != nil {
		return core.Tuple{}, it.store.mapError("scan", err)
	}
	return t, nil
}

func (it *rowsIterator) Stop() {
	_ = it.rows.Close()
}

func applyFilter(sb sq.SelectBuilder, f storage.TupleFilter) sq.SelectBuilder {
	if f.ObjectType != "" {
		sb = sb.Where(sq.Eq{"object_type": string(f.ObjectType)})
	}
	if f.ObjectID != "" {
		sb = sb.Where(sq.Eq{"object_id": f.ObjectID})
	}
	if f.Relation != "" {
		sb = sb.Where(sq.Eq{"relation": string(f.Relation)})
	}
	if f.SubjectType != "" {
		sb = sb.Where(sq.Eq{"subject_type": string(f.SubjectType)})
	}
	if f.SubjectID != "" {
		sb = sb.Where(sq.Eq{"subject_id": f.SubjectID})
	}
	if f.SubjectRelationSet {
		sb = sb.Where(sq.Eq{"subject_relation": string(f.SubjectRelation)})
	}
	return sb
}

func keyEq(k core.TupleKey) sq.Eq {
	return sq.Eq{
		"object_type":      string(k.Object.Type),
		"object_id":        k.Object.ID,
		"relation":         string(k.Relation),
		"subject_type":     string(k.Subject.Object.Type),
		"subject_id":       k.Subject.Object.ID,
		"subject_relation": string(k.Subject.Relation),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTuple(r rowScanner) (core.Tuple, error) {
	var (
		objType, objID, rel    string
		subType, subID, subRel string
		insertedAt             time.Time
		txid                   uint64
	)
	if err := r.Scan(&objType, &objID, &rel, &subType, &subID, &subRel, &insertedAt, &txid); err != nil {
		return core.Tuple{}, err
	}
	return core.Tuple{
		Key: core.TupleKey{
			Object:   core.Object{Type: core.ObjectType(objType), ID: objID},
			Relation: core.Relation(rel),
			Subject: core.Subject{
				Object:   core.Object{Type: core.ObjectType(subType), ID: subID},
				Relation: core.Relation(subRel),
			},
		},
		InsertedAt: insertedAt,
		Token:      core.Token(txid),
	}, nil
}

func scanModel(r rowScanner) (*storage.StoredModel, error) {
	var m storage.StoredModel
	if err := r.Scan(&m.ID, &m.VersionID, &m.DSL, &m.Compiled, &m.Active, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// readModelWhere fetches a single model row. Callers translate the raw
// sql.ErrNoRows into the sentinel that fits their lookup.
func (s *Store) readModelWhere(ctx context.Context, where sq.Eq) (*storage.StoredModel, error) {
	query, args, err := s.sb.Select("id", "version_id", "dsl_source", "compiled", "is_active", "created_at").
		From("clove_model").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build read model: %w", err)
	}
	m, err := scanModel(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, s.mapError("read model", err)
	}
	return m, nil
}

// mapError wraps database errors into sentinels callers branch on.
// SQLSTATE is extracted via interface assertion so the package does not
// depend on a concrete driver error type.
func (s *Store) mapError(op string, err error) error {
	switch sqlState(err) {
	case pgUndefinedTable:
		return fmt.Errorf("%w: %s: %v", core.ErrNotMigrated, op, err)
	case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s: %v", core.ErrWriteConflict, op, err)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func sqlState(err error) string {
	var stateErr interface{ SQLState() string }
	if errors.As(err, &stateErr) {
		return stateErr.SQLState()
	}
	return ""
}
