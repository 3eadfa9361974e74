package clove

import (
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/storage/memory"
	"github.com/cloveworks/clove/internal/storage/postgres"
)

// Store is the persistence surface a Checker runs on: relationship
// tuples plus authorization model versions. Two backends ship with
// clove, NewMemoryStore and OpenPostgres; both are safe for concurrent
// use.
type Store = storage.Store

// TupleFilter narrows Read queries. Zero-valued fields do not
// constrain.
type TupleFilter = storage.TupleFilter

// PageRequest carries pagination inputs for Read and the list
// operations. Size zero means the server default.
type PageRequest = storage.PageRequest

// TuplePage is one page of Read results. ContinuationToken is empty on
// the last page.
type TuplePage = storage.TuplePage

// WriteResult reports a committed write batch and the consistency
// token it produced.
type WriteResult = storage.WriteResult

// TupleIterator streams tuples from a Store. Next returns
// ErrIteratorDone after the last tuple.
type TupleIterator = storage.TupleIterator

// Iteration and pagination sentinels, re-exported so callers holding a
// Store do not need a second import to classify its errors.
var (
	ErrIteratorDone             = storage.ErrIteratorDone
	ErrInvalidContinuationToken = storage.ErrInvalidContinuationToken
	ErrStoreClosed              = storage.ErrStoreClosed
)

// PostgresConfig tunes the PostgreSQL connection pool and store limits.
type PostgresConfig = postgres.Config

// NewMemoryStore returns a Store backed by an in-memory database. It
// always serves the latest committed state; consistency tokens advance
// per write and are checked for staleness, never used to read history.
// Intended for tests and single-process deployments; data does not
// survive a restart.
func NewMemoryStore() (Store, error) {
	return memory.New(memory.Options{})
}

// OpenPostgres connects to PostgreSQL and returns a Store backed by
// it. It blocks until the database accepts connections, retrying with
// exponential backoff for up to a minute. The schema must already be
// migrated; see the migrate command.
func OpenPostgres(cfg PostgresConfig) (Store, error) {
	return postgres.New(cfg)
}
