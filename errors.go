package clove

import (
	"errors"

	"github.com/cloveworks/clove/internal/core"
)

// Sentinel errors for the failure modes callers are expected to branch
// on. Denied access is not an error: checks return Allowed=false with a
// nil error. These errors mean the request was malformed, referenced
// something that does not exist, or hit a configured limit.
//
// Use the Is*Err helpers (or errors.Is directly) to classify wrapped
// errors; the server maps them onto gRPC status codes.
var (
	// ErrInvalidIdentifier is returned when an object, relation or subject
	// does not match the identifier grammar.
	ErrInvalidIdentifier = core.ErrInvalidIdentifier

	// ErrInvalidTuple is returned when a tuple key is malformed or not
	// permitted by the active model's type restrictions.
	ErrInvalidTuple = core.ErrInvalidTuple

	// ErrInvalidToken is returned when a consistency token cannot be decoded.
	ErrInvalidToken = core.ErrInvalidToken

	// ErrTokenTooNew is returned when a request carries a token newer than
	// anything this store has issued. It usually means the token came from
	// a different deployment.
	ErrTokenTooNew = core.ErrTokenTooNew

	// ErrInvalidModel is returned when a model fails to parse or
	// validate. The accompanying diagnostics say what is wrong.
	ErrInvalidModel = core.ErrInvalidModel

	// ErrNoActiveModel is returned when an operation needs the active
	// authorization model and none has been activated.
	ErrNoActiveModel = core.ErrNoActiveModel

	// ErrModelNotFound is returned when a model id or version id does not
	// resolve to a stored model.
	ErrModelNotFound = core.ErrModelNotFound

	// ErrUnknownType is returned when a request references an object type
	// the active model does not define.
	ErrUnknownType = core.ErrUnknownType

	// ErrUnknownRelation is returned when a request references a relation
	// the active model does not define on the object's type.
	ErrUnknownRelation = core.ErrUnknownRelation

	// ErrDepthExceeded is returned when resolution runs past the
	// configured depth limit, usually a sign of a deeply nested or
	// adversarial model.
	ErrDepthExceeded = core.ErrDepthExceeded

	// ErrBatchTooLarge is returned when a write or batch-check payload
	// exceeds the configured batch limit.
	ErrBatchTooLarge = core.ErrBatchTooLarge

	// ErrInvalidPageSize is returned when a page size is negative or above
	// the configured maximum.
	ErrInvalidPageSize = core.ErrInvalidPageSize

	// ErrWriteConflict is returned when concurrent writers touched the
	// same tuples and the transaction could not be applied. Safe to retry.
	ErrWriteConflict = core.ErrWriteConflict

	// ErrNotMigrated is returned when the backing store is reachable but
	// the clove tables are missing. Run `clove migrate`.
	ErrNotMigrated = core.ErrNotMigrated
)

// IsInvalidTupleErr returns true if err is or wraps ErrInvalidTuple or
// ErrInvalidIdentifier.
func IsInvalidTupleErr(err error) bool {
	return errors.Is(err, ErrInvalidTuple) || errors.Is(err, ErrInvalidIdentifier)
}

// IsInvalidModelErr returns true if err is or wraps ErrInvalidModel.
func IsInvalidModelErr(err error) bool {
	return errors.Is(err, ErrInvalidModel)
}

// IsNoActiveModelErr returns true if err is or wraps ErrNoActiveModel.
func IsNoActiveModelErr(err error) bool {
	return errors.Is(err, ErrNoActiveModel)
}

// IsModelNotFoundErr returns true if err is or wraps ErrModelNotFound.
func IsModelNotFoundErr(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

// IsDepthExceededErr returns true if err is or wraps ErrDepthExceeded.
func IsDepthExceededErr(err error) bool {
	return errors.Is(err, ErrDepthExceeded)
}

// IsWriteConflictErr returns true if err is or wraps ErrWriteConflict.
func IsWriteConflictErr(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsNotMigratedErr returns true if err is or wraps ErrNotMigrated.
func IsNotMigratedErr(err error) bool {
	return errors.Is(err, ErrNotMigrated)
}