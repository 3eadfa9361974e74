package core

import "errors"

// Sentinel errors for the failure modes callers are expected to branch
// on. Denied access is not an error: checks return Allowed=false with a
// nil error. These errors mean the request was malformed, referenced
// something that does not exist, or hit a configured limit. The server
// maps them onto gRPC status codes; classify wrapped errors with
// errors.Is.
var (
	// ErrInvalidIdentifier is returned when an object, relation or subject
	// does not match the identifier grammar.
	ErrInvalidIdentifier = errors.New("clove: invalid identifier")

	// ErrInvalidTuple is returned when a tuple key is malformed or not
	// permitted by the active model's type restrictions.
	ErrInvalidTuple = errors.New("clove: invalid tuple")

	// ErrInvalidToken is returned when a consistency token cannot be decoded.
	ErrInvalidToken = errors.New("clove: invalid consistency token")

	// ErrTokenTooNew is returned when a request carries a token newer than
	// anything this store has issued. It usually means the token came from
	// a different deployment.
	ErrTokenTooNew = errors.New("clove: consistency token too new")

	// ErrInvalidModel is returned when a model fails to parse or
	// validate. The accompanying diagnostics say what is wrong.
	ErrInvalidModel = errors.New("clove: invalid model")

	// ErrNoActiveModel is returned when an operation needs the active
	// authorization model and none has been activated.
	ErrNoActiveModel = errors.New("clove: no active authorization model")

	// ErrModelNotFound is returned when a model id or version id does not
	// resolve to a stored model.
	ErrModelNotFound = errors.New("clove: authorization model not found")

	// ErrUnknownType is returned when a request references an object type
	// the active model does not define.
	ErrUnknownType = errors.New("clove: unknown object type")

	// ErrUnknownRelation is returned when a request references a relation
	// the active model does not define on the object's type.
	ErrUnknownRelation = errors.New("clove: unknown relation")

	// ErrDepthExceeded is returned when resolution runs past the
	// configured depth limit, usually a sign of a deeply nested or
	// adversarial model.
	ErrDepthExceeded = errors.New("clove: resolution depth exceeded")

	// ErrBatchTooLarge is returned when a write or batch-check payload
	// exceeds the configured batch limit.
	ErrBatchTooLarge = errors.New("clove: batch too large")

	// ErrInvalidPageSize is returned when a page size is negative or above
	// the configured maximum.
	ErrInvalidPageSize = errors.New("clove: invalid page size")

	// ErrWriteConflict is returned when concurrent writers touched the
	// same tuples and the transaction could not be applied. Safe to retry.
	ErrWriteConflict = errors.New("clove: write conflict")

	// ErrNotMigrated is returned when the backing store is reachable but
	// the clove tables are missing. Run `clove migrate`.
	ErrNotMigrated = errors.New("clove: store not migrated")
)
