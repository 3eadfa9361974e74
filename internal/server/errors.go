package server

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
)

// toStatus translates engine and storage errors into gRPC statuses.
// Sentinel order matters: a write rejected by the model wraps both
// ErrInvalidTuple and ErrUnknownType/ErrUnknownRelation and must map to
// InvalidArgument, while an unknown type reaching the check engine is a
// precondition failure. Unclassified errors become Internal with a
// correlation id; the detail goes to the log, not the caller.
func toStatus(err error, logger *zap.Logger) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")

	case errors.Is(err, core.ErrInvalidIdentifier),
		errors.Is(err, core.ErrInvalidTuple),
		errors.Is(err, core.ErrInvalidToken),
		errors.Is(err, core.ErrInvalidModel),
		errors.Is(err, core.ErrInvalidPageSize),
		errors.Is(err, storage.ErrInvalidContinuationToken):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, core.ErrNoActiveModel),
		errors.Is(err, core.ErrTokenTooNew),
		errors.Is(err, core.ErrNotMigrated),
		errors.Is(err, core.ErrUnknownType),
		errors.Is(err, core.ErrUnknownRelation):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrModelNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, core.ErrDepthExceeded),
		errors.Is(err, core.ErrBatchTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, core.ErrWriteConflict):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, storage.ErrStoreClosed):
		return status.Error(codes.Unavailable, err.Error())
	}

	id := uuid.NewString()
	logger.Error("internal error", zap.String("correlation_id", id), zap.Error(err))
	return status.Errorf(codes.Internal, "internal error (correlation id %s)", id)
}
