package server

import (
	"context"
	"path"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recoveryInterceptor turns handler panics into Internal statuses with
// a correlation id. The stack goes to the log, never to the caller.
func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				id := uuid.NewString()
				logger.Error("handler panic",
					zap.String("method", info.FullMethod),
					zap.String("correlation_id", id),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = status.Errorf(codes.Internal, "internal error (correlation id %s)", id)
			}
		}()
		return handler(ctx, req)
	}
}

// deadlineInterceptor injects a default deadline when the client sent
// none, so no request runs unbounded.
func deadlineInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); !ok && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return handler(ctx, req)
	}
}

// statusInterceptor maps handler errors onto gRPC statuses. It sits
// innermost so every other interceptor observes the final code.
func statusInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, toStatus(err, logger)
	}
}

// observeInterceptor records request logs and metrics.
func observeInterceptor(logger *zap.Logger, m *metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		method := path.Base(info.FullMethod)
		code := status.Code(err)
		m.rpcTotal.WithLabelValues(method, code.String()).Inc()
		m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("code", code.String()),
			zap.Duration("duration", elapsed),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc handled", fields...)
		}
		return resp, err
	}
}
