// Package server wires the Checker behind the clove.v1.Authz gRPC
// service: request translation, error-to-status mapping, interceptors,
// and the debug HTTP listener with health, metrics and pprof.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	clove "github.com/cloveworks/clove"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/pkg/api"
)

// Config tunes the server's listeners and per-request defaults.
type Config struct {
	// GRPCAddr is the gRPC listen address, e.g. ":9090".
	GRPCAddr string

	// DebugAddr is the debug HTTP listen address. Empty disables the
	// debug listener.
	DebugAddr string

	// RequestTimeout is the deadline injected when a client sends none.
	RequestTimeout time.Duration

	// MaxRecvBytes caps inbound message size. Zero keeps the gRPC
	// default.
	MaxRecvBytes int

	// ShutdownGrace bounds how long Stop waits for in-flight requests.
	ShutdownGrace time.Duration
}

// Server runs the Authz gRPC service and the debug HTTP listener.
type Server struct {
	cfg     Config
	store   storage.Store
	checker *clove.Checker
	logger  *zap.Logger
	metrics *metrics

	grpcServer  *grpc.Server
	debugServer *http.Server
}

// New assembles a server over an already-constructed Checker and its
// store. The store is only used for health checks; every RPC goes
// through the Checker.
func New(cfg Config, checker *clove.Checker, store storage.Store, logger *zap.Logger) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		checker: checker,
		logger:  logger,
		metrics: newMetrics(),
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			observeInterceptor(logger, s.metrics),
			deadlineInterceptor(cfg.RequestTimeout),
			statusInterceptor(logger),
		),
	}
	if cfg.MaxRecvBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvBytes))
	}
	s.grpcServer = grpc.NewServer(opts...)
	api.RegisterAuthzServer(s.grpcServer, &authz{checker: checker, metrics: s.metrics})
	return s
}

// RegisterTo registers the Authz service on an external gRPC server.
// Used by tests that run over bufconn.
func (s *Server) RegisterTo(g grpc.ServiceRegistrar) {
	api.RegisterAuthzServer(g, &authz{checker: s.checker, metrics: s.metrics})
}

// Run serves until the context is cancelled, then shuts down
// gracefully. It owns both listeners and returns the first fatal error.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if serveErr := s.grpcServer.Serve(lis); serveErr != nil {
			errCh <- fmt.Errorf("grpc serve: %w", serveErr)
		}
	}()

	if s.cfg.DebugAddr != "" {
		s.debugServer = &http.Server{
			Addr:              s.cfg.DebugAddr,
			Handler:           s.debugRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("debug listening", zap.String("addr", s.cfg.DebugAddr))
			if serveErr := s.debugServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- fmt.Errorf("debug serve: %w", serveErr)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		s.stop()
		return nil
	case err := <-errCh:
		s.stop()
		return err
	}
}

// stop drains in-flight requests up to the grace period, then forces
// the remainder.
func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
	}

	if s.debugServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.debugServer.Shutdown(ctx)
	}
}
