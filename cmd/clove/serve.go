package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	clove "github.com/cloveworks/clove"
	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/server"
)

var (
	serveGRPCAddr  string
	serveDebugAddr string
	serveDriver    string
	serveDB        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	Long: `Run the clove.v1.Authz gRPC server and the debug HTTP listener
(health, metrics, pprof). The server runs until interrupted.`,
	Example: `  # Serve against PostgreSQL
  clove serve --db postgres://localhost/clove

  # Serve against the in-memory store (development)
  clove serve --driver memory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr := resolveString(serveGRPCAddr, cfg.Server.GRPCAddr)
		debugAddr := resolveString(serveDebugAddr, cfg.Server.DebugAddr)
		driver := resolveString(serveDriver, cfg.Database.Driver)

		logger, err := buildLogger(cfg.Log)
		if err != nil {
			return cli.ConfigError("building logger", err)
		}
		defer func() { _ = logger.Sync() }()

		store, err := openStore(driver)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		opts := []clove.Option{
			clove.WithLogger(logger),
			clove.WithMaxDepth(cfg.Check.MaxDepth),
			clove.WithConcurrency(int64(cfg.Check.ConcurrencyLimit)),
			clove.WithBatchMax(cfg.Check.BatchMax),
			clove.WithListMaxResults(cfg.List.MaxResults),
		}
		if cfg.List.Confirm == "always" {
			opts = append(opts, clove.WithConfirmAlways())
		}
		checker := clove.NewChecker(store, opts...)

		srv := server.New(server.Config{
			GRPCAddr:       grpcAddr,
			DebugAddr:      debugAddr,
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxRecvBytes:   cfg.Server.MaxRecvBytes,
		}, checker, store, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !quiet {
			fmt.Printf("clove serving gRPC on %s (driver: %s)\n", grpcAddr, driver)
		}
		if err := srv.Run(ctx); err != nil {
			return cli.GeneralError("server", err)
		}
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address")
	f.StringVar(&serveDebugAddr, "debug-addr", "", "debug HTTP listen address")
	f.StringVar(&serveDriver, "driver", "", "storage driver: postgres or memory")
	f.StringVar(&serveDB, "db", "", "database URL")
}

// openStore builds the configured storage backend.
func openStore(driver string) (clove.Store, error) {
	switch driver {
	case "memory":
		store, err := clove.NewMemoryStore()
		if err != nil {
			return nil, cli.GeneralError("opening memory store", err)
		}
		return store, nil
	case "postgres":
		dsn, err := resolveDSN(serveDB)
		if err != nil {
			return nil, err
		}
		store, err := clove.OpenPostgres(clove.PostgresConfig{
			URL:             dsn,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, cli.DBConnectError("connecting to database", err)
		}
		return store, nil
	default:
		return nil, cli.ConfigError(fmt.Sprintf("unknown database driver: %s", driver), nil)
	}
}

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	if dsn == "" {
		return "", cli.ConfigError("database URL is required (use --db or set in config)", nil)
	}
	return dsn, nil
}

// buildLogger constructs the zap logger from log config. Repeated -v
// flags lower the level below the configured one.
func buildLogger(lc cli.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	if verbose > 0 {
		level = zapcore.DebugLevel
	}
	if quiet {
		level = zapcore.ErrorLevel
	}

	var zc zap.Config
	switch lc.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or console)", lc.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
