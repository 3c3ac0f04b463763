package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/connpool/pkg/api"
	"github.com/sandboxrunner/connpool/pkg/config"
	"github.com/sandboxrunner/connpool/pkg/connpool"
	"github.com/sandboxrunner/connpool/pkg/monitoring"
	"github.com/sandboxrunner/connpool/pkg/storage"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	httpPort   int
	dbDriver   string
	dbDSN      string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poold",
		Short: "Pooled database document service",
		Long: `poold serves a small document API backed by a bounded pool of database
connections. Pool behaviour (sizes, timeouts, validation, eviction) is set
through the configuration file, CONNPOOL_* environment variables or flags.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP server port")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "database driver (sqlite3, mysql)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "dsn", "", "database DSN")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// applyFlags overrides configuration values with any command line flags set.
func applyFlags(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	if dbDriver != "" {
		cfg.Database.Driver = dbDriver
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("driver", cfg.Database.Driver).
		Msg("Starting poold")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// In-flight requests keep running after the signal until Stop drains them.
	if err := a.start(context.WithoutCancel(ctx)); err != nil {
		a.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors")
		return err
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}

// app holds the running components in dependency order.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	tracing *monitoring.TracingManager
	factory *storage.SQLFactory
	pool    *connpool.Pool[*sql.Conn]
	store   *storage.DocumentStore
	server  *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRatio:  cfg.Tracing.SampleRate,
		ExportTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup tracing: %w", err)
	}
	a.tracing = tracing

	a.factory, err = storage.NewSQLFactory(&storage.Config{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		a.shutdown(context.Background())
		return nil, fmt.Errorf("failed to create connection factory: %w", err)
	}

	a.pool, err = connpool.New[*sql.Conn](cfg.Pool.ToPoolConfig(), a.factory,
		connpool.WithName(cfg.Server.Name),
		connpool.WithTracerProvider(tracing.TracerProvider()),
	)
	if err != nil {
		a.shutdown(context.Background())
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	a.store = storage.NewDocumentStore(a.factory.Driver())
	if err := a.prepareStore(ctx); err != nil {
		a.shutdown(context.Background())
		return nil, err
	}

	var middleware []mux.MiddlewareFunc
	if tracing.Enabled() {
		middleware = append(middleware, tracing.Middleware)
	}
	a.server = api.NewServer(api.Config{
		Address:       cfg.Server.Address,
		Port:          cfg.Server.Port,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		SlowDelay:     cfg.Server.SlowDelay,
		StatsInterval: cfg.Server.StatsInterval,
	}, a.pool, a.store, logger, middleware...)

	return a, nil
}

// prepareStore creates the schema and, when configured, writes the seed document.
func (a *app) prepareStore(ctx context.Context) error {
	return a.pool.WithConnection(ctx, func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		if err := a.store.EnsureSchema(ctx, c.Link()); err != nil {
			return err
		}
		if !a.cfg.Database.SeedOnStart {
			return nil
		}
		if _, err := a.store.Insert(ctx, c.Link(), "test", map[string]string{"a": "b"}); err != nil {
			return fmt.Errorf("failed to seed database: %w", err)
		}
		a.logger.Info().
			Str("driver", a.factory.Driver()).
			Str("dsn", a.factory.DSN()).
			Msg("Connected to database...")
		return nil
	})
}

func (a *app) start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// shutdown stops the components in reverse order. It is safe to call on a
// partially built app.
func (a *app) shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.server != nil {
		record(a.server.Stop(ctx))
	}
	if a.pool != nil {
		record(a.pool.Close(ctx))
	}
	if a.factory != nil {
		record(a.factory.Close())
	}
	if a.tracing != nil {
		record(a.tracing.Shutdown(ctx))
	}
	return firstErr
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Packages below log through the global logger.
	log.Logger = logger
	return logger, nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file (.yaml or .toml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "poold.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyFlags(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Server: %s on %s:%d\n", cfg.Server.Name, cfg.Server.Address, cfg.Server.Port)
			fmt.Fprintf(out, "Database: %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "Pool: min %d, max %d, acquire timeout %s\n",
				cfg.Pool.MinSize, cfg.Pool.MaxSize, cfg.Pool.AcquireTimeout)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "poold\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
