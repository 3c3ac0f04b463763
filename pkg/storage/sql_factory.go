package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Config holds the SQL backend configuration
type Config struct {
	Driver         string        `json:"driver"`
	DSN            string        `json:"dsn"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:         DriverSQLite,
		DSN:            "file:data/connpool.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		ConnectTimeout: 5 * time.Second,
	}
}

// SQLFactory opens dedicated database/sql connections for a connpool.Pool.
//
// The underlying *sql.DB keeps no idle connections of its own, so every *sql.Conn it
// hands out is one physical link whose lifetime the pool controls. For shared-cache
// in-memory SQLite the database lives only while at least one link is open.
type SQLFactory struct {
	db             *sql.DB
	driver         string
	redactedDSN    string
	connectTimeout time.Duration
}

// NewSQLFactory validates the DSN for the configured driver and prepares a handle.
// No connection is opened until Create is called.
func NewSQLFactory(config *Config) (*SQLFactory, error) {
	if config == nil {
		config = DefaultConfig()
	}
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dsn := config.DSN
	redacted := dsn
	switch config.Driver {
	case DriverSQLite:
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	case DriverMySQL:
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		mc.ParseTime = true
		if mc.Timeout == 0 {
			mc.Timeout = timeout
		}
		dsn = mc.FormatDSN()

		safe := mc.Clone()
		if safe.Passwd != "" {
			safe.Passwd = "xxxxx"
		}
		redacted = safe.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)

	log.Debug().
		Str("driver", config.Driver).
		Str("dsn", redacted).
		Msg("SQL connection factory ready")

	return &SQLFactory{
		db:             db,
		driver:         config.Driver,
		redactedDSN:    redacted,
		connectTimeout: timeout,
	}, nil
}

// ensureSQLiteDir creates the directory of a file-backed SQLite database.
func ensureSQLiteDir(dsn string) error {
	if strings.Contains(dsn, "mode=memory") {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// Driver returns the database/sql driver name.
func (f *SQLFactory) Driver() string {
	return f.driver
}

// DSN returns the data source name with any password masked.
func (f *SQLFactory) DSN() string {
	return f.redactedDSN
}

// Create opens and pings a dedicated connection.
func (f *SQLFactory) Create(ctx context.Context) (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()

	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", f.driver, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", f.driver, err)
	}
	return conn, nil
}

// Validate pings the connection.
func (f *SQLFactory) Validate(ctx context.Context, conn *sql.Conn) bool {
	return conn.PingContext(ctx) == nil
}

// Destroy closes the connection. Closing an already closed connection is not an error.
func (f *SQLFactory) Destroy(conn *sql.Conn) error {
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// Close releases the underlying database handle. Call it after the pool is closed.
func (f *SQLFactory) Close() error {
	return f.db.Close()
}
