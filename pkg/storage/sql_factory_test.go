package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/connpool/pkg/connpool"
)

func testDSN(t *testing.T) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(t.TempDir(), "test.db"))
}

func setupFactory(t *testing.T) *SQLFactory {
	t.Helper()
	f, err := NewSQLFactory(&Config{Driver: DriverSQLite, DSN: testDSN(t), ConnectTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func setupPool(t *testing.T, f *SQLFactory) *connpool.Pool[*sql.Conn] {
	t.Helper()
	cfg := connpool.DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 3
	cfg.AcquireTimeout = 2 * time.Second
	cfg.CreateAttempts = 1

	pool, err := connpool.New[*sql.Conn](cfg, f, connpool.WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Close(ctx)
	})
	return pool
}

func TestNewSQLFactory(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantError bool
		check     func(t *testing.T, f *SQLFactory)
	}{
		{
			name:   "SQLite in memory",
			config: &Config{Driver: DriverSQLite, DSN: "file:factory_new?mode=memory&cache=shared"},
			check: func(t *testing.T, f *SQLFactory) {
				assert.Equal(t, DriverSQLite, f.Driver())
			},
		},
		{
			name: "SQLite file creates directory",
			config: &Config{
				Driver: DriverSQLite,
				DSN:    "file:" + filepath.Join(t.TempDir(), "nested", "pool.db") + "?_journal_mode=WAL",
			},
		},
		{
			name:   "MySQL DSN is normalized",
			config: &Config{Driver: DriverMySQL, DSN: "app:secret@tcp(127.0.0.1:3306)/pool", ConnectTimeout: 3 * time.Second},
			check: func(t *testing.T, f *SQLFactory) {
				assert.Equal(t, DriverMySQL, f.Driver())
				assert.Contains(t, f.DSN(), "parseTime=true")
				assert.Contains(t, f.DSN(), "timeout=3s")
				assert.NotContains(t, f.DSN(), "secret")
			},
		},
		{
			name:      "Invalid MySQL DSN",
			config:    &Config{Driver: DriverMySQL, DSN: "not a dsn"},
			wantError: true,
		},
		{
			name:      "Unsupported driver",
			config:    &Config{Driver: "postgres", DSN: "postgres://localhost"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSQLFactory(tt.config)
			if tt.wantError {
				assert.Error(t, err)
				assert.Nil(t, f)
				return
			}
			require.NoError(t, err)
			defer f.Close()
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestSQLFactory_Lifecycle(t *testing.T) {
	f := setupFactory(t)
	ctx := context.Background()

	conn, err := f.Create(ctx)
	require.NoError(t, err)
	assert.True(t, f.Validate(ctx, conn))

	var one int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)

	require.NoError(t, f.Destroy(conn))
	assert.False(t, f.Validate(ctx, conn))
	assert.NoError(t, f.Destroy(conn), "destroying twice is not an error")
}

func TestSQLFactory_BackingPool(t *testing.T) {
	f := setupFactory(t)
	pool := setupPool(t, f)
	ctx := context.Background()

	err := pool.WithConnection(ctx, func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		_, err := c.Link().ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
		return err
	})
	require.NoError(t, err)

	err = pool.WithConnection(ctx, func(ctx context.Context, c *connpool.Conn[*sql.Conn]) error {
		_, err := c.Link().ExecContext(ctx, "INSERT INTO t (v) VALUES (42)")
		return err
	})
	require.NoError(t, err)

	report, err := pool.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, connpool.HealthStatusHealthy, report.OverallHealth)
	assert.Equal(t, 1, pool.Stats().IdleCount)
}
