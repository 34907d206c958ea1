package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const (
	dirMode  = 0o750
	fileMode = 0o600

	pingTimeout = 5 * time.Second
)

// DB is the simulator's SQLite handle. It embeds *sql.DB so repositories
// can use it directly.
type DB struct {
	*sql.DB
	path string
}

// Open prepares the directory for cfg.Path, opens the database with the
// configured pragmas and pings it. The handle is limited to a single
// connection: SQLite has one writer, and an in-memory database lives
// only as long as its connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	onDisk := cfg.Path != MemoryPath
	if onDisk {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if onDisk {
		_ = os.Chmod(cfg.Path, fileMode) //nolint:errcheck // created lazily on first write
	}

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// dsn builds the go-sqlite3 connection string for cfg. WAL is skipped for
// in-memory databases, which have no journal file.
func dsn(cfg config.DatabaseConfig) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	q.Set("_foreign_keys", "on")
	if cfg.WALMode && cfg.Path != MemoryPath {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close releases the connection. It is safe on a zero DB.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the configured database path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
