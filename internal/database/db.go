// Package database provides the embedded single-file relational store backing
// every other component: credentials, sessions, strategies, trades, the audit
// log, and the market-data warm-up cache all live in one SQLite database
// accessed through this package.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Config holds database configuration.
type Config struct {
	Path string
	// MaxOpenConns bounds the connection pool; the persistence contract
	// default is 5.
	MaxOpenConns int
}

// DB wraps the database connection with production-grade configuration.
type DB struct {
	conn *sql.DB
	path string
}

// New opens (and if necessary creates) the database at cfg.Path with WAL
// journaling, synchronous=NORMAL, and foreign keys enabled.
func New(cfg Config) (*DB, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 5
	}

	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	connStr := buildConnectionString(cfg.Path)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxOpenConns)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, path: cfg.Path}, nil
}

func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)" // 64MB, negative = KB
	connStr += "&_pragma=temp_store(MEMORY)"
	return connStr
}

// Close closes the database connection.
func (db *DB) Close() error { return db.conn.Close() }

// Conn returns the underlying *sql.DB for repositories to build queries on.
func (db *DB) Conn() *sql.DB { return db.conn }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Begin starts a new transaction.
func (db *DB) Begin() (*sql.Tx, error) { return db.conn.Begin() }

// BeginTx starts a new transaction with options.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, opts)
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// Exec executes a query without returning rows.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// ExecContext executes a query with context.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryContext executes a query with context.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// QueryRowContext executes a query with context.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// HealthCheck pings the connection and runs a full integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// QuickCheck performs a ping-only health check.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WALCheckpoint forces a WAL checkpoint.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	_, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// Vacuum runs VACUUM to reclaim space and reduce fragmentation.
func (db *DB) Vacuum() error {
	if _, err := db.conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// Analyze refreshes the query planner's statistics.
func (db *DB) Analyze() error {
	if _, err := db.conn.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("analyze failed: %w", err)
	}
	return nil
}

// Backup snapshots the live database to <path>.<label>.<unixnano>.bak using
// SQLite's VACUUM INTO, returning the backup's path. It does not block
// concurrent readers/writers for longer than the copy itself takes.
func (db *DB) Backup(label string) (string, error) {
	dest := fmt.Sprintf("%s.%s.%d.bak", db.path, label, time.Now().UnixNano())
	if _, err := db.conn.Exec(fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return "", fmt.Errorf("backup failed: %w", err)
	}
	return dest, nil
}

// Stats reports database size and pool occupancy.
type Stats struct {
	SizeBytes    int64
	WALSizeBytes int64
	PageCount    int64
	PageSize     int64
	TableCount   int64
	PoolSize     int
}

// GetStats retrieves database statistics.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{PoolSize: db.conn.Stats().OpenConnections}

	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}
	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	if err := db.conn.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table'",
	).Scan(&stats.TableCount); err != nil {
		return nil, fmt.Errorf("failed to get table count: %w", err)
	}

	return stats, nil
}
