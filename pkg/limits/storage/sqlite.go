package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"          // pure Go SQLite driver ("sqlite")
)

const (
	// DriverModernc selects the pure Go modernc.org/sqlite driver.
	DriverModernc = "sqlite"

	// DriverMattn selects the cgo github.com/mattn/go-sqlite3 driver.
	DriverMattn = "sqlite3"
)

// SQLiteBackend implements Backend using SQLite for persistence.
// It is suitable for single-instance deployments where usage counts must
// survive restarts and cache outages.
//
// SQLiteBackend uses a write-ahead log (WAL) and periodic checkpointing.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	driver             string
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.RWMutex
	closeOnce          sync.Once

	loadStmt    *sql.Stmt
	saveStmt    *sql.Stmt
	deleteStmt  *sql.Stmt
	listStmt    *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Driver is DriverModernc (default) or DriverMattn.
	Driver string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := sqliteDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		driver:             cfg.Driver,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

// sqliteDSN builds the connection string; the two drivers spell pragmas differently.
func sqliteDSN(cfg SQLiteBackendConfig) (string, error) {
	busy := cfg.BusyTimeout.Milliseconds()
	switch cfg.Driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			cfg.DBPath, busy), nil
	case DriverMattn:
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
			cfg.DBPath, busy), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", cfg.Driver)
	}
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		ip TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		reset_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_reset_at ON usage_records(reset_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.loadStmt, err = s.db.Prepare(`
		SELECT ip, count, window_start, reset_at, updated_at
		FROM usage_records
		WHERE ip = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load statement: %w", err)
	}

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO usage_records (ip, count, window_start, reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			count = excluded.count,
			window_start = excluded.window_start,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM usage_records WHERE ip = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT ip, count, window_start, reset_at, updated_at
		FROM usage_records
		ORDER BY ip
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`DELETE FROM usage_records WHERE reset_at < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*UsageRecord, error) {
	var (
		rec                              UsageRecord
		windowStart, resetAt, updatedAt int64
	)
	if err := row.Scan(&rec.Key, &rec.Count, &windowStart, &resetAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.WindowStart = time.UnixMilli(windowStart)
	rec.ResetAt = time.UnixMilli(resetAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// Load retrieves the usage record for a key.
func (s *SQLiteBackend) Load(ctx context.Context, key string) (*UsageRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanRecord(s.loadStmt.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	return rec, nil
}

// Save persists a usage record.
func (s *SQLiteBackend) Save(ctx context.Context, rec *UsageRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.Key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.saveStmt.ExecContext(ctx,
		rec.Key,
		rec.Count,
		rec.WindowStart.UnixMilli(),
		rec.ResetAt.UnixMilli(),
		updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	return nil
}

// Increment atomically consumes one use for key inside a transaction.
func (s *SQLiteBackend) Increment(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*UsageRecord, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.StmtContext(ctx, s.loadStmt).QueryRowContext(ctx, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = freshRecord(key, window, now)
	case err != nil:
		return nil, false, fmt.Errorf("failed to load record: %w", err)
	case rec.Expired(now):
		rec = freshRecord(key, window, now)
	case rec.Count >= limit:
		return rec, false, nil
	}

	rec.Count++
	rec.UpdatedAt = now

	if _, err := tx.StmtContext(ctx, s.saveStmt).ExecContext(ctx,
		rec.Key, rec.Count, rec.WindowStart.UnixMilli(), rec.ResetAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, false, fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit increment: %w", err)
	}

	return rec, true, nil
}

// Decrement atomically returns one use for key, floored at zero.
func (s *SQLiteBackend) Decrement(ctx context.Context, key string, now time.Time) (*UsageRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.StmtContext(ctx, s.loadStmt).QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec.Expired(now) {
		return nil, nil
	}

	if rec.Count > 0 {
		rec.Count--
	}
	rec.UpdatedAt = now

	if _, err := tx.StmtContext(ctx, s.saveStmt).ExecContext(ctx,
		rec.Key, rec.Count, rec.WindowStart.UnixMilli(), rec.ResetAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decrement: %w", err)
	}

	return rec, nil
}

// Delete removes the record for key.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	return nil
}

// List returns all stored records ordered by key.
func (s *SQLiteBackend) List(ctx context.Context) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// Cleanup removes records whose window ended before olderThan.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

// Ping checks the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the database/sql driver name in use.
func (s *SQLiteBackend) Driver() string {
	return s.driver
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.loadStmt, s.saveStmt, s.deleteStmt, s.listStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
