package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    owner       TEXT NOT NULL DEFAULT '',
    n           INTEGER NOT NULL,
    chunks      INTEGER NOT NULL,
    status      TEXT NOT NULL,
    result      INTEGER,
    detail      TEXT,
    cached      INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createJobCacheTable = `
CREATE TABLE IF NOT EXISTS job_cache (
    n           INTEGER NOT NULL,
    chunks      INTEGER NOT NULL,
    result      INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    use_count   INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (n, chunks)
)`

const createOwnerIndex = `
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner, created_at DESC)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// from being split across pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobCacheTable, createOwnerIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append inserts the job-history row at creation time.
func (s *SQLiteStore) Append(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, owner, n, chunks, status, result, detail, cached,
			duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.N, r.Chunks, r.Status, r.Result, r.Detail, r.Cached,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// Finish updates the row once with the terminal outcome.
func (s *SQLiteStore) Finish(ctx context.Context, r *Record) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, detail = ?, duration_ms = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Result, r.Detail, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish job record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns a page of the owner's jobs ordered by created_at DESC,
// along with the owner's total job count.
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE owner = ?", owner,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, owner, n, chunks, status, result, detail, cached,
			duration_ms, created_at, started_at, finished_at
		FROM jobs WHERE owner = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, owner, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(
			&r.ID, &r.Owner, &r.N, &r.Chunks, &r.Status, &r.Result, &r.Detail,
			&r.Cached, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate job records: %w", err)
	}

	return records, total, nil
}

// GetStats computes aggregate counts and the average duration of finished jobs.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// LookupCachedResult returns the stored outcome for (n, chunks) and bumps
// its use counter. Returns ErrNotFound on a cache miss.
func (s *SQLiteStore) LookupCachedResult(ctx context.Context, n int64, chunks int) (*CachedResult, error) {
	c := &CachedResult{}
	err := s.db.QueryRowContext(ctx,
		"SELECT result, duration_ms, use_count FROM job_cache WHERE n = ? AND chunks = ?",
		n, chunks,
	).Scan(&c.Result, &c.DurationMS, &c.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cached result: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE job_cache SET use_count = use_count + 1 WHERE n = ? AND chunks = ?",
		n, chunks,
	); err != nil {
		return nil, fmt.Errorf("bump cache use count: %w", err)
	}
	c.UseCount++
	return c, nil
}

// SaveCachedResult records a completed (n, chunks) outcome for reuse.
func (s *SQLiteStore) SaveCachedResult(ctx context.Context, n int64, chunks int, result int64, durationMS int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_cache (n, chunks, result, duration_ms, use_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (n, chunks) DO NOTHING`,
		n, chunks, result, durationMS, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cached result: %w", err)
	}
	return nil
}
