// Package history persists job records to the external relational store.
// The core appends a record on creation, updates it once on the terminal
// transition, and otherwise only reads.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("history: record not found")

// Record is one job-history row, keyed by owner for listing.
type Record struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner,omitempty"`
	N          int64      `json:"n"`
	Chunks     int        `json:"chunks"`
	Status     string     `json:"status"`
	Result     *int64     `json:"result,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Cached     bool       `json:"cached"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CachedResult is a previously computed (n, chunks) outcome.
type CachedResult struct {
	Result     int64
	DurationMS int
	UseCount   int
}

// Stats holds aggregate execution statistics across all recorded jobs.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for job history and the result
// cache.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Finish(ctx context.Context, r *Record) error
	ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*Record, int, error)
	GetStats(ctx context.Context) (*Stats, error)
	LookupCachedResult(ctx context.Context, n int64, chunks int) (*CachedResult, error)
	SaveCachedResult(ctx context.Context, n int64, chunks int, result int64, durationMS int) error
	Close() error
}
