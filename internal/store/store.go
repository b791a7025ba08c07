// Package store holds the authoritative in-memory record of job and chunk
// state. All mutation of a given job goes through Apply, which serializes
// writers per job; different jobs update independently.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/forgelabs/sumforge/internal/model"
)

// ErrNotFound is returned when a job is unknown or past its expiry window.
// Expired jobs are indistinguishable from jobs that never existed.
var ErrNotFound = errors.New("job not found")

// ErrExists is returned when creating a job with an identifier already in use.
var ErrExists = errors.New("job already exists")

// Store is a concurrent job table with TTL-based expiry.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	job model.Job
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

// Create inserts a new job record. The job is copied; the caller's value is
// not retained.
func (s *Store) Create(j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return ErrExists
	}
	e := &entry{job: *j}
	e.job.Chunks = append([]model.Chunk(nil), j.Chunks...)
	s.jobs[j.ID] = e
	return nil
}

// Get returns a snapshot of the job's current state.
func (s *Store) Get(id string) (model.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return model.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Snapshot(), nil
}

// Owner returns the owning subject for a job; empty for anonymous demo jobs.
func (s *Store) Owner(id string) (string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Owner, nil
}

// Apply runs fn against the job under its per-job lock and returns the
// resulting snapshot. This is the single serialization point for all
// mutation of one job's counters and status. If fn returns an error the
// mutation is considered not to have happened, but any changes fn already
// made are kept; fn must mutate only after its checks pass.
func (s *Store) Apply(id string, fn func(*model.Job) error) (model.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return model.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(&e.job); err != nil {
		return e.job.Snapshot(), err
	}
	return e.job.Snapshot(), nil
}

// Count returns the number of jobs currently held, including terminal jobs
// not yet swept.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Sweep evicts every job whose expiry timestamp is in the past and returns
// the evicted job IDs, so callers can release per-job state held elsewhere.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, e := range s.jobs {
		if now.After(e.job.ExpiresAt) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// lookup finds a live entry, treating expired jobs as missing.
func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.job.ExpiresAt) {
		return nil, ErrNotFound
	}
	return e, nil
}
