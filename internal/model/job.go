package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Chunk status constants.
const (
	ChunkPending   = "pending"
	ChunkRunning   = "running"
	ChunkCompleted = "completed"
	ChunkFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a job in the given status can never change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Chunk is an independently dispatchable sub-range of a job's work.
// The range is half-open: the chunk covers [Start, End).
type Chunk struct {
	Index  int    `json:"index"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Status string `json:"status"`
	Sum    int64  `json:"sum"`
}

// Job is a single submitted computation request, tracked end-to-end.
// Owner is empty for anonymous demo jobs.
type Job struct {
	ID              string
	Owner           string
	N               int64
	TotalChunks     int
	CompletedChunks int
	Status          string
	Partial         int64
	Result          *int64
	Detail          string
	Cached          bool
	Chunks          []Chunk
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ExpiresAt       time.Time
}

// Progress returns the completed fraction in [0, 1].
func (j *Job) Progress() float64 {
	if j.TotalChunks <= 0 {
		return 0
	}
	p := float64(j.CompletedChunks) / float64(j.TotalChunks)
	if p > 1 {
		p = 1
	}
	return p
}

// Snapshot is the client-facing view of a job's state at a point in time.
type Snapshot struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	Progress        float64    `json:"progress"`
	CompletedChunks int        `json:"completed_chunks"`
	TotalChunks     int        `json:"total_chunks"`
	Result          *int64     `json:"result"`
	Detail          string     `json:"detail,omitempty"`
	Cached          bool       `json:"cached"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
}

// Snapshot builds the client-facing view of the job. Result is copied so the
// snapshot stays stable after the job record moves on.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress(),
		CompletedChunks: j.CompletedChunks,
		TotalChunks:     j.TotalChunks,
		Detail:          j.Detail,
		Cached:          j.Cached,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
	if j.Result != nil {
		r := *j.Result
		s.Result = &r
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		d := int(j.FinishedAt.Sub(*j.StartedAt).Milliseconds())
		s.DurationMS = &d
	}
	return s
}
