package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgelabs/sumforge/internal/config"
	"github.com/forgelabs/sumforge/internal/history"
	"github.com/forgelabs/sumforge/internal/model"
	"github.com/forgelabs/sumforge/internal/ratelimit"
	"github.com/forgelabs/sumforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	idempotencyKeyHeader = "Idempotency-Key"
)

// createJobRequest is the JSON body for job creation. Pointer fields
// distinguish absent fields from zero values.
type createJobRequest struct {
	N      *int64 `json:"n"`
	Chunks *int   `json:"chunks"`
}

// listJobsResponse wraps the paginated job-history list.
type listJobsResponse struct {
	Jobs   []*history.Record `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	owner := subject(r)
	s.createJob(w, r, owner, owner, s.opts.AuthLimits, s.authLimiter)
}

func (s *Server) handleCreateDemoJob(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	s.createJob(w, r, "", "demo:"+ip, s.opts.DemoLimits, s.demoLimiter)
}

// createJob is the shared creation path for both caller classes. Owner is
// empty for anonymous demo jobs; limiterKey identifies the caller for rate
// limiting and idempotency scoping.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request, owner, limiterKey string, limits config.Limits, limiter *ratelimit.Limiter) {
	if ok, retryAfter := limiter.Allow(limiterKey); !ok {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": seconds,
		})
		return
	}

	// The replay check runs before the body is even read: a repeated key
	// returns the stored response no matter what payload it carries.
	idemKey := r.Header.Get(idempotencyKeyHeader)
	if idemKey != "" {
		stored, claimed, err := s.idem.Begin(r.Context(), limiterKey, idemKey)
		if err != nil {
			s.writeError(w, http.StatusRequestTimeout, "request cancelled")
			return
		}
		if !claimed {
			s.writeRawJSON(w, http.StatusAccepted, stored)
			return
		}
	}
	// Only a stored 202 replays; any failure from here on releases the key
	// so the caller can retry with it.
	abort := func() {
		if idemKey != "" {
			s.idem.Abort(limiterKey, idemKey)
		}
	}

	// Undecodable or incomplete bodies are 422; bodies that parse but carry
	// out-of-range bounds are 400.
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		abort()
		s.writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if req.N == nil || req.Chunks == nil {
		abort()
		s.writeError(w, http.StatusUnprocessableEntity, "n and chunks are required")
		return
	}

	n, chunks := *req.N, *req.Chunks
	if msg := validateSpec(n, chunks, limits); msg != "" {
		abort()
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	snap, err := s.submit(r, owner, n, chunks)
	if err != nil {
		abort()
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	body, err := json.Marshal(snap)
	if err != nil {
		abort()
		s.logger.Error("encode job snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	if idemKey != "" {
		s.idem.Commit(limiterKey, idemKey, body)
	}
	s.writeRawJSON(w, http.StatusAccepted, body)
}

// submit starts a job, serving it from the result cache when the same work
// specification has already been computed. Anonymous demo jobs always run
// the computation; only authenticated creates consult the cache.
func (s *Server) submit(r *http.Request, owner string, n int64, chunks int) (model.Snapshot, error) {
	if owner != "" {
		cached, err := s.history.LookupCachedResult(r.Context(), n, chunks)
		if err == nil {
			return s.engine.SubmitCached(r.Context(), owner, n, chunks, cached)
		}
		if !errors.Is(err, history.ErrNotFound) {
			s.logger.Warn("result cache lookup", "error", err)
		}
	}

	return s.engine.Submit(r.Context(), owner, n, chunks)
}

// validateSpec checks a work specification against the caller class limits.
// Returns an empty string when valid.
func validateSpec(n int64, chunks int, limits config.Limits) string {
	switch {
	case n < 1:
		return "n must be at least 1"
	case chunks < 1:
		return "chunks must be at least 1"
	case n > limits.MaxN:
		return fmt.Sprintf("n must not exceed %d", limits.MaxN)
	case chunks > limits.MaxChunks:
		return fmt.Sprintf("chunks must not exceed %d", limits.MaxChunks)
	case int64(chunks) > n:
		return "chunks must not exceed n"
	}
	return ""
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	owner, err := s.store.Owner(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job owner", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// Owned jobs may only be cancelled by their owner. A mismatch reads the
	// same as a missing job so job IDs are not probeable.
	if owner != "" {
		caller, err := s.verifier.Verify(r.Context(), bearerToken(r))
		if err != nil || caller != owner {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
	}

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.history.ListByOwner(r.Context(), subject(r), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*history.Record{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeRawJSON writes pre-encoded JSON, used where the idempotency cache
// must replay byte-identical responses.
func (s *Server) writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
