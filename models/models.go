package models

import (
	"errors"
	"time"
)

// Error taxonomy surfaced by the core. Callers classify with errors.Is.
var (
	// ErrUpstreamUnavailable is returned when the generation service cannot
	// be reached (connection refused, timeout, 5xx).
	ErrUpstreamUnavailable = errors.New("generation upstream unavailable")

	// ErrAuthenticationFailed is returned when the bearer credential is
	// rejected by the generation service. Never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrModelNotFound is returned when the requested model id is unknown
	// to the generation service. Never retried.
	ErrModelNotFound = errors.New("model not found")

	// ErrPersistenceFailure wraps a failed document write after its retry.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrSessionConflict is returned synchronously on a duplicate
	// submission for an in-flight session or log directory.
	ErrSessionConflict = errors.New("session already active")

	// ErrNotFound is returned when a referenced document or job is absent.
	ErrNotFound = errors.New("not found")
)

type JobKind string

const (
	JobKindReasoning JobKind = "reasoning"
	JobKindArticle   JobKind = "article"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusCancelled || s == JobStatusFailed
}

// Job is one reasoning or article run. Status is mutated only by the
// goroutine executing the job and by explicit cancellation.
type Job struct {
	ID         string     `json:"id"`
	Kind       JobKind    `json:"kind"`
	Owner      string     `json:"owner"`
	LogDir     string     `json:"log_dir"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Fragment is one incremental chunk of generated text, tagged with the
// logical slot it belongs to ("response" or "article").
type Fragment struct {
	SessionID string `json:"session_id"`
	Slot      string `json:"slot"`
	Seq       uint64 `json:"seq"`
	Text      string `json:"text"`
}

// Logical slot names. Each maps to one document in the job's directory.
const (
	SlotResponse = "response"
	SlotArticle  = "article"
	SlotContext  = "context"
)

// DocumentInfo describes a stored document without its content, used by
// the listing/search surface.
type DocumentInfo struct {
	Owner       string    `json:"owner"`
	Path        string    `json:"path"`
	Revision    int64     `json:"revision"`
	ContentKind string    `json:"content_kind"`
	UpdatedAt   time.Time `json:"updated_at"`
}
