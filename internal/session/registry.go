package session

import (
	"context"
	"sync"
	"time"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// Session is one live job execution. Its status is transitioned only by
// the goroutine running the job; everyone else reads a snapshot.
type Session struct {
	id        string
	kind      models.JobKind
	owner     string
	logDir    string
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	status     models.JobStatus
	errMsg     string
	finishedAt time.Time
}

func newSession(id string, kind models.JobKind, owner, logDir string, cancel context.CancelFunc) *Session {
	return &Session{
		id:        id,
		kind:      kind,
		owner:     owner,
		logDir:    logDir,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    models.JobStatusPending,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Kind() models.JobKind { return s.kind }
func (s *Session) Owner() string        { return s.owner }
func (s *Session) LogDir() string       { return s.logDir }

// Status returns the current status and error message.
func (s *Session) Status() (models.JobStatus, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.errMsg
}

// SetStatus records a status transition. Called only by the owning
// goroutine (or Cancel for the cancel request itself).
func (s *Session) SetStatus(status models.JobStatus, errMsg string) {
	s.mu.Lock()
	s.status = status
	s.errMsg = errMsg
	if status.Terminal() {
		s.finishedAt = time.Now()
	}
	s.mu.Unlock()
}

// FinishedAt returns when the session reached a terminal status, zero if
// it has not.
func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt
}

// Cancel requests the job stop pulling fragments. The status transition
// itself happens on the job goroutine once it observes the context.
func (s *Session) Cancel() { s.cancel() }

// Done is closed by the owning goroutine after the terminal status is
// recorded.
func (s *Session) Done() <-chan struct{} { return s.done }

// MarkDone closes the done channel. Called exactly once by the owning
// goroutine.
func (s *Session) MarkDone() { close(s.done) }

// Snapshot renders the session as a Job value.
func (s *Session) Snapshot() models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job := models.Job{
		ID:        s.id,
		Kind:      s.kind,
		Owner:     s.owner,
		LogDir:    s.logDir,
		Status:    s.status,
		Error:     s.errMsg,
		StartedAt: s.startedAt,
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		job.FinishedAt = &t
	}
	return job
}

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open creates and registers a session. Returns ErrSessionConflict when
// the id is already live or another live session owns the same
// (owner, logDir) pair. The conflict check and the insert happen under one
// lock so two racing submissions cannot both pass.
func (r *Registry) Open(id string, kind models.JobKind, owner, logDir string, cancel context.CancelFunc) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, models.ErrSessionConflict
	}
	for _, s := range r.sessions {
		status, _ := s.Status()
		if !status.Terminal() && s.owner == owner && s.logDir == logDir {
			return nil, models.ErrSessionConflict
		}
	}
	sess := newSession(id, kind, owner, logDir, cancel)
	r.sessions[id] = sess
	return sess, nil
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove drops the session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
