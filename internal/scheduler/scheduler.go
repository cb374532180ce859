// Package scheduler accepts job submissions and runs each on its own
// goroutine with explicit status tracking: the goroutine executing a job
// is the only writer of its status, and reclamation reads status instead
// of inferring completion from start failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/broadcast"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/engine"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/session"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/telemetry"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// Parameter bounds for reasoning submissions.
const (
	MinWidth = 2
	MaxWidth = 10
	MinDepth = 2
	MaxDepth = 20
)

const submitLockTTL = 2 * time.Hour

// JobStore persists job records. Both the postgres and in-memory stores
// satisfy it.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	SetJobStatus(ctx context.Context, id string, status models.JobStatus) error
	FinishJob(ctx context.Context, id string, status models.JobStatus, errMsg *string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// ProviderFactory builds an isolated generation client for one job.
type ProviderFactory func(model, credential string) (provider.Provider, error)

// Config tunes the scheduler.
type Config struct {
	SweepInterval  time.Duration
	RetainFinished time.Duration
	Retry          engine.RetryPolicy
	DefaultModel   string
	DefaultTokens  int
}

// ReasoningRequest is one reasoning submission.
type ReasoningRequest struct {
	SessionID   string // optional; generated when empty
	Owner       string
	LogDir      string
	Problem     string
	ContextSeed string
	Model       string
	Credential  string
	MaxWidth    int
	MaxDepth    int
	MaxTokens   int
}

// ArticleRequest is one article submission.
type ArticleRequest struct {
	SessionID  string
	Owner      string
	LogDir     string
	Model      string
	Credential string
	Iterations int
	MaxTokens  int
}

type Scheduler struct {
	mu          sync.Mutex // spans every submit check-then-act sequence
	registry    *session.Registry
	docs        engine.DocumentStore
	jobs        JobStore
	hub         *broadcast.Hub
	newProvider ProviderFactory
	rdb         *redis.Client // optional cross-replica submit lock
	cfg         Config
	logger      *log.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a Scheduler. rdb may be nil.
func New(registry *session.Registry, docs engine.DocumentStore, jobs JobStore, hub *broadcast.Hub, factory ProviderFactory, rdb *redis.Client, cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Scheduler{
		registry:    registry,
		docs:        docs,
		jobs:        jobs,
		hub:         hub,
		newProvider: factory,
		rdb:         rdb,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the paced reclamation sweep.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		for {
			select {
			case <-s.stopCh:
				ticker.Stop()
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweep. Running jobs are unaffected.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SubmitReasoning validates and starts a reasoning job, returning its
// session id.
func (s *Scheduler) SubmitReasoning(ctx context.Context, req ReasoningRequest) (string, error) {
	if req.Owner == "" || req.LogDir == "" {
		return "", fmt.Errorf("owner and log_dir are required")
	}
	if req.Problem == "" {
		return "", fmt.Errorf("problem is required")
	}
	if req.MaxWidth < MinWidth || req.MaxWidth > MaxWidth {
		return "", fmt.Errorf("max_width must be in [%d,%d]", MinWidth, MaxWidth)
	}
	if req.MaxDepth < MinDepth || req.MaxDepth > MaxDepth {
		return "", fmt.Errorf("max_depth must be in [%d,%d]", MinDepth, MaxDepth)
	}
	s.applyDefaults(&req.Model, &req.MaxTokens)

	prov, err := s.newProvider(req.Model, req.Credential)
	if err != nil {
		return "", err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, jobCtx, lockHeld, err := s.open(ctx, sessionID, models.JobKindReasoning, req.Owner, req.LogDir)
	if err != nil {
		return "", err
	}

	eng := engine.NewReasoning(engine.ReasoningParams{
		SessionID:   sessionID,
		Owner:       req.Owner,
		LogDir:      req.LogDir,
		Problem:     req.Problem,
		ContextSeed: req.ContextSeed,
		MaxWidth:    req.MaxWidth,
		MaxDepth:    req.MaxDepth,
		MaxTokens:   req.MaxTokens,
	}, prov, s.docs, s.hub, s.cfg.Retry, nil)

	s.launch(sess, jobCtx, lockHeld, eng.Run)
	return sessionID, nil
}

// SubmitArticle validates and starts an article job.
func (s *Scheduler) SubmitArticle(ctx context.Context, req ArticleRequest) (string, error) {
	if req.Owner == "" || req.LogDir == "" {
		return "", fmt.Errorf("owner and log_dir are required")
	}
	if req.Iterations < 1 {
		return "", fmt.Errorf("iterations must be >= 1")
	}
	s.applyDefaults(&req.Model, &req.MaxTokens)

	prov, err := s.newProvider(req.Model, req.Credential)
	if err != nil {
		return "", err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, jobCtx, lockHeld, err := s.open(ctx, sessionID, models.JobKindArticle, req.Owner, req.LogDir)
	if err != nil {
		return "", err
	}

	eng := engine.NewArticle(engine.ArticleParams{
		SessionID:  sessionID,
		Owner:      req.Owner,
		LogDir:     req.LogDir,
		Iterations: req.Iterations,
		MaxTokens:  req.MaxTokens,
	}, prov, s.docs, s.hub, s.cfg.Retry, nil)

	s.launch(sess, jobCtx, lockHeld, eng.Run)
	return sessionID, nil
}

func (s *Scheduler) applyDefaults(model *string, maxTokens *int) {
	if *model == "" {
		*model = s.cfg.DefaultModel
	}
	if *maxTokens <= 0 {
		*maxTokens = s.cfg.DefaultTokens
	}
}

// open performs the whole admission sequence under one mutex: the optional
// cross-replica lock, the registry conflict check and the insert, and the
// durable job record. lockHeld reports whether this submission owns the
// cross-replica lock; a lock another replica holds is never released here.
func (s *Scheduler) open(ctx context.Context, sessionID string, kind models.JobKind, owner, logDir string) (*session.Session, context.Context, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lockHeld bool
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, s.lockKey(owner, logDir), sessionID, submitLockTTL).Result()
		switch {
		case err != nil:
			s.logger.Printf("submit lock unavailable, continuing locally: %v", err)
		case !ok:
			return nil, nil, false, models.ErrSessionConflict
		default:
			lockHeld = true
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	sess, err := s.registry.Open(sessionID, kind, owner, logDir, cancel)
	if err != nil {
		cancel()
		if lockHeld {
			s.rdb.Del(context.Background(), s.lockKey(owner, logDir))
		}
		return nil, nil, false, err
	}

	if err := s.jobs.CreateJob(ctx, sess.Snapshot()); err != nil {
		s.logger.Printf("persist job %s: %v", sessionID, err)
	}
	return sess, jobCtx, lockHeld, nil
}

// launch runs the engine on its own goroutine. The goroutine owns every
// status transition of its job.
func (s *Scheduler) launch(sess *session.Session, jobCtx context.Context, lockHeld bool, run func(context.Context) error) {
	telemetry.JobsStarted.WithLabelValues(string(sess.Kind())).Inc()
	go func() {
		defer sess.MarkDone()
		bg := context.Background()

		sess.SetStatus(models.JobStatusRunning, "")
		if err := s.jobs.SetJobStatus(bg, sess.ID(), models.JobStatusRunning); err != nil {
			s.logger.Printf("persist running status %s: %v", sess.ID(), err)
		}
		telemetry.ActiveJobs.Inc()
		defer telemetry.ActiveJobs.Dec()

		err := run(jobCtx)

		var status models.JobStatus
		var msg string
		switch {
		case err == nil:
			status = models.JobStatusDone
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = models.JobStatusCancelled
		default:
			status = models.JobStatusFailed
			msg = err.Error()
		}
		sess.SetStatus(status, msg)

		var errPtr *string
		if msg != "" {
			errPtr = &msg
		}
		if err := s.jobs.FinishJob(bg, sess.ID(), status, errPtr); err != nil {
			s.logger.Printf("persist terminal status %s: %v", sess.ID(), err)
		}
		if lockHeld {
			s.rdb.Del(bg, s.lockKey(sess.Owner(), sess.LogDir()))
		}
		telemetry.JobsFinished.WithLabelValues(string(sess.Kind()), string(status)).Inc()
		s.logger.Printf("session %s finished: %s", sess.ID(), status)
	}()
}

// Cancel requests a running session stop. Cancelling an already-terminal
// job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, sessionID string) error {
	if sess := s.registry.Get(sessionID); sess != nil {
		sess.Cancel()
		return nil
	}
	job, err := s.jobs.GetJob(ctx, sessionID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
}

// Status reports a session's status, falling back to the durable record
// once the live session is reclaimed.
func (s *Scheduler) Status(ctx context.Context, sessionID string) (models.Job, error) {
	if sess := s.registry.Get(sessionID); sess != nil {
		return sess.Snapshot(), nil
	}
	return s.jobs.GetJob(ctx, sessionID)
}

// Done exposes the session's completion signal, nil when unknown.
func (s *Scheduler) Done(sessionID string) <-chan struct{} {
	if sess := s.registry.Get(sessionID); sess != nil {
		return sess.Done()
	}
	return nil
}

// sweep reclaims terminal sessions nobody is observing. It never touches
// a session that has not finished, and removal is keyed purely on the
// explicit status.
func (s *Scheduler) sweep() {
	for _, sess := range s.registry.List() {
		status, _ := sess.Status()
		if !status.Terminal() {
			continue
		}
		if s.hub.SubscriberCount(sess.ID()) > 0 {
			continue
		}
		if time.Since(sess.FinishedAt()) < s.cfg.RetainFinished {
			continue
		}
		s.registry.Remove(sess.ID())
		s.hub.CloseSession(sess.ID())
		s.logger.Printf("session %s reclaimed", sess.ID())
	}
}

func (s *Scheduler) lockKey(owner, logDir string) string {
	return "reasoner:active:" + owner + ":" + logDir
}
