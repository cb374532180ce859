package scheduler

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/broadcast"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/session"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/store"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// fakeProvider streams a fixed script per call, or blocks until the job
// context is cancelled when block is set.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	rounds  []string
	err     error
	block   bool
	started chan struct{}
	once    sync.Once
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Model() string { return "fake-model" }

func (p *fakeProvider) StreamChat(ctx context.Context, system, user string, maxTokens int, fragments chan<- string) error {
	if p.started != nil {
		p.once.Do(func() { close(p.started) })
	}
	if p.err != nil {
		return p.err
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	if call >= len(p.rounds) {
		return nil
	}
	select {
	case fragments <- p.rounds[call]:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestScheduler(t *testing.T, prov provider.Provider) (*Scheduler, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	hub := broadcast.NewHub(64, nil, nil)
	factory := func(model, credential string) (provider.Provider, error) { return prov, nil }
	cfg := Config{
		SweepInterval:  time.Hour, // sweeps are driven manually in tests
		RetainFinished: time.Hour,
		DefaultModel:   "fake-model",
		DefaultTokens:  100,
	}
	return New(session.NewRegistry(), mem, mem, hub, factory, nil, cfg, nil), mem
}

func reasoningReq(id string) ReasoningRequest {
	return ReasoningRequest{
		SessionID: id,
		Owner:     "alice",
		LogDir:    "jobs/p1",
		Problem:   "prove it",
		MaxWidth:  3,
		MaxDepth:  2,
	}
}

func waitDone(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	done := s.Done(id)
	if done == nil {
		t.Fatalf("no done channel for session %s", id)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
}

func TestSubmitReasoningValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeProvider{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  ReasoningRequest
	}{
		{"missing owner", ReasoningRequest{LogDir: "d", Problem: "p", MaxWidth: 3, MaxDepth: 3}},
		{"missing problem", ReasoningRequest{Owner: "a", LogDir: "d", MaxWidth: 3, MaxDepth: 3}},
		{"width too small", ReasoningRequest{Owner: "a", LogDir: "d", Problem: "p", MaxWidth: 1, MaxDepth: 3}},
		{"width too large", ReasoningRequest{Owner: "a", LogDir: "d", Problem: "p", MaxWidth: 11, MaxDepth: 3}},
		{"depth too small", ReasoningRequest{Owner: "a", LogDir: "d", Problem: "p", MaxWidth: 3, MaxDepth: 1}},
		{"depth too large", ReasoningRequest{Owner: "a", LogDir: "d", Problem: "p", MaxWidth: 3, MaxDepth: 21}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.SubmitReasoning(ctx, tc.req); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestSubmitArticleValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeProvider{})
	if _, err := s.SubmitArticle(context.Background(), ArticleRequest{
		Owner: "a", LogDir: "d", Iterations: 0,
	}); err == nil {
		t.Fatal("expected a validation error for zero iterations")
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	prov := &fakeProvider{block: true}
	s, _ := newTestScheduler(t, prov)
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq("dup-1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	if _, err := s.SubmitReasoning(ctx, reasoningReq("dup-1")); !errors.Is(err, models.ErrSessionConflict) {
		t.Fatalf("same id resubmit: got %v, want ErrSessionConflict", err)
	}
	// a different id but the same owner and log dir also conflicts while
	// the first job is live
	if _, err := s.SubmitReasoning(ctx, reasoningReq("dup-2")); !errors.Is(err, models.ErrSessionConflict) {
		t.Fatalf("same owner/dir resubmit: got %v, want ErrSessionConflict", err)
	}

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitDone(t, s, id)
}

func TestReasoningEndToEnd(t *testing.T) {
	prov := &fakeProvider{rounds: []string{
		"three alternatives, picking one\nPROGRESS",
		"the approximation converges\nSOLVED",
	}}
	s, mem := newTestScheduler(t, prov)
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, s, id)

	job, err := s.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != models.JobStatusDone {
		t.Fatalf("status = %s, want done", job.Status)
	}
	if prov.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", prov.callCount())
	}

	content, _, err := mem.ReadDocument(ctx, "alice", "jobs/p1/response.md")
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(content)
	if !strings.Contains(got, "PROGRESS") || !strings.HasSuffix(got, "SOLVED") {
		t.Fatalf("unexpected response document: %q", got)
	}

	// the durable record also reached the terminal status
	stored, err := mem.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != models.JobStatusDone || stored.FinishedAt == nil {
		t.Fatalf("stored job = %+v, want done with finished_at set", stored)
	}
}

func TestCancelMarksJobCancelled(t *testing.T) {
	prov := &fakeProvider{block: true, started: make(chan struct{})}
	s, mem := newTestScheduler(t, prov)
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-prov.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started streaming")
	}

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitDone(t, s, id)

	job, err := s.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	// cancelling again is a no-op
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if stored, _ := mem.GetJob(ctx, id); stored.Status != models.JobStatusCancelled {
		t.Fatalf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	prov := &fakeProvider{err: models.ErrAuthenticationFailed}
	s, _ := newTestScheduler(t, prov)
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, s, id)

	job, err := s.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Fatal("failed job carries no error message")
	}
}

func TestSweepReclaimsFinishedSessions(t *testing.T) {
	prov := &fakeProvider{rounds: []string{"done\nSOLVED"}}
	s, _ := newTestScheduler(t, prov)
	s.cfg.RetainFinished = 0
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, s, id)

	// an attached observer keeps the session alive
	_, unsubscribe := s.hub.Subscribe(id)
	s.sweep()
	if s.registry.Get(id) == nil {
		t.Fatal("sweep reclaimed a session with a live subscriber")
	}

	unsubscribe()
	s.sweep()
	if s.registry.Get(id) != nil {
		t.Fatal("sweep left an unobserved terminal session")
	}

	// status survives reclamation through the durable record
	job, err := s.Status(ctx, id)
	if err != nil {
		t.Fatalf("status after reclaim: %v", err)
	}
	if job.Status != models.JobStatusDone {
		t.Fatalf("status after reclaim = %s, want done", job.Status)
	}
}

// commandRecorder captures the names of redis commands a client issues.
type commandRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *commandRecorder) DialHook(next redis.DialHook) redis.DialHook { return next }

func (r *commandRecorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		r.mu.Lock()
		r.names = append(r.names, cmd.Name())
		r.mu.Unlock()
		return next(ctx, cmd)
	}
}

func (r *commandRecorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (r *commandRecorder) saw(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func TestNoLockReleaseWithoutAcquisition(t *testing.T) {
	// redis is configured but unreachable: SetNX fails, the submission
	// proceeds locally, and the scheduler must not issue a DEL that could
	// release a lock another replica holds
	rec := &commandRecorder{}
	rdb := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort("127.0.0.1", "1"),
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	rdb.AddHook(rec)
	defer rdb.Close()

	prov := &fakeProvider{rounds: []string{"done\nSOLVED"}}
	mem := store.NewMemStore()
	hub := broadcast.NewHub(64, nil, nil)
	s := New(session.NewRegistry(), mem, mem, hub,
		func(model, credential string) (provider.Provider, error) { return prov, nil },
		rdb, Config{
			SweepInterval:  time.Hour,
			RetainFinished: time.Hour,
			DefaultModel:   "fake-model",
			DefaultTokens:  100,
		}, nil)

	id, err := s.SubmitReasoning(context.Background(), reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, s, id)

	if job, err := s.Status(context.Background(), id); err != nil || job.Status != models.JobStatusDone {
		t.Fatalf("job = %+v err = %v, want done", job, err)
	}
	if !rec.saw("set") {
		t.Fatal("submit never attempted the cross-replica lock")
	}
	if rec.saw("del") {
		t.Fatal("released a cross-replica lock that was never acquired")
	}
}

func TestSweepNeverTouchesRunningSessions(t *testing.T) {
	prov := &fakeProvider{block: true, started: make(chan struct{})}
	s, _ := newTestScheduler(t, prov)
	s.cfg.RetainFinished = 0
	ctx := context.Background()

	id, err := s.SubmitReasoning(ctx, reasoningReq(""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-prov.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started streaming")
	}

	s.sweep()
	if s.registry.Get(id) == nil {
		t.Fatal("sweep reclaimed a running session")
	}

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitDone(t, s, id)
}
