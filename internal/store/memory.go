package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// MemStore is an in-process store with the same surface as Store. It backs
// the service when postgres is not configured and the engine/scheduler
// tests. A single mutex serializes writes, which also gives per-document
// write ordering.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
	jobs map[string]models.Job
}

type memDoc struct {
	content   []byte
	revision  int64
	kind      string
	updatedAt time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]*memDoc),
		jobs: make(map[string]models.Job),
	}
}

func docKey(owner, path string) string { return owner + "\x00" + path }

func (s *MemStore) ReadDocument(_ context.Context, owner, path string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey(owner, path)]
	if !ok {
		return nil, 0, fmt.Errorf("document %s/%s: %w", owner, path, models.ErrNotFound)
	}
	out := make([]byte, len(doc.content))
	copy(out, doc.content)
	return out, doc.revision, nil
}

func (s *MemStore) CreateDocument(_ context.Context, owner, path string, initial []byte, kind string) error {
	if kind == "" {
		kind = DefaultContentKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(owner, path)
	if _, ok := s.docs[key]; ok {
		return nil
	}
	s.docs[key] = &memDoc{
		content:   append([]byte(nil), initial...),
		revision:  1,
		kind:      kind,
		updatedAt: time.Now(),
	}
	return nil
}

func (s *MemStore) WriteDocument(_ context.Context, owner, path string, data []byte, mode WriteMode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(owner, path)
	doc, ok := s.docs[key]
	if !ok {
		doc = &memDoc{kind: DefaultContentKind}
		s.docs[key] = doc
	}
	switch mode {
	case Append:
		doc.content = append(doc.content, data...)
	case Replace:
		doc.content = append([]byte(nil), data...)
	}
	doc.revision++
	doc.updatedAt = time.Now()
	return doc.revision, nil
}

func (s *MemStore) SearchDocuments(_ context.Context, owner, substr string) ([]models.DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DocumentInfo
	for key, doc := range s.docs {
		parts := strings.SplitN(key, "\x00", 2)
		if parts[0] != owner || !strings.Contains(parts[1], substr) {
			continue
		}
		out = append(out, models.DocumentInfo{
			Owner:       parts[0],
			Path:        parts[1],
			Revision:    doc.revision,
			ContentKind: doc.kind,
			UpdatedAt:   doc.updatedAt,
		})
	}
	return out, nil
}

func (s *MemStore) CreateJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemStore) SetJobStatus(_ context.Context, id string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	job.Status = status
	s.jobs[id] = job
	return nil
}

func (s *MemStore) FinishJob(_ context.Context, id string, status models.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	job.Status = status
	if errMsg != nil {
		job.Error = *errMsg
	}
	now := time.Now()
	job.FinishedAt = &now
	s.jobs[id] = job
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, nil
}
