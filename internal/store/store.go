package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// WriteMode selects how WriteDocument combines new bytes with the stored
// content.
type WriteMode int

const (
	// Append concatenates the new bytes after the current content.
	Append WriteMode = iota
	// Replace overwrites the content entirely.
	Replace
)

// DefaultContentKind is assigned to documents created without an explicit
// kind.
const DefaultContentKind = "text/markdown"

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens a postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// ReadDocument returns the current content and revision for (owner, path).
func (s *Store) ReadDocument(ctx context.Context, owner, path string) ([]byte, int64, error) {
	var content []byte
	var revision int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT content, revision FROM documents WHERE owner = $1 AND path = $2`,
		owner, path).Scan(&content, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("document %s/%s: %w", owner, path, models.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read document: %w", err)
	}
	return content, revision, nil
}

// CreateDocument inserts a new document. Creating an existing (owner, path)
// is a no-op so engines can re-open a directory they already seeded.
func (s *Store) CreateDocument(ctx context.Context, owner, path string, initial []byte, kind string) error {
	if kind == "" {
		kind = DefaultContentKind
	}
	if initial == nil {
		initial = []byte{}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO documents (owner, path, content, revision, content_kind, created_at, updated_at)
VALUES ($1,$2,$3,1,$4,NOW(),NOW())
ON CONFLICT (owner, path) DO NOTHING`,
		owner, path, initial, kind)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// WriteDocument appends to or replaces the document content and returns the
// new revision. The write is a single upsert: postgres serializes
// concurrent writers on the (owner, path) row, so a reader never observes
// a half-applied value and same-document writes never interleave.
func (s *Store) WriteDocument(ctx context.Context, owner, path string, data []byte, mode WriteMode) (int64, error) {
	if data == nil {
		data = []byte{}
	}
	var revision int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (owner, path, content, revision, content_kind, created_at, updated_at)
VALUES ($1,$2,$3,1,$4,NOW(),NOW())
ON CONFLICT (owner, path) DO UPDATE SET
  content = CASE WHEN $5 THEN documents.content || EXCLUDED.content ELSE EXCLUDED.content END,
  revision = documents.revision + 1,
  updated_at = NOW()
RETURNING revision`,
		owner, path, data, DefaultContentKind, mode == Append).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("write document: %w", err)
	}
	return revision, nil
}

// SearchDocuments lists an owner's documents whose path contains substr.
// Contains-match is a convenience for outside collaborators; the core
// addresses documents exactly.
func (s *Store) SearchDocuments(ctx context.Context, owner, substr string) ([]models.DocumentInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner, path, revision, content_kind, updated_at
FROM documents
WHERE owner = $1 AND path LIKE '%' || $2 || '%'
ORDER BY path`,
		owner, substr)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentInfo
	for rows.Next() {
		var d models.DocumentInfo
		if err := rows.Scan(&d.Owner, &d.Path, &d.Revision, &d.ContentKind, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO jobs (id, kind, owner, log_dir, status, started_at)
VALUES ($1,$2,$3,$4,$5,NOW())`,
		job.ID, string(job.Kind), job.Owner, job.LogDir, string(job.Status))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// SetJobStatus updates a non-terminal status transition.
func (s *Store) SetJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// FinishJob records the terminal status and optional error.
func (s *Store) FinishJob(ctx context.Context, id string, status models.JobStatus, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = $2, error = $3, finished_at = NOW() WHERE id = $1`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob fetches a job record by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	var kind, status string
	var errMsg sql.NullString
	var finishedAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, kind, owner, log_dir, status, error, started_at, finished_at
FROM jobs WHERE id = $1`, id).
		Scan(&job.ID, &kind, &job.Owner, &job.LogDir, &status, &errMsg, &job.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}
