// Package engine runs the multi-round generation loops. Each round is an
// explicit pipeline: the provider streams fragments into a channel, the
// consumer appends each fragment to the durable document, accumulates it
// in memory and forwards it to the broadcaster.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/store"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// DocumentStore is the slice of the store the engines need. Both the
// postgres store and the in-memory store satisfy it.
type DocumentStore interface {
	ReadDocument(ctx context.Context, owner, path string) ([]byte, int64, error)
	WriteDocument(ctx context.Context, owner, path string, data []byte, mode store.WriteMode) (int64, error)
	CreateDocument(ctx context.Context, owner, path string, initial []byte, kind string) error
}

// Broadcaster receives each fragment in emission order.
type Broadcaster interface {
	Publish(sessionID string, frag models.Fragment)
}

// RetryPolicy bounds stream-level retries against a flapping upstream.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// pipeline is the per-job generate → persist → broadcast chain. It is
// owned by a single engine goroutine; nothing here is shared across jobs.
type pipeline struct {
	docs      DocumentStore
	bus       Broadcaster
	owner     string
	sessionID string
}

// round streams one generation call. Every fragment is durably appended to
// docPath and broadcast before the next fragment is consumed, so on
// cancellation the document holds exactly the fragments consumed so far.
// Returns the concatenated round text.
func (p *pipeline) round(ctx context.Context, prov provider.Provider, system, user string, maxTokens int, slot, docPath string) (string, error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frags := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		errCh <- prov.StreamChat(roundCtx, system, user, maxTokens, frags)
		close(frags)
	}()

	var b strings.Builder
	var persistErr error
	for frag := range frags {
		if persistErr != nil {
			continue // drain so the generator goroutine can exit
		}
		if err := p.persist(ctx, docPath, []byte(frag)); err != nil {
			persistErr = err
			cancel()
			continue
		}
		b.WriteString(frag)
		p.bus.Publish(p.sessionID, models.Fragment{Slot: slot, Text: frag})
	}
	streamErr := <-errCh

	if persistErr != nil {
		return b.String(), persistErr
	}
	return b.String(), streamErr
}

// persist appends one fragment, retrying once. The in-memory accumulation
// is untouched by a failure, so the retry re-attempts the identical write.
func (p *pipeline) persist(ctx context.Context, docPath string, data []byte) error {
	_, err := p.docs.WriteDocument(ctx, p.owner, docPath, data, store.Append)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err = p.docs.WriteDocument(ctx, p.owner, docPath, data, store.Append); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// replaceWithRetry persists a full document snapshot, retrying once.
func (p *pipeline) replaceWithRetry(ctx context.Context, docPath string, data []byte) error {
	if _, err := p.docs.WriteDocument(ctx, p.owner, docPath, data, store.Replace); err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := p.docs.WriteDocument(ctx, p.owner, docPath, data, store.Replace); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// retryable reports whether a round may be restarted: only an unreachable
// upstream that produced no output yet. Auth and model errors are final,
// and a round that already emitted fragments is never replayed.
func retryable(err error, emitted string) bool {
	return errors.Is(err, models.ErrUpstreamUnavailable) && emitted == ""
}

// sleepBackoff waits for the attempt's backoff slot or until ctx ends.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	select {
	case <-time.After(base * time.Duration(1<<attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifySolved applies the termination rule: the final non-empty line of
// the round output, stripped of markdown emphasis and trailing
// punctuation, must equal SOLVED exactly. Anything else, including an
// empty round, means the reasoning is still in progress.
func classifySolved(text string) bool {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		line = strings.Trim(line, "*_` ")
		line = strings.TrimRight(line, ".!:")
		return line == "SOLVED"
	}
	return false
}
