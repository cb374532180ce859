package engine

import (
	"context"
	"errors"
	"log"
	"path"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// ReasoningParams is the isolated configuration for one reasoning job.
type ReasoningParams struct {
	SessionID   string
	Owner       string
	LogDir      string
	Problem     string
	ContextSeed string
	MaxWidth    int
	MaxDepth    int
	MaxTokens   int
}

// Reasoning drives the deepen-the-reasoning loop:
// Init → Generating → (Accumulating → Generating)* → Terminated.
type Reasoning struct {
	params ReasoningParams
	prov   provider.Provider
	pipe   *pipeline
	retry  RetryPolicy
	logger *log.Logger
}

// NewReasoning builds a reasoning engine for one job.
func NewReasoning(params ReasoningParams, prov provider.Provider, docs DocumentStore, bus Broadcaster, retry RetryPolicy, logger *log.Logger) *Reasoning {
	if logger == nil {
		logger = log.New(log.Writer(), "[REASON] ", log.LstdFlags)
	}
	return &Reasoning{
		params: params,
		prov:   prov,
		pipe: &pipeline{
			docs:      docs,
			bus:       bus,
			owner:     params.Owner,
			sessionID: params.SessionID,
		},
		retry:  retry,
		logger: logger,
	}
}

// Run executes rounds until the solved marker appears or the depth limit
// is reached. The accumulated context grows with each round's prompt and
// answer so later rounds see the full transcript.
func (e *Reasoning) Run(ctx context.Context) error {
	contextPath := path.Join(e.params.LogDir, "context.md")
	responsePath := path.Join(e.params.LogDir, "response.md")

	acc, err := e.loadContext(ctx, contextPath)
	if err != nil {
		return err
	}

	for round := 0; round < e.params.MaxDepth; round++ {
		var prompt string
		if round == 0 {
			prompt = generatePrompt(e.params.Problem, e.params.MaxWidth)
		} else {
			prompt = continuePrompt(e.params.MaxWidth)
		}

		// the upstream call sees the transcript as it stood before this
		// round; the prompt itself travels as the user message
		system := acc
		acc += "\n\n" + prompt + "\n\n"

		text, err := e.generate(ctx, system, prompt, responsePath)
		if err != nil {
			return err
		}
		acc += text

		if err := e.pipe.replaceWithRetry(ctx, contextPath, []byte(acc)); err != nil {
			return err
		}

		if classifySolved(text) {
			e.logger.Printf("session %s solved at round %d/%d", e.params.SessionID, round+1, e.params.MaxDepth)
			return nil
		}
		if text == "" {
			e.logger.Printf("session %s round %d produced no output", e.params.SessionID, round+1)
		}
	}
	e.logger.Printf("session %s reached depth limit (%d rounds)", e.params.SessionID, e.params.MaxDepth)
	return nil
}

// generate runs one round with bounded retries for an unreachable
// upstream. A round that already streamed output is never replayed.
func (e *Reasoning) generate(ctx context.Context, system, prompt, responsePath string) (string, error) {
	var text string
	var err error
	for attempt := 0; ; attempt++ {
		text, err = e.pipe.round(ctx, e.prov, system, prompt, e.params.MaxTokens, models.SlotResponse, responsePath)
		if err == nil || attempt >= e.retry.MaxRetries || !retryable(err, text) {
			return text, err
		}
		e.logger.Printf("session %s: upstream unavailable, retry %d/%d: %v",
			e.params.SessionID, attempt+1, e.retry.MaxRetries, err)
		if err := sleepBackoff(ctx, e.retry.Backoff, attempt); err != nil {
			return text, err
		}
	}
}

// loadContext reads the prior accumulated context, seeding a fresh
// document when the job directory is new.
func (e *Reasoning) loadContext(ctx context.Context, contextPath string) (string, error) {
	content, _, err := e.pipe.docs.ReadDocument(ctx, e.params.Owner, contextPath)
	if errors.Is(err, models.ErrNotFound) {
		seed := []byte(e.params.ContextSeed)
		if err := e.pipe.docs.CreateDocument(ctx, e.params.Owner, contextPath, seed, ""); err != nil {
			return "", err
		}
		return e.params.ContextSeed, nil
	}
	if err != nil {
		return "", err
	}
	return string(content), nil
}
