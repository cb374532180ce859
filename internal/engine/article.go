package engine

import (
	"context"
	"log"
	"path"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// ArticleParams is the isolated configuration for one article job.
type ArticleParams struct {
	SessionID  string
	Owner      string
	LogDir     string
	Iterations int
	MaxTokens  int
}

// Article formalizes an existing reasoning transcript into a structured
// article over a fixed number of iterations. There is no early exit: the
// loop always runs Iterations rounds unless cancelled.
type Article struct {
	params ArticleParams
	prov   provider.Provider
	pipe   *pipeline
	retry  RetryPolicy
	logger *log.Logger
}

// NewArticle builds an article engine for one job.
func NewArticle(params ArticleParams, prov provider.Provider, docs DocumentStore, bus Broadcaster, retry RetryPolicy, logger *log.Logger) *Article {
	if logger == nil {
		logger = log.New(log.Writer(), "[ARTICLE] ", log.LstdFlags)
	}
	return &Article{
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

// Run reads the response document once, then appends article content per
// iteration, feeding the growing article back as system context.
func (a *Article) Run(ctx context.Context) error {
	responsePath := path.Join(a.params.LogDir, "response.md")
	articlePath := path.Join(a.params.LogDir, "article.md")

	source, _, err := a.pipe.docs.ReadDocument(ctx, a.params.Owner, responsePath)
	if err != nil {
		return err
	}
	article := a.loadArticle(ctx, articlePath)

	for i := 0; i < a.params.Iterations; i++ {
		var prompt string
		if i == 0 {
			prompt = articlePrompt(a.params.MaxTokens)
		} else {
			prompt = articleContinuePrompt(a.params.MaxTokens)
		}
		prompt += "\n\nCONTENT TO FORMALIZE:\n" + string(source) + "\n\n"
		system := "PREVIOUSLY GENERATED ARTICLE CONTENT:\n" + article

		text, err := a.generate(ctx, system, prompt, articlePath)
		if err != nil {
			return err
		}
		article += text
		a.logger.Printf("session %s article iteration %d/%d done (%d bytes)",
			a.params.SessionID, i+1, a.params.Iterations, len(article))
	}
	return nil
}

func (a *Article) generate(ctx context.Context, system, prompt, articlePath string) (string, error) {
	var text string
	var err error
	for attempt := 0; ; attempt++ {
		text, err = a.pipe.round(ctx, a.prov, system, prompt, a.params.MaxTokens, models.SlotArticle, articlePath)
		if err == nil || attempt >= a.retry.MaxRetries || !retryable(err, text) {
			return text, err
		}
		a.logger.Printf("session %s: upstream unavailable, retry %d/%d: %v",
			a.params.SessionID, attempt+1, a.retry.MaxRetries, err)
		if err := sleepBackoff(ctx, a.retry.Backoff, attempt); err != nil {
			return text, err
		}
	}
}

// loadArticle returns prior article content, empty for a fresh directory.
func (a *Article) loadArticle(ctx context.Context, articlePath string) string {
	content, _, err := a.pipe.docs.ReadDocument(ctx, a.params.Owner, articlePath)
	if err != nil {
		return ""
	}
	return string(content)
}
