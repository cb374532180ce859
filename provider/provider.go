package provider

import (
	"context"
	"errors"
	"time"

	ollama_provider "github.com/Pedrovinicius123/api-ollama-reasoning/provider/ollama"
)

// Client represents the supported generation backends
type Client string

const (
	Ollama Client = "ollama"
)

// Provider is the interface a streaming text-generation backend must
// satisfy. StreamChat emits UTF-8 text deltas on fragments as they arrive
// from the upstream; the first delta must be observable before the full
// response exists. The channel is closed by the caller, never by the
// implementation.
type Provider interface {
	Name() string
	Model() string
	StreamChat(ctx context.Context, system, user string, maxTokens int, fragments chan<- string) error
}

// Options carries per-submission generation settings. Each job gets its
// own value; nothing here is shared or mutated across jobs.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// NewProvider creates an isolated provider instance for one job.
func NewProvider(client Client, opts Options) (Provider, error) {
	switch client {
	case Ollama:
		if opts.APIKey == "" {
			return nil, errors.New("api key not provided")
		}
		if opts.Model == "" {
			return nil, errors.New("model not provided")
		}
		return ollama_provider.New(opts.BaseURL, opts.APIKey, opts.Model, float32(opts.Temperature), opts.Timeout), nil
	default:
		return nil, errors.New("unsupported generation provider")
	}
}
