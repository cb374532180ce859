package ollama_provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

const defaultBaseURL = "https://ollama.com/v1"

// Client talks to Ollama cloud through its OpenAI-compatible endpoint.
// One Client is built per job; the bearer credential and model are fixed
// at construction and never mutated afterwards.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
}

// New creates an Ollama streaming client.
func New(baseURL, apiKey, model string, temperature float32, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ollama"
}

// Model returns the model id this client generates with.
func (c *Client) Model() string {
	return c.model
}

// StreamChat streams a chat completion, sending each text delta to
// fragments. Returns nil once the upstream signals completion.
func (c *Client) StreamChat(ctx context.Context, system, user string, maxTokens int, fragments chan<- string) error {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return classify(err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case fragments <- delta:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify maps upstream failures onto the core error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
		case 404:
			return fmt.Errorf("%w: %v", models.ErrModelNotFound, err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
		}
		// some gateways report unknown models as 400 with a message
		if strings.Contains(strings.ToLower(apiErr.Message), "model") &&
			strings.Contains(strings.ToLower(apiErr.Message), "not found") {
			return fmt.Errorf("%w: %v", models.ErrModelNotFound, err)
		}
		return err
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
		case 404:
			return fmt.Errorf("%w: %v", models.ErrModelNotFound, err)
		}
		if reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return err
}
