// Package genai provides LLM completions for the coach using the OpenAI API.

package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Default configuration values.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 600
	DefaultTimeout     = 30 * time.Second
)

// ErrNoChoicesReturned is returned when the API answers without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrMissingAPIKey is returned by NewClient when no API key was configured.
var ErrMissingAPIKey = errors.New("OpenAI API key not set")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI ChatCompletion service for generating coach replies.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// Completion is the text of a reply and the tokens it consumed.
type Completion struct {
	Text   string
	Tokens int
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "timeout", cfg.Timeout)

	return &Client{
		chat:        completionsAdapter{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

// Complete sends a system prompt and a user prompt and returns the reply.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	return c.CompleteWithHistory(ctx, systemPrompt, nil, userPrompt)
}

// CompleteWithHistory includes prior conversation turns between the system
// prompt and the final user prompt.
func (c *Client) CompleteWithHistory(ctx context.Context, systemPrompt string, history []models.ConversationMessage, userPrompt string) (Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		default:
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	timeout := c.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("genai.Complete: request failed", "model", c.model, "error", err, "elapsed", time.Since(start))
		return Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrNoChoicesReturned
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	tokens := int(resp.Usage.TotalTokens)
	slog.Debug("genai.Complete: response received", "model", c.model, "tokens", tokens, "length", len(text), "elapsed", time.Since(start))
	return Completion{Text: text, Tokens: tokens}, nil
}
