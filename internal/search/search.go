// Package search fetches research citations from the Perplexity API.
//
// Search never returns an error to its caller: a query that cannot be
// answered after the retry budget yields an empty result set, so the
// coaching flow always receives some answer and continues.
package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Defaults for the Perplexity client.
const (
	DefaultEndpoint    = "https://api.perplexity.ai/chat/completions"
	DefaultModel       = "sonar"
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	DefaultBackoff     = 1 * time.Second
	// CacheMaxAge is how long a cached answer is served before refetching.
	CacheMaxAge = 12 * time.Hour
	// MaxResults is the number of citations kept per query.
	MaxResults = 3
	// MaxResearchCalls caps live research per session.
	MaxResearchCalls = 3
)

const systemPrompt = "You are an AI assistant that provides concise search results. For the given query, provide 3 relevant search results including title, URL, and a short snippet. Format each as '1. **Title**' followed by '- **URL:** ...' and '- **Snippet:** ...' lines."

// ErrMissingAPIKey is returned by once when no API key is configured.
var ErrMissingAPIKey = errors.New("perplexity API key not set")

// Cache stores answers by query hash.
type Cache interface {
	GetSearchCache(ctx context.Context, hash string, maxAge time.Duration) ([]models.SearchResult, bool, error)
	SaveSearchCache(ctx context.Context, hash, query string, results []models.SearchResult) error
}

// Searcher is what the coaching persona consumes.
type Searcher interface {
	Search(ctx context.Context, query string) []models.SearchResult
}

// Opts holds configuration for the search client.
type Opts struct {
	APIKey      string
	Endpoint    string
	Model       string
	HTTPClient  *http.Client
	Cache       Cache
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
}

// Option configures the search client.
type Option func(*Opts)

// WithAPIKey sets the Perplexity API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithEndpoint overrides the chat completions endpoint.
func WithEndpoint(url string) Option {
	return func(o *Opts) { o.Endpoint = url }
}

// WithModel sets the online model used for search.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithCache enables the answer cache.
func WithCache(c Cache) Option {
	return func(o *Opts) { o.Cache = c }
}

// WithMaxAttempts sets the retry budget.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithBackoff sets the base backoff, doubled after every failed attempt.
func WithBackoff(base time.Duration) Option {
	return func(o *Opts) { o.Backoff = base }
}

// Client queries Perplexity with retry, caching and request coalescing.
type Client struct {
	opts  Opts
	group singleflight.Group
}

var _ Searcher = (*Client)(nil)

// NewClient creates a search client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{
		Endpoint:    DefaultEndpoint,
		Model:       DefaultModel,
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
		Backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	slog.Debug("search.NewClient: configured", "endpoint", cfg.Endpoint, "model", cfg.Model, "apiKeySet", cfg.APIKey != "", "cache", cfg.Cache != nil)
	return &Client{opts: cfg}
}

// QueryHash returns the cache key for query.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Search returns up to MaxResults citations for query. Cached answers are
// served without a network call; concurrent identical queries share one fetch.
func (c *Client) Search(ctx context.Context, query string) []models.SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	hash := QueryHash(query)

	if c.opts.Cache != nil {
		cached, ok, err := c.opts.Cache.GetSearchCache(ctx, hash, CacheMaxAge)
		if err != nil {
			slog.Warn("Search: cache lookup failed", "error", err)
		} else if ok {
			slog.Debug("Search: cache hit", "hash", hash)
			return cached
		}
	}

	// The shared fetch outlives any single caller; each caller stops waiting on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(hash, func() (interface{}, error) {
		return c.fetch(shared, query, hash), nil
	})
	select {
	case r := <-ch:
		results, _ := r.Val.([]models.SearchResult)
		return results
	case <-ctx.Done():
		slog.Debug("Search: caller cancelled while waiting", "hash", hash)
		return nil
	}
}

func (c *Client) fetch(ctx context.Context, query, hash string) []models.SearchResult {
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		results, retry, err := c.once(ctx, query)
		if err == nil {
			if c.opts.Cache != nil && len(results) > 0 {
				if err := c.opts.Cache.SaveSearchCache(ctx, hash, query, results); err != nil {
					slog.Warn("Search: cache store failed", "error", err)
				}
			}
			return results
		}
		slog.Warn("Search: attempt failed", "attempt", attempt+1, "maxAttempts", c.opts.MaxAttempts, "retryable", retry, "error", err)
		if !retry {
			return nil
		}
		if attempt < c.opts.MaxAttempts-1 {
			// Exponential backoff: 1s, 2s, ...
			if err := sleepWithContext(ctx, c.opts.Backoff*time.Duration(1<<attempt)); err != nil {
				return nil
			}
		}
	}
	slog.Warn("Search: retries exhausted, returning no results", "query", query)
	return nil
}

// once performs a single request. retry reports whether the failure is transient.
func (c *Client) once(ctx context.Context, query string) (results []models.SearchResult, retry bool, err error) {
	if c.opts.APIKey == "" {
		return nil, false, ErrMissingAPIKey
	}
	payload, err := json.Marshal(map[string]any{
		"model": c.opts.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": "Search query: " + query},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		// Network errors and timeouts are transient unless the caller gave up.
		return nil, ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, isRetryable(resp.StatusCode), fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, false, fmt.Errorf("response is not valid JSON")
	}
	return ParseResponse(body), false, nil
}

// isRetryable returns true for status codes that warrant a retry.
func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// sleepWithContext pauses for d or returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
