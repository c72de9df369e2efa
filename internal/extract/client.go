package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrTooManyURLs is returned for requests above MaxURLsPerRequest.
var ErrTooManyURLs = errors.New("too many urls in extract request")

// APIError is a non-2xx reply from the extraction service.
type APIError struct {
	StatusCode int
	Body       string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extract service returned status %d (request %s): %s", e.StatusCode, e.RequestID, e.Body)
}

// Config holds extraction client configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 120 * time.Second,
		RateLimitRPS:   2,
		RateLimitBurst: 1,
	}
}

// HTTPClient calls the extraction service over HTTP. Calls are never retried.
type HTTPClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewHTTPClient creates a new extraction client.
func NewHTTPClient(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extract base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		rateLimiter: rate.NewLimiter(limit, burst),
		logger:      logger.With("component", "extract_client"),
	}, nil
}

// Extract posts one batch to {base}/v1/extract.
func (c *HTTPClient) Extract(ctx context.Context, req Request) (*Response, error) {
	if len(req.URLs) > MaxURLsPerRequest {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyURLs, len(req.URLs), MaxURLsPerRequest)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extract request: %w", err)
	}

	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call extract service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read extract response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 512),
			RequestID:  requestID,
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode extract response: %w", err)
	}
	out.Raw = raw

	c.logger.Debug("extract call completed",
		"request_id", requestID,
		"extract_id", out.ExtractID,
		"urls", len(req.URLs),
		"results", len(out.Results),
		"errors", len(out.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &out, nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
