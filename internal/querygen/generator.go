// Package querygen turns a question into a few short search phrases using a
// chat-completion provider.
package querygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alqutdigital/sourcewatch/internal/llm"
)

// Status tags the outcome of a generation attempt.
type Status string

const (
	StatusOK             Status = "ok"
	StatusCacheHit       Status = "cache_hit"
	StatusTransportError Status = "transport_error"
	StatusEmptyResponse  Status = "empty_response"
	StatusDecodeError    Status = "decode_error"
	StatusInvalidOutput  Status = "invalid_output"
)

const (
	// MaxQueries is the number of phrases kept from a response.
	MaxQueries = 3
	// MaxQueryWords is the longest phrase accepted.
	MaxQueryWords = 8
)

// SystemPrompt instructs the model to answer with a single JSON object.
const SystemPrompt = `You write web search queries.
Given a user question, reply with a JSON object of the form {"queries": ["...", "..."]}.
Return between 1 and 3 short keyword phrases of at most 8 words each.
Do not include any other keys or any text outside the JSON object.`

var (
	// ErrEmptyResponse is returned when the provider replies with no text.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrInvalidOutput is returned when the decoded object holds no usable query.
	ErrInvalidOutput = errors.New("no usable queries in response")
)

// Result is the tagged outcome of Generate. Queries is empty whenever Status
// is not ok or cache_hit.
type Result struct {
	Queries []string
	Status  Status
	Err     error
}

// OK reports whether the result carries queries.
func (r Result) OK() bool {
	return len(r.Queries) > 0
}

// Cache stores generated queries per question.
type Cache interface {
	GetQueries(ctx context.Context, question string) ([]string, bool)
	SetQueries(ctx context.Context, question string, queries []string) error
}

// Generator produces search queries for questions.
type Generator struct {
	provider llm.Provider
	cache    Cache
	logger   *slog.Logger
}

// New creates a Generator. cache may be nil.
func New(provider llm.Provider, cache Cache, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider: provider,
		cache:    cache,
		logger:   logger.With("component", "querygen"),
	}
}

// Generate never returns an error directly: failures are reported through
// Result.Status and Result.Err with an empty query list.
func (g *Generator) Generate(ctx context.Context, question string) Result {
	if g.cache != nil {
		if queries, ok := g.cache.GetQueries(ctx, question); ok && len(queries) > 0 {
			return Result{Queries: queries, Status: StatusCacheHit}
		}
	}

	resp, err := g.provider.Chat(ctx, llm.ChatRequest{
		SystemPrompt:   SystemPrompt,
		Messages:       []llm.Message{llm.NewTextMessage(llm.RoleUser, question)},
		MaxTokens:      200,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return g.fail(StatusTransportError, fmt.Errorf("failed to call provider: %w", err))
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return g.fail(StatusEmptyResponse, ErrEmptyResponse)
	}

	queries, err := Decode(text)
	if err != nil {
		if errors.Is(err, ErrInvalidOutput) {
			return g.fail(StatusInvalidOutput, err)
		}
		return g.fail(StatusDecodeError, err)
	}

	if g.cache != nil {
		if err := g.cache.SetQueries(ctx, question, queries); err != nil {
			g.logger.Warn("failed to cache queries", "error", err)
		}
	}

	g.logger.Debug("generated search queries", "count", len(queries), "model", resp.Model)
	return Result{Queries: queries, Status: StatusOK}
}

func (g *Generator) fail(status Status, err error) Result {
	g.logger.Warn("query generation degraded", "status", status, "error", err)
	return Result{Status: status, Err: err}
}

type payload struct {
	Queries []string `json:"queries"`
}

// Decode parses a strict {"queries": [...]} object. Phrases are trimmed,
// whitespace-collapsed and deduplicated case-insensitively; phrases longer
// than MaxQueryWords are dropped and at most MaxQueries are kept.
func Decode(text string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode queries: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode queries: trailing data after object")
	}

	seen := make(map[string]struct{}, len(p.Queries))
	queries := make([]string, 0, MaxQueries)
	for _, q := range p.Queries {
		words := strings.Fields(q)
		if len(words) == 0 || len(words) > MaxQueryWords {
			continue
		}
		phrase := strings.Join(words, " ")
		key := strings.ToLower(phrase)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, phrase)
		if len(queries) == MaxQueries {
			break
		}
	}

	if len(queries) == 0 {
		return nil, ErrInvalidOutput
	}
	return queries, nil
}
