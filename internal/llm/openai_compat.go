package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider talks to OpenAI or any server exposing the same chat
// completions API, such as Ollama and LM Studio.
type OpenAICompatProvider struct {
	client *openai.Client
	cfg    ProviderConfig
	logger *slog.Logger

	// jsonRejected is set once the server refuses response_format, after
	// which requests go out as plain text.
	jsonRejected atomic.Bool
}

func NewOpenAICompatProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for OpenAI-compatible provider")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai_compat"
	}
	if cfg.Model == "" {
		cfg.Model = GetDefaultModel(cfg.Provider)
	}

	// Local servers ignore the key but the client refuses an empty one.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &OpenAICompatProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "llm", "provider", cfg.Provider, "model", cfg.Model),
	}, nil
}

func (p *OpenAICompatProvider) Name() string  { return p.cfg.Provider }
func (p *OpenAICompatProvider) Model() string { return p.cfg.Model }

// Chat returns the first choice. A JSON response format rejected by the
// server with 400 is retried once as plain text.
func (p *OpenAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wantJSON := req.ResponseFormat == ResponseFormatJSON && !p.jsonRejected.Load()

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, wantJSON))
	if err != nil && wantJSON && isBadRequest(err) {
		p.jsonRejected.Store(true)
		p.logger.Warn("server rejected JSON response format, retrying as text", "error", err)
		resp, err = p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete chat with %s: %w", p.cfg.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("failed to complete chat with %s: no choices returned", p.cfg.Provider)
	}

	choice := resp.Choices[0]
	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	p.logger.Debug("chat completed",
		"finish_reason", choice.FinishReason,
		"prompt_tokens", usage.InputTokens,
		"completion_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens(),
	)
	return &ChatResponse{
		Text:       choice.Message.Content,
		StopReason: stopReason(choice.FinishReason),
		Usage:      usage,
		Model:      resp.Model,
	}, nil
}

func (p *OpenAICompatProvider) buildRequest(req ChatRequest, jsonFormat bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1),
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}

	if n := firstPositive(req.MaxTokens, p.cfg.MaxTokens); n > 0 {
		out.MaxTokens = n
	}
	if t := req.Temperature; t > 0 {
		out.Temperature = float32(t)
	} else if p.cfg.Temperature > 0 {
		out.Temperature = float32(p.cfg.Temperature)
	}
	if jsonFormat {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

func openAIRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func stopReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	case openai.FinishReasonContentFilter:
		return StopReasonFiltered
	default:
		return StopReasonEndTurn
	}
}

func isBadRequest(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusBadRequest
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusBadRequest
	}
	return false
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
