// Package llm wraps the chat completion backends used to turn a question
// into search queries.
package llm

import "context"

// Provider sends one chat completion request.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Model() string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonFiltered  StopReason = "content_filter"
)

// ResponseFormat asks the backend to constrain its output. Backends that
// do not support it return plain text.
type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = ""
	ResponseFormatJSON ResponseFormat = "json_object"
)

type Message struct {
	Role    Role
	Content string
}

func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// ChatRequest is a single completion call. Zero MaxTokens and Temperature
// fall back to the provider defaults.
type ChatRequest struct {
	SystemPrompt   string
	Messages       []Message
	MaxTokens      int
	Temperature    float64
	ResponseFormat ResponseFormat
}

type ChatResponse struct {
	Text       string
	StopReason StopReason
	Usage      Usage
	Model      string
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderConfig selects a backend and its defaults.
type ProviderConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}
