package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatProvider_Chat(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"queries\":[\"a\"]}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	p, err := NewProvider(ProviderConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		BaseURL:  server.URL,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o-mini", p.Model())

	resp, err := p.Chat(context.Background(), ChatRequest{
		SystemPrompt:   "be terse",
		Messages:       []Message{NewTextMessage(RoleUser, "hello")},
		ResponseFormat: ResponseFormatJSON,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"queries":["a"]}`, resp.Text)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, 17, resp.Usage.TotalTokens())

	messages, ok := received["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	format, ok := received["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
}

func TestOpenAICompatProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer server.Close()

	p, err := NewProvider(ProviderConfig{Provider: "ollama", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), ChatRequest{Messages: []Message{NewTextMessage(RoleUser, "hi")}})
	assert.Error(t, err)
}

func TestOpenAICompatProvider_JSONFormatFallback(t *testing.T) {
	var withFormat, plain int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")

		if _, ok := body["response_format"]; ok {
			withFormat++
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": {"message": "response_format is not supported", "type": "invalid_request_error"}}`))
			return
		}
		plain++
		_, _ = w.Write([]byte(`{"model": "llama3.2", "choices": [{"index": 0, "message": {"role": "assistant", "content": "q1\nq2"}, "finish_reason": "length"}]}`))
	}))
	defer server.Close()

	p, err := NewProvider(ProviderConfig{Provider: "ollama", BaseURL: server.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", p.Model())

	req := ChatRequest{Messages: []Message{NewTextMessage(RoleUser, "hi")}, ResponseFormat: ResponseFormatJSON}
	resp, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "q1\nq2", resp.Text)
	assert.Equal(t, StopReasonMaxTokens, resp.StopReason)

	_, err = p.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, withFormat)
	assert.Equal(t, 2, plain)
}

func TestValidateProviderConfig(t *testing.T) {
	assert.Error(t, ValidateProviderConfig(ProviderConfig{Provider: "openai"}))
	assert.NoError(t, ValidateProviderConfig(ProviderConfig{Provider: "ollama"}))
	assert.NoError(t, ValidateProviderConfig(ProviderConfig{Provider: "LMStudio"}))
	assert.Error(t, ValidateProviderConfig(ProviderConfig{Provider: "anthropic"}))
	assert.Equal(t, "http://localhost:11434/v1", GetDefaultBaseURL("ollama"))
}

func TestNewProvider_FillsDefaults(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "ollama"}, nil)
	require.NoError(t, err)

	compat, ok := p.(*OpenAICompatProvider)
	require.True(t, ok)
	assert.Equal(t, GetDefaultBaseURL("ollama"), compat.cfg.BaseURL)
	assert.Equal(t, "llama3.2", compat.Model())

	p, err = NewProvider(ProviderConfig{Provider: "lmstudio", BaseURL: "http://gpu:1234/v1", Model: "qwen"}, nil)
	require.NoError(t, err)
	compat = p.(*OpenAICompatProvider)
	assert.Equal(t, "http://gpu:1234/v1", compat.cfg.BaseURL)
	assert.Equal(t, "qwen", compat.Model())
}
