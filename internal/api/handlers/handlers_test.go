package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/router"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// ===========================
// Mock Implementations
// ===========================

type MockHealthChecker struct {
	err error
}

func (m *MockHealthChecker) Health(ctx context.Context) error {
	return m.err
}

// MockService implements SourceService, AskService and RefreshService.
type MockService struct {
	sources     []storage.SourceWithLatest
	outcomes    []orchestrator.Outcome
	chunks      int
	answer      *agent.Answer
	registerErr error
	askErr      error
	refreshErr  error

	lastURLs       []string
	lastExtractNow bool
	lastInactive   bool
	lastQuestion   string
	lastPreferFull bool
}

func (m *MockService) Register(ctx context.Context, rawURLs []string, extractNow bool) ([]storage.SourceWithLatest, error) {
	m.lastURLs = rawURLs
	m.lastExtractNow = extractNow
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	return m.sources, nil
}

func (m *MockService) Deactivate(ctx context.Context, rawURLs []string) ([]storage.Source, error) {
	m.lastURLs = rawURLs
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	out := make([]storage.Source, 0, len(rawURLs))
	for i, u := range rawURLs {
		out = append(out, storage.Source{ID: int64(i + 1), URL: u})
	}
	return out, nil
}

func (m *MockService) Sources(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error) {
	m.lastInactive = includeInactive
	return m.sources, nil
}

func (m *MockService) Ask(ctx context.Context, question string, preferFullContent bool) (*agent.Answer, error) {
	m.lastQuestion = question
	m.lastPreferFull = preferFullContent
	if m.askErr != nil {
		return nil, m.askErr
	}
	if m.answer != nil {
		return m.answer, nil
	}
	return &agent.Answer{
		ChatQueryID: 7,
		Question:    question,
		Decision:    router.Decide(question, 0),
	}, nil
}

func (m *MockService) Refresh(ctx context.Context, onChunk func(done, total int)) ([]orchestrator.Outcome, error) {
	for i := 1; i <= m.chunks; i++ {
		onChunk(i, m.chunks)
	}
	return m.outcomes, m.refreshErr
}

type MockHistoryStore struct {
	pages     []storage.ExtractedPage
	err       error
	lastID    int64
	lastLimit int
}

func (m *MockHistoryStore) ListExtractedPages(ctx context.Context, sourceID int64, limit int) ([]storage.ExtractedPage, error) {
	m.lastID = sourceID
	m.lastLimit = limit
	return m.pages, m.err
}

func createTestRouter(svc *MockService, history *MockHistoryStore) *chi.Mux {
	logger := slog.Default()
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sources", HandleRegisterSources(svc, logger))
		r.Get("/sources", HandleListSources(svc, logger))
		r.Post("/sources/deactivate", HandleDeactivateSources(svc, logger))
		r.Get("/sources/{id}/history", HandleSourceHistory(history, logger))
		r.Post("/ask", HandleAsk(svc, logger))
		r.Post("/refresh", HandleRefresh(svc, logger))
	})
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

// ===========================
// Health Check Tests
// ===========================

func TestHealthCheck(t *testing.T) {
	handler := HealthCheck()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response HealthStatus
	err := json.NewDecoder(rec.Body).Decode(&response)
	require.NoError(t, err)

	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, ServiceName, response.Service)
	assert.NotEmpty(t, response.Version)
	assert.NotEmpty(t, response.Timestamp)
}

func TestReadyCheck_AllHealthy(t *testing.T) {
	handler := ReadyCheck(map[string]HealthChecker{
		"database":       &MockHealthChecker{},
		"object_storage": &MockHealthChecker{},
	})
	rec := doRequest(t, handler, http.MethodGet, "/ready", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var response ReadyStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
	assert.Equal(t, "healthy", response.Components["database"])
	assert.Equal(t, "healthy", response.Components["object_storage"])
}

func TestReadyCheck_DatabaseUnhealthy(t *testing.T) {
	handler := ReadyCheck(map[string]HealthChecker{
		"database": &MockHealthChecker{err: errors.New("connection refused")},
		"cache":    &MockHealthChecker{},
	})
	rec := doRequest(t, handler, http.MethodGet, "/ready", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var response ReadyStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "not ready", response.Status)
	assert.Contains(t, response.Components["database"], "unhealthy")
	assert.Equal(t, "healthy", response.Components["cache"])
}

func TestReadyCheck_NilDependencies(t *testing.T) {
	handler := ReadyCheck(map[string]HealthChecker{
		"database":       nil,
		"object_storage": nil,
	})
	rec := doRequest(t, handler, http.MethodGet, "/ready", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var response ReadyStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
	assert.Equal(t, "not configured", response.Components["database"])
	assert.Equal(t, "not configured", response.Components["object_storage"])
}

// ===========================
// Source Handler Tests
// ===========================

func TestHandleRegisterSources_Success(t *testing.T) {
	svc := &MockService{sources: []storage.SourceWithLatest{
		{Source: storage.Source{ID: 1, URL: "https://a.example/", Active: true}},
	}}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources",
		`{"urls": ["https://A.example/"], "extract_now": true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://A.example/"}, svc.lastURLs)
	assert.True(t, svc.lastExtractNow)

	var resp SourcesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "https://a.example/", resp.Sources[0].URL)
}

func TestHandleRegisterSources_InvalidJSON(t *testing.T) {
	r := createTestRouter(&MockService{}, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", "{invalid json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Code)
}

func TestHandleRegisterSources_EmptyList(t *testing.T) {
	svc := &MockService{}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", `{"urls": ["  "]}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrCodeValidation, decodeError(t, rec).Code)
	assert.Nil(t, svc.lastURLs, "service must not be called")
}

func TestHandleRegisterSources_TooMany(t *testing.T) {
	urls := make([]string, MaxSourcesPerRequest+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("%q", fmt.Sprintf("https://a.example/%d", i))
	}
	r := createTestRouter(&MockService{}, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", `{"urls": [`+strings.Join(urls, ",")+`]}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleRegisterSources_ServiceValidationError(t *testing.T) {
	svc := &MockService{registerErr: fmt.Errorf("%w: invalid url %q", agent.ErrValidation, "ftp://x")}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", `{"urls": ["ftp://x"]}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, ErrCodeValidation, apiErr.Code)
	assert.Contains(t, apiErr.Message, "ftp://x")
}

func TestHandleRegisterSources_BatchFailure(t *testing.T) {
	svc := &MockService{registerErr: fmt.Errorf("%w: chunk 1 of 1: connection reset", orchestrator.ErrBatchFailed)}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", `{"urls": ["https://a.example"], "extract_now": true}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, ErrCodeUpstream, apiErr.Code)
	assert.NotContains(t, apiErr.Message, "connection reset")
}

func TestHandleRegisterSources_StoreError(t *testing.T) {
	svc := &MockService{registerErr: errors.New("database is locked")}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources", `{"urls": ["https://a.example"]}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, rec).Code)
}

func TestHandleListSources(t *testing.T) {
	svc := &MockService{}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodGet, "/api/v1/sources?include_inactive=true", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.lastInactive)

	var resp SourcesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotNil(t, resp.Sources, "empty list must encode as []")
	assert.Equal(t, 0, resp.Count)
}

func TestHandleListSources_BadFlag(t *testing.T) {
	r := createTestRouter(&MockService{}, nil)

	rec := doRequest(t, r, http.MethodGet, "/api/v1/sources?include_inactive=maybe", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeactivateSources(t *testing.T) {
	svc := &MockService{}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/sources/deactivate", `{"urls": ["https://a.example", "https://b.example"]}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp DeactivatedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
}

func TestHandleSourceHistory(t *testing.T) {
	history := &MockHistoryStore{pages: []storage.ExtractedPage{
		{ID: 2, SourceID: 5, Title: "Pricing"},
		{ID: 1, SourceID: 5, ErrorType: "fetch_error"},
	}}
	r := createTestRouter(&MockService{}, history)

	rec := doRequest(t, r, http.MethodGet, "/api/v1/sources/5/history?limit=500", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), history.lastID)
	assert.Equal(t, MaxHistoryLimit, history.lastLimit)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Pages, 2)
	assert.Equal(t, "fetch_error", resp.Pages[1].ErrorType)
}

func TestHandleSourceHistory_BadInput(t *testing.T) {
	r := createTestRouter(&MockService{}, &MockHistoryStore{})

	tests := []string{
		"/api/v1/sources/abc/history",
		"/api/v1/sources/0/history",
		"/api/v1/sources/3/history?limit=-1",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			rec := doRequest(t, r, http.MethodGet, path, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// ===========================
// Ask Handler Tests
// ===========================

func TestHandleAsk_Success(t *testing.T) {
	svc := &MockService{}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/ask", `{"question": "What changed on the pricing page?", "prefer_full_content": true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "What changed on the pricing page?", svc.lastQuestion)
	assert.True(t, svc.lastPreferFull)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, float64(7), resp["chat_query_id"])
	assert.Equal(t, []any{}, resp["evidence"])
	assert.Contains(t, resp, "decision")
	assert.Contains(t, resp, "processing_time_ms")
}

func TestHandleAsk_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{invalid json", http.StatusBadRequest},
		{"empty question", `{"question": ""}`, http.StatusUnprocessableEntity},
		{"whitespace question", `{"question": "   "}`, http.StatusUnprocessableEntity},
		{"too long", `{"question": "` + strings.Repeat("a", MaxQuestionLength+1) + `"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockService{}
			r := createTestRouter(svc, nil)

			rec := doRequest(t, r, http.MethodPost, "/api/v1/ask", tt.body)

			assert.Equal(t, tt.code, rec.Code)
			assert.Empty(t, svc.lastQuestion)
		})
	}
}

func TestHandleAsk_BatchFailure(t *testing.T) {
	svc := &MockService{askErr: fmt.Errorf("failed to extract evidence: %w", orchestrator.ErrBatchFailed)}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/ask", `{"question": "pricing"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// ===========================
// Refresh Handler Tests
// ===========================

func TestHandleRefresh(t *testing.T) {
	svc := &MockService{
		chunks: 2,
		outcomes: []orchestrator.Outcome{
			{SourceID: 1, Success: true},
			{SourceID: 2, Success: false, ErrorType: "timeout"},
			{SourceID: 3, Success: true},
		},
	}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/refresh", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp RefreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Processed)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 2, resp.Chunks)
}

func TestHandleRefresh_BatchFailure(t *testing.T) {
	svc := &MockService{
		outcomes:   []orchestrator.Outcome{{SourceID: 1, Success: true}},
		refreshErr: fmt.Errorf("%w: chunk 2 of 2: timeout", orchestrator.ErrBatchFailed),
	}
	r := createTestRouter(svc, nil)

	rec := doRequest(t, r, http.MethodPost, "/api/v1/refresh", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrCodeUpstream, decodeError(t, rec).Code)
}
