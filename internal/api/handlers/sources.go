package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// Request limits for source endpoints.
const (
	MaxSourcesPerRequest = 100
	DefaultHistoryLimit  = 20
	MaxHistoryLimit      = 200
)

// RegisterSourcesBody is the body of POST /api/v1/sources.
type RegisterSourcesBody struct {
	URLs       []string `json:"urls"`
	ExtractNow bool     `json:"extract_now"`
}

// DeactivateSourcesBody is the body of POST /api/v1/sources/deactivate.
type DeactivateSourcesBody struct {
	URLs []string `json:"urls"`
}

// SourcesResponse lists sources with their latest extraction state.
type SourcesResponse struct {
	Sources []storage.SourceWithLatest `json:"sources"`
	Count   int                        `json:"count"`
}

// DeactivatedResponse lists the sources that were deactivated.
type DeactivatedResponse struct {
	Sources []storage.Source `json:"sources"`
	Count   int              `json:"count"`
}

// HistoryResponse is the extraction history of one source, newest first.
type HistoryResponse struct {
	SourceID int64                   `json:"source_id"`
	Pages    []storage.ExtractedPage `json:"pages"`
}

// ValidateURLList checks a list of raw URLs before it reaches the service.
func ValidateURLList(urls []string) []FieldError {
	var errs []FieldError

	nonBlank := 0
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			nonBlank++
		}
	}

	switch {
	case nonBlank == 0:
		errs = append(errs, FieldError{Field: "urls", Message: "At least one URL is required"})
	case len(urls) > MaxSourcesPerRequest:
		errs = append(errs, FieldError{
			Field:   "urls",
			Message: "At most " + strconv.Itoa(MaxSourcesPerRequest) + " URLs per request",
		})
	}
	return errs
}

// HandleRegisterSources returns a handler that registers sources.
// POST /api/v1/sources
//
// Request body:
//
//	{
//	  "urls": ["https://example.com/pricing"],
//	  "extract_now": true
//	}
func HandleRegisterSources(svc SourceService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterSourcesBody
		if err := decodeBody(w, r, &req); err != nil {
			logger.Warn("failed to decode register request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		if errs := ValidateURLList(req.URLs); len(errs) > 0 {
			RespondValidationError(w, errs)
			return
		}

		rows, err := svc.Register(r.Context(), req.URLs, req.ExtractNow)
		if err != nil {
			RespondServiceError(w, logger, "register_sources", err)
			return
		}

		logger.Info("sources registered", "count", len(rows), "extract_now", req.ExtractNow)
		RespondJSON(w, http.StatusOK, SourcesResponse{Sources: nonNil(rows), Count: len(rows)})
	}
}

// HandleListSources returns a handler that lists sources.
// GET /api/v1/sources?include_inactive=true
func HandleListSources(svc SourceService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeInactive := false
		if raw := r.URL.Query().Get("include_inactive"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				RespondBadRequest(w, "include_inactive must be a boolean")
				return
			}
			includeInactive = v
		}

		rows, err := svc.Sources(r.Context(), includeInactive)
		if err != nil {
			RespondServiceError(w, logger, "list_sources", err)
			return
		}

		RespondJSON(w, http.StatusOK, SourcesResponse{Sources: nonNil(rows), Count: len(rows)})
	}
}

// HandleDeactivateSources returns a handler that deactivates sources.
// POST /api/v1/sources/deactivate
func HandleDeactivateSources(svc SourceService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeactivateSourcesBody
		if err := decodeBody(w, r, &req); err != nil {
			logger.Warn("failed to decode deactivate request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		if errs := ValidateURLList(req.URLs); len(errs) > 0 {
			RespondValidationError(w, errs)
			return
		}

		sources, err := svc.Deactivate(r.Context(), req.URLs)
		if err != nil {
			RespondServiceError(w, logger, "deactivate_sources", err)
			return
		}
		if sources == nil {
			sources = []storage.Source{}
		}

		logger.Info("sources deactivated", "count", len(sources))
		RespondJSON(w, http.StatusOK, DeactivatedResponse{Sources: sources, Count: len(sources)})
	}
}

// HandleSourceHistory returns a handler that lists the extraction history of a source.
// GET /api/v1/sources/{id}/history?limit=20
func HandleSourceHistory(store HistoryStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			RespondBadRequest(w, "Invalid source ID")
			return
		}

		limit := DefaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				RespondBadRequest(w, "limit must be a positive integer")
				return
			}
			limit = min(v, MaxHistoryLimit)
		}

		pages, err := store.ListExtractedPages(r.Context(), id, limit)
		if err != nil {
			logger.Error("failed to list extracted pages", "source_id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		if pages == nil {
			pages = []storage.ExtractedPage{}
		}

		RespondJSON(w, http.StatusOK, HistoryResponse{SourceID: id, Pages: pages})
	}
}

func nonNil(rows []storage.SourceWithLatest) []storage.SourceWithLatest {
	if rows == nil {
		return []storage.SourceWithLatest{}
	}
	return rows
}
