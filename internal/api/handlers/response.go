// Package handlers implements the HTTP endpoints of the sourcewatch API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
)

// Error codes carried in the error envelope.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

const maxBodyBytes = 1 << 20

// APIError is the body of every non-2xx reply.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

// ErrorResponse wraps APIError as {"error": {...}}.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// FieldError names one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RespondJSON writes data as JSON with status. A nil data writes no body.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to encode response", "status", status, "error", err)
	}
}

func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondErrorWithDetails(w, status, code, message, nil)
}

func RespondErrorWithDetails(w http.ResponseWriter, status int, code, message string, details any) {
	RespondJSON(w, status, ErrorResponse{Error: &APIError{Code: code, Message: message, Details: details}})
}

func RespondBadRequest(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// RespondValidationError replies 422 with the offending fields as details.
func RespondValidationError(w http.ResponseWriter, fields any) {
	RespondErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeValidation, "Validation failed", fields)
}

func RespondInternalError(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, orDefault(message, "An internal error occurred"))
}

func RespondServiceUnavailable(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, orDefault(message, "Service temporarily unavailable"))
}

// RespondServiceError maps an agent service error: validation 422, failed
// extraction batch 502, anything else 500 with the cause kept out of the
// body.
func RespondServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, agent.ErrValidation):
		logger.Warn("request rejected", "op", op, "error", err)
		RespondError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, orchestrator.ErrBatchFailed):
		logger.Error("extraction batch failed", "op", op, "error", err)
		RespondError(w, http.StatusBadGateway, ErrCodeUpstream, "Extraction service request failed. Please try again.")
	default:
		logger.Error("request failed", "op", op, "error", err)
		RespondInternalError(w, "")
	}
}

// decodeBody reads at most maxBodyBytes of JSON into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
