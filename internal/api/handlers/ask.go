package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alqutdigital/sourcewatch/internal/agent"
)

// MaxQuestionLength is the longest accepted question, in characters.
const MaxQuestionLength = 2000

// AskRequestBody is the body of POST /api/v1/ask.
type AskRequestBody struct {
	Question          string `json:"question"`
	PreferFullContent bool   `json:"prefer_full_content"`
}

// AskResponse is the evidence gathered for a question.
type AskResponse struct {
	*agent.Answer
	ProcessingTime int64 `json:"processing_time_ms"`
}

// ValidateAskRequest validates the ask request body.
func ValidateAskRequest(req *AskRequestBody) []FieldError {
	var errs []FieldError

	question := strings.TrimSpace(req.Question)
	if question == "" {
		errs = append(errs, FieldError{Field: "question", Message: "Question is required"})
	} else if utf8.RuneCountInString(question) > MaxQuestionLength {
		errs = append(errs, FieldError{Field: "question", Message: "Question must not exceed 2000 characters"})
	}

	return errs
}

// HandleAsk returns a handler that answers a question from the active sources.
// POST /api/v1/ask
//
// Request body:
//
//	{
//	  "question": "What changed in the pricing page?",
//	  "prefer_full_content": false
//	}
func HandleAsk(svc AskService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req AskRequestBody
		if err := decodeBody(w, r, &req); err != nil {
			logger.Warn("failed to decode ask request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		if errs := ValidateAskRequest(&req); len(errs) > 0 {
			logger.Warn("ask request validation failed", "errors", errs)
			RespondValidationError(w, errs)
			return
		}

		answer, err := svc.Ask(r.Context(), req.Question, req.PreferFullContent)
		if err != nil {
			RespondServiceError(w, logger, "ask", err)
			return
		}
		if answer.Evidence == nil {
			answer.Evidence = []agent.Evidence{}
		}

		resp := AskResponse{Answer: answer, ProcessingTime: time.Since(start).Milliseconds()}
		logger.Info("ask request completed",
			"chat_query_id", answer.ChatQueryID,
			"mode", answer.Decision.Mode,
			"evidence", len(answer.Evidence),
			"failed", answer.Failed,
			"processing_time_ms", resp.ProcessingTime,
		)

		RespondJSON(w, http.StatusOK, resp)
	}
}
