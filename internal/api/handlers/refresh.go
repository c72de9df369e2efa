package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
)

// RefreshResponse summarises a refresh of all active sources.
type RefreshResponse struct {
	Processed      int   `json:"processed"`
	Succeeded      int   `json:"succeeded"`
	Failed         int   `json:"failed"`
	Chunks         int   `json:"chunks"`
	ProcessingTime int64 `json:"processing_time_ms"`
}

// HandleRefresh returns a handler that re-extracts every active source.
// POST /api/v1/refresh
func HandleRefresh(svc RefreshService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var chunks int
		outcomes, err := svc.Refresh(r.Context(), func(_, total int) { chunks = total })
		if err != nil {
			RespondServiceError(w, logger, "refresh", err)
			return
		}

		resp := summarise(outcomes)
		resp.Chunks = chunks
		resp.ProcessingTime = time.Since(start).Milliseconds()

		logger.Info("refresh completed",
			"processed", resp.Processed,
			"succeeded", resp.Succeeded,
			"failed", resp.Failed,
		)
		RespondJSON(w, http.StatusOK, resp)
	}
}

func summarise(outcomes []orchestrator.Outcome) RefreshResponse {
	resp := RefreshResponse{Processed: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp
}
