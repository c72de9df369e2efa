package handlers

import (
	"context"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// SourceService registers, lists and deactivates tracked sources.
type SourceService interface {
	Register(ctx context.Context, rawURLs []string, extractNow bool) ([]storage.SourceWithLatest, error)
	Deactivate(ctx context.Context, rawURLs []string) ([]storage.Source, error)
	Sources(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error)
}

// AskService answers questions with freshly extracted evidence.
type AskService interface {
	Ask(ctx context.Context, question string, preferFullContent bool) (*agent.Answer, error)
}

// RefreshService re-extracts every active source.
type RefreshService interface {
	Refresh(ctx context.Context, onChunk func(done, total int)) ([]orchestrator.Outcome, error)
}

// HistoryStore reads the extraction history of a source.
type HistoryStore interface {
	ListExtractedPages(ctx context.Context, sourceID int64, limit int) ([]storage.ExtractedPage, error)
}
