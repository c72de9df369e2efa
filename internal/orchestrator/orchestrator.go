// Package orchestrator runs batched extraction over a set of sources and
// records the per-URL history and latest-state projection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/canonical"
	"github.com/alqutdigital/sourcewatch/internal/extract"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// ErrBatchFailed wraps a failed extraction call. The run stops at the failing
// chunk; rows written for earlier chunks are kept.
var ErrBatchFailed = errors.New("extract batch failed")

// Store is the persistence needed by a run.
type Store interface {
	CreateExtractRun(ctx context.Context, run *storage.ExtractRun) error
	CreateExtractedPage(ctx context.Context, page *storage.ExtractedPage) error
	UpsertSourceLatest(ctx context.Context, latest storage.SourceLatest) error
}

// Archiver stores raw extraction responses.
type Archiver interface {
	ArchiveExtractResponse(ctx context.Context, runID int64, body []byte, at time.Time) (string, error)
}

// Publisher announces completed chunks.
type Publisher interface {
	PublishRunCompleted(ctx context.Context, event RunCompleted) error
}

// Recorder receives run metrics.
type Recorder interface {
	IncChunk(trigger string)
	IncPage(success bool)
	IncBatchFailure(trigger string)
	ObserveExtract(trigger string, d time.Duration)
}

// RunCompleted describes one recorded extraction call.
type RunCompleted struct {
	RunID       int64     `json:"run_id"`
	ExternalID  string    `json:"external_id,omitempty"`
	Trigger     string    `json:"trigger"`
	ChatQueryID *int64    `json:"chat_query_id,omitempty"`
	Chunk       int       `json:"chunk"`
	Chunks      int       `json:"chunks"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunParams configures one orchestration run.
type RunParams struct {
	Sources       []storage.Source
	Objective     string
	SearchQueries []string
	FullContent   bool
	Trigger       storage.Trigger
	ChatQueryID   *int64

	// OnChunk is called after each chunk is recorded.
	OnChunk func(done, total int)
}

// Outcome is the result for one matched URL.
type Outcome struct {
	SourceID  int64  `json:"source_id"`
	URL       string `json:"url"`
	PageID    int64  `json:"page_id"`
	Success   bool   `json:"success"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Orchestrator batches sources through the extraction client.
type Orchestrator struct {
	client    extract.Client
	store     Store
	archiver  Archiver
	publisher Publisher
	recorder  Recorder
	batchSize int
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver archives every raw response.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithPublisher publishes an event per recorded chunk.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRecorder records run metrics.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithBatchSize overrides BatchSize. Values above the client limit are capped.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 && n <= extract.MaxURLsPerRequest {
			o.batchSize = n
		}
	}
}

// New creates an Orchestrator.
func New(client extract.Client, store Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		client:    client,
		store:     store,
		batchSize: BatchSize,
		logger:    logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run extracts the sources chunk by chunk, strictly sequentially. Latest
// state is last-write-wins in processing order, which relies on chunks never
// being dispatched concurrently.
func (o *Orchestrator) Run(ctx context.Context, p RunParams) ([]Outcome, error) {
	if !p.Trigger.Valid() {
		return nil, fmt.Errorf("invalid trigger %q", p.Trigger)
	}

	chunks := Chunk(p.Sources, o.batchSize)
	log := o.logger.With("trigger", string(p.Trigger))
	log.InfoContext(ctx, "starting extraction run", "sources", len(p.Sources), "chunks", len(chunks))

	var outcomes []Outcome
	for i, chunk := range chunks {
		chunkOutcomes, err := o.runChunk(ctx, p, chunk, i, len(chunks))
		if err != nil {
			log.ErrorContext(ctx, "extraction run aborted", "chunk", i+1, "chunks", len(chunks), "error", err)
			return outcomes, err
		}
		outcomes = append(outcomes, chunkOutcomes...)

		if p.OnChunk != nil {
			p.OnChunk(i+1, len(chunks))
		}
	}

	log.InfoContext(ctx, "extraction run completed", "outcomes", len(outcomes))
	return outcomes, nil
}

func (o *Orchestrator) runChunk(ctx context.Context, p RunParams, chunk []storage.Source, index, total int) ([]Outcome, error) {
	byURL := make(map[string]storage.Source, len(chunk))
	urls := make([]string, len(chunk))
	for i, src := range chunk {
		byURL[src.URL] = src
		urls[i] = src.URL
	}

	start := time.Now()
	resp, err := o.client.Extract(ctx, extract.Request{
		URLs:          urls,
		Objective:     p.Objective,
		SearchQueries: p.SearchQueries,
		Excerpts:      true,
		FullContent:   p.FullContent,
	})
	if o.recorder != nil {
		o.recorder.ObserveExtract(string(p.Trigger), time.Since(start))
	}
	if err != nil {
		if o.recorder != nil {
			o.recorder.IncBatchFailure(string(p.Trigger))
		}
		return nil, fmt.Errorf("%w: chunk %d of %d: %w", ErrBatchFailed, index+1, total, err)
	}

	run := &storage.ExtractRun{
		ChatQueryID: p.ChatQueryID,
		Trigger:     p.Trigger,
		ExternalID:  resp.ExtractID,
		Warnings:    resp.Warnings,
		Usage:       resp.Usage,
	}
	if err := o.store.CreateExtractRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record extract run: %w", err)
	}
	if o.recorder != nil {
		o.recorder.IncChunk(string(p.Trigger))
	}

	var outcomes []Outcome
	succeeded, failed := 0, 0

	for _, res := range resp.Results {
		src, ok := matchSource(byURL, res.URL)
		if !ok {
			o.logger.Debug("ignoring result for unknown url", "url", res.URL, "run_id", run.ID)
			continue
		}

		page := &storage.ExtractedPage{
			SourceID:    src.ID,
			RunID:       run.ID,
			Title:       extract.Deref(res.Title),
			PublishDate: extract.Deref(res.PublishDate),
			Excerpts:    res.Excerpts,
			FullContent: extract.Deref(res.FullContent),
		}
		page.Fingerprint = Fingerprint(page.Title, page.PublishDate, page.Excerpts, page.FullContent)

		if err := o.store.CreateExtractedPage(ctx, page); err != nil {
			return nil, fmt.Errorf("failed to record extracted page: %w", err)
		}
		if err := o.store.UpsertSourceLatest(ctx, storage.SourceLatest{
			SourceID:        src.ID,
			ExtractedPageID: page.ID,
			ExtractedAt:     page.ExtractedAt,
			Title:           page.Title,
			HasFullContent:  page.FullContent != "",
			Objective:       p.Objective,
		}); err != nil {
			return nil, fmt.Errorf("failed to update source latest: %w", err)
		}

		succeeded++
		if o.recorder != nil {
			o.recorder.IncPage(true)
		}
		outcomes = append(outcomes, Outcome{
			SourceID: src.ID,
			URL:      src.URL,
			PageID:   page.ID,
			Success:  true,
			Title:    page.Title,
			Content:  pageContent(page),
		})
	}

	for _, rerr := range resp.Errors {
		src, ok := matchSource(byURL, rerr.URL)
		if !ok {
			o.logger.Debug("ignoring error for unknown url", "url", rerr.URL, "run_id", run.ID)
			continue
		}

		errorType := rerr.ErrorType
		if errorType == "" {
			errorType = "unknown"
		}
		page := &storage.ExtractedPage{
			SourceID:     src.ID,
			RunID:        run.ID,
			ErrorType:    errorType,
			HTTPStatus:   rerr.HTTPStatus,
			ErrorContent: extract.Deref(rerr.Content),
		}
		if err := o.store.CreateExtractedPage(ctx, page); err != nil {
			return nil, fmt.Errorf("failed to record extraction error: %w", err)
		}

		failed++
		if o.recorder != nil {
			o.recorder.IncPage(false)
		}
		outcomes = append(outcomes, Outcome{
			SourceID:  src.ID,
			URL:       src.URL,
			PageID:    page.ID,
			ErrorType: errorType,
		})
	}

	event := RunCompleted{
		RunID:       run.ID,
		ExternalID:  run.ExternalID,
		Trigger:     string(p.Trigger),
		ChatQueryID: p.ChatQueryID,
		Chunk:       index + 1,
		Chunks:      total,
		Succeeded:   succeeded,
		Failed:      failed,
		CompletedAt: time.Now().UTC(),
	}

	if o.archiver != nil && len(resp.Raw) > 0 {
		key, err := o.archiver.ArchiveExtractResponse(ctx, run.ID, resp.Raw, run.CreatedAt)
		if err != nil {
			o.logger.WarnContext(ctx, "failed to archive extract response", "run_id", run.ID, "error", err)
		} else {
			event.ArchiveKey = key
		}
	}

	if o.publisher != nil {
		if err := o.publisher.PublishRunCompleted(ctx, event); err != nil {
			o.logger.WarnContext(ctx, "failed to publish run event", "run_id", run.ID, "error", err)
		}
	}

	o.logger.Debug("chunk recorded",
		"run_id", run.ID,
		"chunk", index+1,
		"chunks", total,
		"succeeded", succeeded,
		"failed", failed,
	)
	return outcomes, nil
}

// matchSource looks a returned URL up among the chunk's sources, first as
// given and then in canonical form.
func matchSource(byURL map[string]storage.Source, raw string) (storage.Source, bool) {
	if src, ok := byURL[raw]; ok {
		return src, true
	}
	canon, err := canonical.Canonicalize(raw)
	if err != nil {
		return storage.Source{}, false
	}
	src, ok := byURL[canon]
	return src, ok
}

func pageContent(p *storage.ExtractedPage) string {
	if p.FullContent != "" {
		return p.FullContent
	}
	return strings.Join(p.Excerpts, "\n\n")
}
