// Package agent exposes the registration, question and refresh entry points
// used by the HTTP server, the CLI and the worker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/canonical"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/querygen"
	"github.com/alqutdigital/sourcewatch/internal/registry"
	"github.com/alqutdigital/sourcewatch/internal/router"
	"github.com/alqutdigital/sourcewatch/internal/storage"
	"github.com/alqutdigital/sourcewatch/pkg/logger"
)

// ErrValidation marks a request rejected before any external call.
var ErrValidation = errors.New("validation failed")

// DefaultBaselineObjective is the objective used for registration and
// scheduled refreshes.
const DefaultBaselineObjective = "Extract the main content of the page: what it is about, key facts, figures, dates and any recent changes."

// Registry is the source registry used by the service.
type Registry interface {
	Upsert(ctx context.Context, rawURLs []string, active bool) ([]storage.Source, error)
	ListWithLatest(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error)
	ListActive(ctx context.Context) ([]storage.Source, error)
}

// Store records questions and their resolved extraction parameters.
type Store interface {
	CreateChatQuery(ctx context.Context, q *storage.ChatQuery) error
	UpsertExtractParams(ctx context.Context, p storage.ExtractParams) error
}

// Runner executes batched extraction.
type Runner interface {
	Run(ctx context.Context, p orchestrator.RunParams) ([]orchestrator.Outcome, error)
}

// QueryGenerator produces search queries for a question.
type QueryGenerator interface {
	Generate(ctx context.Context, question string) querygen.Result
}

// EventPublisher announces newly registered sources.
type EventPublisher interface {
	PublishSourcesRegistered(ctx context.Context, event SourcesRegistered) error
}

// GenerationRecorder counts query generation outcomes.
type GenerationRecorder interface {
	IncQueryGeneration(status string)
}

// SourcesRegistered is emitted after a registration call.
type SourcesRegistered struct {
	SourceIDs    []int64   `json:"source_ids"`
	URLs         []string  `json:"urls"`
	Extracted    bool      `json:"extracted"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Evidence is one piece of extracted content supporting an answer.
type Evidence struct {
	SourceID  int64  `json:"source_id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Answer is the evidence set for a question, handed to answer synthesis.
type Answer struct {
	ChatQueryID int64           `json:"chat_query_id"`
	Question    string          `json:"question"`
	Decision    router.Decision `json:"decision"`
	Evidence    []Evidence      `json:"evidence"`
	Failed      int             `json:"failed"`
}

// Config holds service configuration.
type Config struct {
	BaselineObjective string
	EvidenceMaxTokens int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		BaselineObjective: DefaultBaselineObjective,
		EvidenceMaxTokens: 2000,
	}
}

// Service wires the registry, router, query generation and orchestrator.
type Service struct {
	registry  Registry
	store     Store
	runner    Runner
	generator QueryGenerator
	publisher EventPublisher
	recorder  GenerationRecorder
	truncator *Truncator
	config    Config
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEventPublisher publishes registration events.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithGenerationRecorder counts query generation outcomes.
func WithGenerationRecorder(r GenerationRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTruncator overrides the evidence truncator built from Config.
func WithTruncator(t *Truncator) Option {
	return func(s *Service) { s.truncator = t }
}

// NewService creates a Service.
func NewService(
	reg Registry,
	store Store,
	runner Runner,
	generator QueryGenerator,
	logger *slog.Logger,
	config Config,
	opts ...Option,
) (*Service, error) {
	if reg == nil || store == nil || runner == nil {
		return nil, fmt.Errorf("registry, store and runner are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.BaselineObjective == "" {
		config.BaselineObjective = DefaultBaselineObjective
	}

	s := &Service{
		registry:  reg,
		store:     store,
		runner:    runner,
		generator: generator,
		config:    config,
		logger:    logger.With("component", "agent"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.truncator == nil {
		s.truncator = NewTruncator(config.EvidenceMaxTokens, s.logger)
	}
	return s, nil
}

// Register records rawURLs as active sources and, when extractNow is set,
// extracts them immediately with the baseline objective. Sources are
// returned with their latest state in input order, without duplicates.
func (s *Service) Register(ctx context.Context, rawURLs []string, extractNow bool) ([]storage.SourceWithLatest, error) {
	urls := nonBlank(rawURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", ErrValidation)
	}

	sources, err := s.registry.Upsert(ctx, urls, true)
	if err != nil {
		if errors.Is(err, canonical.ErrInvalidURL) || errors.Is(err, registry.ErrNoURLs) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, err
	}
	sources = uniqueSources(sources)

	if extractNow {
		if _, err := s.runner.Run(ctx, orchestrator.RunParams{
			Sources:     sources,
			Objective:   s.config.BaselineObjective,
			FullContent: true,
			Trigger:     storage.TriggerAddSources,
		}); err != nil {
			return nil, fmt.Errorf("failed to extract registered sources: %w", err)
		}
	}

	s.publishRegistered(ctx, sources, extractNow)

	rows, err := s.registry.ListWithLatest(ctx, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]storage.SourceWithLatest, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	out := make([]storage.SourceWithLatest, 0, len(sources))
	for _, src := range sources {
		if row, ok := byID[src.ID]; ok {
			out = append(out, row)
		} else {
			out = append(out, storage.SourceWithLatest{Source: src})
		}
	}
	return out, nil
}

// Deactivate marks sources inactive. Sources are never deleted.
func (s *Service) Deactivate(ctx context.Context, rawURLs []string) ([]storage.Source, error) {
	urls := nonBlank(rawURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", ErrValidation)
	}
	sources, err := s.registry.Upsert(ctx, urls, false)
	if err != nil {
		if errors.Is(err, canonical.ErrInvalidURL) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, err
	}
	return uniqueSources(sources), nil
}

// Sources lists sources with their latest state.
func (s *Service) Sources(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error) {
	return s.registry.ListWithLatest(ctx, includeInactive)
}

// Ask routes a question, records it, extracts the active sources and returns
// the successful content as evidence.
func (s *Service) Ask(ctx context.Context, question string, preferFullContent bool) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}

	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	decision := router.Decide(question, len(active))
	if decision.Mode == router.ModeGenerateSearchQueries {
		result := s.generate(ctx, question)
		decision = decision.WithGeneration(result.Queries, string(result.Status))
	}

	log := s.logger.With("mode", string(decision.Mode), "active_sources", len(active))
	log.InfoContext(ctx, "question routed", "reason", decision.Reason, "generation_status", decision.GenerationStatus)

	routing, err := decision.Audit()
	if err != nil {
		return nil, fmt.Errorf("failed to encode routing decision: %w", err)
	}

	cq := &storage.ChatQuery{
		Question:          question,
		PreferFullContent: preferFullContent,
		Routing:           routing,
	}
	if err := s.store.CreateChatQuery(ctx, cq); err != nil {
		return nil, err
	}
	ctx = logger.WithChatQueryID(ctx, cq.ID)

	if err := s.store.UpsertExtractParams(ctx, storage.ExtractParams{
		ChatQueryID:   cq.ID,
		Objective:     question,
		SearchQueries: decision.SearchQueries,
		Excerpts:      true,
		FullContent:   preferFullContent,
	}); err != nil {
		return nil, err
	}

	answer := &Answer{
		ChatQueryID: cq.ID,
		Question:    question,
		Decision:    decision,
		Evidence:    []Evidence{},
	}
	if len(active) == 0 {
		return answer, nil
	}

	outcomes, err := s.runner.Run(ctx, orchestrator.RunParams{
		Sources:       active,
		Objective:     question,
		SearchQueries: decision.SearchQueries,
		FullContent:   preferFullContent,
		Trigger:       storage.TriggerChat,
		ChatQueryID:   &cq.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract sources for question %d: %w", cq.ID, err)
	}

	for _, o := range outcomes {
		if !o.Success {
			answer.Failed++
			continue
		}
		content, truncated := s.truncator.Truncate(o.Content)
		answer.Evidence = append(answer.Evidence, Evidence{
			SourceID:  o.SourceID,
			URL:       o.URL,
			Title:     o.Title,
			Content:   content,
			Truncated: truncated,
		})
	}

	log.InfoContext(ctx, "question answered", "evidence", len(answer.Evidence), "failed", answer.Failed)
	return answer, nil
}

// Refresh re-extracts every active source with the baseline objective.
func (s *Service) Refresh(ctx context.Context, onChunk func(done, total int)) ([]orchestrator.Outcome, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return s.RefreshSources(ctx, active, onChunk)
}

// RefreshSources re-extracts the given sources with the baseline objective.
func (s *Service) RefreshSources(ctx context.Context, sources []storage.Source, onChunk func(done, total int)) ([]orchestrator.Outcome, error) {
	if len(sources) == 0 {
		s.logger.Info("no sources to refresh")
		return nil, nil
	}

	outcomes, err := s.runner.Run(ctx, orchestrator.RunParams{
		Sources:     sources,
		Objective:   s.config.BaselineObjective,
		FullContent: true,
		Trigger:     storage.TriggerRefresh,
		OnChunk:     onChunk,
	})
	if err != nil {
		return outcomes, fmt.Errorf("failed to refresh sources: %w", err)
	}
	return outcomes, nil
}

func (s *Service) generate(ctx context.Context, question string) querygen.Result {
	if s.generator == nil {
		return querygen.Result{Status: querygen.StatusTransportError, Err: errors.New("query generation not configured")}
	}
	result := s.generator.Generate(ctx, question)
	if s.recorder != nil {
		s.recorder.IncQueryGeneration(string(result.Status))
	}
	if result.OK() {
		s.logger.DebugContext(ctx, "queries generated", "status", result.Status, "queries", len(result.Queries))
	} else {
		s.logger.WarnContext(ctx, "query generation failed", "status", result.Status, "error", result.Err)
	}
	return result
}

func (s *Service) publishRegistered(ctx context.Context, sources []storage.Source, extracted bool) {
	if s.publisher == nil {
		return
	}
	event := SourcesRegistered{
		SourceIDs:    make([]int64, len(sources)),
		URLs:         make([]string, len(sources)),
		Extracted:    extracted,
		RegisteredAt: time.Now().UTC(),
	}
	for i, src := range sources {
		event.SourceIDs[i] = src.ID
		event.URLs[i] = src.URL
	}
	if err := s.publisher.PublishSourcesRegistered(ctx, event); err != nil {
		s.logger.Warn("failed to publish sources registered event", "error", err)
	}
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func uniqueSources(in []storage.Source) []storage.Source {
	seen := make(map[int64]struct{}, len(in))
	out := make([]storage.Source, 0, len(in))
	for _, src := range in {
		if _, ok := seen[src.ID]; ok {
			continue
		}
		seen[src.ID] = struct{}{}
		out = append(out, src)
	}
	return out
}
