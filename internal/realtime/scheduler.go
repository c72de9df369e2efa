package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// Refresher re-extracts sources.
type Refresher interface {
	Refresh(ctx context.Context, onChunk func(done, total int)) ([]orchestrator.Outcome, error)
	RefreshSources(ctx context.Context, sources []storage.Source, onChunk func(done, total int)) ([]orchestrator.Outcome, error)
}

// SourceLister loads active sources by id.
type SourceLister interface {
	ListActive(ctx context.Context) ([]storage.Source, error)
}

// SchedulerConfig holds refresh scheduler configuration.
type SchedulerConfig struct {
	Interval     time.Duration
	RunOnStart   bool
	QueueGroup   string
	Durable      string
	AckWait      time.Duration
	HandlerLimit time.Duration
	RetryDelay   time.Duration
}

// DefaultSchedulerConfig returns default scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     6 * time.Hour,
		RunOnStart:   false,
		QueueGroup:   "refresh-workers",
		Durable:      "refresh-worker",
		AckWait:      5 * time.Minute,
		HandlerLimit: 10 * time.Minute,
		RetryDelay:   30 * time.Second,
	}
}

// Scheduler refreshes active sources on an interval and extracts newly
// registered sources announced over NATS. Refreshes never overlap, so latest
// state stays last-write-wins in processing order.
type Scheduler struct {
	refresher Refresher
	sources   SourceLister
	config    SchedulerConfig
	logger    *slog.Logger

	runMu   sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	runs    atomic.Int64
	lastErr atomic.Value
}

// NewScheduler creates a Scheduler.
func NewScheduler(refresher Refresher, sources SourceLister, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher: refresher,
		sources:   sources,
		config:    cfg,
		logger:    logger.With("component", "refresh_scheduler"),
	}
}

// Start begins the periodic refresh loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.config.Interval <= 0 {
		s.logger.Info("periodic refresh disabled")
		return nil
	}

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("refresh scheduler started", "interval", s.config.Interval)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("refresh scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("refresh scheduler stop timed out")
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.RefreshAll(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// RefreshAll re-extracts every active source.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	outcomes, err := s.refresher.Refresh(ctx, nil)
	s.runs.Add(1)
	if err != nil {
		s.lastErr.Store(err.Error())
		s.logger.Error("scheduled refresh failed", "error", err, "outcomes", len(outcomes))
		return
	}
	s.lastErr.Store("")
	s.logger.Info("scheduled refresh completed", "outcomes", len(outcomes), "duration", time.Since(start))
}

// HandleRegistered extracts the sources named by a registration event that
// was not extracted at registration time. Inactive or unknown ids are skipped.
func (s *Scheduler) HandleRegistered(ctx context.Context, data []byte) error {
	event, err := DecodeSourcesRegistered(data)
	if err != nil {
		return err
	}
	if event.Extracted {
		return nil
	}

	active, err := s.sources.ListActive(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[int64]struct{}, len(event.SourceIDs))
	for _, id := range event.SourceIDs {
		wanted[id] = struct{}{}
	}
	var sources []storage.Source
	for _, src := range active {
		if _, ok := wanted[src.ID]; ok {
			sources = append(sources, src)
		}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	outcomes, err := s.refresher.RefreshSources(ctx, sources, nil)
	if err != nil {
		return err
	}
	s.logger.Info("extracted registered sources", "event_id", event.EventID, "sources", len(sources), "outcomes", len(outcomes))
	return nil
}

// Subscribe consumes sources registered events as a durable queue member.
func (s *Scheduler) Subscribe(client *NATSClient) error {
	return client.Consume(s.consumerConfig(), s.HandleRegistered)
}

func (s *Scheduler) consumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Subject:        SubjectSourcesRegistered,
		Queue:          s.config.QueueGroup,
		Durable:        s.config.Durable,
		AckWait:        s.config.AckWait,
		HandlerTimeout: s.config.HandlerLimit,
		RetryDelay:     s.config.RetryDelay,
	}
}

// GetMetrics returns scheduler statistics.
func (s *Scheduler) GetMetrics() map[string]any {
	lastErr, _ := s.lastErr.Load().(string)
	return map[string]any{
		"refresh_runs": s.runs.Load(),
		"last_error":   lastErr,
		"interval":     s.config.Interval.String(),
	}
}
