// Package shutdown tears down process components when a signal arrives.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// CleanupFunc releases one component within ctx.
type CleanupFunc func(ctx context.Context) error

type step struct {
	name string
	fn   CleanupFunc
}

// Handler runs registered cleanups last-registered first, within one shared
// deadline, exactly once.
type Handler struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	trigger     chan struct{}
	triggerOnce sync.Once
	runOnce     sync.Once
	err         error
}

func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger.With("component", "shutdown"),
		timeout: timeout,
		trigger: make(chan struct{}),
	}
}

// Register adds an unnamed cleanup.
func (h *Handler) Register(fn CleanupFunc) {
	h.RegisterNamed("", fn)
}

// RegisterNamed adds a cleanup whose progress is logged under name.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	h.steps = append(h.steps, step{name: name, fn: fn})
	h.mu.Unlock()
}

// Trigger starts shutdown from inside the process, for example when a
// server stops on its own.
func (h *Handler) Trigger() {
	h.triggerOnce.Do(func() { close(h.trigger) })
}

// Wait blocks until SIGINT, SIGTERM or SIGQUIT, or Trigger, then runs the
// cleanups.
func (h *Handler) Wait() {
	h.WaitContext(context.Background())
}

// WaitContext is Wait that also returns once ctx ends.
func (h *Handler) WaitContext(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	select {
	case <-sigCtx.Done():
		h.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	case <-h.trigger:
		h.logger.Info("shutdown triggered")
	}
	_ = h.Shutdown()
}

// Shutdown runs the cleanups and joins their errors. Later calls return the
// same result without running anything.
func (h *Handler) Shutdown() error {
	h.runOnce.Do(func() {
		h.mu.Lock()
		steps := append([]step(nil), h.steps...)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				h.logger.Warn("shutdown deadline reached", "skipped", i+1)
				errs = append(errs, err)
				break
			}
			if err := h.run(ctx, steps[i]); err != nil {
				errs = append(errs, err)
			}
		}

		h.err = errors.Join(errs...)
		if h.err != nil {
			h.logger.Error("shutdown finished with errors", "error", h.err)
		} else {
			h.logger.Info("shutdown finished")
		}
	})
	return h.err
}

func (h *Handler) run(ctx context.Context, s step) error {
	if s.name == "" {
		return s.fn(ctx)
	}

	start := time.Now()
	if err := s.fn(ctx); err != nil {
		h.logger.Error("failed to stop", "target", s.name, "error", err)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	h.logger.Info("stopped", "target", s.name, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
