// Package registry manages the set of tracked sources.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alqutdigital/sourcewatch/internal/canonical"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// ErrNoURLs is returned when a registration carries no URLs.
var ErrNoURLs = errors.New("at least one url is required")

// Store is the persistence surface the registry needs.
type Store interface {
	UpsertSources(ctx context.Context, urls []string, active bool) ([]storage.Source, error)
	ListSourcesWithLatest(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error)
	ListActiveSources(ctx context.Context) ([]storage.Source, error)
}

// Registry canonicalizes and records sources.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// New creates a Registry backed by store.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
	}
}

// Upsert canonicalizes rawURLs and inserts or updates one source per URL,
// returning them in input order. Every URL is validated before anything is
// written.
func (r *Registry) Upsert(ctx context.Context, rawURLs []string, active bool) ([]storage.Source, error) {
	if len(rawURLs) == 0 {
		return nil, ErrNoURLs
	}

	urls, err := canonical.CanonicalizeAll(rawURLs)
	if err != nil {
		return nil, err
	}

	sources, err := r.store.UpsertSources(ctx, urls, active)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sources: %w", err)
	}

	r.logger.Info("sources upserted", "count", len(sources), "active", active)
	return sources, nil
}

// ListWithLatest returns sources with their latest extraction state, most
// recently updated first.
func (r *Registry) ListWithLatest(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error) {
	rows, err := r.store.ListSourcesWithLatest(ctx, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return rows, nil
}

// ListActive returns the working set for chat-driven extraction, by id ascending.
func (r *Registry) ListActive(ctx context.Context) ([]storage.Source, error) {
	sources, err := r.store.ListActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}
	return sources, nil
}
