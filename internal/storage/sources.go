package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const upsertSourceSQL = `
INSERT INTO sources (url, created_at, updated_at, active)
VALUES (?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	active = excluded.active,
	updated_at = excluded.updated_at
RETURNING id, url, created_at, updated_at, active`

// UpsertSources inserts or updates one row per canonical URL and returns the
// rows in input order. All URLs are written in a single transaction.
func (s *SQLStore) UpsertSources(ctx context.Context, urls []string, active bool) ([]Source, error) {
	out := make([]Source, 0, len(urls))
	query := s.rebind(upsertSourceSQL)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, u := range urls {
			now := s.now()
			var src Source
			err := tx.QueryRowContext(ctx, query, u, now, now, active).
				Scan(&src.ID, &src.URL, &src.CreatedAt, &src.UpdatedAt, &src.Active)
			if err != nil {
				return fmt.Errorf("failed to upsert source %q: %w", u, err)
			}
			out = append(out, src)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveSources returns active sources ordered by id ascending.
func (s *SQLStore) ListActiveSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, url, created_at, updated_at, active FROM sources WHERE active = ? ORDER BY id ASC`),
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.URL, &src.CreatedAt, &src.UpdatedAt, &src.Active); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

const listWithLatestSQL = `
SELECT s.id, s.url, s.created_at, s.updated_at, s.active,
	l.extracted_page_id, l.extracted_at, l.title, l.has_full_content, l.objective
FROM sources s
LEFT JOIN source_latest l ON l.source_id = s.id`

// ListSourcesWithLatest returns sources joined with their latest state, most
// recently updated first. Inactive sources are omitted unless requested.
func (s *SQLStore) ListSourcesWithLatest(ctx context.Context, includeInactive bool) ([]SourceWithLatest, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(listWithLatestSQL)
	if !includeInactive {
		b.WriteString(" WHERE s.active = ?")
		args = append(args, true)
	}
	b.WriteString(" ORDER BY s.updated_at DESC, s.id DESC")

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []SourceWithLatest
	for rows.Next() {
		var (
			row       SourceWithLatest
			pageID    sql.NullInt64
			extracted sql.NullTime
			title     sql.NullString
			hasFull   sql.NullBool
			objective sql.NullString
		)
		if err := rows.Scan(
			&row.ID, &row.URL, &row.CreatedAt, &row.UpdatedAt, &row.Active,
			&pageID, &extracted, &title, &hasFull, &objective,
		); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		if pageID.Valid {
			row.Latest = &SourceLatest{
				SourceID:        row.ID,
				ExtractedPageID: pageID.Int64,
				ExtractedAt:     extracted.Time,
				Title:           title.String,
				HasFullContent:  hasFull.Bool,
				Objective:       objective.String,
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetSourceLatest returns the latest state of a source, or ErrNotFound.
func (s *SQLStore) GetSourceLatest(ctx context.Context, sourceID int64) (*SourceLatest, error) {
	var (
		l         SourceLatest
		title     sql.NullString
		objective sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT source_id, extracted_page_id, extracted_at, title, has_full_content, objective
		FROM source_latest WHERE source_id = ?`), sourceID,
	).Scan(&l.SourceID, &l.ExtractedPageID, &l.ExtractedAt, &title, &l.HasFullContent, &objective)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source latest: %w", err)
	}
	l.Title = title.String
	l.Objective = objective.String
	return &l, nil
}
