package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateExtractRun inserts an extraction run and fills in its id and creation time.
func (s *SQLStore) CreateExtractRun(ctx context.Context, run *ExtractRun) error {
	if !run.Trigger.Valid() {
		return fmt.Errorf("invalid extract run trigger %q", run.Trigger)
	}

	run.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO extract_runs (chat_query_id, trigger_kind, external_id, created_at, warnings, usage)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		nullInt64Ptr(run.ChatQueryID), string(run.Trigger), nullString(run.ExternalID),
		run.CreatedAt, nullJSON(run.Warnings), nullJSON(run.Usage),
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to create extract run: %w", err)
	}
	return nil
}

// ListExtractRuns returns runs in creation order. A nil chatQueryID lists every run.
func (s *SQLStore) ListExtractRuns(ctx context.Context, chatQueryID *int64) ([]ExtractRun, error) {
	query := `SELECT id, chat_query_id, trigger_kind, external_id, created_at, warnings, usage FROM extract_runs`
	var args []any
	if chatQueryID != nil {
		query += ` WHERE chat_query_id = ?`
		args = append(args, *chatQueryID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list extract runs: %w", err)
	}
	defer rows.Close()

	var out []ExtractRun
	for rows.Next() {
		var (
			run        ExtractRun
			chatQuery  sql.NullInt64
			trigger    string
			externalID sql.NullString
			warnings   sql.NullString
			usage      sql.NullString
		)
		if err := rows.Scan(&run.ID, &chatQuery, &trigger, &externalID, &run.CreatedAt, &warnings, &usage); err != nil {
			return nil, fmt.Errorf("failed to scan extract run: %w", err)
		}
		if chatQuery.Valid {
			id := chatQuery.Int64
			run.ChatQueryID = &id
		}
		run.Trigger = Trigger(trigger)
		run.ExternalID = externalID.String
		run.Warnings = rawJSON(warnings)
		run.Usage = rawJSON(usage)
		out = append(out, run)
	}
	return out, rows.Err()
}

// CreateExtractedPage appends a per-URL extraction outcome.
func (s *SQLStore) CreateExtractedPage(ctx context.Context, page *ExtractedPage) error {
	excerpts, err := encodeStrings(page.Excerpts)
	if err != nil {
		return err
	}
	if page.ExtractedAt.IsZero() {
		page.ExtractedAt = s.now()
	}

	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO extracted_pages (
			source_id, run_id, extracted_at,
			title, publish_date, excerpts, full_content, content_fingerprint,
			error_type, http_status, error_content
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		page.SourceID, page.RunID, page.ExtractedAt,
		nullString(page.Title), nullString(page.PublishDate), excerpts,
		nullString(page.FullContent), nullString(page.Fingerprint),
		nullString(page.ErrorType), nullInt(page.HTTPStatus), nullString(page.ErrorContent),
	).Scan(&page.ID)
	if err != nil {
		return fmt.Errorf("failed to create extracted page: %w", err)
	}
	return nil
}

// ListExtractedPages returns the extraction history of a source, newest first.
func (s *SQLStore) ListExtractedPages(ctx context.Context, sourceID int64, limit int) ([]ExtractedPage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, source_id, run_id, extracted_at,
			title, publish_date, excerpts, full_content, content_fingerprint,
			error_type, http_status, error_content
		FROM extracted_pages WHERE source_id = ? ORDER BY id DESC LIMIT ?`),
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted pages: %w", err)
	}
	defer rows.Close()

	var out []ExtractedPage
	for rows.Next() {
		var (
			p                                                  ExtractedPage
			title, publish, excerpts, content, fp, errType, ec sql.NullString
			status                                             sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.SourceID, &p.RunID, &p.ExtractedAt,
			&title, &publish, &excerpts, &content, &fp,
			&errType, &status, &ec,
		); err != nil {
			return nil, fmt.Errorf("failed to scan extracted page: %w", err)
		}
		p.Title = title.String
		p.PublishDate = publish.String
		p.FullContent = content.String
		p.Fingerprint = fp.String
		p.ErrorType = errType.String
		p.HTTPStatus = int(status.Int64)
		p.ErrorContent = ec.String
		if p.Excerpts, err = decodeStrings(excerpts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertSourceLatest points a source at a successful extraction. The last
// write wins; no timestamp comparison is made against the previous row.
func (s *SQLStore) UpsertSourceLatest(ctx context.Context, l SourceLatest) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO source_latest (source_id, extracted_page_id, extracted_at, title, has_full_content, objective)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			extracted_page_id = excluded.extracted_page_id,
			extracted_at = excluded.extracted_at,
			title = excluded.title,
			has_full_content = excluded.has_full_content,
			objective = excluded.objective`),
		l.SourceID, l.ExtractedPageID, l.ExtractedAt, nullString(l.Title), l.HasFullContent, nullString(l.Objective),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source latest: %w", err)
	}
	return nil
}
