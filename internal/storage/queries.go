package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateChatQuery inserts a chat query and fills in its id and creation time.
func (s *SQLStore) CreateChatQuery(ctx context.Context, q *ChatQuery) error {
	q.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO chat_queries (question, created_at, prefer_full_content, routing)
		VALUES (?, ?, ?, ?) RETURNING id`),
		q.Question, q.CreatedAt, q.PreferFullContent, nullJSON(q.Routing),
	).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("failed to create chat query: %w", err)
	}
	return nil
}

// GetChatQuery returns a chat query by id, or ErrNotFound.
func (s *SQLStore) GetChatQuery(ctx context.Context, id int64) (*ChatQuery, error) {
	var (
		q       ChatQuery
		routing sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, question, created_at, prefer_full_content, routing FROM chat_queries WHERE id = ?`), id,
	).Scan(&q.ID, &q.Question, &q.CreatedAt, &q.PreferFullContent, &routing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat query: %w", err)
	}
	q.Routing = rawJSON(routing)
	return &q, nil
}

// UpsertExtractParams stores the extraction parameters of a chat query,
// overwriting any previous row for the same query.
func (s *SQLStore) UpsertExtractParams(ctx context.Context, p ExtractParams) error {
	queries, err := encodeStrings(p.SearchQueries)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO extract_params (chat_query_id, objective, search_queries, excerpts, full_content)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_query_id) DO UPDATE SET
			objective = excluded.objective,
			search_queries = excluded.search_queries,
			excerpts = excluded.excerpts,
			full_content = excluded.full_content`),
		p.ChatQueryID, p.Objective, queries, p.Excerpts, p.FullContent,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert extract params: %w", err)
	}
	return nil
}

// GetExtractParams returns the extraction parameters of a chat query, or ErrNotFound.
func (s *SQLStore) GetExtractParams(ctx context.Context, chatQueryID int64) (*ExtractParams, error) {
	var (
		p       ExtractParams
		queries sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT chat_query_id, objective, search_queries, excerpts, full_content
		FROM extract_params WHERE chat_query_id = ?`), chatQueryID,
	).Scan(&p.ChatQueryID, &p.Objective, &queries, &p.Excerpts, &p.FullContent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extract params: %w", err)
	}
	if p.SearchQueries, err = decodeStrings(queries); err != nil {
		return nil, err
	}
	return &p, nil
}
