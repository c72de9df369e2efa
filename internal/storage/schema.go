package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id         BIGSERIAL PRIMARY KEY,
		url        TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sources_updated ON sources (updated_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_queries (
		id                  BIGSERIAL PRIMARY KEY,
		question            TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		prefer_full_content BOOLEAN NOT NULL DEFAULT FALSE,
		routing             JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS extract_params (
		chat_query_id  BIGINT PRIMARY KEY REFERENCES chat_queries(id) ON DELETE CASCADE,
		objective      TEXT NOT NULL,
		search_queries JSONB,
		excerpts       BOOLEAN NOT NULL,
		full_content   BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS extract_runs (
		id            BIGSERIAL PRIMARY KEY,
		chat_query_id BIGINT REFERENCES chat_queries(id) ON DELETE SET NULL,
		trigger_kind  TEXT NOT NULL CHECK (trigger_kind IN ('chat', 'add_sources', 'refresh')),
		external_id   TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		warnings      JSONB,
		usage         JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extract_runs_chat_query ON extract_runs (chat_query_id)`,
	`CREATE TABLE IF NOT EXISTS extracted_pages (
		id                  BIGSERIAL PRIMARY KEY,
		source_id           BIGINT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		run_id              BIGINT NOT NULL REFERENCES extract_runs(id) ON DELETE CASCADE,
		extracted_at        TIMESTAMPTZ NOT NULL,
		title               TEXT,
		publish_date        TEXT,
		excerpts            JSONB,
		full_content        TEXT,
		content_fingerprint TEXT,
		error_type          TEXT,
		http_status         INTEGER,
		error_content       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_pages_source ON extracted_pages (source_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_pages_fingerprint ON extracted_pages (content_fingerprint)`,
	`CREATE TABLE IF NOT EXISTS source_latest (
		source_id         BIGINT PRIMARY KEY REFERENCES sources(id) ON DELETE CASCADE,
		extracted_page_id BIGINT NOT NULL REFERENCES extracted_pages(id),
		extracted_at      TIMESTAMPTZ NOT NULL,
		title             TEXT,
		has_full_content  BOOLEAN NOT NULL DEFAULT FALSE,
		objective         TEXT
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		url        TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sources_updated ON sources (updated_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_queries (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		question            TEXT NOT NULL,
		created_at          DATETIME NOT NULL,
		prefer_full_content BOOLEAN NOT NULL DEFAULT 0,
		routing             TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS extract_params (
		chat_query_id  INTEGER PRIMARY KEY REFERENCES chat_queries(id) ON DELETE CASCADE,
		objective      TEXT NOT NULL,
		search_queries TEXT,
		excerpts       BOOLEAN NOT NULL,
		full_content   BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS extract_runs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_query_id INTEGER REFERENCES chat_queries(id) ON DELETE SET NULL,
		trigger_kind  TEXT NOT NULL CHECK (trigger_kind IN ('chat', 'add_sources', 'refresh')),
		external_id   TEXT,
		created_at    DATETIME NOT NULL,
		warnings      TEXT,
		usage         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extract_runs_chat_query ON extract_runs (chat_query_id)`,
	`CREATE TABLE IF NOT EXISTS extracted_pages (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id           INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		run_id              INTEGER NOT NULL REFERENCES extract_runs(id) ON DELETE CASCADE,
		extracted_at        DATETIME NOT NULL,
		title               TEXT,
		publish_date        TEXT,
		excerpts            TEXT,
		full_content        TEXT,
		content_fingerprint TEXT,
		error_type          TEXT,
		http_status         INTEGER,
		error_content       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_pages_source ON extracted_pages (source_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_pages_fingerprint ON extracted_pages (content_fingerprint)`,
	`CREATE TABLE IF NOT EXISTS source_latest (
		source_id         INTEGER PRIMARY KEY REFERENCES sources(id) ON DELETE CASCADE,
		extracted_page_id INTEGER NOT NULL REFERENCES extracted_pages(id),
		extracted_at      DATETIME NOT NULL,
		title             TEXT,
		has_full_content  BOOLEAN NOT NULL DEFAULT 0,
		objective         TEXT
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == DialectSQLite {
		stmts = sqliteSchema
	}

	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
