// Package storage provides the relational store, cache, and object storage used by sourcewatch.
package storage

import (
	"encoding/json"
	"time"
)

// Trigger identifies what caused an extraction run.
type Trigger string

const (
	TriggerChat       Trigger = "chat"
	TriggerAddSources Trigger = "add_sources"
	TriggerRefresh    Trigger = "refresh"
)

// Valid reports whether t is a known trigger kind.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerChat, TriggerAddSources, TriggerRefresh:
		return true
	}
	return false
}

// Source is a canonical URL tracked for repeated extraction.
type Source struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

// SourceLatest points at the most recently processed successful extraction of a source.
type SourceLatest struct {
	SourceID        int64     `json:"source_id"`
	ExtractedPageID int64     `json:"extracted_page_id"`
	ExtractedAt     time.Time `json:"extracted_at"`
	Title           string    `json:"title,omitempty"`
	HasFullContent  bool      `json:"has_full_content"`
	Objective       string    `json:"objective,omitempty"`
}

// SourceWithLatest is a source joined with its latest state, if any.
type SourceWithLatest struct {
	Source
	Latest *SourceLatest `json:"latest,omitempty"`
}

// ChatQuery is one user question together with its routing audit record.
type ChatQuery struct {
	ID                int64           `json:"id"`
	Question          string          `json:"question"`
	CreatedAt         time.Time       `json:"created_at"`
	PreferFullContent bool            `json:"prefer_full_content"`
	Routing           json.RawMessage `json:"routing,omitempty"`
}

// ExtractParams is the extraction configuration resolved for a chat query.
type ExtractParams struct {
	ChatQueryID   int64    `json:"chat_query_id"`
	Objective     string   `json:"objective"`
	SearchQueries []string `json:"search_queries,omitempty"`
	Excerpts      bool     `json:"excerpts"`
	FullContent   bool     `json:"full_content"`
}

// ExtractRun records one call to the extraction service.
type ExtractRun struct {
	ID          int64           `json:"id"`
	ChatQueryID *int64          `json:"chat_query_id,omitempty"`
	Trigger     Trigger         `json:"trigger"`
	ExternalID  string          `json:"external_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Warnings    json.RawMessage `json:"warnings,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
}

// ExtractedPage is the append-only record of one URL's outcome in one run.
// Success fields and error fields are mutually exclusive.
type ExtractedPage struct {
	ID          int64     `json:"id"`
	SourceID    int64     `json:"source_id"`
	RunID       int64     `json:"run_id"`
	ExtractedAt time.Time `json:"extracted_at"`

	Title       string   `json:"title,omitempty"`
	PublishDate string   `json:"publish_date,omitempty"`
	Excerpts    []string `json:"excerpts,omitempty"`
	FullContent string   `json:"full_content,omitempty"`
	Fingerprint string   `json:"content_fingerprint,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	ErrorContent string `json:"error_content,omitempty"`
}

// Failed reports whether the page records an extraction error.
func (p *ExtractedPage) Failed() bool {
	return p.ErrorType != ""
}
