// Package extract is the client for the external fetch/extract service.
package extract

import (
	"context"
	"encoding/json"
)

// MaxURLsPerRequest is the largest batch the service accepts.
const MaxURLsPerRequest = 10

// Client extracts content for a batch of URLs.
type Client interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// Request is one extraction call.
type Request struct {
	URLs          []string `json:"urls"`
	Objective     string   `json:"objective"`
	SearchQueries []string `json:"search_queries,omitempty"`
	Excerpts      bool     `json:"excerpts"`
	FullContent   bool     `json:"full_content"`
}

// Response is the service reply for one call.
type Response struct {
	ExtractID string          `json:"extract_id"`
	Warnings  json.RawMessage `json:"warnings,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Results   []Result        `json:"results"`
	Errors    []ResultError   `json:"errors"`

	// Raw is the undecoded body, kept for archiving.
	Raw []byte `json:"-"`
}

// Result is a per-URL success.
type Result struct {
	URL         string   `json:"url"`
	Title       *string  `json:"title,omitempty"`
	PublishDate *string  `json:"publish_date,omitempty"`
	Excerpts    []string `json:"excerpts,omitempty"`
	FullContent *string  `json:"full_content,omitempty"`
}

// ResultError is a per-URL failure.
type ResultError struct {
	URL        string  `json:"url"`
	ErrorType  string  `json:"error_type"`
	HTTPStatus int     `json:"http_status"`
	Content    *string `json:"content,omitempty"`
}

// Deref returns the string behind p, or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
