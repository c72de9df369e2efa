package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/google/uuid"
)

// ErrMalformedEvent marks a payload that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

// Publisher sends an event to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// RunCompletedEvent is published once per recorded extraction chunk.
type RunCompletedEvent struct {
	EventID string `json:"event_id"`
	orchestrator.RunCompleted
}

func (e RunCompletedEvent) MessageID() string { return e.EventID }

// runEventID is stable per run and chunk, so a republished completion falls
// inside the stream's duplicate window.
func runEventID(e orchestrator.RunCompleted) string {
	return fmt.Sprintf("run-%d-%d", e.RunID, e.Chunk)
}

// SourcesRegisteredEvent is published after sources are registered.
type SourcesRegisteredEvent struct {
	EventID string `json:"event_id"`
	agent.SourcesRegistered
}

func (e SourcesRegisteredEvent) MessageID() string { return e.EventID }

// Validate checks if the event has required fields.
func (e *SourcesRegisteredEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if len(e.SourceIDs) == 0 {
		return errors.New("source_ids is required")
	}
	return nil
}

// EventPublisher adapts a Publisher to the orchestrator and agent event hooks.
type EventPublisher struct {
	pub Publisher
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(pub Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

// PublishRunCompleted publishes a run completed event.
func (p *EventPublisher) PublishRunCompleted(ctx context.Context, e orchestrator.RunCompleted) error {
	return p.pub.Publish(ctx, SubjectRunCompleted, RunCompletedEvent{
		EventID:      runEventID(e),
		RunCompleted: e,
	})
}

// PublishSourcesRegistered publishes a sources registered event.
func (p *EventPublisher) PublishSourcesRegistered(ctx context.Context, e agent.SourcesRegistered) error {
	return p.pub.Publish(ctx, SubjectSourcesRegistered, SourcesRegisteredEvent{
		EventID:           uuid.New().String(),
		SourcesRegistered: e,
	})
}

// DecodeSourcesRegistered parses and validates a sources registered payload.
func DecodeSourcesRegistered(data []byte) (*SourcesRegisteredEvent, error) {
	var e SourcesRegisteredEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &e, nil
}
