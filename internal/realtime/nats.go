// Package realtime carries extraction events over NATS JetStream and runs
// the background refresh loop.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamRuns    = "RUNS"
	StreamSources = "SOURCES"

	SubjectRunCompleted      = "runs.extract.completed"
	SubjectSourcesRegistered = "sources.registered"
)

// NATSConfig holds connection and retention settings.
type NATSConfig struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration

	// RunRetention bounds how long run completion events are kept for
	// consumers that replay them.
	RunRetention time.Duration
	// RegistrationRetention bounds how long an unconsumed registration
	// waits for a worker.
	RegistrationRetention time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:                   "nats://localhost:4222",
		Name:                  "sourcewatch",
		MaxReconnects:         -1,
		ReconnectWait:         2 * time.Second,
		ConnectTimeout:        10 * time.Second,
		RunRetention:          7 * 24 * time.Hour,
		RegistrationRetention: 24 * time.Hour,
	}
}

// streamSpecs describes the two streams: run completions are an append-only
// log, registrations are a work queue drained by refresh workers.
func streamSpecs(cfg NATSConfig) []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:        StreamRuns,
			Description: "Extraction run completions",
			Subjects:    []string{"runs.>"},
			Storage:     nats.FileStorage,
			Retention:   nats.LimitsPolicy,
			MaxAge:      cfg.RunRetention,
			Discard:     nats.DiscardOld,
			Duplicates:  2 * time.Minute,
		},
		{
			Name:        StreamSources,
			Description: "Source registrations awaiting extraction",
			Subjects:    []string{"sources.>"},
			Storage:     nats.FileStorage,
			Retention:   nats.WorkQueuePolicy,
			MaxAge:      cfg.RegistrationRetention,
			Discard:     nats.DiscardOld,
			Duplicates:  2 * time.Minute,
		},
	}
}

// NATSClient publishes and consumes sourcewatch events on JetStream.
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *slog.Logger
	closed chan struct{}
}

// NewNATSClient connects to cfg.URL and opens a JetStream context.
// Reconnects are retried forever unless MaxReconnects says otherwise.
func NewNATSClient(cfg NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &NATSClient{
		cfg:    cfg,
		logger: logger.With("component", "nats"),
		closed: make(chan struct{}),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(c.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "error", err, "subject", subject)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = conn
	c.js = js
	return c, nil
}

// SetupStreams creates missing streams and updates existing ones in place.
func (c *NATSClient) SetupStreams(ctx context.Context) error {
	for _, spec := range streamSpecs(c.cfg) {
		if err := c.ensureStream(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (c *NATSClient) ensureStream(ctx context.Context, spec nats.StreamConfig) error {
	_, err := c.js.StreamInfo(spec.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := c.js.AddStream(&spec, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", spec.Name, err)
		}
		c.logger.Info("created stream", "stream", spec.Name)
	case err != nil:
		return fmt.Errorf("failed to get stream info for %s: %w", spec.Name, err)
	default:
		if _, err := c.js.UpdateStream(&spec, nats.Context(ctx)); err != nil {
			c.logger.Warn("failed to update stream", "stream", spec.Name, "error", err)
		}
	}
	return nil
}

// identified events carry the id JetStream uses to drop duplicate
// publishes within the stream's duplicate window.
type identified interface {
	MessageID() string
}

// Publish marshals event as JSON and publishes it to subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if e, ok := event.(identified); ok && e.MessageID() != "" {
		opts = append(opts, nats.MsgId(e.MessageID()))
	}

	ack, err := c.js.Publish(subject, data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if ack.Duplicate {
		c.logger.Debug("duplicate event dropped by stream", "subject", subject, "stream", ack.Stream)
	}
	return nil
}

// ConsumerConfig describes a durable queue consumer.
type ConsumerConfig struct {
	Subject string
	Queue   string
	Durable string
	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration
	// HandlerTimeout bounds a single handler call.
	HandlerTimeout time.Duration
	// RetryDelay delays redelivery after a handler error.
	RetryDelay time.Duration
}

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte) error

// Consume runs h for every message on cc.Subject, shared across the queue
// group. A nil error acks, an ErrMalformedEvent terminates the message and
// any other error asks for redelivery after cc.RetryDelay.
func (c *NATSClient) Consume(cc ConsumerConfig, h Handler) error {
	_, err := c.js.QueueSubscribe(cc.Subject, cc.Queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), cc.HandlerTimeout)
		defer cancel()

		err := h(ctx, msg.Data)
		if err != nil {
			c.logger.Error("event handler failed", "subject", msg.Subject, "error", err)
		}
		if settleErr := settle(msg, err, cc.RetryDelay); settleErr != nil {
			c.logger.Warn("failed to settle message", "subject", msg.Subject, "error", settleErr)
		}
	},
		nats.Durable(cc.Durable),
		nats.ManualAck(),
		nats.AckWait(cc.AckWait),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", cc.Subject, err)
	}

	c.logger.Info("consuming", "subject", cc.Subject, "queue", cc.Queue, "durable", cc.Durable)
	return nil
}

// settler is the acknowledgement surface of a JetStream message.
type settler interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func settle(msg settler, err error, retryDelay time.Duration) error {
	switch {
	case err == nil:
		return msg.Ack()
	case errors.Is(err, ErrMalformedEvent):
		return msg.Term()
	default:
		return msg.NakWithDelay(retryDelay)
	}
}

func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions so in-flight handlers can ack, then waits for
// the connection to close or ctx to end.
func (c *NATSClient) Close(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	select {
	case <-c.closed:
		c.logger.Info("NATS connection drained")
		return nil
	case <-ctx.Done():
		c.conn.Close()
		return fmt.Errorf("NATS drain interrupted: %w", ctx.Err())
	}
}
