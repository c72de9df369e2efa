package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/storage"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRefresher struct {
	mu        sync.Mutex
	refreshes int
	refreshed [][]storage.Source
	err       error
}

func (m *mockRefresher) Refresh(ctx context.Context, onChunk func(done, total int)) ([]orchestrator.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil, m.err
}

func (m *mockRefresher) RefreshSources(ctx context.Context, sources []storage.Source, onChunk func(done, total int)) ([]orchestrator.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, sources)
	return nil, m.err
}

func (m *mockRefresher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

type mockLister struct {
	sources []storage.Source
}

func (m *mockLister) ListActive(ctx context.Context) ([]storage.Source, error) {
	return m.sources, nil
}

type mockPublisher struct {
	subjects []string
	payloads [][]byte
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestEventPublisher(t *testing.T) {
	pub := &mockPublisher{}
	ep := NewEventPublisher(pub)
	ctx := context.Background()

	require.NoError(t, ep.PublishRunCompleted(ctx, orchestrator.RunCompleted{RunID: 7, Trigger: "chat", Chunk: 1, Chunks: 2}))
	require.NoError(t, ep.PublishSourcesRegistered(ctx, agent.SourcesRegistered{SourceIDs: []int64{1, 2}, URLs: []string{"https://a.example", "https://b.example"}}))

	assert.Equal(t, []string{SubjectRunCompleted, SubjectSourcesRegistered}, pub.subjects)

	var run map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &run))
	assert.Equal(t, float64(7), run["run_id"])
	assert.Equal(t, "run-7-1", run["event_id"])

	require.NoError(t, ep.PublishRunCompleted(ctx, orchestrator.RunCompleted{RunID: 7, Trigger: "chat", Chunk: 1, Chunks: 2}))
	var again map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[2], &again))
	assert.Equal(t, run["event_id"], again["event_id"], "republishing a chunk reuses its message id")

	event, err := DecodeSourcesRegistered(pub.payloads[1])
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, event.SourceIDs)
	assert.False(t, event.Extracted)
}

func TestDecodeSourcesRegistered_Invalid(t *testing.T) {
	_, err := DecodeSourcesRegistered([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = DecodeSourcesRegistered([]byte(`{"event_id": "x", "source_ids": []}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

type mockSettler struct {
	acked, termed bool
	nakDelay      time.Duration
}

func (m *mockSettler) Ack(...nats.AckOpt) error  { m.acked = true; return nil }
func (m *mockSettler) Term(...nats.AckOpt) error { m.termed = true; return nil }
func (m *mockSettler) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.nakDelay = d
	return nil
}

func TestSettle(t *testing.T) {
	ok := &mockSettler{}
	require.NoError(t, settle(ok, nil, time.Second))
	assert.True(t, ok.acked)

	bad := &mockSettler{}
	_, decodeErr := DecodeSourcesRegistered([]byte("nope"))
	require.NoError(t, settle(bad, decodeErr, time.Second))
	assert.True(t, bad.termed)
	assert.False(t, bad.acked)

	retry := &mockSettler{}
	require.NoError(t, settle(retry, orchestrator.ErrBatchFailed, 30*time.Second))
	assert.Equal(t, 30*time.Second, retry.nakDelay)
	assert.False(t, retry.termed)
}

func TestScheduler_ConsumerConfig(t *testing.T) {
	s := NewScheduler(&mockRefresher{}, &mockLister{}, DefaultSchedulerConfig(), nil)
	cc := s.consumerConfig()
	assert.Equal(t, SubjectSourcesRegistered, cc.Subject)
	assert.Equal(t, "refresh-workers", cc.Queue)
	assert.Equal(t, "refresh-worker", cc.Durable)
	assert.Equal(t, 30*time.Second, cc.RetryDelay)
}

func TestEventMessageIDs(t *testing.T) {
	var _ identified = RunCompletedEvent{}
	assert.Equal(t, "run-3-2", RunCompletedEvent{EventID: runEventID(orchestrator.RunCompleted{RunID: 3, Chunk: 2})}.MessageID())
	assert.Equal(t, "e1", SourcesRegisteredEvent{EventID: "e1"}.MessageID())
}

func TestScheduler_HandleRegistered(t *testing.T) {
	refresher := &mockRefresher{}
	lister := &mockLister{sources: []storage.Source{{ID: 1, URL: "https://a.example"}, {ID: 2, URL: "https://b.example"}, {ID: 3, URL: "https://c.example"}}}
	s := NewScheduler(refresher, lister, DefaultSchedulerConfig(), nil)

	data, _ := json.Marshal(SourcesRegisteredEvent{EventID: "e1", SourcesRegistered: agent.SourcesRegistered{SourceIDs: []int64{3, 1, 99}}})
	require.NoError(t, s.HandleRegistered(context.Background(), data))

	require.Len(t, refresher.refreshed, 1)
	require.Len(t, refresher.refreshed[0], 2)
	assert.Equal(t, int64(1), refresher.refreshed[0][0].ID)
	assert.Equal(t, int64(3), refresher.refreshed[0][1].ID)
}

func TestScheduler_HandleRegisteredSkipsExtracted(t *testing.T) {
	refresher := &mockRefresher{}
	s := NewScheduler(refresher, &mockLister{}, DefaultSchedulerConfig(), nil)

	data, _ := json.Marshal(SourcesRegisteredEvent{EventID: "e1", SourcesRegistered: agent.SourcesRegistered{SourceIDs: []int64{1}, Extracted: true}})
	require.NoError(t, s.HandleRegistered(context.Background(), data))
	assert.Empty(t, refresher.refreshed)
}

func TestScheduler_HandleRegisteredPropagatesFailure(t *testing.T) {
	refresher := &mockRefresher{err: orchestrator.ErrBatchFailed}
	s := NewScheduler(refresher, &mockLister{sources: []storage.Source{{ID: 1}}}, DefaultSchedulerConfig(), nil)

	data, _ := json.Marshal(SourcesRegisteredEvent{EventID: "e1", SourcesRegistered: agent.SourcesRegistered{SourceIDs: []int64{1}}})
	err := s.HandleRegistered(context.Background(), data)
	assert.ErrorIs(t, err, orchestrator.ErrBatchFailed)
}

func TestScheduler_PeriodicRefresh(t *testing.T) {
	refresher := &mockRefresher{}
	cfg := DefaultSchedulerConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.RunOnStart = true
	s := NewScheduler(refresher, &mockLister{}, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return refresher.count() >= 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RefreshAllRecordsError(t *testing.T) {
	refresher := &mockRefresher{err: errors.New("boom")}
	s := NewScheduler(refresher, &mockLister{}, DefaultSchedulerConfig(), nil)

	s.RefreshAll(context.Background())
	metrics := s.GetMetrics()
	assert.Equal(t, int64(1), metrics["refresh_runs"])
	assert.Equal(t, "boom", metrics["last_error"])
}

func TestScheduler_DisabledInterval(t *testing.T) {
	refresher := &mockRefresher{}
	cfg := DefaultSchedulerConfig()
	cfg.Interval = 0
	s := NewScheduler(refresher, &mockLister{}, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, refresher.count())
}
