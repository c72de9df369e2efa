package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_LIFO(t *testing.T) {
	h := New(nil, time.Second)

	var order []string
	h.RegisterNamed("db", func(ctx context.Context) error {
		order = append(order, "db")
		return nil
	})
	h.RegisterNamed("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})

	assert.NoError(t, h.Shutdown())
	assert.Equal(t, []string{"http", "db"}, order)
}

func TestShutdown_JoinsErrorsAndRunsOnce(t *testing.T) {
	h := New(nil, time.Second)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	calls := 0

	h.Register(func(ctx context.Context) error { calls++; return errA })
	h.Register(func(ctx context.Context) error { calls++; return errB })

	err := h.Shutdown()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 2, calls)

	assert.Equal(t, err, h.Shutdown())
	assert.Equal(t, 2, calls)
}

func TestWaitContext(t *testing.T) {
	h := New(nil, time.Second)
	ran := false
	h.Register(func(ctx context.Context) error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.WaitContext(ctx)
	assert.True(t, ran)
}

func TestTrigger(t *testing.T) {
	h := New(nil, time.Second)
	done := make(chan struct{})
	h.Register(func(ctx context.Context) error { close(done); return nil })

	go h.WaitContext(context.Background())
	h.Trigger()
	h.Trigger()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run after Trigger")
	}
}

func TestShutdown_NamedErrorsCarryName(t *testing.T) {
	h := New(nil, time.Second)
	h.RegisterNamed("cache", func(ctx context.Context) error { return errors.New("boom") })

	err := h.Shutdown()
	assert.ErrorContains(t, err, "cache: boom")
}
