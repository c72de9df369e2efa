package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/sourcewatch/internal/config"
	"github.com/alqutdigital/sourcewatch/pkg/shutdown"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:      config.DriverSQLite,
			SQLitePath:  ":memory:",
			AutoMigrate: true,
		},
		LLM: config.LLMConfig{
			Provider:      "ollama",
			OllamaBaseURL: "http://127.0.0.1:11434/v1",
			MaxTokens:     200,
		},
		Extract: config.ExtractConfig{
			BaseURL:        "http://127.0.0.1:1",
			RateLimitBurst: 1,
		},
		Cache: config.CacheConfig{Prefix: "test"},
	}
}

func TestNew_SQLiteWithoutOptionalServices(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, DefaultOptions())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Service)
	assert.NotNil(t, a.Cache)
	assert.False(t, a.Cache.IsHealthy())
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Objects)
	assert.Nil(t, a.NATS)

	sources, err := a.Service.Sources(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, sources)

	checks := a.HealthCheckers()
	assert.NotNil(t, checks["database"])
	assert.Nil(t, checks["cache"])
	assert.Nil(t, checks["events"])
	assert.NoError(t, checks["database"].Health(ctx))
}

func TestNew_MissingExtractURL(t *testing.T) {
	cfg := testConfig()
	cfg.Extract.BaseURL = ""

	_, err := New(context.Background(), cfg, nil, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract client")
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestRegisterShutdown(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, Options{})
	require.NoError(t, err)

	h := shutdown.New(nil, 5*time.Second)
	a.RegisterShutdown(h)
	require.NoError(t, a.Close(ctx), "cleanups moved to the handler")

	assert.NoError(t, h.Shutdown())
	assert.Error(t, a.Store.Health(ctx), "store closed by shutdown")
}
