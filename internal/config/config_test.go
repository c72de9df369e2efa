package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "sourcewatch", cfg.Database.Database)
	assert.Equal(t, 6*time.Hour, cfg.Worker.RefreshInterval)
	assert.Equal(t, 6*time.Hour, cfg.Cache.QueriesTTL)
	assert.Equal(t, 120*time.Second, cfg.Extract.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/sw.db")
	t.Setenv("WORKER_REFRESH_INTERVAL", "15m")
	t.Setenv("EVIDENCE_MAX_TOKENS", "0")
	t.Setenv("EXTRACT_RATE_LIMIT_RPS", "0.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LLM_PROVIDER", "ollama")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/sw.db", cfg.Database.SQLitePath)
	assert.Equal(t, 15*time.Minute, cfg.Worker.RefreshInterval)
	assert.Equal(t, 0, cfg.Extract.EvidenceMaxTokens)
	assert.Equal(t, 0.5, cfg.Extract.RateLimitRPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.LLMBaseURL())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("WORKER_REFRESH_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6*time.Hour, cfg.Worker.RefreshInterval)
}

func TestValidate(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("EXTRACT_BASE_URL", "")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("EXTRACT_BASE_URL", "https://extract.example")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	_, err = Load()
	assert.NoError(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("EVIDENCE_MAX_TOKENS", "-1")
	t.Setenv("ALLOWED_ORIGINS", " , ")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorContains(t, err, "DB_DRIVER")
	assert.ErrorContains(t, err, "EVIDENCE_MAX_TOKENS")
}

func TestEnvList_BlankKeepsDefault(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " , ")
	assert.Equal(t, []string{"*"}, envList("ALLOWED_ORIGINS", []string{"*"}))
}
