package storage

import (
	"testing"
	"time"

	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/stretchr/testify/assert"
)

func TestExtractRunKey(t *testing.T) {
	at := time.Date(2026, 2, 3, 23, 0, 0, 0, time.FixedZone("UTC-5", -5*3600))
	key := ExtractRunKey(17, at)
	assert.Equal(t, "extract-runs/2026/02/04/17.json", key)

	id, err := ParseExtractRunKey(key)
	assert.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestParseExtractRunKey_Rejects(t *testing.T) {
	for _, key := range []string{
		"other/2026/02/04/17.json",
		"extract-runs/17.json",
		"extract-runs/2026/13/04/17.json",
		"extract-runs/2026/02/04/17.txt",
		"extract-runs/2026/02/04/abc.json",
		"extract-runs/2026/02/04/0.json",
	} {
		_, err := ParseExtractRunKey(key)
		assert.Error(t, err, key)
	}
}

func TestRetentionRules(t *testing.T) {
	rules := retentionRules(30)
	assert.Len(t, rules.Rules, 1)
	assert.Equal(t, "Enabled", rules.Rules[0].Status)
	assert.Equal(t, "extract-runs/", rules.Rules[0].RuleFilter.Prefix)
	assert.Equal(t, lifecycle.ExpirationDays(30), rules.Rules[0].Expiration.Days)
}
