package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "")

	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 5*time.Second, cfg.KeyTimeout)
	assert.Equal(t, 30*time.Second, cfg.ContentTimeout)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.ContentGate)
	assert.Greater(t, cfg.ContentGate, cfg.ResolutionGate)
	assert.Equal(t, 0.7, cfg.Health.MinSuccessRate)
	assert.Equal(t, 3, cfg.Health.MaxConsecutiveFailures)
	assert.True(t, cfg.BrowserEnabled)

	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, "daddylive", p.Name)
	assert.Equal(t, "top1/cdn", p.SentinelServerKey)
	assert.Len(t, p.LegacyEndpoints, 2)
}

func TestParseDurationsAndProviders(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "")

	cfg, err := Parse([]byte(`{
		"cacheTTL": "3s",
		"resolutionGate": 2,
		"contentGate": 1,
		"browserEnabled": false,
		"health": {"maxResponseTime": "2s"},
		"providers": [
			{"name": "b", "order": 2, "baseURL": "https://b.example"},
			{"name": "a", "order": 1, "enabled": false}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.CacheTTL)
	assert.Equal(t, 2*time.Second, cfg.Health.MaxResponseTime)
	assert.Equal(t, 2, cfg.ContentGate, "content gate is raised to the resolution gate")
	assert.False(t, cfg.BrowserEnabled)

	ordered := cfg.GetProvidersByOrder()
	require.Len(t, ordered, 2)
	assert.Equal(t, "a", ordered[0].Name)
	assert.False(t, ordered[0].Enabled)
	assert.True(t, ordered[1].Enabled)
	assert.Equal(t, "https://b.example/24-7-channels.php", ordered[1].ChannelsURL)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"cacheTTL": "soon"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cacheTTL")
}

func TestMaxConcurrentStreamsOverride(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "25")

	cfg, err := Parse([]byte(`{"contentGate": 4}`))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.ContentGate)
}

func TestProviderFilters(t *testing.T) {
	cfg, err := Parse([]byte(`{"providers": [{"name": "a", "includeRegex": "(?i)usa", "excludeRegex": "^18"}]}`))
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "(?i)usa", cfg.Providers[0].IncludeRegex)
	assert.Equal(t, "^18", cfg.Providers[0].ExcludeRegex)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listenAddr": ":9191"}`), 0o644))
	t.Setenv("FREESKY_CONFIG", path)

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, ":9191", cfg.ListenAddr)
	assert.Same(t, cfg, LoadConfig())

	require.NoError(t, os.WriteFile(path, []byte(`{"listenAddr": ":9292"}`), 0o644))
	assert.Equal(t, ":9191", LoadConfig().ListenAddr)
	ClearConfigCache()
	assert.Equal(t, ":9292", LoadConfig().ListenAddr)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "")
	t.Setenv("FREESKY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	require.Len(t, cfg.Providers, 1)
}

func TestStrategyTimeoutsNestInsideResolveTimeout(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 6*time.Second, cfg.EmbedTimeout)
	assert.Equal(t, 4*time.Second, cfg.CaptureWindow)

	cfg, err = Parse([]byte(`{"resolveTimeout": "10s", "handshakeTimeout": "10s", "embedTimeout": "12s", "captureWindow": "8s"}`))
	require.NoError(t, err)
	assert.Less(t, cfg.HandshakeTimeout, cfg.ResolveTimeout)
	assert.Equal(t, 4*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 6*time.Second, cfg.EmbedTimeout)
	assert.Less(t, cfg.CaptureWindow, cfg.EmbedTimeout)

	cfg, err = Parse([]byte(`{"resolveTimeout": "20s", "handshakeTimeout": "5s"}`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout, "a nested value is kept")
}

func TestBackoffMaxExponent(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Health.BackoffMaxExponent)

	cfg, err = Parse([]byte(`{"health": {"backoffMaxExponent": 0}}`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Health.BackoffMaxExponent, "zero disables growth")

	cfg, err = Parse([]byte(`{"health": {"backoffMaxExponent": 5}}`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Health.BackoffMaxExponent)

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	t.Setenv("FREESKY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 3, LoadConfig().Health.BackoffMaxExponent)
}
