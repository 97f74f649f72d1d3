package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "nzbcore.db")
	cfg.Providers = []ProviderConfig{
		{ID: "p1", Host: "news.example.com", MaxConnections: 10},
	}
	return cfg
}

func TestValidate_RejectsProviderWithoutHost(t *testing.T) {
	cfg := validConfig(t)
	cfg.Providers[0].Host = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsProviderWithoutConnections(t *testing.T) {
	cfg := validConfig(t)
	cfg.Providers[0].MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateProviderIDs(t *testing.T) {
	cfg := validConfig(t)
	cfg.Providers = append(cfg.Providers, ProviderConfig{ID: "p1", Host: "other.example.com", MaxConnections: 1})
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyDatabasePath(t *testing.T) {
	cfg := validConfig(t)
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_ChecksDatabaseAndLogDirectoriesAreWritable(t *testing.T) {
	cfg := validConfig(t)
	cfg.Log.File = filepath.Join(t.TempDir(), "nested", "activity.log")
	require.NoError(t, cfg.Validate())
}

func TestDeepCopy_IsIndependentOfSource(t *testing.T) {
	cfg := validConfig(t)
	clone := cfg.DeepCopy()

	clone.Providers[0].Host = "changed.example.com"
	assert.Equal(t, "news.example.com", cfg.Providers[0].Host)
}

func TestStreamingConfig_AccessorsFallBackToDefaults(t *testing.T) {
	var s StreamingConfig
	assert.Equal(t, 4, s.Prefetch())
	assert.Equal(t, 512, s.ArticleCache())
	assert.Equal(t, int64(30_000_000_000), s.ArticleTimeout().Nanoseconds())
	assert.Equal(t, int64(15_000_000_000), s.AcquireTimeout().Nanoseconds())

	s = StreamingConfig{MaxPrefetch: 8, ArticleCacheEntries: 100}
	assert.Equal(t, 8, s.Prefetch())
	assert.Equal(t, 100, s.ArticleCache())
}

func TestProviderConfig_AccessorsFallBackToDefaults(t *testing.T) {
	var p ProviderConfig
	assert.Equal(t, 0.2, p.ReserveFraction())

	p.StreamingReserveFraction = 0.5
	assert.Equal(t, 0.5, p.ReserveFraction())
}
