package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, 10_000, cfg.Index.FlatMax)
	assert.Equal(t, 100_000, cfg.Index.IVFMax)
	assert.Equal(t, 1_000_000, cfg.Index.GraphMax)
	assert.Equal(t, 0.15, cfg.Index.SoftRebuildRatio)
	assert.Equal(t, 0.20, cfg.Index.StartupRebuildRatio)
	assert.Equal(t, 5, cfg.Index.BackupKeep)
	assert.Equal(t, "file", cfg.Chat.CheckpointBackend)
	assert.Equal(t, "explicit", cfg.Chat.EndPolicy)
	assert.False(t, cfg.Store.Enabled)
	assert.True(t, cfg.LLM.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
index:
  flat_max: 500
  ivf_max: 5000
  graph_max: 50000
query:
  top_k: 12
chat:
  checkpoint_backend: sqlite
watcher:
  exclude:
    - "**/testdata/**"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ragweave.yaml"), []byte(content), 0o644))

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Index.FlatMax)
	assert.Equal(t, 12, cfg.Query.TopK)
	assert.Equal(t, "sqlite", cfg.Chat.CheckpointBackend)
	// Project excludes extend the defaults.
	assert.Contains(t, cfg.Watcher.Exclude, "**/testdata/**")
	assert.Contains(t, cfg.Watcher.Exclude, "**/.git/**")
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.15, cfg.Index.SoftRebuildRatio)
}

func TestEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	content := "logging:\n  level: warn\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ragweave.yaml"), []byte(content), 0o644))

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAGWEAVE_LOG_LEVEL", "debug")
	t.Setenv("RAGWEAVE_QDRANT_HOST", "qdrant.internal")
	t.Setenv("RAGWEAVE_CHECKPOINT_BACKEND", "redis")
	t.Setenv("RAGWEAVE_OPENAI_API_KEY", "sk-test")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "qdrant.internal", cfg.Store.Host)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, "redis", cfg.Chat.CheckpointBackend)
	assert.Equal(t, "sk-test", cfg.Embeddings.OpenAIAPIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad soft ratio", func(c *Config) { c.Index.SoftRebuildRatio = 1.5 }},
		{"inverted thresholds", func(c *Config) { c.Index.IVFMax = c.Index.FlatMax - 1 }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "tfidf" }},
		{"unknown backend", func(c *Config) { c.Chat.CheckpointBackend = "dynamo" }},
		{"unknown end policy", func(c *Config) { c.Chat.EndPolicy = "eventually" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"zero top_k", func(c *Config) { c.Query.TopK = 0 }},
		{"overlap too large", func(c *Config) { c.Ingest.ChunkOverlap = c.Ingest.ChunkSize }},
		{"bad debounce", func(c *Config) { c.Watcher.Debounce = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ragweave.yaml"), []byte("index: [oops"), 0o644))

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := New()
	cfg.Ingest.DataDir = "/var/lib/ragweave"

	assert.Equal(t, "/var/lib/ragweave/index/vectors.bin", cfg.IndexPath())
	assert.Equal(t, "/var/lib/ragweave/backups", cfg.BackupDir())

	cfg.Index.Path = "/custom/index.bin"
	assert.Equal(t, "/custom/index.bin", cfg.IndexPath())
}

func TestSetDataDirRebasesDerivedPaths(t *testing.T) {
	cfg := New()
	cfg.SetDataDir("/srv/ragweave")

	assert.Equal(t, "/srv/ragweave", cfg.Ingest.DataDir)
	assert.Equal(t, filepath.Join("/srv/ragweave", "logs", "ragweave.log"), cfg.Logging.FilePath)
	assert.Equal(t, filepath.Join("/srv/ragweave", "checkpoints"), cfg.Chat.CheckpointDir)
	assert.Equal(t, filepath.Join("/srv/ragweave", "checkpoints.db"), cfg.Chat.SQLitePath)
	assert.Equal(t, filepath.Join("/srv/ragweave", "index", "vectors.bin"), cfg.IndexPath())
}

func TestSetDataDirKeepsCustomPaths(t *testing.T) {
	cfg := New()
	cfg.Logging.FilePath = "/var/log/ragweave.log"
	cfg.SetDataDir("/srv/ragweave")

	assert.Equal(t, "/var/log/ragweave.log", cfg.Logging.FilePath)
}

func TestDataDirEnvOverrideMovesEverything(t *testing.T) {
	dir := t.TempDir()
	data := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAGWEAVE_DATA_DIR", data)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, data, cfg.Ingest.DataDir)
	assert.Equal(t, filepath.Join(data, "checkpoints"), cfg.Chat.CheckpointDir)
	assert.Equal(t, filepath.Join(data, "logs", "ragweave.log"), cfg.Logging.FilePath)
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.yaml")

	cfg := New()
	cfg.Query.TopK = 17
	require.NoError(t, cfg.WriteYAML(path))

	loaded := New()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 17, loaded.Query.TopK)
}
