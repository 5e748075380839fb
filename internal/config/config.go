// Package config loads the ragweave configuration. Precedence, lowest to
// highest: built-in defaults, user config (~/.config/ragweave/config.yaml),
// project config (ragweave.yaml in the working directory), RAGWEAVE_*
// environment variables. The final result is validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete ragweave configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Index      IndexConfig      `yaml:"index"`
	Store      StoreConfig      `yaml:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Chat       ChatConfig       `yaml:"chat"`
	Query      QueryConfig      `yaml:"query"`
	Logging    LoggingConfig    `yaml:"logging"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// IndexConfig configures the classical self-optimizing index.
type IndexConfig struct {
	// Path is the index snapshot location. Empty derives it from the data
	// directory.
	Path string `yaml:"path"`

	// FlatMax/IVFMax/GraphMax are the population boundaries between ANN
	// variants.
	FlatMax  int `yaml:"flat_max"`
	IVFMax   int `yaml:"ivf_max"`
	GraphMax int `yaml:"graph_max"`

	// SoftRebuildRatio triggers an inline rebuild when the deleted fraction
	// crosses it; StartupRebuildRatio rebuilds at load time.
	SoftRebuildRatio    float64 `yaml:"soft_rebuild_ratio"`
	StartupRebuildRatio float64 `yaml:"startup_rebuild_ratio"`

	BackupDir  string `yaml:"backup_dir"`
	BackupKeep int    `yaml:"backup_keep"`
}

// StoreConfig configures the optional Qdrant-backed filterable store.
type StoreConfig struct {
	// Enabled switches structured queries to the managed backend. When
	// false, listing intents fall back to scanning the classical index.
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of "openai", "ollama", "static". Empty auto-detects:
	// openai when an API key is present, then ollama, then static.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`

	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIAPIKey  string `yaml:"-"` // env only, never persisted
	OllamaHost    string `yaml:"ollama_host"`

	// RateLimitRPS caps provider requests per second; 0 disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	MaxRetries   int     `yaml:"max_retries"`
	CacheSize    int     `yaml:"cache_size"`
}

// LLMConfig configures answer synthesis. Disabled means every answer uses
// the extractive fallback.
type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	// MaxContextChars bounds how much retrieved context goes into the
	// synthesis prompt.
	MaxContextChars int `yaml:"max_context_chars"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// DataDir is the ragweave home: index, metadata stores, checkpoints,
	// and progress files live under it.
	DataDir       string `yaml:"data_dir"`
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb"`

	// DumpStageOutput writes per-stage verification dumps as JSON next to
	// the progress file. Diagnostic; off by default.
	DumpStageOutput bool `yaml:"dump_stage_output"`
}

// WatcherConfig configures directory watching.
type WatcherConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Debounce      string   `yaml:"debounce"`
	PollInterval  string   `yaml:"poll_interval"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
}

// ChatConfig configures the conversation orchestrator.
type ChatConfig struct {
	// CheckpointBackend is one of "file", "sqlite", "redis".
	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointDir     string `yaml:"checkpoint_dir"`
	SQLitePath        string `yaml:"sqlite_path"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"-"` // env only

	// EndPolicy controls session termination: "explicit" ends only on a
	// farewell, "auto" also ends after MaxIdleTurns without progress.
	EndPolicy    string `yaml:"end_policy"`
	MaxIdleTurns int    `yaml:"max_idle_turns"`

	// MaxClarifications bounds consecutive clarifying turns before the
	// orchestrator answers with what it has.
	MaxClarifications int `yaml:"max_clarifications"`
	HistoryLimit      int `yaml:"history_limit"`
}

// QueryConfig configures retrieval and answer gating.
type QueryConfig struct {
	TopK             int     `yaml:"top_k"`
	MinRelevance     float64 `yaml:"min_relevance"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
	// QualityThreshold is the minimum mean validation score for a response
	// to pass unflagged.
	QualityThreshold float64 `yaml:"quality_threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Stderr    bool   `yaml:"stderr"`
}

// DaemonConfig configures the long-running serve mode.
type DaemonConfig struct {
	// WatchDirs are the directories the daemon monitors for changes.
	WatchDirs []string `yaml:"watch_dirs"`
	// SaveInterval is how often the index snapshot is flushed to disk.
	SaveInterval    string `yaml:"save_interval"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DefaultDataDir returns the ragweave home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ragweave")
	}
	return filepath.Join(home, ".ragweave")
}

// New returns a Config populated with defaults.
func New() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Version: 1,
		Index: IndexConfig{
			FlatMax:             10_000,
			IVFMax:              100_000,
			GraphMax:            1_000_000,
			SoftRebuildRatio:    0.15,
			StartupRebuildRatio: 0.20,
			BackupKeep:          5,
		},
		Store: StoreConfig{
			Enabled:    false,
			Host:       "localhost",
			Port:       6334,
			Collection: "ragweave",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "", // auto-detect
			Model:      "text-embedding-3-small",
			Dimensions: 0, // auto-detect from provider
			BatchSize:  64,
			OllamaHost: "http://localhost:11434",
			MaxRetries: 3,
			CacheSize:  10_000,
		},
		LLM: LLMConfig{
			Enabled:         true,
			Model:           "gpt-4o-mini",
			Temperature:     0.2,
			MaxContextChars: 12_000,
		},
		Ingest: IngestConfig{
			DataDir:       dataDir,
			ChunkSize:     1500,
			ChunkOverlap:  200,
			MaxFileSizeMB: 50,
		},
		Watcher: WatcherConfig{
			Enabled:       false,
			Debounce:      "500ms",
			PollInterval:  "30s",
			MaxConcurrent: 3,
			Exclude:       defaultExcludePatterns,
		},
		Chat: ChatConfig{
			CheckpointBackend: "file",
			CheckpointDir:     filepath.Join(dataDir, "checkpoints"),
			SQLitePath:        filepath.Join(dataDir, "checkpoints.db"),
			RedisAddr:         "localhost:6379",
			EndPolicy:         "explicit",
			MaxIdleTurns:      6,
			MaxClarifications: 2,
			HistoryLimit:      50,
		},
		Query: QueryConfig{
			TopK:             8,
			MinRelevance:     0.35,
			MaxContextTokens: 4000,
			QualityThreshold: 0.6,
		},
		Logging: LoggingConfig{
			Level:     "info",
			FilePath:  filepath.Join(dataDir, "logs", "ragweave.log"),
			MaxSizeMB: 50,
			MaxFiles:  5,
			Stderr:    false,
		},
		Daemon: DaemonConfig{
			SaveInterval:    "5m",
			ShutdownTimeout: "10s",
		},
	}
}

// defaultExcludePatterns are always skipped by the watcher and directory
// ingestion.
var defaultExcludePatterns = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/*.tmp",
	"**/*.swp",
	"**/.DS_Store",
}

// UserConfigPath follows XDG: $XDG_CONFIG_HOME/ragweave/config.yaml, falling
// back to ~/.config/ragweave/config.yaml.
func UserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragweave", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "ragweave", "config.yaml")
	}
	return filepath.Join(home, ".config", "ragweave", "config.yaml")
}

// Load builds the effective configuration for a project directory.
func Load(dir string) (*Config, error) {
	cfg := New()

	if path := UserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	for _, name := range []string{"ragweave.yaml", "ragweave.yml", ".ragweave.yaml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, fmt.Errorf("loading project config: %w", err)
			}
			break
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero values from other. Exclude patterns append to
// the defaults rather than replacing them.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	mergeString(&c.Index.Path, other.Index.Path)
	mergeInt(&c.Index.FlatMax, other.Index.FlatMax)
	mergeInt(&c.Index.IVFMax, other.Index.IVFMax)
	mergeInt(&c.Index.GraphMax, other.Index.GraphMax)
	mergeFloat(&c.Index.SoftRebuildRatio, other.Index.SoftRebuildRatio)
	mergeFloat(&c.Index.StartupRebuildRatio, other.Index.StartupRebuildRatio)
	mergeString(&c.Index.BackupDir, other.Index.BackupDir)
	mergeInt(&c.Index.BackupKeep, other.Index.BackupKeep)

	if other.Store.Enabled {
		c.Store.Enabled = true
	}
	mergeString(&c.Store.Host, other.Store.Host)
	mergeInt(&c.Store.Port, other.Store.Port)
	mergeString(&c.Store.APIKey, other.Store.APIKey)
	if other.Store.UseTLS {
		c.Store.UseTLS = true
	}
	mergeString(&c.Store.Collection, other.Store.Collection)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.BatchSize, other.Embeddings.BatchSize)
	mergeString(&c.Embeddings.OpenAIBaseURL, other.Embeddings.OpenAIBaseURL)
	mergeString(&c.Embeddings.OllamaHost, other.Embeddings.OllamaHost)
	mergeFloat(&c.Embeddings.RateLimitRPS, other.Embeddings.RateLimitRPS)
	mergeInt(&c.Embeddings.MaxRetries, other.Embeddings.MaxRetries)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)

	// LLM enabled defaults true, so merge only when the section carries a
	// model (i.e. the user actually configured it).
	if other.LLM.Model != "" {
		c.LLM.Enabled = other.LLM.Enabled
		c.LLM.Model = other.LLM.Model
	}
	mergeFloat(&c.LLM.Temperature, other.LLM.Temperature)
	mergeInt(&c.LLM.MaxContextChars, other.LLM.MaxContextChars)

	mergeString(&c.Ingest.DataDir, other.Ingest.DataDir)
	mergeInt(&c.Ingest.ChunkSize, other.Ingest.ChunkSize)
	mergeInt(&c.Ingest.ChunkOverlap, other.Ingest.ChunkOverlap)
	mergeInt(&c.Ingest.MaxFileSizeMB, other.Ingest.MaxFileSizeMB)
	if other.Ingest.DumpStageOutput {
		c.Ingest.DumpStageOutput = true
	}

	if other.Watcher.Enabled {
		c.Watcher.Enabled = true
	}
	mergeString(&c.Watcher.Debounce, other.Watcher.Debounce)
	mergeString(&c.Watcher.PollInterval, other.Watcher.PollInterval)
	mergeInt(&c.Watcher.MaxConcurrent, other.Watcher.MaxConcurrent)
	if len(other.Watcher.Include) > 0 {
		c.Watcher.Include = other.Watcher.Include
	}
	if len(other.Watcher.Exclude) > 0 {
		c.Watcher.Exclude = append(c.Watcher.Exclude, other.Watcher.Exclude...)
	}

	mergeString(&c.Chat.CheckpointBackend, other.Chat.CheckpointBackend)
	mergeString(&c.Chat.CheckpointDir, other.Chat.CheckpointDir)
	mergeString(&c.Chat.SQLitePath, other.Chat.SQLitePath)
	mergeString(&c.Chat.RedisAddr, other.Chat.RedisAddr)
	mergeString(&c.Chat.EndPolicy, other.Chat.EndPolicy)
	mergeInt(&c.Chat.MaxIdleTurns, other.Chat.MaxIdleTurns)
	mergeInt(&c.Chat.MaxClarifications, other.Chat.MaxClarifications)
	mergeInt(&c.Chat.HistoryLimit, other.Chat.HistoryLimit)

	mergeInt(&c.Query.TopK, other.Query.TopK)
	mergeFloat(&c.Query.MinRelevance, other.Query.MinRelevance)
	mergeInt(&c.Query.MaxContextTokens, other.Query.MaxContextTokens)
	mergeFloat(&c.Query.QualityThreshold, other.Query.QualityThreshold)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.FilePath, other.Logging.FilePath)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)
	if other.Logging.Stderr {
		c.Logging.Stderr = true
	}

	if len(other.Daemon.WatchDirs) > 0 {
		c.Daemon.WatchDirs = other.Daemon.WatchDirs
	}
	mergeString(&c.Daemon.SaveInterval, other.Daemon.SaveInterval)
	mergeString(&c.Daemon.ShutdownTimeout, other.Daemon.ShutdownTimeout)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies RAGWEAVE_* environment variables, the highest
// precedence layer. Secrets are only ever read from here.
// SetDataDir moves the data directory and rebases every derived path that
// still points under the old one, so logs and checkpoints follow the move.
func (c *Config) SetDataDir(dir string) {
	old := c.Ingest.DataDir
	c.Ingest.DataDir = dir
	if old == "" || old == dir {
		return
	}
	for _, p := range []*string{
		&c.Logging.FilePath,
		&c.Chat.CheckpointDir,
		&c.Chat.SQLitePath,
		&c.Index.Path,
		&c.Index.BackupDir,
	} {
		if *p == "" {
			continue
		}
		rel, err := filepath.Rel(old, *p)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		*p = filepath.Join(dir, rel)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAGWEAVE_DATA_DIR"); v != "" {
		c.SetDataDir(v)
	}
	if v := os.Getenv("RAGWEAVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RAGWEAVE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("RAGWEAVE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("RAGWEAVE_OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
	}
	if v := os.Getenv("RAGWEAVE_OPENAI_BASE_URL"); v != "" {
		c.Embeddings.OpenAIBaseURL = v
	}
	if v := os.Getenv("RAGWEAVE_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("RAGWEAVE_QDRANT_HOST"); v != "" {
		c.Store.Host = v
		c.Store.Enabled = true
	}
	if v := os.Getenv("RAGWEAVE_QDRANT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Store.Port = p
		}
	}
	if v := os.Getenv("RAGWEAVE_QDRANT_API_KEY"); v != "" {
		c.Store.APIKey = v
	}
	if v := os.Getenv("RAGWEAVE_CHECKPOINT_BACKEND"); v != "" {
		c.Chat.CheckpointBackend = v
	}
	if v := os.Getenv("RAGWEAVE_REDIS_ADDR"); v != "" {
		c.Chat.RedisAddr = v
	}
	if v := os.Getenv("RAGWEAVE_REDIS_PASSWORD"); v != "" {
		c.Chat.RedisPassword = v
	}
	if v := os.Getenv("RAGWEAVE_WATCH_DIRS"); v != "" {
		c.Daemon.WatchDirs = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("RAGWEAVE_LLM_ENABLED"); v != "" {
		c.LLM.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate checks the effective configuration.
func (c *Config) Validate() error {
	if c.Index.SoftRebuildRatio < 0 || c.Index.SoftRebuildRatio > 1 {
		return fmt.Errorf("index.soft_rebuild_ratio must be in [0,1], got %f", c.Index.SoftRebuildRatio)
	}
	if c.Index.StartupRebuildRatio < 0 || c.Index.StartupRebuildRatio > 1 {
		return fmt.Errorf("index.startup_rebuild_ratio must be in [0,1], got %f", c.Index.StartupRebuildRatio)
	}
	if c.Index.FlatMax <= 0 || c.Index.IVFMax <= c.Index.FlatMax || c.Index.GraphMax <= c.Index.IVFMax {
		return fmt.Errorf("index thresholds must satisfy 0 < flat_max < ivf_max < graph_max")
	}

	if p := strings.ToLower(c.Embeddings.Provider); p != "" {
		valid := map[string]bool{"openai": true, "ollama": true, "static": true}
		if !valid[p] {
			return fmt.Errorf("embeddings.provider must be 'openai', 'ollama', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}

	switch strings.ToLower(c.Chat.CheckpointBackend) {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("chat.checkpoint_backend must be 'file', 'sqlite', or 'redis', got %s", c.Chat.CheckpointBackend)
	}

	switch strings.ToLower(c.Chat.EndPolicy) {
	case "explicit", "auto":
	default:
		return fmt.Errorf("chat.end_policy must be 'explicit' or 'auto', got %s", c.Chat.EndPolicy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	if c.Query.TopK <= 0 {
		return fmt.Errorf("query.top_k must be positive, got %d", c.Query.TopK)
	}
	if c.Query.QualityThreshold < 0 || c.Query.QualityThreshold > 1 {
		return fmt.Errorf("query.quality_threshold must be in [0,1], got %f", c.Query.QualityThreshold)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}

	for _, d := range []struct {
		name, val string
	}{
		{"watcher.debounce", c.Watcher.Debounce},
		{"watcher.poll_interval", c.Watcher.PollInterval},
		{"daemon.save_interval", c.Daemon.SaveInterval},
		{"daemon.shutdown_timeout", c.Daemon.ShutdownTimeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.val)
		}
	}

	return nil
}

// IndexPath resolves the classical index snapshot path.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Ingest.DataDir, "index", "vectors.bin")
}

// BackupDir resolves the index backup directory.
func (c *Config) BackupDir() string {
	if c.Index.BackupDir != "" {
		return c.Index.BackupDir
	}
	return filepath.Join(c.Ingest.DataDir, "backups")
}

// Duration parses a duration field that Validate has already vetted.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// WriteYAML persists the configuration.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
