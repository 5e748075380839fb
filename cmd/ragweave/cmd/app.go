package cmd

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ragweave/ragweave/internal/chat"
	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/embed"
	"github.com/ragweave/ragweave/internal/events"
	"github.com/ragweave/ragweave/internal/ingest"
	"github.com/ragweave/ragweave/internal/llm"
	"github.com/ragweave/ragweave/internal/logging"
	"github.com/ragweave/ragweave/internal/progress"
	"github.com/ragweave/ragweave/internal/query"
	"github.com/ragweave/ragweave/internal/vector"
)

// app bundles the wired subsystems a command needs. Close releases them in
// reverse order: index snapshot first, then the ledger flock.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	embedder embed.Embedder
	index    *vector.Index
	qdrant   *vector.FilterableStore
	store    *ingest.Store
	tracker  *progress.Tracker
	engine   *ingest.Engine
	queries  *query.Engine

	logCleanup func()
}

// openApp loads configuration and wires the subsystems. Commands that only
// read the index still go through the same path; the flock keeps a second
// writer out.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.SetDataDir(dir)
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Stderr = true
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.Stderr,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, logCleanup: logCleanup}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	var err error

	a.embedder, err = embed.NewFromConfig(ctx, a.cfg.Embeddings, a.logger)
	if err != nil {
		return err
	}

	a.index, err = vector.New(vector.Config{
		Dimension:           a.embedder.Dimensions(),
		Path:                a.cfg.IndexPath(),
		FlatMax:             a.cfg.Index.FlatMax,
		IVFMax:              a.cfg.Index.IVFMax,
		GraphMax:            a.cfg.Index.GraphMax,
		SoftRebuildRatio:    a.cfg.Index.SoftRebuildRatio,
		StartupRebuildRatio: a.cfg.Index.StartupRebuildRatio,
		BackupDir:           a.cfg.BackupDir(),
		BackupKeep:          a.cfg.Index.BackupKeep,
	}, a.logger)
	if err != nil {
		return err
	}

	if a.cfg.Store.Enabled {
		a.qdrant, err = vector.NewFilterableStore(ctx, vector.StoreConfig{
			Host:       a.cfg.Store.Host,
			Port:       a.cfg.Store.Port,
			APIKey:     a.cfg.Store.APIKey,
			UseTLS:     a.cfg.Store.UseTLS,
			Collection: a.cfg.Store.Collection,
			Dimension:  a.embedder.Dimensions(),
		}, a.logger)
		if err != nil {
			return err
		}
	}

	a.store, err = ingest.OpenStore(a.cfg.Ingest.DataDir, a.logger)
	if err != nil {
		return err
	}

	a.tracker, err = progress.NewTracker(
		filepath.Join(a.cfg.Ingest.DataDir, "progress", "ingestion_progress.json"), a.logger)
	if err != nil {
		return err
	}

	a.bus = events.NewBus()

	engineOpts := ingest.Options{
		Config:   a.cfg.Ingest,
		Index:    a.index,
		Embedder: a.embedder,
		Store:    a.store,
		Tracker:  a.tracker,
		Bus:      a.bus,
		Logger:   a.logger,
	}
	if a.qdrant != nil {
		// Mirror index writes so server-side filtered queries stay in sync.
		engineOpts.Filterable = a.qdrant
	}
	a.engine, err = ingest.NewEngine(engineOpts)
	if err != nil {
		return err
	}

	a.queries, err = query.NewEngine(query.Options{
		Config:   a.cfg.Query,
		LLM:      a.cfg.LLM,
		Index:    a.index,
		Store:    a.qdrant,
		Client:   a.llmClient(),
		Embedder: a.embedder,
		Logger:   a.logger,
	})
	return err
}

// llmClient builds the synthesis client, or nil when disabled or without
// credentials; the query engine then answers extractively.
func (a *app) llmClient() llm.Client {
	if !a.cfg.LLM.Enabled || a.cfg.Embeddings.OpenAIAPIKey == "" {
		return nil
	}
	client, err := llm.New(llm.Options{
		APIKey:      a.cfg.Embeddings.OpenAIAPIKey,
		BaseURL:     a.cfg.Embeddings.OpenAIBaseURL,
		Model:       a.cfg.LLM.Model,
		Temperature: a.cfg.LLM.Temperature,
	})
	if err != nil {
		a.logger.Warn("llm client unavailable, answers will be extractive",
			slog.String("error", err.Error()))
		return nil
	}
	return client
}

// chatGraph wires the conversation orchestrator on demand.
func (a *app) chatGraph() (*chat.Graph, chat.Store, error) {
	store, err := chat.NewStore(a.cfg.Chat)
	if err != nil {
		return nil, nil, err
	}
	g, err := chat.NewGraph(chat.Options{
		Config: a.cfg.Chat,
		Query:  a.cfg.Query,
		Store:  store,
		Engine: a.queries,
		Logger: a.logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return g, store, nil
}

// Close flushes and releases everything openApp acquired.
func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Save(); err != nil {
			a.logger.Warn("index save on shutdown failed", slog.String("error", err.Error()))
		}
	}
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
