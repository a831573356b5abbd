package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantdesk/memoryd/internal/api"
	"github.com/quantdesk/memoryd/internal/config"
	"github.com/quantdesk/memoryd/internal/embedding"
	"github.com/quantdesk/memoryd/internal/extraction"
	"github.com/quantdesk/memoryd/internal/maintenance"
	"github.com/quantdesk/memoryd/internal/notify"
	"github.com/quantdesk/memoryd/internal/recall"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/store"
)

// App wires the daemon together and owns its lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *store.DB
	Engine     *recall.Engine
	Pipeline   *extraction.Pipeline
	Maintainer *maintenance.Maintainer
	Notifier   *notify.Registry

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New builds the full dependency graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	cache := store.NewCacheStore(db)
	queryCache := store.NewQueryCacheStore(db)
	embeddingCache := store.NewEmbeddingCacheStore(db)
	turns := store.NewTurnStore(db)
	extractionState := store.NewExtractionStateStore(db)

	var remoteStore remote.Store
	if cfg.RemoteEnabled() {
		remoteStore = remote.NewClient(cfg.RemoteURL, cfg.RemoteAPIKey)
	} else {
		logger.Warn("no remote store configured, running local-only")
	}

	var embedder embedding.Embedder
	if cfg.LLMURL != "" {
		embedder = embedding.NewCached(
			embedding.NewHTTPClient(cfg.LLMURL, cfg.EmbeddingModel),
			embeddingCache, cfg.EmbeddingDim, logger,
		)
	}

	notifier := notify.NewRegistry(logger)
	engine := recall.NewEngine(cache, queryCache, remoteStore, embedder, cfg, logger)
	summarizer := extraction.NewHTTPSummarizer(cfg.LLMURL, cfg.SummaryModel)
	pipeline := extraction.NewPipeline(
		turns, extractionState, cache, queryCache,
		remoteStore, embedder, summarizer, notifier, cfg, logger,
	)
	maintainer := maintenance.NewMaintainer(cache, queryCache, remoteStore, cfg, logger)

	server := api.NewServer(
		engine, cache, turns, queryCache, pipeline,
		remoteStore, notifier, cfg.RemoteTimeout, logger,
	)

	return &App{
		cfg:    cfg,
		logger: logger,
		db:     db,

		Engine:     engine,
		Pipeline:   pipeline,
		Maintainer: maintainer,
		Notifier:   notifier,

		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      server.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}, nil
}

// Start launches the background loops and the HTTP listener. Blocks until
// the listener exits.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Pipeline.Run(ctx)
	go a.Maintainer.Run(ctx)

	a.logger.Info("listening", "addr", a.cfg.ListenAddr)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts everything down, draining in-flight requests.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	return a.db.Close()
}
