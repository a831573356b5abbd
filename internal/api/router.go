package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quantdesk/memoryd/internal/extraction"
	"github.com/quantdesk/memoryd/internal/notify"
	"github.com/quantdesk/memoryd/internal/recall"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/store"
)

// Server exposes the recall subsystem over local HTTP for the desktop UI.
type Server struct {
	engine     *recall.Engine
	cache      *store.CacheStore
	turns      *store.TurnStore
	queryCache *store.QueryCacheStore
	pipeline   *extraction.Pipeline
	remote     remote.Store
	notifier   *notify.Registry
	remoteTO   time.Duration
	logger     *slog.Logger
}

func NewServer(
	engine *recall.Engine,
	cache *store.CacheStore,
	turns *store.TurnStore,
	queryCache *store.QueryCacheStore,
	pipeline *extraction.Pipeline,
	remoteStore remote.Store,
	notifier *notify.Registry,
	remoteTimeout time.Duration,
	logger *slog.Logger,
) *Server {
	return &Server{
		engine:     engine,
		cache:      cache,
		turns:      turns,
		queryCache: queryCache,
		pipeline:   pipeline,
		remote:     remoteStore,
		notifier:   notifier,
		remoteTO:   remoteTimeout,
		logger:     logger,
	}
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/recall", s.handleRecall)
		r.Post("/warm", s.handleWarm)
		r.Get("/prompt-context", s.handlePromptContext)

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", s.handleCreateMemory)
			r.Get("/{id}", s.handleGetMemory)
			r.Patch("/{id}", s.handleUpdateMemory)
			r.Post("/{id}/archive", s.handleArchiveMemory)
		})

		r.Post("/sessions/{sessionID}/turns", s.handleAppendTurn)
		r.Get("/sessions/{sessionID}/turns", s.handleListTurns)
	})

	return r
}
