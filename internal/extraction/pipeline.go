package extraction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantdesk/memoryd/internal/config"
	"github.com/quantdesk/memoryd/internal/embedding"
	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/notify"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/search"
	"github.com/quantdesk/memoryd/internal/store"
)

// Phase is the pipeline's observable state, for status endpoints.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseSummarizing Phase = "summarizing"
	PhasePersisting  Phase = "persisting"
)

// Pipeline periodically scans conversation turns for durable trading
// knowledge and persists what it finds. At most one pass runs at a time; a
// pass that overruns the interval simply delays the next tick.
type Pipeline struct {
	turns      *store.TurnStore
	state      *store.ExtractionStateStore
	cache      *store.CacheStore
	queryCache *store.QueryCacheStore
	remote     remote.Store
	embedder   embedding.Embedder
	summarizer Summarizer
	dedup      *Deduplicator
	notifier   *notify.Registry
	cfg        *config.Config
	logger     *slog.Logger

	mu    sync.Mutex
	phase Phase
}

func NewPipeline(
	turns *store.TurnStore,
	state *store.ExtractionStateStore,
	cache *store.CacheStore,
	queryCache *store.QueryCacheStore,
	remoteStore remote.Store,
	embedder embedding.Embedder,
	summarizer Summarizer,
	notifier *notify.Registry,
	cfg *config.Config,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		turns:      turns,
		state:      state,
		cache:      cache,
		queryCache: queryCache,
		remote:     remoteStore,
		embedder:   embedder,
		summarizer: summarizer,
		dedup:      NewDeduplicator(cache, cfg.DedupThreshold, logger),
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		phase:      PhaseIdle,
	}
}

// Phase returns the current pipeline phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pipeline) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// Run ticks RunOnce until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ExtractionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("extraction pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single extraction pass over every session with
// unprocessed turns. A failure in one session does not stop the others.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	p.setPhase(PhaseScanning)
	defer p.setPhase(PhaseIdle)

	sessions, err := p.turns.SessionsWithNewTurns()
	if err != nil {
		return err
	}

	for sessionID, workspaceID := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.processSession(ctx, sessionID, workspaceID); err != nil {
			p.logger.Error("session extraction failed",
				"session", sessionID, "workspace", workspaceID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) processSession(ctx context.Context, sessionID, workspaceID string) error {
	st, err := p.state.Get(sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		st = &models.ExtractionState{SessionID: sessionID, WorkspaceID: workspaceID}
	}

	turns, err := p.turns.ListAfter(sessionID, st.LastTurnSequence, p.cfg.MaxTurnsPerScan)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	p.setPhase(PhaseSummarizing)
	candidates, err := p.summarizer.Summarize(ctx, turns)
	if err != nil {
		// Turns stay unprocessed; the next pass retries the same window.
		p.logger.Warn("summarization failed, will retry",
			"session", sessionID, "turns", len(turns), "error", err)
		return nil
	}

	p.setPhase(PhasePersisting)
	extracted := 0
	for _, c := range candidates {
		if c.Importance < p.cfg.MinCandidateImportance {
			continue
		}
		m, err := p.persistCandidate(ctx, workspaceID, c)
		if err != nil {
			p.logger.Error("persist candidate failed", "workspace", workspaceID, "error", err)
			continue
		}
		if m == nil {
			continue // duplicate
		}
		extracted++
		p.notifier.Notify(notify.Event{
			Kind:        "memory_extracted",
			WorkspaceID: workspaceID,
			Memory:      m,
		})
	}

	if extracted > 0 {
		if err := p.queryCache.InvalidateWorkspace(workspaceID); err != nil {
			p.logger.Warn("query cache invalidation failed", "error", err)
		}
	}

	st.LastTurnSequence = turns[len(turns)-1].Sequence
	st.TurnsProcessed += len(turns)
	st.MemoriesExtracted += extracted
	if err := p.state.Upsert(st); err != nil {
		return err
	}

	p.logger.Info("extraction pass complete",
		"session", sessionID, "turns", len(turns), "extracted", extracted)
	return nil
}

// persistCandidate embeds, deduplicates, and writes one candidate. Returns
// nil with no error when the candidate duplicates an existing memory. Writes
// go remote-first; when the remote is unreachable the record is kept locally
// with pending_sync set so maintenance can push it later.
func (p *Pipeline) persistCandidate(ctx context.Context, workspaceID string, c models.Candidate) (*models.Memory, error) {
	var vec []float32
	if p.embedder != nil {
		v, err := p.embedder.Embed(ctx, c.Content)
		if err != nil {
			p.logger.Warn("candidate embedding failed, storing without vector", "error", err)
		} else {
			vec = v
		}
	}

	dupID, err := p.dedup.IsDuplicate(ctx, workspaceID, c.Content, vec)
	if err != nil {
		return nil, err
	}
	if dupID != "" {
		p.logger.Debug("candidate duplicates existing memory", "existing", dupID)
		return nil, nil
	}

	now := time.Now().Unix()
	m := &models.Memory{
		ID:              uuid.New().String(),
		WorkspaceID:     workspaceID,
		Content:         c.Content,
		Summary:         c.Summary,
		MemoryType:      c.MemoryType,
		Category:        c.Category,
		Symbols:         c.Symbols,
		Strategies:      c.Strategies,
		ImportanceScore: c.Importance,
		DecayFactor:     models.DefaultDecayFactor,
		ProtectionLevel: models.ProtectionStandard,
		Source:          "extraction",
		Confidence:      c.Confidence,
		ContentHash:     embedding.ContentHash(c.Content),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if vec != nil {
		m.Embedding = search.VectorToBytes(vec)
		m.EmbeddingModel = p.embedder.Model()
	}

	if p.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
		id, err := p.remote.InsertMemory(rctx, m)
		cancel()
		if err != nil {
			p.logger.Warn("remote insert failed, queuing for sync", "error", err)
			m.PendingSync = true
		} else if id != "" {
			m.ID = id
		}
	} else {
		m.PendingSync = true
	}

	if err := p.cache.Upsert(m); err != nil {
		return nil, err
	}
	return m, nil
}
