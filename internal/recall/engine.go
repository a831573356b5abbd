package recall

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quantdesk/memoryd/internal/config"
	"github.com/quantdesk/memoryd/internal/embedding"
	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/search"
	"github.com/quantdesk/memoryd/internal/store"
)

// Engine answers recall queries by blending the local lexical index with the
// remote hybrid search. It never returns an error from Recall: every failure
// degrades to a smaller (possibly empty) result with an annotation in Meta.
type Engine struct {
	cache      *store.CacheStore
	queryCache *store.QueryCacheStore
	remote     remote.Store
	embedder   embedding.Embedder
	cfg        *config.Config
	logger     *slog.Logger

	warm *warmTracker
}

func NewEngine(
	cache *store.CacheStore,
	queryCache *store.QueryCacheStore,
	remoteStore remote.Store,
	embedder embedding.Embedder,
	cfg *config.Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cache:      cache,
		queryCache: queryCache,
		remote:     remoteStore,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger,
		warm:       newWarmTracker(cfg.WarmFreshness),
	}
}

// Recall runs the full retrieval flow: query cache, local full-text search,
// remote hybrid search when local coverage is thin, protection boosting, and
// ranking. The ctx deadline bounds the whole call; the remote leg additionally
// gets its own shorter timeout.
func (e *Engine) Recall(ctx context.Context, query, workspaceID string, opts models.RecallOptions) *models.RecallResult {
	start := time.Now()
	result := &models.RecallResult{Memories: []models.ScoredMemory{}}

	if err := models.ValidateQuery(query); err != nil {
		result.Meta.Error = err.Error()
		return result
	}
	if err := models.ValidateWorkspaceID(workspaceID); err != nil {
		result.Meta.Error = err.Error()
		return result
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxRemoteLimit {
		limit = e.cfg.MaxRemoteLimit
	}

	queryKey := store.NormalizeQuery(query)

	if !opts.NoCache {
		if cached := e.fromQueryCache(queryKey, workspaceID, limit); cached != nil {
			cached.Meta.SearchTimeMS = time.Since(start).Milliseconds()
			e.recordAccess(cached)
			return cached
		}
	}

	candidates, localErr := e.localSearch(query, workspaceID, limit)
	if localErr != nil {
		e.logger.Error("local search failed", "workspace", workspaceID, "error", localErr)
		result.Meta.Error = "local search unavailable"
	}

	if e.remote != nil && (opts.Rerank || len(candidates) < e.cfg.MinLocalResults) {
		merged, usedRemote := e.remoteSearch(ctx, query, workspaceID, limit, opts.MinImportance, candidates)
		candidates = merged
		result.Meta.UsedRemote = usedRemote
	}

	now := time.Now().Unix()
	ranked := make([]models.ScoredMemory, 0, len(candidates))
	for _, c := range candidates {
		if c.Memory.Archived {
			continue
		}
		if opts.MinImportance > 0 && c.Memory.EffectiveImportance(now) < opts.MinImportance {
			continue
		}
		if c.Memory.ProtectionLevel <= models.ProtectionProtected {
			c.Score *= e.cfg.ProtectionBoost
		}
		ranked = append(ranked, c)
	}

	sortScored(ranked)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	result.Memories = ranked
	result.Meta.Total = len(ranked)
	result.Meta.SearchTimeMS = time.Since(start).Milliseconds()

	e.recordAccess(result)
	if !opts.NoCache && len(ranked) > 0 {
		ids := make([]string, len(ranked))
		for i, r := range ranked {
			ids[i] = r.Memory.ID
		}
		if err := e.queryCache.Put(queryKey, workspaceID, ids, float64(result.Meta.SearchTimeMS)); err != nil {
			e.logger.Warn("query cache write failed", "error", err)
		}
	}

	return result
}

// fromQueryCache rebuilds a result from a cached id list. Entries that were
// archived or evicted since caching are dropped; if too few remain the hit is
// discarded so the caller recomputes.
func (e *Engine) fromQueryCache(queryKey, workspaceID string, limit int) *models.RecallResult {
	entry, err := e.queryCache.Get(queryKey, workspaceID, e.cfg.QueryCacheTTL)
	if err != nil {
		e.logger.Warn("query cache lookup failed", "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	memories, err := e.cache.GetMany(entry.ResultIDs)
	if err != nil {
		e.logger.Warn("query cache hydrate failed", "error", err)
		return nil
	}

	scored := make([]models.ScoredMemory, 0, len(memories))
	for _, m := range memories {
		if m.Archived {
			continue
		}
		scored = append(scored, models.ScoredMemory{Memory: m})
	}
	if len(scored) == 0 {
		return nil
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}

	return &models.RecallResult{
		Memories: scored,
		Meta: models.RecallMeta{
			Total:    len(scored),
			CacheHit: true,
		},
	}
}

// localSearch runs the FTS5 query and scales BM25 scores into [0,1] so they
// are comparable with remote hybrid scores.
func (e *Engine) localSearch(query, workspaceID string, limit int) (map[string]models.ScoredMemory, error) {
	entries, err := e.cache.FullTextSearch(query, workspaceID, limit*2)
	if err != nil {
		return map[string]models.ScoredMemory{}, err
	}

	scores := make([]float64, len(entries))
	for i, s := range entries {
		scores[i] = s.Score
	}
	scaled := search.ScaleToUnit(scores)

	candidates := make(map[string]models.ScoredMemory, len(entries))
	for i, s := range entries {
		candidates[s.Memory.ID] = models.ScoredMemory{
			Memory: s.Memory,
			Score:  scaled[i] * e.cfg.LexicalWeight,
		}
	}
	return candidates, nil
}

// remoteSearch runs the remote hybrid search under its own timeout and merges
// the results into candidates. On id collision the remote score wins: it is
// computed over the full corpus with vector similarity, the local score is
// lexical-only over a partial cache. Remote rows are written back to the local
// cache best-effort so the next offline recall can see them.
func (e *Engine) remoteSearch(
	ctx context.Context,
	query, workspaceID string,
	limit int,
	minImportance float64,
	candidates map[string]models.ScoredMemory,
) (map[string]models.ScoredMemory, bool) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	var queryVec []float32
	if e.embedder != nil {
		vec, err := e.embedder.Embed(rctx, query)
		if err != nil {
			e.logger.Warn("query embedding failed, remote search is lexical-only", "error", err)
		} else {
			queryVec = vec
		}
	}

	results, err := e.remote.HybridSearch(rctx, remote.HybridSearchRequest{
		QueryText:      query,
		QueryEmbedding: queryVec,
		WorkspaceID:    workspaceID,
		Limit:          limit,
		BM25Weight:     e.cfg.LexicalWeight,
		VectorWeight:   e.cfg.VectorWeight,
		MinImportance:  minImportance,
	})
	if err != nil {
		e.logger.Warn("remote search failed, serving local results",
			"workspace", workspaceID, "error", err)
		return candidates, false
	}

	for _, r := range results {
		if r.Memory == nil {
			continue
		}
		candidates[r.Memory.ID] = models.ScoredMemory{
			Memory:     r.Memory,
			Score:      r.HybridScore,
			FromRemote: true,
		}
		if err := e.cache.Upsert(r.Memory); err != nil {
			e.logger.Warn("cache write-back failed", "id", r.Memory.ID, "error", err)
		}
	}
	return candidates, true
}

// recordAccess bumps access counts in the background so the hot path never
// waits on bookkeeping.
func (e *Engine) recordAccess(result *models.RecallResult) {
	if len(result.Memories) == 0 {
		return
	}
	ids := make([]string, len(result.Memories))
	for i, m := range result.Memories {
		ids[i] = m.Memory.ID
	}
	go func() {
		if err := e.cache.RecordAccess(ids); err != nil {
			e.logger.Warn("record access failed", "error", err)
		}
	}()
}

// sortScored orders by score descending; ties go to the stronger protection
// level, then to the newer record.
func sortScored(scored []models.ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Memory.ProtectionLevel != scored[j].Memory.ProtectionLevel {
			return scored[i].Memory.ProtectionLevel < scored[j].Memory.ProtectionLevel
		}
		return scored[i].Memory.CreatedAt > scored[j].Memory.CreatedAt
	})
}
