package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantdesk/memoryd/internal/config"
	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/store"
)

// Maintainer keeps the local cache healthy in the background: it evicts cold
// entries past the size budget, refreshes stale entries from the remote,
// pushes locally-queued writes, and purges expired query cache rows.
type Maintainer struct {
	cache      *store.CacheStore
	queryCache *store.QueryCacheStore
	remote     remote.Store
	cfg        *config.Config
	logger     *slog.Logger
}

func NewMaintainer(
	cache *store.CacheStore,
	queryCache *store.QueryCacheStore,
	remoteStore remote.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Maintainer {
	return &Maintainer{
		cache:      cache,
		queryCache: queryCache,
		remote:     remoteStore,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run ticks RunOnce until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a full maintenance pass. Each task logs and continues on
// failure; maintenance never takes the daemon down.
func (m *Maintainer) RunOnce(ctx context.Context) {
	m.pruneAll()
	m.purgeQueryCache()
	if m.remote != nil {
		m.pushPending(ctx)
		m.refreshStale(ctx)
	}
}

func (m *Maintainer) pruneAll() {
	workspaces, err := m.cache.Workspaces()
	if err != nil {
		m.logger.Error("list workspaces failed", "error", err)
		return
	}
	for _, ws := range workspaces {
		evicted, err := m.cache.PruneCold(ws, m.cfg.CacheMaxEntries)
		if err != nil {
			m.logger.Error("prune failed", "workspace", ws, "error", err)
			continue
		}
		if evicted > 0 {
			m.logger.Info("pruned cold entries", "workspace", ws, "evicted", evicted)
		}
	}
}

func (m *Maintainer) purgeQueryCache() {
	// Expired rows are already invisible to readers; this just bounds the
	// table size.
	purged, err := m.queryCache.PurgeExpired(m.cfg.QueryCacheTTL)
	if err != nil {
		m.logger.Error("query cache purge failed", "error", err)
		return
	}
	if purged > 0 {
		m.logger.Debug("purged query cache", "rows", purged)
	}
}

// pushPending replays locally-created records against the remote store.
// Records stay pending until a push succeeds.
func (m *Maintainer) pushPending(ctx context.Context) {
	pending, err := m.cache.PendingSyncEntries(100)
	if err != nil {
		m.logger.Error("list pending sync failed", "error", err)
		return
	}

	var synced []string
	for _, mem := range pending {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
		id, err := m.remote.InsertMemory(rctx, mem)
		cancel()
		if err != nil {
			m.logger.Warn("pending sync push failed", "id", mem.ID, "error", err)
			continue
		}
		if id != "" && id != mem.ID {
			// The remote assigned its own id; re-key the local row in place
			// so the old id does not stay pending and get pushed again.
			if err := m.cache.Rekey(mem.ID, id); err != nil {
				m.logger.Warn("re-key synced entry failed",
					"old_id", mem.ID, "new_id", id, "error", err)
				continue
			}
			mem.ID = id
		}
		synced = append(synced, mem.ID)
	}

	if len(synced) > 0 {
		if err := m.cache.MarkSynced(synced); err != nil {
			m.logger.Error("mark synced failed", "error", err)
			return
		}
		m.logger.Info("pushed pending entries", "count", len(synced))
	}
}

// refreshStale reconciles cache entries that have not been compared with the
// remote within the staleness window.
func (m *Maintainer) refreshStale(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(m.cfg.StaleAfterHours) * time.Hour).Unix()
	stale, err := m.cache.StaleEntries(cutoff, 100)
	if err != nil {
		m.logger.Error("list stale entries failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	ids := make([]string, len(stale))
	byID := make(map[string]*models.Memory, len(stale))
	for i, mem := range stale {
		ids[i] = mem.ID
		byID[mem.ID] = mem
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	fresh, err := m.remote.GetMemories(rctx, ids)
	cancel()
	if err != nil {
		m.logger.Warn("stale refresh fetch failed", "count", len(ids), "error", err)
		return
	}

	refreshed := 0
	for _, mem := range fresh {
		delete(byID, mem.ID)
		if err := m.cache.Upsert(mem); err != nil {
			m.logger.Warn("stale refresh upsert failed", "id", mem.ID, "error", err)
			continue
		}
		refreshed++
	}

	// Anything the remote no longer returns was deleted upstream; archive it
	// locally rather than deleting, immutable records excepted.
	for id, mem := range byID {
		if mem.Immutable() {
			continue
		}
		if err := m.cache.SetArchived(id, true, true); err != nil {
			m.logger.Warn("archive removed entry failed", "id", id, "error", err)
		}
	}

	m.logger.Info("refreshed stale entries", "refreshed", refreshed, "removed", len(byID))
}
