package recall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// warmTracker remembers when each workspace was last warmed so repeated
// session starts within the freshness window skip the remote round trips.
type warmTracker struct {
	mu        sync.Mutex
	warmedAt  map[string]time.Time
	freshness time.Duration
}

func newWarmTracker(freshness time.Duration) *warmTracker {
	return &warmTracker{
		warmedAt:  make(map[string]time.Time),
		freshness: freshness,
	}
}

func (t *warmTracker) fresh(workspaceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.warmedAt[workspaceID]
	return ok && time.Since(at) < t.freshness
}

func (t *warmTracker) mark(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warmedAt[workspaceID] = time.Now()
}

// WarmCache preloads the local cache for a workspace with the remote's
// highest-importance and most recently accessed records. Called at session
// start; a no-op when the workspace was warmed recently or no remote is
// configured. Returns the number of entries written.
func (e *Engine) WarmCache(ctx context.Context, workspaceID string) (int, error) {
	if e.remote == nil {
		return 0, nil
	}
	if e.warm.fresh(workspaceID) {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)

	var important, recent int
	var importantErr, recentErr error

	// Each leg swallows its own error so one failing pull does not cancel
	// the other.
	g.Go(func() error {
		memories, err := e.remote.ListTopByImportance(gctx, workspaceID, e.cfg.WarmSize)
		if err != nil {
			importantErr = err
			return nil
		}
		for _, m := range memories {
			if err := e.cache.Upsert(m); err != nil {
				e.logger.Warn("warm upsert failed", "id", m.ID, "error", err)
				continue
			}
			important++
		}
		return nil
	})

	g.Go(func() error {
		memories, err := e.remote.ListRecentlyAccessed(gctx, workspaceID, e.cfg.WarmSize)
		if err != nil {
			recentErr = err
			return nil
		}
		for _, m := range memories {
			if err := e.cache.Upsert(m); err != nil {
				e.logger.Warn("warm upsert failed", "id", m.ID, "error", err)
				continue
			}
			recent++
		}
		return nil
	})

	_ = g.Wait()
	total := important + recent

	// One leg succeeding is enough to call the workspace warm; both failing
	// leaves it cold for the next attempt.
	if importantErr != nil && recentErr != nil {
		return total, fmt.Errorf("cache warm: importance pull: %v; recency pull: %w", importantErr, recentErr)
	}
	e.warm.mark(workspaceID)
	if importantErr != nil || recentErr != nil {
		e.logger.Warn("cache warm partially failed", "workspace", workspaceID,
			"importance_error", importantErr, "recency_error", recentErr)
	}
	e.logger.Info("cache warmed", "workspace", workspaceID, "entries", total)
	return total, nil
}
