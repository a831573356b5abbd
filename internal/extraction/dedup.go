package extraction

import (
	"context"
	"log/slog"

	"github.com/quantdesk/memoryd/internal/embedding"
	"github.com/quantdesk/memoryd/internal/search"
	"github.com/quantdesk/memoryd/internal/store"
)

// Deduplicator decides whether a candidate duplicates an existing memory,
// first by exact content hash and then by cosine similarity against recent
// embedded entries.
type Deduplicator struct {
	cache     *store.CacheStore
	threshold float64
	logger    *slog.Logger
}

func NewDeduplicator(cache *store.CacheStore, threshold float64, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{cache: cache, threshold: threshold, logger: logger}
}

// IsDuplicate returns the id of the duplicated memory, or "" when the
// candidate is new. vec may be nil, which skips the near-duplicate check.
func (d *Deduplicator) IsDuplicate(ctx context.Context, workspaceID, content string, vec []float32) (string, error) {
	hash := embedding.ContentHash(content)
	exact, err := d.cache.FindByContentHash(workspaceID, hash)
	if err != nil {
		return "", err
	}
	if len(exact) > 0 {
		return exact[0].ID, nil
	}

	if vec == nil {
		return "", nil
	}

	recent, err := d.cache.RecentWithEmbeddings(workspaceID, 200)
	if err != nil {
		return "", err
	}
	for _, m := range recent {
		existing := search.BytesToVector(m.Embedding)
		if len(existing) != len(vec) {
			continue
		}
		if sim := search.CosineSimilarity(vec, existing); sim >= d.threshold {
			d.logger.Debug("near-duplicate candidate",
				"existing", m.ID, "similarity", sim)
			return m.ID, nil
		}
	}
	return "", nil
}
