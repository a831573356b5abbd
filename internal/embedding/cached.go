package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/search"
	"github.com/quantdesk/memoryd/internal/store"
)

// Cached wraps an Embedder with content-hash caching backed by the local
// store, so identical query or candidate text embeds only once.
type Cached struct {
	inner  Embedder
	cache  *store.EmbeddingCacheStore
	dim    int
	logger *slog.Logger
}

func NewCached(inner Embedder, cache *store.EmbeddingCacheStore, dim int, logger *slog.Logger) *Cached {
	return &Cached{inner: inner, cache: cache, dim: dim, logger: logger}
}

func (e *Cached) Model() string { return e.inner.Model() }

// Embed returns the embedding for text, using the cache when available.
// A cache write failure is logged and swallowed; the vector is still
// returned.
func (e *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)

	entry, err := e.cache.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("embedding cache lookup: %w", err)
	}
	if entry != nil {
		return search.BytesToVector(entry.Embedding), nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Put(&models.EmbeddingCacheEntry{
		ContentHash: hash,
		Embedding:   search.VectorToBytes(vec),
		Dimension:   e.dim,
		Model:       e.inner.Model(),
	}); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}

	return vec, nil
}
