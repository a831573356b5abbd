package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/memoryd/internal/models"
)

// QueryCacheStore holds recently-computed recall result id lists so repeated
// queries within a short TTL skip recomputation entirely.
type QueryCacheStore struct {
	db *DB
}

func NewQueryCacheStore(db *DB) *QueryCacheStore {
	return &QueryCacheStore{db: db}
}

// NormalizeQuery produces the comparison key for the query cache: trimmed,
// lowercased, inner whitespace collapsed.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Get returns a fresh cache entry, or nil when absent or expired. A hit bumps
// the hit counter.
func (s *QueryCacheStore) Get(queryKey, workspaceID string, ttl time.Duration) (*models.QueryCacheEntry, error) {
	var e models.QueryCacheEntry
	var idsJSON string
	err := s.db.QueryRow(`
		SELECT query_key, workspace_id, result_ids, hit_count, avg_response_ms, cached_at
		FROM query_cache WHERE query_key = ? AND workspace_id = ?
	`, queryKey, workspaceID).Scan(&e.QueryKey, &e.WorkspaceID, &idsJSON, &e.HitCount, &e.AvgResponseMS, &e.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get query cache: %w", err)
	}

	if time.Now().Unix()-e.CachedAt > int64(ttl.Seconds()) {
		return nil, nil
	}

	if err := json.Unmarshal([]byte(idsJSON), &e.ResultIDs); err != nil {
		return nil, fmt.Errorf("decode cached ids: %w", err)
	}

	_, _ = s.db.Exec(`
		UPDATE query_cache SET hit_count = hit_count + 1
		WHERE query_key = ? AND workspace_id = ?
	`, queryKey, workspaceID)
	e.HitCount++

	return &e, nil
}

// Put upserts a result id list for a (query, workspace) pair, folding the
// observed response time into a running average.
func (s *QueryCacheStore) Put(queryKey, workspaceID string, ids []string, responseMS float64) error {
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode result ids: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO query_cache (query_key, workspace_id, result_ids, hit_count, avg_response_ms, cached_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(query_key, workspace_id) DO UPDATE SET
			result_ids = excluded.result_ids,
			avg_response_ms = (query_cache.avg_response_ms + excluded.avg_response_ms) / 2.0,
			cached_at = excluded.cached_at
	`, queryKey, workspaceID, string(idsJSON), responseMS, now)
	if err != nil {
		return fmt.Errorf("put query cache: %w", err)
	}
	return nil
}

// PurgeExpired drops entries older than the TTL. Run by maintenance to keep
// the table bounded.
func (s *QueryCacheStore) PurgeExpired(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	res, err := s.db.Exec(`DELETE FROM query_cache WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge query cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InvalidateWorkspace drops all cached queries for a workspace. Called after
// writes that change what recall should return.
func (s *QueryCacheStore) InvalidateWorkspace(workspaceID string) error {
	_, err := s.db.Exec(`DELETE FROM query_cache WHERE workspace_id = ?`, workspaceID)
	return err
}
