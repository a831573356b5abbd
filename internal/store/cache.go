package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/memoryd/internal/models"
)

// cacheColumns is the canonical column list for all SELECT queries.
// Order must match scanEntry.
const cacheColumns = `id, workspace_id, content, summary, memory_type, category,
	symbols, strategies, embedding, embedding_model,
	importance_score, decay_factor, access_count, last_accessed_at,
	protection_level, financial_impact, source, confidence,
	related_ids, contradicts_ids, supersedes_ids, regime_context,
	content_hash, created_at, updated_at, archived, synced_at, pending_sync`

// CacheStore owns the denormalized memory projection in SQLite. It is a
// cache, not the source of truth: callers must tolerate it being empty or
// stale at any time.
type CacheStore struct {
	db *DB
}

func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db}
}

// ScoredEntry is a full-text match joined back to its cache row.
type ScoredEntry struct {
	Memory *models.Memory
	Score  float64
}

// Upsert inserts or replaces a cache entry by id, stamping synced_at with the
// current time. Idempotent: a second call with the same record produces one
// row with a later synced_at. Rejects content mutation or archival of an
// IMMUTABLE record.
func (s *CacheStore) Upsert(m *models.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}

	existing, err := s.Get(m.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Immutable() {
		if m.Archived {
			return fmt.Errorf("%w: memory %s is %s and cannot be archived",
				models.ErrProtected, m.ID, existing.ProtectionLevel)
		}
		if m.ContentHash != "" && existing.ContentHash != "" && m.ContentHash != existing.ContentHash {
			return fmt.Errorf("%w: memory %s is %s and its content cannot change",
				models.ErrProtected, m.ID, existing.ProtectionLevel)
		}
	}

	now := time.Now().Unix()
	m.SyncedAt = now

	symbols := jsonList(m.Symbols)
	strategies := jsonList(m.Strategies)
	related := jsonList(m.RelatedIDs)
	contradicts := jsonList(m.ContradictsIDs)
	supersedes := jsonList(m.SupersedesIDs)

	var regimeJSON *string
	if m.RegimeContext != nil {
		b, err := json.Marshal(m.RegimeContext)
		if err != nil {
			return fmt.Errorf("marshal regime context: %w", err)
		}
		str := string(b)
		regimeJSON = &str
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_cache (
			id, workspace_id, content, summary, memory_type, category,
			symbols, strategies, embedding, embedding_model,
			importance_score, decay_factor, access_count, last_accessed_at,
			protection_level, financial_impact, source, confidence,
			related_ids, contradicts_ids, supersedes_ids, regime_context,
			content_hash, created_at, updated_at, archived, synced_at, pending_sync
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			content = excluded.content,
			summary = excluded.summary,
			memory_type = excluded.memory_type,
			category = excluded.category,
			symbols = excluded.symbols,
			strategies = excluded.strategies,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model,
			importance_score = excluded.importance_score,
			decay_factor = excluded.decay_factor,
			last_accessed_at = excluded.last_accessed_at,
			protection_level = excluded.protection_level,
			financial_impact = excluded.financial_impact,
			source = excluded.source,
			confidence = excluded.confidence,
			related_ids = excluded.related_ids,
			contradicts_ids = excluded.contradicts_ids,
			supersedes_ids = excluded.supersedes_ids,
			regime_context = excluded.regime_context,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			archived = excluded.archived,
			synced_at = excluded.synced_at,
			pending_sync = excluded.pending_sync
	`,
		m.ID, m.WorkspaceID, m.Content, nullStr(m.Summary), string(m.MemoryType), nullStr(m.Category),
		symbols, strategies, m.Embedding, nullStr(m.EmbeddingModel),
		m.ImportanceScore, m.DecayFactor, m.AccessCount, m.LastAccessedAt,
		int(m.ProtectionLevel), m.FinancialImpact, nullStr(m.Source), m.Confidence,
		related, contradicts, supersedes, regimeJSON,
		m.ContentHash, m.CreatedAt, m.UpdatedAt, boolInt(m.Archived), m.SyncedAt, boolInt(m.PendingSync),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// FullTextSearch runs a ranked lexical search over content, summary, and
// category within a workspace. Archived entries are excluded. An empty result
// is not an error; an unmatchable query returns nil.
func (s *CacheStore) FullTextSearch(query, workspaceID string, limit int) ([]ScoredEntry, error) {
	match := buildMatchQuery(query)
	if match == "" || workspaceID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// bm25() rank is negative where more negative = better, so negate for
	// positive higher-is-better scores.
	q := fmt.Sprintf(`
		SELECT %s, -rank AS score
		FROM memory_cache_fts
		JOIN memory_cache m ON m.rowid = memory_cache_fts.rowid
		WHERE memory_cache_fts MATCH ?
		  AND m.workspace_id = ?
		  AND m.archived = 0
		ORDER BY rank
		LIMIT ?
	`, prefixColumns("m", cacheColumns))

	rows, err := s.db.Query(q, match, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var results []ScoredEntry
	for rows.Next() {
		m, score, err := scanRow(rows, true)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredEntry{Memory: m, Score: score})
	}
	return results, rows.Err()
}

// TopByImportance returns the highest-importance unarchived entries for a
// workspace regardless of query content. Used for cache warm-up checks.
func (s *CacheStore) TopByImportance(workspaceID string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM memory_cache
		WHERE workspace_id = ? AND archived = 0
		ORDER BY importance_score DESC, created_at DESC
		LIMIT ?
	`, cacheColumns), workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("top by importance: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecordAccess increments access counts and stamps last_accessed_at for each
// id in a single statement. Best-effort bookkeeping: callers swallow the
// error after logging it.
func (s *CacheStore) RecordAccess(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().Unix()
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		UPDATE memory_cache SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	return err
}

// PruneCold evicts the lowest effective-importance entries beyond maxEntries
// for a workspace. Entries with protection_level <= 1 are never evicted and
// do not count against the eviction survivors. The eviction itself is a
// single atomic DELETE so it cannot race with concurrent inserts.
func (s *CacheStore) PruneCold(workspaceID string, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}

	var protected int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM memory_cache WHERE workspace_id = ? AND protection_level <= 1
	`, workspaceID).Scan(&protected)
	if err != nil {
		return 0, fmt.Errorf("count protected: %w", err)
	}

	keep := maxEntries - protected
	if keep < 0 {
		keep = 0
	}

	res, err := s.db.Exec(`
		DELETE FROM memory_cache
		WHERE workspace_id = ? AND protection_level >= 2 AND id NOT IN (
			SELECT id FROM memory_cache
			WHERE workspace_id = ? AND protection_level >= 2
			ORDER BY importance_score * decay_factor DESC, created_at DESC
			LIMIT ?
		)
	`, workspaceID, workspaceID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cold: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get fetches a single cache entry by id, or nil when absent.
func (s *CacheStore) Get(id string) (*models.Memory, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM memory_cache WHERE id = ?`, cacheColumns), id)
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// GetMany fetches entries for the given ids, preserving the input order.
// Missing ids are silently dropped.
func (s *CacheStore) GetMany(ids []string) ([]*models.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM memory_cache WHERE id IN (%s)`,
		cacheColumns, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Memory, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	ordered := make([]*models.Memory, 0, len(entries))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// SetArchived archives or unarchives an entry, enforcing protection levels.
// IMMUTABLE records are always rejected; PROTECTED records require confirmed.
func (s *CacheStore) SetArchived(id string, archived, confirmed bool) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err := CheckMutable(m, confirmed); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = s.db.Exec(`UPDATE memory_cache SET archived = ?, updated_at = ? WHERE id = ?`,
		boolInt(archived), now, id)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return nil
}

// ApplyUpdate applies a partial update, enforcing protection levels and the
// importance range invariant. Returns the updated record.
func (s *CacheStore) ApplyUpdate(id string, upd *models.MemoryUpdate) (*models.Memory, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if upd.IsMutation() {
		if err := CheckMutable(m, upd.Confirmed); err != nil {
			return nil, err
		}
	}
	if upd.ImportanceScore != nil {
		if err := models.ValidateImportance(*upd.ImportanceScore); err != nil {
			return nil, err
		}
	}
	if upd.ProtectionLevel != nil && !upd.ProtectionLevel.IsValid() {
		return nil, fmt.Errorf("%w: protection level %d outside {0,1,2,3}",
			models.ErrValidation, *upd.ProtectionLevel)
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *upd.Summary)
	}
	if upd.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *upd.Category)
	}
	if upd.ImportanceScore != nil {
		sets = append(sets, "importance_score = ?")
		args = append(args, *upd.ImportanceScore)
	}
	if upd.ProtectionLevel != nil {
		sets = append(sets, "protection_level = ?")
		args = append(args, int(*upd.ProtectionLevel))
	}
	if upd.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, boolInt(*upd.Archived))
	}

	args = append(args, id)
	_, err = s.db.Exec(fmt.Sprintf("UPDATE memory_cache SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("apply update: %w", err)
	}
	return s.Get(id)
}

// CheckMutable is the protection gate shared by every mutation path,
// including callers that want to fail fast before touching the remote store.
func CheckMutable(m *models.Memory, confirmed bool) error {
	switch m.ProtectionLevel {
	case models.ProtectionImmutable:
		return fmt.Errorf("%w: memory %s has protection level %s",
			models.ErrProtected, m.ID, m.ProtectionLevel)
	case models.ProtectionProtected:
		if !confirmed {
			return fmt.Errorf("%w: memory %s has protection level %s",
				models.ErrConfirmRequired, m.ID, m.ProtectionLevel)
		}
	}
	return nil
}

// StaleEntries returns unarchived entries whose synced_at is older than the
// given cutoff, oldest first. Maintenance refreshes these from the remote.
func (s *CacheStore) StaleEntries(olderThanUnix int64, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM memory_cache
		WHERE synced_at < ? AND pending_sync = 0
		ORDER BY synced_at ASC
		LIMIT ?
	`, cacheColumns), olderThanUnix, limit)
	if err != nil {
		return nil, fmt.Errorf("stale entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PendingSyncEntries returns locally-created entries awaiting a remote write.
func (s *CacheStore) PendingSyncEntries(limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM memory_cache WHERE pending_sync = 1 ORDER BY created_at ASC LIMIT ?
	`, cacheColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("pending sync entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Rekey changes a row's primary key in place, preserving access counts and
// the FTS index row. Used when the remote assigns its own id during a
// pending-sync push; the old id must not survive or it would be pushed again.
func (s *CacheStore) Rekey(oldID, newID string) error {
	res, err := s.db.Exec(`UPDATE memory_cache SET id = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("rekey cache entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, oldID)
	}
	return nil
}

// MarkSynced clears the pending flag and stamps synced_at for the given ids.
func (s *CacheStore) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().Unix()
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		UPDATE memory_cache SET pending_sync = 0, synced_at = ? WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	return err
}

// FindByContentHash returns unarchived entries with the given content hash in
// a workspace, used for exact-duplicate detection.
func (s *CacheStore) FindByContentHash(workspaceID, hash string) ([]*models.Memory, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM memory_cache
		WHERE workspace_id = ? AND content_hash = ? AND archived = 0
	`, cacheColumns), workspaceID, hash)
	if err != nil {
		return nil, fmt.Errorf("find by content hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecentWithEmbeddings returns the most recently created unarchived entries
// that carry an embedding, for near-duplicate cosine checks.
func (s *CacheStore) RecentWithEmbeddings(workspaceID string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM memory_cache
		WHERE workspace_id = ? AND archived = 0 AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT ?
	`, cacheColumns), workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent with embeddings: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountByWorkspace returns the number of cached entries for a workspace.
func (s *CacheStore) CountByWorkspace(workspaceID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_cache WHERE workspace_id = ?`, workspaceID).Scan(&count)
	return count, err
}

// Workspaces returns the distinct workspace ids present in the cache.
func (s *CacheStore) Workspaces() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT workspace_id FROM memory_cache`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workspace id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// buildMatchQuery turns free text into an FTS5 MATCH expression. Each term is
// quoted so user punctuation cannot produce FTS syntax errors; terms are
// OR-joined for recall over precision, with BM25 ranking sorting it out.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias for join queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanEntries(rows *sql.Rows) ([]*models.Memory, error) {
	var result []*models.Memory
	for rows.Next() {
		m, _, err := scanRow(rows, false)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanRow reads one row in cacheColumns order. withScore expects a trailing
// score column.
func scanRow(rows *sql.Rows, withScore bool) (*models.Memory, float64, error) {
	var m models.Memory
	var summary, category, embModel, source sql.NullString
	var symbols, strategies, related, contradicts, supersedes, regime sql.NullString
	var lastAccessed sql.NullInt64
	var financialImpact sql.NullFloat64
	var protection, archived, pending int
	var score float64

	dest := []any{
		&m.ID, &m.WorkspaceID, &m.Content, &summary, &m.MemoryType, &category,
		&symbols, &strategies, &m.Embedding, &embModel,
		&m.ImportanceScore, &m.DecayFactor, &m.AccessCount, &lastAccessed,
		&protection, &financialImpact, &source, &m.Confidence,
		&related, &contradicts, &supersedes, &regime,
		&m.ContentHash, &m.CreatedAt, &m.UpdatedAt, &archived, &m.SyncedAt, &pending,
	}
	if withScore {
		dest = append(dest, &score)
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, 0, fmt.Errorf("scan cache entry: %w", err)
	}

	m.ProtectionLevel = models.ProtectionLevel(protection)
	m.Archived = archived != 0
	m.PendingSync = pending != 0
	if summary.Valid {
		m.Summary = summary.String
	}
	if category.Valid {
		m.Category = category.String
	}
	if embModel.Valid {
		m.EmbeddingModel = embModel.String
	}
	if source.Valid {
		m.Source = source.String
	}
	if lastAccessed.Valid {
		m.LastAccessedAt = &lastAccessed.Int64
	}
	if financialImpact.Valid {
		m.FinancialImpact = &financialImpact.Float64
	}
	if symbols.Valid {
		json.Unmarshal([]byte(symbols.String), &m.Symbols)
	}
	if strategies.Valid {
		json.Unmarshal([]byte(strategies.String), &m.Strategies)
	}
	if related.Valid {
		json.Unmarshal([]byte(related.String), &m.RelatedIDs)
	}
	if contradicts.Valid {
		json.Unmarshal([]byte(contradicts.String), &m.ContradictsIDs)
	}
	if supersedes.Valid {
		json.Unmarshal([]byte(supersedes.String), &m.SupersedesIDs)
	}
	if regime.Valid {
		var rc models.RegimeContext
		if json.Unmarshal([]byte(regime.String), &rc) == nil {
			m.RegimeContext = &rc
		}
	}

	return &m, score, nil
}

func jsonList(v []string) *string {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	s := string(b)
	return &s
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
