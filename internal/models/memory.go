package models

import (
	"encoding/json"
	"math"
)

// Memory is the core domain entity. The local store holds a denormalized
// projection of it (plus sync bookkeeping); the remote store is the source
// of truth.
type Memory struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`

	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`

	// Embedding is nullable: extraction may fail to produce one, and
	// lexical-only records are still valid.
	Embedding      []byte `json:"-"`
	EmbeddingModel string `json:"embeddingModel,omitempty"`

	MemoryType MemoryType `json:"memoryType"`
	Category   string     `json:"category,omitempty"`
	Symbols    []string   `json:"symbols,omitempty"`
	Strategies []string   `json:"strategies,omitempty"`

	ImportanceScore float64 `json:"importanceScore"`
	DecayFactor     float64 `json:"decayFactor"`
	AccessCount     int     `json:"accessCount"`
	LastAccessedAt  *int64  `json:"lastAccessedAt,omitempty"`

	ProtectionLevel ProtectionLevel `json:"protectionLevel"`
	FinancialImpact *float64        `json:"financialImpact,omitempty"`

	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`

	// Cross-references to other memories. Advisory; not enforced as
	// foreign keys at the cache layer.
	RelatedIDs     []string `json:"relatedIds,omitempty"`
	ContradictsIDs []string `json:"contradictsIds,omitempty"`
	SupersedesIDs  []string `json:"supersedesIds,omitempty"`

	RegimeContext *RegimeContext `json:"regimeContext,omitempty"`

	ContentHash string `json:"-"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	Archived    bool   `json:"archived"`

	// Cache-entry bookkeeping, distinct from UpdatedAt. SyncedAt is when the
	// local projection was last reconciled with the remote store; PendingSync
	// marks records created locally during an offline window.
	SyncedAt    int64 `json:"-"`
	PendingSync bool  `json:"-"`
}

// Immutable reports whether the record may never be modified or archived.
func (m *Memory) Immutable() bool {
	return m.ProtectionLevel == ProtectionImmutable
}

// EffectiveImportance applies time-based decay to the importance score.
// DecayFactor erodes importance per 30 days without re-access, floored at 5%
// of the raw score so old memories never vanish from importance-ordered pulls.
func (m *Memory) EffectiveImportance(nowUnix int64) float64 {
	ref := m.CreatedAt
	if m.LastAccessedAt != nil && *m.LastAccessedAt > ref {
		ref = *m.LastAccessedAt
	}
	days := float64(nowUnix-ref) / 86400.0
	if days < 0 {
		days = 0
	}
	decay := m.DecayFactor
	if decay <= 0 || decay > 1 {
		decay = DefaultDecayFactor
	}
	eff := m.ImportanceScore * math.Pow(decay, days/30.0)
	if floor := 0.05 * m.ImportanceScore; eff < floor {
		eff = floor
	}
	return eff
}

// RegimeContext captures the market regime under which a memory was formed.
// Known fields are typed; Extra is an opaque escape hatch for forward
// compatibility, checked only for being well-formed JSON at the store
// boundary.
type RegimeContext struct {
	PrimaryRegime      string             `json:"primaryRegime,omitempty"`
	RegimeDistribution map[string]float64 `json:"regimeDistribution,omitempty"`
	Extra              json.RawMessage    `json:"extra,omitempty"`
}

// Candidate is a memory proposed by the summarization capability before
// scoring, dedup, and persistence.
type Candidate struct {
	Content    string     `json:"content"`
	Summary    string     `json:"summary,omitempty"`
	MemoryType MemoryType `json:"memoryType"`
	Category   string     `json:"category,omitempty"`
	Symbols    []string   `json:"symbols,omitempty"`
	Strategies []string   `json:"strategies,omitempty"`
	Importance float64    `json:"importance"`
	Confidence float64    `json:"confidence"`
}

// Turn is one conversation turn appended by the chat UI and scanned by the
// extraction pipeline.
type Turn struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"`
	Sequence    int    `json:"sequence"`
}

// ExtractionState is per-session bookkeeping for the extraction pipeline.
// One record per active session; created on the first pass, updated on each
// pass, never deleted while the session is active.
type ExtractionState struct {
	SessionID         string `json:"sessionId"`
	WorkspaceID       string `json:"workspaceId"`
	LastTurnSequence  int    `json:"lastTurnSequence"`
	TurnsProcessed    int    `json:"turnsProcessed"`
	MemoriesExtracted int    `json:"memoriesExtracted"`
	LastRunAt         int64  `json:"lastRunAt"`
}

// QueryCacheEntry maps a normalized (query, workspace) pair to a cached
// ranked id list.
type QueryCacheEntry struct {
	QueryKey      string   `json:"queryKey"`
	WorkspaceID   string   `json:"workspaceId"`
	ResultIDs     []string `json:"resultIds"`
	HitCount      int      `json:"hitCount"`
	AvgResponseMS float64  `json:"avgResponseMs"`
	CachedAt      int64    `json:"cachedAt"`
}

// EmbeddingCacheEntry stores a cached embedding keyed by content hash.
type EmbeddingCacheEntry struct {
	ContentHash string `json:"contentHash"`
	Embedding   []byte `json:"embedding"`
	Dimension   int    `json:"dimension"`
	Model       string `json:"model"`
	UpdatedAt   int64  `json:"updatedAt"`
}
