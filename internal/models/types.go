package models

// MemoryType classifies what kind of trading knowledge a memory represents.
type MemoryType string

const (
	MemoryTypeObservation MemoryType = "observation"
	MemoryTypeLesson      MemoryType = "lesson"
	MemoryTypeRule        MemoryType = "rule"
	MemoryTypeStrategy    MemoryType = "strategy"
	MemoryTypeMistake     MemoryType = "mistake"
	MemoryTypeSuccess     MemoryType = "success"
	MemoryTypeWarning     MemoryType = "warning"
	MemoryTypeInsight     MemoryType = "insight"
)

var ValidMemoryTypes = map[MemoryType]bool{
	MemoryTypeObservation: true,
	MemoryTypeLesson:      true,
	MemoryTypeRule:        true,
	MemoryTypeStrategy:    true,
	MemoryTypeMistake:     true,
	MemoryTypeSuccess:     true,
	MemoryTypeWarning:     true,
	MemoryTypeInsight:     true,
}

func (t MemoryType) IsValid() bool {
	return ValidMemoryTypes[t]
}

// ProtectionLevel controls whether a memory can be modified or auto-archived.
// Lower value = stronger protection.
type ProtectionLevel int

const (
	// ProtectionImmutable records are never modified or purged.
	ProtectionImmutable ProtectionLevel = 0
	// ProtectionProtected records require explicit confirmation to modify.
	ProtectionProtected ProtectionLevel = 1
	// ProtectionStandard is the default.
	ProtectionStandard ProtectionLevel = 2
	// ProtectionEphemeral records are eligible for automatic archival.
	ProtectionEphemeral ProtectionLevel = 3
)

func (p ProtectionLevel) IsValid() bool {
	return p >= ProtectionImmutable && p <= ProtectionEphemeral
}

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionImmutable:
		return "IMMUTABLE"
	case ProtectionProtected:
		return "PROTECTED"
	case ProtectionStandard:
		return "STANDARD"
	case ProtectionEphemeral:
		return "EPHEMERAL"
	}
	return "UNKNOWN"
}

// DefaultDecayFactor is applied when a record carries no decay factor of its
// own. Tunable, not contractual.
const DefaultDecayFactor = 0.95

// RecallOptions tunes a single recall call. The zero value gives the default
// behavior: query cache enabled, no reranking, limit 10, no importance floor.
type RecallOptions struct {
	Limit         int     `json:"limit,omitempty"`
	MinImportance float64 `json:"minImportance,omitempty"`
	// NoCache skips the query cache for this call.
	NoCache bool `json:"noCache,omitempty"`
	// Rerank forces the remote hybrid search even when local coverage is
	// sufficient.
	Rerank bool `json:"rerank,omitempty"`
}

// ScoredMemory pairs a memory with its blended recall score.
type ScoredMemory struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
	// FromRemote marks results whose score came from the remote hybrid
	// search rather than the local lexical index.
	FromRemote bool `json:"fromRemote,omitempty"`
}

// RecallResult is the ranked, deduplicated answer to a recall query.
type RecallResult struct {
	Memories []ScoredMemory `json:"memories"`
	Meta     RecallMeta     `json:"meta"`
}

// RecallMeta annotates a recall result. Error is a non-fatal annotation: the
// recall hot path degrades instead of failing, and callers must treat an
// empty result as "no memories available".
type RecallMeta struct {
	Total        int    `json:"total"`
	SearchTimeMS int64  `json:"searchTimeMs"`
	CacheHit     bool   `json:"cacheHit"`
	UsedRemote   bool   `json:"usedRemote"`
	Error        string `json:"error,omitempty"`
}

// MemoryUpdate is a partial update to an existing memory. Nil fields are
// left unchanged.
type MemoryUpdate struct {
	Content         *string          `json:"content,omitempty"`
	Summary         *string          `json:"summary,omitempty"`
	Category        *string          `json:"category,omitempty"`
	ImportanceScore *float64         `json:"importanceScore,omitempty"`
	ProtectionLevel *ProtectionLevel `json:"protectionLevel,omitempty"`
	Archived        *bool            `json:"archived,omitempty"`
	// Confirmed acknowledges mutation of a PROTECTED record.
	Confirmed bool `json:"confirmed,omitempty"`
}

// IsMutation reports whether the update touches protected fields, as opposed
// to bookkeeping-only changes.
func (u *MemoryUpdate) IsMutation() bool {
	return u.Content != nil || u.Summary != nil || u.Category != nil ||
		u.ImportanceScore != nil || u.ProtectionLevel != nil || u.Archived != nil
}
