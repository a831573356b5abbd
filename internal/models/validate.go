package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors distinguished by callers. Validation and protection
// failures are loud and synchronous; everything on the recall hot path
// degrades instead.
var (
	ErrValidation = errors.New("validation failed")
	// ErrProtected is returned for any attempt to archive or mutate an
	// IMMUTABLE record. Never silently ignored.
	ErrProtected = errors.New("memory is protected")
	// ErrConfirmRequired is returned when mutating a PROTECTED record
	// without explicit confirmation.
	ErrConfirmRequired = errors.New("confirmation required for protected memory")
	ErrNotFound        = errors.New("memory not found")
)

const (
	maxWorkspaceIDLen = 128
	maxQueryLen       = 4096
	maxContentLen     = 64 * 1024
)

// ValidateWorkspaceID rejects malformed tenant scopes at the call boundary.
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: workspace id is empty", ErrValidation)
	}
	if len(id) > maxWorkspaceIDLen {
		return fmt.Errorf("%w: workspace id exceeds %d bytes", ErrValidation, maxWorkspaceIDLen)
	}
	return nil
}

// ValidateQuery rejects oversized query text.
func ValidateQuery(q string) error {
	if len(q) > maxQueryLen {
		return fmt.Errorf("%w: query exceeds %d bytes", ErrValidation, maxQueryLen)
	}
	return nil
}

// ValidateImportance enforces importance_score ∈ [0,1] on every write path.
func ValidateImportance(score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: importance score %v outside [0,1]", ErrValidation, score)
	}
	return nil
}

// Validate checks a memory record before it is written to either store.
func (m *Memory) Validate() error {
	if err := ValidateWorkspaceID(m.WorkspaceID); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("%w: memory id is empty", ErrValidation)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if len(m.Content) > maxContentLen {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, maxContentLen)
	}
	if !m.MemoryType.IsValid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrValidation, m.MemoryType)
	}
	if !m.ProtectionLevel.IsValid() {
		return fmt.Errorf("%w: protection level %d outside {0,1,2,3}", ErrValidation, m.ProtectionLevel)
	}
	if err := ValidateImportance(m.ImportanceScore); err != nil {
		return err
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrValidation, m.Confidence)
	}
	if m.RegimeContext != nil {
		if err := m.RegimeContext.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the typed regime fields and that the opaque extension
// payload, if present, is well-formed JSON.
func (rc *RegimeContext) Validate() error {
	for regime, weight := range rc.RegimeDistribution {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("%w: regime %q weight %v outside [0,1]", ErrValidation, regime, weight)
		}
	}
	if len(rc.Extra) > 0 && !json.Valid(rc.Extra) {
		return fmt.Errorf("%w: regime context extra payload is not valid JSON", ErrValidation)
	}
	return nil
}
