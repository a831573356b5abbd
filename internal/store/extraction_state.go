package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantdesk/memoryd/internal/models"
)

// ExtractionStateStore tracks per-session extraction progress so each
// pipeline pass resumes from the last processed turn.
type ExtractionStateStore struct {
	db *DB
}

func NewExtractionStateStore(db *DB) *ExtractionStateStore {
	return &ExtractionStateStore{db: db}
}

// Get returns the state for a session, or nil when no pass has run yet.
func (s *ExtractionStateStore) Get(sessionID string) (*models.ExtractionState, error) {
	var st models.ExtractionState
	err := s.db.QueryRow(`
		SELECT session_id, workspace_id, last_turn_seq, turns_processed, memories_extracted, last_run_at
		FROM extraction_state WHERE session_id = ?
	`, sessionID).Scan(&st.SessionID, &st.WorkspaceID, &st.LastTurnSequence,
		&st.TurnsProcessed, &st.MemoriesExtracted, &st.LastRunAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction state: %w", err)
	}
	return &st, nil
}

// Upsert writes the state after a pass, stamping last_run_at.
func (s *ExtractionStateStore) Upsert(st *models.ExtractionState) error {
	st.LastRunAt = time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO extraction_state (session_id, workspace_id, last_turn_seq, turns_processed, memories_extracted, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			last_turn_seq = excluded.last_turn_seq,
			turns_processed = excluded.turns_processed,
			memories_extracted = excluded.memories_extracted,
			last_run_at = excluded.last_run_at
	`, st.SessionID, st.WorkspaceID, st.LastTurnSequence, st.TurnsProcessed, st.MemoriesExtracted, st.LastRunAt)
	if err != nil {
		return fmt.Errorf("upsert extraction state: %w", err)
	}
	return nil
}
