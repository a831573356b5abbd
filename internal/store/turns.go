package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantdesk/memoryd/internal/models"
)

// TurnStore is the local conversation turn log. The chat UI appends turns as
// the conversation progresses; the extraction pipeline scans them in sequence
// order.
type TurnStore struct {
	db *DB
}

func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{db: db}
}

// Append stores a new turn with the next per-session sequence number.
func (s *TurnStore) Append(sessionID, workspaceID, role, content string) (*models.Turn, error) {
	if err := models.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is empty", models.ErrValidation)
	}

	t := &models.Turn{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Role:        role,
		Content:     content,
		CreatedAt:   time.Now().Unix(),
	}

	// Sequence assignment and insert happen in one statement so concurrent
	// appenders cannot read the same MAX(seq). The unique (session_id, seq)
	// index backstops this.
	_, err := s.db.Exec(`
		INSERT INTO turns (id, session_id, workspace_id, role, content, created_at, seq)
		SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1
		FROM turns WHERE session_id = ?
	`, t.ID, t.SessionID, t.WorkspaceID, t.Role, t.Content, t.CreatedAt, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	if err := s.db.QueryRow(`SELECT seq FROM turns WHERE id = ?`, t.ID).Scan(&t.Sequence); err != nil {
		return nil, fmt.Errorf("read turn sequence: %w", err)
	}
	return t, nil
}

// ListAfter returns turns for a session with sequence greater than afterSeq,
// in sequence order.
func (s *TurnStore) ListAfter(sessionID string, afterSeq, limit int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, workspace_id, role, content, created_at, seq
		FROM turns
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.WorkspaceID, &t.Role, &t.Content, &t.CreatedAt, &t.Sequence); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// SessionsWithNewTurns returns (session, workspace) pairs that have turns
// beyond their recorded extraction offset, including sessions with no state
// row yet.
func (s *TurnStore) SessionsWithNewTurns() (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT t.session_id, t.workspace_id, MAX(t.seq)
		FROM turns t
		LEFT JOIN extraction_state es ON es.session_id = t.session_id
		GROUP BY t.session_id, t.workspace_id
		HAVING MAX(t.seq) > COALESCE(MAX(es.last_turn_seq), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("sessions with new turns: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var sessionID, workspaceID string
		var maxSeq int
		if err := rows.Scan(&sessionID, &workspaceID, &maxSeq); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions[sessionID] = workspaceID
	}
	return sessions, rows.Err()
}
