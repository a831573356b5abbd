package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quantdesk/memoryd/internal/embedding"
	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/notify"
	"github.com/quantdesk/memoryd/internal/recall"
	"github.com/quantdesk/memoryd/internal/store"
)

type recallRequest struct {
	Query       string               `json:"query"`
	WorkspaceID string               `json:"workspaceId"`
	Options     models.RecallOptions `json:"options"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := s.engine.Recall(r.Context(), req.Query, req.WorkspaceID, req.Options)
	writeJSON(w, http.StatusOK, result)
}

type warmRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := models.ValidateWorkspaceID(req.WorkspaceID); err != nil {
		writeDomainError(w, err)
		return
	}

	count, err := s.engine.WarmCache(r.Context(), req.WorkspaceID)
	if err != nil {
		// The cache still works cold; report the failure without a 5xx.
		s.logger.Warn("cache warm failed", "workspace", req.WorkspaceID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"warmed": 0, "degraded": true})
		return
	}
	s.notifier.Notify(notify.Event{
		Kind:        "cache_warmed",
		WorkspaceID: req.WorkspaceID,
		Count:       count,
	})
	writeJSON(w, http.StatusOK, map[string]any{"warmed": count})
}

func (s *Server) handlePromptContext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	workspaceID := r.URL.Query().Get("workspace")

	result := s.engine.Recall(r.Context(), query, workspaceID, models.RecallOptions{})
	writeJSON(w, http.StatusOK, map[string]any{
		"context": recall.FormatForPrompt(result),
		"meta":    result.Meta,
	})
}

type createMemoryRequest struct {
	WorkspaceID     string                 `json:"workspaceId"`
	Content         string                 `json:"content"`
	Summary         string                 `json:"summary,omitempty"`
	MemoryType      models.MemoryType      `json:"memoryType"`
	Category        string                 `json:"category,omitempty"`
	Symbols         []string               `json:"symbols,omitempty"`
	Strategies      []string               `json:"strategies,omitempty"`
	ImportanceScore float64                `json:"importanceScore"`
	ProtectionLevel models.ProtectionLevel `json:"protectionLevel"`
	RegimeContext   *models.RegimeContext  `json:"regimeContext,omitempty"`
}

// handleCreateMemory stores a user-authored memory. Like extraction, the
// write goes remote-first and falls back to a pending local row.
func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().Unix()
	m := &models.Memory{
		ID:              uuid.New().String(),
		WorkspaceID:     req.WorkspaceID,
		Content:         req.Content,
		Summary:         req.Summary,
		MemoryType:      req.MemoryType,
		Category:        req.Category,
		Symbols:         req.Symbols,
		Strategies:      req.Strategies,
		ImportanceScore: req.ImportanceScore,
		DecayFactor:     models.DefaultDecayFactor,
		ProtectionLevel: req.ProtectionLevel,
		Source:          "manual",
		Confidence:      1.0,
		RegimeContext:   req.RegimeContext,
		ContentHash:     embedding.ContentHash(req.Content),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m.MemoryType == "" {
		m.MemoryType = models.MemoryTypeObservation
	}
	if err := m.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	if s.remote != nil {
		rctx, cancel := context.WithTimeout(r.Context(), s.remoteTO)
		id, err := s.remote.InsertMemory(rctx, m)
		cancel()
		if err != nil {
			s.logger.Warn("remote insert failed, queuing for sync", "error", err)
			m.PendingSync = true
		} else if id != "" {
			m.ID = id
		}
	} else {
		m.PendingSync = true
	}

	if err := s.cache.Upsert(m); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.queryCache.InvalidateWorkspace(m.WorkspaceID); err != nil {
		s.logger.Warn("query cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.cache.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleUpdateMemory writes remote-first: an edit that cannot reach the
// source of truth fails loudly instead of landing only in the cache, where
// the next stale refresh would silently revert it.
func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd models.MemoryUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := s.cache.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	if upd.IsMutation() {
		if err := store.CheckMutable(existing, upd.Confirmed); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	if err := s.pushRemoteUpdate(r.Context(), id, &upd); err != nil {
		writeRemoteError(w, s.logger, id, err)
		return
	}

	m, err := s.cache.ApplyUpdate(id, &upd)
	if err != nil {
		// The remote write already landed; the cache copy catches up on the
		// next stale refresh.
		writeDomainError(w, err)
		return
	}

	if err := s.queryCache.InvalidateWorkspace(m.WorkspaceID); err != nil {
		s.logger.Warn("query cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, m)
}

type archiveRequest struct {
	Archived  bool `json:"archived"`
	Confirmed bool `json:"confirmed"`
}

// handleArchiveMemory is remote-first like handleUpdateMemory.
func (s *Server) handleArchiveMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := s.cache.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	if err := store.CheckMutable(existing, req.Confirmed); err != nil {
		writeDomainError(w, err)
		return
	}

	upd := &models.MemoryUpdate{Archived: &req.Archived, Confirmed: req.Confirmed}
	if err := s.pushRemoteUpdate(r.Context(), id, upd); err != nil {
		writeRemoteError(w, s.logger, id, err)
		return
	}

	if err := s.cache.SetArchived(id, req.Archived, req.Confirmed); err != nil {
		writeDomainError(w, err)
		return
	}

	m, err := s.cache.Get(id)
	if err != nil || m == nil {
		writeError(w, http.StatusInternalServerError, "memory vanished during archive")
		return
	}

	if err := s.queryCache.InvalidateWorkspace(m.WorkspaceID); err != nil {
		s.logger.Warn("query cache invalidation failed", "error", err)
	}
	s.notifier.Notify(notify.Event{
		Kind:        "memory_archived",
		WorkspaceID: m.WorkspaceID,
		Memory:      m,
	})
	writeJSON(w, http.StatusOK, m)
}

// pushRemoteUpdate applies a mutation to the remote store, or is a no-op in
// local-only mode.
func (s *Server) pushRemoteUpdate(ctx context.Context, id string, upd *models.MemoryUpdate) error {
	if s.remote == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.remoteTO)
	defer cancel()
	_, err := s.remote.UpdateMemory(rctx, id, upd)
	return err
}

// writeRemoteError maps a failed remote mutation onto a response. Protection
// rejections keep their domain status; everything else is a gateway failure.
func writeRemoteError(w http.ResponseWriter, logger *slog.Logger, id string, err error) {
	if errors.Is(err, models.ErrProtected) || errors.Is(err, models.ErrConfirmRequired) {
		writeDomainError(w, err)
		return
	}
	logger.Warn("remote mutation failed", "id", id, "error", err)
	writeError(w, http.StatusBadGateway, "remote store unavailable, change not applied")
}

type appendTurnRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req appendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := s.turns.Append(sessionID, req.WorkspaceID, req.Role, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	turns, err := s.turns.ListAfter(sessionID, after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if turns == nil {
		turns = []*models.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.cache.Workspaces()
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"workspaces":       len(workspaces),
		"extraction_phase": s.pipeline.Phase(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrProtected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrConfirmRequired):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
