package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/memoryd/internal/config"
	"github.com/quantdesk/memoryd/internal/extraction"
	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/notify"
	"github.com/quantdesk/memoryd/internal/recall"
	"github.com/quantdesk/memoryd/internal/remote"
	"github.com/quantdesk/memoryd/internal/store"
)

type noopSummarizer struct{}

func (noopSummarizer) Summarize(ctx context.Context, turns []*models.Turn) ([]models.Candidate, error) {
	return nil, nil
}

// downRemote fails every call, simulating an unreachable remote store.
type downRemote struct{}

var errRemoteDown = errors.New("connection refused")

func (downRemote) HybridSearch(ctx context.Context, req remote.HybridSearchRequest) ([]remote.HybridResult, error) {
	return nil, errRemoteDown
}

func (downRemote) InsertMemory(ctx context.Context, m *models.Memory) (string, error) {
	return "", errRemoteDown
}

func (downRemote) UpdateMemory(ctx context.Context, id string, upd *models.MemoryUpdate) (*models.Memory, error) {
	return nil, errRemoteDown
}

func (downRemote) ListTopByImportance(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	return nil, errRemoteDown
}

func (downRemote) ListRecentlyAccessed(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	return nil, errRemoteDown
}

func (downRemote) GetMemories(ctx context.Context, ids []string) ([]*models.Memory, error) {
	return nil, errRemoteDown
}

type serverFixture struct {
	handler http.Handler
	cache   *store.CacheStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	return newServerFixtureWithRemote(t, nil)
}

func newServerFixtureWithRemote(t *testing.T, rs remote.Store) *serverFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		LexicalWeight: 0.3, VectorWeight: 0.7, ProtectionBoost: 1.25,
		MinLocalResults: 3, DefaultLimit: 10, MaxRemoteLimit: 50,
		QueryCacheTTL: time.Minute, RemoteTimeout: time.Second,
		ExtractionInterval: 30 * time.Second, MinCandidateImportance: 0.3,
		DedupThreshold: 0.92, MaxTurnsPerScan: 200,
		WarmSize: 50, WarmFreshness: 5 * time.Minute,
	}

	cache := store.NewCacheStore(db)
	queryCache := store.NewQueryCacheStore(db)
	turns := store.NewTurnStore(db)
	state := store.NewExtractionStateStore(db)

	notifier := notify.NewRegistry(logger)
	engine := recall.NewEngine(cache, queryCache, nil, nil, cfg, logger)
	pipeline := extraction.NewPipeline(turns, state, cache, queryCache,
		nil, nil, noopSummarizer{}, notifier, cfg, logger)

	server := NewServer(engine, cache, turns, queryCache, pipeline,
		rs, notifier, cfg.RemoteTimeout, logger)
	return &serverFixture{handler: server.Routes(), cache: cache}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["extraction_phase"])
}

func TestCreateAndGetMemory(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/memories/", createMemoryRequest{
		WorkspaceID:     "ws",
		Content:         "avoid holding through fomc announcements",
		MemoryType:      models.MemoryTypeRule,
		ImportanceScore: 0.8,
		ProtectionLevel: models.ProtectionStandard,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "manual", created.Source)

	rec = f.do(t, http.MethodGet, "/v1/memories/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateMemoryValidation(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/memories/", createMemoryRequest{
		WorkspaceID:     "ws",
		Content:         "",
		ImportanceScore: 0.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMemoryNotFound(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/memories/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecallEndpoint(t *testing.T) {
	f := newServerFixture(t)

	now := time.Now().Unix()
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "m1", WorkspaceID: "ws", Content: "overnight gaps against the trend fade by noon",
		MemoryType: models.MemoryTypeObservation, ImportanceScore: 0.6,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionStandard,
		Confidence: 0.8, ContentHash: "h1", CreatedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/v1/recall", recallRequest{
		Query:       "overnight gaps",
		WorkspaceID: "ws",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.RecallResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "m1", result.Memories[0].Memory.ID)
}

func TestArchiveProtectionMapping(t *testing.T) {
	f := newServerFixture(t)

	now := time.Now().Unix()
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "imm", WorkspaceID: "ws", Content: "immutable rule",
		MemoryType: models.MemoryTypeRule, ImportanceScore: 0.9,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionImmutable,
		Confidence: 0.9, ContentHash: "h-imm", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "prot", WorkspaceID: "ws", Content: "protected lesson",
		MemoryType: models.MemoryTypeLesson, ImportanceScore: 0.7,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionProtected,
		Confidence: 0.9, ContentHash: "h-prot", CreatedAt: now, UpdatedAt: now,
	}))

	t.Run("immutable returns 403", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/memories/imm/archive",
			archiveRequest{Archived: true, Confirmed: true})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("protected without confirm returns 409", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/memories/prot/archive",
			archiveRequest{Archived: true})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("protected with confirm succeeds", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/memories/prot/archive",
			archiveRequest{Archived: true, Confirmed: true})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestUpdateMemoryFailsWhenRemoteDown(t *testing.T) {
	f := newServerFixtureWithRemote(t, downRemote{})

	now := time.Now().Unix()
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "m1", WorkspaceID: "ws", Content: "original content",
		MemoryType: models.MemoryTypeObservation, ImportanceScore: 0.5,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionStandard,
		Confidence: 0.8, ContentHash: "h1", CreatedAt: now, UpdatedAt: now,
	}))

	edited := "edited content"
	rec := f.do(t, http.MethodPatch, "/v1/memories/m1",
		models.MemoryUpdate{Content: &edited})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The edit must not land locally, or a later stale refresh would
	// silently revert it.
	m, err := f.cache.Get("m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "original content", m.Content)
}

func TestArchiveMemoryFailsWhenRemoteDown(t *testing.T) {
	f := newServerFixtureWithRemote(t, downRemote{})

	now := time.Now().Unix()
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "m1", WorkspaceID: "ws", Content: "archivable",
		MemoryType: models.MemoryTypeObservation, ImportanceScore: 0.5,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionStandard,
		Confidence: 0.8, ContentHash: "h1", CreatedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/v1/memories/m1/archive",
		archiveRequest{Archived: true, Confirmed: true})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	m, err := f.cache.Get("m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.Archived)
}

func TestAppendTurn(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/sess-1/turns", appendTurnRequest{
		WorkspaceID: "ws", Role: "user", Content: "how did my last NVDA trade go?",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var turn models.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, 1, turn.Sequence)
	assert.Equal(t, "sess-1", turn.SessionID)
}

func TestListTurns(t *testing.T) {
	f := newServerFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/sessions/sess-1/turns", appendTurnRequest{
			WorkspaceID: "ws", Role: "user", Content: "turn",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/sessions/sess-1/turns?after=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Turns []models.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Turns, 2)
	assert.Equal(t, 2, body.Turns[0].Sequence)
}

func TestPromptContextEndpoint(t *testing.T) {
	f := newServerFixture(t)

	now := time.Now().Unix()
	require.NoError(t, f.cache.Upsert(&models.Memory{
		ID: "m1", WorkspaceID: "ws", Content: "respect the two percent risk rule",
		Summary:    "2% risk rule",
		MemoryType: models.MemoryTypeRule, ImportanceScore: 0.9,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionStandard,
		Confidence: 0.9, ContentHash: "h1", CreatedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodGet, "/v1/prompt-context?workspace=ws&query=risk+rule", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Context string `json:"context"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Context, "2% risk rule")
}
