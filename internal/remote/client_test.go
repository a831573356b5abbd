package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/memoryd/internal/models"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key")
}

func TestHybridSearch(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/hybrid_search", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req HybridSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "drawdown", req.QueryText)
		assert.InDelta(t, 0.3, req.BM25Weight, 1e-9)

		json.NewEncoder(w).Encode(map[string]any{
			"results": []HybridResult{{
				Memory: &models.Memory{
					ID: "m1", WorkspaceID: "ws", Content: "respect the daily loss limit",
					MemoryType: models.MemoryTypeRule,
				},
				BM25Score: 0.4, VectorScore: 0.9, HybridScore: 0.75,
			}},
		})
	})

	results, err := client.HybridSearch(context.Background(), HybridSearchRequest{
		QueryText:   "drawdown",
		WorkspaceID: "ws",
		Limit:       10,
		BM25Weight:  0.3, VectorWeight: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Memory.ID)
	assert.InDelta(t, 0.75, results[0].HybridScore, 1e-9)
}

func TestInsertMemory(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/memories", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "server-assigned-id"})
	})

	m := &models.Memory{
		ID: "local-id", WorkspaceID: "ws", Content: "content",
		MemoryType: models.MemoryTypeLesson, ImportanceScore: 0.5,
		Confidence: 0.8, ProtectionLevel: models.ProtectionStandard,
	}
	id, err := client.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "server-assigned-id", id)
}

func TestInsertMemoryValidatesLocally(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("invalid record must not reach the wire")
	})

	_, err := client.InsertMemory(context.Background(), &models.Memory{ID: "x"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestForbiddenMapsToProtected(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	archived := true
	_, err := client.UpdateMemory(context.Background(), "m1",
		&models.MemoryUpdate{Archived: &archived})
	assert.ErrorIs(t, err, models.ErrProtected)
}

func TestServerErrorIncludesBody(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("database exploded"))
	})

	_, err := client.GetMemories(context.Background(), []string{"m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "database exploded")
}

func TestContextDeadlineHonored(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.HybridSearch(ctx, HybridSearchRequest{QueryText: "q", WorkspaceID: "ws"})
	assert.Error(t, err)
}
