package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantdesk/memoryd/internal/models"
)

// Store is the contract the recall engine, extraction pipeline, and cache
// maintenance rely on from the durable backing store. The backing store is
// multi-client and owns vector similarity search; this process only ever
// sees it over the network and must tolerate it being unreachable.
type Store interface {
	HybridSearch(ctx context.Context, req HybridSearchRequest) ([]HybridResult, error)
	InsertMemory(ctx context.Context, m *models.Memory) (string, error)
	UpdateMemory(ctx context.Context, id string, upd *models.MemoryUpdate) (*models.Memory, error)
	ListTopByImportance(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error)
	ListRecentlyAccessed(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error)
	GetMemories(ctx context.Context, ids []string) ([]*models.Memory, error)
}

// HybridSearchRequest asks the backing store for a blended lexical + vector
// ranking. The server filters archived records and the importance floor
// before ranking. QueryEmbedding may be nil, in which case the server ranks
// on the lexical score alone.
type HybridSearchRequest struct {
	QueryText      string    `json:"queryText"`
	QueryEmbedding []float32 `json:"queryEmbedding,omitempty"`
	WorkspaceID    string    `json:"workspaceId"`
	Limit          int       `json:"limitCount"`
	BM25Weight     float64   `json:"bm25Weight"`
	VectorWeight   float64   `json:"vectorWeight"`
	MinImportance  float64   `json:"minImportance"`
}

// HybridResult is one ranked row from the backing store. Component scores
// are each scaled into [0,1] server-side before blending.
type HybridResult struct {
	Memory      *models.Memory `json:"memory"`
	BM25Score   float64        `json:"bm25Score"`
	VectorScore float64        `json:"vectorScore"`
	HybridScore float64        `json:"hybridScore"`
}

// Client talks to the backing store's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HybridSearch runs the blended search server-side. Callers put a short
// deadline on ctx; a timeout is treated like any other remote failure.
func (c *Client) HybridSearch(ctx context.Context, req HybridSearchRequest) ([]HybridResult, error) {
	body, err := c.post(ctx, "/rpc/hybrid_search", req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []HybridResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode hybrid search response: %w", err)
	}
	return resp.Results, nil
}

// InsertMemory writes a new record and returns its id.
func (c *Client) InsertMemory(ctx context.Context, m *models.Memory) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	body, err := c.post(ctx, "/memories", m)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode insert response: %w", err)
	}
	return resp.ID, nil
}

// UpdateMemory applies a partial update server-side. The server enforces
// protection levels as well; this is defense in depth, not the only check.
func (c *Client) UpdateMemory(ctx context.Context, id string, upd *models.MemoryUpdate) (*models.Memory, error) {
	body, err := c.do(ctx, http.MethodPatch, "/memories/"+id, upd)
	if err != nil {
		return nil, err
	}
	var m models.Memory
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}
	return &m, nil
}

// ListTopByImportance returns the highest-importance unarchived records for
// a workspace. Used for cache warm-up.
func (c *Client) ListTopByImportance(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	return c.list(ctx, fmt.Sprintf("/memories?workspace=%s&order=importance&limit=%d", workspaceID, limit))
}

// ListRecentlyAccessed returns the most recently accessed records for a
// workspace. Used for cache warm-up.
func (c *Client) ListRecentlyAccessed(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	return c.list(ctx, fmt.Sprintf("/memories?workspace=%s&order=last_accessed&limit=%d", workspaceID, limit))
}

// GetMemories fetches records by id. Used by staleness reconciliation.
func (c *Client) GetMemories(ctx context.Context, ids []string) ([]*models.Memory, error) {
	body, err := c.post(ctx, "/memories/batch", map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Memories []*models.Memory `json:"memories"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return resp.Memories, nil
}

func (c *Client) list(ctx context.Context, path string) ([]*models.Memory, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Memories []*models.Memory `json:"memories"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return resp.Memories, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("remote %s %s: %w", method, path, models.ErrProtected)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
