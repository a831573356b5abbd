package recall

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/memoryd/internal/models"
	"github.com/quantdesk/memoryd/internal/remote"
)

type warmFakeRemote struct {
	fakeRemote
	listCalls  atomic.Int32
	memories   []*models.Memory
	importErr  error
	recencyErr error
}

func (f *warmFakeRemote) ListTopByImportance(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	f.listCalls.Add(1)
	if f.importErr != nil {
		return nil, f.importErr
	}
	return f.memories, nil
}

func (f *warmFakeRemote) ListRecentlyAccessed(ctx context.Context, workspaceID string, limit int) ([]*models.Memory, error) {
	f.listCalls.Add(1)
	if f.recencyErr != nil {
		return nil, f.recencyErr
	}
	return f.memories, nil
}

func warmMemory(id string) *models.Memory {
	now := time.Now().Unix()
	return &models.Memory{
		ID: id, WorkspaceID: "ws", Content: "content " + id,
		MemoryType: models.MemoryTypeLesson, ImportanceScore: 0.7,
		DecayFactor: models.DefaultDecayFactor, ProtectionLevel: models.ProtectionStandard,
		Confidence: 0.8, ContentHash: "hash-" + id,
		CreatedAt: now, UpdatedAt: now,
	}
}

func newWarmFixture(t *testing.T, fr *warmFakeRemote) *engineFixture {
	t.Helper()
	f := newEngineFixture(t, nil)
	var rs remote.Store
	if fr != nil {
		rs = fr
	}
	f.engine.remote = rs
	return f
}

func TestWarmCachePopulates(t *testing.T) {
	fr := &warmFakeRemote{memories: []*models.Memory{warmMemory("w1"), warmMemory("w2")}}
	f := newWarmFixture(t, fr)

	count, err := f.engine.WarmCache(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "both pulls upsert, dedup happens at the row level")

	got, err := f.cache.Get("w1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	n, err := f.cache.CountByWorkspace("ws")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWarmCacheFreshnessWindow(t *testing.T) {
	fr := &warmFakeRemote{memories: []*models.Memory{warmMemory("w1")}}
	f := newWarmFixture(t, fr)

	_, err := f.engine.WarmCache(context.Background(), "ws")
	require.NoError(t, err)
	callsAfterFirst := fr.listCalls.Load()

	count, err := f.engine.WarmCache(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, callsAfterFirst, fr.listCalls.Load(), "fresh workspace must skip remote pulls")
}

func TestWarmCachePartialFailure(t *testing.T) {
	fr := &warmFakeRemote{
		memories:  []*models.Memory{warmMemory("w1")},
		importErr: errors.New("timeout"),
	}
	f := newWarmFixture(t, fr)

	count, err := f.engine.WarmCache(context.Background(), "ws")
	require.NoError(t, err, "one successful leg is not an error")
	assert.Equal(t, 1, count)
}

func TestWarmCacheTotalFailure(t *testing.T) {
	fr := &warmFakeRemote{
		importErr:  errors.New("timeout"),
		recencyErr: errors.New("timeout"),
	}
	f := newWarmFixture(t, fr)

	_, err := f.engine.WarmCache(context.Background(), "ws")
	assert.Error(t, err)

	// The workspace stays cold, so the next attempt retries the remote.
	before := fr.listCalls.Load()
	_, _ = f.engine.WarmCache(context.Background(), "ws")
	assert.Greater(t, fr.listCalls.Load(), before)
}

func TestWarmCacheNoRemote(t *testing.T) {
	f := newWarmFixture(t, nil)
	count, err := f.engine.WarmCache(context.Background(), "ws")
	require.NoError(t, err)
	assert.Zero(t, count)
}
