package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantdesk/memoryd/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMemory(id, workspace, content string) *models.Memory {
	now := time.Now().Unix()
	return &models.Memory{
		ID:              id,
		WorkspaceID:     workspace,
		Content:         content,
		MemoryType:      models.MemoryTypeObservation,
		ImportanceScore: 0.5,
		DecayFactor:     models.DefaultDecayFactor,
		ProtectionLevel: models.ProtectionStandard,
		Confidence:      0.8,
		ContentHash:     "hash-" + id,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
