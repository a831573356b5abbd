package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/memoryd/internal/models"
)

func TestTurnAppendSequencing(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db)

	t1, err := turns.Append("sess", "ws", "user", "what happened with my TSLA trade?")
	require.NoError(t, err)
	t2, err := turns.Append("sess", "ws", "assistant", "you exited early on the pullback")
	require.NoError(t, err)

	assert.Equal(t, 1, t1.Sequence)
	assert.Equal(t, 2, t2.Sequence)

	// A different session starts its own sequence.
	other, err := turns.Append("sess-2", "ws", "user", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, other.Sequence)
}

func TestTurnAppendConcurrent(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = turns.Append("sess", "ws", "user", "turn")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// Every append got a distinct sequence with no gaps.
	got, err := turns.ListAfter("sess", 0, n+1)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, turn := range got {
		assert.Equal(t, i+1, turn.Sequence)
	}
}

func TestTurnAppendValidation(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db)

	_, err := turns.Append("", "ws", "user", "content")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = turns.Append("sess", "", "user", "content")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestListAfter(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db)

	for i := 0; i < 5; i++ {
		_, err := turns.Append("sess", "ws", "user", "turn")
		require.NoError(t, err)
	}

	got, err := turns.ListAfter("sess", 2, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Sequence)
	assert.Equal(t, 5, got[2].Sequence)
}

func TestSessionsWithNewTurns(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db)
	state := NewExtractionStateStore(db)

	_, err := turns.Append("fresh", "ws-a", "user", "new conversation")
	require.NoError(t, err)

	_, err = turns.Append("caught-up", "ws-b", "user", "already processed")
	require.NoError(t, err)
	require.NoError(t, state.Upsert(&models.ExtractionState{
		SessionID:        "caught-up",
		WorkspaceID:      "ws-b",
		LastTurnSequence: 1,
	}))

	sessions, err := turns.SessionsWithNewTurns()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fresh": "ws-a"}, sessions)
}

func TestExtractionStateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	state := NewExtractionStateStore(db)

	got, err := state.Get("none")
	require.NoError(t, err)
	assert.Nil(t, got)

	st := &models.ExtractionState{
		SessionID:         "sess",
		WorkspaceID:       "ws",
		LastTurnSequence:  7,
		TurnsProcessed:    7,
		MemoriesExtracted: 2,
	}
	require.NoError(t, state.Upsert(st))

	got, err = state.Get("sess")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.LastTurnSequence)
	assert.Equal(t, 2, got.MemoriesExtracted)
	assert.NotZero(t, got.LastRunAt)
}
