package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-bot/internal/db"
)

func TestStoreInitAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db.NewMemoryDB())

	_, _, err := store.Get(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Init(ctx, 42))

	st, payload, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, Unset, st)
	assert.Empty(t, payload)

	// Init is idempotent and never resets an existing row.
	require.NoError(t, store.Set(ctx, 42, Setup, map[string]interface{}{"plan": "express"}))
	require.NoError(t, store.Init(ctx, 42))

	st, payload, err = store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, Setup, st)
	assert.Equal(t, "express", payload["plan"])
}

func TestStoreSetReplacesPayload(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db.NewMemoryDB())

	require.NoError(t, store.Set(ctx, 1, Onboarding, map[string]interface{}{"goal": "run a marathon"}))
	require.NoError(t, store.Set(ctx, 1, PlanSelection, map[string]interface{}{"order_id": "abc"}))

	st, payload, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PlanSelection, st)
	assert.Equal(t, "abc", payload["order_id"])
	assert.NotContains(t, payload, "goal")
}

func TestStoreMerge(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db.NewMemoryDB())

	require.NoError(t, store.Set(ctx, 7, Setup, map[string]interface{}{
		"plan": "express",
		"goal": "sleep better",
	}))

	patch := map[string]interface{}{
		"setup_stage": "concerns",
		"goal":        nil, // delete
	}
	require.NoError(t, store.Merge(ctx, 7, patch))

	st, payload, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Setup, st, "merge must preserve the state")
	assert.Equal(t, "concerns", payload["setup_stage"])
	assert.Equal(t, "express", payload["plan"], "untouched keys survive")
	assert.NotContains(t, payload, "goal", "nil patch value deletes the key")

	// Idempotent for a fixed patch.
	require.NoError(t, store.Merge(ctx, 7, patch))
	_, again, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}

func TestStoreMergeUnknownUser(t *testing.T) {
	store := NewStore(db.NewMemoryDB())
	err := store.Merge(context.Background(), 999, map[string]interface{}{"k": "v"})
	assert.ErrorIs(t, err, ErrNotFound)
}
