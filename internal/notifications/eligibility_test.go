package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_CanNotify_Allowed(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}

func TestGate_CanNotify_DisabledGlobally(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	store.recipients["rcp-1"].NotificationsEnabled = false
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDisabledGlobally, decision.Reason)
}

func TestGate_CanNotify_UnknownRecipientDenied(t *testing.T) {
	gate := NewGate(newMemStore(), time.Hour)

	decision, err := gate.CanNotify(context.Background(), "missing", "hikaru")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDisabledGlobally, decision.Reason)
}

func TestGate_CanNotify_PlayerToggle(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	require.NoError(t, store.DeactivateSubscription(context.Background(), "rcp-1", "hikaru"))
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDisabledForPlayer, decision.Reason)

	// Other players are unaffected: no explicit row means enabled.
	decision, err = gate.CanNotify(context.Background(), "rcp-1", "magnus")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_CanNotify_Suppressed(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	require.NoError(t, store.CreateSuppression(context.Background(), &SuppressionEntry{
		RecipientID: "rcp-1",
		PlayerKey:   "hikaru",
		Scope:       ScopePlayer,
		Reason:      "hard_bounce",
		CreatedAt:   time.Now(),
	}))
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSuppressed, decision.Reason)

	decision, err = gate.CanNotify(context.Background(), "rcp-1", "magnus")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "player-scoped suppression must not leak to other players")
}

func TestGate_CanNotify_GlobalSuppressionCoversAllPlayers(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	require.NoError(t, store.CreateSuppression(context.Background(), &SuppressionEntry{
		RecipientID: "rcp-1",
		Scope:       ScopeGlobal,
		Reason:      "complaint",
		CreatedAt:   time.Now(),
	}))
	gate := NewGate(store, time.Hour)

	for _, player := range []string{"hikaru", "magnus", "fabiano"} {
		decision, err := gate.CanNotify(context.Background(), "rcp-1", player)
		require.NoError(t, err)
		assert.False(t, decision.Allowed, "player %s", player)
		assert.Equal(t, ReasonSuppressed, decision.Reason)
	}
}

func TestGate_CanNotify_Cooldown(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	store.lastSend["rcp-1|hikaru"] = time.Now().Add(-10 * time.Minute)
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonCooldownActive, decision.Reason)

	// Outside the window the pair is eligible again.
	store.lastSend["rcp-1|hikaru"] = time.Now().Add(-2 * time.Hour)
	decision, err = gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_CanNotify_StoreErrorFailsClosed(t *testing.T) {
	store := newMemStore()
	store.addRecipient("rcp-1", "ada@example.com")
	store.failWith = errors.New("connection refused")
	gate := NewGate(store, time.Hour)

	decision, err := gate.CanNotify(context.Background(), "rcp-1", "hikaru")
	require.Error(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonStoreError, decision.Reason)
}

func TestGate_CanNotify_EmptyIdentifiers(t *testing.T) {
	gate := NewGate(newMemStore(), time.Hour)

	decision, err := gate.CanNotify(context.Background(), "", "hikaru")
	require.Error(t, err)
	assert.False(t, decision.Allowed)
}
