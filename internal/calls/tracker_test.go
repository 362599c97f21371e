package calls_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

func newTracker() (*ports.MemoryStore, *calls.Tracker) {
	store := ports.NewMemoryStore()
	return store, calls.NewTracker(store)
}

func TestOpenAndCloseCall(t *testing.T) {
	ctx := context.Background()
	store, tracker := newTracker()

	call := &calls.Call{ID: "c-1", PortID: 7, OwnerID: 1, CampaignID: "camp-1", Number: "5550100"}
	require.NoError(t, tracker.Open(ctx, call))
	assert.False(t, call.StartedAt.IsZero())
	assert.Equal(t, 1, tracker.Active().Count())

	require.NoError(t, tracker.Close(ctx, "c-1", calls.StatusCompleted))
	assert.Equal(t, 0, tracker.Active().Count())

	stored, err := store.CallByID(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, calls.StatusCompleted, *stored.Terminal)
	assert.False(t, stored.Open())
}

func TestDoubleCloseIsDetected(t *testing.T) {
	ctx := context.Background()
	store, tracker := newTracker()

	call := &calls.Call{ID: "c-1", PortID: 7, OwnerID: 1}
	require.NoError(t, tracker.Open(ctx, call))
	require.NoError(t, tracker.Close(ctx, "c-1", calls.StatusCompleted))

	// the loser of a close race gets ErrAlreadyClosed and the row is untouched
	err := tracker.Close(ctx, "c-1", calls.StatusFailed)
	assert.ErrorIs(t, err, calls.ErrAlreadyClosed)

	stored, err := store.CallByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, *stored.Terminal)

	// CloseQuiet swallows exactly that race
	assert.NoError(t, tracker.CloseQuiet(ctx, "c-1", calls.StatusFailed))
}

func TestCloseUnknownCall(t *testing.T) {
	_, tracker := newTracker()

	err := tracker.Close(context.Background(), "nope", calls.StatusCompleted)
	assert.ErrorIs(t, err, calls.ErrCallNotFound)
}

func TestOpenRejectsIncompleteCall(t *testing.T) {
	_, tracker := newTracker()

	assert.Error(t, tracker.Open(context.Background(), &calls.Call{ID: "c-1"}))
	assert.Error(t, tracker.Open(context.Background(), &calls.Call{PortID: 7}))
}

func TestCountActive(t *testing.T) {
	ctx := context.Background()
	_, tracker := newTracker()

	require.NoError(t, tracker.Open(ctx, &calls.Call{ID: "c-1", PortID: 7, CampaignID: "camp-1"}))
	require.NoError(t, tracker.Open(ctx, &calls.Call{ID: "c-2", PortID: 8, CampaignID: "camp-1"}))
	require.NoError(t, tracker.Open(ctx, &calls.Call{ID: "c-3", PortID: 9, CampaignID: "camp-2"}))

	n, err := tracker.CountActiveByCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = tracker.CountActiveByPort(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, tracker.Close(ctx, "c-2", calls.StatusFailed))

	n, err = tracker.CountActiveByCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActiveIndexAliases(t *testing.T) {
	ix := calls.NewActiveIndex()
	ix.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})

	// aliases only attach to known calls
	ix.AddAlias("pbx-123", "c-1")
	ix.AddAlias("pbx-999", "c-unknown")

	id, ok := ix.Resolve("pbx-123")
	assert.True(t, ok)
	assert.Equal(t, "c-1", id)

	_, ok = ix.Resolve("pbx-999")
	assert.False(t, ok)

	id, ok = ix.Resolve("c-1")
	assert.True(t, ok)
	assert.Equal(t, "c-1", id)

	// removing the call drops its aliases too
	ix.Remove("c-1")
	_, ok = ix.Resolve("pbx-123")
	assert.False(t, ok)
}

func TestActiveIndexStale(t *testing.T) {
	ix := calls.NewActiveIndex()
	ix.Add(&calls.ActiveCall{CallID: "old", StartedAt: time.Now().Add(-2 * time.Minute)})
	ix.Add(&calls.ActiveCall{CallID: "fresh", StartedAt: time.Now()})

	stale := ix.Stale(time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].CallID)
}
