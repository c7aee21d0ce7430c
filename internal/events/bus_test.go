package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/types"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cleanup := bus.Subscribe(Filter{}, 10)
	defer cleanup()

	event := NewEvent(EventSessionStarted, map[string]any{"role": "developer"})
	require.NoError(t, bus.Publish(event))

	got := <-ch
	assert.Equal(t, EventSessionStarted, got.Type)
	assert.Equal(t, "developer", got.Payload["role"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByTypeAndSession(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sessionID := types.NewID()
	ch, cleanup := bus.Subscribe(Filter{
		Types:     []EventType{EventSessionCompleted},
		SessionID: sessionID,
	}, 10)
	defer cleanup()

	// Wrong type: filtered out.
	e := NewEvent(EventSessionStarted, nil)
	e.SessionID = sessionID
	require.NoError(t, bus.Publish(e))

	// Wrong session: filtered out.
	e = NewEvent(EventSessionCompleted, nil)
	e.SessionID = types.NewID()
	require.NoError(t, bus.Publish(e))

	// Matching.
	e = NewEvent(EventSessionCompleted, nil)
	e.SessionID = sessionID
	require.NoError(t, bus.Publish(e))

	require.Len(t, ch, 1)
	got := <-ch
	assert.Equal(t, EventSessionCompleted, got.Type)
	assert.Equal(t, sessionID, got.SessionID)
}

func TestZeroFilterMatchesEverything(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Matches(NewEvent(EventWorkflowCreated, nil)))
	assert.True(t, f.Matches(NewEvent(EventBudgetWarning, nil)))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cleanup := bus.Subscribe(Filter{}, 2)
	defer cleanup()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(NewEvent(EventWorkflowAdvanced, nil)))
	}

	// The buffer held two; the rest were dropped, and Publish never blocked.
	assert.Len(t, ch, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	_, cleanup := bus.Subscribe(Filter{}, 1)
	assert.Equal(t, 1, bus.SubscriberCount())

	cleanup()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Unsubscribing twice is harmless.
	cleanup()
}

func TestCloseRejectsPublish(t *testing.T) {
	bus := NewBus(nil)

	ch, cleanup := bus.Subscribe(Filter{}, 1)
	defer cleanup()

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(NewEvent(EventSessionStarted, nil))
	require.Error(t, err)

	// Subscriber channels are closed on shutdown.
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}
