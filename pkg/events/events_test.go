package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(New(EventClaimCreated, "claim-1", "claim created"))

	select {
	case event := <-sub:
		assert.Equal(t, EventClaimCreated, event.Type)
		assert.Equal(t, "claim-1", event.EntityID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic
	broker.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	fast := broker.Subscribe()
	defer broker.Unsubscribe(fast)
	defer broker.Unsubscribe(slow)

	// Overflow the slow subscriber's buffer
	for i := 0; i < 60; i++ {
		broker.Publish(New(EventVolumeProvisioned, "vol-1", ""))
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 60 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
}
