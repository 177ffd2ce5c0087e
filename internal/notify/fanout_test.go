package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_agent/pkg"
)

func TestPublishReachesAllSubscribersOfIdentity(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("user-1")
	b := hub.Subscribe("user-1")
	other := hub.Subscribe("user-2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	delivered := hub.Publish("user-1", pkg.Event{Type: pkg.EventReply})
	assert.Equal(t, 2, delivered)

	assert.Equal(t, pkg.EventReply, (<-a.Events()).Type)
	assert.Equal(t, pkg.EventReply, (<-b.Events()).Type)
	select {
	case ev := <-other.Events():
		t.Fatalf("unrelated identity received event %v", ev)
	default:
	}
}

func TestPublishWithoutSubscribersDrops(t *testing.T) {
	hub := NewHub()
	assert.Equal(t, 0, hub.Publish("nobody", pkg.Event{Type: pkg.EventReply}))
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-1")
	sub.Close()

	assert.Equal(t, 0, hub.Publish("user-1", pkg.Event{Type: pkg.EventReply}))

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestSlowSubscriberLosesEventsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	for i := 0; i < defaultBuffer; i++ {
		require.Equal(t, 1, hub.Publish("user-1", pkg.Event{Type: pkg.EventReply}))
	}
	// Buffer full: publish must return without delivering.
	assert.Equal(t, 0, hub.Publish("user-1", pkg.Event{Type: pkg.EventReply}))
}

func TestAdminChannelIsSharedIdentity(t *testing.T) {
	hub := NewHub()
	admin := hub.Subscribe(AdminChannel)
	defer admin.Close()

	hub.Publish(AdminChannel, pkg.Event{Type: pkg.EventEscalationCreated})
	assert.Equal(t, pkg.EventEscalationCreated, (<-admin.Events()).Type)
}
