package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()

	r.Register("a1", "conn-1")
	r.Register("a1", "conn-2")
	r.Register("a2", "conn-3")

	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, r.Connections("a1"))
	assert.ElementsMatch(t, []string{"conn-3"}, r.Connections("a2"))

	r.Unregister("a1", "conn-1")
	assert.ElementsMatch(t, []string{"conn-2"}, r.Connections("a1"))

	// unknown pairs are no-ops
	r.Unregister("a1", "never-existed")
	r.Unregister("ghost", "conn-9")
}

func TestRegistry_DropAccount(t *testing.T) {
	r := NewRegistry()
	r.Register("a1", "conn-1")
	r.Register("a1", "conn-2")

	assert.Equal(t, 2, r.DropAccount("a1"))
	assert.Empty(t, r.Connections("a1"))
	assert.Equal(t, 0, r.DropAccount("a1"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			r.Register("a1", connID)
			r.Connections("a1")
			r.Unregister("a1", connID)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.Connections("a1"))
}

func newBroadcasterForTest(t *testing.T) *Broadcaster {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBroadcaster(client, slog.Default())
}

func TestBroadcaster_PublishSubscribeRoundTrip(t *testing.T) {
	b := newBroadcasterForTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := b.Subscribe(ctx, AccountChannel("a1"))
	require.NoError(t, err)

	require.NoError(t, b.PublishToAccount(ctx, "a1", Event{
		Name:    "logout-all",
		Payload: map[string]interface{}{"reason": "logout"},
	}))

	select {
	case event := <-events:
		assert.Equal(t, "logout-all", event.Name)
		payload, ok := event.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "logout", payload["reason"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for push event")
	}
}

func TestBroadcaster_SubscribeClosesOnCancel(t *testing.T) {
	b := newBroadcasterForTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.Subscribe(ctx, "qrlogin:events:nonce-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open, "channel should close after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after context cancel")
	}
}
