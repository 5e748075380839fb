package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	unsub := bus.Subscribe(TypeFileQueued, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, bus.Publish(New(TypeFileQueued, map[string]any{"path": "a.md"})))
	require.NoError(t, bus.Publish(New(TypeFileDeleted, nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeFileQueued, got[0].Type)
	assert.Equal(t, "a.md", got[0].Data["path"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	seen := map[Type]int{}
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})
	defer unsub()

	for _, et := range []Type{TypeFileQueued, TypeProcessingStarted, TypeProcessingCompleted} {
		require.NoError(t, bus.Publish(New(et, nil)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(TypeFileQueued, func(Event) {})
	assert.Equal(t, 1, bus.SubscriberCount())

	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Double unsubscribe is harmless.
	unsub()
	require.NoError(t, bus.Publish(New(TypeFileQueued, nil)))
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(New(TypeFileQueued, nil)), ErrBusClosed)
	// Close is idempotent and subscribe on a closed bus is a no-op.
	require.NoError(t, bus.Close())
	unsub := bus.Subscribe(TypeFileQueued, func(Event) {})
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	bus.Subscribe(TypeFileQueued, func(Event) {
		panic("handler bug")
	})
	bus.Subscribe(TypeFileQueued, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, bus.Publish(New(TypeFileQueued, nil)))
	require.NoError(t, bus.Publish(New(TypeFileQueued, nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(TypeFileQueued, func(Event) {
		<-block
	})

	// One event in flight, one buffered, further publishes must not block.
	done := make(chan struct{})
	go func() {
		for range 10 {
			_ = bus.Publish(New(TypeFileQueued, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}
