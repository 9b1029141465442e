package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestBusUnordered verifies that Publish never invokes subscribers
// in-line with the caller (spec §4.2) and that one subscriber's panic
// does not affect another's delivery.
func TestBusUnordered(t *testing.T) {
	b := newEventBus(zap.NewNop())

	var mu sync.Mutex
	var delivered []string
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe("ev", "panicker", func(string, interface{}) {
		defer wg.Done()
		panic("boom")
	})
	b.Subscribe("ev", "survivor", func(string, interface{}) {
		defer wg.Done()
		mu.Lock()
		delivered = append(delivered, "survivor")
		mu.Unlock()
	})

	b.Publish("ev", nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"survivor"}, delivered)
}

// TestBusPreservesPerSubscriberOrder verifies spec §5's "within a
// subscriber, invocations respect delivery order": many rapid Publish
// calls targeting the same subscriber id must still invoke that
// subscriber's handler in the order they were published, even though
// each invocation runs off the caller's goroutine.
func TestBusPreservesPerSubscriberOrder(t *testing.T) {
	b := newEventBus(zap.NewNop())

	const n = 200
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	b.Subscribe("state_changed", "listener", func(_ string, data interface{}) {
		i := data.(int)
		mu.Lock()
		seen = append(seen, i)
		mu.Unlock()
		if i == n-1 {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		b.Publish("state_changed", i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, v := range seen {
		assert.Equal(t, i, v, "deliveries must arrive in publish order")
	}
}

// TestBusUnsubscribeRemovesAllEventNames verifies Unsubscribe(id)
// removes id from every event name it was registered under.
func TestBusUnsubscribeRemovesAllEventNames(t *testing.T) {
	b := newEventBus(zap.NewNop())

	calls := make(chan string, 2)
	b.Subscribe("a", "multi", func(name string, _ interface{}) { calls <- name })
	b.Subscribe("b", "multi", func(name string, _ interface{}) { calls <- name })

	b.Unsubscribe("multi")

	b.Publish("a", nil)
	b.Publish("b", nil)
	b.Drain()

	select {
	case <-calls:
		t.Fatal("handler should not have been invoked after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}

	assert.False(t, b.HasSubscribers("a"))
	assert.False(t, b.HasSubscribers("b"))
}
