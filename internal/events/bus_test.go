package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(8)
	defer b.Stop()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(StateChanged, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	b.Publish(Event{Type: StateChanged, SessionID: "s1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(8)
	defer b.Stop()

	var mu sync.Mutex
	count := 0
	unsub := b.Subscribe(ModeChanged, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	b.Publish(Event{Type: ModeChanged})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	b.Publish(Event{Type: ModeChanged})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestTwoSubscribersUnsubscribeOneOnly(t *testing.T) {
	b := NewBus(8)
	defer b.Stop()

	var mu sync.Mutex
	var aCount, bCount int
	unsubA := b.Subscribe(DictationCompleted, func(e Event) {
		mu.Lock()
		aCount++
		mu.Unlock()
	})
	b.Subscribe(DictationCompleted, func(e Event) {
		mu.Lock()
		bCount++
		mu.Unlock()
	})

	unsubA()
	b.Publish(Event{Type: DictationCompleted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, aCount)
	assert.Equal(t, 1, bCount)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := NewBus(1)
	defer b.Stop()

	b.Subscribe(QueueDepthChanged, func(e Event) {
		time.Sleep(100 * time.Millisecond)
	})

	// Holding the subscriber lock stalls the delivery goroutine inside
	// deliver after it takes at most one event, so the single buffer slot
	// stays full and at least three of the five publishes are dropped
	// rather than blocking.
	b.mu.Lock()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: QueueDepthChanged})
	}

	m := b.GetMetrics()
	b.mu.Unlock()
	assert.GreaterOrEqual(t, m.Published[QueueDepthChanged], int64(5))
	assert.GreaterOrEqual(t, m.Dropped, int64(3))
}
