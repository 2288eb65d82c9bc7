// Package events implements the session-observable event bus: a buffered,
// panic-safe pub/sub carrying session lifecycle events and pipeline
// telemetry to external observers without blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies a kind of session event.
type Type string

const (
	StateChanged           Type = "session.state_changed"
	ModeChanged            Type = "session.mode_changed"
	DictationCompleted     Type = "session.dictation_completed"
	QueueDepthChanged      Type = "pipeline.queue_depth_changed"
	SchedulerWindowChanged Type = "pipeline.scheduler_window_changed"
)

// Event is a single published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	SessionID string
	Data      interface{}
}

// StateChangedData accompanies StateChanged events.
type StateChangedData struct {
	Stage  string
	Detail string
}

// DictationCompletedData accompanies DictationCompleted events.
type DictationCompletedData struct {
	Raw       string
	Formatted string
}

// QueueDepthData accompanies QueueDepthChanged events.
type QueueDepthData struct {
	PendingBytes int
}

// SchedulerWindowData accompanies SchedulerWindowChanged events.
type SchedulerWindowData struct {
	DynamicNormalMs int
	EWMARTF         float64
}

// Handler consumes a delivered event.
type Handler func(Event)

// Metrics is a snapshot of bus-wide counters, copied out on GetMetrics.
type Metrics struct {
	Published map[Type]int64
	Delivered int64
	Dropped   int64
}

// Bus distributes events to subscribers without blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]subscription
	allHandlers []Handler
	nextSubID   uint64

	buffer chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// subscription pairs a handler with an id so Subscribe's returned
// unsubscribe func can find and remove exactly the one it registered,
// since Go func values aren't comparable.
type subscription struct {
	id      uint64
	handler Handler
}

// NewBus creates a bus with the given backpressure buffer size and starts
// its delivery goroutine.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		handlers: make(map[Type][]subscription),
		buffer:   make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		metrics: Metrics{
			Published: make(map[Type]int64),
		},
	}
	b.wg.Add(1)
	go b.processEvents()
	return b
}

// Subscribe registers handler for one event type; the returned func
// unsubscribes it.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: h})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.allHandlers)
	b.allHandlers = append(b.allHandlers, h)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.allHandlers) {
			b.allHandlers = append(b.allHandlers[:idx], b.allHandlers[idx+1:]...)
		}
	}
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[t]
	for i := range handlers {
		if handlers[i].id == id {
			b.handlers[t] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Publish queues an event for delivery, dropping it if the buffer is full.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.metricsMu.Lock()
	b.metrics.Published[e.Type]++
	b.metricsMu.Unlock()

	select {
	case b.buffer <- e:
	default:
		b.metricsMu.Lock()
		b.metrics.Dropped++
		b.metricsMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"event_type": e.Type,
			"session_id": e.SessionID,
		}).Warn("event dropped, buffer full")
	}
}

// PublishAsync publishes without blocking the caller even on a full buffer
// path that would otherwise log synchronously.
func (b *Bus) PublishAsync(e Event) {
	go b.Publish(e)
}

func (b *Bus) processEvents() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.buffer:
			b.deliver(e)
		case <-b.stopCh:
			for {
				select {
				case e := <-b.buffer:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.handlers[e.Type] {
		go b.safeCall(sub.handler, e)
	}
	for _, h := range b.allHandlers {
		go b.safeCall(h, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event_type": e.Type,
				"panic":      r,
			}).Error("event handler panic")
		}
	}()
	h(e)
	b.metricsMu.Lock()
	b.metrics.Delivered++
	b.metricsMu.Unlock()
}

// Stop drains and shuts the bus down; safe to call once.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	close(b.buffer)
}

// GetMetrics returns a snapshot copy of bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	m := Metrics{
		Published: make(map[Type]int64, len(b.metrics.Published)),
		Delivered: b.metrics.Delivered,
		Dropped:   b.metrics.Dropped,
	}
	for k, v := range b.metrics.Published {
		m.Published[k] = v
	}
	return m
}
