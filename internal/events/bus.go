package events

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Bus distributes events to subscribers. Publish never blocks: each
// subscriber has a buffered channel, and events are dropped for a
// subscriber whose buffer is full so one slow consumer cannot stall the
// runtime or its peers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	logger      *slog.Logger
	closed      bool
	counter     uint64
}

type subscription struct {
	id     string
	ch     chan Event
	filter Filter
}

// NewBus creates a Bus. Dropped events are logged through the given
// logger; a nil logger disables drop logging.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subscribers: make(map[string]*subscription),
		logger:      logger,
	}
}

// Publish sends an event to all matching subscribers. Returns an error
// only if the bus is closed.
func (b *Bus) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"subscriber_id", sub.id,
				"event_type", event.Type)
		}
	}
	return nil
}

// Subscribe registers a subscriber with optional filtering. The cleanup
// function must be called to unsubscribe; it closes the channel.
func (b *Bus) Subscribe(filter Filter, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	sub := &subscription{
		id:     fmt.Sprintf("sub-%d", b.counter),
		ch:     make(chan Event, bufferSize),
		filter: filter,
	}
	b.subscribers[sub.id] = sub

	cleanup := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[sub.id]; ok {
			close(s.ch)
			delete(b.subscribers, sub.id)
		}
	}
	return sub.ch, cleanup
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and all subscriber channels. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}
