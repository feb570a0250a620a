package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/metrics"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// behind loses events rather than blocking the publisher; the next event
// carries full state anyway.
const subscriberBuffer = 16

type subscriber struct {
	userID string
	ch     chan ActivityChanged
}

// MemoryBroadcaster is an in-process fan-out for single-node deployments.
type MemoryBroadcaster struct {
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{} // keyed by userID
	closed      bool
}

// NewMemory creates an in-memory broadcaster.
func NewMemory(logger zerolog.Logger) *MemoryBroadcaster {
	return &MemoryBroadcaster{
		logger:      logger.With().Str("component", "broadcast").Logger(),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish delivers the event to all current subscribers for the user.
func (b *MemoryBroadcaster) Publish(ctx context.Context, event ActivityChanged) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for sub := range b.subscribers[event.UserID] {
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Warn().
				Str("user_id", event.UserID).
				Msg("Dropped event on slow subscriber")
		}
	}

	metrics.EventsPublished.Inc()
	return nil
}

// Subscribe registers a stream for one user.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, userID string) (<-chan ActivityChanged, func(), error) {
	sub := &subscriber{
		userID: userID,
		ch:     make(chan ActivityChanged, subscriberBuffer),
	}

	b.mu.Lock()
	if b.subscribers[userID] == nil {
		b.subscribers[userID] = make(map[*subscriber]struct{})
	}
	b.subscribers[userID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.closed {
				// Close already released every channel.
				b.mu.Unlock()
				return
			}
			if subs := b.subscribers[userID]; subs != nil {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.subscribers, userID)
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, cancel, nil
}

// Close drops all subscriptions.
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for userID, subs := range b.subscribers {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.subscribers, userID)
	}
	return nil
}
