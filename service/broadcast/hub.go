// Package broadcast fans wallet events out to in-process subscribers.
//
// The hub never blocks a publisher: each subscriber owns a bounded buffer,
// and when a slow consumer's buffer is full the oldest buffered event is
// dropped to make room for the newest. Consumers that need every event
// should replay the transaction log instead.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/satferry/satferry/service/metrics"
	"github.com/satferry/satferry/service/wallet"
)

// DefaultBufferSize is the per-subscriber buffer used when the caller
// passes a non-positive size.
const DefaultBufferSize = 64

// Subscription is a single consumer's view of the event stream. Events
// stops delivering and is closed after Cancel, or when the hub shuts down.
type Subscription struct {
	id     string
	ch     chan wallet.Event
	cancel func()
}

// Events returns the channel events are delivered on. The channel is
// closed when the subscription ends.
func (s *Subscription) Events() <-chan wallet.Event { return s.ch }

// Cancel removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Hub is the in-process event broadcaster. It implements wallet.EventSink.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	bufSize int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns a hub whose subscribers each buffer bufSize events.
func NewHub(bufSize int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers a new consumer. The returned subscription must be
// cancelled when the consumer goes away or its buffer leaks.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan wallet.Event, h.bufSize),
	}
	sub.cancel = func() { h.unsubscribe(sub.id) }

	if h.closed {
		close(sub.ch)
		return sub
	}

	h.subs[sub.id] = sub
	if h.metrics != nil {
		h.metrics.RecordSubscriberChange(1)
	}
	h.logger.Debug("event subscriber added", "subscriber_id", sub.id, "subscribers", len(h.subs))
	return sub
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	if h.metrics != nil {
		h.metrics.RecordSubscriberChange(-1)
	}
	h.logger.Debug("event subscriber removed", "subscriber_id", id, "subscribers", len(h.subs))
}

// Publish delivers the event to every current subscriber. For a subscriber
// whose buffer is full, the oldest buffered event is discarded so the new
// one always fits. Publish never blocks.
func (h *Hub) Publish(_ context.Context, ev wallet.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for _, sub := range h.subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: evict the oldest and retry. The eviction
				// cannot block because only Publish writes to the channel
				// and it holds the lock.
				select {
				case <-sub.ch:
					if h.metrics != nil {
						h.metrics.RecordEventDropped()
					}
					h.logger.Warn("dropping oldest event for slow subscriber",
						"subscriber_id", sub.id,
						"tag", ev.Tag,
					)
				default:
				}
				continue
			}
			break
		}
		if h.metrics != nil {
			h.metrics.RecordEventSent(string(ev.Tag))
		}
	}
}

// Close shuts the hub down. Every subscriber channel is closed and later
// Publish calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
		if h.metrics != nil {
			h.metrics.RecordSubscriberChange(-1)
		}
	}
	h.logger.Debug("event hub closed")
}
