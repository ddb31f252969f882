package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes an event. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
	kinds   []Kind
}

// Bus dispatches events to subscribers.
// Thread Safety: Safe for concurrent use. A nil *Bus discards everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []string
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Subscribe registers handler for the given kinds (all kinds when none are given)
// and returns the subscription id. Subscribing to a closed bus returns "".
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) string {
	if b == nil || handler == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}

	id := uuid.NewString()
	b.subs[id] = &subscription{id: id, handler: handler, kinds: kinds}
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscription. Returns false if it did not exist.
func (b *Bus) Unsubscribe(id string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
	return true
}

// Publish delivers payload to every matching subscriber in subscription order.
// A panicking handler is logged and does not affect other handlers.
func (b *Bus) Publish(payload Payload) {
	if b == nil || payload == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Kind:      payload.Kind(),
		Timestamp: b.now(),
		Payload:   payload,
	}
	for _, sub := range subs {
		if len(sub.kinds) > 0 && !slices.Contains(sub.kinds, event.Kind) {
			continue
		}
		b.safeInvoke(sub, event)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]*subscription)
	b.order = nil
}

func (b *Bus) safeInvoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_kind", event.Kind,
				"subscription_id", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}
