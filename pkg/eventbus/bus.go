// Package eventbus provides the in-process publish/subscribe hub for
// workflow lifecycle events: synchronous ordered delivery, bounded replay
// history, named subscribers, wait-for support and plugin hooks.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/testflowhq/testflow/pkg/events"
)

// ErrWaitTimeout is returned by WaitFor when no matching event arrives
// before the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for event")

const defaultHistoryCapacity = 256

// Handler receives one published event. A returned error is logged and
// never interrupts delivery to later subscribers.
type Handler func(ctx context.Context, event events.Event) error

type subscription struct {
	id      string
	handler Handler
}

// Bus is a process-wide hub. Delivery is synchronous and in registration
// order; a failing or panicking listener cannot block later listeners.
type Bus struct {
	mu          sync.Mutex
	logger      *slog.Logger
	capacity    int
	history     []events.Event
	subscribers map[events.EventType][]subscription
	plugins     []Plugin
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:      logger.With("module", "eventbus"),
		capacity:    defaultHistoryCapacity,
		subscribers: make(map[events.EventType][]subscription),
	}
}

// Publish builds an event, records it in the ring history and delivers it to
// pre-hooks, subscribers and post-hooks, in that order. The returned event
// carries the assigned id and timestamp.
func (b *Bus) Publish(ctx context.Context, eventType events.EventType, payload map[string]any) events.Event {
	event := events.New(eventType, payload)

	b.mu.Lock()
	if len(b.history) == b.capacity {
		b.history = append(b.history[:0], b.history[1:]...)
	}

	b.history = append(b.history, event)

	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	plugins := make([]Plugin, len(b.plugins))
	copy(plugins, b.plugins)
	b.mu.Unlock()

	b.runHooks(ctx, plugins, "pre", event)

	for _, sub := range subs {
		b.deliver(ctx, sub, event)
	}

	b.runHooks(ctx, plugins, "post", event)

	return event
}

func (b *Bus) deliver(ctx context.Context, sub subscription, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"subscriber_id", sub.id,
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("subscriber failed",
			"subscriber_id", sub.id,
			"event_type", event.Type,
			"error", err,
		)
	}
}

// Subscribe registers a named handler for one event type and returns its
// unsubscribe function. Re-subscribing with the same (type, subscriberID)
// replaces the previous handler in place, so an event is never delivered
// twice to one subscriber id.
//
// Handlers run synchronously on the publisher's goroutine, often while the
// publishing component still holds its own lock (the workflow manager
// publishes under its mutex). A handler must not call back into the component
// that published the event; hand the event off to another goroutine instead.
func (b *Bus) Subscribe(eventType events.EventType, subscriberID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	replaced := false

	for i := range subs {
		if subs[i].id == subscriberID {
			subs[i].handler = handler
			replaced = true

			break
		}
	}

	if !replaced {
		b.subscribers[eventType] = append(subs, subscription{id: subscriberID, handler: handler})
	}

	return func() {
		b.unsubscribe(eventType, subscriberID)
	}
}

func (b *Bus) unsubscribe(eventType events.EventType, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i := range subs {
		if subs[i].id == subscriberID {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)

			return
		}
	}
}

// WaitForOptions controls WaitFor matching.
type WaitForOptions struct {
	Timeout time.Duration
	Filter  func(events.Event) bool
}

// WaitFor blocks until an event of the given type (matching the filter, if
// any) is published, the timeout elapses, or ctx is done. Exactly one
// subscription is created and torn down regardless of outcome.
func (b *Bus) WaitFor(ctx context.Context, eventType events.EventType, opts WaitForOptions) (events.Event, error) {
	matched := make(chan events.Event, 1)

	var once sync.Once

	unsubscribe := b.Subscribe(eventType, "waitfor-"+uuid.NewString(), func(_ context.Context, event events.Event) error {
		if opts.Filter != nil && !opts.Filter(event) {
			return nil
		}

		once.Do(func() { matched <- event })

		return nil
	})
	defer unsubscribe()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-matched:
		return event, nil
	case <-timer.C:
		return events.Event{}, ErrWaitTimeout
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// History returns the most recent events, newest last, optionally filtered
// by type. A zero or negative limit returns everything retained.
func (b *Bus) History(eventType events.EventType, limit int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []events.Event

	for _, event := range b.history {
		if eventType == "" || eventType == events.Wildcard || event.Type == eventType {
			out = append(out, event)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out
}

// SubscriberCount reports how many handlers are registered for a type.
func (b *Bus) SubscriberCount(eventType events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers[eventType])
}

// Close drops all subscribers, plugins and history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[events.EventType][]subscription)
	b.plugins = nil
	b.history = nil
}
