// Package events provides an in-process core.Publisher that routes entity
// events to subscribers by model-name glob.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/tillage/pkg/core"
)

// Handler receives a published event. Returned errors are logged and do not
// stop delivery to the remaining handlers.
type Handler func(ctx context.Context, event core.Event) error

type subscription struct {
	id      uint64
	pattern string
	types   []core.EventType
	handler Handler
}

func (s subscription) matches(e core.Event) bool {
	if len(s.types) > 0 && !slices.Contains(s.types, e.Type) {
		return false
	}
	ok, err := doublestar.Match(s.pattern, e.Model)
	return err == nil && ok
}

// Bus dispatches events synchronously to matching subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events whose model name matches pattern
// (doublestar syntax, e.g. "*", "billing/**", "{widget,gadget}") and, when
// types is non-empty, whose type is one of types. It returns a function
// that removes the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler, types ...core.EventType) (func(), error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid subscription pattern %q", pattern)
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for pattern %q", pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, types: types, handler: handler})

	return func() { b.unsubscribe(id) }, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
}

// Publish implements core.Publisher.
func (b *Bus) Publish(ctx context.Context, event core.Event) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.matches(event) {
			continue
		}
		if err := b.deliver(ctx, s, event); err != nil && b.logger != nil {
			b.logger.Warn("event handler failed", "event", event.String(), "pattern", s.pattern, "error", err)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, event core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, event)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Fanout returns a publisher forwarding every event to each of pubs in order.
func Fanout(pubs ...core.Publisher) core.Publisher {
	pubs = slices.DeleteFunc(slices.Clone(pubs), func(p core.Publisher) bool { return p == nil })
	return core.PublisherFunc(func(ctx context.Context, e core.Event) {
		for _, p := range pubs {
			p.Publish(ctx, e)
		}
	})
}

var _ core.Publisher = (*Bus)(nil)
