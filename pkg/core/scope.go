package core

import (
	"context"
	"sync"
)

type scopeKey struct{}

// scope tracks the service operations running under one outermost
// operation: the events waiting for its commit and the first nested failure.
type scope struct {
	mu      sync.Mutex
	pending []pendingEvent
	err     error
}

type pendingEvent struct {
	publisher Publisher
	event     Event
}

func scopeFrom(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	return sc, ok
}

func scopeFailure(ctx context.Context) error {
	sc, ok := scopeFrom(ctx)
	if !ok {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.err
}

func (sc *scope) queue(p Publisher, e Event) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pending = append(sc.pending, pendingEvent{publisher: p, event: e})
}

func (sc *scope) fail(err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.err == nil {
		sc.err = err
	}
}

// flush publishes the queued events in emission order.
func (sc *scope) flush(ctx context.Context) {
	sc.mu.Lock()
	pending := sc.pending
	sc.pending = nil
	sc.mu.Unlock()
	for _, p := range pending {
		p.publisher.Publish(ctx, p.event)
	}
}
