// Package lifecycle exposes entity event streams as lifecycle sources.
package lifecycle

import (
	"context"
	"errors"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/events"
)

type eventSource struct {
	events <-chan core.Event
	out    chan lifecycle.Event
	// attach, when set, is called on Start and its cleanup runs when the
	// bridge stops.
	attach func(ctx context.Context) (func(), error)
}

// NewSource creates a lifecycle.Source that forwards the entity events read
// from ch, such as the channel returned by fs.Repository.Watch.
func NewSource(ch <-chan core.Event) lifecycle.Source {
	return &eventSource{events: ch, out: make(chan lifecycle.Event)}
}

// NewBusSource creates a lifecycle.Source fed by a bus subscription on
// pattern. Events published while the consumer is not reading are buffered
// up to buffer entries; beyond that the publisher blocks.
func NewBusSource(bus *events.Bus, pattern string, buffer int) lifecycle.Source {
	ch := make(chan core.Event, buffer)
	s := &eventSource{events: ch, out: make(chan lifecycle.Event)}
	s.attach = func(ctx context.Context) (func(), error) {
		return bus.Subscribe(pattern, func(hctx context.Context, e core.Event) error {
			select {
			case ch <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-hctx.Done():
				return hctx.Err()
			}
		})
	}
	return s
}

func (s *eventSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *eventSource) Start(ctx context.Context) error {
	detach := func() {}
	if s.attach != nil {
		d, err := s.attach(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			return errors.New("subscription returned no cancel function")
		}
		detach = d
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer detach()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				// core.Event implements lifecycle.Event (has String())
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
