package events_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/events"
)

type recorder struct{ got []core.Event }

func (r *recorder) handle(_ context.Context, e core.Event) error {
	r.got = append(r.got, e)
	return nil
}

func TestBus_RoutesByPattern(t *testing.T) {
	bus := events.NewBus()
	all, billing, widgets := &recorder{}, &recorder{}, &recorder{}

	_, err := bus.Subscribe("**", all.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("billing/*", billing.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("{widget,gadget}", widgets.handle, core.EventCreated)
	require.NoError(t, err)

	ctx := context.Background()
	bus.Publish(ctx, core.NewDeletedEvent("widget", "w1"))
	bus.Publish(ctx, core.NewEvent(core.EventCreated, "widget", &core.Record{ID: "w2"}))
	bus.Publish(ctx, core.NewEvent(core.EventUpdated, "billing/invoice", &core.Record{ID: "i1"}))

	assert.Len(t, all.got, 3)
	require.Len(t, billing.got, 1)
	assert.Equal(t, "i1", billing.got[0].Key)
	require.Len(t, widgets.got, 1, "type filter drops the deletion")
	assert.Equal(t, "w2", widgets.got[0].Key)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := events.NewBus()
	r := &recorder{}
	cancel, err := bus.Subscribe("*", r.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Len())

	cancel()
	bus.Publish(context.Background(), core.NewDeletedEvent("widget", "w1"))
	assert.Empty(t, r.got)
	assert.Zero(t, bus.Len())
}

func TestBus_HandlerFailuresDoNotStopDelivery(t *testing.T) {
	var buf bytes.Buffer
	bus := events.NewBus(events.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	r := &recorder{}

	_, err := bus.Subscribe("*", func(context.Context, core.Event) error { return errors.New("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe("*", func(context.Context, core.Event) error { panic("kaboom") })
	require.NoError(t, err)
	_, err = bus.Subscribe("*", r.handle)
	require.NoError(t, err)

	bus.Publish(context.Background(), core.NewDeletedEvent("widget", "w1"))

	assert.Len(t, r.got, 1)
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestBus_InvalidSubscriptions(t *testing.T) {
	bus := events.NewBus()
	_, err := bus.Subscribe("[", (&recorder{}).handle)
	assert.Error(t, err)
	_, err = bus.Subscribe("*", nil)
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	a, b := events.NewBus(), events.NewBus()
	ra, rb := &recorder{}, &recorder{}
	_, _ = a.Subscribe("*", ra.handle)
	_, _ = b.Subscribe("*", rb.handle)

	events.Fanout(a, nil, b).Publish(context.Background(), core.NewDeletedEvent("widget", "w1"))
	assert.Len(t, ra.got, 1)
	assert.Len(t, rb.got, 1)
}

func TestBus_WithService(t *testing.T) {
	bus := events.NewBus()
	r := &recorder{}
	_, err := bus.Subscribe("widget", r.handle)
	require.NoError(t, err)

	svc := core.NewService(core.NewRecordModel("widget"), nopRepository{}, nil, bus)
	created, err := svc.Create(context.Background(), core.Attributes{"name": "a"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), created))

	require.Len(t, r.got, 2)
	assert.Equal(t, core.EventCreated, r.got[0].Type)
	assert.Equal(t, core.EventDeleted, r.got[1].Type)
	assert.Equal(t, created.PrimaryKey(), r.got[1].Key)
}

type nopRepository struct{}

func (nopRepository) Create(_ context.Context, e core.Entity) (core.Entity, error) { return e, nil }
func (nopRepository) Save(_ context.Context, e core.Entity) (core.Entity, error)   { return e, nil }
func (nopRepository) Delete(context.Context, core.Entity) error                    { return nil }
func (nopRepository) ValidationRules() core.Rules                                  { return nil }
