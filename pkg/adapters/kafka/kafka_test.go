package kafka_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdk "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tillage/pkg/adapters/kafka"
	"github.com/aretw0/tillage/pkg/core"
)

type fakeWriter struct {
	mu      sync.Mutex
	msgs    []sdk.Message
	err     error
	started chan struct{} // receives once per write when set
	release chan struct{} // writes block until closed when set
	closed  bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...sdk.Message) error {
	if w.started != nil {
		w.started <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// syncBuffer guards a log buffer written by the producer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeReader struct {
	msgs []sdk.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (sdk.Message, error) {
	if len(r.msgs) == 0 {
		return sdk.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) Close() error { return nil }

func TestMessageMapping(t *testing.T) {
	created := core.NewEvent(core.EventCreated, "widget", &core.Record{ID: "w1", Attrs: core.Attributes{"name": "a"}})

	msg, err := kafka.ToMessage(created)
	require.NoError(t, err)
	assert.Equal(t, "widget/w1", string(msg.Key))
	assert.Equal(t, "created", string(msg.Headers[0].Value))

	back, err := kafka.FromMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, created.Type, back.Type)
	assert.Equal(t, created.Key, back.Key)
	assert.Equal(t, created.Timestamp, back.Timestamp)
	assert.Equal(t, "a", back.Entity.Attributes()["name"])

	deleted, err := kafka.ToMessage(core.NewDeletedEvent("widget", "w1"))
	require.NoError(t, err)
	back, err = kafka.FromMessage(deleted)
	require.NoError(t, err)
	assert.Nil(t, back.Entity)
	assert.Equal(t, "w1", back.Key)
}

func TestPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := kafka.NewPublisher(w, nil)

	p.Publish(context.Background(), core.NewDeletedEvent("widget", "w1"))
	require.NoError(t, p.Close())
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "widget/w1", string(w.msgs[0].Key))
	assert.True(t, w.closed)
	assert.NoError(t, p.Close(), "close is idempotent")
}

func TestPublisher_LogsFailures(t *testing.T) {
	var buf syncBuffer
	w := &fakeWriter{err: errors.New("broker down")}
	p := kafka.NewPublisher(w, slog.New(slog.NewTextHandler(&buf, nil)))

	p.Publish(context.Background(), core.NewDeletedEvent("widget", "w1"))
	require.NoError(t, p.Close())
	assert.Contains(t, buf.String(), "broker down")
}

func TestPublisher_DoesNotBlockOnSlowBroker(t *testing.T) {
	w := &fakeWriter{release: make(chan struct{})}
	p := kafka.NewPublisher(w, nil)

	published := make(chan struct{})
	go func() {
		for i := range 3 {
			p.Publish(context.Background(), core.NewDeletedEvent("widget", string(rune('a'+i))))
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish waited for the broker")
	}

	close(w.release)
	require.NoError(t, p.Close())
	assert.Len(t, w.msgs, 3)
}

func TestPublisher_SurvivesCallerCancellation(t *testing.T) {
	w := &fakeWriter{}
	p := kafka.NewPublisher(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, core.NewDeletedEvent("widget", "w1"))

	require.NoError(t, p.Close())
	assert.Len(t, w.msgs, 1)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	var buf syncBuffer
	w := &fakeWriter{started: make(chan struct{}, 4), release: make(chan struct{})}
	p := kafka.NewPublisher(w, slog.New(slog.NewTextHandler(&buf, nil)), kafka.WithQueueSize(1))
	ctx := context.Background()

	p.Publish(ctx, core.NewDeletedEvent("widget", "w1"))
	<-w.started // the producer holds w1
	p.Publish(ctx, core.NewDeletedEvent("widget", "w2"))
	p.Publish(ctx, core.NewDeletedEvent("widget", "w3"))
	assert.Contains(t, buf.String(), "publish queue full")

	close(w.release)
	require.NoError(t, p.Close())
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "widget/w2", string(w.msgs[1].Key))

	p.Publish(ctx, core.NewDeletedEvent("widget", "w4"))
	assert.Contains(t, buf.String(), "publisher closed")
}

func TestConsume(t *testing.T) {
	good, err := kafka.ToMessage(core.NewDeletedEvent("widget", "w1"))
	require.NoError(t, err)
	r := &fakeReader{msgs: []sdk.Message{good, {Value: []byte("garbage")}, good}}

	out := make(chan core.Event, 4)
	require.NoError(t, kafka.Consume(context.Background(), r, out, nil))
	close(out)

	var keys []string
	for e := range out {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"w1", "w1"}, keys)
}
