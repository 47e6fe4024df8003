// Package kafka publishes entity events to a Kafka topic as JSON envelopes
// and decodes them back on the consuming side.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	json "github.com/goccy/go-json"
	sdk "github.com/segmentio/kafka-go"

	"github.com/aretw0/tillage/pkg/core"
)

// Envelope is the wire format of a published event.
type Envelope struct {
	Type       core.EventType  `json:"type"`
	Model      string          `json:"model"`
	Key        string          `json:"key"`
	Timestamp  int64           `json:"timestamp"`
	Attributes core.Attributes `json:"attributes,omitempty"`
}

// ToMessage maps an event to a Kafka message keyed by "model/key", so all
// changes to one entity land on the same partition.
func ToMessage(e core.Event) (sdk.Message, error) {
	env := Envelope{Type: e.Type, Model: e.Model, Key: e.Key, Timestamp: e.Timestamp}
	if e.Entity != nil {
		env.Attributes = e.Entity.Attributes()
	}
	value, err := json.Marshal(env)
	if err != nil {
		return sdk.Message{}, fmt.Errorf("encode %s: %w", e, err)
	}
	return sdk.Message{
		Key:   []byte(e.Model + "/" + e.Key),
		Value: value,
		Time:  time.Unix(0, e.Timestamp),
		Headers: []sdk.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}, nil
}

// FromMessage decodes a message produced by ToMessage. The event's Entity is
// a core.Record carrying the published attributes, nil for deletions.
func FromMessage(msg sdk.Message) (core.Event, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return core.Event{}, fmt.Errorf("decode message at offset %d: %w", msg.Offset, err)
	}
	e := core.Event{Type: env.Type, Model: env.Model, Key: env.Key, Timestamp: env.Timestamp}
	if env.Type != core.EventDeleted {
		e.Entity = &core.Record{ID: env.Key, Model: env.Model, Attrs: env.Attributes}
	}
	return e, nil
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...sdk.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (sdk.Message, error)
	Close() error
}

// Publisher defaults.
const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 10 * time.Second
	maxBatch            = 100
)

var (
	errPublisherClosed = errors.New("publisher closed")
	errQueueFull       = errors.New("publish queue full")
)

// Publisher implements core.Publisher on a Kafka writer. Publish only
// enqueues the message; a background producer writes it, so entity
// operations never wait on the broker. Delivery failures are logged.
type Publisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan outgoing
	done   chan struct{}
}

type outgoing struct {
	ctx   context.Context
	event core.Event
	msg   sdk.Message
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQueueSize sets how many messages may wait for the producer. Events
// published while the queue is full are dropped and logged.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan outgoing, n)
		}
	}
}

// WithWriteTimeout bounds each write to the broker.
func WithWriteTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPublisher creates a publisher writing through w and starts its producer.
// Close stops the producer after draining the queue.
func NewPublisher(w MessageWriter, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		writer:  w,
		logger:  logger,
		timeout: DefaultWriteTimeout,
		queue:   make(chan outgoing, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	lifecycle.Go(context.Background(), p.produce, lifecycle.WithErrorHandler(func(err error) {
		p.warn("kafka producer stopped", err)
	}))
	return p
}

// NewWriter creates a writer for topic that hashes message keys to partitions.
// The short batch timeout keeps single messages from waiting for a full batch.
func NewWriter(brokers []string, topic string) *sdk.Writer {
	return &sdk.Writer{
		Addr:         sdk.TCP(brokers...),
		Topic:        topic,
		Balancer:     &sdk.Hash{},
		RequiredAcks: sdk.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewReader creates a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *sdk.Reader {
	return sdk.NewReader(sdk.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// Publish implements core.Publisher. It never blocks: the write happens in
// the background and outlives the cancellation of ctx.
func (p *Publisher) Publish(ctx context.Context, e core.Event) {
	msg, err := ToMessage(e)
	if err != nil {
		p.warn("kafka publish failed", err, "event", e.String())
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.warn("kafka publish failed", errPublisherClosed, "event", e.String())
		return
	}
	select {
	case p.queue <- outgoing{ctx: context.WithoutCancel(ctx), event: e, msg: msg}:
	default:
		p.warn("kafka publish failed", errQueueFull, "event", e.String())
	}
}

// Close flushes the queued messages and closes the underlying writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// produce writes queued messages in batches until the queue is closed.
func (p *Publisher) produce(context.Context) error {
	defer close(p.done)
	for first := range p.queue {
		batch := []outgoing{first}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		p.write(batch)
	}
	return nil
}

func (p *Publisher) write(batch []outgoing) {
	msgs := make([]sdk.Message, len(batch))
	for i, out := range batch {
		msgs[i] = out.msg
	}
	ctx, cancel := context.WithTimeout(batch[0].ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		for _, out := range batch {
			p.warn("kafka publish failed", err, "event", out.event.String())
		}
	}
}

func (p *Publisher) warn(msg string, err error, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, append(args, "error", err)...)
	}
}

// Consume reads messages until ctx ends or the reader is closed, sending the
// decoded events to out. Undecodable messages are logged and skipped.
func Consume(ctx context.Context, r MessageReader, out chan<- core.Event, logger *slog.Logger) error {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		e, err := FromMessage(msg)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping kafka message", "error", err)
			}
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return nil
		}
	}
}

var _ core.Publisher = (*Publisher)(nil)
