package core

import (
	"context"
	"fmt"
	"time"
)

// EventType represents the kind of lifecycle change.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event represents a completed entity operation.
// Entity is nil for deletions; Key is the primary key captured before the
// entity was removed.
type Event struct {
	Type      EventType `json:"type"`
	Model     string    `json:"model"`
	Key       string    `json:"key"`
	Entity    Entity    `json:"-"`
	Timestamp int64     `json:"timestamp"` // Unix nanoseconds
}

// NewEvent builds an event for the entity.
func NewEvent(t EventType, model string, entity Entity) Event {
	e := Event{
		Type:      t,
		Model:     model,
		Entity:    entity,
		Timestamp: time.Now().UnixNano(),
	}
	if !isNilEntity(entity) {
		e.Key = entity.PrimaryKey()
	}
	return e
}

// NewDeletedEvent builds a deletion event from the captured key.
func NewDeletedEvent(model, key string) Event {
	return Event{
		Type:      EventDeleted,
		Model:     model,
		Key:       key,
		Timestamp: time.Now().UnixNano(),
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s", e.Type, e.Model, e.Key)
}

// Publisher is the notification channel services emit events to.
// Publishing is fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, event Event) { f(ctx, event) }

// NopPublisher discards every event.
var NopPublisher Publisher = PublisherFunc(func(context.Context, Event) {})
