package events

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	TopicConstructEntityType string = "entity-type.construct"
	TopicConfigureLocations  string = "locations.configure"
	TopicCommitted           string = "session.committed"
	TopicAny                 string = "*"
)

type Event struct {
	Topic string
	Data  map[string]any
}

// Handler reacts to an event. Non nil results are collected by synchronous
// publishers.
type Handler func(ctx context.Context, e Event) (any, error)

type subscriber struct {
	id      string
	topic   string
	handler Handler
}

type queued struct {
	ctx   context.Context
	event Event
}

// Hub dispatches events to subscribers. Subscription and publishing may be
// done from any goroutine, but asynchronous events only run when the owner
// of the hub calls Drain.
type Hub struct {
	mu          sync.Mutex
	subscribers []subscriber
	pending     []queued
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Subscribe(id, topic string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slices.ContainsFunc(h.subscribers, func(s subscriber) bool { return s.id == id }) {
		return errors.NewNotUniqueError(id)
	}

	h.subscribers = append(h.subscribers, subscriber{id: id, topic: topic, handler: handler})
	return nil
}

func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := slices.IndexFunc(h.subscribers, func(s subscriber) bool { return s.id == id })
	if idx < 0 {
		return errors.NewNotFoundError(fmt.Sprintf("no subscriber with id %q", id))
	}

	h.subscribers = slices.Delete(h.subscribers, idx, idx+1)
	return nil
}

func (h *Hub) handlersFor(topic string) []Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	handlers := []Handler{}
	for _, s := range h.subscribers {
		if s.topic == topic || s.topic == TopicAny {
			handlers = append(handlers, s.handler)
		}
	}

	return handlers
}

// Publish runs the handlers of a synchronous event at once and returns their
// results. Other events are queued until the next call to Drain.
func (h *Hub) Publish(ctx context.Context, event Event, synchronous bool) ([]any, error) {
	if !synchronous {
		h.mu.Lock()
		h.pending = append(h.pending, queued{ctx: ctx, event: event})
		h.mu.Unlock()
		return nil, nil
	}

	return h.dispatch(ctx, event)
}

func (h *Hub) dispatch(ctx context.Context, event Event) ([]any, error) {
	results := []any{}

	for _, handler := range h.handlersFor(event.Topic) {
		result, err := handler(ctx, event)
		if err != nil {
			return results, fmt.Errorf("handler for %q failed: %w", event.Topic, err)
		}
		if result != nil {
			results = append(results, result)
		}
	}

	return results, nil
}

// Drain runs every queued event on the calling goroutine and returns how many
// were handled. Handler failures are logged.
func (h *Hub) Drain(ctx context.Context) int {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	log := logging.GetFromContext(ctx)

	for _, q := range pending {
		if _, err := h.dispatch(q.ctx, q.event); err != nil {
			log.Error("failed to handle queued event", "topic", q.event.Topic, "err", err.Error())
		}
	}

	return len(pending)
}

func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
