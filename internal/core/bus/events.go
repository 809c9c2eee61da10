package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"unitflow/internal/core/id"
	"unitflow/pkg/logger"
)

// Envelope carries one event through the bus. Payload stays a plain map so
// subscription filters can inspect it without knowing concrete types.
type Envelope struct {
	ID            id.ID
	Type          string
	AggregateType string
	OccurredAt    time.Time
	Payload       map[string]any
}

// NewEnvelope creates an event envelope with a fresh time-ordered ID.
func NewEnvelope(eventType, aggregateType string, payload map[string]any) Envelope {
	return Envelope{
		ID:            id.New(),
		Type:          eventType,
		AggregateType: aggregateType,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// EventHandler consumes one event.
type EventHandler func(ctx context.Context, event Envelope) error

type subscription struct {
	eventType string // "*" matches every type
	filter    *eventFilter
	handler   EventHandler
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription) error

// WithFilter restricts the subscription to events matching a CEL expression
// over `type`, `aggregate_type`, and `payload`, e.g.
//
//	payload.amount > 100 && aggregate_type == "order"
func WithFilter(expr string) SubscribeOption {
	return func(s *subscription) error {
		filter, err := compileFilter(expr)
		if err != nil {
			return fmt.Errorf("compile subscription filter: %w", err)
		}
		s.filter = filter
		return nil
	}
}

// Subscribe registers handler for events of eventType ("*" for all).
func (d *Dispatcher) Subscribe(eventType string, handler EventHandler, opts ...SubscribeOption) error {
	sub := &subscription{eventType: eventType, handler: handler}
	for _, opt := range opts {
		if err := opt(sub); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return nil
}

// DeliveryError aggregates subscriber failures from one event publication.
// Every matching subscriber was attempted.
type DeliveryError struct {
	EventType string
	Errs      []error
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "event %q: %d subscriber(s) failed", e.EventType, len(e.Errs))
	for _, err := range e.Errs {
		b.WriteString("; ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() []error {
	return e.Errs
}

// PublishEvent delivers the event to every matching subscription in
// registration order, best-effort: one failing subscriber does not block
// the rest, and all failures come back as one *DeliveryError.
func (d *Dispatcher) PublishEvent(ctx context.Context, event Envelope) error {
	d.mu.RLock()
	subs := make([]*subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	ctx = ensureTrace(ctx)

	var errs []error
	for _, sub := range subs {
		if sub.eventType != "*" && sub.eventType != event.Type {
			continue
		}
		if sub.filter != nil {
			match, err := sub.filter.matches(event)
			if err != nil {
				logger.Warn(ctx, "event filter evaluation failed",
					"event_type", event.Type, "error", err)
				errs = append(errs, err)
				continue
			}
			if !match {
				continue
			}
		}
		if err := sub.handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &DeliveryError{EventType: event.Type, Errs: errs}
	}
	return nil
}
