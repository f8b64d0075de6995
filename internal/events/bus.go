// Package events delivers engine notifications to in-process subscribers
// and, optionally, to NATS.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names an engine event.
type Kind string

const (
	KindMistakeRecorded  Kind = "mistake.recorded"
	KindSolutionVerified Kind = "solution.verified"
	KindRuleOutcome      Kind = "rule.outcome"
	KindInsightsDerived  Kind = "insights.derived"
)

// Event is one engine notification.
type Event struct {
	Kind            Kind      `json:"kind"`
	MistakeID       string    `json:"mistake_id,omitempty"`
	ProjectID       string    `json:"project_id,omitempty"`
	Operation       string    `json:"operation,omitempty"`
	Type            string    `json:"type,omitempty"`
	Category        string    `json:"category,omitempty"`
	Severity        string    `json:"severity,omitempty"`
	RecurrenceCount int       `json:"recurrence_count,omitempty"`
	Recurred        bool      `json:"recurred,omitempty"`
	RuleID          string    `json:"rule_id,omitempty"`
	RuleCreated     bool      `json:"rule_created,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	Count           int       `json:"count,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Handler receives events. Errors are logged by the bus and never
// propagate to the publisher.
type Handler func(ctx context.Context, e Event) error

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	order    []uint64
	next     uint64
	logger   *zap.Logger
}

// NewBus creates an event bus. A nil logger is replaced by a no-op logger.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every subscriber. A failing or panicking handler
// does not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.deliver(ctx, h, e); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("kind", string(e.Kind)),
				zap.String("mistake_id", e.MistakeID),
				zap.Error(err))
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// LogHandler returns a handler that logs every event at debug level.
func LogHandler(logger *zap.Logger) Handler {
	return func(ctx context.Context, e Event) error {
		logger.Debug("engine event",
			zap.String("kind", string(e.Kind)),
			zap.String("mistake_id", e.MistakeID),
			zap.String("operation", e.Operation),
			zap.String("rule_id", e.RuleID),
			zap.Int("recurrence_count", e.RecurrenceCount))
		return nil
	}
}
