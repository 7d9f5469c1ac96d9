package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/events"
)

// ErrPublisherClosed is returned by AsyncPublisher.Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// ErrQueueFull is returned when the async queue cannot take another event.
var ErrQueueFull = errors.New("publish queue full")

// OutcomePublisher is the synchronous publisher drained by AsyncPublisher.
type OutcomePublisher interface {
	Publish(ctx context.Context, ev events.Event) (Outcome, error)
}

// AsyncPublisher hands events to a background goroutine so that callers never
// wait on the broker. Events are published in submission order.
type AsyncPublisher struct {
	inner  OutcomePublisher
	log    PublishLog
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	done   chan struct{}
}

// NewAsyncPublisher starts a drain goroutine with a queue of the given size.
// Events refused by the queue are recorded in log, which may be nil.
func NewAsyncPublisher(inner OutcomePublisher, log PublishLog, size int, logger *slog.Logger) *AsyncPublisher {
	if size <= 0 {
		size = 256
	}
	p := &AsyncPublisher{
		inner:  inner,
		log:    log,
		logger: logger,
		queue:  make(chan events.Event, size),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish enqueues ev without blocking. A full queue drops the event.
func (p *AsyncPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(ctx, ev, ErrPublisherClosed)
		return ErrPublisherClosed
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		p.drop(ctx, ev, ErrQueueFull)
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) drop(ctx context.Context, ev events.Event, cause error) {
	eventID := uuid.NewString()
	p.logger.Warn("dropping event",
		"routing_key", ev.RoutingKey(),
		"aggregate_id", ev.Meta().AggregateID,
		"event_id", eventID,
		"reason", cause,
	)
	if p.log == nil {
		return
	}
	rec := PublishRecord{
		EventID:     eventID,
		RoutingKey:  ev.RoutingKey(),
		AggregateID: ev.Meta().AggregateID,
		Outcome:     OutcomeFailed,
		Reason:      cause.Error(),
		At:          time.Now().UTC(),
	}
	if err := p.log.Append(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("publish log append failed", "event_id", eventID, "error", err)
	}
}

func (p *AsyncPublisher) drain() {
	defer close(p.done)

	// The request that produced an event may be long gone; publish on a
	// detached context and rely on the inner publisher's timeout.
	ctx := context.Background()
	for ev := range p.queue {
		outcome, err := p.inner.Publish(ctx, ev)
		if err != nil {
			p.logger.Error("async publish failed",
				"routing_key", ev.RoutingKey(),
				"aggregate_id", ev.Meta().AggregateID,
				"outcome", outcome,
				"error", err,
			)
		}
	}
}

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
