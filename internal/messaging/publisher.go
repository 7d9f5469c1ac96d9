package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicflow/clinicflow/internal/events"
	"github.com/clinicflow/clinicflow/internal/healthmonitor"
)

// Outcome is where a published event ended up.
type Outcome int

const (
	// OutcomePublished means the broker confirmed the event on the business exchange.
	OutcomePublished Outcome = iota
	// OutcomeDeadLettered means the event was confirmed on the dead-letter exchange.
	OutcomeDeadLettered
	// OutcomeFailed means neither the primary nor the dead-letter publish succeeded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "failed"
	}
}

// ReasonNotifierUnavailable is the failure reason of events diverted by the
// health pre-check.
const ReasonNotifierUnavailable = "notification service unavailable"

// DependencyHealth is a non-blocking pre-check of the notification
// subsystem's health.
type DependencyHealth interface {
	Available(ctx context.Context) bool
}

// PublisherConfig tunes an EventPublisher.
type PublisherConfig struct {
	Topology Topology
	// Timeout bounds each broker publish including its confirm.
	Timeout time.Duration
}

// EventPublisher routes events to the business exchange behind a circuit
// breaker. It falls back to the dead-letter exchange when the notification
// subsystem is down, when the breaker is open and when the publish fails.
type EventPublisher struct {
	broker  Broker
	breaker *healthmonitor.CircuitBreaker
	health  DependencyHealth
	log     PublishLog
	config  PublisherConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewEventPublisher wires a publisher. health may be nil to skip the pre-check.
func NewEventPublisher(broker Broker, breaker *healthmonitor.CircuitBreaker, health DependencyHealth,
	log PublishLog, config PublisherConfig, logger *slog.Logger) *EventPublisher {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &EventPublisher{
		broker:  broker,
		breaker: breaker,
		health:  health,
		log:     log,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Publish encodes ev and delivers it. The returned error is non-nil only when
// the event could not be placed on either exchange.
func (p *EventPublisher) Publish(ctx context.Context, ev events.Event) (Outcome, error) {
	routingKey := ev.RoutingKey()
	eventID := uuid.NewString()

	body, err := events.Encode(ev)
	if err != nil {
		p.record(ctx, eventID, ev, OutcomeFailed, err.Error())
		return OutcomeFailed, fmt.Errorf("encode %s: %w", routingKey, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    eventID,
		Timestamp:    p.now().UTC(),
		Type:         routingKey,
		Body:         body,
	}

	if p.health != nil && !p.health.Available(ctx) {
		p.logger.Warn("notification service unavailable, routing event to dead-letter exchange",
			"routing_key", routingKey,
			"event_id", eventID,
		)
		return p.deadLetter(ctx, eventID, ev, msg, ReasonNotifierUnavailable)
	}

	outcome := OutcomePublished
	err = p.breaker.Execute(ctx,
		func(ctx context.Context) error {
			return p.send(ctx, p.config.Topology.Exchange, routingKey, msg)
		},
		func(ctx context.Context, cause error) error {
			p.logger.Warn("primary publish unavailable, routing event to dead-letter exchange",
				"routing_key", routingKey,
				"event_id", eventID,
				"breaker_state", p.breaker.State(),
				"error", cause,
			)
			var dlqErr error
			outcome, dlqErr = p.deadLetter(ctx, eventID, ev, msg, cause.Error())
			return dlqErr
		},
	)
	if err != nil {
		return OutcomeFailed, err
	}

	if outcome == OutcomePublished {
		p.logger.Info("event published",
			"routing_key", routingKey,
			"event_id", eventID,
			"aggregate_id", ev.Meta().AggregateID,
		)
		p.record(ctx, eventID, ev, OutcomePublished, "")
	}
	return outcome, nil
}

func (p *EventPublisher) deadLetter(ctx context.Context, eventID string, ev events.Event, msg amqp.Publishing, reason string) (Outcome, error) {
	msg.Headers = amqp.Table{
		HeaderOriginalRoutingKey: ev.RoutingKey(),
		HeaderFailureReason:      reason,
		HeaderEventID:            eventID,
	}

	if err := p.send(ctx, p.config.Topology.DeadLetterExchange, events.RoutingFailed, msg); err != nil {
		p.logger.Error("dead-letter publish failed, event lost",
			"routing_key", ev.RoutingKey(),
			"event_id", eventID,
			"aggregate_id", ev.Meta().AggregateID,
			"reason", reason,
			"error", err,
		)
		p.record(ctx, eventID, ev, OutcomeFailed, reason+"; "+err.Error())
		return OutcomeFailed, fmt.Errorf("dead-letter %s: %w", ev.RoutingKey(), err)
	}

	p.record(ctx, eventID, ev, OutcomeDeadLettered, reason)
	return OutcomeDeadLettered, nil
}

func (p *EventPublisher) send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	return p.broker.Publish(ctx, exchange, routingKey, msg)
}

func (p *EventPublisher) record(ctx context.Context, eventID string, ev events.Event, outcome Outcome, reason string) {
	if p.log == nil {
		return
	}
	rec := PublishRecord{
		EventID:     eventID,
		RoutingKey:  ev.RoutingKey(),
		AggregateID: ev.Meta().AggregateID,
		Outcome:     outcome,
		Reason:      reason,
		At:          p.now().UTC(),
	}
	if err := p.log.Append(ctx, rec); err != nil {
		p.logger.Warn("publish log append failed", "event_id", eventID, "error", err)
	}
}
