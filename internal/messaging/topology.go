// Package messaging carries appointment events over RabbitMQ: topology
// declaration, a confirm-mode publisher guarded by a circuit breaker with a
// dead-letter fallback, and a worker-pool consumer.
package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicflow/clinicflow/internal/events"
)

// Header keys stamped on messages routed to the dead-letter exchange.
const (
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderFailureReason      = "x-failure-reason"
	HeaderEventID            = "x-event-id"
)

// Topology names the exchanges and queues of the event pipeline.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
	QueuePrefix        string
	// DeliveryLimit is the quorum-queue redelivery cap; a message nacked more
	// often is dead-lettered by the broker.
	DeliveryLimit int
}

// DefaultTopology returns the production exchange and queue names.
func DefaultTopology() Topology {
	return Topology{
		Exchange:           "appointment.events",
		DeadLetterExchange: "appointment.events.dlx",
		DeadLetterQueue:    "notification.events.failed",
		QueuePrefix:        "notification.",
		DeliveryLimit:      5,
	}
}

// QueueFor returns the consumer queue bound to routingKey.
func (t Topology) QueueFor(routingKey string) string {
	return t.QueuePrefix + routingKey
}

// Declarer is the subset of *amqp.Channel needed to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare idempotently creates the business topic exchange, one quorum queue
// per routing key dead-lettering into the DLX, and the DLQ itself.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, events.RoutingFailed, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.DeadLetterQueue, err)
	}

	for _, key := range events.RoutingKeys {
		queue := t.QueueFor(key)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, t.queueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

func (t Topology) queueArgs() amqp.Table {
	args := amqp.Table{
		amqp.QueueTypeArg:           amqp.QueueTypeQuorum,
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": events.RoutingFailed,
	}
	if t.DeliveryLimit > 0 {
		args["x-delivery-limit"] = int32(t.DeliveryLimit)
	}
	return args
}
