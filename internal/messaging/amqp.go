package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker publishes a message and returns once the broker has confirmed it.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ErrNacked is returned when the broker negatively acknowledges a publish.
var ErrNacked = errors.New("publish nacked by broker")

// AMQPBroker is a Broker over a single confirm-mode channel. A closed
// connection or channel is re-established on the next publish.
type AMQPBroker struct {
	url      string
	topology Topology
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialBroker connects to url, declares the topology and enables publisher confirms.
func DialBroker(url string, topology Topology, logger *slog.Logger) (*AMQPBroker, error) {
	b := &AMQPBroker{url: url, topology: topology, logger: logger}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) connectLocked() error {
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return fmt.Errorf("amqp dial: %w", err)
		}
		b.conn = conn
		b.ch = nil
	}
	if b.ch != nil && !b.ch.IsClosed() {
		return nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := b.topology.Declare(ch); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.ch = ch
	b.logger.Info("amqp channel ready", "exchange", b.topology.Exchange)
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	if err := b.connectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	ch := b.ch
	b.mu.Unlock()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s/%s: %w", exchange, routingKey, err)
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", exchange, routingKey, ErrNacked)
	}
	return nil
}

// ConsumeChannel opens a fresh channel for a consumer subscription.
func (b *AMQPBroker) ConsumeChannel() (ConsumeChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, nil
}

// Close cleanly shuts down the AMQP connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// NopBroker logs publishes instead of sending them. It stands in when no
// broker URL is configured.
type NopBroker struct {
	Logger *slog.Logger
}

func (n NopBroker) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	n.Logger.Info("event published (no-op)",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.MessageId,
	)
	return nil
}
