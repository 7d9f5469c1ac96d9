package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicflow/clinicflow/internal/events"
)

// Dispatcher handles one decoded event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) error
}

// ConsumeChannel is the subset of *amqp.Channel a subscription needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelSource opens channels for consumer subscriptions.
type ChannelSource interface {
	ConsumeChannel() (ConsumeChannel, error)
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Topology Topology
	// Concurrency is the worker count per queue; it is also the prefetch.
	Concurrency int
	// HandlerTimeout bounds a single dispatch.
	HandlerTimeout time.Duration
	// Tag prefixes the consumer tags registered with the broker.
	Tag string
}

// DefaultConsumerConfig runs 5 workers per queue.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topology:       DefaultTopology(),
		Concurrency:    5,
		HandlerTimeout: 30 * time.Second,
		Tag:            "notifier",
	}
}

// Consumer subscribes to every event queue and the dead-letter queue, each
// with its own worker pool.
type Consumer struct {
	source     ChannelSource
	dispatcher Dispatcher
	config     ConsumerConfig
	logger     *slog.Logger
}

// NewConsumer creates a Consumer. Call Run to start consuming.
func NewConsumer(source ChannelSource, dispatcher Dispatcher, config ConsumerConfig, logger *slog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}
	if config.Tag == "" {
		config.Tag = def.Tag
	}
	return &Consumer{
		source:     source,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

// ErrDeliveriesClosed reports that the broker closed a subscription.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Run consumes until ctx is cancelled. It returns ErrDeliveriesClosed if any
// subscription ends while ctx is still live.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type subscription struct {
		queue  string
		handle func(context.Context, amqp.Delivery)
	}
	subs := make([]subscription, 0, len(events.RoutingKeys)+1)
	for _, key := range events.RoutingKeys {
		subs = append(subs, subscription{queue: c.config.Topology.QueueFor(key), handle: c.handleEvent})
	}
	subs = append(subs, subscription{queue: c.config.Topology.DeadLetterQueue, handle: c.handleDeadLetter})

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	for _, sub := range subs {
		deliveries, ch, err := c.subscribe(sub.queue)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer ch.Close()

		c.logger.Info("consuming", "queue", sub.queue, "workers", c.config.Concurrency)

		for i := 0; i < c.config.Concurrency; i++ {
			wg.Add(1)
			go func(queue string, handle func(context.Context, amqp.Delivery)) {
				defer wg.Done()
				if err := c.work(ctx, deliveries, handle); err != nil {
					fail(fmt.Errorf("queue %s: %w", queue, err))
				}
			}(sub.queue, sub.handle)
		}
	}

	wg.Wait()
	return firstErr
}

func (c *Consumer) subscribe(queue string) (<-chan amqp.Delivery, ConsumeChannel, error) {
	ch, err := c.source.ConsumeChannel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel for %s: %w", queue, err)
	}
	if err := ch.Qos(c.config.Concurrency, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("qos for %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, c.config.Tag+"."+queue, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			handle(ctx, d)
		}
	}
}

// handleEvent acks on success, rejects malformed payloads without requeue so
// the broker dead-letters them, and nacks with requeue on dispatch failure.
// Redelivery is capped by the queue's delivery limit.
func (c *Consumer) handleEvent(ctx context.Context, d amqp.Delivery) {
	logger := c.logger.With(
		"routing_key", d.RoutingKey,
		"message_id", d.MessageId,
		"redelivered", d.Redelivered,
	)

	ev, err := events.Decode(d.RoutingKey, d.Body)
	if err != nil {
		logger.Error("malformed event rejected", "error", err)
		if err := d.Reject(false); err != nil {
			logger.Error("reject failed", "error", err)
		}
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()

	if err := c.dispatcher.Dispatch(dispatchCtx, ev); err != nil {
		logger.Warn("dispatch failed, requeueing",
			"aggregate_id", ev.Meta().AggregateID,
			"delivery_count", deliveryCount(d.Headers),
			"error", err,
		)
		if err := d.Nack(false, true); err != nil {
			logger.Error("nack failed", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("ack failed", "error", err)
		return
	}
	logger.Debug("event dispatched", "aggregate_id", ev.Meta().AggregateID)
}

// handleDeadLetter records a dead-lettered message for inspection and acks it.
// Dead letters are never reprocessed.
func (c *Consumer) handleDeadLetter(_ context.Context, d amqp.Delivery) {
	info := InspectDeadLetter(d)
	c.logger.Error("dead-lettered event",
		"message_id", d.MessageId,
		"event_id", info.EventID,
		"original_routing_key", info.OriginalRoutingKey,
		"failure_reason", info.Reason,
		"death_count", info.DeathCount,
		"source_queue", info.SourceQueue,
		"body", string(d.Body),
	)
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", "message_id", d.MessageId, "error", err)
	}
}

// DeadLetterInfo is what can be learned about why a message was dead-lettered.
type DeadLetterInfo struct {
	EventID            string
	OriginalRoutingKey string
	Reason             string
	SourceQueue        string
	DeathCount         int64
}

// InspectDeadLetter reads the publisher's DLX headers and the broker's
// x-death history. Publisher headers take precedence.
func InspectDeadLetter(d amqp.Delivery) DeadLetterInfo {
	info := DeadLetterInfo{
		EventID:            headerString(d.Headers, HeaderEventID),
		OriginalRoutingKey: headerString(d.Headers, HeaderOriginalRoutingKey),
		Reason:             headerString(d.Headers, HeaderFailureReason),
	}
	if info.EventID == "" {
		info.EventID = d.MessageId
	}

	deaths, _ := d.Headers["x-death"].([]any)
	for _, raw := range deaths {
		death, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		info.DeathCount += int64Of(death["count"])
		if info.SourceQueue == "" {
			info.SourceQueue, _ = death["queue"].(string)
		}
		if info.Reason == "" {
			info.Reason, _ = death["reason"].(string)
		}
		if info.OriginalRoutingKey == "" {
			if keys, ok := death["routing-keys"].([]any); ok && len(keys) > 0 {
				info.OriginalRoutingKey, _ = keys[0].(string)
			}
		}
	}
	return info
}

func deliveryCount(h amqp.Table) int64 {
	return int64Of(h["x-delivery-count"])
}

func headerString(h amqp.Table, key string) string {
	s, _ := h[key].(string)
	return s
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
