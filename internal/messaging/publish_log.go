package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PublishRecord is one entry of the publish audit trail.
type PublishRecord struct {
	EventID     string
	RoutingKey  string
	AggregateID string
	Outcome     Outcome
	Reason      string
	At          time.Time
}

// PublishLog is an append-only trail of publish attempts, kept so that
// dead-lettered events can be traced back to their appointment.
type PublishLog interface {
	Append(ctx context.Context, rec PublishRecord) error
}

// RedisPublishLog appends records to a capped Redis stream.
type RedisPublishLog struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublishLog writes to stream, trimming it to roughly maxLen entries.
func NewRedisPublishLog(client *redis.Client, stream string, maxLen int64) *RedisPublishLog {
	return &RedisPublishLog{client: client, stream: stream, maxLen: maxLen}
}

func (l *RedisPublishLog) Append(ctx context.Context, rec PublishRecord) error {
	err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":     rec.EventID,
			"routing_key":  rec.RoutingKey,
			"aggregate_id": rec.AggregateID,
			"outcome":      rec.Outcome.String(),
			"reason":       rec.Reason,
			"at":           rec.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", l.stream, err)
	}
	return nil
}

// MemoryPublishLog keeps records in process.
type MemoryPublishLog struct {
	mu      sync.Mutex
	records []PublishRecord
}

func (l *MemoryPublishLog) Append(_ context.Context, rec PublishRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (l *MemoryPublishLog) Records() []PublishRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PublishRecord(nil), l.records...)
}
