// Package dlq implements the interactive retry/dead-letter demo: produce to
// an arbitrary stream, process entries with a chosen outcome, and watch
// idle-based re-claim push repeated failures onto the dead-letter stream.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// Group is the consumer group used by the demo processor.
const Group = "demo-group"

// DefaultConsumer handles process calls that do not name a consumer.
const DefaultConsumer = "demo-consumer"

// ConfigKeyPrefix + stream is the per-stream retry configuration hash.
const ConfigKeyPrefix = "dlq:config:"

// DLQStream is the dead-letter stream of a demo stream.
func DLQStream(stream string) string { return stream + ":dlq" }

// ConfigKey is the retry configuration hash of a demo stream.
func ConfigKey(stream string) string { return ConfigKeyPrefix + stream }

// Config is the per-stream retry policy.
type Config struct {
	MaxDeliveries int           `json:"maxDeliveries"`
	MinIdle       time.Duration `json:"-"`
}

// ProcessedEntry is one entry handled by a process call.
type ProcessedEntry struct {
	ID            string       `json:"messageId"`
	Fields        jsonx.Object `json:"payload"`
	DeliveryCount int64        `json:"deliveryCount"`
	WasRetry      bool         `json:"wasRetry"`
	Acked         bool         `json:"acked"`
}

// DeadLettered is one entry moved to the dead-letter stream.
type DeadLettered struct {
	OriginalID string       `json:"originalId"`
	DLQID      string       `json:"dlqId"`
	Fields     jsonx.Object `json:"payload"`
}

// ProcessResult is the outcome of one process call.
type ProcessResult struct {
	Processed    []ProcessedEntry `json:"processed"`
	DeadLettered []DeadLettered   `json:"deadLettered"`
}

// BrowseEntry is one entry of a stream listing, newest first.
type BrowseEntry struct {
	ID     string       `json:"messageId"`
	Fields jsonx.Object `json:"payload"`
}

// Service drives the demo.
type Service struct {
	client      *redis.Client
	engine      *scripts.Engine
	broadcaster *events.Broadcaster
	defaults    Config
	logger      *zap.Logger
}

// NewService creates the Service. defaults applies to streams without an
// explicit configuration.
func NewService(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, defaults Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:      client,
		engine:      engine,
		broadcaster: broadcaster,
		defaults:    defaults,
		logger:      logger,
	}
}

// Config returns the retry policy of a stream, falling back to the defaults.
func (s *Service) Config(ctx context.Context, stream string) (Config, error) {
	values, err := s.client.HGetAll(ctx, ConfigKey(stream)).Result()
	if err != nil {
		return Config{}, fmt.Errorf("failed to read retry config for %s: %w", stream, err)
	}
	cfg := s.defaults
	if v, ok := values["maxDeliveries"]; ok {
		if _, err := fmt.Sscanf(v, "%d", &cfg.MaxDeliveries); err != nil {
			return Config{}, fmt.Errorf("corrupt maxDeliveries for %s: %q", stream, v)
		}
	}
	if v, ok := values["minIdleMs"]; ok {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
			return Config{}, fmt.Errorf("corrupt minIdleMs for %s: %q", stream, v)
		}
		cfg.MinIdle = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}

// SetConfig stores the retry policy of a stream.
func (s *Service) SetConfig(ctx context.Context, stream string, cfg Config) error {
	if cfg.MaxDeliveries < 1 {
		return fmt.Errorf("maxDeliveries must be at least 1, got %d", cfg.MaxDeliveries)
	}
	if cfg.MinIdle <= 0 {
		return fmt.Errorf("minIdle must be positive, got %s", cfg.MinIdle)
	}
	err := s.client.HSet(ctx, ConfigKey(stream),
		"maxDeliveries", cfg.MaxDeliveries,
		"minIdleMs", cfg.MinIdle.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store retry config for %s: %w", stream, err)
	}
	return nil
}

// Produce appends a payload to a demo stream.
func (s *Service) Produce(ctx context.Context, stream string, payload []jsonx.Field) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: jsonx.Flatten(payload),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to produce to %s: %w", stream, err)
	}
	return id, nil
}

// Process runs one claim-or-DLQ step against a demo stream. succeed controls
// the simulated outcome: true acks the claimed entries, false leaves them
// pending so the next call past the idle threshold retries them.
func (s *Service) Process(ctx context.Context, stream, consumer string, succeed bool, count int) (*ProcessResult, error) {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	if count < 1 {
		count = 1
	}
	cfg, err := s.Config(ctx, stream)
	if err != nil {
		return nil, err
	}

	claim, err := s.engine.ReadClaimOrDLQ(ctx, stream, DLQStream(stream), Group, consumer, cfg.MinIdle, count, cfg.MaxDeliveries)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{
		Processed:    []ProcessedEntry{},
		DeadLettered: []DeadLettered{},
	}

	for _, dead := range claim.DeadLetters {
		s.logger.Info("entry dead-lettered",
			zap.String("stream", stream),
			zap.String("id", dead.OriginalID), zap.String("dlq_id", dead.DLQID))
		s.broadcaster.Broadcast(events.Deleted(stream, dead.OriginalID))
		s.broadcaster.Broadcast(events.ToDLQ(stream, dead.OriginalID, dead.DLQID, dead.Fields))
		result.DeadLettered = append(result.DeadLettered, DeadLettered{
			OriginalID: dead.OriginalID,
			DLQID:      dead.DLQID,
			Fields:     dead.Fields,
		})
	}

	for _, entry := range claim.Entries {
		deliveries := s.deliveryCount(ctx, stream, entry.ID)
		processed := ProcessedEntry{
			ID:            entry.ID,
			Fields:        entry.Fields,
			DeliveryCount: deliveries,
			WasRetry:      deliveries > 1,
		}
		if succeed {
			if err := s.client.XAck(ctx, stream, Group, entry.ID).Err(); err != nil {
				return nil, fmt.Errorf("failed to ack %s on %s: %w", entry.ID, stream, err)
			}
			processed.Acked = true
			s.broadcaster.Broadcast(events.Processed(stream, entry.ID, consumer, deliveries))
		} else {
			// No ack: the entry stays pending and ages toward re-claim.
			if processed.WasRetry {
				s.broadcaster.Broadcast(events.Reclaimed(stream, entry.ID, consumer, deliveries))
			}
			s.logger.Info("simulated failure, entry left pending",
				zap.String("stream", stream), zap.String("id", entry.ID),
				zap.Int64("deliveries", deliveries))
		}
		result.Processed = append(result.Processed, processed)
	}

	return result, nil
}

// deliveryCount reads the delivery counter of one pending entry. The claim
// script's reply does not carry counts, so they come from a pending lookup.
func (s *Service) deliveryCount(ctx context.Context, stream, id string) int64 {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

// Messages lists the newest entries of a stream, newest first.
func (s *Service) Messages(ctx context.Context, stream string, count int64) ([]BrowseEntry, error) {
	if count < 1 {
		count = 50
	}
	messages, err := s.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to browse %s: %w", stream, err)
	}
	entries := make([]BrowseEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, BrowseEntry{
			ID:     msg.ID,
			Fields: jsonx.FromValues(msg.Values),
		})
	}
	return entries, nil
}

// DeleteStream drops a demo stream, its dead-letter stream and its retry
// configuration.
func (s *Service) DeleteStream(ctx context.Context, stream string) error {
	if err := s.client.Del(ctx, stream, DLQStream(stream), ConfigKey(stream)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", stream, err)
	}
	s.broadcaster.Broadcast(events.InfoEvent("stream deleted: " + stream))
	return nil
}
