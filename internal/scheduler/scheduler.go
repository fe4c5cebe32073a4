// Package scheduler implements delayed delivery: messages parked in a hash
// per message plus a sorted-set index scored by due time, and a poller that
// moves due messages onto the reminders stream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"go.uber.org/zap"
)

// Key layout.
const (
	IndexKey      = "scheduled.messages"
	MessagePrefix = "scheduled:message:"

	// IndexMemberPrefix prefixes message ids inside the sorted-set index.
	IndexMemberPrefix = "message:"

	// TargetStream receives due messages.
	TargetStream = "reminders.v1"
)

// ErrNotFound reports a scheduled message that does not exist (or already fired).
var ErrNotFound = errors.New("scheduled message not found")

// MessageKey is the hash holding one parked message.
func MessageKey(id string) string { return MessagePrefix + id }

// IndexMember is the sorted-set member representing one parked message.
func IndexMember(id string) string { return IndexMemberPrefix + id }

func memberID(member string) string { return strings.TrimPrefix(member, IndexMemberPrefix) }

// Message is one parked message.
type Message struct {
	ID        string `json:"id"`
	DeliverAt int64  `json:"deliverAt"` // Unix milliseconds
	Payload   string `json:"payload"`   // JSON object, field order preserved
	CreatedAt string `json:"createdAt"`
}

// Scheduler owns the parked-message store and the delivery poller.
type Scheduler struct {
	client      *redis.Client
	broadcaster *events.Broadcaster
	poll        time.Duration
	batch       int
	logger      *zap.Logger
}

// New creates a Scheduler.
func New(client *redis.Client, broadcaster *events.Broadcaster, poll time.Duration, batch int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 10
	}
	return &Scheduler{
		client:      client,
		broadcaster: broadcaster,
		poll:        poll,
		batch:       batch,
		logger:      logger,
	}
}

// Schedule parks a message for delivery at deliverAt. The payload must be a
// JSON object; its field order is preserved on delivery.
func (s *Scheduler) Schedule(ctx context.Context, payload []jsonx.Field, deliverAt time.Time) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		DeliverAt: deliverAt.UnixMilli(),
		Payload:   string(jsonx.MarshalObject(payload)),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, MessageKey(msg.ID),
		"id", msg.ID,
		"deliverAt", msg.DeliverAt,
		"payload", msg.Payload,
		"createdAt", msg.CreatedAt,
	)
	pipe.ZAdd(ctx, IndexKey, redis.Z{Score: float64(msg.DeliverAt), Member: IndexMember(msg.ID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to schedule message: %w", err)
	}
	return msg, nil
}

// Update rewrites the payload and/or due time of a parked message.
func (s *Scheduler) Update(ctx context.Context, id string, payload []jsonx.Field, deliverAt time.Time) (*Message, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Payload = string(jsonx.MarshalObject(payload))
	existing.DeliverAt = deliverAt.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, MessageKey(id),
		"deliverAt", existing.DeliverAt,
		"payload", existing.Payload,
	)
	pipe.ZAdd(ctx, IndexKey, redis.Z{Score: float64(existing.DeliverAt), Member: IndexMember(id)})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to update scheduled message %s: %w", id, err)
	}
	return existing, nil
}

// Get reads one parked message.
func (s *Scheduler) Get(ctx context.Context, id string) (*Message, error) {
	values, err := s.client.HGetAll(ctx, MessageKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled message %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	deliverAt, _ := strconv.ParseInt(values["deliverAt"], 10, 64)
	return &Message{
		ID:        values["id"],
		DeliverAt: deliverAt,
		Payload:   values["payload"],
		CreatedAt: values["createdAt"],
	}, nil
}

// Delete removes one parked message before it fires.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	removed := pipe.ZRem(ctx, IndexKey, IndexMember(id))
	pipe.Del(ctx, MessageKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete scheduled message %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every parked message ordered by due time.
func (s *Scheduler) List(ctx context.Context) ([]*Message, error) {
	members, err := s.client.ZRange(ctx, IndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled index: %w", err)
	}
	messages := make([]*Message, 0, len(members))
	for _, member := range members {
		msg, err := s.Get(ctx, memberID(member))
		if err == ErrNotFound {
			// Index entry without a hash; the poller will prune it.
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Clear drops every parked message and the reminders stream.
func (s *Scheduler) Clear(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, IndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read scheduled index: %w", err)
	}
	keys := []string{IndexKey, TargetStream}
	for _, member := range members {
		keys = append(keys, MessageKey(memberID(member)))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear scheduled messages: %w", err)
	}
	return nil
}

// Run polls the index and delivers due messages until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("poll", s.poll), zap.Int("batch", s.batch))
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.DeliverDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				s.logger.Warn("delivery pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// DeliverDue moves messages due at or before now onto the target stream.
// Cleanup happens only after a successful append, so a crash between append
// and cleanup re-delivers rather than loses.
func (s *Scheduler) DeliverDue(ctx context.Context, now time.Time) error {
	members, err := s.client.ZRangeByScore(ctx, IndexKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(s.batch),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to query due messages: %w", err)
	}

	for _, member := range members {
		id := memberID(member)
		msg, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Orphaned index entry.
			if err := s.client.ZRem(ctx, IndexKey, member).Err(); err != nil {
				return fmt.Errorf("failed to prune orphaned index entry %s: %w", member, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		fields, err := jsonx.ParseObject([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn("dropping scheduled message with invalid payload",
				zap.String("id", id), zap.Error(err))
			fields = nil
		}
		fields = append(fields,
			jsonx.Field{Key: "scheduledId", Value: id},
			jsonx.Field{Key: "scheduledFor", Value: strconv.FormatInt(msg.DeliverAt, 10)})

		streamID, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: TargetStream,
			Values: jsonx.Flatten(fields),
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to deliver scheduled message %s: %w", id, err)
		}

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, IndexKey, member)
		pipe.Del(ctx, MessageKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to clean up scheduled message %s: %w", id, err)
		}

		s.logger.Info("scheduled message delivered",
			zap.String("id", id), zap.String("stream_id", streamID))
		s.broadcaster.Broadcast(events.Produced(TargetStream, streamID, fields))
	}
	return nil
}
