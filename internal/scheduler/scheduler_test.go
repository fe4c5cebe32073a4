package scheduler

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, events.NewBroadcaster(nil), 500*time.Millisecond, 10, nil), client
}

func payload() []jsonx.Field {
	return []jsonx.Field{
		{Key: "type", Value: "reminder"},
		{Key: "orderId", Value: "ORD-1"},
	}
}

func TestScheduleAndGet(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	msg, err := s.Schedule(ctx, payload(), due)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, due.UnixMilli(), msg.DeliverAt)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, got.Payload)

	// The index member carries the message: prefix, not the bare id.
	score, err := client.ZScore(ctx, IndexKey, IndexMember(msg.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(due.UnixMilli()), score)
	_, err = client.ZScore(ctx, IndexKey, msg.ID).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestListOrdersByDueTime(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	late, err := s.Schedule(ctx, payload(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	early, err := s.Schedule(ctx, payload(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	messages, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, early.ID, messages[0].ID)
	assert.Equal(t, late.ID, messages[1].ID)
}

func TestUpdateMovesDueTime(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()

	msg, err := s.Schedule(ctx, payload(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	newDue := time.Now().Add(3 * time.Hour)
	updated, err := s.Update(ctx, msg.ID, []jsonx.Field{{Key: "type", Value: "changed"}}, newDue)
	require.NoError(t, err)
	assert.Equal(t, newDue.UnixMilli(), updated.DeliverAt)
	assert.Contains(t, updated.Payload, "changed")

	score, err := client.ZScore(ctx, IndexKey, IndexMember(msg.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(newDue.UnixMilli()), score)

	_, err = s.Update(ctx, "missing", payload(), newDue)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesMessage(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()

	msg, err := s.Schedule(ctx, payload(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, msg.ID))

	_, err = s.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	exists, err := client.Exists(ctx, MessageKey(msg.ID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	assert.ErrorIs(t, s.Delete(ctx, msg.ID), ErrNotFound)
}

func TestDeliverDueMovesOnlyDueMessages(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()

	due, err := s.Schedule(ctx, payload(), time.Now().Add(-time.Second))
	require.NoError(t, err)
	future, err := s.Schedule(ctx, payload(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.DeliverDue(ctx, time.Now()))

	delivered, err := client.XRange(ctx, TargetStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, "reminder", delivered[0].Values["type"])
	assert.Equal(t, "ORD-1", delivered[0].Values["orderId"])
	assert.Equal(t, due.ID, delivered[0].Values["scheduledId"])

	// The due message is gone; the future one is untouched.
	_, err = s.Get(ctx, due.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, future.ID)
	assert.NoError(t, err)

	remaining, err := client.ZCard(ctx, IndexKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestDeliverDuePrunesOrphanedIndexEntries(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, IndexKey, redis.Z{Score: 1, Member: IndexMember("ghost")}).Err())
	require.NoError(t, s.DeliverDue(ctx, time.Now()))

	remaining, err := client.ZCard(ctx, IndexKey).Result()
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestClearWipesEverything(t *testing.T) {
	s, client := newTestScheduler(t)
	ctx := context.Background()

	msg, err := s.Schedule(ctx, payload(), time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, s.DeliverDue(ctx, time.Now()))
	_, err = s.Schedule(ctx, payload(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	for _, key := range []string{IndexKey, TargetStream, MessageKey(msg.ID)} {
		exists, err := client.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, exists, "key %s should be gone", key)
	}
}
