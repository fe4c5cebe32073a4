package perkey

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/redisx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Pool, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pool := NewPool(client, events.NewBroadcaster(nil), Config{
		Workers:         1,
		LockTTL:         30 * time.Second,
		MinIdle:         time.Millisecond,
		ReadWait:        time.Millisecond,
		ProcessingDelay: 0,
		ErrorBackoff:    time.Millisecond,
	}, nil)
	return pool, client
}

func TestSubmitPreservesOrder(t *testing.T) {
	pool, client := newTestPool(t)
	ctx := context.Background()

	ids, err := pool.Submit(ctx, []Order{
		{OrderID: "#1001", Action: "A"},
		{OrderID: "#1001", Action: "B"},
		{OrderID: "#2002", Action: "D"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	msgs, err := client.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "A", msgs[0].Values["action"])
	assert.Equal(t, "B", msgs[1].Values["action"])
	assert.Equal(t, "D", msgs[2].Values["action"])
	assert.Equal(t, "#2002", msgs[2].Values["orderId"])
}

// claimOne makes one entry pending for the given consumer.
func claimOne(t *testing.T, client *redis.Client, consumer string) redis.XMessage {
	t.Helper()
	ctx := context.Background()
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{Stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.NotEmpty(t, streams[0].Messages)
	return streams[0].Messages[0]
}

func TestHandleEntryProcessesAndReleasesLock(t *testing.T) {
	pool, client := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, redisx.EnsureGroup(ctx, client, Stream, Group))
	_, err := pool.Submit(ctx, []Order{{OrderID: "#1001", Action: "A"}})
	require.NoError(t, err)
	msg := claimOne(t, client, "worker-1")

	pool.handleEntry(ctx, "worker-1", 1, msg, false, pool.logger)

	done, err := client.XRange(ctx, DoneStream(1), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "A", done[0].Values["action"])

	// Lock released, entry acked.
	exists, err := client.Exists(ctx, LockPrefix+"#1001").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	pending, err := client.XPending(ctx, Stream, Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestHandleEntrySkipsLockedKey(t *testing.T) {
	pool, client := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, redisx.EnsureGroup(ctx, client, Stream, Group))
	_, err := pool.Submit(ctx, []Order{{OrderID: "#1001", Action: "B"}})
	require.NoError(t, err)
	msg := claimOne(t, client, "worker-1")

	// Another worker holds the key.
	require.NoError(t, client.Set(ctx, LockPrefix+"#1001", "0-1", time.Minute).Err())

	pool.handleEntry(ctx, "worker-1", 1, msg, false, pool.logger)

	// Nothing processed, nothing acked, lock untouched.
	done, err := client.XLen(ctx, DoneStream(1)).Result()
	require.NoError(t, err)
	assert.Zero(t, done)

	pending, err := client.XPending(ctx, Stream, Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	holder, err := client.Get(ctx, LockPrefix+"#1001").Result()
	require.NoError(t, err)
	assert.Equal(t, "0-1", holder)
}

func TestReleaseLockIsOwnerChecked(t *testing.T) {
	pool, client := newTestPool(t)
	ctx := context.Background()
	lockKey := LockPrefix + "#1001"

	// The lock expired mid-processing and another worker took the key; the
	// stale holder's release must leave the new owner's lock alone.
	require.NoError(t, client.Set(ctx, lockKey, "9-9", time.Minute).Err())
	pool.releaseLock(ctx, lockKey, "1-1", pool.logger)

	holder, err := client.Get(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "9-9", holder)

	// The actual owner still releases cleanly.
	pool.releaseLock(ctx, lockKey, "9-9", pool.logger)
	exists, err := client.Exists(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestStreamsListsDoneStreams(t *testing.T) {
	streams := Streams(2)
	assert.Equal(t, []string{Stream, DoneStream(1), DoneStream(2)}, streams)
}
