package tokenbucket

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/redisx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter grants or refuses every token acquire.
type fakeScripter struct {
	grant bool
}

func (f *fakeScripter) result() *redis.Cmd {
	if f.grant {
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.result()
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.result()
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.result()
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.result()
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStoreEnsureDefaultsIsIdempotent(t *testing.T) {
	store := NewStore(newClient(t))
	ctx := context.Background()

	require.NoError(t, store.EnsureDefaults(ctx))
	require.NoError(t, store.SetMax(ctx, "payment", 7))
	require.NoError(t, store.EnsureDefaults(ctx))

	types, err := store.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, types["payment"].Max)
	assert.Equal(t, 2*time.Second, types["payment"].ProcessingMs)
	assert.Contains(t, types, "email")
	assert.Contains(t, types, "report")
}

func TestStoreSetMaxValidates(t *testing.T) {
	store := NewStore(newClient(t))
	assert.Error(t, store.SetMax(context.Background(), "payment", 0))
}

func TestStoreTypeConfigFallback(t *testing.T) {
	store := NewStore(newClient(t))
	cfg, err := store.TypeConfigFor(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Max)
	assert.Equal(t, time.Second, cfg.ProcessingMs)
}

func TestStoreLogsAreCapped(t *testing.T) {
	store := NewStore(newClient(t))
	ctx := context.Background()

	for i := 0; i < LogMaxLen+10; i++ {
		require.NoError(t, store.LogEntry(ctx, SubmittedLog, fmt.Sprintf(`{"jobId":"j%d"}`, i)))
	}
	submitted, completed, err := store.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, submitted, LogMaxLen)
	assert.Empty(t, completed)
	// Newest first.
	assert.Contains(t, submitted[0], fmt.Sprintf("j%d", LogMaxLen+9))
}

func TestSubmitAppendsJobsAndHistory(t *testing.T) {
	client := newClient(t)
	store := NewStore(client)
	pool := NewPool(client, scripts.NewEngine(&fakeScripter{grant: true}, nil), store,
		events.NewBroadcaster(nil), Config{Workers: 1}, nil)
	ctx := context.Background()

	ids, err := pool.Submit(ctx, []string{"payment", "email"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	msgs, err := client.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "payment", msgs[0].Values["type"])
	assert.Equal(t, "email", msgs[1].Values["type"])

	submitted, _, err := store.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, submitted, 2)
}

func testMessage(t *testing.T, client *redis.Client, jobType string) redis.XMessage {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, redisx.EnsureGroup(ctx, client, Stream, Group))
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		Values: []interface{}{"jobId", "j1", "type", jobType},
	}).Result()
	require.NoError(t, err)

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: "worker-1",
		Streams:  []string{Stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	return streams[0].Messages[0]
}

func TestHandleEntryCompletesWhenTokenGranted(t *testing.T) {
	client := newClient(t)
	store := NewStore(client)
	ctx := context.Background()

	// Near-zero processing keeps the test fast.
	require.NoError(t, client.HSet(ctx, ConfigKey, "max:payment", 2, "processingMs:payment", 1).Err())

	pool := NewPool(client, scripts.NewEngine(&fakeScripter{grant: true}, nil), store,
		events.NewBroadcaster(nil), Config{Workers: 1}, nil)
	msg := testMessage(t, client, "payment")

	pool.handleEntry(ctx, "worker-1", msg, pool.logger)

	done, err := client.XRange(ctx, DoneStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "j1", done[0].Values["jobId"])

	progress, err := client.XRange(ctx, ProgressStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, progress, 2)
	assert.Equal(t, StatusStarted, progress[0].Values["status"])
	assert.Equal(t, StatusCompleted, progress[1].Values["status"])

	pending, err := client.XPending(ctx, Stream, Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	_, completed, err := store.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestHandleEntryLeavesPendingWhenBucketFull(t *testing.T) {
	client := newClient(t)
	store := NewStore(client)
	ctx := context.Background()
	require.NoError(t, client.HSet(ctx, ConfigKey, "max:payment", 1, "processingMs:payment", 1).Err())

	pool := NewPool(client, scripts.NewEngine(&fakeScripter{grant: false}, nil), store,
		events.NewBroadcaster(nil), Config{Workers: 1}, nil)
	msg := testMessage(t, client, "payment")

	pool.handleEntry(ctx, "worker-1", msg, pool.logger)

	done, err := client.XLen(ctx, DoneStream()).Result()
	require.NoError(t, err)
	assert.Zero(t, done)

	pending, err := client.XPending(ctx, Stream, Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}
