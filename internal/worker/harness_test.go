package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter replays a fixed claim reply, once.
type fakeScripter struct {
	mu     sync.Mutex
	result interface{}
	served bool
}

func (f *fakeScripter) reply() *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		return redis.NewCmdResult([]interface{}{[]interface{}{}, []interface{}{}}, nil)
	}
	f.served = true
	return redis.NewCmdResult(f.result, nil)
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.reply()
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.reply()
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.reply()
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.reply()
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

// channelObserver pushes received frames into a channel.
type channelObserver struct {
	frames chan []byte
}

func (o *channelObserver) Send(data []byte) error {
	select {
	case o.frames <- data:
	default:
	}
	return nil
}

func (o *channelObserver) Close() error { return nil }

func collectEventTypes(t *testing.T, frames chan []byte, want int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	var types []string
	for len(types) < want {
		select {
		case data := <-frames:
			var evt map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &evt))
			types = append(types, evt["eventType"].(string))
		case <-deadline:
			t.Fatalf("timed out with events %v, want %d", types, want)
		}
	}
	return types
}

func newHarnessFixture(t *testing.T, claimReply interface{}, process ProcessFunc) (*Harness, chan []byte) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broadcaster := events.NewBroadcaster(nil)
	obs := &channelObserver{frames: make(chan []byte, 32)}
	broadcaster.Register("test", obs)

	return &Harness{
		Consumer:      "worker-1",
		Stream:        "test-stream",
		DLQStream:     "test-stream:dlq",
		Group:         "workers",
		MinIdle:       time.Millisecond,
		MaxDeliveries: 2,
		PollInterval:  time.Millisecond,
		ErrorBackoff:  time.Millisecond,
		Engine:        scripts.NewEngine(&fakeScripter{result: claimReply}, nil),
		Client:        client,
		Broadcaster:   broadcaster,
		Process:       process,
	}, obs.frames
}

func TestHarnessAcksAndBroadcastsProcessed(t *testing.T) {
	reply := []interface{}{
		[]interface{}{
			[]interface{}{"1-0", []interface{}{"processingType", "OK"}},
		},
		[]interface{}{},
	}
	var processedID string
	var mu sync.Mutex
	h, frames := newHarnessFixture(t, reply, func(ctx context.Context, entry scripts.Entry, consumer string) Outcome {
		mu.Lock()
		processedID = entry.ID
		mu.Unlock()
		return OutcomeAck
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	types := collectEventTypes(t, frames, 1, 2*time.Second)
	assert.Equal(t, []string{"MESSAGE_PROCESSED"}, types)

	cancel()
	<-done

	mu.Lock()
	assert.Equal(t, "1-0", processedID)
	mu.Unlock()
}

func TestHarnessBroadcastsDeadLetters(t *testing.T) {
	reply := []interface{}{
		[]interface{}{},
		[]interface{}{
			[]interface{}{"1-0", []interface{}{"processingType", "Error"}, "9-0"},
		},
	}
	h, frames := newHarnessFixture(t, reply, func(ctx context.Context, entry scripts.Entry, consumer string) Outcome {
		t.Error("process must not run for dead letters")
		return OutcomeAck
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	types := collectEventTypes(t, frames, 2, 2*time.Second)
	assert.Equal(t, []string{"MESSAGE_DELETED", "MESSAGE_TO_DLQ"}, types)

	cancel()
	<-done
}

func TestHarnessRetryDoesNotAck(t *testing.T) {
	reply := []interface{}{
		[]interface{}{
			[]interface{}{"1-0", []interface{}{"processingType", "Error"}},
		},
		[]interface{}{},
	}
	processed := make(chan struct{}, 1)
	h, frames := newHarnessFixture(t, reply, func(ctx context.Context, entry scripts.Entry, consumer string) Outcome {
		select {
		case processed <- struct{}{}:
		default:
		}
		return OutcomeRetry
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("process step never ran")
	}

	// No MESSAGE_PROCESSED may arrive for a retry outcome.
	select {
	case data := <-frames:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestSimulatedProcessorCopiesToDoneStream(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	process := simulatedProcessor(client, WorkQueueDoneStream, 0, nil)
	ctx := context.Background()

	entry := scripts.Entry{ID: "1-0", Fields: []jsonx.Field{
		{Key: "jobId", Value: "j1"},
		{Key: "processingType", Value: "OK"},
	}}
	assert.Equal(t, OutcomeAck, process(ctx, entry, "worker-1"))

	msgs, err := client.XRange(ctx, WorkQueueDoneStream("worker-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "j1", msgs[0].Values["jobId"])

	failing := scripts.Entry{ID: "2-0", Fields: []jsonx.Field{
		{Key: "processingType", Value: "Error"},
	}}
	assert.Equal(t, OutcomeRetry, process(ctx, failing, "worker-1"))
}
