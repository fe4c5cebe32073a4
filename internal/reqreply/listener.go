package reqreply

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"github.com/streamlab/redis-patterns/internal/worker"
	"go.uber.org/zap"
)

// ResponsePrefix tags INFO events carrying a response so the UI can
// demultiplex them by correlation ID.
const ResponsePrefix = "RESPONSE:"

// ListenerConfig tunes the response listener.
type ListenerConfig struct {
	MinIdle      time.Duration
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// NewResponseListener builds the worker that consumes the response stream and
// surfaces each reply to observers as a tagged INFO event.
func NewResponseListener(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, cfg ListenerConfig, logger *zap.Logger) *worker.Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &worker.Harness{
		Consumer:      "listener-1",
		Stream:        ResponseStream,
		DLQStream:     ResponseDLQ(),
		Group:         ResponseGroup,
		MinIdle:       cfg.MinIdle,
		MaxDeliveries: 2,
		PollInterval:  cfg.PollInterval,
		ErrorBackoff:  cfg.ErrorBackoff,
		Engine:        engine,
		Client:        client,
		Broadcaster:   broadcaster,
		Logger:        logger,
		Process: func(ctx context.Context, entry scripts.Entry, consumer string) worker.Outcome {
			broadcaster.Broadcast(events.InfoEvent(ResponsePrefix + string(jsonx.MarshalObject(entry.Fields))))
			return worker.OutcomeAck
		},
	}
}
