package worker

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

// Work-queue stream layout.
const (
	WorkQueueStream = "jobs.imageProcessing.v1"
	WorkQueueGroup  = "workers"

	// ProcessingTypeOK marks an entry the worker should complete and ack;
	// any other value leaves the entry pending for retry/DLQ.
	ProcessingTypeOK = "OK"
)

// WorkQueueDLQ is the dead-letter stream of the work queue.
func WorkQueueDLQ() string { return WorkQueueStream + ":dlq" }

// WorkQueueDoneStream names the per-worker done stream.
func WorkQueueDoneStream(consumer string) string {
	return WorkQueueStream + "." + consumer
}

// WorkQueueStreams lists every stream the work-queue demo touches, for the
// HTTP surface and the tailer.
func WorkQueueStreams(workers int) []string {
	streams := []string{WorkQueueStream, WorkQueueDLQ()}
	for i := 1; i <= workers; i++ {
		streams = append(streams, WorkQueueDoneStream(fmt.Sprintf("worker-%d", i)))
	}
	return streams
}

// WorkQueueConfig tunes the competing-consumer pool.
type WorkQueueConfig struct {
	Workers         int
	MinIdle         time.Duration
	MaxDeliveries   int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	ProcessingDelay time.Duration
}

// NewWorkQueuePool builds N competing consumers sharing one group. An entry
// whose processingType field is "OK" is copied to the worker's done stream
// and acked; anything else is left pending so idle re-claim retries it.
func NewWorkQueuePool(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, cfg WorkQueueConfig, logger *zap.Logger) *Pool {
	harnesses := make([]*Harness, 0, cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		harnesses = append(harnesses, &Harness{
			Consumer:      consumer,
			Stream:        WorkQueueStream,
			DLQStream:     WorkQueueDLQ(),
			Group:         WorkQueueGroup,
			MinIdle:       cfg.MinIdle,
			MaxDeliveries: cfg.MaxDeliveries,
			PollInterval:  cfg.PollInterval,
			ErrorBackoff:  cfg.ErrorBackoff,
			Engine:        engine,
			Client:        client,
			Broadcaster:   broadcaster,
			Logger:        logger,
			Process:       simulatedProcessor(client, WorkQueueDoneStream, cfg.ProcessingDelay, logger),
		})
	}
	return NewPool(harnesses...)
}

// simulatedProcessor sleeps for the configured delay, then either copies the
// entry to the consumer's done stream (processingType == "OK") or reports a
// retry. The done-stream naming strategy is injected so the fan-out pool can
// reuse the step.
func simulatedProcessor(client *redis.Client, doneStream func(consumer string) string, delay time.Duration, logger *zap.Logger) ProcessFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, entry scripts.Entry, consumer string) Outcome {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return OutcomeRetry
		}

		if entry.Field("processingType") != ProcessingTypeOK {
			logger.Info("processing failed, leaving entry pending",
				zap.String("id", entry.ID), zap.String("consumer", consumer))
			return OutcomeRetry
		}

		done := doneStream(consumer)
		if err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: done,
			Values: jsonx.Flatten(entry.Fields),
		}).Err(); err != nil {
			logger.Warn("done append failed, leaving entry pending",
				zap.String("id", entry.ID), zap.String("stream", done), zap.Error(err))
			return OutcomeRetry
		}
		return OutcomeAck
	}
}
