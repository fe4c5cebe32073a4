package worker

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// Fan-out stream layout. Each worker owns a private group, so every entry is
// delivered once per worker: a true broadcast with per-worker retry and DLQ
// semantics.
const (
	FanoutStream      = "fanout.events.v1"
	FanoutGroupPrefix = "fanout"
)

// FanoutDLQ is the dead-letter stream shared by the fan-out groups.
func FanoutDLQ() string { return FanoutStream + ":dlq" }

// FanoutDoneStream names the per-worker done stream.
func FanoutDoneStream(consumer string) string {
	return FanoutStream + "." + consumer
}

// FanoutStreams lists every stream the fan-out demo touches.
func FanoutStreams(workers int) []string {
	streams := []string{FanoutStream, FanoutDLQ()}
	for i := 1; i <= workers; i++ {
		streams = append(streams, FanoutDoneStream(fmt.Sprintf("worker-%d", i)))
	}
	return streams
}

// FanoutConfig tunes the fan-out pool.
type FanoutConfig struct {
	Workers         int
	MinIdle         time.Duration
	MaxDeliveries   int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	ProcessingDelay time.Duration
}

// NewFanoutPool builds N consumers, each with its own group over the same
// stream. The processing step is the same as the work queue's; only the
// group layout differs.
func NewFanoutPool(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, cfg FanoutConfig, logger *zap.Logger) *Pool {
	harnesses := make([]*Harness, 0, cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		harnesses = append(harnesses, &Harness{
			Consumer:      consumer,
			Stream:        FanoutStream,
			DLQStream:     FanoutDLQ(),
			Group:         fmt.Sprintf("%s-%d", FanoutGroupPrefix, i),
			MinIdle:       cfg.MinIdle,
			MaxDeliveries: cfg.MaxDeliveries,
			PollInterval:  cfg.PollInterval,
			ErrorBackoff:  cfg.ErrorBackoff,
			Engine:        engine,
			Client:        client,
			Broadcaster:   broadcaster,
			Logger:        logger,
			Process:       simulatedProcessor(client, FanoutDoneStream, cfg.ProcessingDelay, logger),
		})
	}
	return NewPool(harnesses...)
}
