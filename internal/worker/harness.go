// Package worker implements the competing-consumer and fan-out pools on top
// of a small harness shared by both. The harness owns the poll loop, the
// claim-or-DLQ call and the event emission; pools parameterize it with a
// group layout and a processing step.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// Outcome is the result of one processing step.
type Outcome int

const (
	// OutcomeAck acknowledges the entry; it will not be redelivered.
	OutcomeAck Outcome = iota
	// OutcomeRetry leaves the entry pending; idle-based re-claim drives the
	// retry and, past the delivery threshold, the DLQ move.
	OutcomeRetry
)

// ProcessFunc handles a single claimed entry. It may append to done streams
// before returning; the harness performs the ack.
type ProcessFunc func(ctx context.Context, entry scripts.Entry, consumer string) Outcome

// Harness runs one consumer loop: poll, claim-or-DLQ, process, ack. It is a
// value parameterized by the processing step so pools with different group
// layouts can share the loop.
type Harness struct {
	Consumer      string
	Stream        string
	DLQStream     string
	Group         string
	MinIdle       time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
	ErrorBackoff  time.Duration

	Engine      *scripts.Engine
	Client      *redis.Client
	Broadcaster *events.Broadcaster
	Logger      *zap.Logger
	Process     ProcessFunc
}

// Run executes the consumer loop until ctx is cancelled. Transient broker
// errors are logged and backed off; they never terminate the loop.
func (h *Harness) Run(ctx context.Context) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("stream", h.Stream),
		zap.String("group", h.Group),
		zap.String("consumer", h.Consumer),
	)
	logger.Info("worker started")

	for {
		select {
		case <-time.After(h.PollInterval):
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		}

		result, err := h.Engine.ReadClaimOrDLQ(ctx, h.Stream, h.DLQStream, h.Group, h.Consumer, h.MinIdle, 1, h.MaxDeliveries)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopped")
				return
			}
			logger.Warn("claim failed, backing off", zap.Error(err))
			select {
			case <-time.After(h.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, dead := range result.DeadLetters {
			logger.Info("entry dead-lettered",
				zap.String("id", dead.OriginalID), zap.String("dlq_id", dead.DLQID))
			h.Broadcaster.Broadcast(events.Deleted(h.Stream, dead.OriginalID))
			h.Broadcaster.Broadcast(events.ToDLQ(h.Stream, dead.OriginalID, dead.DLQID, dead.Fields))
		}

		for _, entry := range result.Entries {
			outcome := h.Process(ctx, entry, h.Consumer)
			if outcome != OutcomeAck {
				// Leaving the entry pending is deliberate: re-claim after
				// MinIdle retries it, and the delivery threshold eventually
				// routes it to the DLQ.
				logger.Debug("entry left pending", zap.String("id", entry.ID))
				continue
			}
			if err := h.Client.XAck(ctx, h.Stream, h.Group, entry.ID).Err(); err != nil {
				logger.Warn("ack failed", zap.String("id", entry.ID), zap.Error(err))
				continue
			}
			h.Broadcaster.Broadcast(events.Processed(h.Stream, entry.ID, h.Consumer, 0))
		}
	}
}

// Pool runs a set of harnesses and waits for them on shutdown.
type Pool struct {
	harnesses []*Harness
	wg        sync.WaitGroup
}

// NewPool creates a pool over the given harnesses.
func NewPool(harnesses ...*Harness) *Pool {
	return &Pool{harnesses: harnesses}
}

// Start launches every harness loop.
func (p *Pool) Start(ctx context.Context) {
	for _, h := range p.harnesses {
		h := h
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			h.Run(ctx)
		}()
	}
}

// Wait blocks until every harness loop has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
