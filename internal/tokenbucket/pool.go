package tokenbucket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/redisx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// Progress statuses.
const (
	StatusStarted   = "STARTED"
	StatusCompleted = "COMPLETED"
)

// Config tunes the pool.
type Config struct {
	Workers      int
	MinIdle      time.Duration // AUTOCLAIM idle threshold for refused entries
	ReadWait     time.Duration // Block ceiling for the group read
	ErrorBackoff time.Duration
}

// Pool runs the limiter workers. Worker count exceeds any single bucket cap
// so the refusal path is actually exercised.
type Pool struct {
	client      *redis.Client
	engine      *scripts.Engine
	store       *Store
	broadcaster *events.Broadcaster
	config      Config
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewPool creates the pool.
func NewPool(client *redis.Client, engine *scripts.Engine, store *Store, broadcaster *events.Broadcaster, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		client:      client,
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
		config:      cfg,
		logger:      logger,
	}
}

// Submit appends one job per type and records it in the submitted history.
func (p *Pool) Submit(ctx context.Context, jobTypes []string) ([]string, error) {
	ids := make([]string, 0, len(jobTypes))
	for _, jobType := range jobTypes {
		jobID := uuid.NewString()
		id, err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: Stream,
			Values: []interface{}{
				"jobId", jobID,
				"type", jobType,
				"submittedAt", time.Now().UTC().Format(time.RFC3339),
			},
		}).Result()
		if err != nil {
			return ids, fmt.Errorf("failed to submit %s job: %w", jobType, err)
		}
		ids = append(ids, id)

		entry := string(jsonx.MarshalObject([]jsonx.Field{
			{Key: "jobId", Value: jobID},
			{Key: "type", Value: jobType},
			{Key: "messageId", Value: id},
		}))
		if err := p.store.LogEntry(ctx, SubmittedLog, entry); err != nil {
			p.logger.Warn("submitted log append failed", zap.Error(err))
		}
	}
	return ids, nil
}

// Start launches the worker loops.
func (p *Pool) Start(ctx context.Context) error {
	if err := redisx.EnsureGroup(ctx, p.client, Stream, Group); err != nil {
		return err
	}
	for i := 1; i <= p.config.Workers; i++ {
		i := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, i)
		}()
	}
	return nil
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	consumer := fmt.Sprintf("worker-%d", n)
	logger := p.logger.With(zap.String("stream", Stream), zap.String("consumer", consumer))
	logger.Info("token-bucket worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("token-bucket worker stopped")
			return
		}

		msg, err := p.nextEntry(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("read failed, backing off", zap.Error(err))
			select {
			case <-time.After(p.config.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.handleEntry(ctx, consumer, *msg, logger)
	}
}

// nextEntry prefers idle pending entries (refused by a full bucket earlier)
// over new ones. Returns nil when nothing is available.
func (p *Pool) nextEntry(ctx context.Context, consumer string) (*redis.XMessage, error) {
	claimed, _, err := p.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   Stream,
		Group:    Group,
		Consumer: consumer,
		MinIdle:  p.config.MinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !redisx.IsNoGroup(err) {
		return nil, err
	}
	if len(claimed) > 0 {
		return &claimed[0], nil
	}

	streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{Stream, ">"},
		Count:    1,
		Block:    p.config.ReadWait,
	}).Result()
	if err != nil {
		if err == redis.Nil || redisx.IsNoGroup(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

// handleEntry tries to take a token for the job's type. A full bucket leaves
// the entry pending; idle re-claim resurfaces it once a slot frees up.
func (p *Pool) handleEntry(ctx context.Context, consumer string, msg redis.XMessage, logger *zap.Logger) {
	jobID := fmt.Sprint(msg.Values["jobId"])
	jobType := fmt.Sprint(msg.Values["type"])
	log := logger.With(zap.String("job_id", jobID), zap.String("type", jobType))

	cfg, err := p.store.TypeConfigFor(ctx, jobType)
	if err != nil {
		log.Warn("config read failed", zap.Error(err))
		return
	}

	acquired, err := p.engine.TryAcquire(ctx, RunningKey(jobType), cfg.Max)
	if err != nil {
		log.Warn("token acquire failed", zap.Error(err))
		return
	}
	if !acquired {
		// Bucket full. No ack: the entry stays pending for re-claim.
		log.Debug("bucket full, leaving entry pending")
		return
	}
	defer func() {
		if err := p.client.Decr(context.WithoutCancel(ctx), RunningKey(jobType)).Err(); err != nil {
			log.Warn("token release failed", zap.Error(err))
		}
	}()

	p.progress(ctx, jobID, jobType, StatusStarted, consumer, log)

	select {
	case <-time.After(cfg.ProcessingMs):
	case <-ctx.Done():
		return
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DoneStream(),
		Values: jsonx.Flatten(jsonx.FromValues(msg.Values)),
	}).Err(); err != nil {
		log.Warn("done append failed, leaving entry pending", zap.Error(err))
		return
	}
	if err := p.client.XAck(ctx, Stream, Group, msg.ID).Err(); err != nil {
		log.Warn("ack failed", zap.Error(err))
		return
	}

	p.progress(ctx, jobID, jobType, StatusCompleted, consumer, log)
	entry := string(jsonx.MarshalObject([]jsonx.Field{
		{Key: "jobId", Value: jobID},
		{Key: "type", Value: jobType},
		{Key: "worker", Value: consumer},
	}))
	if err := p.store.LogEntry(ctx, CompletedLog, entry); err != nil {
		log.Warn("completed log append failed", zap.Error(err))
	}
	p.broadcaster.Broadcast(events.Processed(Stream, msg.ID, consumer, 0))
}

// progress appends one status entry to the capped progress stream.
func (p *Pool) progress(ctx context.Context, jobID, jobType, status, consumer string, log *zap.Logger) {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ProgressStream(),
		MaxLen: ProgressMaxLen,
		Approx: true,
		Values: []interface{}{
			"jobId", jobID,
			"type", jobType,
			"status", status,
			"worker", consumer,
			"at", time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		log.Warn("progress append failed", zap.String("status", status), zap.Error(err))
	}
}
