// Package perkey implements the per-key serialized processor: entries sharing
// a business key are processed in order and never concurrently, while entries
// with different keys run in parallel across the pool. Serialization comes
// from a non-blocking SET NX lock per key plus idle-based re-claim.
package perkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/redisx"
	"go.uber.org/zap"
)

// Stream and key layout.
const (
	Stream = "jobs.perkey.v1"
	Group  = "perkey-workers"

	// LockPrefix + business key is the per-key lock scalar.
	LockPrefix = "running:order:"
)

// releaseScript deletes the lock only while this entry still owns it. A holder
// that outlived the TTL must not delete the lock another worker has since
// taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DoneStream names the done stream of one worker.
func DoneStream(worker int) string {
	return fmt.Sprintf("%s.worker%d.done", Stream, worker)
}

// Streams lists every stream the per-key demo touches.
func Streams(workers int) []string {
	streams := []string{Stream}
	for i := 1; i <= workers; i++ {
		streams = append(streams, DoneStream(i))
	}
	return streams
}

// Order is one unit of per-key work.
type Order struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
}

// Config tunes the pool.
type Config struct {
	Workers         int
	LockTTL         time.Duration // Safety net only; normal release is explicit
	MinIdle         time.Duration // AUTOCLAIM idle threshold; must stay below LockTTL
	ReadWait        time.Duration // Block ceiling for the group read
	ProcessingDelay time.Duration
	ErrorBackoff    time.Duration
}

// Pool runs the per-key serialized workers.
type Pool struct {
	client      *redis.Client
	broadcaster *events.Broadcaster
	config      Config
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewPool creates the pool.
func NewPool(client *redis.Client, broadcaster *events.Broadcaster, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{client: client, broadcaster: broadcaster, config: cfg, logger: logger}
}

// Submit appends orders to the work stream, preserving their given order.
func (p *Pool) Submit(ctx context.Context, orders []Order) ([]string, error) {
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		id, err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: Stream,
			Values: []interface{}{"orderId", order.OrderID, "action", order.Action},
		}).Result()
		if err != nil {
			return ids, fmt.Errorf("failed to submit order %s: %w", order.OrderID, err)
		}
		ids = append(ids, id)
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

// runWorker is one consumer loop. A candidate entry comes either from
// AUTOCLAIM (idle re-delivery, including entries skipped because their key
// was locked) or from a fresh group read.
func (p *Pool) runWorker(ctx context.Context, n int) {
	consumer := fmt.Sprintf("worker-%d", n)
	logger := p.logger.With(zap.String("stream", Stream), zap.String("consumer", consumer))
	logger.Info("per-key worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("per-key worker stopped")
			return
		}

		entry, reclaimed, err := p.nextEntry(ctx, consumer)
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
		if entry == nil {
			continue
		}

		p.handleEntry(ctx, consumer, n, *entry, reclaimed, logger)
	}
}

// nextEntry prefers idle pending entries over new ones so skipped entries are
// resurfaced promptly. Returns nil when nothing is available.
func (p *Pool) nextEntry(ctx context.Context, consumer string) (*redis.XMessage, bool, error) {
	claimed, _, err := p.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   Stream,
		Group:    Group,
		Consumer: consumer,
		MinIdle:  p.config.MinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !redisx.IsNoGroup(err) {
		return nil, false, err
	}
	if len(claimed) > 0 {
		return &claimed[0], true, nil
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
			return nil, false, nil
		}
		return nil, false, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], false, nil
		}
	}
	return nil, false, nil
}

// handleEntry attempts the per-key lock and processes on success. A lost lock
// is a precondition miss: the entry stays pending and idle re-claim will
// resurface it once the current holder of the key is done.
func (p *Pool) handleEntry(ctx context.Context, consumer string, n int, msg redis.XMessage, reclaimed bool, logger *zap.Logger) {
	fields := jsonx.FromValues(msg.Values)
	key := fmt.Sprint(msg.Values["orderId"])
	lockKey := LockPrefix + key

	acquired, err := p.client.SetNX(ctx, lockKey, msg.ID, p.config.LockTTL).Result()
	if err != nil {
		logger.Warn("lock attempt failed", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if !acquired {
		// Do not wait, do not ack. Another worker holds the key; this entry
		// becomes idle and AUTOCLAIM picks it up again later.
		logger.Debug("key locked, leaving entry pending",
			zap.String("id", msg.ID), zap.String("key", key))
		return
	}
	defer p.releaseLock(context.WithoutCancel(ctx), lockKey, msg.ID, logger)

	if reclaimed {
		p.broadcaster.Broadcast(events.Reclaimed(Stream, msg.ID, consumer, 0))
	}

	select {
	case <-time.After(p.config.ProcessingDelay):
	case <-ctx.Done():
		return
	}

	done := DoneStream(n)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: done,
		Values: jsonx.Flatten(fields),
	}).Err(); err != nil {
		logger.Warn("done append failed, leaving entry pending",
			zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := p.client.XAck(ctx, Stream, Group, msg.ID).Err(); err != nil {
		logger.Warn("ack failed", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	p.broadcaster.Broadcast(events.Processed(Stream, msg.ID, consumer, 0))
}

// releaseLock compare-and-deletes the lock held by owner.
func (p *Pool) releaseLock(ctx context.Context, lockKey, owner string, logger *zap.Logger) {
	released, err := releaseScript.Run(ctx, p.client, []string{lockKey}, owner).Int()
	if err != nil {
		logger.Warn("lock release failed; TTL will reap it",
			zap.String("lock", lockKey), zap.Error(err))
		return
	}
	if released == 0 {
		logger.Warn("lock expired during processing and was taken over",
			zap.String("lock", lockKey), zap.String("owner", owner))
	}
}
