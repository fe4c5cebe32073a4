// Package tailer converts new stream entries into observer events. One
// goroutine per monitored stream issues blocking reads and hands every
// appended entry to the broadcaster as a MESSAGE_PRODUCED event.
package tailer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"go.uber.org/zap"
)

// Config holds tailer tuning knobs.
type Config struct {
	Block      time.Duration // Block ceiling per read; bounds shutdown latency
	ReadCount  int64         // Entries per read
	ErrorSleep time.Duration // Sleep before retrying after a read error
}

// Tailer tails a set of streams and broadcasts an event per appended entry.
// Entries appended before Start are not replayed; late observers get their
// snapshot through the HTTP browse endpoints instead.
type Tailer struct {
	client      *redis.Client
	broadcaster *events.Broadcaster
	config      Config
	logger      *zap.Logger

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Tailer. Zero config fields get working defaults.
func New(client *redis.Client, broadcaster *events.Broadcaster, cfg Config, logger *zap.Logger) *Tailer {
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 100
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		client:      client,
		broadcaster: broadcaster,
		config:      cfg,
		logger:      logger,
		streams:     make(map[string]context.CancelFunc),
	}
}

// Watch starts tailing the given streams. Streams already being tailed are
// skipped, so Watch is safe to call again as new streams come into play.
func (t *Tailer) Watch(ctx context.Context, streams ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, stream := range streams {
		if _, ok := t.streams[stream]; ok {
			continue
		}
		streamCtx, cancel := context.WithCancel(ctx)
		t.streams[stream] = cancel
		t.wg.Add(1)
		go t.tailLoop(streamCtx, stream)
	}
}

// Stop cancels every tail loop and waits for them to return. Loops observe
// cancellation after their current blocking read, bounded by Config.Block.
func (t *Tailer) Stop() {
	t.mu.Lock()
	for _, cancel := range t.streams {
		cancel()
	}
	t.streams = make(map[string]context.CancelFunc)
	t.mu.Unlock()
	t.wg.Wait()
}

// tailLoop reads entries appended after the loop started and emits one event
// per entry. lastID survives read errors, so a connection blip cannot drop
// entries appended during the gap.
func (t *Tailer) tailLoop(ctx context.Context, stream string) {
	defer t.wg.Done()

	lastID := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-0"
	t.logger.Info("tailing stream", zap.String("stream", stream), zap.String("from", lastID))

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   t.config.ReadCount,
			Block:   t.config.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // block timeout, nothing appended
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("tail read failed, retrying",
				zap.String("stream", stream), zap.Error(err))
			select {
			case <-time.After(t.config.ErrorSleep):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				t.broadcaster.Broadcast(events.Produced(stream, msg.ID, jsonx.FromValues(msg.Values)))
			}
		}
	}
}

// Watched returns the names of the streams currently being tailed.
func (t *Tailer) Watched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.streams))
	for s := range t.streams {
		names = append(names, s)
	}
	return names
}
