// Package tokenbucket implements the token-bucket concurrency limiter: an
// atomic acquire against a per-type running counter, workers that leave
// entries pending when the bucket is full, and capped progress history for
// the UI.
package tokenbucket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream and key layout.
const (
	Stream         = "token-bucket.jobs.v1"
	Group          = "token-bucket-workers"
	ConfigKey      = "token-bucket:config"
	RunningPrefix  = "token-bucket:running:"
	SubmittedLog   = "token-bucket:log:submitted"
	CompletedLog   = "token-bucket:log:completed"
	ProgressMaxLen = 1000
	LogMaxLen      = 100
)

// DoneStream receives completed jobs.
func DoneStream() string { return Stream + ".done" }

// ProgressStream receives STARTED/COMPLETED progress entries, capped.
func ProgressStream() string { return Stream + ".progress" }

// RunningKey is the per-type running counter.
func RunningKey(jobType string) string { return RunningPrefix + jobType }

// Streams lists every stream the token-bucket demo touches.
func Streams() []string {
	return []string{Stream, DoneStream(), ProgressStream()}
}

// TypeConfig is the per-type limiter configuration.
type TypeConfig struct {
	Max          int           `json:"max"`
	ProcessingMs time.Duration `json:"-"`
}

// defaultTypes seeds the config hash on first start.
var defaultTypes = map[string]TypeConfig{
	"payment": {Max: 2, ProcessingMs: 2 * time.Second},
	"email":   {Max: 3, ProcessingMs: time.Second},
	"report":  {Max: 1, ProcessingMs: 3 * time.Second},
}

// Store is the typed layer over the limiter config hash and the log lists.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// EnsureDefaults seeds the config hash for any type not yet configured.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	for jobType, cfg := range defaultTypes {
		ok, err := s.client.HSetNX(ctx, ConfigKey, "max:"+jobType, cfg.Max).Result()
		if err != nil {
			return fmt.Errorf("failed to seed max for %s: %w", jobType, err)
		}
		if ok {
			if err := s.client.HSet(ctx, ConfigKey, "processingMs:"+jobType, cfg.ProcessingMs.Milliseconds()).Err(); err != nil {
				return fmt.Errorf("failed to seed processingMs for %s: %w", jobType, err)
			}
		}
	}
	return nil
}

// Config returns the limiter configuration for every known type.
func (s *Store) Config(ctx context.Context) (map[string]TypeConfig, error) {
	values, err := s.client.HGetAll(ctx, ConfigKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read limiter config: %w", err)
	}
	types := make(map[string]TypeConfig)
	for field, value := range values {
		switch {
		case strings.HasPrefix(field, "max:"):
			jobType := strings.TrimPrefix(field, "max:")
			cfg := types[jobType]
			cfg.Max, _ = strconv.Atoi(value)
			types[jobType] = cfg
		case strings.HasPrefix(field, "processingMs:"):
			jobType := strings.TrimPrefix(field, "processingMs:")
			cfg := types[jobType]
			ms, _ := strconv.ParseInt(value, 10, 64)
			cfg.ProcessingMs = time.Duration(ms) * time.Millisecond
			types[jobType] = cfg
		}
	}
	return types, nil
}

// TypeConfigFor returns the configuration of one type, with a permissive
// fallback for unknown types.
func (s *Store) TypeConfigFor(ctx context.Context, jobType string) (TypeConfig, error) {
	types, err := s.Config(ctx)
	if err != nil {
		return TypeConfig{}, err
	}
	cfg, ok := types[jobType]
	if !ok {
		return TypeConfig{Max: 1, ProcessingMs: time.Second}, nil
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.ProcessingMs <= 0 {
		cfg.ProcessingMs = time.Second
	}
	return cfg, nil
}

// SetMax updates the cap of one type.
func (s *Store) SetMax(ctx context.Context, jobType string, max int) error {
	if max < 1 {
		return fmt.Errorf("max for %s must be at least 1, got %d", jobType, max)
	}
	if err := s.client.HSet(ctx, ConfigKey, "max:"+jobType, max).Err(); err != nil {
		return fmt.Errorf("failed to set max for %s: %w", jobType, err)
	}
	return nil
}

// Running returns the current running counters per type.
func (s *Store) Running(ctx context.Context) (map[string]int, error) {
	types, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	running := make(map[string]int, len(types))
	for jobType := range types {
		n, err := s.client.Get(ctx, RunningKey(jobType)).Int()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read running counter for %s: %w", jobType, err)
		}
		running[jobType] = n
	}
	return running, nil
}

// LogEntry appends an entry to one of the capped history lists.
func (s *Store) LogEntry(ctx context.Context, list, entry string) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, list, entry)
	pipe.LTrim(ctx, list, 0, LogMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to %s: %w", list, err)
	}
	return nil
}

// Logs returns the submitted and completed histories, newest first.
func (s *Store) Logs(ctx context.Context) (submitted, completed []string, err error) {
	submitted, err = s.client.LRange(ctx, SubmittedLog, 0, LogMaxLen-1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read submitted log: %w", err)
	}
	completed, err = s.client.LRange(ctx, CompletedLog, 0, LogMaxLen-1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read completed log: %w", err)
	}
	return submitted, completed, nil
}

// Clear wipes the demo's streams, counters and histories.
func (s *Store) Clear(ctx context.Context) error {
	keys := []string{Stream, DoneStream(), ProgressStream(), SubmittedLog, CompletedLog}
	types, err := s.Config(ctx)
	if err != nil {
		return err
	}
	for jobType := range types {
		keys = append(keys, RunningKey(jobType))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear token-bucket state: %w", err)
	}
	return nil
}
