package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is the key prefix for failure lists and run counters.
const DefaultRedisKey = "dispatch"

// RedisRecorder appends dropped prompts to a per-run Redis list
// (<prefix>:failures:<run>) and counts them in a per-run hash (<prefix>:runs:<run>).
type RedisRecorder struct {
	redis  *redis.Client
	prefix string
	runID  string
	ttl    time.Duration
	owned  bool
	logger zerolog.Logger
}

// NewRedisRecorder creates a recorder on an existing client. The caller keeps
// ownership of the client.
func NewRedisRecorder(rdb *redis.Client, prefix, runID string, logger zerolog.Logger) *RedisRecorder {
	if prefix == "" {
		prefix = DefaultRedisKey
	}
	return &RedisRecorder{
		redis:  rdb,
		prefix: prefix,
		runID:  runID,
		logger: logger,
	}
}

// ListKey returns the Redis list holding this run's failures.
func (r *RedisRecorder) ListKey() string {
	return fmt.Sprintf("%s:failures:%s", r.prefix, r.runID)
}

// RunKey returns the Redis hash holding this run's counters.
func (r *RedisRecorder) RunKey() string {
	return fmt.Sprintf("%s:runs:%s", r.prefix, r.runID)
}

// RecordFailure appends the failure and bumps the run's failed counter atomically.
func (r *RedisRecorder) RecordFailure(ctx context.Context, f Failure) error {
	if f.RunID == "" {
		f.RunID = r.runID
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.RPush(ctx, r.ListKey(), data)
	pipe.HIncrBy(ctx, r.RunKey(), "failed", 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.ListKey(), r.ttl)
		pipe.Expire(ctx, r.RunKey(), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store failure in redis: %w", err)
	}

	failuresRecorded.WithLabelValues(ModeRedis).Inc()
	r.logger.Warn().
		Int("index", f.Index).
		Int("attempts", f.Attempts).
		Str("outcome", f.Outcome).
		Str("key", r.ListKey()).
		Msg("Prompt dropped, recorded to redis")
	return nil
}

// RecordRun stores run-level counters (dispatched, succeeded, ...) in the run hash.
func (r *RedisRecorder) RecordRun(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.redis.HSet(ctx, r.RunKey(), fields).Err(); err != nil {
		return fmt.Errorf("store run summary: %w", err)
	}
	if r.ttl > 0 {
		r.redis.Expire(ctx, r.RunKey(), r.ttl)
	}
	return nil
}

// Failures reads back every failure recorded for the run, in record order.
func (r *RedisRecorder) Failures(ctx context.Context) ([]Failure, error) {
	raw, err := r.redis.LRange(ctx, r.ListKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read failures: %w", err)
	}

	out := make([]Failure, 0, len(raw))
	for _, s := range raw {
		var f Failure
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return nil, fmt.Errorf("decode failure entry: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Close releases the Redis client if the recorder created it.
func (r *RedisRecorder) Close() error {
	if r.owned {
		return r.redis.Close()
	}
	return nil
}
