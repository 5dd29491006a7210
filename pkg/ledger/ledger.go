// Package ledger records prompts that were dropped after exhausting their
// attempt budget, so a run can be reconciled against the prompt source.
//
// Three modes are available:
//
//   - log: one warning per dropped prompt (no persistence)
//   - file: one JSON line per dropped prompt in a failures file
//   - redis: a per-run Redis list plus a per-run counter hash
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Modes accepted by New.
const (
	ModeLog   = "log"
	ModeFile  = "file"
	ModeRedis = "redis"
)

// ErrUnknownMode is returned by New for an unsupported mode.
var ErrUnknownMode = errors.New("unknown failure ledger mode")

var failuresRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_failures_recorded_total",
	Help: "Dropped prompts handed to the failure ledger by mode",
}, []string{"mode"})

// Failure describes one dropped prompt.
type Failure struct {
	RunID    string    `json:"run_id,omitempty"`
	Index    int       `json:"index"`
	Prompt   string    `json:"prompt"`
	Attempts int       `json:"attempts"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Recorder accepts dropped prompts. Close flushes and releases resources and
// must be called once the run has finished dispatching.
type Recorder interface {
	RecordFailure(ctx context.Context, f Failure) error
	Close() error
}

// Config selects and configures a Recorder.
type Config struct {
	Mode      string
	File      string
	RedisAddr string
	RedisKey  string
	RedisTTL  time.Duration
}

// New builds the recorder for cfg.Mode. An empty mode means ModeLog.
func New(ctx context.Context, cfg Config, runID string, logger zerolog.Logger) (Recorder, error) {
	switch cfg.Mode {
	case "", ModeLog:
		return NewLogRecorder(logger), nil
	case ModeFile:
		if cfg.File == "" {
			return nil, fmt.Errorf("failures file is required for mode %q", ModeFile)
		}
		return NewFileRecorder(cfg.File, logger)
	case ModeRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis address is required for mode %q", ModeRedis)
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		rec := NewRedisRecorder(rdb, cfg.RedisKey, runID, logger)
		rec.ttl = cfg.RedisTTL
		rec.owned = true
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// LogRecorder only logs dropped prompts.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder creates a log-only recorder.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// RecordFailure logs the dropped prompt.
func (r *LogRecorder) RecordFailure(_ context.Context, f Failure) error {
	failuresRecorded.WithLabelValues(ModeLog).Inc()
	r.logger.Warn().
		Int("index", f.Index).
		Int("attempts", f.Attempts).
		Str("outcome", f.Outcome).
		Str("reason", f.Reason).
		Msg("Prompt dropped")
	return nil
}

// Close is a no-op.
func (r *LogRecorder) Close() error { return nil }
