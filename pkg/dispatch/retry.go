package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the attempt loop.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Total attempts by classified outcome",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total retries by the outcome that caused them",
	}, []string{"reason"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_retry_backoff_seconds",
		Help:    "Backoff slept before a retry",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_retry_exhausted_total",
		Help: "Total prompts that used their whole attempt budget without an accepted response",
	})
)

var (
	// ErrAttemptsExhausted is returned when no attempt was accepted.
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	// ErrCancelled is returned when the context ends during backoff.
	ErrCancelled = errors.New("cancelled during backoff")
)

// Policy is the attempt budget and backoff schedule. The delay after failed
// attempt k is Unit * Base^k, so with Base 2 and Unit 1s the retries wait
// 2s, 4s, 8s, 16s.
type Policy struct {
	MaxAttempts int
	BackoffBase float64
	BackoffUnit time.Duration
}

// DefaultPolicy returns 5 attempts with 2^k second backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BackoffBase: 2,
		BackoffUnit: time.Second,
	}
}

// Backoff returns the delay after failed attempt k (1-based), capped at the
// largest time.Duration.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.BackoffUnit) * math.Pow(p.BackoffBase, float64(attempt))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run calls try for attempt 1..MaxAttempts until an attempt is accepted,
// sleeping Backoff(k) after every non-accepted attempt except the last. It
// returns the last attempt and the number of attempts made.
func (p Policy) run(ctx context.Context, sleep Sleeper, logger zerolog.Logger, try func(ctx context.Context, attempt int) Attempt) (Attempt, int, error) {
	var last Attempt

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		last = try(ctx, attempt)
		attemptsTotal.WithLabelValues(last.Outcome.String()).Inc()

		if last.Outcome == AttemptAccepted {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request accepted after retry")
			}
			return last, attempt, nil
		}

		if attempt >= p.MaxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		retriesTotal.WithLabelValues(last.Outcome.String()).Inc()
		retryBackoffSeconds.Observe(backoff.Seconds())

		logger.Warn().
			Int("attempt", attempt).
			Str("outcome", last.Outcome.String()).
			Str("reason", last.Reason()).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, backoff); err != nil {
			logger.Warn().Int("attempt", attempt).Msg("Context cancelled during retry backoff")
			return last, attempt, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}

	retryExhaustedTotal.Inc()
	return last, p.MaxAttempts, fmt.Errorf("%w after %d attempts: %s", ErrAttemptsExhausted, p.MaxAttempts, last.Reason())
}
