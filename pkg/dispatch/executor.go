package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/prompt-dispatch/pkg/client"
	"github.com/Sternrassler/prompt-dispatch/pkg/ledger"
	"github.com/Sternrassler/prompt-dispatch/pkg/prompt"
	"github.com/Sternrassler/prompt-dispatch/pkg/throughput"
)

// Completer sends one prompt to the chat-completion endpoint.
type Completer interface {
	Complete(ctx context.Context, text string) (*client.Response, error)
}

// RequestOutcome is the final result for one prompt.
type RequestOutcome struct {
	Index    int
	Success  bool
	Payload  json.RawMessage
	Attempts int
	LastErr  error
}

// ExecutorConfig wires an Executor. Tracker and Recorder are optional.
type ExecutorConfig struct {
	Client     Completer
	Classifier *Classifier
	Policy     Policy
	Tracker    *throughput.Tracker
	Recorder   ledger.Recorder
	Sleep      Sleeper
	Logger     zerolog.Logger
}

// Executor drives one prompt through the attempt loop. Failures are absorbed
// into the returned RequestOutcome and handed to the failure ledger.
type Executor struct {
	client     Completer
	classifier *Classifier
	policy     Policy
	tracker    *throughput.Tracker
	recorder   ledger.Recorder
	sleep      Sleeper
	logger     zerolog.Logger
}

// NewExecutor creates an executor. A nil classifier accepts every response and
// a nil Sleep uses SleepContext.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy.MaxAttempts = 1
	}
	return &Executor{
		client:     cfg.Client,
		classifier: cfg.Classifier,
		policy:     cfg.Policy,
		tracker:    cfg.Tracker,
		recorder:   cfg.Recorder,
		sleep:      cfg.Sleep,
		logger:     cfg.Logger,
	}
}

// Execute sends p until an attempt is accepted or the budget runs out.
func (e *Executor) Execute(ctx context.Context, p prompt.Prompt) RequestOutcome {
	logger := e.logger.With().Int("index", p.Index).Logger()

	last, attempts, err := e.policy.run(ctx, e.sleep, logger, func(ctx context.Context, attempt int) Attempt {
		return e.attempt(ctx, logger, p, attempt)
	})
	if err == nil {
		logger.Debug().Int("attempts", attempts).Msg("Prompt accepted")
		return RequestOutcome{
			Index:    p.Index,
			Success:  true,
			Payload:  last.Body,
			Attempts: attempts,
		}
	}

	out := RequestOutcome{
		Index:    p.Index,
		Attempts: attempts,
		LastErr:  err,
	}
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		logger.Debug().Err(err).Msg("Prompt abandoned")
		return out
	}

	if e.recorder == nil {
		logger.Warn().
			Int("attempts", attempts).
			Str("outcome", last.Outcome.String()).
			Msg("Prompt dropped")
	} else {
		f := ledger.Failure{
			Index:    p.Index,
			Prompt:   p.Text,
			Attempts: attempts,
			Outcome:  last.Outcome.String(),
			Reason:   last.Reason(),
			At:       time.Now().UTC(),
		}
		if rerr := e.recorder.RecordFailure(ctx, f); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record dropped prompt")
		}
	}
	return out
}

func (e *Executor) attempt(ctx context.Context, logger zerolog.Logger, p prompt.Prompt, attempt int) Attempt {
	resp, err := e.client.Complete(ctx, p.Text)
	if err != nil {
		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Str("error_class", string(client.ClassOf(err))).
			Msg("Request failed")
		return Attempt{Outcome: AttemptTransient, Err: err}
	}

	if e.tracker != nil {
		e.tracker.Record(resp.Elapsed)
	}

	a := e.classifier.Classify(resp.Body)
	if a.Outcome == AttemptRefusal {
		logger.Debug().Int("attempt", attempt).Str("marker", a.Marker).Msg("Response refused")
	}
	return a
}
