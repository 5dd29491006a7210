package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/prompt-dispatch/pkg/prompt"
	"github.com/Sternrassler/prompt-dispatch/pkg/sink"
	"github.com/Sternrassler/prompt-dispatch/pkg/throughput"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batches_total",
		Help: "Total batches dispatched",
	})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_inflight_requests",
		Help: "Prompts currently being executed",
	})

	promptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_prompts_total",
		Help: "Prompts finished by result",
	}, []string{"result"})
)

// ErrExecutorPanic is returned when a per-prompt task panics. It ends the run.
var ErrExecutorPanic = errors.New("prompt executor panicked")

// PromptExecutor runs one prompt to completion.
type PromptExecutor interface {
	Execute(ctx context.Context, p prompt.Prompt) RequestOutcome
}

// Config holds coordinator settings.
type Config struct {
	BatchSize   int
	ResultsPath string
	InputsPath  string
}

// Summary reports what a run did.
type Summary struct {
	Dispatched  int
	Succeeded   int
	Failed      int
	Batches     int
	ResultLines int
	InputLines  int
	Throughput  float64
	Duration    time.Duration
}

// Coordinator splits prompts into batches of at most BatchSize, runs each batch
// concurrently, and waits for the whole batch before starting the next.
// Accepted responses go to the results sink and their prompts to the inputs
// sink, each drained by its own goroutine.
type Coordinator struct {
	exec    PromptExecutor
	config  Config
	tracker *throughput.Tracker
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator. tracker may be nil.
func NewCoordinator(exec PromptExecutor, config Config, tracker *throughput.Tracker, logger zerolog.Logger) *Coordinator {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	return &Coordinator{
		exec:    exec,
		config:  config,
		tracker: tracker,
		logger:  logger,
	}
}

// Run dispatches every prompt from src. Dropped prompts do not fail the run;
// a source read error, a sink failure, a panicking task or cancellation of ctx
// does, and the error is returned without being logged. On a clean finish both sinks receive their end-of-stream marker and
// are fully flushed before Run returns.
func (c *Coordinator) Run(ctx context.Context, src prompt.Source) (Summary, error) {
	start := time.Now()

	results, err := sink.Open("results", c.config.ResultsPath, sink.Keyed("response"), c.logger)
	if err != nil {
		return Summary{}, err
	}
	inputs, err := sink.Open("inputs", c.config.InputsPath, sink.Keyed("prompt"), c.logger)
	if err != nil {
		results.Close()
		return Summary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsQ, inputsQ := sink.NewQueue(), sink.NewQueue()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return results.Drain(gctx, resultsQ) })
	g.Go(func() error { return inputs.Drain(gctx, inputsQ) })

	c.logger.Info().
		Int("batch_size", c.config.BatchSize).
		Str("results", results.Path()).
		Str("inputs", inputs.Path()).
		Msg("Starting dispatch")

	summary, runErr := c.dispatch(gctx, src, resultsQ, inputsQ)

	if runErr != nil {
		// Abandon the queues: the sinks stop on cancellation and still flush.
		cancel()
		sinkErr := g.Wait()
		summary.Duration = time.Since(start)
		if sinkErr != nil && !errors.Is(sinkErr, context.Canceled) && errors.Is(runErr, context.Canceled) {
			runErr = fmt.Errorf("output sink: %w", sinkErr)
		}
		c.logger.Debug().Int("dispatched", summary.Dispatched).Msg("Dispatch aborted")
		return summary, runErr
	}

	resultsQ.Close()
	inputsQ.Close()
	if err := g.Wait(); err != nil {
		summary.Duration = time.Since(start)
		return summary, fmt.Errorf("output sink: %w", err)
	}

	summary.ResultLines = results.Lines()
	summary.InputLines = inputs.Lines()
	summary.Duration = time.Since(start)
	if c.tracker != nil {
		summary.Throughput = c.tracker.Mean()
	}

	c.logger.Info().
		Int("dispatched", summary.Dispatched).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("batches", summary.Batches).
		Float64("throughput_rps", summary.Throughput).
		Dur("duration", summary.Duration).
		Msg("Dispatch complete")

	return summary, nil
}

func (c *Coordinator) dispatch(ctx context.Context, src prompt.Source, resultsQ, inputsQ *sink.Queue) (Summary, error) {
	var summary Summary

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batch, srcErr := c.nextBatch(src)
		if srcErr != nil && !errors.Is(srcErr, io.EOF) {
			return summary, fmt.Errorf("read prompts: %w", srcErr)
		}

		if len(batch) > 0 {
			if err := c.runBatch(ctx, batch, resultsQ, inputsQ, &summary); err != nil {
				return summary, err
			}
		}

		if srcErr != nil {
			return summary, nil
		}
	}
}

// nextBatch reads up to BatchSize prompts. A short batch comes with io.EOF.
func (c *Coordinator) nextBatch(src prompt.Source) ([]prompt.Prompt, error) {
	batch := make([]prompt.Prompt, 0, c.config.BatchSize)
	for len(batch) < c.config.BatchSize {
		p, err := src.Next()
		if err != nil {
			return batch, err
		}
		batch = append(batch, p)
	}
	return batch, nil
}

func (c *Coordinator) runBatch(ctx context.Context, batch []prompt.Prompt, resultsQ, inputsQ *sink.Queue, summary *Summary) error {
	batchNum := summary.Batches + 1
	start := time.Now()

	c.logger.Debug().
		Int("batch", batchNum).
		Int("size", len(batch)).
		Int("first_index", batch[0].Index).
		Msg("Dispatching batch")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatal    error
		accepted int
	)

	for _, p := range batch {
		wg.Add(1)
		go func(p prompt.Prompt) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if fatal == nil {
						fatal = fmt.Errorf("%w: index %d: %v", ErrExecutorPanic, p.Index, r)
					}
					mu.Unlock()
				}
			}()

			inflightRequests.Inc()
			defer inflightRequests.Dec()

			out := c.exec.Execute(ctx, p)
			if !out.Success {
				promptsTotal.WithLabelValues("failed").Inc()
				return
			}
			if ctx.Err() != nil {
				promptsTotal.WithLabelValues("abandoned").Inc()
				return
			}
			err := resultsQ.Push(sink.Item{Index: p.Index, Payload: out.Payload})
			if err == nil {
				err = inputsQ.Push(sink.Item{Index: p.Index, Payload: p.Text})
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				promptsTotal.WithLabelValues("abandoned").Inc()
				if fatal == nil {
					fatal = fmt.Errorf("queue result %d: %w", p.Index, err)
				}
				return
			}
			promptsTotal.WithLabelValues("succeeded").Inc()
			accepted++
		}(p)
	}
	wg.Wait()

	batchesTotal.Inc()
	summary.Batches = batchNum
	summary.Dispatched += len(batch)
	summary.Succeeded += accepted
	summary.Failed += len(batch) - accepted

	c.logger.Debug().
		Int("batch", batchNum).
		Int("accepted", accepted).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return fatal
}
