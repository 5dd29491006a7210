package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Sternrassler/prompt-dispatch/pkg/client"
	"github.com/Sternrassler/prompt-dispatch/pkg/config"
	"github.com/Sternrassler/prompt-dispatch/pkg/dispatch"
	"github.com/Sternrassler/prompt-dispatch/pkg/ledger"
	"github.com/Sternrassler/prompt-dispatch/pkg/logging"
	"github.com/Sternrassler/prompt-dispatch/pkg/metrics"
	"github.com/Sternrassler/prompt-dispatch/pkg/prompt"
	"github.com/Sternrassler/prompt-dispatch/pkg/throughput"
)

// stdinIsTerminal reports whether the count may be asked for interactively.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

type runOptions struct {
	promptsPath string
	count       int
	batchSize   int
	maxAttempts int
	outputDir   string
	failures    string
	baseURL     string
	model       string
	metricsAddr string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch prompts and record accepted responses",
		Long: `Reads prompts from a JSONL file and sends them in batches. A batch
finishes completely before the next one starts. Each prompt gets up to
max-attempts attempts; refusals and transport errors are retried after an
exponential backoff. Prompts that never get an accepted response are dropped
and handed to the failure ledger.`,
		Example: `  dispatch run                               # Ask how many, send from preapi/preapi.jsonl
  dispatch run --count 100 --batch-size 20    # Send the first 100 prompts, 20 at a time
  dispatch run --count 0 --failures file      # Send everything, keep dropped prompts on disk
  dispatch run --config dispatch.yaml --metrics-addr :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.promptsPath, "prompts", "preapi/preapi.jsonl", "prompt file, one {\"prompt\": ...} object per line")
	f.IntVarP(&opts.count, "count", "n", 0, "number of prompts to send, 0 for all (asked for on a terminal when omitted)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "prompts in flight per batch")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "attempts per prompt")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory for results.jsonl and inputs.jsonl")
	f.StringVar(&opts.failures, "failures", "", "failure ledger: log, file or redis")
	f.StringVar(&opts.baseURL, "base-url", "", "chat-completion API base URL")
	f.StringVar(&opts.model, "model", "", "model identifier")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address")

	return cmd
}

// apply copies explicitly set flags onto cfg.
func (o *runOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "batch-size":
			cfg.Dispatch.BatchSize = o.batchSize
		case "max-attempts":
			cfg.Dispatch.MaxAttempts = o.maxAttempts
		case "output-dir":
			cfg.Output.Dir = o.outputDir
		case "failures":
			cfg.Failures.Mode = o.failures
		case "base-url":
			cfg.API.BaseURL = o.baseURL
		case "model":
			cfg.API.Model = o.model
		case "metrics-addr":
			cfg.Metrics.Addr = o.metricsAddr
		}
	})
}

// resolveCount returns the number of prompts to send; 0 means all.
func resolveCount(cmd *cobra.Command, opts *runOptions) (int, error) {
	if cmd.Flags().Changed("count") {
		if opts.count < 0 {
			return 0, fmt.Errorf("--count must be >= 0 (got %d)", opts.count)
		}
		return opts.count, nil
	}
	if !stdinIsTerminal() {
		return 0, nil
	}

	fmt.Fprint(cmd.OutOrStdout(), "How many prompts to send? (blank or 0 for all) ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read prompt count: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid prompt count %q", line)
	}
	return n, nil
}

func runDispatch(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cmd, cfg)

	runID := fmt.Sprintf("run-%s", uuid.New().String()[:8])
	logger := logging.WithRun(logging.NewLogger("cli"), runID)

	count, err := resolveCount(cmd, opts)
	if err != nil {
		return err
	}

	file, err := os.Open(opts.promptsPath)
	if err != nil {
		return fmt.Errorf("open prompts: %w", err)
	}
	defer file.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Serve(cfg.Metrics.Addr, logging.NewLogger("metrics"))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	chat, err := client.New(client.Config{
		BaseURL: cfg.API.BaseURL,
		Path:    cfg.API.Path,
		APIKey:  cfg.API.Key,
		Model:   cfg.API.Model,
		Timeout: cfg.API.Timeout,
	}, logging.WithRun(logging.NewLogger("client"), runID))
	if err != nil {
		return err
	}
	if cfg.API.Key == "" {
		logger.Warn().Msg("No API key configured, requests are sent without Authorization")
	}

	recorder, err := ledger.New(ctx, ledger.Config{
		Mode:      cfg.Failures.Mode,
		File:      cfg.FailuresPath(),
		RedisAddr: cfg.Failures.RedisAddr,
		RedisKey:  cfg.Failures.RedisKey,
		RedisTTL:  cfg.Failures.RedisTTL,
	}, runID, logging.WithRun(logging.NewLogger("ledger"), runID))
	if err != nil {
		return err
	}

	tracker := throughput.NewTracker(cfg.Throughput.Capacity, logging.NewLogger("tracker"))
	exec := dispatch.NewExecutor(dispatch.ExecutorConfig{
		Client:     chat,
		Classifier: dispatch.NewClassifier(cfg.Refusal.Markers),
		Policy: dispatch.Policy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BackoffBase: cfg.Dispatch.BackoffBase,
			BackoffUnit: cfg.Dispatch.BackoffUnit,
		},
		Tracker:  tracker,
		Recorder: recorder,
		Logger:   logging.WithRun(logging.NewLogger("executor"), runID),
	})
	coord := dispatch.NewCoordinator(exec, dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		ResultsPath: cfg.ResultsPath(),
		InputsPath:  cfg.InputsPath(),
	}, tracker, logging.WithRun(logging.NewLogger("coordinator"), runID))

	logger.Info().
		Str("endpoint", chat.Endpoint()).
		Str("model", cfg.API.Model).
		Int("count", count).
		Str("failures", cfg.Failures.Mode).
		Msg("Run started")

	summary, runErr := coord.Run(ctx, prompt.NewJSONLSource(file, count))

	if rr, ok := recorder.(*ledger.RedisRecorder); ok {
		err := rr.RecordRun(context.WithoutCancel(ctx), map[string]any{
			"dispatched": summary.Dispatched,
			"succeeded":  summary.Succeeded,
			"batches":    summary.Batches,
			"throughput": summary.Throughput,
			"finished":   time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to store run summary")
		}
	}

	closeErr := recorder.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("close failure ledger: %w", closeErr)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dispatched %d prompts in %d batches: %d succeeded, %d dropped (%.2f req/s)\n",
		summary.Dispatched, summary.Batches, summary.Succeeded, summary.Failed, summary.Throughput)
	fmt.Fprintf(out, "Results: %s\nInputs:  %s\n", cfg.ResultsPath(), cfg.InputsPath())
	return nil
}
