// Package metrics exposes the dispatcher's Prometheus metrics over HTTP.
// All metrics are defined in their respective packages (client, dispatch,
// sink, throughput, ledger) and registered via promauto on the default
// registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - dispatch_requests_total{status} (Counter): Chat requests by HTTP status, or "network" when no response arrived
//   - dispatch_request_duration_seconds (Histogram): Chat request latency
//
// Attempt Metrics (pkg/dispatch):
//   - dispatch_attempts_total{outcome} (Counter): Attempts by outcome (transient, refusal, accepted)
//   - dispatch_retries_total{reason} (Counter): Retries by the outcome that caused them
//   - dispatch_retry_backoff_seconds (Histogram): Backoff slept before a retry
//   - dispatch_retry_exhausted_total (Counter): Prompts that used their whole attempt budget
//   - dispatch_batches_total (Counter): Batches dispatched
//   - dispatch_inflight_requests (Gauge): Prompts currently executing
//   - dispatch_prompts_total{result} (Counter): Prompts finished by result (succeeded, failed, abandoned)
//
// Throughput Metrics (pkg/throughput):
//   - dispatch_throughput_rps (Gauge): Mean of the sampled request rates
//   - dispatch_throughput_samples_total (Counter): Samples recorded
//
// Sink Metrics (pkg/sink):
//   - dispatch_sink_lines_total{sink} (Counter): Lines written per sink
//   - dispatch_sink_errors_total{sink} (Counter): Sinks stopped by an error
//
// Ledger Metrics (pkg/ledger):
//   - dispatch_failures_recorded_total{mode} (Counter): Dropped prompts by ledger mode
//
// Example Prometheus Queries:
//
//	# Refusal rate
//	rate(dispatch_attempts_total{outcome="refusal"}[5m]) / rate(dispatch_attempts_total[5m])
//
//	# Drop rate
//	rate(dispatch_prompts_total{result="failed"}[5m]) / rate(dispatch_prompts_total[5m])
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(dispatch_request_duration_seconds_bucket[5m]))

// Handler returns the mux served by Serve.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Server serves Handler on a listener until Shutdown.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	done   chan error
	logger zerolog.Logger
}

// Serve starts the metrics server on addr in the background.
func Serve(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		done:   make(chan error, 1),
		logger: logger,
	}

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	logger.Info().Str("addr", s.Addr()).Msg("Metrics server started")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	err := <-s.done
	s.logger.Info().Msg("Metrics server stopped")
	return err
}
