package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	sinkLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sink_lines_total",
		Help: "Total lines written by output sinks",
	}, []string{"sink"})

	sinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sink_errors_total",
		Help: "Total output sink I/O errors",
	}, []string{"sink"})
)

// Encoder turns a queued item into the value serialized as one JSON line.
type Encoder func(Item) any

// Keyed encodes an item as {"index": n, field: payload}.
func Keyed(field string) Encoder {
	return func(it Item) any {
		return map[string]any{"index": it.Index, field: it.Payload}
	}
}

// PayloadOnly encodes the payload as-is.
func PayloadOnly(it Item) any {
	return it.Payload
}

// Sink appends JSON lines to one destination file.
type Sink struct {
	name   string
	path   string
	file   *os.File
	writer *bufio.Writer
	enc    Encoder
	lines  int
	logger zerolog.Logger
}

// Open creates (or truncates) the destination file, creating its directory.
func Open(name, path string, enc Encoder, logger zerolog.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir for %s: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", name, err)
	}
	if enc == nil {
		enc = PayloadOnly
	}

	return &Sink{
		name:   name,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64<<10),
		enc:    enc,
		logger: logger.With().Str("sink", name).Logger(),
	}, nil
}

// Name returns the sink name used in logs and metrics.
func (s *Sink) Name() string { return s.name }

// Path returns the destination file path.
func (s *Sink) Path() string { return s.path }

// Lines returns the number of lines written so far. Safe to call after Drain returns.
func (s *Sink) Lines() int { return s.lines }

// Drain pops items until the end-of-stream marker, writing one line each, then
// flushes and closes the file. On cancellation or write failure the file is
// still flushed and closed, and the error is returned.
func (s *Sink) Drain(ctx context.Context, q *Queue) (err error) {
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			sinkErrorsTotal.WithLabelValues(s.name).Inc()
			s.logger.Debug().Err(err).Int("lines", s.lines).Msg("Sink stopped")
			return
		}
		s.logger.Info().Int("lines", s.lines).Str("path", s.path).Msg("Sink closed")
	}()

	for {
		item, ok, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.write(item); err != nil {
			return err
		}
	}
}

func (s *Sink) write(item Item) error {
	line, err := json.Marshal(s.enc(item))
	if err != nil {
		return fmt.Errorf("encode %s item %d: %w", s.name, item.Index, err)
	}
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}

	s.lines++
	sinkLinesTotal.WithLabelValues(s.name).Inc()
	s.logger.Debug().Int("index", item.Index).Msg("Item written")
	return nil
}

func (s *Sink) close() error {
	if s.file == nil {
		return nil
	}
	ferr := s.writer.Flush()
	cerr := s.file.Close()
	s.file = nil
	if ferr != nil {
		return fmt.Errorf("flush %s: %w", s.name, ferr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", s.name, cerr)
	}
	return nil
}

// Close releases the destination without draining. Used when a run aborts
// before its sinks were started.
func (s *Sink) Close() error {
	return s.close()
}
