package ledger

import (
	"context"

	"github.com/Sternrassler/prompt-dispatch/pkg/sink"
	"github.com/rs/zerolog"
)

// FileRecorder writes dropped prompts to a JSON-lines file through its own
// queue and sink. Close pushes the end marker and waits for the sink to finish.
type FileRecorder struct {
	queue  *sink.Queue
	sink   *sink.Sink
	done   chan error
	logger zerolog.Logger
}

// NewFileRecorder opens (truncating) path and starts draining into it.
func NewFileRecorder(path string, logger zerolog.Logger) (*FileRecorder, error) {
	s, err := sink.Open("failures", path, sink.PayloadOnly, logger)
	if err != nil {
		return nil, err
	}

	r := &FileRecorder{
		queue:  sink.NewQueue(),
		sink:   s,
		done:   make(chan error, 1),
		logger: logger,
	}
	go func() {
		r.done <- r.sink.Drain(context.Background(), r.queue)
	}()
	return r, nil
}

// RecordFailure queues the failure for writing.
func (r *FileRecorder) RecordFailure(_ context.Context, f Failure) error {
	if err := r.queue.Push(sink.Item{Index: f.Index, Payload: f}); err != nil {
		return err
	}
	failuresRecorded.WithLabelValues(ModeFile).Inc()
	r.logger.Warn().
		Int("index", f.Index).
		Int("attempts", f.Attempts).
		Str("outcome", f.Outcome).
		Msg("Prompt dropped, recorded to failures file")
	return nil
}

// Close ends the stream and waits for the file to be flushed and closed.
func (r *FileRecorder) Close() error {
	if err := r.queue.Close(); err != nil {
		return err
	}
	return <-r.done
}

// Lines returns how many failures were written. Valid after Close.
func (r *FileRecorder) Lines() int {
	return r.sink.Lines()
}
