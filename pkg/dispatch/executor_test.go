package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/prompt-dispatch/internal/testutil"
	"github.com/Sternrassler/prompt-dispatch/pkg/client"
	"github.com/Sternrassler/prompt-dispatch/pkg/ledger"
	"github.com/Sternrassler/prompt-dispatch/pkg/prompt"
	"github.com/Sternrassler/prompt-dispatch/pkg/throughput"
)

// memRecorder keeps failures in memory.
type memRecorder struct {
	mu       sync.Mutex
	failures []ledger.Failure
}

func (r *memRecorder) RecordFailure(_ context.Context, f ledger.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *memRecorder) Close() error { return nil }

func (r *memRecorder) all() []ledger.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Failure(nil), r.failures...)
}

func newChatClient(t *testing.T, mock *testutil.MockChat) *client.Client {
	t.Helper()

	c, err := client.New(client.Config{
		BaseURL: mock.URL(),
		APIKey:  "sk-test",
		Timeout: 2 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("client.New() failed: %v", err)
	}
	return c
}

type executorFixture struct {
	exec     *Executor
	sleep    *fakeSleep
	recorder *memRecorder
	tracker  *throughput.Tracker
}

func newExecutorFixture(t *testing.T, mock *testutil.MockChat) executorFixture {
	t.Helper()

	f := executorFixture{
		sleep:    &fakeSleep{},
		recorder: &memRecorder{},
		tracker:  throughput.NewTracker(10, zerolog.Nop()),
	}
	f.exec = NewExecutor(ExecutorConfig{
		Client:     newChatClient(t, mock),
		Classifier: NewClassifier([]string{"Sorry", "sorry", "I cannot"}),
		Policy:     DefaultPolicy(),
		Tracker:    f.tracker,
		Recorder:   f.recorder,
		Sleep:      f.sleep.sleep,
		Logger:     zerolog.Nop(),
	})
	return f
}

func TestExecutor_AcceptedFirstAttempt(t *testing.T) {
	mock := testutil.NewMockChat()
	defer mock.Close()
	f := newExecutorFixture(t, mock)

	out := f.exec.Execute(context.Background(), prompt.Prompt{Index: 3, Text: "capital of France?"})

	if !out.Success || out.Attempts != 1 || out.Index != 3 {
		t.Fatalf("outcome = %+v, want success on attempt 1", out)
	}
	var body map[string]any
	if err := json.Unmarshal(out.Payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !strings.Contains(string(out.Payload), "Answer to: capital of France?") {
		t.Errorf("payload = %s", out.Payload)
	}
	if f.tracker.Len() != 1 {
		t.Errorf("tracker samples = %d, want 1", f.tracker.Len())
	}
	if len(f.sleep.got()) != 0 {
		t.Errorf("slept %v, want none", f.sleep.got())
	}
}

func TestExecutor_RefusalsThenAccepted(t *testing.T) {
	mock := testutil.NewMockChat()
	defer mock.Close()
	mock.Script("tricky",
		testutil.NewRefusal(),
		testutil.NewRefusal(),
		testutil.NewRefusal(),
		testutil.NewRefusal(),
		testutil.NewCompletion("fine, here it is"),
	)
	f := newExecutorFixture(t, mock)

	out := f.exec.Execute(context.Background(), prompt.Prompt{Index: 0, Text: "tricky"})

	if !out.Success || out.Attempts != 5 {
		t.Fatalf("outcome = %+v, want success on attempt 5", out)
	}
	if !strings.Contains(string(out.Payload), "fine, here it is") {
		t.Errorf("payload = %s, want final response", out.Payload)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if got := f.sleep.got(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	// Refusals are well-formed responses, so every attempt is sampled.
	if f.tracker.Len() != 5 {
		t.Errorf("tracker samples = %d, want 5", f.tracker.Len())
	}
	if mock.Calls("tricky") != 5 {
		t.Errorf("requests = %d, want 5", mock.Calls("tricky"))
	}
}

func TestExecutor_TransportErrorsExhaust(t *testing.T) {
	tests := []struct {
		name  string
		reply testutil.MockChatResponse
	}{
		{"server error", testutil.NewServerError()},
		{"rate limited", testutil.NewRateLimited()},
		{"malformed body", testutil.NewMalformed()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockChat()
			defer mock.Close()
			mock.Script("doomed", tt.reply)
			f := newExecutorFixture(t, mock)

			out := f.exec.Execute(context.Background(), prompt.Prompt{Index: 7, Text: "doomed"})

			if out.Success {
				t.Fatal("expected failure")
			}
			if out.Attempts != 5 || mock.Calls("doomed") != 5 {
				t.Errorf("attempts = %d, requests = %d, want 5, 5", out.Attempts, mock.Calls("doomed"))
			}
			if !errors.Is(out.LastErr, ErrAttemptsExhausted) {
				t.Errorf("LastErr = %v, want ErrAttemptsExhausted", out.LastErr)
			}
			if len(f.sleep.got()) != 4 {
				t.Errorf("slept %d times, want 4", len(f.sleep.got()))
			}
			if f.tracker.Len() != 0 {
				t.Errorf("tracker samples = %d, want 0 for failed transport", f.tracker.Len())
			}

			failures := f.recorder.all()
			if len(failures) != 1 {
				t.Fatalf("recorded %d failures, want 1", len(failures))
			}
			if failures[0].Index != 7 || failures[0].Prompt != "doomed" || failures[0].Outcome != "transient" {
				t.Errorf("failure = %+v", failures[0])
			}
		})
	}
}

func TestExecutor_RefusedEveryTime(t *testing.T) {
	mock := testutil.NewMockChat()
	defer mock.Close()
	mock.Script("never", testutil.NewRefusal())
	f := newExecutorFixture(t, mock)

	out := f.exec.Execute(context.Background(), prompt.Prompt{Index: 1, Text: "never"})

	if out.Success {
		t.Fatal("expected failure")
	}
	failures := f.recorder.all()
	if len(failures) != 1 || failures[0].Outcome != "refusal" {
		t.Fatalf("failures = %+v, want one refusal", failures)
	}
	if !strings.Contains(failures[0].Reason, "sorry") {
		t.Errorf("Reason = %q, want marker", failures[0].Reason)
	}
}

func TestExecutor_CancelledNotRecorded(t *testing.T) {
	mock := testutil.NewMockChat()
	defer mock.Close()
	mock.Script("slow", testutil.NewServerError())

	ctx, cancel := context.WithCancel(context.Background())
	recorder := &memRecorder{}
	exec := NewExecutor(ExecutorConfig{
		Client: newChatClient(t, mock),
		Policy: DefaultPolicy(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
		Recorder: recorder,
		Logger:   zerolog.Nop(),
	})

	out := exec.Execute(ctx, prompt.Prompt{Index: 0, Text: "slow"})

	if out.Success || !errors.Is(out.LastErr, ErrCancelled) {
		t.Fatalf("outcome = %+v, want cancelled failure", out)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if len(recorder.all()) != 0 {
		t.Errorf("recorded %d failures, want none on cancellation", len(recorder.all()))
	}
}
