package throughput

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewTracker_DefaultCapacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		want     int
	}{
		{"zero uses default", 0, DefaultCapacity},
		{"negative uses default", -3, DefaultCapacity},
		{"explicit", 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(tt.capacity, zerolog.Nop())
			if tr.Capacity() != tt.want {
				t.Errorf("Capacity() = %d, want %d", tr.Capacity(), tt.want)
			}
		})
	}
}

func TestRecord_ComputesReciprocal(t *testing.T) {
	tr := NewTracker(3, zerolog.Nop())

	tr.Record(500 * time.Millisecond)
	tr.Record(250 * time.Millisecond)

	samples := tr.Samples()
	want := []float64{2, 4}
	if len(samples) != len(want) {
		t.Fatalf("Samples() len = %d, want %d", len(samples), len(want))
	}
	for i := range want {
		if math.Abs(samples[i]-want[i]) > 1e-9 {
			t.Errorf("Samples()[%d] = %v, want %v", i, samples[i], want[i])
		}
	}
	if math.Abs(tr.Mean()-3) > 1e-9 {
		t.Errorf("Mean() = %v, want 3", tr.Mean())
	}
}

func TestRecord_WrapsRoundRobin(t *testing.T) {
	tr := NewTracker(2, zerolog.Nop())

	tr.Record(1 * time.Second)        // slot 0 = 1
	tr.Record(500 * time.Millisecond) // slot 1 = 2
	tr.Record(250 * time.Millisecond) // slot 0 = 4 (overwrites oldest)

	samples := tr.Samples()
	if len(samples) != 2 {
		t.Fatalf("Samples() len = %d, want 2", len(samples))
	}
	if samples[0] != 4 || samples[1] != 2 {
		t.Errorf("Samples() = %v, want [4 2]", samples)
	}
	if tr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tr.Len())
	}
}

func TestRecord_IgnoresNonPositive(t *testing.T) {
	tr := NewTracker(2, zerolog.Nop())

	tr.Record(0)
	tr.Record(-time.Second)

	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
	if tr.Mean() != 0 {
		t.Errorf("Mean() = %v, want 0", tr.Mean())
	}
}

func TestSamples_ReturnsCopy(t *testing.T) {
	tr := NewTracker(2, zerolog.Nop())
	tr.Record(time.Second)

	s := tr.Samples()
	s[0] = 99

	if tr.Samples()[0] != 1 {
		t.Error("Samples() must not expose the internal ring")
	}
}

func TestRecord_Concurrent(t *testing.T) {
	tr := NewTracker(10, zerolog.Nop())
	before := testutil.ToFloat64(throughputSamplesTotal)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(100 * time.Millisecond)
		}()
	}
	wg.Wait()

	if tr.Len() != 10 {
		t.Errorf("Len() = %d, want 10", tr.Len())
	}
	if got := testutil.ToFloat64(throughputSamplesTotal) - before; got != 50 {
		t.Errorf("samples counter delta = %v, want 50", got)
	}
	if math.Abs(testutil.ToFloat64(throughputRate)-10) > 1e-9 {
		t.Errorf("throughput gauge = %v, want 10", testutil.ToFloat64(throughputRate))
	}
}
