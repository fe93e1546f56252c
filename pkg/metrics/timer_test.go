package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 100 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()

	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}

	if duration > sleepDuration+time.Second {
		t.Errorf("Timer.Duration() = %v, unexpectedly large", duration)
	}
}

// TestTimerObserveDuration tests recording into a histogram
func TestTimerObserveDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_observe_seconds",
		Help: "test histogram",
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(hist)

	// A single observation must have been recorded.
	ch := make(chan prometheus.Metric, 1)
	hist.Collect(ch)
	if len(ch) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(ch))
	}
}
