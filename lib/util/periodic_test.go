package util

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestPeriodicTaskTicks tests that the task runs once per tick of the mock clock
func TestPeriodicTaskTicks(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int64

	task := NewPeriodicTask("test", time.Second, mock, func(ctx context.Context) {
		runs.Add(1)
	})
	task.Start()
	defer task.Stop()

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := int64(i)
		if !waitFor(t, time.Second, func() bool { return runs.Load() >= want }) {
			t.Fatalf("expected %d runs, got %d", want, runs.Load())
		}
	}
}

// TestPeriodicTaskStop tests that Stop is idempotent and ends the loop
func TestPeriodicTaskStop(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int64

	task := NewPeriodicTask("test", time.Second, mock, func(ctx context.Context) {
		runs.Add(1)
	})
	task.Start()
	task.Stop()
	task.Stop()

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("stopped task should not run, ran %d times", runs.Load())
	}

	// a stopped task cannot be restarted
	task.Start()
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("restarted task should not run, ran %d times", runs.Load())
	}
}

// TestPeriodicTaskStopWaitsForIteration tests that Stop drains the running iteration
func TestPeriodicTaskStopWaitsForIteration(t *testing.T) {
	mock := clock.NewMock()
	entered := make(chan struct{})
	var finished atomic.Bool

	task := NewPeriodicTask("test", time.Second, mock, func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	task.Start()
	mock.Add(time.Second)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("iteration did not start")
	}

	task.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the running iteration finished")
	}
}
