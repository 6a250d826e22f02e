package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasnoah/watchman/internal/logging"
)

func TestDispatcher_WaitsForJobs(t *testing.T) {
	d := NewDispatcher(context.Background(), logging.Discard())
	var done atomic.Int32
	for i := 0; i < 3; i++ {
		if err := d.Dispatch("job", func(context.Context) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Load() != 3 {
		t.Errorf("expected 3 finished jobs, got %d", done.Load())
	}
	if err := d.Dispatch("late", func(context.Context) {}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestDispatcher_WaitTimeout(t *testing.T) {
	d := NewDispatcher(context.Background(), logging.Discard())
	release := make(chan struct{})
	defer close(release)
	_ = d.Dispatch("slow", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcher_JobsOutliveBaseCancellation(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(base, logging.Discard())
	cancel()

	errc := make(chan error, 1)
	_ = d.Dispatch("job", func(ctx context.Context) { errc <- ctx.Err() })
	if err := <-errc; err != nil {
		t.Errorf("job context should not be cancelled, got %v", err)
	}
	_ = d.Wait(context.Background())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(context.Background(), logging.Discard())
	_ = d.Dispatch("bad", func(context.Context) { panic("boom") })
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
