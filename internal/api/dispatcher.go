package api

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrShuttingDown is returned by Dispatch once Close has been called.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Dispatcher runs pipeline invocations in the background, detached from
// the request that scheduled them, and tracks them for shutdown.
type Dispatcher struct {
	base context.Context
	log  logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Jobs inherit values from base but
// never its cancellation.
func NewDispatcher(base context.Context, log logrus.FieldLogger) *Dispatcher {
	if base == nil {
		base = context.Background()
	}
	return &Dispatcher{base: context.WithoutCancel(base), log: log}
}

// Dispatch starts fn in a new goroutine.
func (d *Dispatcher) Dispatch(name string, fn func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				d.log.WithFields(logrus.Fields{"job": name, "panic": p}).Error("background job panicked")
			}
		}()
		fn(d.base)
	}()
	return nil
}

// Close stops accepting new jobs.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait closes the dispatcher and blocks until in-flight jobs finish or
// ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.Close()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
