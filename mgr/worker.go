package mgr

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// WorkerCtx is the context a worker runs in.
// It provides the worker with a logger and access to the manager context.
type WorkerCtx struct {
	name   string
	logger *slog.Logger
	ctx    context.Context
}

// Ctx returns the worker context.
func (w *WorkerCtx) Ctx() context.Context {
	return w.ctx
}

// Done returns the context Done channel.
func (w *WorkerCtx) Done() <-chan struct{} {
	return w.ctx.Done()
}

// IsDone checks whether the worker context is done.
func (w *WorkerCtx) IsDone() bool {
	return w.ctx.Err() != nil
}

// Debug logs a debug message with the worker logger.
func (w *WorkerCtx) Debug(msg string, args ...any) {
	w.logger.Debug(msg, args...)
}

// Info logs an info message with the worker logger.
func (w *WorkerCtx) Info(msg string, args ...any) {
	w.logger.Info(msg, args...)
}

// Warn logs a warning message with the worker logger.
func (w *WorkerCtx) Warn(msg string, args ...any) {
	w.logger.Warn(msg, args...)
}

// Error logs an error message with the worker logger.
func (w *WorkerCtx) Error(msg string, args ...any) {
	w.logger.Error(msg, args...)
}

// StartWorker starts a new worker goroutine.
// The worker is tracked by the manager and waited for on shutdown.
func (m *Manager) StartWorker(name string, fn func(w *WorkerCtx) error) {
	m.Go(name, fn)
}

// Go starts a new tracked goroutine running the given worker function.
// A returned error or a panic is logged, the worker is not restarted.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	m.workerStart()
	go func() {
		defer m.workerDone()
		_ = m.runWorker(name, fn)
	}()
}

// Do executes the given worker function synchronously and returns its error.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	m.workerStart()
	defer m.workerDone()
	return m.runWorker(name, fn)
}

// Repeat starts a tracked goroutine that runs the given worker function
// at the given interval until the manager is canceled.
func (m *Manager) Repeat(name string, interval time.Duration, fn func(w *WorkerCtx) error) {
	m.workerStart()
	go func() {
		defer m.workerDone()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = m.runWorker(name, fn)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) runWorker(name string, fn func(w *WorkerCtx) error) (err error) {
	w := &WorkerCtx{
		name:   name,
		logger: m.logger.With("worker", name),
		ctx:    m.ctx,
	}

	defer func() {
		if panicInfo := recover(); panicInfo != nil {
			err = fmt.Errorf("worker panic: %v", panicInfo)
			w.Error(
				"worker failed",
				"err", err,
				"stack", string(debug.Stack()),
			)
		}
	}()

	err = fn(w)
	if err != nil && !w.IsDone() {
		w.Error("worker failed", "err", err)
	}
	return err
}
