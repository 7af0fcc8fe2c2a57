package mgr

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Manager manages workers and provides a named logger for a component.
type Manager struct {
	name   string
	logger *slog.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	workerCnt   atomic.Int32
	workersDone chan struct{}
}

// New returns a new manager with the given name.
func New(name string) *Manager {
	m := &Manager{
		name:        name,
		logger:      slog.Default().With("manager", name),
		workersDone: make(chan struct{}),
	}
	m.ctx, m.cancelCtx = context.WithCancel(context.Background())
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Ctx returns the manager context.
func (m *Manager) Ctx() context.Context {
	return m.ctx
}

// Done returns the context Done channel.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// IsDone checks whether the manager context is done.
func (m *Manager) IsDone() bool {
	return m.ctx.Err() != nil
}

// Cancel cancels the manager context.
func (m *Manager) Cancel() {
	m.cancelCtx()
}

// WaitForWorkers waits for all workers of this manager to be done.
// The default maximum waiting time is one minute.
func (m *Manager) WaitForWorkers(max time.Duration) (done bool) {
	if m.workerCnt.Load() == 0 {
		return true
	}
	if max <= 0 {
		max = time.Minute
	}

	timeout := time.NewTimer(max)
	defer timeout.Stop()
	for {
		select {
		case <-m.workersDone:
			if m.workerCnt.Load() == 0 {
				return true
			}
		case <-timeout.C:
			return m.workerCnt.Load() == 0
		}
	}
}

func (m *Manager) workerStart() {
	m.workerCnt.Add(1)
}

func (m *Manager) workerDone() {
	if m.workerCnt.Add(-1) <= 0 {
		// Notify all waiters.
		for {
			select {
			case m.workersDone <- struct{}{}:
			default:
				return
			}
		}
	}
}

// Debug logs a debug message with the manager logger.
func (m *Manager) Debug(msg string, args ...any) {
	m.logger.Debug(msg, args...)
}

// Info logs an info message with the manager logger.
func (m *Manager) Info(msg string, args ...any) {
	m.logger.Info(msg, args...)
}

// Warn logs a warning message with the manager logger.
func (m *Manager) Warn(msg string, args ...any) {
	m.logger.Warn(msg, args...)
}

// Error logs an error message with the manager logger.
func (m *Manager) Error(msg string, args ...any) {
	m.logger.Error(msg, args...)
}
