package mgr

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// ManagerNameSLogKey is used as the logging key for the name of the manager.
var ManagerNameSLogKey = "manager"

// Manager manages workers.
type Manager struct {
	name   string
	logger *slog.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	workerCnt   atomic.Int32
	workersDone chan struct{}
}

// New returns a new manager.
func New(name string) *Manager {
	return newManager(name)
}

func newManager(name string) *Manager {
	m := &Manager{
		name:        name,
		logger:      slog.Default().With(ManagerNameSLogKey, name),
		workersDone: make(chan struct{}),
	}
	m.ctx, m.cancelCtx = context.WithCancel(context.Background())
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Ctx returns the worker context.
func (m *Manager) Ctx() context.Context {
	return m.ctx
}

// Cancel cancels the worker context.
func (m *Manager) Cancel() {
	m.cancelCtx()
}

// Done returns the context Done channel.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// IsDone checks whether the manager context is done.
func (m *Manager) IsDone() bool {
	return m.ctx.Err() != nil
}

// Go starts the given function in a goroutine (as a "worker").
// The worker context has
// - A separate context which is canceled when the functions returns.
// - Access to named structure logging.
// - Given function is re-run after failure (with backoff).
// - Panic catching.
// - Flow control helpers.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	m.workerStart()
	go m.manageWorker(name, fn)
}

func (m *Manager) manageWorker(name string, fn func(w *WorkerCtx) error) {
	defer m.workerDone()

	w := &WorkerCtx{
		name:   name,
		logger: m.logger.With("worker", name),
	}
	w.ctx = m.ctx

	backoff := time.Second
	failCnt := 0

	for {
		panicInfo, err := m.runWorker(w, fn)
		switch {
		case err == nil:
			// No error means that the worker is finished.
			return

		case m.IsDone():
			// Manager is being stopped.
			return

		default:
			failCnt++
			w.Error(
				"worker failed",
				"failCnt", failCnt,
				"backoff", backoff,
				"err", err,
				"file", panicInfo,
			)
		}

		// Delay re-run, but abort when manager is canceled.
		select {
		case <-time.After(backoff):
		case <-m.ctx.Done():
			return
		}

		// Increase backoff up to one minute.
		backoff = min(backoff*2, time.Minute)
	}
}

// Do directly executes the given function (as a "worker").
// The worker context has
// - A separate context which is canceled when the functions returns.
// - Access to named structure logging.
// - Given function is re-run after failure (with backoff).
// - Panic catching.
// - Flow control helpers.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	m.workerStart()
	defer m.workerDone()

	// Create context.
	w := &WorkerCtx{
		ctx:    m.Ctx(),
		name:   name,
		logger: m.logger.With("worker", name),
	}

	// Run worker.
	panicInfo, err := m.runWorker(w, fn)
	switch {
	case err == nil:
		// Successful execution.
		return nil

	case m.IsDone():
		// Manager is being stopped.
		return err

	default:
		w.Error(
			"worker failed",
			"err", err,
			"file", panicInfo,
		)
		return err
	}
}

func (m *Manager) runWorker(w *WorkerCtx, fn func(w *WorkerCtx) error) (panicInfo string, err error) {
	defer func() {
		// Recover from panic.
		panicVal := recover()
		if panicVal != nil {
			err = &PanicError{value: panicVal}

			// Get location of panic.
			_, file, line, ok := runtime.Caller(2)
			if ok {
				panicInfo = fmt.Sprintf("%s:%d", file, line)
			}
		}
	}()

	err = fn(w)
	return
}

// StartWorker starts a worker, but it is not restarted when it fails.
func (m *Manager) StartWorker(name string, fn func(w *WorkerCtx) error) {
	m.workerStart()
	go func() {
		defer m.workerDone()

		w := &WorkerCtx{
			ctx:    m.Ctx(),
			name:   name,
			logger: m.logger.With("worker", name),
		}
		panicInfo, err := m.runWorker(w, fn)
		if err != nil && !m.IsDone() {
			w.Error(
				"worker failed",
				"err", err,
				"file", panicInfo,
			)
		}
	}()
}

func (m *Manager) workerStart() {
	m.workerCnt.Add(1)
}

func (m *Manager) workerDone() {
	if m.workerCnt.Add(-1) == 0 {
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

// WaitForWorkers waits for all workers of this manager to be done.
// The default maximum waiting time is one minute.
func (m *Manager) WaitForWorkers(max time.Duration) (done bool) {
	// Return immediately if there are no workers.
	if m.workerCnt.Load() == 0 {
		return true
	}

	// Setup timers.
	reCheckDuration := 10 * time.Millisecond
	if max <= 0 {
		max = time.Minute
	}
	reCheck := time.NewTimer(reCheckDuration)
	maxWait := time.NewTimer(max)
	defer reCheck.Stop()
	defer maxWait.Stop()

	// Wait for workers to finish, plus check the count in intervals.
	for {
		if m.workerCnt.Load() == 0 {
			return true
		}

		select {
		case <-m.workersDone:
			if m.workerCnt.Load() == 0 {
				return true
			}

		case <-reCheck.C:
			// Check worker count again.
			// This is a dead simple and effective way to avoid all the channel race conditions.
			reCheckDuration *= 2
			reCheck.Reset(reCheckDuration)

		case <-maxWait.C:
			return m.workerCnt.Load() == 0
		}
	}
}

// Logger returns the logger used by the manager.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Debug logs at LevelDebug.
// The manager context is automatically supplied.
func (m *Manager) Debug(msg string, args ...any) {
	m.logger.DebugContext(m.ctx, msg, args...)
}

// Info logs at LevelInfo.
// The manager context is automatically supplied.
func (m *Manager) Info(msg string, args ...any) {
	m.logger.InfoContext(m.ctx, msg, args...)
}

// Warn logs at LevelWarn.
// The manager context is automatically supplied.
func (m *Manager) Warn(msg string, args ...any) {
	m.logger.WarnContext(m.ctx, msg, args...)
}

// Error logs at LevelError.
// The manager context is automatically supplied.
func (m *Manager) Error(msg string, args ...any) {
	m.logger.ErrorContext(m.ctx, msg, args...)
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	value any
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", pe.value)
}
