package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"media-cache/internal/logging"
	"media-cache/internal/metrics"
)

var (
	// ErrStoreCorrupted means the database failed its integrity check and
	// could not be recovered by a close/reopen cycle. Fatal for the session.
	ErrStoreCorrupted = errors.New("cache store is corrupted")
	// ErrStoreClosing is returned for operations submitted during shutdown.
	ErrStoreClosing = errors.New("cache store is closing")
	// ErrOpTimeout means an operation exceeded its hard timeout and was
	// abandoned. The queue itself keeps running.
	ErrOpTimeout = errors.New("store operation timed out")
)

// Config tunes the serialized manager. Zero values get defaults.
type Config struct {
	// OpTimeout is the hard per-operation timeout, retries included.
	OpTimeout time.Duration
	// QueueCapacity bounds the number of waiting operations.
	QueueCapacity int
	// DrainTimeout bounds how long Close waits for in-flight work.
	DrainTimeout time.Duration
	// CheckpointInterval is how often the WAL is checkpointed. 0 disables.
	CheckpointInterval time.Duration

	// TransientRetries/TransientBackoff govern ordinary transient errors.
	TransientRetries int
	TransientBackoff time.Duration
	MaxTransientBackoff time.Duration

	// BusyRetries/BusyBackoff govern busy/locked contention. Contention is
	// expected under multi-process access, so this backoff starts higher and
	// runs longer than the transient one.
	BusyRetries    int
	BusyBackoff    time.Duration
	MaxBusyBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.TransientRetries <= 0 {
		c.TransientRetries = 3
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 50 * time.Millisecond
	}
	if c.MaxTransientBackoff <= 0 {
		c.MaxTransientBackoff = 500 * time.Millisecond
	}
	if c.BusyRetries <= 0 {
		c.BusyRetries = 5
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 250 * time.Millisecond
	}
	if c.MaxBusyBackoff <= 0 {
		c.MaxBusyBackoff = 2 * time.Second
	}
	return c
}

type operation struct {
	name   string
	fn     func(context.Context, Backend) error
	result chan error
}

// Manager owns the one handle to the cache store and guarantees that no two
// logical operations execute concurrently against it. Operations submitted
// through Execute run strictly one at a time in submission order.
type Manager struct {
	backend Backend
	cfg     Config

	ops        chan *operation
	workerDone chan struct{}
	quit       chan struct{}

	opened atomic.Bool

	// sendMu protects the closing flag and the ops channel close.
	sendMu  sync.RWMutex
	closing bool

	openMu sync.Mutex
	closed bool
}

// NewManager creates a manager over the given backend. Call Open before
// submitting operations.
func NewManager(backend Backend, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		backend:    backend,
		cfg:        cfg,
		ops:        make(chan *operation, cfg.QueueCapacity),
		workerDone: make(chan struct{}),
		quit:       make(chan struct{}),
	}
}

// Open opens the backend, validates integrity and starts the operation
// worker. Idempotent: a second call on a live manager returns nil.
func (m *Manager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if m.opened.Load() {
		return nil
	}
	if m.closed {
		return ErrStoreClosing
	}

	if err := m.backend.Open(ctx); err != nil {
		return err
	}
	if err := m.validateIntegrity(ctx); err != nil {
		return err
	}

	go m.worker()
	if m.cfg.CheckpointInterval > 0 {
		go m.checkpointLoop()
	}

	m.opened.Store(true)
	logging.Info("Cache store open (op timeout %v, queue capacity %d)", m.cfg.OpTimeout, m.cfg.QueueCapacity)
	return nil
}

// validateIntegrity runs the backend's consistency check before the first
// operation of the session. On failure it attempts exactly one close/reopen
// recovery cycle; if that also fails the store is corrupted.
func (m *Manager) validateIntegrity(ctx context.Context) error {
	err := m.backend.CheckIntegrity(ctx)
	if err == nil {
		return nil
	}

	metrics.StoreCorruptionEvents.Inc()
	logging.Warn("Store integrity check failed: %v, attempting close/reopen recovery", err)

	if closeErr := m.backend.Close(); closeErr != nil {
		logging.Error("failed to close store during recovery: %v", closeErr)
	}
	if openErr := m.backend.Open(ctx); openErr != nil {
		return fmt.Errorf("%w: reopen failed: %v", ErrStoreCorrupted, openErr)
	}
	if err := m.backend.CheckIntegrity(ctx); err != nil {
		metrics.StoreCorruptionEvents.Inc()
		if closeErr := m.backend.Close(); closeErr != nil {
			logging.Error("failed to close corrupted store: %v", closeErr)
		}
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}

	logging.Info("Store integrity recovered after reopen")
	return nil
}

// Execute submits an operation to the serialized queue and waits for its
// result. ctx only covers the caller's wait: a caller that gives up abandons
// the result, but the operation itself still runs (or times out) in order.
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context, Backend) error) error {
	if !m.opened.Load() {
		return fmt.Errorf("cache store is not open")
	}

	op := &operation{name: name, fn: fn, result: make(chan error, 1)}

	m.sendMu.RLock()
	if m.closing {
		m.sendMu.RUnlock()
		return ErrStoreClosing
	}
	select {
	case m.ops <- op:
		m.sendMu.RUnlock()
		metrics.StoreQueueDepth.Inc()
	case <-ctx.Done():
		m.sendMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer close(m.workerDone)

	for op := range m.ops {
		metrics.StoreQueueDepth.Dec()

		start := time.Now()
		err := m.runOp(op)

		status := "success"
		if err != nil && !errors.Is(err, ErrNotFound) {
			status = "error"
		}
		metrics.StoreOpsTotal.WithLabelValues(op.name, status).Inc()
		metrics.StoreOpDuration.WithLabelValues(op.name).Observe(time.Since(start).Seconds())

		op.result <- err
	}
}

// runOp executes one operation under the hard timeout. A stuck operation is
// abandoned so it cannot wedge the queue; its goroutine finishes on its own.
func (m *Manager) runOp(op *operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.attempt(ctx, op)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logging.Warn("Store operation %q exceeded %v, abandoning", op.name, m.cfg.OpTimeout)
		return ErrOpTimeout
	}
}

// attempt runs the operation with the two-tier retry policy: busy/locked
// contention gets the longer backoff, other errors the ordinary transient one.
func (m *Manager) attempt(ctx context.Context, op *operation) error {
	transientLeft := m.cfg.TransientRetries
	transientBackoff := m.cfg.TransientBackoff
	busyLeft := m.cfg.BusyRetries
	busyBackoff := m.cfg.BusyBackoff

	for {
		err := op.fn(ctx, m.backend)
		if err == nil ||
			errors.Is(err, ErrNotFound) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var delay time.Duration
		if m.backend.IsBusy(err) {
			if busyLeft == 0 {
				return fmt.Errorf("store contention persisted through retries on %q: %w", op.name, err)
			}
			busyLeft--
			metrics.StoreBusyRetries.Inc()
			delay = busyBackoff
			busyBackoff *= 2
			if busyBackoff > m.cfg.MaxBusyBackoff {
				busyBackoff = m.cfg.MaxBusyBackoff
			}
			logging.Debug("Store operation %q hit contention, retrying in %v", op.name, delay)
		} else {
			if transientLeft == 0 {
				return err
			}
			transientLeft--
			delay = transientBackoff
			transientBackoff *= 2
			if transientBackoff > m.cfg.MaxTransientBackoff {
				transientBackoff = m.cfg.MaxTransientBackoff
			}
			logging.Debug("Store operation %q failed (%v), retrying in %v", op.name, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) checkpointLoop() {
	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := m.Execute(context.Background(), "checkpoint", func(ctx context.Context, b Backend) error {
				return b.Checkpoint(ctx)
			})
			switch {
			case err == nil:
				metrics.StoreCheckpoints.WithLabelValues("periodic").Inc()
			case errors.Is(err, ErrStoreClosing):
				return
			default:
				logging.Warn("Periodic checkpoint failed: %v", err)
			}
		case <-m.quit:
			return
		}
	}
}

// Close shuts the manager down: new operations are rejected immediately,
// queued operations drain up to DrainTimeout, then a final checkpoint runs
// and the handle is released. The ordering exists to avoid releasing the
// handle while a statement is still being finalized.
func (m *Manager) Close(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if !m.opened.Load() || m.closed {
		return nil
	}
	m.closed = true

	close(m.quit)

	m.sendMu.Lock()
	m.closing = true
	close(m.ops)
	m.sendMu.Unlock()

	drain := m.cfg.DrainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until > 0 && until < drain {
			drain = until
		}
	}

	select {
	case <-m.workerDone:
		logging.Debug("Store queue drained")
	case <-time.After(drain):
		logging.Warn("Store close drain timed out after %v, forcing shutdown", drain)
	}

	cpCtx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()
	if err := m.backend.Checkpoint(cpCtx); err != nil {
		logging.Warn("Final checkpoint failed: %v", err)
	} else {
		metrics.StoreCheckpoints.WithLabelValues("close").Inc()
	}

	logging.Info("Cache store closed")
	return m.backend.Close()
}
