package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
)

// Default debounce windows. Mutations arriving inside one Debounce window
// coalesce into a single write; MaxWait bounds how long a dirty state may
// stay unflushed under sustained mutation.
const (
	DefaultDebounce = 2 * time.Second
	DefaultMaxWait  = 15 * time.Second
)

// StateSource supplies a consistent deep snapshot of the in-memory state
// tree. Implementations take their own lock for the duration of the copy.
type StateSource interface {
	SnapshotState() *State
}

// MetricsSource supplies a snapshot of the metrics document.
type MetricsSource interface {
	SnapshotMetrics() *MetricsDocument
}

type SaverConfig struct {
	Debounce time.Duration
	MaxWait  time.Duration
}

// Saver schedules coalesced writes of the state and metrics documents. All
// durable writes in the process go through it.
type Saver struct {
	store   Store
	state   StateSource
	metrics MetricsSource
	bus     *eventbus.Bus
	logger  *slog.Logger
	cfg     SaverConfig

	mu        sync.Mutex
	dirty     bool
	pending   int
	lastFlush time.Time
	timer     *time.Timer
	saveCount int
	inFlight  sync.WaitGroup
}

// NewSaver creates a saver. metrics and bus may be nil when the host does
// not wire those components.
func NewSaver(store Store, state StateSource, metrics MetricsSource, bus *eventbus.Bus, logger *slog.Logger, cfg SaverConfig) *Saver {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}

	return &Saver{
		store:     store,
		state:     state,
		metrics:   metrics,
		bus:       bus,
		logger:    logger.With("module", "saver"),
		cfg:       cfg,
		lastFlush: time.Now(),
	}
}

// MarkDirty records a mutation. If the state has gone unflushed longer than
// MaxWait the flush starts immediately; otherwise a flush is scheduled after
// the debounce interval unless one is already pending.
func (s *Saver) MarkDirty() {
	s.mu.Lock()

	s.dirty = true
	s.pending++

	if time.Since(s.lastFlush) >= s.cfg.MaxWait {
		s.lastFlush = time.Now()
		s.mu.Unlock()
		s.Flush(context.Background())

		return
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.Debounce, func() {
			s.Flush(context.Background())
		})
	}

	s.mu.Unlock()
}

// Flush writes asynchronously. The caller is never blocked on I/O.
func (s *Saver) Flush(ctx context.Context) {
	s.mu.Lock()
	s.stopTimerLocked()
	s.inFlight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inFlight.Done()

		if err := s.doFlush(ctx); err != nil {
			s.logger.Error("flush failed", "error", err)
		}
	}()
}

// FlushSync writes on the calling goroutine. Used from process-exit paths
// where spawning a goroutine would race with termination.
func (s *Saver) FlushSync(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()

	return s.doFlush(ctx)
}

// SaveNow is the escape hatch for callers needing a durability guarantee
// before proceeding.
func (s *Saver) SaveNow(ctx context.Context) error {
	return s.FlushSync(ctx)
}

// WaitForPendingSave blocks until every recorded mutation is durable:
// a still-dirty state is flushed synchronously, then any in-flight
// asynchronous flush is awaited.
func (s *Saver) WaitForPendingSave(ctx context.Context) error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()

	if dirty {
		if err := s.FlushSync(ctx); err != nil {
			return err
		}
	}

	s.inFlight.Wait()

	return nil
}

// Shutdown flushes synchronously and closes the store. The host calls it
// from its own signal handling; the saver registers no process hooks itself.
func (s *Saver) Shutdown(ctx context.Context) error {
	flushErr := s.FlushSync(ctx)
	s.inFlight.Wait()

	if err := s.store.Close(ctx); err != nil {
		s.logger.Error("store close failed", "error", err)
	}

	return flushErr
}

func (s *Saver) doFlush(ctx context.Context) error {
	s.mu.Lock()
	pendingChanges := s.pending
	s.dirty = false
	s.pending = 0
	s.lastFlush = time.Now()
	s.mu.Unlock()

	state := s.state.SnapshotState()
	state.LastUpdated = time.Now().UTC()

	if err := s.store.SaveState(ctx, state); err != nil {
		s.logger.Error("state write failed, retrying synchronously", "error", err)

		// Fallback write path so a transient failure does not silently
		// drop the pending mutations.
		if err := s.store.SaveState(ctx, state); err != nil {
			s.mu.Lock()
			s.dirty = true
			s.pending += pendingChanges
			s.mu.Unlock()

			return err
		}
	}

	if s.metrics != nil {
		doc := s.metrics.SnapshotMetrics()
		doc.LastUpdated = time.Now().UTC()

		if err := s.store.SaveMetrics(ctx, doc); err != nil {
			s.logger.Error("metrics write failed", "error", err)
		}
	}

	s.mu.Lock()
	s.saveCount++
	saveCount := s.saveCount
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ctx, events.StateSaved, map[string]any{
			"source":          "persistence",
			"pending_changes": pendingChanges,
			"save_count":      saveCount,
		})
	}

	return nil
}

func (s *Saver) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SaveCount reports how many flushes have completed.
func (s *Saver) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveCount
}

// Dirty reports whether unflushed mutations exist.
func (s *Saver) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirty
}
