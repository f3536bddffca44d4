// Package scheduler decides when the sync engine runs: debounced requests,
// periodic cycles while the app is usable, and backoff-governed retries.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	"github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
)

// Gate reports whether periodic cycles may run.
type Gate interface {
	IsOnline() bool
	IsForeground() bool
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	gate         Gate
	clock        clock.Clock
	debounce     time.Duration
	syncInterval time.Duration
	cycleTimeout time.Duration

	wg        sync.WaitGroup
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool

	debounceTimer clock.Timer
	periodicTimer clock.Timer
	retryTimer    clock.Timer
	pendingReason string

	lastRunAt   time.Time
	lastReason  string
	nextRetryAt time.Time
	runs        int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Debounce     time.Duration // Coalescing window for RequestSync (default: 2 seconds)
	SyncInterval time.Duration // Period of background cycles (default: 5 minutes)
	CycleTimeout time.Duration // Upper bound for one cycle (default: 5 minutes)
	Clock        clock.Clock
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Debounce:     2 * time.Second,
		SyncInterval: 5 * time.Minute,
		CycleTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. A nil gate allows every periodic
// cycle.
func NewScheduler(engine syncpkg.SyncEngineInterface, gate Gate, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:       engine,
		gate:         gate,
		clock:        config.Clock,
		debounce:     config.Debounce,
		syncInterval: config.SyncInterval,
		cycleTimeout: config.CycleTimeout,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.debounce < 0 {
		s.debounce = 0
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = defaults.CycleTimeout
	}
	return s
}

// Start installs the scheduler as the engine's trigger and arms the
// periodic timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.periodicTimer = s.clock.AfterFunc(s.syncInterval, s.tick)
	s.mu.Unlock()

	s.engine.SetTrigger(s.RequestSync)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
		"debounce_ms":      s.debounce.Milliseconds(),
	})
}

// Stop disarms every timer and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	for _, t := range []clock.Timer{s.debounceTimer, s.periodicTimer, s.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.debounceTimer, s.periodicTimer, s.retryTimer = nil, nil, nil
	s.cancel()
	s.mu.Unlock()

	s.engine.SetTrigger(nil)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// RequestSync asks for a cycle after the debounce window. Requests arriving
// within the window collapse into one cycle.
func (s *Scheduler) RequestSync(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.pendingReason = reason
	s.debounceTimer = s.clock.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		r := s.pendingReason
		s.debounceTimer = nil
		s.mu.Unlock()
		s.run(r)
	})
}

// TriggerSync starts a cycle in the background without debouncing.
// Returns false when the scheduler is stopped.
func (s *Scheduler) TriggerSync(reason string) bool {
	ctx, ok := s.acquire()
	if !ok {
		return false
	}
	go func() {
		defer s.wg.Done()
		s.runWith(ctx, reason)
	}()
	return true
}

// SyncNow runs a forced cycle and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.ForceSync(syncCtx)
	if err != nil {
		return nil, err
	}
	s.record("manual", result)
	return result, nil
}

// tick runs a periodic cycle when the gate allows it and work is pending,
// then re-arms itself.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.periodicTimer = s.clock.AfterFunc(s.syncInterval, s.tick)
	s.mu.Unlock()

	if s.gate != nil && (!s.gate.IsOnline() || !s.gate.IsForeground()) {
		logging.Debug("Skipping periodic sync", nil)
		return
	}
	ctx, ok := s.acquire()
	if !ok {
		return
	}
	defer s.wg.Done()

	pending, err := s.engine.PendingCount(ctx)
	if err != nil {
		logging.Error("Failed to read pending count", err)
		return
	}
	if pending == 0 {
		return
	}
	s.runWith(ctx, "interval")
}

func (s *Scheduler) run(reason string) {
	ctx, ok := s.acquire()
	if !ok {
		return
	}
	defer s.wg.Done()
	s.runWith(ctx, reason)
}

// acquire registers a cycle with the wait group unless the scheduler is
// stopped. The caller must call wg.Done.
func (s *Scheduler) acquire() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil, false
	}
	s.wg.Add(1)
	return s.ctx, true
}

func (s *Scheduler) runWith(ctx context.Context, reason string) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.StartBackgroundSync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if !result.Success && result.Message == syncpkg.MessageRejected {
		logging.Debug("Scheduled sync rejected", map[string]interface{}{"reason": reason})
		return
	}
	s.record(reason, result)
}

// record stores the outcome and arms the retry timer when failed actions
// are waiting for one.
func (s *Scheduler) record(reason string, result *syncpkg.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.lastRunAt = s.clock.Now()
	s.lastReason = reason

	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
		s.nextRetryAt = time.Time{}
	}
	if result.RetryAfter <= 0 || !s.isRunning {
		return
	}
	s.nextRetryAt = s.lastRunAt.Add(result.RetryAfter)
	s.retryTimer = s.clock.AfterFunc(result.RetryAfter, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.nextRetryAt = time.Time{}
		s.mu.Unlock()
		s.run("retry")
	})
	logging.Info("Scheduled retry of failed actions", map[string]interface{}{
		"retry_after_ms": result.RetryAfter.Milliseconds(),
	})
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning   bool       `json:"is_running"`
	Runs        int        `json:"runs"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastReason  string     `json:"last_reason,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		Runs:       s.runs,
		LastReason: s.lastReason,
	}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		status.LastRunAt = &t
	}
	if !s.nextRetryAt.IsZero() {
		t := s.nextRetryAt
		status.NextRetryAt = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
