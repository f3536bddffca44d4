// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine records cycles; unimplemented methods panic through the nil
// embedded interface.
type fakeEngine struct {
	syncpkg.SyncEngineInterface

	mu      sync.Mutex
	cycles  int
	forced  int
	pending int
	results []*syncpkg.SyncResult
	trigger func(string)
}

func (f *fakeEngine) StartBackgroundSync(context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles++
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r, nil
	}
	return &syncpkg.SyncResult{Success: true}, nil
}

func (f *fakeEngine) ForceSync(context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	return &syncpkg.SyncResult{Success: true, Synced: 1}, nil
}

func (f *fakeEngine) PendingCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEngine) SetTrigger(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger = fn
}

func (f *fakeEngine) RequestSync(reason string) {
	f.mu.Lock()
	fn := f.trigger
	f.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (f *fakeEngine) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

func (f *fakeEngine) queueResults(results ...*syncpkg.SyncResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeEngine) setPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

type fakeGate struct {
	mu         sync.Mutex
	online     bool
	foreground bool
}

func (g *fakeGate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

func (g *fakeGate) IsForeground() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.foreground
}

func (g *fakeGate) set(online, foreground bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online, g.foreground = online, foreground
}

func createTestScheduler(t *testing.T) (*fakeEngine, *fakeGate, *clock.Fake, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	gate := &fakeGate{online: true, foreground: true}
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))

	s := NewScheduler(engine, gate, &SchedulerConfig{
		Debounce:     2 * time.Second,
		SyncInterval: time.Minute,
		Clock:        clk,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return engine, gate, clk, s
}

// =====================================================
// Configuration Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	require.NotNil(t, config)
	assert.Equal(t, 2*time.Second, config.Debounce)
	assert.Equal(t, 5*time.Minute, config.SyncInterval)
	assert.Equal(t, 5*time.Minute, config.CycleTimeout)
}

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil)
	assert.Equal(t, 5*time.Minute, s.syncInterval)
	assert.Equal(t, 2*time.Second, s.debounce)
	assert.False(t, s.IsRunning())
}

// =====================================================
// Start/Stop Tests
// =====================================================

func TestScheduler_StartInstallsTrigger(t *testing.T) {
	engine, _, _, s := createTestScheduler(t)
	assert.True(t, s.IsRunning())

	engine.mu.Lock()
	installed := engine.trigger != nil
	engine.mu.Unlock()
	assert.True(t, installed)

	s.Start(context.Background())
	assert.True(t, s.IsRunning(), "second Start is ignored")
}

func TestScheduler_StopDisarmsTimers(t *testing.T) {
	engine, _, clk, s := createTestScheduler(t)
	engine.setPending(1)
	engine.RequestSync("enqueue")

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Hour)
	assert.Zero(t, engine.cycleCount())

	engine.RequestSync("enqueue")
	assert.Zero(t, clk.Pending(), "trigger is uninstalled")
}

// =====================================================
// Trigger Tests
// =====================================================

func TestRequestSync_debounces(t *testing.T) {
	engine, _, clk, s := createTestScheduler(t)

	engine.RequestSync("enqueue")
	clk.Advance(time.Second)
	engine.RequestSync("enqueue")
	clk.Advance(time.Second)
	assert.Zero(t, engine.cycleCount(), "window restarts on each request")

	clk.Advance(time.Second)
	assert.Equal(t, 1, engine.cycleCount())

	st := s.GetStatus()
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, "enqueue", st.LastReason)
	require.NotNil(t, st.LastRunAt)
}

func TestTriggerSync_runsImmediately(t *testing.T) {
	engine, _, _, s := createTestScheduler(t)

	require.True(t, s.TriggerSync("reconnect"))
	assert.Eventually(t, func() bool { return engine.cycleCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.TriggerSync("reconnect"))
}

func TestSyncNow(t *testing.T) {
	engine, _, _, s := createTestScheduler(t)

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, engine.forced)
	assert.Equal(t, "manual", s.GetStatus().LastReason)
}

// =====================================================
// Periodic and Retry Tests
// =====================================================

func TestPeriodic_requiresPendingWork(t *testing.T) {
	engine, _, clk, _ := createTestScheduler(t)

	clk.Advance(time.Minute)
	assert.Zero(t, engine.cycleCount())

	engine.setPending(2)
	clk.Advance(time.Minute)
	assert.Equal(t, 1, engine.cycleCount())

	clk.Advance(time.Minute)
	assert.Equal(t, 2, engine.cycleCount())
}

func TestPeriodic_gatedByNetworkAndForeground(t *testing.T) {
	engine, gate, clk, _ := createTestScheduler(t)
	engine.setPending(1)

	gate.set(false, true)
	clk.Advance(time.Minute)
	assert.Zero(t, engine.cycleCount())

	gate.set(true, false)
	clk.Advance(time.Minute)
	assert.Zero(t, engine.cycleCount())

	gate.set(true, true)
	clk.Advance(time.Minute)
	assert.Equal(t, 1, engine.cycleCount())
}

func TestRetry_followsRetryAfter(t *testing.T) {
	engine, _, clk, s := createTestScheduler(t)
	engine.queueResults(
		&syncpkg.SyncResult{Success: true, Failed: 1, RetryAfter: 5 * time.Second},
		&syncpkg.SyncResult{Success: true, Synced: 1},
	)

	engine.RequestSync("enqueue")
	clk.Advance(2 * time.Second)
	require.Equal(t, 1, engine.cycleCount())

	st := s.GetStatus()
	require.NotNil(t, st.NextRetryAt)
	assert.Equal(t, clk.Now().Add(5*time.Second), *st.NextRetryAt)

	clk.Advance(4 * time.Second)
	assert.Equal(t, 1, engine.cycleCount())
	clk.Advance(time.Second)
	assert.Equal(t, 2, engine.cycleCount())

	st = s.GetStatus()
	assert.Nil(t, st.NextRetryAt)
	assert.Equal(t, "retry", st.LastReason)
}

func TestRetry_rejectedCycleIsNotRecorded(t *testing.T) {
	engine, _, clk, s := createTestScheduler(t)
	engine.queueResults(&syncpkg.SyncResult{Message: syncpkg.MessageRejected})

	engine.RequestSync("enqueue")
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, engine.cycleCount())
	assert.Zero(t, s.GetStatus().Runs)
}

type erroringEngine struct {
	fakeEngine
}

func (e *erroringEngine) StartBackgroundSync(context.Context) (*syncpkg.SyncResult, error) {
	return nil, apperrors.New(apperrors.ErrDatabase, "disk I/O error")
}

func TestRun_engineErrorIsLogged(t *testing.T) {
	engine := &erroringEngine{}
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(engine, nil, &SchedulerConfig{Debounce: time.Second, SyncInterval: time.Hour, Clock: clk})
	s.Start(context.Background())
	defer s.Stop()

	s.RequestSync("enqueue")
	clk.Advance(time.Second)
	assert.Zero(t, s.GetStatus().Runs)
}
