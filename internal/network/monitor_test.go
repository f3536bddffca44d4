package network

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/sync/remote"
	"github.com/kimhsiao/syncore/internal/sync/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pendingStub struct {
	n   int
	err error
}

func (p *pendingStub) PendingCount(context.Context) (int, error) { return p.n, p.err }

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) trigger(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func newTestMonitor(pending *pendingStub) (*Monitor, *clock.Fake, *recorder) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	m := NewMonitor(pending, Config{ReconnectDebounce: 2 * time.Second, Clock: clk})
	rec := &recorder{}
	m.SetTrigger(rec.trigger)
	return m, clk, rec
}

func TestMonitor_reconnectIsDebounced(t *testing.T) {
	m, clk, rec := newTestMonitor(&pendingStub{})
	assert.False(t, m.IsOnline())

	m.SetOnline(true)
	assert.True(t, m.IsOnline())
	clk.Advance(time.Second)
	assert.Empty(t, rec.got())

	clk.Advance(time.Second)
	assert.Equal(t, []string{ReasonReconnect}, rec.got())
}

func TestMonitor_flappingCancelsReconnect(t *testing.T) {
	m, clk, rec := newTestMonitor(&pendingStub{})

	m.SetOnline(true)
	clk.Advance(time.Second)
	m.SetOnline(false)
	clk.Advance(5 * time.Second)
	assert.Empty(t, rec.got())
	assert.Zero(t, clk.Pending())

	m.SetOnline(true)
	m.SetOnline(true)
	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{ReasonReconnect}, rec.got(), "repeated reports are not transitions")
}

func TestMonitor_foreground(t *testing.T) {
	pending := &pendingStub{n: 2}
	m, _, rec := newTestMonitor(pending)
	ctx := context.Background()
	assert.True(t, m.IsForeground())

	require.NoError(t, m.SetForeground(ctx, false))
	assert.False(t, m.IsForeground())
	require.NoError(t, m.SetForeground(ctx, true))
	assert.Empty(t, rec.got(), "offline")

	m.SetOnline(true)
	require.NoError(t, m.SetForeground(ctx, false))
	require.NoError(t, m.SetForeground(ctx, true))
	assert.Equal(t, []string{ReasonForeground}, rec.got())

	pending.n = 0
	require.NoError(t, m.SetForeground(ctx, false))
	require.NoError(t, m.SetForeground(ctx, true))
	assert.Len(t, rec.got(), 1, "nothing pending")

	pending.err = stderrors.New("disk I/O error")
	require.NoError(t, m.SetForeground(ctx, false))
	assert.Error(t, m.SetForeground(ctx, true))
}

func TestMonitor_subscribe(t *testing.T) {
	m, _, _ := newTestMonitor(&pendingStub{})

	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(true)
	m.SetOnline(false)
	unsubscribe()
	m.SetOnline(true)

	assert.Equal(t, []bool{true, false}, seen)
}

func TestMonitor_close(t *testing.T) {
	m, clk, rec := newTestMonitor(&pendingStub{})
	m.SetOnline(true)
	m.Close()
	clk.Advance(time.Minute)
	assert.Empty(t, rec.got())
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func TestProber_Probe(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"healthy", nil, true},
		{"transport failure", apperrors.New(apperrors.ErrSyncNetwork, "connection refused"), false},
		{"timeout", apperrors.New(apperrors.ErrSyncTimeout, "deadline exceeded"), false},
		{"unauthorized is reachable", apperrors.New(apperrors.ErrSyncAuthFailed, "401"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestMonitor(&pendingStub{})
			p := NewProber(pingStub{err: tt.err}, m, time.Second, nil)
			assert.Equal(t, tt.want, p.Probe(ctx))
			assert.Equal(t, tt.want, m.IsOnline())
		})
	}
}

func TestProber_againstServer(t *testing.T) {
	srv := remotetest.NewServer()
	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	m, _, _ := newTestMonitor(&pendingStub{})
	p := NewProber(client, m, time.Second, nil)
	assert.True(t, p.Probe(context.Background()))

	srv.Close()
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestProber_RunStopsWithContext(t *testing.T) {
	m, _, _ := newTestMonitor(&pendingStub{})
	p := NewProber(pingStub{}, m, 10*time.Millisecond, clock.Real())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, p.Run(ctx))
	assert.True(t, m.IsOnline())
}
