package network

import (
	"context"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
)

// Pinger checks backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober feeds the monitor from periodic health checks when no platform
// connectivity callback exists.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
}

// NewProber creates a Prober checking every interval.
func NewProber(pinger Pinger, monitor *Monitor, interval time.Duration, clk clock.Clock) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{pinger: pinger, monitor: monitor, interval: interval, timeout: timeout, clock: clk}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	logging.Info("Network prober started", map[string]interface{}{"interval_seconds": p.interval.Seconds()})
	for {
		p.Probe(ctx)
		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return nil
		}
	}
}

// Probe runs one health check and reports the outcome to the monitor.
// Any HTTP answer other than a transport failure, timeout or 5xx counts
// as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return p.monitor.IsOnline()
	}
	online := err == nil || !(apperrors.Is(err, apperrors.ErrSyncNetwork) || apperrors.Is(err, apperrors.ErrSyncTimeout))
	if err != nil {
		logging.Debug("Health check failed", map[string]interface{}{"error": err.Error(), "online": online})
	}
	p.monitor.SetOnline(online)
	return online
}
