package netstatus

import (
	"context"
	"log/slog"
	"time"
)

// Checker answers whether the backend is reachable right now.
type Checker interface {
	Ping(ctx context.Context) error
}

// Prober polls a Checker and reports the result to a Monitor.
type Prober struct {
	monitor  *Monitor
	checker  Checker
	interval time.Duration
	timeout  time.Duration
}

func NewProber(monitor *Monitor, checker Checker, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		monitor:  monitor,
		checker:  checker,
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single check and reports it.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Ping(probeCtx)
	if ctx.Err() != nil {
		return p.monitor.IsOnline()
	}
	if err != nil {
		slog.DebugContext(ctx, "Connectivity probe failed", "component", "netstatus", "error", err)
	}
	p.monitor.Set(err == nil)
	return err == nil
}
