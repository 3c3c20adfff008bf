package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	applog "coppia/internal/log"
)

// Drainer starts a background drain of the write queue.
type Drainer interface {
	TriggerDrain()
}

// DrainSchedulerConfig holds configuration for the drain scheduler
type DrainSchedulerConfig struct {
	// Interval is how often pending entries are retried (default: 30s)
	Interval time.Duration
}

// DefaultDrainSchedulerConfig returns sensible defaults
func DefaultDrainSchedulerConfig() DrainSchedulerConfig {
	return DrainSchedulerConfig{Interval: 30 * time.Second}
}

// DrainScheduler nudges the sync engine on a fixed interval while entries
// are pending. Connectivity changes already trigger drains; the ticker
// covers entries left behind by a drain that stopped on a cancelled
// context or a store error.
type DrainScheduler struct {
	drainer Drainer
	pending func() int
	config  DrainSchedulerConfig

	triggered int64

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDrainScheduler creates a scheduler. pending reports how many entries
// are waiting to be sent.
func NewDrainScheduler(drainer Drainer, pending func() int, config DrainSchedulerConfig) *DrainScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultDrainSchedulerConfig().Interval
	}
	return &DrainScheduler{
		drainer: drainer,
		pending: pending,
		config:  config,
	}
}

// Start begins the ticking loop. Returns an error if already running.
func (s *DrainScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("drain scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Drain scheduler started",
		applog.FieldComponent, applog.ComponentSync,
		"interval", s.config.Interval)
	return nil
}

// Stop signals the loop and waits for it to exit.
func (s *DrainScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		slog.InfoContext(ctx, "Drain scheduler stopped", applog.FieldComponent, applog.ComponentSync)
	case <-ctx.Done():
		slog.WarnContext(ctx, "Drain scheduler stop timed out", applog.FieldComponent, applog.ComponentSync)
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *DrainScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Triggered returns how many drains the scheduler has requested.
func (s *DrainScheduler) Triggered() int64 {
	return atomic.LoadInt64(&s.triggered)
}

func (s *DrainScheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *DrainScheduler) tick(ctx context.Context) {
	n := s.pending()
	if n == 0 {
		return
	}
	atomic.AddInt64(&s.triggered, 1)
	slog.DebugContext(ctx, "Scheduled drain",
		applog.FieldComponent, applog.ComponentSync,
		"pending", n)
	s.drainer.TriggerDrain()
}
