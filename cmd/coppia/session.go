package main

import (
	"context"
	"fmt"
	"time"

	"coppia/internal/backend"
	"coppia/internal/backend/memory"
	"coppia/internal/backend/remote"
	"coppia/internal/config"
	"coppia/internal/core"
	applog "coppia/internal/log"
	"coppia/internal/netstatus"
	"coppia/internal/queue"
	"coppia/internal/services"
	"coppia/internal/storage"
)

// flushTimeout bounds the drain a one-shot command performs before exiting.
const flushTimeout = 20 * time.Second

// session is one process's view of the client: the durable queue, the
// backend, connectivity and the engine replaying between them. Only one
// session should own a queue database at a time.
type session struct {
	backend backend.Backend
	repo    *storage.QueueRepository
	queue   *queue.Queue
	monitor *netstatus.Monitor
	prober  *netstatus.Prober
	engine  *services.SyncEngine
}

// newBackend builds the configured backend. The memory backend lives only
// as long as the process and pairs the user with an empty household.
func newBackend(cfg *config.Config) (backend.Backend, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}

	switch bcfg.Type {
	case backend.RemoteBackend:
		return remote.New(bcfg, nil)
	case backend.MemoryBackend:
		if err := bcfg.Validate(); err != nil {
			return nil, err
		}
		srv := memory.NewServer()
		h := srv.SeedHousehold(bcfg.UserID, "")
		cfg.HouseholdID = h.ID
		return srv.Client(h.ID, bcfg.UserID), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", bcfg.Type)
	}
}

func (a *app) openSession(ctx context.Context) (*session, error) {
	b, err := newBackend(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	repo, err := storage.NewQueueRepository(a.cfg.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	q := queue.Open(ctx, repo)

	// Offline until the first probe says otherwise.
	monitor := netstatus.NewMonitor(false)
	engine := services.NewSyncEngine(q, monitor, b, services.SyncEngineConfig{
		Scope:          a.cfg.HouseholdID,
		MaxAttempts:    a.cfg.SyncMaxAttempts,
		BackoffInitial: a.cfg.SyncBackoffInitial,
		BackoffMax:     a.cfg.SyncBackoffMax,
		OnFailure: func(e core.QueueEntry) {
			a.logger.WarnContext(ctx, "Queued write failed",
				applog.FieldEntryID, e.ID,
				applog.FieldOperation, string(e.Kind),
				applog.FieldAttempt, e.AttemptCount,
				"reason", e.LastError)
		},
	})

	return &session{
		backend: b,
		repo:    repo,
		queue:   q,
		monitor: monitor,
		prober:  netstatus.NewProber(monitor, b, a.cfg.ProbeInterval, a.cfg.ProbeTimeout),
		engine:  engine,
	}, nil
}

func (s *session) Close() error {
	return s.repo.Close()
}

// flush probes the server once and, when it answers, drains the queue.
func (s *session) flush(ctx context.Context) (services.DrainResult, bool) {
	if !s.prober.ProbeOnce(ctx) {
		return services.DrainResult{Stopped: services.StopOffline}, false
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return s.engine.Drain(ctx), true
}
