package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
	applog "coppia/internal/log"
	"coppia/internal/netstatus"
	"coppia/internal/queue"
)

// SyncEngineConfig holds configuration for the sync engine
type SyncEngineConfig struct {
	// Scope is the household whose live updates are merged (required)
	Scope string

	// MaxAttempts is the retry ceiling for transient failures (default: 5)
	MaxAttempts int

	// BackoffInitial is the first retry delay (default: 500ms)
	BackoffInitial time.Duration

	// BackoffMax caps retry and resubscribe delays (default: 30s)
	BackoffMax time.Duration

	// ResubscribeInitial is the first delay after losing the live stream (default: 1s)
	ResubscribeInitial time.Duration

	// OnFailure is called once for every entry that ends in failed state
	OnFailure func(core.QueueEntry)
}

// DefaultSyncEngineConfig returns sensible defaults
func DefaultSyncEngineConfig() SyncEngineConfig {
	return SyncEngineConfig{
		MaxAttempts:        5,
		BackoffInitial:     500 * time.Millisecond,
		BackoffMax:         30 * time.Second,
		ResubscribeInitial: time.Second,
	}
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Skipped   bool
	Sent      int
	Confirmed int
	Failed    int
	Stopped   StopReason
}

type StopReason string

const (
	StopEmpty     StopReason = "empty"
	StopOffline   StopReason = "offline"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// SyncStats are counters since the engine was created.
type SyncStats struct {
	Drains         int   `json:"drains"`
	Applied        int   `json:"applied"`
	AlreadyApplied int   `json:"already_applied"`
	Rejected       int   `json:"rejected"`
	Retries        int   `json:"retries"`
	Throttled      int   `json:"throttled"`
	Exhausted      int   `json:"exhausted"`
	LiveUpdates    int   `json:"live_updates"`
	StaleUpdates   int   `json:"stale_updates"`
	LiveConfirmed  int   `json:"live_confirmed"`
	Resubscribes   int   `json:"resubscribes"`
	LastSeq        int64 `json:"last_seq"`
}

// SyncEngine replays queued writes against the backend and merges the
// backend's live-update stream into a local view. It is the only component
// that sends queue entries and the only one that changes their state after
// enqueue.
type SyncEngine struct {
	queue   *queue.Queue
	monitor *netstatus.Monitor
	applier backend.Applier
	live    backend.LiveUpdater
	config  SyncEngineConfig

	draining  atomic.Bool
	offlineCh chan struct{}

	viewMu  sync.RWMutex
	view    map[string]core.LedgerRecord
	seen    map[string]int64
	lastSeq int64

	statsMu sync.Mutex
	stats   SyncStats

	// Lifecycle management
	mu          sync.Mutex
	running     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewSyncEngine creates a new sync engine. Zero config values take the
// defaults.
func NewSyncEngine(q *queue.Queue, monitor *netstatus.Monitor, b backend.Syncer, config SyncEngineConfig) *SyncEngine {
	def := DefaultSyncEngineConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = def.BackoffInitial
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = max(def.BackoffMax, config.BackoffInitial)
	}
	if config.ResubscribeInitial <= 0 {
		config.ResubscribeInitial = def.ResubscribeInitial
	}

	return &SyncEngine{
		queue:     q,
		monitor:   monitor,
		applier:   b,
		live:      b,
		config:    config,
		offlineCh: make(chan struct{}, 1),
		view:      make(map[string]core.LedgerRecord),
		seen:      make(map[string]int64),
	}
}

// Start subscribes to connectivity changes, opens the live-update stream
// and drains once if online. Returns an error if already running.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine is already running")
	}
	e.running = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	runCtx := e.runCtx
	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		if online {
			e.TriggerDrain()
			return
		}
		select {
		case e.offlineCh <- struct{}{}:
		default:
		}
	})
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLive(runCtx)
	}()

	slog.InfoContext(ctx, "Sync engine started",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldHouseholdID, e.config.Scope,
		"max_attempts", e.config.MaxAttempts,
		"pending", e.queue.Count())

	if e.monitor.IsOnline() {
		e.TriggerDrain()
	}
	return nil
}

// Stop cancels background work and waits for it. In-flight calls see a
// cancelled context; their entries stay replayable.
func (e *SyncEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.unsubscribe()
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "Sync engine stopped gracefully", applog.FieldComponent, applog.ComponentSync)
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync engine stop timed out", applog.FieldComponent, applog.ComponentSync)
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// IsRunning returns whether the engine is currently running
func (e *SyncEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// TriggerDrain starts a drain in the background. It is a no-op when the
// engine is not running or a drain already holds the lock.
func (e *SyncEngine) TriggerDrain() {
	e.mu.Lock()
	if !e.running || e.runCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.Drain(ctx)
	}()
}

// Submit enqueues an operation and, when online, starts draining.
func (e *SyncEngine) Submit(ctx context.Context, kind core.OperationKind, payload json.RawMessage) string {
	id := e.queue.Enqueue(ctx, kind, payload)
	if e.monitor.IsOnline() {
		e.TriggerDrain()
	}
	return id
}

// Drain replays pending entries in FIFO order until the queue is empty or
// the client goes offline. A concurrent call returns immediately with
// Skipped set.
func (e *SyncEngine) Drain(ctx context.Context) DrainResult {
	var total DrainResult
	for {
		if !e.draining.CompareAndSwap(false, true) {
			if total.Sent == 0 && total.Stopped == "" {
				total.Skipped = true
			}
			return total
		}
		res, transitions := e.drainOnce(ctx)
		e.draining.Store(false)

		total.Sent += res.Sent
		total.Confirmed += res.Confirmed
		total.Failed += res.Failed
		total.Stopped = res.Stopped

		if res.Stopped == StopCancelled || res.Stopped == StopError || ctx.Err() != nil {
			return total
		}
		if !e.monitor.IsOnline() || len(e.queue.ListPending()) == 0 {
			return total
		}
		// Connectivity came back, or new entries arrived, while the lock
		// was being released.
		slog.DebugContext(ctx, "Draining again after lock release",
			applog.FieldComponent, applog.ComponentSync,
			"transitions_moved", e.monitor.Transitions() != transitions)
	}
}

// drainOnce must be called with the drain lock held. It returns the
// transition counter observed when it stopped.
func (e *SyncEngine) drainOnce(ctx context.Context) (DrainResult, uint64) {
	var res DrainResult
	e.bump(func(s *SyncStats) { s.Drains++ })

	for {
		if ctx.Err() != nil {
			res.Stopped = StopCancelled
			return res, e.monitor.Transitions()
		}
		if !e.monitor.IsOnline() {
			res.Stopped = StopOffline
			return res, e.monitor.Transitions()
		}

		pending := e.queue.ListPending()
		if len(pending) == 0 {
			res.Stopped = StopEmpty
			return res, e.monitor.Transitions()
		}
		entry := pending[0]

		if err := e.queue.MarkInFlight(ctx, entry.ID); err != nil {
			if errors.Is(err, core.ErrEntryNotFound) {
				// Confirmed by a live push since the snapshot.
				continue
			}
			slog.ErrorContext(ctx, "Failed to mark entry in flight",
				applog.FieldComponent, applog.ComponentSync,
				applog.FieldEntryID, entry.ID,
				applog.FieldError, err)
			res.Stopped = StopError
			return res, e.monitor.Transitions()
		}

		res.Sent++
		result, err := e.applier.ApplyIdempotent(ctx, entry.ID, entry.Kind, entry.Payload)

		switch {
		case err == nil && result.Confirmed():
			e.queue.DequeueConfirmed(ctx, entry.ID)
			res.Confirmed++
			e.bump(func(s *SyncStats) {
				if result.Status == backend.StatusAlreadyApplied {
					s.AlreadyApplied++
				} else {
					s.Applied++
				}
			})
			slog.DebugContext(ctx, "Entry confirmed",
				applog.FieldComponent, applog.ComponentSync,
				applog.FieldEntryID, entry.ID,
				"status", result.Status)

		case err == nil && result.Status == backend.StatusRejected:
			e.bump(func(s *SyncStats) { s.Rejected++ })
			if e.fail(ctx, entry.ID, "rejected: "+result.Reason, applog.ErrorTypeValidation) {
				res.Failed++
			}

		case err == nil:
			e.bump(func(s *SyncStats) { s.Rejected++ })
			if e.fail(ctx, entry.ID, fmt.Sprintf("unexpected apply status %q", result.Status), applog.ErrorTypeInternal) {
				res.Failed++
			}

		case errors.Is(err, core.ErrValidationRejected):
			e.bump(func(s *SyncStats) { s.Rejected++ })
			if e.fail(ctx, entry.ID, err.Error(), applog.ErrorTypeValidation) {
				res.Failed++
			}

		case errors.Is(err, core.ErrThrottled):
			// The server asked us to slow down; the entry keeps its place
			// and its attempt count.
			e.bump(func(s *SyncStats) { s.Throttled++ })
			delay := e.throttleDelay(err)
			slog.WarnContext(ctx, "Throttled by server, waiting",
				applog.FieldComponent, applog.ComponentSync,
				applog.FieldEntryID, entry.ID,
				"delay", delay)

			if !e.waitOnline(ctx, delay) {
				if ctx.Err() != nil {
					res.Stopped = StopCancelled
				} else {
					res.Stopped = StopOffline
				}
				return res, e.monitor.Transitions()
			}

		default:
			if ctx.Err() != nil {
				res.Stopped = StopCancelled
				return res, e.monitor.Transitions()
			}

			attempts, aerr := e.queue.RecordAttempt(ctx, entry.ID, err.Error())
			if errors.Is(aerr, core.ErrEntryNotFound) {
				// A live push confirmed it while the reply was lost.
				res.Confirmed++
				continue
			}
			if aerr != nil {
				slog.ErrorContext(ctx, "Failed to record attempt",
					applog.FieldComponent, applog.ComponentSync,
					applog.FieldEntryID, entry.ID,
					applog.FieldError, aerr)
				res.Stopped = StopError
				return res, e.monitor.Transitions()
			}
			e.bump(func(s *SyncStats) { s.Retries++ })

			if attempts >= e.config.MaxAttempts {
				e.bump(func(s *SyncStats) { s.Exhausted++ })
				if e.fail(ctx, entry.ID, fmt.Sprintf("gave up after %d attempts: %v", attempts, err), applog.ErrorTypeNetwork) {
					res.Failed++
				}
				continue
			}

			delay := retryDelay(attempts, e.config.BackoffInitial, e.config.BackoffMax)
			slog.WarnContext(ctx, "Transient failure, backing off",
				applog.FieldComponent, applog.ComponentSync,
				applog.FieldEntryID, entry.ID,
				applog.FieldAttempt, attempts,
				"delay", delay,
				applog.FieldError, err)

			if !e.waitOnline(ctx, delay) {
				if ctx.Err() != nil {
					res.Stopped = StopCancelled
				} else {
					res.Stopped = StopOffline
				}
				return res, e.monitor.Transitions()
			}
		}
	}
}

// waitOnline sleeps for d. It returns false early when the client goes
// offline or ctx is done.
func (e *SyncEngine) waitOnline(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return e.monitor.IsOnline()
		case <-e.offlineCh:
			if !e.monitor.IsOnline() {
				return false
			}
		}
	}
}

// throttleDelay is how long to hold off after a 429: the server's
// Retry-After when given, capped at BackoffMax.
func (e *SyncEngine) throttleDelay(err error) time.Duration {
	var throttled *core.ThrottledError
	delay := e.config.BackoffInitial
	if errors.As(err, &throttled) && throttled.RetryAfter > 0 {
		delay = throttled.RetryAfter
	}
	return min(delay, e.config.BackoffMax)
}

// fail marks the entry failed and surfaces it. It reports false when the
// entry was already gone.
func (e *SyncEngine) fail(ctx context.Context, id, reason, errorType string) bool {
	if err := e.queue.MarkFailed(ctx, id, reason); err != nil {
		if !errors.Is(err, core.ErrEntryNotFound) {
			slog.ErrorContext(ctx, "Failed to mark entry failed",
				applog.FieldComponent, applog.ComponentSync,
				applog.FieldEntryID, id,
				applog.FieldError, err)
		}
		return false
	}

	entry, _ := e.queue.Get(id)
	slog.ErrorContext(ctx, "Queued write failed permanently",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldEntryID, id,
		applog.FieldOperation, string(entry.Kind),
		applog.FieldAttempt, entry.AttemptCount,
		applog.FieldErrorType, errorType,
		applog.FieldError, reason)

	if e.config.OnFailure != nil {
		e.config.OnFailure(entry)
	}
	return true
}

// runLive keeps a live-update subscription open, resubscribing from the
// last seen Seq whenever the stream is lost.
func (e *SyncEngine) runLive(ctx context.Context) {
	b := newBackoff(e.config.ResubscribeInitial, e.config.BackoffMax)

	for {
		ch, err := e.live.SubscribeLiveUpdates(ctx, e.config.Scope, e.LastSeq())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.Next()
			slog.WarnContext(ctx, "Live update subscription failed",
				applog.FieldComponent, applog.ComponentLive,
				"retry_in", delay,
				applog.FieldError, err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		b.Reset()

		e.consume(ctx, ch)
		if ctx.Err() != nil {
			return
		}

		e.bump(func(s *SyncStats) { s.Resubscribes++ })
		delay := b.Next()
		slog.InfoContext(ctx, "Live update stream lost, resubscribing",
			applog.FieldComponent, applog.ComponentLive,
			applog.FieldSeq, e.LastSeq(),
			"retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (e *SyncEngine) consume(ctx context.Context, ch <-chan core.LiveUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			e.merge(ctx, u)
		}
	}
}

// merge folds one pushed change into the view. A change older than what the
// view already holds for that record is ignored; confirmation of a matching
// queue entry happens either way.
func (e *SyncEngine) merge(ctx context.Context, u core.LiveUpdate) {
	e.viewMu.Lock()
	stale := u.Seq <= e.seen[u.RecordID]
	if !stale {
		e.seen[u.RecordID] = u.Seq
		switch u.Change {
		case core.ChangeDelete:
			delete(e.view, u.RecordID)
		default:
			e.view[u.RecordID] = u.Record
		}
	}
	if u.Seq > e.lastSeq {
		e.lastSeq = u.Seq
	}
	lastSeq := e.lastSeq
	e.viewMu.Unlock()

	e.bump(func(s *SyncStats) {
		s.LiveUpdates++
		s.LastSeq = lastSeq
		if stale {
			s.StaleUpdates++
		}
	})

	for _, id := range []string{u.Token, u.RecordID} {
		if id == "" {
			continue
		}
		entry, ok := e.queue.Get(id)
		if !ok || !entry.Replayable() {
			continue
		}
		if e.queue.DequeueConfirmed(ctx, id) {
			e.bump(func(s *SyncStats) { s.LiveConfirmed++ })
			slog.DebugContext(ctx, "Entry confirmed by live update",
				applog.FieldComponent, applog.ComponentLive,
				applog.FieldEntryID, id,
				applog.FieldSeq, u.Seq)
		}
	}
}

// Records returns the merged view, ordered by last update.
func (e *SyncEngine) Records() []core.LedgerRecord {
	e.viewMu.RLock()
	out := make([]core.LedgerRecord, 0, len(e.view))
	for _, r := range e.view {
		out = append(out, r)
	}
	seen := make(map[string]int64, len(e.seen))
	for k, v := range e.seen {
		seen[k] = v
	}
	e.viewMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return seen[out[i].ID] < seen[out[j].ID] })
	return out
}

// Record returns one record of the merged view.
func (e *SyncEngine) Record(id string) (core.LedgerRecord, bool) {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	r, ok := e.view[id]
	return r, ok
}

// LastSeq is the highest Seq merged so far.
func (e *SyncEngine) LastSeq() int64 {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.lastSeq
}

func (e *SyncEngine) Stats() SyncStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *SyncEngine) bump(fn func(*SyncStats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}
