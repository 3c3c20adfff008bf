// Package queue buffers domain writes until the server confirms them.
//
// The Queue is the only owner of QueueEntry records for the local session.
// Every mutation is written through to a Store so pending writes survive a
// restart while offline. When the Store fails the queue keeps working in
// memory for the rest of the session and reports Degraded.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coppia/internal/core"
	applog "coppia/internal/log"
)

// Store is the durable key-value surface for queue entries, keyed by ID.
type Store interface {
	Put(ctx context.Context, e core.QueueEntry) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]core.QueueEntry, error)
}

type Queue struct {
	mu       sync.Mutex
	store    Store
	entries  []core.QueueEntry // ordered by Seq
	seq      int64
	degraded bool

	now   func() time.Time
	newID func() string
}

// Open loads persisted entries and resets entries left in flight by a
// previous process. A failing store puts the queue in degraded mode instead
// of failing the caller.
func Open(ctx context.Context, store Store) *Queue {
	q := &Queue{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	if store == nil {
		q.degraded = true
		return q
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		q.degrade(ctx, fmt.Errorf("load entries: %w", err))
		return q
	}

	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })
	reset := 0
	for _, e := range loaded {
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
		if e.Status == core.StatusInFlight {
			e.Status = core.StatusPending
			reset++
			q.persistPut(ctx, e)
		}
		q.entries = append(q.entries, e)
	}

	slog.InfoContext(ctx, "Write queue opened",
		applog.FieldComponent, applog.ComponentQueue,
		"entries", len(q.entries),
		"reset_in_flight", reset)

	return q
}

// Enqueue appends a pending entry and returns its ID. It always succeeds
// locally.
func (q *Queue) Enqueue(ctx context.Context, kind core.OperationKind, payload json.RawMessage) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	e := core.QueueEntry{
		ID:        q.newID(),
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: q.now().UTC(),
		Seq:       q.seq,
		Status:    core.StatusPending,
	}
	q.entries = append(q.entries, e)
	q.persistPut(ctx, e)

	slog.InfoContext(ctx, "Operation queued",
		applog.FieldComponent, applog.ComponentQueue,
		applog.FieldEntryID, e.ID,
		applog.FieldOperation, string(kind),
		"seq", e.Seq)

	return e.ID
}

// DequeueConfirmed removes a confirmed entry. Removing an absent entry is a
// no-op; the return value reports whether something was removed.
func (q *Queue) DequeueConfirmed(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.persistDelete(ctx, id)

	slog.InfoContext(ctx, "Operation confirmed",
		applog.FieldComponent, applog.ComponentQueue,
		applog.FieldEntryID, id)
	return true
}

// MarkFailed retains the entry for surfacing but excludes it from replay.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.update(ctx, id, func(e *core.QueueEntry) error {
		e.Status = core.StatusFailed
		e.LastError = reason
		return nil
	})
}

// MarkInFlight flags the entry as being sent. Only pending or in-flight
// entries can be sent.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.update(ctx, id, func(e *core.QueueEntry) error {
		if e.Status == core.StatusFailed {
			return fmt.Errorf("entry %s is failed", id)
		}
		e.Status = core.StatusInFlight
		return nil
	})
}

// RecordAttempt counts a failed send and returns the entry to pending. It
// returns the attempt count after the increment.
func (q *Queue) RecordAttempt(ctx context.Context, id, reason string) (int, error) {
	var attempts int
	err := q.update(ctx, id, func(e *core.QueueEntry) error {
		e.AttemptCount++
		e.LastError = reason
		if e.Status == core.StatusInFlight {
			e.Status = core.StatusPending
		}
		attempts = e.AttemptCount
		return nil
	})
	return attempts, err
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.update(ctx, id, func(e *core.QueueEntry) error {
		if e.Status != core.StatusFailed {
			return fmt.Errorf("entry %s is %s, not failed", id, e.Status)
		}
		e.Status = core.StatusPending
		e.AttemptCount = 0
		e.LastError = ""
		return nil
	})
}

// ListPending returns a FIFO snapshot of entries that are still replayable.
func (q *Queue) ListPending() []core.QueueEntry {
	return q.list(func(e core.QueueEntry) bool { return e.Replayable() })
}

// ListFailed returns failed entries in FIFO order.
func (q *Queue) ListFailed() []core.QueueEntry {
	return q.list(func(e core.QueueEntry) bool { return e.Status == core.StatusFailed })
}

// Get returns a copy of the entry with the given ID.
func (q *Queue) Get(id string) (core.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return core.QueueEntry{}, false
	}
	return cloneEntry(q.entries[i]), true
}

// Count returns the number of entries not in failed state.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Status != core.StatusFailed {
			n++
		}
	}
	return n
}

// Degraded reports whether the queue lost its durable store this session.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

func (q *Queue) list(keep func(core.QueueEntry) bool) []core.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

func (q *Queue) update(ctx context.Context, id string, fn func(*core.QueueEntry) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", core.ErrEntryNotFound, id)
	}
	updated := q.entries[i]
	if err := fn(&updated); err != nil {
		return err
	}
	q.entries[i] = updated
	q.persistPut(ctx, updated)
	return nil
}

func (q *Queue) indexOf(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// persistPut and persistDelete must be called with q.mu held.
func (q *Queue) persistPut(ctx context.Context, e core.QueueEntry) {
	if q.degraded {
		return
	}
	if err := q.store.Put(ctx, e); err != nil {
		q.degrade(ctx, fmt.Errorf("put entry %s: %w", e.ID, err))
	}
}

func (q *Queue) persistDelete(ctx context.Context, id string) {
	if q.degraded {
		return
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.degrade(ctx, fmt.Errorf("delete entry %s: %w", id, err))
	}
}

func (q *Queue) degrade(ctx context.Context, err error) {
	q.degraded = true
	if !errors.Is(err, core.ErrStorageUnavailable) {
		err = fmt.Errorf("%w: %w", core.ErrStorageUnavailable, err)
	}
	slog.WarnContext(ctx, "Queue storage unavailable, continuing in memory for this session",
		applog.FieldComponent, applog.ComponentQueue,
		applog.FieldErrorType, applog.ErrorTypeDatabase,
		applog.FieldError, err)
}

func cloneEntry(e core.QueueEntry) core.QueueEntry {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	return e
}
