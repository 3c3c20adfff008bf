package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coppia/internal/backend"
	"coppia/internal/cache"
	"coppia/internal/core"
	"coppia/internal/ledger"
	applog "coppia/internal/log"
)

// LedgerStore is the authoritative storage behind the ledger server.
type LedgerStore interface {
	CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error)
	GetHousehold(ctx context.Context, id string) (core.Household, error)
	ConditionalJoin(ctx context.Context, householdID, userID string) (core.JoinOutcome, error)
	Apply(ctx context.Context, householdID, userID, token string, m ledger.Mutation) (core.LiveUpdate, error)
	ChangesSince(ctx context.Context, householdID string, since int64, limit int) ([]core.LiveUpdate, error)
	ListRecords(ctx context.Context, householdID string) ([]core.LedgerRecord, error)
	Ping(ctx context.Context) error
}

// ChangePublisher forwards committed changes to other processes.
type ChangePublisher interface {
	PublishRecordChange(ctx context.Context, u core.LiveUpdate) error
}

// LedgerService orchestrates ledger writes across the store, the live hub
// and the message broker.
type LedgerService struct {
	store     LedgerStore
	hub       *ledger.Hub
	publisher ChangePublisher

	// commitMu spans store.Apply and hub.Publish so live subscribers see
	// changes in Seq order.
	commitMu sync.Mutex

	// Only paired households are cached: their membership never changes.
	paired *cache.LRUCache[core.Household]
}

// NewLedgerService wires the service. publisher may be nil.
func NewLedgerService(store LedgerStore, hub *ledger.Hub, publisher ChangePublisher) *LedgerService {
	return &LedgerService{
		store:     store,
		hub:       hub,
		publisher: publisher,
		paired:    cache.NewLRUCache[core.Household](500, 15*time.Minute),
	}
}

// household loads a household, serving paired ones from the cache.
func (s *LedgerService) household(ctx context.Context, id string) (core.Household, error) {
	if h, ok := s.paired.Get(id); ok {
		return h, nil
	}
	h, err := s.store.GetHousehold(ctx, id)
	if err != nil {
		return core.Household{}, err
	}
	if h.IsPaired() {
		s.paired.Set(id, h)
	}
	return h, nil
}

// CleanExpired sweeps the household cache.
func (s *LedgerService) CleanExpired() int {
	return s.paired.CleanExpired()
}

// Apply performs an idempotent write on behalf of userID. A token seen
// before answers StatusAlreadyApplied without touching the ledger.
func (s *LedgerService) Apply(ctx context.Context, householdID, userID, token string, kind core.OperationKind, payload json.RawMessage) (backend.ApplyResult, error) {
	h, err := s.household(ctx, householdID)
	if err != nil {
		return backend.ApplyResult{}, err
	}
	if !h.HasMember(userID) {
		return backend.ApplyResult{Status: backend.StatusRejected, Reason: "not a member of the household"}, nil
	}

	m, err := ledger.PrepareMutation(token, kind, payload)
	if err != nil {
		return rejection(err)
	}

	u, err := s.commit(ctx, householdID, userID, token, m)
	switch {
	case errors.Is(err, core.ErrIdempotencyConflict):
		slog.InfoContext(ctx, "Duplicate operation ignored",
			applog.FieldComponent, applog.ComponentLedger,
			applog.FieldHouseholdID, householdID,
			applog.FieldEntryID, token)
		return backend.ApplyResult{Status: backend.StatusAlreadyApplied}, nil
	case err != nil:
		return rejection(err)
	}

	slog.InfoContext(ctx, "Operation applied",
		applog.FieldComponent, applog.ComponentLedger,
		applog.FieldHouseholdID, householdID,
		applog.FieldUserID, userID,
		applog.FieldEntryID, token,
		applog.FieldOperation, string(kind),
		applog.FieldSeq, u.Seq)

	// The change is committed; a broker failure must not fail the request.
	if err := s.publish(ctx, u); err != nil {
		slog.ErrorContext(ctx, "Failed to publish record change",
			applog.FieldComponent, applog.ComponentAMQP,
			applog.FieldSeq, u.Seq,
			applog.FieldError, err)
	}

	return backend.ApplyResult{Status: backend.StatusApplied}, nil
}

// commit applies m and hands the change to the hub before another write
// can commit.
func (s *LedgerService) commit(ctx context.Context, householdID, userID, token string, m ledger.Mutation) (core.LiveUpdate, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	u, err := s.store.Apply(ctx, householdID, userID, token, m)
	if err != nil {
		return core.LiveUpdate{}, err
	}
	s.hub.Publish(u)
	return u, nil
}

func rejection(err error) (backend.ApplyResult, error) {
	var rej *core.RejectedError
	if errors.As(err, &rej) {
		return backend.ApplyResult{Status: backend.StatusRejected, Reason: rej.Reason}, nil
	}
	return backend.ApplyResult{}, err
}

func (s *LedgerService) publish(ctx context.Context, u core.LiveUpdate) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishRecordChange(ctx, u)
}

func (s *LedgerService) CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error) {
	return s.store.CreateHousehold(ctx, primaryUserID)
}

func (s *LedgerService) Household(ctx context.Context, id string) (core.Household, error) {
	return s.household(ctx, id)
}

// Join runs the conditional join and returns the household as it is
// afterwards.
func (s *LedgerService) Join(ctx context.Context, householdID, userID string) (core.JoinOutcome, core.Household, error) {
	outcome, err := s.store.ConditionalJoin(ctx, householdID, userID)
	if err != nil {
		return "", core.Household{}, err
	}

	slog.InfoContext(ctx, "Join attempt",
		applog.FieldComponent, applog.ComponentPairing,
		applog.FieldHouseholdID, householdID,
		applog.FieldUserID, userID,
		applog.FieldOutcome, string(outcome))

	if outcome == core.JoinNotFound {
		return outcome, core.Household{}, nil
	}
	h, err := s.household(ctx, householdID)
	if err != nil {
		return outcome, core.Household{}, err
	}
	return outcome, h, nil
}

func (s *LedgerService) Records(ctx context.Context, householdID string) ([]core.LedgerRecord, error) {
	if _, err := s.household(ctx, householdID); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, householdID)
}

// Subscribe streams the household's changes after since: first the stored
// backlog, then live changes from the hub, without gaps or repeats. The
// channel is closed when ctx is done or the subscriber falls behind.
func (s *LedgerService) Subscribe(ctx context.Context, householdID string, since int64) (<-chan core.LiveUpdate, error) {
	if _, err := s.household(ctx, householdID); err != nil {
		return nil, err
	}

	// Subscribe before reading the backlog so nothing committed in between
	// is missed; duplicates are dropped by Seq below.
	live, cancel := s.hub.Subscribe(householdID)

	backlog, err := s.store.ChangesSince(ctx, householdID, since, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load backlog: %w", err)
	}

	out := make(chan core.LiveUpdate)
	go func() {
		defer close(out)
		defer cancel()

		last := since
		send := func(u core.LiveUpdate) bool {
			if u.Seq <= last {
				return true
			}
			select {
			case out <- u:
				last = u.Seq
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, u := range backlog {
			if !send(u) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-live:
				if !ok {
					return
				}
				if !send(u) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks the store.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
