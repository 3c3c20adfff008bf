package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
	"coppia/internal/ledger"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []core.LiveUpdate
	err     error
}

func (p *recordingPublisher) PublishRecordChange(_ context.Context, u core.LiveUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func newLedgerService(t *testing.T, pub ChangePublisher) (*LedgerService, *ledger.SQLiteStore) {
	t.Helper()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewLedgerService(store, ledger.NewHub(), pub), store
}

func TestLedgerService_Apply(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc, _ := newLedgerService(t, pub)

	h, err := svc.CreateHousehold(ctx, "anna")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		user    string
		token   string
		payload json.RawMessage
		want    backend.ApplyStatus
	}{
		{"first write", "anna", "tok-1", expenseJSON("Pane", 250), backend.StatusApplied},
		{"same token again", "anna", "tok-1", expenseJSON("Pane", 250), backend.StatusAlreadyApplied},
		{"invalid amount", "anna", "tok-2", expenseJSON("Pane", 0), backend.StatusRejected},
		{"not a member", "luca", "tok-3", expenseJSON("Pane", 250), backend.StatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Apply(ctx, h.ID, tt.user, tt.token, core.OpCreateExpense, tt.payload)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Apply() status = %v, want %v", res.Status, tt.want)
			}
			if tt.want == backend.StatusRejected && res.Reason == "" {
				t.Error("rejection should carry a reason")
			}
		})
	}

	if got := pub.count(); got != 1 {
		t.Errorf("published = %d, want 1", got)
	}

	if _, err := svc.Apply(ctx, "missing", "anna", "tok-4", core.OpCreateExpense, expenseJSON("Pane", 250)); !errors.Is(err, core.ErrHouseholdNotFound) {
		t.Errorf("Apply() on unknown household error = %v", err)
	}
}

func TestLedgerService_PublishFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	svc, store := newLedgerService(t, &recordingPublisher{err: errors.New("broker down")})

	h, _ := svc.CreateHousehold(ctx, "anna")
	res, err := svc.Apply(ctx, h.ID, "anna", "tok-1", core.OpCreateExpense, expenseJSON("Pane", 250))
	if err != nil || res.Status != backend.StatusApplied {
		t.Fatalf("Apply() = %+v, %v", res, err)
	}

	records, _ := store.ListRecords(ctx, h.ID)
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
}

func TestLedgerService_Join(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedgerService(t, nil)

	h, _ := svc.CreateHousehold(ctx, "anna")

	outcome, got, err := svc.Join(ctx, h.ID, "marco")
	if err != nil || outcome != core.JoinJoined || got.SecondaryUserID != "marco" {
		t.Fatalf("Join() = %v, %+v, %v", outcome, got, err)
	}

	outcome, _, err = svc.Join(ctx, "missing", "marco")
	if err != nil || outcome != core.JoinNotFound {
		t.Fatalf("Join(missing) = %v, %v", outcome, err)
	}

	if got := svc.paired.Size(); got != 1 {
		t.Errorf("cached paired households = %d, want 1", got)
	}
}

func TestLedgerService_UnpairedHouseholdIsNotCached(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedgerService(t, nil)

	h, _ := svc.CreateHousehold(ctx, "anna")
	if _, err := svc.Household(ctx, h.ID); err != nil {
		t.Fatal(err)
	}
	if got := svc.paired.Size(); got != 0 {
		t.Fatalf("cached = %d, want 0 before pairing", got)
	}

	// The partner must be accepted right after joining.
	svc.Join(ctx, h.ID, "marco")
	res, err := svc.Apply(ctx, h.ID, "marco", "tok-1", core.OpCreateExpense, expenseJSON("Pane", 250))
	if err != nil || res.Status != backend.StatusApplied {
		t.Fatalf("Apply() = %+v, %v", res, err)
	}
}

func TestLedgerService_SubscribeBacklogThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _ := newLedgerService(t, nil)

	h, _ := svc.CreateHousehold(ctx, "anna")
	svc.Join(ctx, h.ID, "marco")

	svc.Apply(ctx, h.ID, "anna", "tok-1", core.OpCreateExpense, expenseJSON("A", 100))
	svc.Apply(ctx, h.ID, "marco", "tok-2", core.OpCreateExpense, expenseJSON("B", 200))

	ch, err := svc.Subscribe(ctx, h.ID, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	svc.Apply(ctx, h.ID, "anna", "tok-3", core.OpCreateExpense, expenseJSON("C", 300))

	var tokens []string
	for len(tokens) < 2 {
		select {
		case u := <-ch:
			tokens = append(tokens, u.Token)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", tokens)
		}
	}
	if tokens[0] != "tok-2" || tokens[1] != "tok-3" {
		t.Errorf("tokens = %v, want [tok-2 tok-3]", tokens)
	}

	cancel()
	for range ch {
	}
}

func TestLedgerService_SubscribeUnknownHousehold(t *testing.T) {
	svc, _ := newLedgerService(t, nil)
	if _, err := svc.Subscribe(context.Background(), "missing", 0); !errors.Is(err, core.ErrHouseholdNotFound) {
		t.Errorf("Subscribe() error = %v, want ErrHouseholdNotFound", err)
	}
}

// slowCommitStore holds the caller for delay after committing token, the
// window in which a concurrent write used to overtake it on the hub.
type slowCommitStore struct {
	*ledger.SQLiteStore
	token string
	delay time.Duration
}

func (s *slowCommitStore) Apply(ctx context.Context, householdID, userID, token string, m ledger.Mutation) (core.LiveUpdate, error) {
	u, err := s.SQLiteStore.Apply(ctx, householdID, userID, token, m)
	if err == nil && token == s.token {
		time.Sleep(s.delay)
	}
	return u, err
}

func TestLedgerService_ConcurrentWritesReachSubscribersInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewLedgerService(&slowCommitStore{SQLiteStore: store, token: "tok-anna", delay: 100 * time.Millisecond}, ledger.NewHub(), nil)

	h, _ := svc.CreateHousehold(ctx, "anna")
	svc.Join(ctx, h.ID, "marco")

	ch, err := svc.Subscribe(ctx, h.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Apply(ctx, h.ID, "anna", "tok-anna", core.OpCreateExpense, expenseJSON("Pane", 250))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		svc.Apply(ctx, h.ID, "marco", "tok-marco", core.OpCreateExpense, expenseJSON("Latte", 120))
	}()
	wg.Wait()

	var got []core.LiveUpdate
	for len(got) < 2 {
		select {
		case u := <-ch:
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d updates, both writes were committed", len(got))
		}
	}
	if got[0].Token != "tok-anna" || got[1].Token != "tok-marco" {
		t.Errorf("tokens = [%s %s], want [tok-anna tok-marco]", got[0].Token, got[1].Token)
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("seqs = [%d %d], want ascending", got[0].Seq, got[1].Seq)
	}
}
