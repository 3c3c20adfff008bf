package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
	apphttp "coppia/internal/http"
	"coppia/internal/ledger"
	applog "coppia/internal/log"
	"coppia/internal/netstatus"
	"coppia/internal/queue"
	"coppia/internal/services"
)

type testServer struct {
	srv    *apphttp.Server
	ts     *httptest.Server
	ledger *services.LedgerService
}

func newTestServer(t *testing.T, opts ...apphttp.ServerOption) *testServer {
	t.Helper()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	svc := services.NewLedgerService(store, ledger.NewHub(), nil)
	logger := applog.New(applog.Config{Level: slog.LevelError, Output: io.Discard})
	srv := apphttp.NewServer(":0", svc, logger, opts...)
	ts := httptest.NewServer(srv.Handler)

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
		store.Close()
	})
	return &testServer{srv: srv, ts: ts, ledger: svc}
}

func (s *testServer) client(t *testing.T, householdID, userID string) *Client {
	t.Helper()
	c, err := New(backend.Config{
		Type:        backend.RemoteBackend,
		ServerURL:   s.ts.URL,
		HouseholdID: householdID,
		UserID:      userID,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func expenseJSON(desc string, cents int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"date":"2025-03-14","description":%q,"amount":{"cents":%d},"primary":"Casa","secondary":"Spesa"}`,
		desc, cents))
}

func pairedHousehold(t *testing.T, s *testServer) core.Household {
	t.Helper()
	ctx := context.Background()
	anna := s.client(t, "", "anna")
	h, err := anna.CreateHousehold(ctx, "anna")
	if err != nil {
		t.Fatalf("CreateHousehold() error = %v", err)
	}
	out, err := s.client(t, "", "marco").ConditionalJoinHousehold(ctx, h.ID, "marco")
	if err != nil || out != core.JoinJoined {
		t.Fatalf("ConditionalJoinHousehold() = %v, %v", out, err)
	}
	return h
}

func TestClient_ApplyIdempotent(t *testing.T) {
	s := newTestServer(t)
	h := pairedHousehold(t, s)
	anna := s.client(t, h.ID, "anna")
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		payload json.RawMessage
		want    backend.ApplyStatus
	}{
		{"applied", "tok-1", expenseJSON("Pane", 250), backend.StatusApplied},
		{"replay", "tok-1", expenseJSON("Pane", 250), backend.StatusAlreadyApplied},
		{"rejected", "tok-2", expenseJSON("", 250), backend.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := anna.ApplyIdempotent(ctx, tt.token, core.OpCreateExpense, tt.payload)
			if err != nil {
				t.Fatalf("ApplyIdempotent() error = %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %v, want %v", res.Status, tt.want)
			}
			if tt.want == backend.StatusRejected && res.Reason == "" {
				t.Error("rejection should carry the server's reason")
			}
		})
	}

	records, err := anna.Records(ctx)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != "tok-1" {
		t.Errorf("records = %+v", records)
	}
}

func TestClient_TransientFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusInternalServerError},
		{"unavailable", http.StatusServiceUnavailable},
		{"rate limited", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			c, _ := New(backend.Config{Type: backend.RemoteBackend, ServerURL: ts.URL, HouseholdID: "h", UserID: "anna"}, nil)
			_, err := c.ApplyIdempotent(context.Background(), "tok", core.OpCreateExpense, expenseJSON("Pane", 1))
			if !errors.Is(err, core.ErrTransientNetwork) {
				t.Errorf("error = %v, want transient", err)
			}
		})
	}

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		c, _ := New(backend.Config{Type: backend.RemoteBackend, ServerURL: url, HouseholdID: "h", UserID: "anna"}, nil)
		if _, err := c.ApplyIdempotent(context.Background(), "tok", core.OpCreateExpense, expenseJSON("Pane", 1)); !errors.Is(err, core.ErrTransientNetwork) {
			t.Errorf("ApplyIdempotent() error = %v, want transient", err)
		}
		if err := c.Ping(context.Background()); !errors.Is(err, core.ErrTransientNetwork) {
			t.Errorf("Ping() error = %v, want transient", err)
		}
	})
}

func TestClient_Throttled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c, _ := New(backend.Config{Type: backend.RemoteBackend, ServerURL: ts.URL, HouseholdID: "h", UserID: "anna"}, nil)
	_, err := c.ApplyIdempotent(context.Background(), "tok", core.OpCreateExpense, expenseJSON("Pane", 1))

	var throttled *core.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}
	if throttled.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", throttled.RetryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 60 ", time.Minute},
		{"-1", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClient_Households(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	anna := s.client(t, "", "anna")

	h, err := anna.CreateHousehold(ctx, "anna")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		householdID string
		userID      string
		want        core.JoinOutcome
	}{
		{"self join", h.ID, "anna", core.JoinSelfJoinRejected},
		{"not found", "missing", "marco", core.JoinNotFound},
		{"joined", h.ID, "marco", core.JoinJoined},
		{"already paired", h.ID, "luca", core.JoinAlreadyPaired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := anna.ConditionalJoinHousehold(ctx, tt.householdID, tt.userID)
			if err != nil {
				t.Fatalf("ConditionalJoinHousehold() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
		})
	}

	got, err := anna.GetHousehold(ctx, h.ID)
	if err != nil || got.SecondaryUserID != "marco" {
		t.Errorf("GetHousehold() = %+v, %v", got, err)
	}
	if _, err := anna.GetHousehold(ctx, "missing"); !errors.Is(err, core.ErrHouseholdNotFound) {
		t.Errorf("GetHousehold(missing) error = %v", err)
	}
	if err := anna.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestClient_SubscribeLiveUpdates(t *testing.T) {
	s := newTestServer(t)
	h := pairedHousehold(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anna := s.client(t, h.ID, "anna")
	marco := s.client(t, h.ID, "marco")

	anna.ApplyIdempotent(ctx, "tok-1", core.OpCreateExpense, expenseJSON("A", 100))

	ch, err := marco.SubscribeLiveUpdates(ctx, h.ID, 0)
	if err != nil {
		t.Fatalf("SubscribeLiveUpdates() error = %v", err)
	}

	anna.ApplyIdempotent(ctx, "tok-2", core.OpCreateExpense, expenseJSON("B", 200))

	var tokens []string
	for len(tokens) < 2 {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed early, got %v", tokens)
			}
			tokens = append(tokens, u.Token)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", tokens)
		}
	}
	if tokens[0] != "tok-1" || tokens[1] != "tok-2" {
		t.Errorf("tokens = %v", tokens)
	}

	// Server shutdown ends the stream and closes the channel.
	s.srv.Shutdown(ctx)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after shutdown")
		}
	case <-ctx.Done():
		t.Fatal("channel not closed after shutdown")
	}
}

func TestClient_SubscribeOutsiderRefused(t *testing.T) {
	s := newTestServer(t)
	h := pairedHousehold(t, s)

	_, err := s.client(t, h.ID, "luca").SubscribeLiveUpdates(context.Background(), h.ID, 0)
	if err == nil {
		t.Fatal("outsider subscription should fail")
	}
	if errors.Is(err, core.ErrTransientNetwork) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}

// TestSyncEngineOverHTTP drives the client sync engine against the real
// server: offline writes replay in order once the network returns and the
// partner sees them over the live stream.
func TestSyncEngineOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := pairedHousehold(t, s)
	ctx := context.Background()

	q := queue.Open(ctx, queue.NewMemoryStore())
	mon := netstatus.NewMonitor(false)
	cfg := services.DefaultSyncEngineConfig()
	cfg.Scope = h.ID
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.ResubscribeInitial = 5 * time.Millisecond

	engine := services.NewSyncEngine(q, mon, s.client(t, h.ID, "anna"), cfg)
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		engine.Stop(stopCtx)
	}()

	var ids []string
	for _, d := range []string{"A", "B", "C"} {
		ids = append(ids, engine.Submit(ctx, core.OpCreateExpense, expenseJSON(d, 100)))
	}

	mon.Set(true)

	deadline := time.Now().Add(5 * time.Second)
	for q.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if q.Count() != 0 {
		t.Fatalf("queue not drained, %d left", q.Count())
	}

	records, err := s.client(t, h.ID, "marco").Records(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, r := range records {
		if r.ID != ids[i] {
			t.Errorf("record %d = %s, want %s", i, r.ID, ids[i])
		}
	}
}

// A backlog larger than the server's write limit must drain completely and
// in order: 429s are waited out instead of counting toward the retry
// ceiling.
func TestSyncEngineReplaysBacklogPastRateLimit(t *testing.T) {
	const limit, backlog = 10, 25

	s := newTestServer(t, apphttp.WithRateLimit(limit, time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	h, err := s.ledger.CreateHousehold(ctx, "anna")
	if err != nil {
		t.Fatal(err)
	}
	if out, _, err := s.ledger.Join(ctx, h.ID, "marco"); err != nil || out != core.JoinJoined {
		t.Fatalf("Join() = %v, %v", out, err)
	}

	q := queue.Open(ctx, queue.NewMemoryStore())
	mon := netstatus.NewMonitor(false)
	cfg := services.DefaultSyncEngineConfig()
	cfg.Scope = h.ID
	engine := services.NewSyncEngine(q, mon, s.client(t, h.ID, "anna"), cfg)

	var ids []string
	for i := 0; i < backlog; i++ {
		ids = append(ids, q.Enqueue(ctx, core.OpCreateExpense, expenseJSON(fmt.Sprintf("item %d", i), 100)))
	}

	mon.Set(true)
	res := engine.Drain(ctx)
	if res.Failed != 0 || res.Confirmed != backlog {
		t.Fatalf("Drain() = %+v, want %d confirmed and no failures", res, backlog)
	}
	if len(q.ListFailed()) != 0 {
		t.Errorf("failed entries = %+v", q.ListFailed())
	}
	if engine.Stats().Throttled == 0 {
		t.Error("the server never throttled the replay")
	}

	records, err := s.ledger.Records(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != backlog {
		t.Fatalf("records = %d, want %d", len(records), backlog)
	}
	for i, r := range records {
		if r.ID != ids[i] {
			t.Fatalf("record %d = %s, want %s", i, r.ID, ids[i])
		}
	}
}
