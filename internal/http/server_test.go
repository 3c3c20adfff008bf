package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"coppia/internal/core"
	"coppia/internal/ledger"
	applog "coppia/internal/log"
	"coppia/internal/services"
)

func newTestServer(t *testing.T) (*Server, *services.LedgerService) {
	t.Helper()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := services.NewLedgerService(store, ledger.NewHub(), nil)
	logger := applog.New(applog.Config{Level: slog.LevelError, Output: io.Discard})
	srv := NewServer(":0", svc, logger)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv, svc
}

func do(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func seedPaired(t *testing.T, svc *services.LedgerService) core.Household {
	t.Helper()
	ctx := context.Background()
	h, err := svc.CreateHousehold(ctx, "anna")
	if err != nil {
		t.Fatal(err)
	}
	if out, _, err := svc.Join(ctx, h.ID, "marco"); err != nil || out != core.JoinJoined {
		t.Fatalf("Join() = %v, %v", out, err)
	}
	return h
}

func operation(desc string, cents int64) OperationRequest {
	payload, _ := json.Marshal(core.Expense{
		Date:        core.NewDate(2025, 3, 14),
		Description: desc,
		Amount:      core.Money{Cents: cents},
		Primary:     "Casa",
		Secondary:   "Spesa",
	})
	return OperationRequest{Kind: core.OpCreateExpense, Payload: payload}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}

	rr := do(t, srv, http.MethodGet, "/healthz", nil, nil)
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("missing security header, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestHouseholdCreateAndGet(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := do(t, srv, http.MethodPost, "/api/v1/households", map[string]string{"primary_user_id": " "}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty primary status = %d, want 400", rr.Code)
	}

	rr = do(t, srv, http.MethodPost, "/api/v1/households", map[string]string{"primary_user_id": "anna"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body)
	}
	var h core.Household
	if err := json.NewDecoder(rr.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.ID == "" || h.PrimaryUserID != "anna" || h.IsPaired() {
		t.Fatalf("created household = %+v", h)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/households/"+h.ID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/api/v1/households/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", rr.Code)
	}
}

func TestJoinStatusCodes(t *testing.T) {
	srv, svc := newTestServer(t)
	h, _ := svc.CreateHousehold(context.Background(), "anna")

	tests := []struct {
		name        string
		householdID string
		userID      string
		wantCode    int
		wantOutcome core.JoinOutcome
	}{
		{"unknown household", "missing", "marco", http.StatusNotFound, core.JoinNotFound},
		{"self join", h.ID, "anna", http.StatusConflict, core.JoinSelfJoinRejected},
		{"partner joins", h.ID, "marco", http.StatusOK, core.JoinJoined},
		{"third user", h.ID, "luca", http.StatusConflict, core.JoinAlreadyPaired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, "/api/v1/households/"+tt.householdID+"/join", map[string]string{"user_id": tt.userID}, nil)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var resp JoinResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %v, want %v", resp.Outcome, tt.wantOutcome)
			}
		})
	}
}

func TestApplyStatusCodes(t *testing.T) {
	srv, svc := newTestServer(t)
	h := seedPaired(t, svc)
	path := "/api/v1/households/" + h.ID + "/operations"

	headers := func(token, user string) map[string]string {
		return map[string]string{headerIdempotencyKey: token, headerUserID: user}
	}

	tests := []struct {
		name     string
		path     string
		body     any
		headers  map[string]string
		wantCode int
	}{
		{"missing headers", path, operation("Pane", 250), nil, http.StatusBadRequest},
		{"applied", path, operation("Pane", 250), headers("tok-1", "anna"), http.StatusCreated},
		{"replayed", path, operation("Pane", 250), headers("tok-1", "anna"), http.StatusOK},
		{"partner write", path, operation("Latte", 120), headers("tok-2", "marco"), http.StatusCreated},
		{"invalid amount", path, operation("Pane", -5), headers("tok-3", "anna"), http.StatusUnprocessableEntity},
		{"outsider", path, operation("Pane", 250), headers("tok-4", "luca"), http.StatusUnprocessableEntity},
		{"unknown kind", path, OperationRequest{Kind: "transfer", Payload: json.RawMessage(`{}`)}, headers("tok-5", "anna"), http.StatusUnprocessableEntity},
		{"unknown field", path, map[string]any{"kind": "create_expense", "extra": 1}, headers("tok-6", "anna"), http.StatusBadRequest},
		{"unknown household", "/api/v1/households/missing/operations", operation("Pane", 250), headers("tok-7", "anna"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, tt.path, tt.body, tt.headers)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body)
			}
		})
	}

	records, _ := svc.Records(context.Background(), h.ID)
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
}

func TestRecordsRequiresMembership(t *testing.T) {
	srv, svc := newTestServer(t)
	h := seedPaired(t, svc)
	svc.Apply(context.Background(), h.ID, "anna", "tok-1", core.OpCreateExpense, operation("Pane", 250).Payload)

	path := "/api/v1/households/" + h.ID + "/records"
	if rr := do(t, srv, http.MethodGet, path, nil, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("no user status = %d, want 400", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, path, nil, map[string]string{headerUserID: "luca"}); rr.Code != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", rr.Code)
	}

	rr := do(t, srv, http.MethodGet, path, nil, map[string]string{headerUserID: "marco"})
	if rr.Code != http.StatusOK {
		t.Fatalf("member status = %d", rr.Code)
	}
	var records []core.LedgerRecord
	if err := json.NewDecoder(rr.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "tok-1" || records[0].CreatedBy != "anna" {
		t.Errorf("records = %+v", records)
	}
}

func TestLiveStream(t *testing.T) {
	srv, svc := newTestServer(t)
	h := seedPaired(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Apply(ctx, h.ID, "anna", "tok-1", core.OpCreateExpense, operation("A", 100).Payload)
	svc.Apply(ctx, h.ID, "anna", "tok-2", core.OpCreateExpense, operation("B", 200).Payload)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/households/" + h.ID + "/live?since=1"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{headerUserID: []string{"marco"}},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	var u core.LiveUpdate
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if u.Seq != 2 || u.Token != "tok-2" {
		t.Fatalf("first update = %+v, want seq 2 tok-2", u)
	}

	svc.Apply(ctx, h.ID, "anna", "tok-3", core.OpCreateExpense, operation("C", 300).Payload)
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if u.Seq != 3 || u.RecordID != "tok-3" || u.Change != core.ChangeUpsert {
		t.Fatalf("live update = %+v", u)
	}

	if got := srv.LiveConnections(); got != 1 {
		t.Errorf("LiveConnections() = %d, want 1", got)
	}

	srv.Shutdown(ctx)
	if err := wsjson.Read(ctx, conn, &u); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after shutdown error = %v, want going away", err)
	}
}

func TestLiveRejectsBadRequests(t *testing.T) {
	srv, svc := newTestServer(t)
	h := seedPaired(t, svc)

	tests := []struct {
		name     string
		path     string
		user     string
		wantCode int
	}{
		{"outsider", "/api/v1/households/" + h.ID + "/live", "luca", http.StatusForbidden},
		{"bad since", "/api/v1/households/" + h.ID + "/live?since=x", "anna", http.StatusBadRequest},
		{"unknown household", "/api/v1/households/missing/live", "anna", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodGet, tt.path, nil, map[string]string{headerUserID: tt.user})
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	defer rl.stop()

	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("10.0.0.1", now); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, wait := rl.allow("10.0.0.1", now.Add(20*time.Second))
	if ok {
		t.Error("fourth request should be refused")
	}
	if wait != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", wait)
	}
	if ok, _ := rl.allow("10.0.0.2", now); !ok {
		t.Error("other client should be allowed")
	}
	if ok, _ := rl.allow("10.0.0.1", now.Add(time.Minute)); !ok {
		t.Error("new window should be allowed")
	}
	if rl.hits != 1 {
		t.Errorf("hits = %d, want 1", rl.hits)
	}

	rl.cleanupStaleEntries(now.Add(30 * time.Second))
	if got := rl.activeClients(); got != 1 {
		t.Errorf("activeClients() = %d, want 1", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{time.Minute, "60"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThrottledWriteCarriesRetryAfter(t *testing.T) {
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	svc := services.NewLedgerService(store, ledger.NewHub(), nil)
	logger := applog.New(applog.Config{Level: slog.LevelError, Output: io.Discard})
	srv := NewServer(":0", svc, logger, WithRateLimit(1, time.Hour))
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	h := seedPaired(t, svc)
	path := "/api/v1/households/" + h.ID + "/operations"
	headers := map[string]string{headerUserID: "anna", headerIdempotencyKey: "tok-1"}

	if rr := do(t, srv, http.MethodPost, path, operation("Pane", 250), headers); rr.Code != http.StatusCreated {
		t.Fatalf("first write status = %d, want 201", rr.Code)
	}
	headers[headerIdempotencyKey] = "tok-2"
	rr := do(t, srv, http.MethodPost, path, operation("Latte", 120), headers)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second write status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.5:4000", "", "203.0.113.5"},
		{"untrusted proxy ignored", "203.0.113.5:4000", "198.51.100.1", "203.0.113.5"},
		{"trusted proxy", "10.0.0.2:4000", "198.51.100.1, 10.0.0.2", "198.51.100.1"},
		{"trusted proxy bad header", "10.0.0.2:4000", "garbage", "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := extractClientIP(req); got != tt.want {
				t.Errorf("extractClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectSuspiciousRequest(t *testing.T) {
	tests := []struct {
		path  string
		agent string
		want  bool
	}{
		{"/api/v1/households", "coppia/1.0", false},
		{"/.env", "", true},
		{"/healthz", "sqlmap/1.7", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.Header.Set("User-Agent", tt.agent)
		if got := detectSuspiciousRequest(req); got != tt.want {
			t.Errorf("detectSuspiciousRequest(%s, %s) = %v, want %v", tt.path, tt.agent, got, tt.want)
		}
	}
}
