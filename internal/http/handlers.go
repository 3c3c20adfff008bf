package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
	applog "coppia/internal/log"
)

type createHouseholdRequest struct {
	PrimaryUserID string `json:"primary_user_id"`
}

type joinRequest struct {
	UserID string `json:"user_id"`
}

// JoinResponse is the body of every join answer. Household is omitted
// when the household does not exist.
type JoinResponse struct {
	Outcome   core.JoinOutcome `json:"outcome"`
	Household *core.Household  `json:"household,omitempty"`
}

// OperationRequest is the body of an idempotent write.
type OperationRequest struct {
	Kind    core.OperationKind `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.metrics.started).String(),
	})
}

// handleReady checks the ledger store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, code := "ready", http.StatusOK
	checks := map[string]string{"ledger": "ok"}
	if err := s.ledger.Ping(ctx); err != nil {
		checks["ledger"] = fmt.Sprintf("failed: %v", err)
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleMetrics writes counters in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
	}
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
	}

	counter("ledger_operations_applied_total", "Operations applied", atomic.LoadInt64(&s.metrics.applied))
	counter("ledger_operations_duplicate_total", "Operations answered as already applied", atomic.LoadInt64(&s.metrics.duplicates))
	counter("ledger_operations_rejected_total", "Operations rejected", atomic.LoadInt64(&s.metrics.rejected))
	counter("household_join_attempts_total", "Join attempts", atomic.LoadInt64(&s.metrics.joins))
	counter("rate_limit_hits_total", "Requests refused by the rate limiter", atomic.LoadInt64(&s.rateLimiter.hits))
	counter("suspicious_requests_total", "Suspicious requests detected", atomic.LoadInt64(&s.security.suspiciousRequests))
	gauge("live_connections", "Open live update streams", atomic.LoadInt64(&s.metrics.liveConnections))
	gauge("active_rate_limit_clients", "Clients tracked by the rate limiter", int64(s.rateLimiter.activeClients()))
	gauge("uptime_seconds", "Server uptime in seconds", int64(time.Since(s.metrics.started).Seconds()))
}

func (s *Server) handleCreateHousehold(w http.ResponseWriter, r *http.Request) {
	var req createHouseholdRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	primary := sanitizeInput(req.PrimaryUserID)
	if primary == "" {
		writeError(w, http.StatusBadRequest, "primary_user_id is required")
		return
	}

	h, err := s.ledger.CreateHousehold(r.Context(), primary)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleGetHousehold(w http.ResponseWriter, r *http.Request) {
	h, err := s.ledger.Household(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleJoin answers 200 when joined, 409 for the two conflict outcomes and
// 404 when the household does not exist. The body always names the outcome.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := sanitizeInput(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	atomic.AddInt64(&s.metrics.joins, 1)
	outcome, h, err := s.ledger.Join(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	resp := JoinResponse{Outcome: outcome}
	code := http.StatusOK
	switch outcome {
	case core.JoinNotFound:
		code = http.StatusNotFound
	case core.JoinAlreadyPaired, core.JoinSelfJoinRejected:
		code = http.StatusConflict
		resp.Household = &h
	default:
		resp.Household = &h
	}
	writeJSON(w, code, resp)
}

// handleApply performs an idempotent write. 201 means applied now, 200
// means the key was applied before and 422 means rejected.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("id")
	token := r.Header.Get(headerIdempotencyKey)
	userID := r.Header.Get(headerUserID)
	if token == "" || userID == "" {
		writeError(w, http.StatusBadRequest, headerIdempotencyKey+" and "+headerUserID+" headers are required")
		return
	}

	var req OperationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.ledger.Apply(r.Context(), householdID, userID, token, req.Kind, req.Payload)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	switch res.Status {
	case backend.StatusApplied:
		atomic.AddInt64(&s.metrics.applied, 1)
		writeJSON(w, http.StatusCreated, res)
	case backend.StatusAlreadyApplied:
		atomic.AddInt64(&s.metrics.duplicates, 1)
		writeJSON(w, http.StatusOK, res)
	default:
		atomic.AddInt64(&s.metrics.rejected, 1)
		slog.InfoContext(r.Context(), "Operation rejected",
			applog.FieldComponent, applog.ComponentHTTP,
			applog.FieldHouseholdID, householdID,
			applog.FieldUserID, userID,
			applog.FieldEntryID, token,
			"reason", res.Reason)
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("id")
	if !s.authorizeMember(w, r, householdID) {
		return
	}

	records, err := s.ledger.Records(r.Context(), householdID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if records == nil {
		records = []core.LedgerRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// authorizeMember requires X-User-ID to name a member of the household.
func (s *Server) authorizeMember(w http.ResponseWriter, r *http.Request, householdID string) bool {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, headerUserID+" header is required")
		return false
	}

	h, err := s.ledger.Household(r.Context(), householdID)
	if err != nil {
		writeLedgerError(w, r, err)
		return false
	}
	if !h.HasMember(userID) {
		writeError(w, http.StatusForbidden, "not a member of the household")
		return false
	}
	return true
}
