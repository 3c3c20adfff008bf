package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	applog "coppia/internal/log"
)

const liveWriteTimeout = 5 * time.Second

// handleLive streams the household's changes after ?since=N over a
// WebSocket, one JSON LiveUpdate per message. The stream ends when the
// client goes away, falls too far behind or the server shuts down; the
// client resumes by reconnecting with the last Seq it saw.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("id")
	if !s.authorizeMember(w, r, householdID) {
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	updates, err := s.ledger.Subscribe(ctx, householdID, since)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "WebSocket upgrade failed",
			applog.FieldComponent, applog.ComponentLive,
			applog.FieldError, err)
		return
	}
	defer conn.CloseNow()

	n := atomic.AddInt64(&s.metrics.liveConnections, 1)
	defer atomic.AddInt64(&s.metrics.liveConnections, -1)

	logger := slog.With(
		applog.FieldComponent, applog.ComponentLive,
		applog.FieldHouseholdID, householdID,
		applog.FieldUserID, r.Header.Get(headerUserID))
	logger.InfoContext(r.Context(), "Live stream opened", "since", since, "connections", n)

	// Clients never send data; CloseRead handles control frames and cancels
	// ctx once the peer is gone.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			if s.baseCtx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			logger.InfoContext(r.Context(), "Live stream closed")
			return
		case u, ok := <-updates:
			if !ok && s.baseCtx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !ok {
				logger.WarnContext(r.Context(), "Live subscriber fell behind, closing stream")
				conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := wsjson.Write(wctx, conn, u)
			wcancel()
			if err != nil {
				logger.WarnContext(r.Context(), "Live write failed",
					applog.FieldSeq, u.Seq,
					applog.FieldError, err)
				return
			}
		}
	}
}
