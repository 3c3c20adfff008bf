package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
	applog "coppia/internal/log"
)

// Ledger is the server-side ledger the HTTP API exposes.
type Ledger interface {
	Apply(ctx context.Context, householdID, userID, token string, kind core.OperationKind, payload json.RawMessage) (backend.ApplyResult, error)
	CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error)
	Household(ctx context.Context, id string) (core.Household, error)
	Join(ctx context.Context, householdID, userID string) (core.JoinOutcome, core.Household, error)
	Records(ctx context.Context, householdID string) ([]core.LedgerRecord, error)
	Subscribe(ctx context.Context, householdID string, since int64) (<-chan core.LiveUpdate, error)
	Ping(ctx context.Context) error
}

type Server struct {
	http.Server
	ledger      Ledger
	rateLimiter *rateLimiter
	security    *securityMetrics
	metrics     *appMetrics

	// Cancelled on Shutdown to end hijacked live connections, which
	// http.Server.Shutdown does not track.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownOnce sync.Once
}

type appMetrics struct {
	started         time.Time
	applied         int64
	duplicates      int64
	rejected        int64
	joins           int64
	liveConnections int64
}

// ServerOption tunes a Server built by NewServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	rateLimit  int
	rateWindow time.Duration
}

// WithRateLimit allows limit writes per client IP in each window.
func WithRateLimit(limit int, window time.Duration) ServerOption {
	return func(o *serverOptions) {
		if limit > 0 {
			o.rateLimit = limit
		}
		if window > 0 {
			o.rateWindow = window
		}
	}
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, ledger Ledger, logger *applog.Logger, opts ...ServerOption) *Server {
	options := serverOptions{rateLimit: defaultRequestsPerMinute, rateWindow: defaultRateWindow}
	for _, opt := range opts {
		opt(&options)
	}

	mux := http.NewServeMux()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ledger:      ledger,
		rateLimiter: newRateLimiter(options.rateLimit, options.rateWindow),
		security:    &securityMetrics{},
		metrics:     &appMetrics{started: time.Now()},
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/v1/households", s.handleCreateHousehold)
	mux.HandleFunc("GET /api/v1/households/{id}", s.handleGetHousehold)
	mux.HandleFunc("POST /api/v1/households/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/v1/households/{id}/operations", s.handleApply)
	mux.HandleFunc("GET /api/v1/households/{id}/records", s.handleRecords)
	mux.HandleFunc("GET /api/v1/households/{id}/live", s.handleLive)

	s.Handler = applog.Middleware(logger)(s.withSecurity(mux))
	return s
}

// Shutdown stops background routines, closes live streams and then shuts
// the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		s.cancelBase()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// LiveConnections is the number of open live streams.
func (s *Server) LiveConnections() int64 {
	return atomic.LoadInt64(&s.metrics.liveConnections)
}
