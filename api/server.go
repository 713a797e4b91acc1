package api

import (
	"context"
	"net/http"
	"time"

	"heartledger/service"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MB

	defaultLeaderboardLimit = 10
	defaultHistoryLimit     = 20
	maxHistoryLimit         = 100

	userIDHeader = "X-User-ID"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// RequestMetrics records one observation per served request
type RequestMetrics interface {
	ObserveRequest(route, method string, status int, duration time.Duration)
}

type noopRequestMetrics struct{}

func (noopRequestMetrics) ObserveRequest(string, string, int, time.Duration) {}

// Options wires the optional parts of the HTTP surface
type Options struct {
	Health         HealthChecker
	Messaging      HealthChecker
	Metrics        RequestMetrics
	MetricsHandler http.Handler
	HealthTimeout  time.Duration
}

// Server exposes the query façade over HTTP JSON
type Server struct {
	query          service.QueryService
	health         HealthChecker
	messaging      HealthChecker
	metrics        RequestMetrics
	metricsHandler http.Handler
	healthTimeout  time.Duration
	startTime      time.Time
	mux            *http.ServeMux
}

// NewServer builds the route table
func NewServer(query service.QueryService, opts Options) *Server {
	s := &Server{
		query:          query,
		health:         opts.Health,
		messaging:      opts.Messaging,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
		healthTimeout:  opts.HealthTimeout,
		startTime:      time.Now(),
		mux:            http.NewServeMux(),
	}
	if s.metrics == nil {
		s.metrics = noopRequestMetrics{}
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = 2 * time.Second
	}

	s.route("GET /v1/claims/today", s.getClaimStatus)
	s.route("POST /v1/claims", s.claim)
	s.route("GET /v1/leaderboards/{period}", s.getLeaderboard)
	s.route("GET /v1/me/history", s.getHistory)
	s.route("GET /v1/me/balance", s.getBalance)
	s.route("POST /internal/ledger/entries", s.appendEntry)

	s.mux.HandleFunc("GET /health", s.getHealth)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}

	return s
}

func (s *Server) route(pattern string, handler http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(s.metrics, pattern, handler))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewHTTPServer wraps the handler with the listener timeouts used in production
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
