// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"tori-watcher/pkg/watcher"
)

// Store interface for query management.
type Store interface {
	Subscriber(ctx context.Context, subscriberID string) (*watcher.Subscriber, error)
	AddQuery(ctx context.Context, subscriberID, text string) (int, error)
	RemoveQuery(ctx context.Context, subscriberID string, queryID int) (watcher.Query, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	store   Store
	poller  Poller
	logger  *slog.Logger
	limiter    *ipLimiter
	trustProxy bool
}

// Config holds server configuration.
type Config struct {
	Store  Store
	Poller Poller
	Logger *slog.Logger
	// RequestsPerMinute bounds mutating requests per client IP. Zero disables the limit.
	RequestsPerMinute int
	// TrustProxy takes the client IP from the last X-Forwarded-For entry,
	// the one appended by the fronting proxy.
	TrustProxy bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		store:      cfg.Store,
		poller:     cfg.Poller,
		logger:     cfg.Logger,
		trustProxy: cfg.TrustProxy,
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = newIPLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}
	return s
}

// Handler returns the routed handler with access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/pollz", s.rateLimited(s.handlePoll)).Methods(http.MethodPost)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/subscribers/{id}/queries", s.handleListQueries).Methods(http.MethodGet)
	api.Handle("/subscribers/{id}/queries", s.rateLimited(s.handleAddQuery)).Methods(http.MethodPost)
	api.Handle("/subscribers/{id}/queries/{queryID:[0-9]+}", s.rateLimited(s.handleRemoveQuery)).Methods(http.MethodDelete)

	r.Use(s.accessLog)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(r)
}

// HTTPServer configures a server on port with timeouts to prevent resource exhaustion.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &respCodeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(writer, r)

		s.logger.InfoContext(r.Context(), "Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"status_code", writer.code)
	})
}

// To trap the response status code for logging later.
type respCodeWriter struct {
	http.ResponseWriter
	code int
}

func (w *respCodeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// clientIdleTTL is how long an unseen client keeps its bucket.
const clientIdleTTL = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	lastSweep time.Time
	clients   map[string]*client
	now       func() time.Time
	limit     rate.Limit
	burst     int
	mu        sync.Mutex
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{clients: make(map[string]*client), now: time.Now, limit: limit, burst: burst}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= clientIdleTTL {
		l.evictIdle(now)
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// evictIdle drops clients not seen for clientIdleTTL. Caller holds mu.
func (l *ipLimiter) evictIdle(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) >= clientIdleTTL {
			delete(l.clients, ip)
		}
	}
	l.lastSweep = now
}

func (s *Server) rateLimited(next http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.trustProxy)
		if !s.limiter.allow(ip) {
			s.logger.WarnContext(r.Context(), "Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			s.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	})
}

// clientIP returns the peer address. Earlier X-Forwarded-For entries are
// client supplied and never used.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			entries := strings.Split(xff, ",")
			if last := strings.TrimSpace(entries[len(entries)-1]); last != "" {
				return last
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "Poll check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
