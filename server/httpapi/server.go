package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/identity"
	"github.com/migadu/popd/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Database is the part of the database the API needs.
type Database interface {
	Ping(ctx context.Context) error
	SetAccountStatus(ctx context.Context, name, status string) error
}

// ConnectionCounter is implemented by each POP3 server.
type ConnectionCounter interface {
	Name() string
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// CacheStats is implemented by the local body cache.
type CacheStats interface {
	GetStats() (int64, int64, error)
	HitRate() (hits, misses int64)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	metricsPath  string
	database     Database
	counters     []ConnectionCounter
	cache        CacheStats
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	// MetricsPath exposes Prometheus metrics without authentication. Empty
	// disables the endpoint.
	MetricsPath string
	Counters    []ConnectionCounter
	Cache       CacheStats // optional
}

// New creates a new HTTP API server
func New(database Database, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if database == nil {
		return nil, fmt.Errorf("database is required for HTTP API server")
	}

	s := &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		metricsPath:  options.MetricsPath,
		database:     database,
		counters:     options.Counters,
		cache:        options.Cache,
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error during shutdown", "error", err)
		}
	}()

	logger.Info("HTTP API: listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metricsPath != "" {
		router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/connections", s.handleConnectionStats).Methods("GET")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	v1.HandleFunc("/accounts/{name}/status", s.handleSetAccountStatus).Methods("PUT")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostAllowed matches ip against plain addresses and CIDR blocks.
func hostAllowed(allowedHosts []string, ip string) bool {
	parsed := net.ParseIP(ip)
	for _, allowed := range allowedHosts {
		if allowed == ip {
			return true
		}
		if strings.Contains(allowed, "/") && parsed != nil {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// clientIP is the peer address. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type ServerConnections struct {
	Name          string `json:"name"`
	Total         int64  `json:"total"`
	Authenticated int64  `json:"authenticated"`
}

type CacheStatsResponse struct {
	Objects   int64 `json:"objects"`
	TotalSize int64 `json:"total_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
}

type SetAccountStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.database.Ping(ctx); err != nil {
		logger.Warn("HTTP API: health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	servers := make([]ServerConnections, 0, len(s.counters))
	var total, authenticated int64
	for _, c := range s.counters {
		sc := ServerConnections{
			Name:          c.Name(),
			Total:         c.GetTotalConnections(),
			Authenticated: c.GetAuthenticatedConnections(),
		}
		total += sc.Total
		authenticated += sc.Authenticated
		servers = append(servers, sc)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers":       servers,
		"total":         total,
		"authenticated": authenticated,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	objects, size, err := s.cache.GetStats()
	if err != nil {
		logger.Warn("HTTP API: error getting cache stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats")
		return
	}
	hits, misses := s.cache.HitRate()
	s.writeJSON(w, http.StatusOK, CacheStatsResponse{Objects: objects, TotalSize: size, Hits: hits, Misses: misses})
}

// handleSetAccountStatus changes an account's status. Open POP3 sessions of
// an account that is no longer active are dropped on their next command.
func (s *Server) handleSetAccountStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := mux.Vars(r)["name"]

	var req SetAccountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	switch req.Status {
	case identity.StatusActive, identity.StatusLocked, identity.StatusMaintenance, identity.StatusClosed:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", req.Status))
		return
	}

	if err := s.database.SetAccountStatus(r.Context(), name, req.Status); err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Warn("HTTP API: error setting account status", "account", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update account status")
		return
	}

	logger.Info("HTTP API: account status changed", "account", name, "status", req.Status)
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": req.Status})
}
