package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dns-agent/pkg/blocklist"
	"dns-agent/pkg/cache"
	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/storage"
)

// Server is the read-only dashboard HTTP API.
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	storage   storage.Storage
	blocklist *blocklist.Manager
	cache     *cache.Cache

	recentLimit int
	version     string
	startTime   time.Time
}

// Config holds API server dependencies and settings.
type Config struct {
	Dashboard *config.DashboardConfig
	Storage   storage.Storage
	Blocklist *blocklist.Manager
	Cache     *cache.Cache
	Logger    *logging.Logger
	Version   string
}

// New creates the API server and wires its routes.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}

	recentLimit := cfg.Dashboard.RecentQueries
	if recentLimit <= 0 {
		recentLimit = 100
	}

	s := &Server{
		storage:     cfg.Storage,
		blocklist:   cfg.Blocklist,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		recentLimit: recentLimit,
		version:     cfg.Version,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/queries", s.handleQueries)
	mux.HandleFunc("/api/top-domains", s.handleTopDomains)
	mux.HandleFunc("/api/blocklist", s.handleBlocklistInfo)
	mux.HandleFunc("/api/blocklist/check", s.handleBlocklistCheck)
	mux.HandleFunc("POST /api/blocklist/reload", s.handleBlocklistReload)

	s.handler = s.loggingMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Dashboard.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if s == "" {
		return defaultDuration
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultDuration
	}

	return d
}

func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
