package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autosync-hq/actual-autosync/pkg/history"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// ErrUnknownServer is returned by a SyncTrigger for a name that is not configured
var ErrUnknownServer = errors.New("unknown server")

// HistoryReader is the part of the history store the server exposes
type HistoryReader interface {
	Recent(ctx context.Context, server string, limit int) ([]models.SyncAttempt, error)
	Stats(ctx context.Context, server string) (history.Stats, error)
}

// SyncTrigger starts a sync in the background. An empty server means all servers.
type SyncTrigger interface {
	Trigger(server string) error
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	tracker       *Tracker
	history       HistoryReader
	trigger       SyncTrigger
	metricsAPIKey string
	logger        logger.Logger
	httpServer    *http.Server
}

// NewServer creates a new health check server. history and trigger may be nil.
func NewServer(port string, tracker *Tracker, history HistoryReader, trigger SyncTrigger, metricsAPIKey string, logger logger.Logger) *Server {
	return &Server{
		port:          port,
		tracker:       tracker,
		history:       history,
		trigger:       trigger,
		metricsAPIKey: metricsAPIKey,
		logger:        logger,
	}
}

// apiKeyMiddleware is a middleware that checks for a valid API key
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Get API key from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// Check if the header has the correct format
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		// Validate API key
		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the routes served by the health server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := s.tracker.Snapshot()
		code := http.StatusOK
		if snap.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, map[string]interface{}{
			"status":        snap.Status,
			"running":       snap.Running,
			"totalAttempts": snap.TotalAttempts,
			"successRate":   snap.SuccessRate,
			"lastRunAt":     snap.LastRunAt,
		})
	})

	// Readiness check
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	// Per-server status endpoint
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
	})

	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/stats", s.handleHistoryStats)

	// Manual trigger, protected like the metrics endpoint
	mux.Handle("/sync", s.apiKeyMiddleware(http.HandlerFunc(s.handleSync)))

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.apiKeyMiddleware(promhttp.Handler()))

	return mux
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "History is not enabled", http.StatusNotFound)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	attempts, err := s.history.Recent(r.Context(), r.URL.Query().Get("server"), limit)
	if err != nil {
		s.logger.Error("Failed to read history: %v", err)
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "History is not enabled", http.StatusNotFound)
		return
	}

	stats, err := s.history.Stats(r.Context(), r.URL.Query().Get("server"))
	if err != nil {
		s.logger.Error("Failed to read history stats: %v", err)
		http.Error(w, "Failed to read history stats", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.trigger == nil {
		http.Error(w, "Manual sync is not enabled", http.StatusNotFound)
		return
	}

	server := r.URL.Query().Get("server")
	if err := s.trigger.Trigger(server); err != nil {
		if errors.Is(err, ErrUnknownServer) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to trigger sync: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	target := server
	if target == "" {
		target = "all"
	}
	s.logger.Info("Manual sync triggered for %s", target)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"triggered": target})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding JSON response: %v", err)
	}
}

// Start serves until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health server shutdown error: %v", err)
		}
	}()

	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
