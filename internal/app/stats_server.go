package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"polyinsider/internal/resilience"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket upgrader for real-time stats
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status       string   `json:"status"`
	OpenBreakers []string `json:"open_breakers,omitempty"`
}

// startHealthServer starts an HTTP server for health checks and stats.
func (r *Runner) startHealthServer(port int) {
	r.healthServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r.healthHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := r.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("health server error", zap.Error(err))
		}
	}()
}

func (r *Runner) healthHandler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint; degraded while any upstream breaker is open
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := HealthStatus{Status: "ok"}
		for _, g := range r.clients.Guards() {
			if g.BreakerState() == resilience.StateOpen {
				status.OpenBreakers = append(status.OpenBreakers, g.Name())
			}
		}
		if len(status.OpenBreakers) > 0 {
			status.Status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	})

	// JSON stats endpoint
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := r.GetStats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(stats)
	})

	// WebSocket endpoint for real-time stats
	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		// Send stats every second
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			if err := conn.WriteJSON(r.GetStats()); err != nil {
				return // Client disconnected
			}
			select {
			case <-req.Context().Done():
				return
			case <-ticker.C:
			}
		}
	})

	return mux
}
