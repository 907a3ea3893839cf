// SPDX-License-Identifier: MIT

// Package health serves the local diagnostics endpoint of the player daemon.
//
// /healthz returns a JSON status document (player state, playlist mode,
// connectivity, cache occupancy, scheduler jitter); /metrics exposes the
// same data as Prometheus text for fleet monitoring. Both are served on the
// address given to NewServer; the daemon defaults it to loopback. The
// endpoint also backs the renderer's diagnostics queries.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hexmon/signage-player-go/internal/cache"
	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/timeline"
)

// Snapshot is the full diagnostics document.
type Snapshot struct {
	Status         string               `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	Player         model.PlayerStatus   `json:"player"`
	Cache          cache.Stats          `json:"cache"`
	Jitter         timeline.JitterStats `json:"jitter"`
	QueueDepth     int                  `json:"queueDepth"`
	UptimeSeconds  float64              `json:"uptimeSeconds"`
	Version        string               `json:"version"`
	WSState        string               `json:"wsState"`
	LastSnapshotAt time.Time            `json:"lastSnapshotAt,omitempty"`
}

// Provider supplies the live diagnostics snapshot.
type Provider interface {
	HealthSnapshot() Snapshot
}

// Handler routes /healthz and /metrics.
type Handler struct {
	provider Provider
}

// NewHandler creates the health handler.
func NewHandler(provider Provider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w)
	default:
		h.serveHealth(w)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter) {
	snap := h.provider.HealthSnapshot()
	snap.Timestamp = time.Now()

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// serveMetrics writes minimal Prometheus text exposition without an external
// client dependency.
func (h *Handler) serveMetrics(w http.ResponseWriter) {
	snap := h.provider.HealthSnapshot()

	var sb strings.Builder

	online := 0
	if snap.Player.Online {
		online = 1
	}
	fmt.Fprintln(&sb, "# HELP signage_online Backend reachability (1=online).")
	fmt.Fprintln(&sb, "# TYPE signage_online gauge")
	fmt.Fprintf(&sb, "signage_online %d\n", online)

	fmt.Fprintln(&sb, "# HELP signage_player_state Current player state as a labeled gauge.")
	fmt.Fprintln(&sb, "# TYPE signage_player_state gauge")
	fmt.Fprintf(&sb, "signage_player_state{state=%q,mode=%q} 1\n", snap.Player.State, snap.Player.Mode)

	fmt.Fprintln(&sb, "# HELP signage_cache_bytes Bytes currently stored in the media cache.")
	fmt.Fprintln(&sb, "# TYPE signage_cache_bytes gauge")
	fmt.Fprintf(&sb, "signage_cache_bytes %d\n", snap.Cache.TotalBytes)

	fmt.Fprintln(&sb, "# HELP signage_cache_capacity_bytes Configured cache capacity.")
	fmt.Fprintln(&sb, "# TYPE signage_cache_capacity_bytes gauge")
	fmt.Fprintf(&sb, "signage_cache_capacity_bytes %d\n", snap.Cache.MaxBytes)

	fmt.Fprintln(&sb, "# HELP signage_cache_entries Entries in the media cache.")
	fmt.Fprintln(&sb, "# TYPE signage_cache_entries gauge")
	fmt.Fprintf(&sb, "signage_cache_entries %d\n", snap.Cache.Entries)

	fmt.Fprintln(&sb, "# HELP signage_scheduler_jitter_mean_seconds Mean timer drift per tick.")
	fmt.Fprintln(&sb, "# TYPE signage_scheduler_jitter_mean_seconds gauge")
	fmt.Fprintf(&sb, "signage_scheduler_jitter_mean_seconds %.6f\n", snap.Jitter.Mean.Seconds())

	fmt.Fprintln(&sb, "# HELP signage_scheduler_jitter_max_seconds Maximum timer drift observed.")
	fmt.Fprintln(&sb, "# TYPE signage_scheduler_jitter_max_seconds gauge")
	fmt.Fprintf(&sb, "signage_scheduler_jitter_max_seconds %.6f\n", snap.Jitter.Max.Seconds())

	fmt.Fprintln(&sb, "# HELP signage_queue_depth Pending entries in the retry queue.")
	fmt.Fprintln(&sb, "# TYPE signage_queue_depth gauge")
	fmt.Fprintf(&sb, "signage_queue_depth %d\n", snap.QueueDepth)

	fmt.Fprintln(&sb, "# HELP signage_uptime_seconds Process uptime.")
	fmt.Fprintln(&sb, "# TYPE signage_uptime_seconds counter")
	fmt.Fprintf(&sb, "signage_uptime_seconds %.0f\n", snap.UptimeSeconds)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(sb.String()))
}

// Server runs the health endpoint as a supervised service.
type Server struct {
	addr    string
	handler *Handler
}

// NewServer creates a health server bound to addr (loopback recommended).
func NewServer(addr string, provider Provider) *Server {
	return &Server{addr: addr, handler: NewHandler(provider)}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "health-server" }

// Serve blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
