// SPDX-License-Identifier: MIT

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hexmon/signage-player-go/internal/cache"
	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/timeline"
)

type staticProvider Snapshot

func (p staticProvider) HealthSnapshot() Snapshot { return Snapshot(p) }

func testSnapshot() Snapshot {
	return Snapshot{
		Status: "healthy",
		Player: model.PlayerStatus{
			State:  model.StatePlaybackRunning,
			Mode:   model.ModeNormal,
			Online: true,
		},
		Cache:         cache.Stats{Entries: 3, TotalBytes: 1024, MaxBytes: 4096},
		Jitter:        timeline.JitterStats{Samples: 10, Mean: 2 * time.Millisecond, Max: 9 * time.Millisecond},
		QueueDepth:    1,
		UptimeSeconds: 120,
		Version:       "1.0.0",
		WSState:       "disconnected",
	}
}

func TestHealthz(t *testing.T) {
	h := NewHandler(staticProvider(testSnapshot()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.Player.State != model.StatePlaybackRunning {
		t.Errorf("player state = %q", snap.Player.State)
	}
	if snap.WSState != "disconnected" {
		t.Errorf("wsState = %q, want disconnected", snap.WSState)
	}
	if snap.Cache.TotalBytes != 1024 {
		t.Errorf("cache bytes = %d", snap.Cache.TotalBytes)
	}
}

func TestHealthzUnhealthyStatusCode(t *testing.T) {
	snap := testSnapshot()
	snap.Status = "degraded"
	h := NewHandler(staticProvider(snap))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	h := NewHandler(staticProvider(testSnapshot()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"signage_online 1",
		`signage_player_state{state="PLAYBACK_RUNNING",mode="normal"} 1`,
		"signage_cache_bytes 1024",
		"signage_cache_capacity_bytes 4096",
		"signage_queue_depth 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q\n%s", want, body)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(staticProvider(testSnapshot()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
