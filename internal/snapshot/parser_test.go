// SPDX-License-Identifier: MIT

package snapshot

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

func TestParseScheduleWithTwoItems(t *testing.T) {
	raw := json.RawMessage(`{
		"schedule": {
			"id": "s1",
			"items": [
				{"id": "i1", "media_id": "m1", "media_url": "https://u/1.png", "display_ms": 5000},
				{"id": "i2", "media_id": "m2", "media_url": "https://u/2.mp4"}
			]
		}
	}`)

	snap, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if snap.ScheduleID != "s1" {
		t.Errorf("ScheduleID = %q, want s1", snap.ScheduleID)
	}
	if len(snap.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(snap.Items))
	}

	first := snap.Items[0]
	if first.DisplayMs != 5000 {
		t.Errorf("item 1 DisplayMs = %d, want 5000", first.DisplayMs)
	}
	if first.Type != model.MediaImage {
		t.Errorf("item 1 Type = %q, want image", first.Type)
	}
	if first.Fit != model.FitContain {
		t.Errorf("item 1 Fit = %q, want contain (default)", first.Fit)
	}

	second := snap.Items[1]
	if second.DisplayMs != model.DefaultDisplayMs {
		t.Errorf("item 2 DisplayMs = %d, want default %d", second.DisplayMs, model.DefaultDisplayMs)
	}
	if second.Type != model.MediaVideo {
		t.Errorf("item 2 Type = %q, want video", second.Type)
	}
}

func TestParseAcceptsCamelCase(t *testing.T) {
	raw := json.RawMessage(`{
		"snapshotId": "snap-9",
		"schedule": {
			"scheduleId": "s2",
			"items": [
				{"itemId": "i1", "mediaId": "m1", "mediaUrl": "https://u/1.webp", "displayMs": 3000, "transitionDurationMs": 400}
			]
		},
		"mediaUrls": {"m1": "https://signed/m1"}
	}`)

	snap, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if snap.SnapshotID != "snap-9" {
		t.Errorf("SnapshotID = %q, want snap-9", snap.SnapshotID)
	}
	if snap.ScheduleID != "s2" {
		t.Errorf("ScheduleID = %q, want s2", snap.ScheduleID)
	}
	if len(snap.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(snap.Items))
	}
	item := snap.Items[0]
	if item.ID != "i1" || item.MediaID != "m1" {
		t.Errorf("item identity = (%q,%q), want (i1,m1)", item.ID, item.MediaID)
	}
	if item.TransitionDurationMs != 400 {
		t.Errorf("TransitionDurationMs = %d, want 400", item.TransitionDurationMs)
	}
	if snap.MediaURLMap["m1"] != "https://signed/m1" {
		t.Errorf("MediaURLMap[m1] = %q", snap.MediaURLMap["m1"])
	}
}

func TestParseEmergency(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"active flag", `{"emergency": {"active": true, "media_id": "em1", "media_url": "https://u/e.mp4"}}`, true},
		{"url only", `{"emergency": {"media_url": "https://u/e.mp4"}}`, true},
		{"inactive without url", `{"emergency": {"active": false}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Parse(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := snap.EmergencyItem != nil; got != tt.want {
				t.Errorf("EmergencyItem present = %v, want %v", got, tt.want)
			}
			if tt.want && snap.EmergencyItem.Type != model.MediaVideo {
				t.Errorf("emergency Type = %q, want video", snap.EmergencyItem.Type)
			}
		})
	}
}

func TestParseTypeInference(t *testing.T) {
	tests := []struct {
		url      string
		declared string
		want     model.MediaType
	}{
		{"https://u/a.mp4", "", model.MediaVideo},
		{"https://u/a.webm?sig=x", "", model.MediaVideo},
		{"https://u/a.MOV", "", model.MediaVideo},
		{"https://u/a.m4v", "", model.MediaVideo},
		{"https://u/doc.pdf", "", model.MediaPDF},
		{"https://u/a.jpeg", "", model.MediaImage},
		{"https://u/opaque-token", "", model.MediaImage},
		{"https://u/a.mp4", "image", model.MediaImage}, // explicit wins
		{"https://u/page", "url", model.MediaURL},
	}

	for _, tt := range tests {
		got := inferType(tt.declared, tt.url)
		if got != tt.want {
			t.Errorf("inferType(%q, %q) = %q, want %q", tt.declared, tt.url, got, tt.want)
		}
	}
}

func TestParseFitNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want model.FitMode
	}{
		{"cover", model.FitCover},
		{"COVER", model.FitCover},
		{"stretch", model.FitStretch},
		{"fill", model.FitStretch},
		{"contain", model.FitContain},
		{"nonsense", model.FitContain},
		{"", model.FitContain},
	}
	for _, tt := range tests {
		if got := normalizeFit(tt.in); got != tt.want {
			t.Errorf("normalizeFit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseInlineMediaEntries(t *testing.T) {
	raw := json.RawMessage(`{
		"media": [
			{"id": "m1", "url": "https://signed/m1"},
			{"media_id": "m2", "signed_url": "https://signed/m2"}
		],
		"media_urls": {"m3": "https://signed/m3"}
	}`)

	snap, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for id, want := range map[string]string{
		"m1": "https://signed/m1",
		"m2": "https://signed/m2",
		"m3": "https://signed/m3",
	} {
		if snap.MediaURLMap[id] != want {
			t.Errorf("MediaURLMap[%s] = %q, want %q", id, snap.MediaURLMap[id], want)
		}
	}
}

func TestParseItemURLFallsBackToMediaMap(t *testing.T) {
	raw := json.RawMessage(`{
		"schedule": {"items": [{"id": "i1", "media_id": "m1"}]},
		"media_urls": {"m1": "https://signed/m1.png"}
	}`)

	snap, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if snap.Items[0].RemoteURL != "https://signed/m1.png" {
		t.Errorf("RemoteURL = %q, want map fallback", snap.Items[0].RemoteURL)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `"string"`, `42`, `not json`} {
		_, err := Parse(json.RawMessage(raw))
		var pe *playererr.ParseError
		if err == nil {
			t.Errorf("Parse(%s) = nil error, want ParseError", raw)
			continue
		}
		if !errors.As(err, &pe) {
			t.Errorf("Parse(%s) error type = %T, want ParseError", raw, err)
		}
	}
}

func TestParseIdempotent(t *testing.T) {
	raw := json.RawMessage(`{
		"schedule": {"id": "s1", "items": [
			{"id": "i1", "media_id": "m1", "media_url": "https://u/1.png", "display_ms": 0}
		]},
		"emergency": {"active": true, "media_id": "em1", "media_url": "https://u/e.mp4"}
	}`)

	first, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Re-serialize the normalized form and parse again: the normalized
	// output must be a fixed point for the fields it defines.
	reserialized, err := json.Marshal(map[string]any{
		"schedule": map[string]any{
			"id": first.ScheduleID,
			"items": []any{map[string]any{
				"id":         first.Items[0].ID,
				"media_id":   first.Items[0].MediaID,
				"media_url":  first.Items[0].RemoteURL,
				"display_ms": first.Items[0].DisplayMs,
				"type":       string(first.Items[0].Type),
				"fit":        string(first.Items[0].Fit),
			}},
		},
		"emergency": map[string]any{
			"active":    true,
			"media_id":  first.EmergencyItem.MediaID,
			"media_url": first.EmergencyItem.RemoteURL,
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	second, err := Parse(reserialized)
	if err != nil {
		t.Fatalf("Parse(reserialized) error = %v", err)
	}

	if second.ScheduleID != first.ScheduleID {
		t.Errorf("ScheduleID changed: %q -> %q", first.ScheduleID, second.ScheduleID)
	}
	if len(second.Items) != len(first.Items) {
		t.Fatalf("item count changed: %d -> %d", len(first.Items), len(second.Items))
	}
	a, b := first.Items[0], second.Items[0]
	if a.ID != b.ID || a.MediaID != b.MediaID || a.RemoteURL != b.RemoteURL ||
		a.DisplayMs != b.DisplayMs || a.Type != b.Type || a.Fit != b.Fit {
		t.Errorf("item not a fixed point: %+v vs %+v", a, b)
	}
	if (second.EmergencyItem == nil) != (first.EmergencyItem == nil) {
		t.Error("emergency presence changed across reparse")
	}
}
