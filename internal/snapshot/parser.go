// SPDX-License-Identifier: MIT

// Package snapshot converts backend device-snapshot documents into playable
// playlists and owns the polling loop that keeps them fresh.
//
// The parser half of the package is a pure function over the raw payload.
// Backend payloads are authoritative in their field naming and arrive in
// both snake_case and camelCase; the parser accepts either form everywhere
// and never fails on unknown fields. It fails only when the payload is not
// a JSON object at all.
package snapshot

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

// Parse normalizes a raw snapshot payload.
func Parse(raw json.RawMessage) (*model.NormalizedSnapshot, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &playererr.ParseError{Detail: fmt.Sprintf("snapshot payload is not an object: %v", err)}
	}

	snap := &model.NormalizedSnapshot{
		MediaURLMap: map[string]string{},
		FetchedAt:   time.Now().UTC(),
		Raw:         raw,
	}

	snap.SnapshotID = str(pick(doc, "snapshot_id", "snapshotId", "id"))
	collectMediaURLs(doc, snap.MediaURLMap)

	schedule, _ := pick(doc, "schedule").(map[string]any)
	if schedule != nil {
		snap.ScheduleID = str(pick(schedule, "id", "schedule_id", "scheduleId"))
		if snap.SnapshotID == "" {
			snap.SnapshotID = str(pick(schedule, "snapshot_id", "snapshotId"))
		}
		collectMediaURLs(schedule, snap.MediaURLMap)

		if items, ok := pick(schedule, "items").([]any); ok {
			for i, rawItem := range items {
				obj, ok := rawItem.(map[string]any)
				if !ok {
					continue
				}
				item := parseItem(obj, fmt.Sprintf("item-%d", i), snap.MediaURLMap)
				snap.Items = append(snap.Items, item)
			}
		}
	}
	// Some payloads carry items at the top level.
	if len(snap.Items) == 0 {
		if items, ok := pick(doc, "items").([]any); ok {
			for i, rawItem := range items {
				obj, ok := rawItem.(map[string]any)
				if !ok {
					continue
				}
				snap.Items = append(snap.Items, parseItem(obj, fmt.Sprintf("item-%d", i), snap.MediaURLMap))
			}
		}
	}

	if emergency, ok := pick(doc, "emergency").(map[string]any); ok {
		active, _ := pick(emergency, "active").(bool)
		url := str(pick(emergency, "media_url", "mediaUrl", "url"))
		if active || url != "" {
			item := parseItem(emergency, "emergency", snap.MediaURLMap)
			if item.ID == "emergency" && item.MediaID != "" {
				item.ID = "emergency-" + item.MediaID
			}
			snap.EmergencyItem = &item
		}
	}

	if def, ok := pick(doc, "default", "default_media", "defaultMedia").(map[string]any); ok {
		item := parseItem(def, "default", snap.MediaURLMap)
		if item.RemoteURL != "" || item.MediaID != "" {
			snap.DefaultItem = &item
		}
	}

	return snap, nil
}

func parseItem(obj map[string]any, fallbackID string, urls map[string]string) model.TimelineItem {
	item := model.TimelineItem{
		ID:        str(pick(obj, "id", "item_id", "itemId")),
		MediaID:   str(pick(obj, "media_id", "mediaId")),
		RemoteURL: str(pick(obj, "media_url", "mediaUrl", "url")),
		SHA256:    strings.ToLower(str(pick(obj, "sha256", "checksum"))),
		Muted:     boolean(pick(obj, "muted")),
	}
	if item.ID == "" {
		item.ID = fallbackID
	}
	if item.RemoteURL == "" && item.MediaID != "" {
		item.RemoteURL = urls[item.MediaID]
	}

	item.Type = inferType(str(pick(obj, "type", "media_type", "mediaType")), item.RemoteURL)
	item.Fit = normalizeFit(str(pick(obj, "fit", "object_fit", "objectFit")))

	item.DisplayMs = integer(pick(obj, "display_ms", "displayMs", "duration_ms", "durationMs"))
	if item.DisplayMs < 1 {
		item.DisplayMs = model.DefaultDisplayMs
	}

	item.TransitionDurationMs = integer(pick(obj, "transition_duration_ms", "transitionDurationMs"))
	if item.TransitionDurationMs < 0 {
		item.TransitionDurationMs = 0
	}

	if meta, ok := pick(obj, "meta", "metadata").(map[string]any); ok {
		item.Meta = meta
	}
	return item
}

// collectMediaURLs merges both the media_urls map and inline media[] entries.
func collectMediaURLs(obj map[string]any, into map[string]string) {
	if urls, ok := pick(obj, "media_urls", "mediaUrls").(map[string]any); ok {
		for id, v := range urls {
			if s, ok := v.(string); ok && s != "" {
				into[id] = s
			}
		}
	}
	if media, ok := pick(obj, "media").([]any); ok {
		for _, rawEntry := range media {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			id := str(pick(entry, "id", "media_id", "mediaId"))
			u := str(pick(entry, "url", "media_url", "mediaUrl", "signed_url", "signedUrl"))
			if id != "" && u != "" {
				into[id] = u
			}
		}
	}
}

var videoExts = map[string]bool{".mp4": true, ".webm": true, ".mov": true, ".m4v": true}
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".avif": true,
}

// inferType picks the media type: an explicit declaration wins, then the URL
// extension, then image.
func inferType(declared, rawURL string) model.MediaType {
	switch strings.ToLower(declared) {
	case "image":
		return model.MediaImage
	case "video":
		return model.MediaVideo
	case "pdf", "document":
		return model.MediaPDF
	case "url", "web", "webpage":
		return model.MediaURL
	}

	ext := urlExt(rawURL)
	switch {
	case videoExts[ext]:
		return model.MediaVideo
	case ext == ".pdf":
		return model.MediaPDF
	case imageExts[ext]:
		return model.MediaImage
	default:
		return model.MediaImage
	}
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

func normalizeFit(fit string) model.FitMode {
	switch strings.ToLower(fit) {
	case "cover":
		return model.FitCover
	case "stretch", "fill":
		return model.FitStretch
	default:
		return model.FitContain
	}
}

// pick returns the first present key from obj, preferring earlier names.
func pick(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

// integer tolerates JSON numbers and numeric strings.
func integer(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}
