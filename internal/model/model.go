// SPDX-License-Identifier: MIT

// Package model holds the data types shared across the player runtime:
// timeline items, normalized snapshots, playlists, commands, and the
// device-level state machine states.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MediaType classifies a timeline item's payload.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaPDF   MediaType = "pdf"
	MediaURL   MediaType = "url"
)

// FitMode controls how media is scaled inside the display area.
type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitStretch FitMode = "stretch"
)

// DefaultDisplayMs is applied when the backend omits or zeroes an item's
// display duration.
const DefaultDisplayMs = 10000

// TimelineItem is a single playable entry. Items are immutable once produced
// by the snapshot parser; the snapshot manager fills LocalPath/LocalURL on a
// copy when attaching cached media.
type TimelineItem struct {
	ID                   string         `json:"id"`
	MediaID              string         `json:"mediaId,omitempty"`
	Type                 MediaType      `json:"type"`
	RemoteURL            string         `json:"remoteUrl,omitempty"`
	LocalPath            string         `json:"localPath,omitempty"`
	LocalURL             string         `json:"localUrl,omitempty"`
	DisplayMs            int            `json:"displayMs"`
	Fit                  FitMode        `json:"fit"`
	Muted                bool           `json:"muted"`
	SHA256               string         `json:"sha256,omitempty"`
	TransitionDurationMs int            `json:"transitionDurationMs"`
	Meta                 map[string]any `json:"meta,omitempty"`
}

// NormalizedSnapshot is the parser's output: the backend snapshot document
// reduced to an ordered item sequence plus overrides and the signed URL map.
type NormalizedSnapshot struct {
	SnapshotID    string            `json:"snapshotId,omitempty"`
	ScheduleID    string            `json:"scheduleId,omitempty"`
	Items         []TimelineItem    `json:"items"`
	EmergencyItem *TimelineItem     `json:"emergencyItem,omitempty"`
	DefaultItem   *TimelineItem     `json:"defaultItem,omitempty"`
	MediaURLMap   map[string]string `json:"mediaUrlMap"`
	FetchedAt     time.Time         `json:"fetchedAt"`
	Raw           json.RawMessage   `json:"-"`
}

// PlaylistMode describes how the current playlist was derived.
type PlaylistMode string

const (
	ModeNormal    PlaylistMode = "normal"
	ModeEmergency PlaylistMode = "emergency"
	ModeDefault   PlaylistMode = "default"
	ModeOffline   PlaylistMode = "offline"
	ModeEmpty     PlaylistMode = "empty"
)

// PlaybackPlaylist is what the snapshot manager emits and the playback engine
// consumes. Items contain only entries whose media is present in the cache.
type PlaybackPlaylist struct {
	Mode           PlaylistMode   `json:"mode"`
	Items          []TimelineItem `json:"items"`
	ScheduleID     string         `json:"scheduleId,omitempty"`
	SnapshotID     string         `json:"snapshotId,omitempty"`
	LastSnapshotAt time.Time      `json:"lastSnapshotAt,omitempty"`
}

// DeriveMode applies the strict precedence rule:
// emergency, then normal (non-empty items), then default, then fallback.
func DeriveMode(emergency bool, itemCount int, hasDefault bool, fallback PlaylistMode) PlaylistMode {
	switch {
	case emergency:
		return ModeEmergency
	case itemCount > 0:
		return ModeNormal
	case hasDefault:
		return ModeDefault
	default:
		return fallback
	}
}

// PlayerState is the device-level state machine state.
type PlayerState string

const (
	StateBoot                PlayerState = "BOOT"
	StateNeedPairing         PlayerState = "NEED_PAIRING"
	StatePairingRequested    PlayerState = "PAIRING_REQUESTED"
	StateWaitingConfirmation PlayerState = "WAITING_CONFIRMATION"
	StateCertIssued          PlayerState = "CERT_ISSUED"
	StatePlaybackRunning     PlayerState = "PLAYBACK_RUNNING"
	StateOfflineFallback     PlayerState = "OFFLINE_FALLBACK"
)

// PlayerStatus is the composite status record exposed to the renderer.
type PlayerStatus struct {
	State          PlayerState  `json:"state"`
	Mode           PlaylistMode `json:"mode"`
	Online         bool         `json:"online"`
	DeviceID       string       `json:"deviceId,omitempty"`
	ScheduleID     string       `json:"scheduleId,omitempty"`
	LastSnapshotAt time.Time    `json:"lastSnapshotAt,omitempty"`
	CurrentMediaID string       `json:"currentMediaId,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// CommandType identifies a remote command.
type CommandType string

const (
	CommandReboot          CommandType = "REBOOT"
	CommandRefreshSchedule CommandType = "REFRESH_SCHEDULE"
	CommandScreenshot      CommandType = "SCREENSHOT"
	CommandTestPattern     CommandType = "TEST_PATTERN"
	CommandClearCache      CommandType = "CLEAR_CACHE"
	CommandPing            CommandType = "PING"
)

// Command is a remote instruction received from the backend.
type Command struct {
	ID     string         `json:"id"`
	Type   CommandType    `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// CommandResult records the outcome of a processed command.
type CommandResult struct {
	CommandID   string         `json:"commandId"`
	Type        CommandType    `json:"type"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
}

// DefaultMediaKind is the backend's media classification for default media.
type DefaultMediaKind string

const (
	DefaultMediaImage    DefaultMediaKind = "IMAGE"
	DefaultMediaVideo    DefaultMediaKind = "VIDEO"
	DefaultMediaDocument DefaultMediaKind = "DOCUMENT"
)

// DefaultMedia is the CMS-level fallback media record.
type DefaultMedia struct {
	MediaID string            `json:"media_id"`
	Media   *DefaultMediaItem `json:"media,omitempty"`
}

// DefaultMediaItem is the media object inside a DefaultMedia record.
type DefaultMediaItem struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              DefaultMediaKind `json:"type"`
	MediaURL          string           `json:"media_url"`
	SourceContentType string           `json:"source_content_type,omitempty"`
}

// Equal reports whether two default media records are equivalent for the
// purposes of change detection.
func (d DefaultMedia) Equal(other DefaultMedia) bool {
	if d.MediaID != other.MediaID {
		return false
	}
	if (d.Media == nil) != (other.Media == nil) {
		return false
	}
	if d.Media == nil {
		return true
	}
	return *d.Media == *other.Media
}

// String returns a compact identity for logging.
func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.ID)
}
