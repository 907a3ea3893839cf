// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

// LastSnapshotFile is the on-disk name of the persisted raw snapshot.
const LastSnapshotFile = "last-snapshot.json"

// Fetcher retrieves backend documents. The backend HTTP client satisfies it.
type Fetcher interface {
	GetRaw(ctx context.Context, path string) (json.RawMessage, error)
}

// MediaCache is the slice of the cache manager the snapshot manager needs.
type MediaCache interface {
	Add(ctx context.Context, mediaID, url, sha256 string) (string, error)
	Prefetch(ctx context.Context, items []model.TimelineItem) error
	Get(mediaID string) (string, bool)
}

// DeviceIdentity reports the paired device. Unpaired devices skip polling.
type DeviceIdentity interface {
	DeviceID() string
}

// Manager owns the periodic snapshot fetch and playlist build. It implements
// suture.Service. Snapshot processing is strictly sequential: a cycle runs to
// playlist emission before the next may begin.
type Manager struct {
	fetcher  Fetcher
	cache    MediaCache
	identity DeviceIdentity
	dir      string
	interval time.Duration
	logger   *slog.Logger

	// PlaylistUpdated fires after every cycle that produced a playlist.
	PlaylistUpdated *events.Emitter[model.PlaybackPlaylist]

	refreshMu sync.Mutex // serializes cycles
	stateMu   sync.Mutex
	current   *model.PlaybackPlaylist
	lastGood  *model.NormalizedSnapshot

	kick chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithInterval overrides the poll interval (default 5 minutes).
func WithInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewManager creates a snapshot manager persisting state under dir.
func NewManager(fetcher Fetcher, cache MediaCache, identity DeviceIdentity, dir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		fetcher:         fetcher,
		cache:           cache,
		identity:        identity,
		dir:             dir,
		interval:        5 * time.Minute,
		PlaylistUpdated: events.NewEmitter[model.PlaybackPlaylist](),
		kick:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// String names the service in supervisor logs.
func (m *Manager) String() string { return "snapshot-manager" }

// PlaylistEvents returns the playlist-updated channel.
func (m *Manager) PlaylistEvents() *events.Emitter[model.PlaybackPlaylist] {
	return m.PlaylistUpdated
}

// Playlist returns the most recently emitted playlist, if any.
func (m *Manager) Playlist() (model.PlaybackPlaylist, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.current == nil {
		return model.PlaybackPlaylist{}, false
	}
	return *m.current, true
}

// LastSnapshot returns the last successfully parsed snapshot, if any.
func (m *Manager) LastSnapshot() (*model.NormalizedSnapshot, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastGood, m.lastGood != nil
}

// RestoreFromDisk loads the persisted snapshot and emits an offline playlist
// built from whatever media is still cached. Called once before the poll
// loop starts so a rebooted device plays immediately.
func (m *Manager) RestoreFromDisk() {
	raw, err := os.ReadFile(filepath.Join(m.dir, LastSnapshotFile)) // #nosec G304 -- our own state dir
	if err != nil {
		return
	}
	snap, err := Parse(raw)
	if err != nil {
		m.logf(slog.LevelWarn, "persisted snapshot unreadable", slog.Any("error", err))
		return
	}

	m.stateMu.Lock()
	m.lastGood = snap
	m.stateMu.Unlock()

	playlist := m.buildPlaylist(snap, model.ModeOffline)
	m.publish(playlist)
	m.logf(slog.LevelInfo, "restored offline playlist",
		slog.Int("items", len(playlist.Items)), slog.String("mode", string(playlist.Mode)))
}

// Kick requests an immediate refresh (REFRESH_SCHEDULE command, URL expiry).
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Serve runs the poll loop until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.kick:
			m.runCycle(ctx)
		}
	}
}

func (m *Manager) runCycle(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		m.logf(slog.LevelWarn, "snapshot cycle failed", slog.Any("error", err))
	}
}

// Refresh performs one snapshot cycle: fetch, parse, persist, prefetch,
// build, emit. A snapshot whose signed URLs already expired is refetched
// exactly once. On any failure the last known-good snapshot is re-emitted in
// offline mode (an empty playlist when there is none); a 404 then returns
// nil, and every other error is still returned.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	deviceID := m.identity.DeviceID()
	if deviceID == "" {
		return nil // unpaired; nothing to poll
	}

	err := m.refreshOnce(ctx, deviceID)
	if playererr.IsURLExpired(err) {
		m.logf(slog.LevelInfo, "signed URLs expired, refetching snapshot once")
		err = m.refreshOnce(ctx, deviceID)
	}
	if err == nil {
		return nil
	}

	if playererr.IsNotFound(err) {
		m.logf(slog.LevelInfo, "no snapshot published for device")
	}
	m.fallback()
	if playererr.IsNotFound(err) {
		return nil
	}
	return err
}

func (m *Manager) refreshOnce(ctx context.Context, deviceID string) error {
	raw, err := m.fetcher.GetRaw(ctx, fmt.Sprintf("/api/v1/device/%s/snapshot?include_urls=true", deviceID))
	if err != nil {
		return err
	}

	snap, err := Parse(raw)
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(filepath.Join(m.dir, LastSnapshotFile), raw, 0600); err != nil {
		// Persistence failure degrades restart behavior but not playback.
		m.logf(slog.LevelWarn, "persist snapshot failed", slog.Any("error", err))
	}

	if err := m.prefetch(ctx, snap); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.lastGood = snap
	m.stateMu.Unlock()

	playlist := m.buildPlaylist(snap, model.ModeEmpty)
	m.publish(playlist)
	return nil
}

// prefetch downloads all media referenced by the snapshot: scheduled items
// plus the emergency and default overrides. Individual failures are
// tolerated inside the cache; URL expiry aborts and bubbles up.
func (m *Manager) prefetch(ctx context.Context, snap *model.NormalizedSnapshot) error {
	items := make([]model.TimelineItem, 0, len(snap.Items)+2)
	items = append(items, snap.Items...)
	if snap.EmergencyItem != nil {
		items = append(items, *snap.EmergencyItem)
	}
	if snap.DefaultItem != nil {
		items = append(items, *snap.DefaultItem)
	}
	return m.cache.Prefetch(ctx, items)
}

// fallback emits a playlist from the last known good snapshot in offline
// mode, or an empty playlist when the device has never seen a snapshot.
func (m *Manager) fallback() {
	m.stateMu.Lock()
	snap := m.lastGood
	m.stateMu.Unlock()

	if snap == nil {
		m.publish(model.PlaybackPlaylist{Mode: model.ModeEmpty, Items: []model.TimelineItem{}})
		return
	}
	m.publish(m.buildPlaylist(snap, model.ModeOffline))
}

// buildPlaylist applies the mode precedence and keeps only items whose media
// is locally present. fallbackMode applies when nothing else is playable
// (ModeEmpty for live cycles, ModeOffline for restored/stale snapshots).
func (m *Manager) buildPlaylist(snap *model.NormalizedSnapshot, fallbackMode model.PlaylistMode) model.PlaybackPlaylist {
	playlist := model.PlaybackPlaylist{
		ScheduleID:     snap.ScheduleID,
		SnapshotID:     snap.SnapshotID,
		LastSnapshotAt: snap.FetchedAt,
		Items:          []model.TimelineItem{},
	}

	if snap.EmergencyItem != nil {
		if item, ok := m.attachLocalMedia(*snap.EmergencyItem); ok {
			playlist.Mode = model.ModeEmergency
			playlist.Items = []model.TimelineItem{item}
			return playlist
		}
		m.logf(slog.LevelWarn, "emergency item media not cached, falling through",
			slog.String("mediaId", snap.EmergencyItem.MediaID))
	}

	for _, raw := range snap.Items {
		if item, ok := m.attachLocalMedia(raw); ok {
			playlist.Items = append(playlist.Items, item)
		} else {
			m.logf(slog.LevelWarn, "dropping item without cached media",
				slog.String("itemId", raw.ID), slog.String("mediaId", raw.MediaID))
		}
	}
	if len(playlist.Items) > 0 {
		if fallbackMode == model.ModeOffline {
			playlist.Mode = model.ModeOffline
		} else {
			playlist.Mode = model.ModeNormal
		}
		return playlist
	}

	if snap.DefaultItem != nil {
		if item, ok := m.attachLocalMedia(*snap.DefaultItem); ok {
			playlist.Mode = model.ModeDefault
			playlist.Items = []model.TimelineItem{item}
			return playlist
		}
	}

	playlist.Mode = fallbackMode
	return playlist
}

// attachLocalMedia resolves an item's cached file. Items without a mediaId
// pass through untouched only when they are URL widgets with a remote URL,
// and are dropped otherwise; items with one are dropped when the media is
// not cached.
func (m *Manager) attachLocalMedia(item model.TimelineItem) (model.TimelineItem, bool) {
	if item.MediaID == "" {
		return item, item.Type == model.MediaURL && item.RemoteURL != ""
	}
	path, ok := m.cache.Get(item.MediaID)
	if !ok {
		return item, false
	}
	item.LocalPath = path
	item.LocalURL = "file://" + path
	return item, true
}

func (m *Manager) publish(playlist model.PlaybackPlaylist) {
	m.stateMu.Lock()
	m.current = &playlist
	m.stateMu.Unlock()
	m.PlaylistUpdated.Emit(playlist)
}

func (m *Manager) logf(level slog.Level, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Log(context.Background(), level, msg, args...)
	}
}
