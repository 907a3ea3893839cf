// SPDX-License-Identifier: MIT

// Package cache implements the bounded on-disk media store.
//
// Entries are addressed by mediaId. The cache enforces a byte-capacity bound
// with least-recently-used eviction, protects the media currently on screen
// from eviction, verifies download integrity against backend-declared sha256
// digests, and collapses concurrent downloads of the same media onto a
// single flight. Files are written to a temp path and renamed into place, so
// a crash mid-download never leaves a half-written entry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

// DefaultPrefetchConcurrency bounds parallel downloads during prefetch.
const DefaultPrefetchConcurrency = 3

// EntryStatus marks an entry as servable or quarantined.
type EntryStatus string

const (
	StatusReady       EntryStatus = "ready"
	StatusQuarantined EntryStatus = "quarantined"
)

// Entry is the in-memory record for one cached media file.
type Entry struct {
	MediaID    string      `json:"mediaId"`
	SHA256     string      `json:"sha256,omitempty"`
	Size       int64       `json:"size"`
	LastUsedAt time.Time   `json:"lastUsedAt"`
	LocalPath  string      `json:"localPath"`
	Status     EntryStatus `json:"status"`
}

// Downloader streams a remote URL. The backend HTTP client satisfies this.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Manager owns the cache directory. The in-memory entry map is the single
// source of truth while the process runs; the directory is rescanned only at
// startup.
type Manager struct {
	dir                 string
	maxBytes            int64
	prefetchConcurrency int
	downloader          Downloader
	logger              *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]*Entry
	nowPlaying map[string]struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPrefetchConcurrency bounds parallel prefetch downloads (1..10).
func WithPrefetchConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 1 && n <= 10 {
			m.prefetchConcurrency = n
		}
	}
}

// WithLogger attaches a structured logger (nil = no logging).
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates the cache rooted at dir/media and rebuilds the entry
// index from files already on disk, so a restarted device can serve its last
// playlist before any network call succeeds.
func NewManager(dir string, maxBytes int64, downloader Downloader, opts ...ManagerOption) (*Manager, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive")
	}

	m := &Manager{
		dir:                 filepath.Join(dir, "media"),
		maxBytes:            maxBytes,
		prefetchConcurrency: DefaultPrefetchConcurrency,
		downloader:          downloader,
		entries:             make(map[string]*Entry),
		nowPlaying:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil { // #nosec G301 -- media files are served to the renderer
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := m.rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// rescan rebuilds the index from the media directory. Digests are unknown
// for rescanned files; integrity was checked when they were written.
func (m *Manager) rescan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scan cache directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, de := range entries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		mediaID := mediaIDFromFilename(de.Name())
		m.entries[mediaID] = &Entry{
			MediaID:    mediaID,
			Size:       info.Size(),
			LastUsedAt: info.ModTime(),
			LocalPath:  filepath.Join(m.dir, de.Name()),
			Status:     StatusReady,
		}
	}
	return nil
}

// Has reports whether mediaID is cached and its file actually exists. A hit
// refreshes the entry's recency.
func (m *Manager) Has(mediaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[mediaID]
	if !ok || entry.Status != StatusReady {
		return false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		// File vanished underneath us (manual cleanup, disk repair).
		delete(m.entries, mediaID)
		return false
	}
	entry.LastUsedAt = time.Now()
	return true
}

// Get returns the local path for mediaID, or false when absent.
func (m *Manager) Get(mediaID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[mediaID]
	if !ok || entry.Status != StatusReady {
		return "", false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		delete(m.entries, mediaID)
		return "", false
	}
	entry.LastUsedAt = time.Now()
	return entry.LocalPath, true
}

// Add downloads mediaID from rawURL unless already cached. Concurrent calls
// for the same mediaID share one download. When sha256 is non-empty the
// downloaded bytes are verified against it before the entry is registered.
func (m *Manager) Add(ctx context.Context, mediaID, rawURL, sha256Hex string) (string, error) {
	if mediaID == "" {
		return "", fmt.Errorf("mediaId cannot be empty")
	}
	if m.Has(mediaID) {
		path, _ := m.Get(mediaID)
		return path, nil
	}

	path, err, _ := m.group.Do(mediaID, func() (any, error) {
		return m.download(ctx, mediaID, rawURL, sha256Hex)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (m *Manager) download(ctx context.Context, mediaID, rawURL, sha256Hex string) (string, error) {
	// Re-check under the flight: a racing Add may have completed first.
	if p, ok := m.Get(mediaID); ok {
		return p, nil
	}

	body, contentLength, err := m.downloader.Download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	if contentLength > m.maxBytes {
		return "", &playererr.CacheFullError{MediaID: mediaID, Required: contentLength, MaxBytes: m.maxBytes}
	}
	if contentLength > 0 {
		if err := m.ensureRoom(contentLength); err != nil {
			return "", err
		}
	}

	finalPath := filepath.Join(m.dir, filenameFor(mediaID, rawURL))

	tmp, err := os.CreateTemp(m.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		return "", fmt.Errorf("download media %s: %w", mediaID, err)
	}

	if sha256Hex != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, sha256Hex) {
			return "", &playererr.IntegrityError{MediaID: mediaID, Expected: strings.ToLower(sha256Hex), Actual: actual}
		}
	}

	// Servers that omit Content-Length are only checked after the fact.
	if written > m.maxBytes {
		return "", &playererr.CacheFullError{MediaID: mediaID, Required: written, MaxBytes: m.maxBytes}
	}
	if err := m.ensureRoom(written); err != nil {
		return "", err
	}

	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close media file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("commit media file: %w", err)
	}
	committed = true

	m.mu.Lock()
	m.entries[mediaID] = &Entry{
		MediaID:    mediaID,
		SHA256:     strings.ToLower(sha256Hex),
		Size:       written,
		LastUsedAt: time.Now(),
		LocalPath:  finalPath,
		Status:     StatusReady,
	}
	m.mu.Unlock()

	m.logf(slog.LevelDebug, "cached media",
		slog.String("mediaId", mediaID), slog.Int64("bytes", written))
	return finalPath, nil
}

// ensureRoom evicts least-recently-used entries, skipping now-playing media,
// until required bytes fit. Returns CacheFullError when impossible.
func (m *Manager) ensureRoom(required int64) error {
	if required > m.maxBytes {
		return &playererr.CacheFullError{Required: required, MaxBytes: m.maxBytes}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.totalBytesLocked()+required > m.maxBytes {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			return &playererr.CacheFullError{Required: required, MaxBytes: m.maxBytes}
		}
		if err := os.Remove(victim.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict %s: %w", victim.MediaID, err)
		}
		delete(m.entries, victim.MediaID)
		m.logf(slog.LevelInfo, "evicted media",
			slog.String("mediaId", victim.MediaID), slog.Int64("bytes", victim.Size))
	}
	return nil
}

func (m *Manager) evictionCandidateLocked() *Entry {
	var victim *Entry
	for id, e := range m.entries {
		if _, playing := m.nowPlaying[id]; playing {
			continue
		}
		if victim == nil || e.LastUsedAt.Before(victim.LastUsedAt) {
			victim = e
		}
	}
	return victim
}

func (m *Manager) totalBytesLocked() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.Size
	}
	return total
}

// Prefetch downloads every item's media with bounded concurrency. Individual
// failures are logged and skipped, with one exception: an expired signed URL
// aborts the whole prefetch so the snapshot manager can refetch the snapshot
// for fresh URLs.
func (m *Manager) Prefetch(ctx context.Context, items []model.TimelineItem) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.prefetchConcurrency)

	for _, item := range items {
		if item.MediaID == "" || item.RemoteURL == "" {
			continue
		}
		g.Go(func() error {
			_, err := m.Add(ctx, item.MediaID, item.RemoteURL, item.SHA256)
			if err == nil {
				return nil
			}
			if playererr.IsURLExpired(err) {
				return err
			}
			m.logf(slog.LevelWarn, "prefetch failed",
				slog.String("mediaId", item.MediaID), slog.Any("error", err))
			return nil
		})
	}
	return g.Wait()
}

// MarkNowPlaying exempts mediaID from eviction.
func (m *Manager) MarkNowPlaying(mediaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowPlaying[mediaID] = struct{}{}
}

// UnmarkNowPlaying lifts the eviction exemption.
func (m *Manager) UnmarkNowPlaying(mediaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nowPlaying, mediaID)
}

// Clear removes cached media. Non-force keeps the entries currently playing.
func (m *Manager) Clear(force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, e := range m.entries {
		if !force {
			if _, playing := m.nowPlaying[id]; playing {
				continue
			}
		}
		if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(m.entries, id)
	}
	return firstErr
}

// Stats describes current cache occupancy.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"totalBytes"`
	MaxBytes   int64 `json:"maxBytes"`
}

// Stats returns current occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:    len(m.entries),
		TotalBytes: m.totalBytesLocked(),
		MaxBytes:   m.maxBytes,
	}
}

// Entries returns a snapshot of the index ordered by recency, oldest first.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsedAt.Before(out[j].LastUsedAt)
	})
	return out
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// filenameFor derives the on-disk name: sanitized mediaId plus the extension
// recovered from the URL path, if any.
func filenameFor(mediaID, rawURL string) string {
	name := unsafeFilenameChars.ReplaceAllString(mediaID, "_")
	if ext := extensionFromURL(rawURL); ext != "" {
		name += ext
	}
	return name
}

func extensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	// Only keep plausible media extensions; signed URLs sometimes end in
	// opaque tokens.
	if len(ext) >= 2 && len(ext) <= 6 && unsafeFilenameChars.FindString(ext[1:]) == "" {
		return ext
	}
	return ""
}

func mediaIDFromFilename(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		return strings.TrimSuffix(name, ext)
	}
	return name
}

func (m *Manager) logf(level slog.Level, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Log(context.Background(), level, msg, args...)
	}
}
