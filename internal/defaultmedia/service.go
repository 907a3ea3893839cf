// SPDX-License-Identifier: MIT

// Package defaultmedia polls the CMS-level fallback media setting. The last
// known value is persisted so a rebooted device can fall back instantly,
// and a change event fires only when the media actually differs.
package defaultmedia

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/model"
)

// StateFile is the on-disk name of the persisted default media record.
const StateFile = "default-media.json"

// Fetcher retrieves the default-media document.
type Fetcher interface {
	GetJSON(ctx context.Context, path string, out any) error
}

// Service is the default-media poller. It implements suture.Service.
type Service struct {
	fetcher  Fetcher
	dir      string
	interval time.Duration
	logger   *slog.Logger

	// Changed fires when the default media differs from the previous value.
	Changed *events.Emitter[model.DefaultMedia]

	group singleflight.Group

	mu      sync.Mutex
	current *model.DefaultMedia
}

// Option configures a Service.
type Option func(*Service)

// WithInterval overrides the poll interval (default 5 minutes).
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the poller, loading any persisted value from dir.
func NewService(fetcher Fetcher, dir string, opts ...Option) *Service {
	s := &Service{
		fetcher:  fetcher,
		dir:      dir,
		interval: 5 * time.Minute,
		Changed:  events.NewEmitter[model.DefaultMedia](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restore()
	return s
}

// String names the service in supervisor logs.
func (s *Service) String() string { return "default-media-service" }

// Current returns the last known default media, if any.
func (s *Service) Current() (model.DefaultMedia, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.DefaultMedia{}, false
	}
	return *s.current, true
}

// Serve polls until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Refresh(ctx); err != nil {
		s.logf("default media refresh failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logf("default media refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh fetches the current value. Concurrent callers collapse onto one
// in-flight request and share its outcome.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Service) refresh(ctx context.Context) error {
	var raw map[string]any
	if err := s.fetcher.GetJSON(ctx, "/api/v1/settings/default-media", &raw); err != nil {
		return err
	}

	media := Normalize(raw)

	s.mu.Lock()
	changed := s.current == nil || !s.current.Equal(media)
	s.current = &media
	s.mu.Unlock()

	if !changed {
		return nil
	}

	if err := s.persist(media); err != nil {
		s.logf("persist default media failed", slog.Any("error", err))
	}
	s.Changed.Emit(media)
	s.logf("default media changed", slog.String("mediaId", media.MediaID))
	return nil
}

// Normalize reduces the backend payload to the canonical record. It accepts
// snake_case and camelCase field names and is idempotent over its own
// output's serialized form.
func Normalize(raw map[string]any) model.DefaultMedia {
	out := model.DefaultMedia{
		MediaID: str(pick(raw, "media_id", "mediaId")),
	}

	obj, ok := pick(raw, "media").(map[string]any)
	if !ok {
		// Some payloads inline the media object at the top level.
		if str(pick(raw, "media_url", "mediaUrl")) != "" {
			obj = raw
		}
	}
	if obj != nil {
		item := model.DefaultMediaItem{
			ID:                str(pick(obj, "id", "media_id", "mediaId")),
			Name:              str(pick(obj, "name")),
			MediaURL:          str(pick(obj, "media_url", "mediaUrl")),
			SourceContentType: str(pick(obj, "source_content_type", "sourceContentType")),
			Type:              normalizeKind(str(pick(obj, "type", "media_type", "mediaType"))),
		}
		if item.ID != "" || item.MediaURL != "" {
			out.Media = &item
		}
	}

	if out.MediaID == "" && out.Media != nil {
		out.MediaID = out.Media.ID
	}
	return out
}

func normalizeKind(kind string) model.DefaultMediaKind {
	switch strings.ToUpper(kind) {
	case "VIDEO":
		return model.DefaultMediaVideo
	case "DOCUMENT", "PDF":
		return model.DefaultMediaDocument
	default:
		return model.DefaultMediaImage
	}
}

func (s *Service) persist(media model.DefaultMedia) error {
	data, err := json.MarshalIndent(media, "", "  ")
	if err != nil {
		return fmt.Errorf("encode default media: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, StateFile), data, 0600); err != nil {
		return fmt.Errorf("write default media state: %w", err)
	}
	return nil
}

func (s *Service) restore() {
	data, err := os.ReadFile(filepath.Join(s.dir, StateFile)) // #nosec G304 -- our own state dir
	if err != nil {
		return
	}
	var media model.DefaultMedia
	if err := json.Unmarshal(data, &media); err != nil {
		s.logf("persisted default media unreadable", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	s.current = &media
	s.mu.Unlock()
}

func (s *Service) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

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
