// SPDX-License-Identifier: MIT

package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/model"
)

// loggingRenderer is the default renderer sink: it logs every message the
// core would deliver to the kiosk window host. Deployments with a real
// window host replace it with an IPC-backed implementation.
//
// It satisfies both playback.Renderer (fallible ShowMedia for the error
// budget) and events.RendererSink (status and default-media messages).
type loggingRenderer struct {
	logger *slog.Logger
}

func newLoggingRenderer(logger *slog.Logger) *loggingRenderer {
	return &loggingRenderer{logger: logger}
}

func (r *loggingRenderer) ShowMedia(mc events.MediaChange) error {
	r.logger.Info("renderer media-change",
		slog.String("itemId", mc.Item.ID),
		slog.String("mediaId", mc.Item.MediaID),
		slog.String("type", string(mc.Item.Type)),
		slog.String("localPath", mc.Item.LocalPath),
		slog.Int("displayMs", mc.Item.DisplayMs))
	return nil
}

func (r *loggingRenderer) MediaChange(mc events.MediaChange) {
	_ = r.ShowMedia(mc)
}

func (r *loggingRenderer) PlaybackUpdate(u events.PlaybackUpdate) {
	r.logger.Info("renderer playback-update",
		slog.String("type", string(u.Type)),
		slog.Int("durationMs", u.DurationMs),
		slog.String("reason", u.Reason))
}

func (r *loggingRenderer) PlayerStatus(status model.PlayerStatus) {
	r.logger.Info("renderer player-status",
		slog.String("state", string(status.State)),
		slog.String("mode", string(status.Mode)),
		slog.Bool("online", status.Online))
}

func (r *loggingRenderer) DefaultMediaChanged(media model.DefaultMedia) {
	r.logger.Info("renderer default-media:changed",
		slog.String("mediaId", media.MediaID))
}

// loggingProofOfPlay records start/end pairs in the structured log. The
// shipping transport for proof-of-play batches is an external collaborator;
// this sink keeps the records observable until one is attached.
type loggingProofOfPlay struct {
	logger *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
}

func newLoggingProofOfPlay(logger *slog.Logger) *loggingProofOfPlay {
	return &loggingProofOfPlay{logger: logger, starts: make(map[string]time.Time)}
}

func (p *loggingProofOfPlay) RecordStart(scheduleID, mediaID string) {
	p.mu.Lock()
	p.starts[scheduleID+"/"+mediaID] = time.Now()
	p.mu.Unlock()

	p.logger.Info("proof-of-play start",
		slog.String("scheduleId", scheduleID),
		slog.String("mediaId", mediaID))
}

func (p *loggingProofOfPlay) RecordEnd(scheduleID, mediaID string, completed bool) {
	key := scheduleID + "/" + mediaID
	p.mu.Lock()
	start, ok := p.starts[key]
	delete(p.starts, key)
	p.mu.Unlock()

	attrs := []any{
		slog.String("scheduleId", scheduleID),
		slog.String("mediaId", mediaID),
		slog.Bool("completed", completed),
	}
	if ok {
		attrs = append(attrs, slog.Duration("played", time.Since(start)))
	}
	p.logger.Info("proof-of-play end", attrs...)
}
