// SPDX-License-Identifier: MIT

// Package playback binds the timeline scheduler to the renderer and the
// proof-of-play sink, applies playlist updates, and enforces the consecutive
// error budget.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
	"github.com/hexmon/signage-player-go/internal/timeline"
)

// MaxConsecutiveErrors is the error budget: the engine keeps showing the
// fallback slide up to this many consecutive failures, then stops.
const MaxConsecutiveErrors = 5

// Renderer displays media. ShowMedia reports failures so the engine can
// track its error budget; the remaining messages are fire-and-forget.
type Renderer interface {
	ShowMedia(events.MediaChange) error
	PlaybackUpdate(events.PlaybackUpdate)
}

// NowPlayingMarker protects on-screen media from cache eviction.
type NowPlayingMarker interface {
	MarkNowPlaying(mediaID string)
	UnmarkNowPlaying(mediaID string)
}

// State describes the engine's lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StateEmergency State = "emergency"
	StateError     State = "error"
)

// Status is a point-in-time view of the engine.
type Status struct {
	State          State                `json:"state"`
	Mode           model.PlaylistMode   `json:"mode"`
	ScheduleID     string               `json:"scheduleId,omitempty"`
	CurrentMediaID string               `json:"currentMediaId,omitempty"`
	ErrorCount     int                  `json:"errorCount"`
	Jitter         timeline.JitterStats `json:"jitter"`
}

// Engine wraps the scheduler and forwards its events to the collaborators.
type Engine struct {
	scheduler *timeline.Scheduler
	renderer  Renderer
	pop       events.ProofOfPlaySink
	telemetry events.TelemetrySink
	marker    NowPlayingMarker
	logger    *slog.Logger

	// OnFatal is invoked once when the error budget is exhausted.
	OnFatal func(error)

	mu             sync.Mutex
	state          State
	mode           model.PlaylistMode
	scheduleID     string
	currentMediaID string
	errorCount     int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires a scheduler to its sinks. Nil sinks are replaced with
// no-ops so tests can supply only what they observe.
func NewEngine(scheduler *timeline.Scheduler, renderer Renderer, pop events.ProofOfPlaySink, telemetry events.TelemetrySink, marker NowPlayingMarker, opts ...EngineOption) *Engine {
	e := &Engine{
		scheduler: scheduler,
		renderer:  renderer,
		pop:       pop,
		telemetry: telemetry,
		marker:    marker,
		state:     StateIdle,
		mode:      model.ModeEmpty,
	}
	if e.pop == nil {
		e.pop = events.NopProofOfPlay{}
	}
	if e.telemetry == nil {
		e.telemetry = events.NopTelemetry{}
	}
	for _, opt := range opts {
		opt(e)
	}

	scheduler.Events.Subscribe(e.handleEvent)
	return e
}

// Apply replaces the running playlist. The scheduler is stopped, the error
// budget reset, and a non-empty playlist started from its first item.
func (e *Engine) Apply(playlist model.PlaybackPlaylist) {
	e.scheduler.Stop()

	e.mu.Lock()
	if e.currentMediaID != "" && e.marker != nil {
		e.marker.UnmarkNowPlaying(e.currentMediaID)
	}
	e.currentMediaID = ""
	e.errorCount = 0
	e.mode = playlist.Mode
	e.scheduleID = playlist.ScheduleID
	hasItems := len(playlist.Items) > 0
	switch {
	case !hasItems:
		e.state = StateIdle
	case playlist.Mode == model.ModeEmergency:
		e.state = StateEmergency
	default:
		e.state = StatePlaying
	}
	e.mu.Unlock()

	if !hasItems {
		e.logf(slog.LevelInfo, "playlist empty, playback idle", slog.String("mode", string(playlist.Mode)))
		return
	}

	if err := e.scheduler.Start(playlist.Items); err != nil {
		e.logf(slog.LevelError, "start timeline failed", slog.Any("error", err))
		return
	}
	e.logf(slog.LevelInfo, "playlist applied",
		slog.String("mode", string(playlist.Mode)),
		slog.Int("items", len(playlist.Items)))
}

// Stop halts playback and clears the now-playing mark.
func (e *Engine) Stop() {
	e.scheduler.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentMediaID != "" && e.marker != nil {
		e.marker.UnmarkNowPlaying(e.currentMediaID)
	}
	e.currentMediaID = ""
	e.state = StateIdle
}

// Pause suspends the current item (display power-off windows).
func (e *Engine) Pause() { e.scheduler.Pause() }

// Resume continues a paused item.
func (e *Engine) Resume() { e.scheduler.Resume() }

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:          e.state,
		Mode:           e.mode,
		ScheduleID:     e.scheduleID,
		CurrentMediaID: e.currentMediaID,
		ErrorCount:     e.errorCount,
		Jitter:         e.scheduler.Jitter(),
	}
}

func (e *Engine) handleEvent(ev timeline.Event) {
	switch ev.Kind {
	case timeline.EventPlayItem:
		e.handlePlay(ev.Item)
	case timeline.EventTransitionStart:
		e.renderer.PlaybackUpdate(events.PlaybackUpdate{
			Type:       events.UpdateTransitionStart,
			DurationMs: ev.DurationMs,
		})
	case timeline.EventItemComplete:
		e.handleComplete(ev.Item)
	case timeline.EventTimelineComplete:
		e.logf(slog.LevelDebug, "timeline wrapped", slog.Int("loop", ev.Loop))
	}
}

func (e *Engine) handlePlay(item model.TimelineItem) {
	e.mu.Lock()
	scheduleID := e.scheduleID
	e.mu.Unlock()

	if item.MediaID != "" && e.marker != nil {
		e.marker.MarkNowPlaying(item.MediaID)
	}

	err := e.renderer.ShowMedia(events.MediaChange{Item: item, ScheduledItem: item})
	if err != nil {
		e.handlePlayError(item, err)
		return
	}

	e.mu.Lock()
	e.errorCount = 0
	e.currentMediaID = item.MediaID
	e.mu.Unlock()

	if item.MediaID != "" {
		e.pop.RecordStart(scheduleID, item.MediaID)
	}
	e.telemetry.SetCurrentMedia(item.MediaID)
}

func (e *Engine) handleComplete(item model.TimelineItem) {
	if item.MediaID != "" && e.marker != nil {
		e.marker.UnmarkNowPlaying(item.MediaID)
	}

	e.mu.Lock()
	scheduleID := e.scheduleID
	// Only a successfully started occurrence gets an end record; a failed
	// play never recorded a start.
	started := e.currentMediaID == item.MediaID
	if started {
		e.currentMediaID = ""
	}
	e.mu.Unlock()

	if started && item.MediaID != "" {
		e.pop.RecordEnd(scheduleID, item.MediaID, true)
	}
}

func (e *Engine) handlePlayError(item model.TimelineItem, err error) {
	e.mu.Lock()
	e.errorCount++
	count := e.errorCount
	e.mu.Unlock()

	e.logf(slog.LevelWarn, "play item failed",
		slog.String("itemId", item.ID),
		slog.Int("consecutiveErrors", count),
		slog.Any("error", err))

	if count <= MaxConsecutiveErrors {
		e.renderer.PlaybackUpdate(events.PlaybackUpdate{
			Type:   events.UpdateShowFallback,
			Reason: err.Error(),
		})
		return
	}

	// Budget exhausted: stop and surface once.
	e.scheduler.Stop()
	e.mu.Lock()
	e.state = StateError
	onFatal := e.OnFatal
	e.mu.Unlock()

	fatal := &playererr.PlaybackError{Message: "Max errors reached"}
	e.logf(slog.LevelError, "playback stopped", slog.Any("error", fatal))
	if onFatal != nil {
		onFatal(fatal)
	}
}

func (e *Engine) logf(level slog.Level, msg string, args ...any) {
	if e.logger != nil {
		e.logger.Log(context.Background(), level, msg, args...)
	}
}
