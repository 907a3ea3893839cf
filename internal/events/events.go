// SPDX-License-Identifier: MIT

// Package events provides typed one-to-many event emitters and the sink
// interfaces the player core uses to talk to its collaborators (renderer,
// proof-of-play, telemetry).
//
// Emitters are fire-and-forget: Emit never blocks the producer. Each emitter
// owns a FIFO dispatch goroutine, so subscribers observe events in emission
// order. Subscriber callbacks must not block for long; they run on the
// dispatch goroutine.
package events

import (
	"sync"

	"github.com/hexmon/signage-player-go/internal/model"
)

// Emitter is a typed one-to-many event channel.
type Emitter[T any] struct {
	mu       sync.Mutex
	subs     map[int]func(T)
	nextID   int
	queue    []T
	draining bool
	closed   bool
}

// NewEmitter creates an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns an unsubscribe function.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Emit enqueues ev for delivery to all current subscribers. It never blocks:
// delivery happens on a dispatch goroutine that drains the queue in FIFO
// order, so relative ordering of successive Emit calls is preserved.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	go e.drain()
}

func (e *Emitter[T]) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.closed {
			e.draining = false
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		subs := make([]func(T), 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close drops all subscribers and pending events. Subsequent Emit calls are
// no-ops.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
	e.subs = make(map[int]func(T))
}

// MediaChange is sent to the renderer when a new item starts playing.
type MediaChange struct {
	Item          model.TimelineItem `json:"item"`
	ScheduledItem model.TimelineItem `json:"scheduledItem"`
}

// PlaybackUpdateType discriminates PlaybackUpdate messages.
type PlaybackUpdateType string

const (
	UpdateTransitionStart PlaybackUpdateType = "transition-start"
	UpdateShowFallback    PlaybackUpdateType = "show-fallback"
)

// PlaybackUpdate is an auxiliary renderer message (transition cue or
// fallback-slide request).
type PlaybackUpdate struct {
	Type       PlaybackUpdateType `json:"type"`
	DurationMs int                `json:"durationMs,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// RendererSink is the outbound channel to the on-screen renderer. The
// renderer itself is an external collaborator; implementations must not
// block.
type RendererSink interface {
	MediaChange(MediaChange)
	PlaybackUpdate(PlaybackUpdate)
	PlayerStatus(model.PlayerStatus)
	DefaultMediaChanged(model.DefaultMedia)
}

// ProofOfPlaySink records that media was actually displayed. RecordStart and
// RecordEnd for a given occurrence are paired and ordered.
type ProofOfPlaySink interface {
	RecordStart(scheduleID, mediaID string)
	RecordEnd(scheduleID, mediaID string, completed bool)
}

// TelemetrySink receives current-media updates for heartbeat reporting.
type TelemetrySink interface {
	SetCurrentMedia(mediaID string)
}

// NopRenderer discards all renderer messages. Used when no renderer is
// attached (headless tests, early boot).
type NopRenderer struct{}

func (NopRenderer) MediaChange(MediaChange) {}
func (NopRenderer) PlaybackUpdate(PlaybackUpdate) {}
func (NopRenderer) PlayerStatus(model.PlayerStatus) {}
func (NopRenderer) DefaultMediaChanged(model.DefaultMedia) {}

// NopProofOfPlay discards proof-of-play records.
type NopProofOfPlay struct{}

func (NopProofOfPlay) RecordStart(string, string) {}
func (NopProofOfPlay) RecordEnd(string, string, bool) {}

// NopTelemetry discards telemetry updates.
type NopTelemetry struct{}

func (NopTelemetry) SetCurrentMedia(string) {}
