// SPDX-License-Identifier: MIT

// Package timeline drives an ordered sequence of items forward in time,
// emitting play, transition, and completion events that the playback engine
// forwards to the renderer.
//
// Events for one item always fire in the order play-item, transition-start
// (when the item has a transition), item-complete; the next item's play-item
// fires strictly after that. All events flow through a single ordered
// emitter, so subscribers observe exactly that sequence.
package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/model"
)

// EventKind discriminates scheduler events.
type EventKind string

const (
	EventPlayItem         EventKind = "play-item"
	EventTransitionStart  EventKind = "transition-start"
	EventItemComplete     EventKind = "item-complete"
	EventTimelineComplete EventKind = "timeline-complete"
)

// Event is one scheduler occurrence. Next is set only for transition-start.
type Event struct {
	Kind       EventKind
	Item       model.TimelineItem
	Next       *model.TimelineItem
	DurationMs int // transition duration for transition-start
	Loop       int // completed loop count for timeline-complete
}

// JitterStats expose timer drift measured against the monotonic clock.
type JitterStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	Max     time.Duration `json:"max"`
}

// Scheduler plays a playlist in order, looping indefinitely until stopped.
type Scheduler struct {
	// Events receives every scheduler occurrence in emission order.
	Events *events.Emitter[Event]

	mu       sync.Mutex
	items    []model.TimelineItem
	running  bool
	paused   bool
	stopCh   chan struct{}
	pauseCh  chan struct{}
	resumeCh chan struct{}
	doneCh   chan struct{}

	jitterMu   sync.Mutex
	samples    int
	driftTotal time.Duration
	driftMax   time.Duration
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{Events: events.NewEmitter[Event]()}
}

// Start begins playback of items from the first entry. A running schedule is
// stopped first. Items must be non-empty.
func (s *Scheduler) Start(items []model.TimelineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("cannot start an empty timeline")
	}
	s.Stop()

	s.mu.Lock()
	s.items = append([]model.TimelineItem(nil), items...)
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.pauseCh = make(chan struct{}, 1)
	s.resumeCh = make(chan struct{}, 1)
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	run := s.items
	s.mu.Unlock()

	go s.run(run, stopCh, doneCh)
	return nil
}

// Stop cancels all outstanding timers and clears internal state. Safe to
// call when idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh

	s.mu.Lock()
	s.items = nil
	s.paused = false
	s.mu.Unlock()
}

// Pause freezes the current item: its timer is suspended and no events fire
// until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.paused = true
	select {
	case s.pauseCh <- struct{}{}:
	default:
	}
}

// Resume continues the current item with the remainder of its display
// budget.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return
	}
	s.paused = false
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// Running reports whether a timeline is active (paused counts as running).
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jitter returns accumulated timer drift statistics.
func (s *Scheduler) Jitter() JitterStats {
	s.jitterMu.Lock()
	defer s.jitterMu.Unlock()
	stats := JitterStats{Samples: s.samples, Max: s.driftMax}
	if s.samples > 0 {
		stats.Mean = s.driftTotal / time.Duration(s.samples)
	}
	return stats
}

func (s *Scheduler) run(items []model.TimelineItem, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	idx := 0
	loop := 0
	for {
		item := items[idx]

		s.Events.Emit(Event{Kind: EventPlayItem, Item: item})

		display := time.Duration(item.DisplayMs) * time.Millisecond
		transition := time.Duration(item.TransitionDurationMs) * time.Millisecond
		if transition > display {
			transition = display
		}

		if transition > 0 {
			if !s.wait(display-transition, stopCh) {
				return
			}
			next := items[(idx+1)%len(items)]
			s.Events.Emit(Event{
				Kind:       EventTransitionStart,
				Item:       item,
				Next:       &next,
				DurationMs: int(transition / time.Millisecond),
			})
			if !s.wait(transition, stopCh) {
				return
			}
		} else {
			if !s.wait(display, stopCh) {
				return
			}
		}

		s.Events.Emit(Event{Kind: EventItemComplete, Item: item})

		idx = (idx + 1) % len(items)
		if idx == 0 {
			loop++
			s.Events.Emit(Event{Kind: EventTimelineComplete, Loop: loop})
		}
	}
}

// wait sleeps for d, honoring stop and pause/resume. Returns false when the
// schedule was stopped. Drift between the requested and observed sleep is
// recorded as jitter; time.Since reads the monotonic clock.
func (s *Scheduler) wait(d time.Duration, stopCh chan struct{}) bool {
	remaining := d
	for {
		start := time.Now()
		timer := time.NewTimer(remaining)

		select {
		case <-stopCh:
			timer.Stop()
			return false

		case <-timer.C:
			s.recordDrift(time.Since(start) - remaining)
			return true

		case <-s.pauseCh:
			timer.Stop()
			elapsed := time.Since(start)
			remaining -= elapsed
			if remaining < 0 {
				remaining = 0
			}
			select {
			case <-stopCh:
				return false
			case <-s.resumeCh:
			}
		}
	}
}

func (s *Scheduler) recordDrift(drift time.Duration) {
	if drift < 0 {
		drift = 0
	}
	s.jitterMu.Lock()
	defer s.jitterMu.Unlock()
	s.samples++
	s.driftTotal += drift
	if drift > s.driftMax {
		s.driftMax = drift
	}
}
