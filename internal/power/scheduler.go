// SPDX-License-Identifier: MIT

// Package power schedules display on/off windows. When the panel is off the
// playback engine pauses, so an item's display budget resumes where it left
// off in the morning.
package power

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hexmon/signage-player-go/internal/config"
)

// Sink receives display power transitions.
type Sink interface {
	DisplayOn()
	DisplayOff()
}

// Scheduler drives the configured on/off windows with cron entries.
type Scheduler struct {
	cfg    config.PowerConfig
	sink   Sink
	logger *slog.Logger
	cron   *cron.Cron

	mu sync.Mutex
	on bool
}

// NewScheduler creates a power scheduler; it does nothing until Start.
func NewScheduler(cfg config.PowerConfig, sink Sink, logger *slog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, sink: sink, logger: logger, on: true}
}

// Start registers the cron entries and applies the state the device should
// currently be in. No-op when scheduling is disabled.
func (s *Scheduler) Start() error {
	if !s.cfg.ScheduleEnabled {
		return nil
	}

	onSpec, err := cronSpec(s.cfg.OnTime)
	if err != nil {
		return fmt.Errorf("power.onTime: %w", err)
	}
	offSpec, err := cronSpec(s.cfg.OffTime)
	if err != nil {
		return fmt.Errorf("power.offTime: %w", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(onSpec, s.displayOn); err != nil {
		return fmt.Errorf("schedule display-on: %w", err)
	}
	if _, err := c.AddFunc(offSpec, s.displayOff); err != nil {
		return fmt.Errorf("schedule display-off: %w", err)
	}
	s.cron = c
	c.Start()

	// Apply the state the schedule implies right now; a device booted at
	// 03:00 with a 08:00-20:00 window must start dark.
	if withinWindow(time.Now(), s.cfg.OnTime, s.cfg.OffTime) {
		s.displayOn()
	} else {
		s.displayOff()
	}
	return nil
}

// Stop halts the cron entries and leaves the display on.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.displayOn()
}

// On reports whether the display is currently scheduled on.
func (s *Scheduler) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *Scheduler) displayOn() {
	s.mu.Lock()
	if s.on {
		s.mu.Unlock()
		return
	}
	s.on = true
	s.mu.Unlock()

	s.logf("display on")
	if s.sink != nil {
		s.sink.DisplayOn()
	}
}

func (s *Scheduler) displayOff() {
	s.mu.Lock()
	if !s.on {
		s.mu.Unlock()
		return
	}
	s.on = false
	s.mu.Unlock()

	s.logf("display off")
	if s.sink != nil {
		s.sink.DisplayOff()
	}
}

func (s *Scheduler) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

// cronSpec converts "HH:MM" into a daily cron entry.
func cronSpec(hhmm string) (string, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func parseHHMM(hhmm string) (int, int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("not HH:MM: %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", hhmm)
	}
	return h, m, nil
}

// withinWindow reports whether now falls inside the on-window, handling
// windows that cross midnight (e.g. on 20:00, off 06:00).
func withinWindow(now time.Time, onTime, offTime string) bool {
	onH, onM, err := parseHHMM(onTime)
	if err != nil {
		return true
	}
	offH, offM, err := parseHHMM(offTime)
	if err != nil {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	on := onH*60 + onM
	off := offH*60 + offM

	if on < off {
		return minutes >= on && minutes < off
	}
	return minutes >= on || minutes < off
}
