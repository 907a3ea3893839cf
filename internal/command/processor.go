// SPDX-License-Identifier: MIT

// Package command polls the backend for remote commands and executes them:
// reboot, schedule refresh, screenshot, cache clear, ping. Commands are
// processed sequentially in receive order, deduplicated by id, rate-limited
// per type, and acknowledged idempotently; failed acks are handed to the
// persistent retry queue.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hexmon/signage-player-go/internal/model"
)

const (
	// DefaultPollInterval between command fetches.
	DefaultPollInterval = 30 * time.Second

	// DefaultRateLimitWindow is the minimum spacing between two executions
	// of the same command type.
	DefaultRateLimitWindow = 60 * time.Second

	// HistoryLimit bounds the retained command results.
	HistoryLimit = 100

	// RebootDelay between acking a REBOOT and asking the host to relaunch.
	RebootDelay = 2 * time.Second
)

// Backend fetches commands and delivers acks.
type Backend interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
}

// AckQueue receives acks that could not be delivered immediately.
type AckQueue interface {
	Enqueue(method, url string, payload any, maxRetries int) (string, error)
}

// Effects are the host capabilities commands act on. Nil members disable the
// corresponding command with an "unsupported" ack.
type Effects struct {
	// RequestReboot asks the host to relaunch the process. Called after
	// RebootDelay, never synchronously.
	RequestReboot func()

	// RefreshSchedule forces an immediate snapshot cycle.
	RefreshSchedule func(ctx context.Context) error

	// CaptureScreenshot captures and uploads a screenshot, returning the
	// stored object key.
	CaptureScreenshot func(ctx context.Context) (string, error)

	// ClearCache clears the media cache.
	ClearCache func(force bool) error

	// Uptime reports process uptime for PING.
	Uptime func() time.Duration

	// Version is the build version reported by PING.
	Version string
}

// Processor is the polled command channel. It implements suture.Service.
type Processor struct {
	backend  Backend
	queue    AckQueue
	effects  Effects
	deviceID func() string
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	lastRun  map[model.CommandType]time.Time
	history  []model.CommandResult
}

// Option configures a Processor.
type Option func(*Processor)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRateLimitWindow overrides the per-type rate limit window (tests).
func WithRateLimitWindow(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a command processor for the device identified by
// deviceID (evaluated per poll; unpaired devices skip polling).
func NewProcessor(backend Backend, queue AckQueue, effects Effects, deviceID func() string, opts ...Option) *Processor {
	p := &Processor{
		backend:  backend,
		queue:    queue,
		effects:  effects,
		deviceID: deviceID,
		interval: DefaultPollInterval,
		window:   DefaultRateLimitWindow,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		lastRun:  make(map[model.CommandType]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// String names the service in supervisor logs.
func (p *Processor) String() string { return "command-processor" }

// Serve polls for commands until ctx is cancelled.
func (p *Processor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

type commandList struct {
	Commands []model.Command `json:"commands"`
}

// Poll fetches pending commands and processes them in order.
func (p *Processor) Poll(ctx context.Context) {
	deviceID := p.deviceID()
	if deviceID == "" {
		return
	}

	var list commandList
	if err := p.backend.GetJSON(ctx, fmt.Sprintf("/v1/device/%s/commands", deviceID), &list); err != nil {
		p.logf(slog.LevelWarn, "command poll failed", slog.Any("error", err))
		return
	}

	for _, cmd := range list.Commands {
		p.process(ctx, deviceID, cmd)
	}
}

func (p *Processor) process(ctx context.Context, deviceID string, cmd model.Command) {
	p.mu.Lock()
	if _, dup := p.inFlight[cmd.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.inFlight[cmd.ID] = struct{}{}

	if last, ok := p.lastRun[cmd.Type]; ok && p.now().Sub(last) < p.window {
		p.mu.Unlock()
		result := model.CommandResult{
			CommandID:   cmd.ID,
			Type:        cmd.Type,
			Success:     false,
			Error:       "Rate limited",
			CompletedAt: p.now().UTC(),
		}
		p.record(result)
		p.ack(ctx, deviceID, cmd, result)
		return
	}
	p.mu.Unlock()

	result := p.dispatch(ctx, cmd)
	result.CompletedAt = p.now().UTC()

	p.record(result)
	p.ack(ctx, deviceID, cmd, result)

	p.mu.Lock()
	p.lastRun[cmd.Type] = p.now()
	p.mu.Unlock()
}

func (p *Processor) dispatch(ctx context.Context, cmd model.Command) model.CommandResult {
	result := model.CommandResult{CommandID: cmd.ID, Type: cmd.Type}

	switch cmd.Type {
	case model.CommandReboot:
		if p.effects.RequestReboot == nil {
			return unsupported(result)
		}
		// Ack first, relaunch later: the backend must see the command
		// succeed before the process goes away.
		reboot := p.effects.RequestReboot
		time.AfterFunc(RebootDelay, reboot)
		result.Success = true
		result.Data = map[string]any{"rebootInMs": int(RebootDelay / time.Millisecond)}

	case model.CommandRefreshSchedule:
		if p.effects.RefreshSchedule == nil {
			return unsupported(result)
		}
		if err := p.effects.RefreshSchedule(ctx); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
		}

	case model.CommandScreenshot:
		if p.effects.CaptureScreenshot == nil {
			return unsupported(result)
		}
		key, err := p.effects.CaptureScreenshot(ctx)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Data = map[string]any{"objectKey": key}
		}

	case model.CommandClearCache:
		if p.effects.ClearCache == nil {
			return unsupported(result)
		}
		force, _ := cmd.Params["force"].(bool)
		if err := p.effects.ClearCache(force); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Data = map[string]any{"force": force}
		}

	case model.CommandPing:
		result.Success = true
		data := map[string]any{"version": p.effects.Version}
		if p.effects.Uptime != nil {
			data["uptimeMs"] = p.effects.Uptime().Milliseconds()
		}
		result.Data = data

	case model.CommandTestPattern:
		// Accepted but rendering is the window host's concern.
		result.Success = true

	default:
		result.Error = fmt.Sprintf("Unknown command type: %s", cmd.Type)
	}

	return result
}

func unsupported(result model.CommandResult) model.CommandResult {
	result.Error = fmt.Sprintf("command %s unsupported on this device", result.Type)
	return result
}

type ackPayload struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (p *Processor) ack(ctx context.Context, deviceID string, cmd model.Command, result model.CommandResult) {
	url := fmt.Sprintf("/v1/device/%s/commands/%s/ack", deviceID, cmd.ID)
	payload := ackPayload{Success: result.Success, Error: result.Error, Data: result.Data}

	if err := p.backend.PostJSON(ctx, url, payload, nil); err != nil {
		p.logf(slog.LevelWarn, "ack failed, queueing for retry",
			slog.String("commandId", cmd.ID), slog.Any("error", err))
		if p.queue != nil {
			if _, qerr := p.queue.Enqueue("POST", url, payload, 0); qerr != nil {
				p.logf(slog.LevelError, "queueing ack failed", slog.Any("error", qerr))
			}
		}
	}
}

// record appends to the bounded result history (FIFO eviction).
func (p *Processor) record(result model.CommandResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, result)
	if len(p.history) > HistoryLimit {
		p.history = p.history[len(p.history)-HistoryLimit:]
	}
}

// History returns a copy of the retained command results, oldest first.
func (p *Processor) History() []model.CommandResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.CommandResult(nil), p.history...)
}

func (p *Processor) logf(level slog.Level, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Log(context.Background(), level, msg, args...)
	}
}
