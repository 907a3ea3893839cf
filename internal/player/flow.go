// SPDX-License-Identifier: MIT

// Package player implements the device-level state machine: boot, pairing,
// credential issuance, playback, and offline fallback. It owns the child
// supervision tree for the long-running pollers and sequences their
// lifecycle against the pairing state.
package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/hexmon/signage-player-go/internal/events"
	"github.com/hexmon/signage-player-go/internal/httpx"
	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/pairing"
	"github.com/hexmon/signage-player-go/internal/playback"
)

// Defaults for the pairing poll cadence.
const (
	pairingPollInterval = 5 * time.Second
	pairingRetryDelay   = 10 * time.Second
)

// CredentialStore answers whether usable device credentials exist.
type CredentialStore interface {
	VerifyCertificate() bool
	NeedsRenewal() bool
}

// Transport is refreshed when credential material changes and probed for
// connectivity.
type Transport interface {
	RefreshTLS() error
	CheckConnectivityDetailed(ctx context.Context) httpx.ConnectivityResult
}

// SnapshotSource is the snapshot manager surface the flow needs.
type SnapshotSource interface {
	suture.Service
	RestoreFromDisk()
	PlaylistEvents() *events.Emitter[model.PlaybackPlaylist]
	Playlist() (model.PlaybackPlaylist, bool)
}

// Capturer takes screenshots; nil disables the periodic loop.
type Capturer interface {
	Capture(ctx context.Context) (objectKey string, err error)
}

// Flow is the top-level state machine. It implements suture.Service and is
// normally the only child of the root supervisor.
type Flow struct {
	pairingSvc   *pairing.Service
	creds        CredentialStore
	transport    Transport
	snapshots    SnapshotSource
	engine       *playback.Engine
	services     []suture.Service // pollers supervised while playback runs
	renderer     events.RendererSink
	capturer     Capturer
	deviceInfo   pairing.DeviceInfo
	logger       *slog.Logger
	screenshotIv time.Duration
	healthIv     time.Duration
	onPaired     func(deviceID string) // persist the device identity

	// StatusChanged fires on every state transition with the composite
	// status record.
	StatusChanged *events.Emitter[model.PlayerStatus]

	mu             sync.Mutex
	state          model.PlayerState
	mode           model.PlaylistMode
	online         bool
	deviceID       string
	scheduleID     string
	lastSnapshotAt time.Time
	currentMediaID string
	lastError      string
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) FlowOption {
	return func(f *Flow) { f.logger = logger }
}

// WithCapturer enables the periodic screenshot loop.
func WithCapturer(c Capturer, interval time.Duration) FlowOption {
	return func(f *Flow) {
		f.capturer = c
		if interval > 0 {
			f.screenshotIv = interval
		}
	}
}

// WithHealthInterval sets the connectivity probe cadence.
func WithHealthInterval(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.healthIv = d
		}
	}
}

// WithDeviceInfo sets the hardware description sent when requesting codes.
func WithDeviceInfo(info pairing.DeviceInfo) FlowOption {
	return func(f *Flow) { f.deviceInfo = info }
}

// WithOnPaired registers the callback invoked with the backend-assigned
// device id after a successful pairing.
func WithOnPaired(fn func(deviceID string)) FlowOption {
	return func(f *Flow) { f.onPaired = fn }
}

// NewFlow assembles the state machine. services are the pollers (snapshot
// manager, command processor, default-media service, queue worker) started
// while playback runs; the snapshot source must also appear there.
func NewFlow(
	pairingSvc *pairing.Service,
	creds CredentialStore,
	transport Transport,
	snapshots SnapshotSource,
	engine *playback.Engine,
	renderer events.RendererSink,
	services []suture.Service,
	opts ...FlowOption,
) *Flow {
	f := &Flow{
		pairingSvc:    pairingSvc,
		creds:         creds,
		transport:     transport,
		snapshots:     snapshots,
		engine:        engine,
		renderer:      renderer,
		services:      services,
		screenshotIv:  5 * time.Minute,
		healthIv:      time.Minute,
		StatusChanged: events.NewEmitter[model.PlayerStatus](),
		state:         model.StateBoot,
		mode:          model.ModeEmpty,
	}
	if f.renderer == nil {
		f.renderer = events.NopRenderer{}
	}
	for _, opt := range opts {
		opt(f)
	}

	engine.OnFatal = f.onPlaybackFatal
	return f
}

// String names the service in supervisor logs.
func (f *Flow) String() string { return "player-flow" }

// Status returns the composite status record exposed to the renderer.
func (f *Flow) Status() model.PlayerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked()
}

func (f *Flow) statusLocked() model.PlayerStatus {
	return model.PlayerStatus{
		State:          f.state,
		Mode:           f.mode,
		Online:         f.online,
		DeviceID:       f.deviceID,
		ScheduleID:     f.scheduleID,
		LastSnapshotAt: f.lastSnapshotAt,
		CurrentMediaID: f.currentMediaID,
		Error:          f.lastError,
	}
}

func (f *Flow) setState(state model.PlayerState) {
	f.mu.Lock()
	if f.state == state {
		f.mu.Unlock()
		return
	}
	f.state = state
	status := f.statusLocked()
	f.mu.Unlock()

	f.logf("player state changed", slog.String("state", string(state)))
	f.StatusChanged.Emit(status)
	f.renderer.PlayerStatus(status)
}

// Serve runs the lifecycle until ctx is cancelled.
func (f *Flow) Serve(ctx context.Context) error {
	f.setState(model.StateBoot)

	f.mu.Lock()
	f.deviceID = f.pairingSvc.DeviceID()
	f.mu.Unlock()

	// Play whatever survived the restart before touching the network.
	f.snapshots.RestoreFromDisk()

	unsubscribe := f.snapshots.PlaylistEvents().Subscribe(f.onPlaylist)
	defer unsubscribe()

	if !f.hasCredentials() {
		if err := f.runPairing(ctx); err != nil {
			return err
		}
	} else {
		f.logf("credentials present, skipping pairing")
		if f.creds.NeedsRenewal() {
			f.logf("client certificate approaching expiry; re-pair before it lapses")
		}
	}

	if err := f.transport.RefreshTLS(); err != nil {
		f.logf("TLS refresh failed", slog.Any("error", err))
	}

	return f.runPlayback(ctx)
}

func (f *Flow) hasCredentials() bool {
	return f.pairingSvc.DeviceID() != "" && f.creds.VerifyCertificate()
}

// runPairing drives UNPAIRED -> ... -> CERT_ISSUED, requesting fresh codes
// whenever one expires.
func (f *Flow) runPairing(ctx context.Context) error {
	for {
		f.setState(model.StateNeedPairing)

		code, err := f.pairingSvc.RequestCode(ctx, f.deviceInfo)
		if err != nil {
			f.setError(err)
			f.logf("pairing code request failed", slog.Any("error", err))
			if !sleepCtx(ctx, pairingRetryDelay) {
				return ctx.Err()
			}
			continue
		}
		f.clearError()

		f.mu.Lock()
		f.deviceID = code.DeviceID
		f.mu.Unlock()

		f.setState(model.StatePairingRequested)
		f.logf("pairing code issued",
			slog.String("code", code.Code), slog.String("deviceId", code.DeviceID))
		f.setState(model.StateWaitingConfirmation)

		confirmed, err := f.awaitConfirmation(ctx)
		if err != nil {
			return err
		}
		if !confirmed {
			// Code expired; loop requests a new one.
			continue
		}

		if err := f.pairingSvc.Complete(ctx); err != nil {
			f.setError(err)
			f.logf("pairing completion failed", slog.Any("error", err))
			if f.pairingSvc.State() == pairing.StateUnpaired {
				continue // 404: new code
			}
			if !sleepCtx(ctx, pairingRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		f.clearError()
		f.mu.Lock()
		f.deviceID = f.pairingSvc.DeviceID()
		deviceID := f.deviceID
		f.mu.Unlock()

		f.setState(model.StateCertIssued)
		if f.onPaired != nil {
			f.onPaired(deviceID)
		}
		return nil
	}
}

// awaitConfirmation polls pairing status until the operator confirms, the
// code expires (returns false), or ctx ends.
func (f *Flow) awaitConfirmation(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(pairingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			paired, err := f.pairingSvc.FetchStatus(ctx)
			if err != nil {
				if f.pairingSvc.State() == pairing.StateUnpaired {
					return false, nil // code expired, request a new one
				}
				f.logf("pairing status poll failed", slog.Any("error", err))
				continue
			}
			if paired {
				return true, nil
			}
		}
	}
}

// runPlayback supervises the pollers and the auxiliary loops until ctx ends.
func (f *Flow) runPlayback(ctx context.Context) error {
	f.setState(model.StatePlaybackRunning)

	// A device that booted onto a restored offline playlist is already in
	// fallback; don't wait for the next poll to admit it.
	if pl, ok := f.snapshots.Playlist(); ok &&
		(pl.Mode == model.ModeOffline || pl.Mode == model.ModeEmpty) {
		f.setState(model.StateOfflineFallback)
	}

	sup := suture.NewSimple("player-services")
	for _, svc := range f.services {
		sup.Add(svc)
	}

	supCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := sup.ServeBackground(supCtx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.connectivityLoop(supCtx)
	}()
	go func() {
		defer wg.Done()
		f.screenshotLoop(supCtx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logf("service tree terminated", slog.Any("error", err))
		}
	}

	// Stop in reverse: pollers first, then playback.
	cancel()
	wg.Wait()
	f.engine.Stop()
	return ctx.Err()
}

// onPlaylist tracks playlist-driven state: playback metadata plus the
// PLAYBACK_RUNNING <-> OFFLINE_FALLBACK transition.
func (f *Flow) onPlaylist(playlist model.PlaybackPlaylist) {
	f.engine.Apply(playlist)

	f.mu.Lock()
	f.mode = playlist.Mode
	f.scheduleID = playlist.ScheduleID
	f.lastSnapshotAt = playlist.LastSnapshotAt
	state := f.state
	f.mu.Unlock()

	switch playlist.Mode {
	case model.ModeOffline, model.ModeEmpty:
		if state == model.StatePlaybackRunning {
			f.setState(model.StateOfflineFallback)
		}
	default:
		if state == model.StateOfflineFallback || state == model.StatePlaybackRunning {
			f.setState(model.StatePlaybackRunning)
		}
	}

	f.publishStatus()
}

func (f *Flow) onPlaybackFatal(err error) {
	f.setError(err)
	f.logf("playback stopped on error budget", slog.Any("error", err))
	f.publishStatus()
}

func (f *Flow) connectivityLoop(ctx context.Context) {
	ticker := time.NewTicker(f.healthIv)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result := f.transport.CheckConnectivityDetailed(probeCtx)
		cancel()

		f.mu.Lock()
		changed := f.online != result.Online
		f.online = result.Online
		f.mu.Unlock()
		if changed {
			f.logf("connectivity changed", slog.Bool("online", result.Online))
			f.publishStatus()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Flow) screenshotLoop(ctx context.Context) {
	if f.capturer == nil {
		return
	}
	ticker := time.NewTicker(f.screenshotIv)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shotCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			key, err := f.capturer.Capture(shotCtx)
			cancel()
			if err != nil {
				f.logf("periodic screenshot failed", slog.Any("error", err))
				continue
			}
			f.logf("screenshot uploaded", slog.String("objectKey", key))
		}
	}
}

// SetCurrentMedia implements events.TelemetrySink so the flow's status
// record always names what is on screen.
func (f *Flow) SetCurrentMedia(mediaID string) {
	f.mu.Lock()
	f.currentMediaID = mediaID
	f.mu.Unlock()
	f.publishStatus()
}

func (f *Flow) publishStatus() {
	f.mu.Lock()
	status := f.statusLocked()
	f.mu.Unlock()
	f.StatusChanged.Emit(status)
	f.renderer.PlayerStatus(status)
}

func (f *Flow) setError(err error) {
	f.mu.Lock()
	f.lastError = err.Error()
	f.mu.Unlock()
}

func (f *Flow) clearError() {
	f.mu.Lock()
	f.lastError = ""
	f.mu.Unlock()
}

func (f *Flow) logf(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Info(msg, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
