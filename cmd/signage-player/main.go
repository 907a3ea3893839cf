// SPDX-License-Identifier: MIT

// Package main implements the signage-player daemon, the device-resident
// control plane of a digital signage display.
//
// signage-player is designed for 24/7 unattended operation: it pairs the
// device with the content backend, keeps a local media cache fresh from the
// published schedule, drives playback on a timeline, processes remote
// commands, and keeps playing from cache when the network goes away.
//
// Usage:
//
//	signage-player [options]
//
// Options:
//
//	--config=PATH       Path to config file (default: /etc/signage-player/config.json)
//	--lock-file=PATH    Single-instance lock file (default: /var/run/signage-player.lock)
//	--health-addr=ADDR  Local health endpoint (default: 127.0.0.1:9802)
//	--log-level=LEVEL   Override configured level: debug, info, warn, error
//	--version           Print version and exit
//
// The daemon exits with code 86 when a REBOOT command asks the init system
// to relaunch it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/hexmon/signage-player-go/internal/cache"
	"github.com/hexmon/signage-player-go/internal/certs"
	"github.com/hexmon/signage-player-go/internal/command"
	"github.com/hexmon/signage-player-go/internal/config"
	"github.com/hexmon/signage-player-go/internal/defaultmedia"
	"github.com/hexmon/signage-player-go/internal/health"
	"github.com/hexmon/signage-player-go/internal/httpx"
	"github.com/hexmon/signage-player-go/internal/lock"
	"github.com/hexmon/signage-player-go/internal/pairing"
	"github.com/hexmon/signage-player-go/internal/playback"
	"github.com/hexmon/signage-player-go/internal/player"
	"github.com/hexmon/signage-player-go/internal/playererr"
	"github.com/hexmon/signage-player-go/internal/power"
	"github.com/hexmon/signage-player-go/internal/queue"
	"github.com/hexmon/signage-player-go/internal/snapshot"
	"github.com/hexmon/signage-player-go/internal/timeline"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// RebootExitCode tells the init system a relaunch was requested, not a crash.
const RebootExitCode = 86

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	lockFile    = flag.String("lock-file", "/var/run/signage-player.lock", "Single-instance lock file")
	healthAddr  = flag.String("health-addr", "127.0.0.1:9802", "Local health endpoint address")
	logLevel    = flag.String("log-level", "", "Override log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("signage-player %s (%s) built %s\n", Version, Commit, BuildTime)
		os.Exit(0)
	}

	loader, err := config.NewLoader(config.WithFile(*configPath))
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		var ce *playererr.ConfigError
		if errors.As(err, &ce) {
			fatalf("configuration invalid: %v", err)
		}
		fatalf("load configuration: %v", err)
	}

	logger := newLogger(cfg.Log.Level, *logLevel)
	logger.Info("signage-player starting",
		slog.String("version", Version),
		slog.String("commit", Commit),
		slog.String("apiBase", cfg.APIBase))

	instanceLock, err := lock.New(*lockFile)
	if err != nil {
		fatalf("prepare instance lock: %v", err)
	}
	if err := instanceLock.TryAcquire(); err != nil {
		if errors.Is(err, lock.ErrAlreadyRunning) {
			fatalf("another signage-player instance is already running")
		}
		fatalf("acquire instance lock: %v", err)
	}
	defer func() { _ = instanceLock.Release() }()

	a, err := buildApp(cfg, logger)
	if err != nil {
		fatalf("wire services: %v", err)
	}

	if err := a.power.Start(); err != nil {
		logger.Warn("power schedule disabled", slog.Any("error", err))
	}
	defer a.power.Stop()

	root := suture.NewSimple("signage-player")
	root.Add(a.flow)
	root.Add(health.NewServer(*healthAddr, a))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("signage-player stopped")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "signage-player: "+format+"\n", args...)
	os.Exit(1)
}

func newLogger(configured, override string) *slog.Logger {
	level := slog.LevelInfo
	chosen := configured
	if override != "" {
		chosen = override
	}
	switch chosen {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// app holds the wired object graph. Construction happens exactly once at
// startup; everything is passed by reference from here.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	client    *httpx.Client
	cache     *cache.Manager
	queue     *queue.Queue
	scheduler *timeline.Scheduler
	engine    *playback.Engine
	snapshots *snapshot.Manager
	commands  *command.Processor
	flow      *player.Flow
	power     *power.Scheduler
	startedAt time.Time
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, startedAt: time.Now()}

	certDir := filepath.Dir(cfg.MTLS.CertPath)
	certManager, err := certs.NewManager(certDir,
		certs.WithRenewBeforeDays(cfg.MTLS.RenewBeforeDays),
		certs.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("certificate manager: %w", err)
	}

	a.client = httpx.NewClient(cfg.APIBase, httpx.WithTLSProvider(certManager))
	if err := a.client.RefreshTLS(); err != nil {
		logger.Warn("mTLS material unavailable at boot", slog.Any("error", err))
	}

	a.cache, err = cache.NewManager(cfg.Cache.Path, cfg.Cache.MaxBytes, a.client,
		cache.WithPrefetchConcurrency(cfg.Cache.PrefetchConcurrency),
		cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("cache manager: %w", err)
	}

	a.queue, err = queue.New(filepath.Join(cfg.Cache.Path, "queue.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("request queue: %w", err)
	}
	queueWorker := queue.NewWorker(a.queue, a.client, logger)

	pairingSvc := pairing.NewService(a.client, certManager, cfg.DeviceID,
		pairing.WithLogger(logger))

	a.snapshots = snapshot.NewManager(a.client, a.cache, pairingSvc, cfg.Cache.Path,
		snapshot.WithInterval(cfg.Intervals.SchedulePoll()),
		snapshot.WithLogger(logger))

	renderer := newLoggingRenderer(logger)
	telemetry := &telemetryRelay{}
	a.scheduler = timeline.NewScheduler()
	a.engine = playback.NewEngine(a.scheduler, renderer, newLoggingProofOfPlay(logger), telemetry, a.cache,
		playback.WithLogger(logger))

	a.commands = command.NewProcessor(a.client, a.queue, command.Effects{
		RequestReboot: func() {
			logger.Info("relaunch requested by backend command")
			os.Exit(RebootExitCode)
		},
		RefreshSchedule: a.snapshots.Refresh,
		ClearCache:      a.cache.Clear,
		Uptime:          func() time.Duration { return time.Since(a.startedAt) },
		Version:         Version,
	}, pairingSvc.DeviceID,
		command.WithPollInterval(cfg.Intervals.CommandPoll()),
		command.WithLogger(logger))

	defaultMedia := defaultmedia.NewService(a.client, cfg.Cache.Path,
		defaultmedia.WithInterval(cfg.Intervals.DefaultMediaPoll()),
		defaultmedia.WithLogger(logger))
	defaultMedia.Changed.Subscribe(renderer.DefaultMediaChanged)

	a.flow = player.NewFlow(pairingSvc, certManager, a.client, a.snapshots, a.engine, renderer,
		[]suture.Service{a.snapshots, a.commands, defaultMedia, queueWorker},
		player.WithLogger(logger),
		player.WithHealthInterval(time.Duration(cfg.Intervals.HealthCheckMs)*time.Millisecond),
		player.WithDeviceInfo(deviceInfo(cfg)),
		player.WithOnPaired(func(deviceID string) {
			cfg.DeviceID = deviceID
			if err := cfg.Save(*configPath); err != nil {
				logger.Error("persist device identity failed", slog.Any("error", err))
			}
		}))
	telemetry.sink = a.flow

	a.power = power.NewScheduler(cfg.Power, engineSink{a.engine}, logger)
	return a, nil
}

func deviceInfo(cfg *config.Config) pairing.DeviceInfo {
	host, _ := os.Hostname()
	if host == "" {
		host = "signage-device"
	}
	return pairing.DeviceInfo{
		DeviceLabel: host,
		Width:       1920,
		Height:      1080,
		Orientation: "landscape",
		Codecs:      []string{"h264", "vp9"},
	}
}

// HealthSnapshot implements health.Provider.
func (a *app) HealthSnapshot() health.Snapshot {
	status := a.flow.Status()

	healthy := "healthy"
	if status.Error != "" {
		healthy = "degraded"
	}

	return health.Snapshot{
		Status:         healthy,
		Player:         status,
		Cache:          a.cache.Stats(),
		Jitter:         a.scheduler.Jitter(),
		QueueDepth:     a.queue.Len(),
		UptimeSeconds:  time.Since(a.startedAt).Seconds(),
		Version:        Version,
		WSState:        "disconnected",
		LastSnapshotAt: status.LastSnapshotAt,
	}
}

// engineSink maps display power transitions onto playback pause/resume.
type engineSink struct {
	engine *playback.Engine
}

func (s engineSink) DisplayOn()  { s.engine.Resume() }
func (s engineSink) DisplayOff() { s.engine.Pause() }

// telemetryRelay breaks the engine<->flow construction cycle: the engine is
// built before the flow, so the relay forwards once the sink exists.
type telemetryRelay struct {
	sink interface{ SetCurrentMedia(string) }
}

func (r *telemetryRelay) SetCurrentMedia(mediaID string) {
	if r.sink != nil {
		r.sink.SetCurrentMedia(mediaID)
	}
}
