// SPDX-License-Identifier: MIT

// Package main implements signage-setup, the interactive provisioning tool
// for signage-player devices.
//
// signage-setup walks an installer through first-boot tasks without
// memorizing CLI flags: writing the backend URL, running the pairing flow
// (showing the code the operator types into the CMS), inspecting daemon
// health, and re-pairing a device with fresh credentials.
//
// Usage:
//
//	signage-setup [command]
//
// Commands:
//
//	(none)     Interactive menu
//	status     Print daemon health and exit
//	pair       Run the pairing flow and exit
//	version    Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/hexmon/signage-player-go/internal/certs"
	"github.com/hexmon/signage-player-go/internal/config"
	"github.com/hexmon/signage-player-go/internal/httpx"
	"github.com/hexmon/signage-player-go/internal/pairing"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	healthAddr = flag.String("health-addr", "127.0.0.1:9802", "Daemon health endpoint")
)

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("signage-setup %s (%s) built %s\n", Version, GitCommit, BuildDate)
			return nil
		case "status":
			return runStatus()
		case "pair":
			return runPairing()
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}
	return runMenu()
}

func runMenu() error {
	for {
		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Signage Player Setup").
				Description(fmt.Sprintf("config: %s", *configPath)).
				Options(
					huh.NewOption("Show daemon status", "status"),
					huh.NewOption("Configure backend", "configure"),
					huh.NewOption("Pair this device", "pair"),
					huh.NewOption("Re-pair (wipe credentials)", "repair"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return err
		}

		var err error
		switch choice {
		case "status":
			err = runStatus()
		case "configure":
			err = runConfigure()
		case "pair":
			err = runPairing()
		case "repair":
			err = runRepair()
		case "quit":
			return nil
		}
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				continue
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		}
	}
}

// runStatus queries the local daemon's health endpoint.
func runStatus() error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", *healthAddr))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is signage-player running?): %w", *healthAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var pretty map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runConfigure edits the backend settings, backing up the previous config.
func runConfigure() error {
	cfg := loadOrDefault()

	apiBase := cfg.APIBase
	label, _ := os.Hostname()
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Backend URL").
			Description("HTTPS base URL of the content backend").
			Placeholder("https://cms.example.com").
			Value(&apiBase),
		huh.NewInput().
			Title("Device label").
			Description("Shown to operators in the CMS").
			Value(&label),
	))
	if err := form.Run(); err != nil {
		return err
	}

	cfg.APIBase = apiBase
	cfg.DeriveWSURL()
	if err := cfg.Validate(); err != nil {
		return err
	}

	backupDir := config.BackupDir(*configPath)
	if _, err := config.BackupBeforeSave(cfg, *configPath, backupDir); err != nil {
		return err
	}
	if _, err := config.Rotate(backupDir, filepath.Base(*configPath), config.DefaultKeepBackups); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", *configPath)
	return nil
}

// runPairing drives the pairing exchange interactively, displaying the code
// the operator must confirm in the CMS.
func runPairing() error {
	cfg := loadOrDefault()
	if cfg.APIBase == "" {
		return fmt.Errorf("no backend configured; run Configure first")
	}

	mgr, err := certs.NewManager(filepath.Dir(cfg.MTLS.CertPath),
		certs.WithRenewBeforeDays(cfg.MTLS.RenewBeforeDays))
	if err != nil {
		return err
	}
	if mgr.VerifyCertificate() {
		var rerun bool
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Device already has valid credentials. Pair again?").
				Value(&rerun),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !rerun {
			return nil
		}
	}

	client := httpx.NewClient(cfg.APIBase)
	svc := pairing.NewService(client, mgr, cfg.DeviceID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host, _ := os.Hostname()
	code, err := svc.RequestCode(ctx, pairing.DeviceInfo{
		DeviceLabel: host,
		Width:       1920,
		Height:      1080,
		Orientation: "landscape",
	})
	if err != nil {
		return fmt.Errorf("request pairing code: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Pairing code:  %s\n", code.Code)
	fmt.Printf("  Device id:     %s\n", code.DeviceID)
	if !code.ExpiresAt.IsZero() {
		fmt.Printf("  Expires:       %s\n", code.ExpiresAt.Format(time.RFC1123))
	}
	fmt.Println()
	fmt.Println("Enter this code in the CMS to confirm the device. Waiting...")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		paired, err := svc.FetchStatus(ctx)
		if err != nil {
			if svc.State() == pairing.StateUnpaired {
				return fmt.Errorf("pairing code expired; run pairing again")
			}
			fmt.Printf("  (status check failed: %v)\n", err)
			continue
		}
		if paired {
			break
		}
	}

	if err := svc.Complete(ctx); err != nil {
		return fmt.Errorf("complete pairing: %w", err)
	}

	cfg.DeviceID = svc.DeviceID()
	if err := cfg.Save(*configPath); err != nil {
		return fmt.Errorf("persist device identity: %w", err)
	}

	fmt.Printf("Paired. Credentials stored under %s\n", filepath.Dir(cfg.MTLS.CertPath))
	fmt.Println("Restart signage-player to start playback with mTLS.")
	return nil
}

// runRepair wipes credential material after confirmation.
func runRepair() error {
	cfg := loadOrDefault()

	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Delete all device credentials?").
			Description("The device stops playing until it is paired again.").
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	mgr, err := certs.NewManager(filepath.Dir(cfg.MTLS.CertPath))
	if err != nil {
		return err
	}
	if err := mgr.DeleteCertificates(); err != nil {
		return err
	}

	cfg.DeviceID = ""
	if err := cfg.Save(*configPath); err != nil {
		return err
	}

	fmt.Println("Credentials deleted. Run pairing to re-enroll the device.")
	return runPairing()
}

func loadOrDefault() *config.Config {
	loader, err := config.NewLoader(config.WithFile(*configPath))
	if err == nil {
		if cfg, err := loader.Load(); err == nil {
			return cfg
		}
	}
	return config.Default()
}
