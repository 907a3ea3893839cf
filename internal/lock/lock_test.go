// SPDX-License-Identifier: MIT

//go:build linux || darwin

package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestTryAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.lock")

	l, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !l.Held() {
		t.Error("Held() = false after acquire")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("lock file does not contain a PID: %q", data)
	}
	if pid != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", pid, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if l.Held() {
		t.Error("Held() = true after release")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file not removed on release")
	}
}

func TestTryAcquireIdempotentWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.lock")

	l, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	if err := l.TryAcquire(); err != nil {
		t.Fatalf("second TryAcquire() on same handle error = %v", err)
	}
}

func TestStaleLockIsRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.lock")

	// A PID that cannot exist: beyond the default pid_max.
	if err := os.WriteFile(path, []byte("99999999\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	l, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() over stale lock error = %v", err)
	}
	_ = l.Release()
}

func TestReleaseWithoutAcquireFails(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "player.lock"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.Release(); err == nil {
		t.Error("Release() without acquire = nil, want error")
	}
}
