// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultKeepBackups is the number of config backups retained by Rotate.
	DefaultKeepBackups = 10

	backupSuffix          = ".bak"
	backupTimestampFormat = "2006-01-02T15-04-05"
)

// BackupInfo describes one retained config backup.
type BackupInfo struct {
	Path      string
	Name      string
	Timestamp time.Time
	Size      int64
}

// BackupDir returns the backup directory for a config path: a "backups"
// subdirectory next to the config file.
func BackupDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "backups")
}

// Backup copies the current config file into backupDir with a timestamped
// name, e.g. config.json.2026-03-01T10-30-00.bak. Returns the backup path.
func Backup(configPath, backupDir string) (string, error) {
	info, err := os.Stat(configPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config path %s is a directory", configPath)
	}

	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- operator-controlled path
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	base := filepath.Base(configPath)
	stamp := time.Now().Format(backupTimestampFormat)
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s.%s%s", base, stamp, backupSuffix))
	if _, err := os.Stat(backupPath); err == nil {
		// Same-second collision; disambiguate with milliseconds.
		stamp = time.Now().Format("2006-01-02T15-04-05.000")
		backupPath = filepath.Join(backupDir, fmt.Sprintf("%s.%s%s", base, stamp, backupSuffix))
	}

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// ListBackups returns backups of configName in backupDir, newest first.
func ListBackups(backupDir, configName string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		if configName != "" && !strings.HasPrefix(name, configName+".") {
			continue
		}
		ts, err := parseBackupTimestamp(name)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, name),
			Name:      name,
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Restore replaces configPath with the contents of backupPath after a syntax
// check, backing up the current config first. Returns the path of that
// pre-restore backup (empty when no config existed).
func Restore(backupPath, configPath, backupDir string) (string, error) {
	data, err := os.ReadFile(backupPath) // #nosec G304 -- path from ListBackups
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}
	if err := validateSyntax(configPath, data); err != nil {
		return "", fmt.Errorf("backup is not restorable: %w", err)
	}

	var previous string
	if _, err := os.Stat(configPath); err == nil {
		previous, err = Backup(configPath, backupDir)
		if err != nil {
			return "", fmt.Errorf("backup current config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return previous, fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return previous, fmt.Errorf("restore config: %w", err)
	}
	return previous, nil
}

// Rotate deletes old backups of configName, keeping the newest keepCount.
// Returns how many were removed.
func Rotate(backupDir, configName string, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, fmt.Errorf("keepCount must not be negative")
	}
	backups, err := ListBackups(backupDir, configName)
	if err != nil {
		return 0, err
	}
	if len(backups) <= keepCount {
		return 0, nil
	}
	deleted := 0
	for _, b := range backups[keepCount:] {
		if err := os.Remove(b.Path); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// BackupBeforeSave backs up the existing config (if any) and then saves cfg.
func BackupBeforeSave(cfg *Config, configPath, backupDir string) (string, error) {
	var backupPath string
	if _, err := os.Stat(configPath); err == nil {
		var err error
		backupPath, err = Backup(configPath, backupDir)
		if err != nil {
			return "", fmt.Errorf("backup failed: %w", err)
		}
	}
	if err := cfg.Save(configPath); err != nil {
		return backupPath, fmt.Errorf("save failed: %w", err)
	}
	return backupPath, nil
}

func parseBackupTimestamp(filename string) (time.Time, error) {
	name := strings.TrimSuffix(filename, backupSuffix)
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("invalid backup filename %q", filename)
	}
	stamp := parts[len(parts)-1]
	if len(parts) >= 3 {
		// Millisecond stamps from same-second collisions contain a dot.
		if t, err := time.Parse("2006-01-02T15-04-05.000", parts[len(parts)-2]+"."+stamp); err == nil {
			return t, nil
		}
	}
	for _, format := range []string{backupTimestampFormat, "2006-01-02T15-04-05.000"} {
		if t, err := time.Parse(format, stamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid backup timestamp %q", stamp)
}

// validateSyntax parses data in the format implied by the config path so a
// corrupted backup is never restored over a working config.
func validateSyntax(configPath string, data []byte) error {
	var v any
	if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
		return yaml.Unmarshal(data, &v)
	}
	return json.Unmarshal(data, &v)
}
