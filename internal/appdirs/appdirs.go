// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package appdirs resolves the per-user directories mutinyd keeps its
// persistent state and runtime socket under, following the freedesktop.org
// base directory conventions on Linux and a Library-based layout on macOS.
package appdirs

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "mutiny"

// UserRuntimeDir returns the per-user directory for ephemeral runtime
// state (the IPC socket lives here).
func UserRuntimeDir() (string, error) {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library/Caches/TemporaryItems"), nil
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("appdirs: XDG_RUNTIME_DIR is not set")
}

// UserDataDir returns the per-user directory for persistent state (the
// SQLite database and identity key live here).
func UserDataDir() (string, error) {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library"), nil
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local/share"), nil
}

// openPrivate creates (if absent) a subdirectory named after the app under
// base, restricted to the current user, and returns its path.
func openPrivate(base string) (string, error) {
	p := filepath.Join(base, appName)
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("appdirs: create %s: %w", p, err)
	}
	if err := os.Chmod(p, 0o700); err != nil {
		return "", fmt.Errorf("appdirs: chmod %s: %w", p, err)
	}
	return p, nil
}

// OpenDataDir ensures and returns this app's private data directory.
func OpenDataDir() (string, error) {
	base, err := UserDataDir()
	if err != nil {
		return "", err
	}
	return openPrivate(base)
}

// OpenRuntimeDir ensures and returns this app's private runtime directory.
func OpenRuntimeDir() (string, error) {
	base, err := UserRuntimeDir()
	if err != nil {
		return "", err
	}
	return openPrivate(base)
}
