// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads mutinyd's JSON configuration file, matching the
// teacher's encoding/json-based approach in gnunet/config/config.go. Every
// field has a sane default derived from internal/appdirs, so the file
// itself is optional: CLI flags (see cmd/mutinyd) take precedence over it,
// and its absence is not an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bfix/gospel/logger"

	"github.com/caolan/mutinyd/internal/appdirs"
)

// Config is mutinyd's full runtime configuration.
type Config struct {
	// SocketPath is the Unix domain socket clients connect to.
	SocketPath string `json:"socketPath"`
	// IdentityPath is the file holding the daemon's persisted ed25519 key.
	IdentityPath string `json:"identityPath"`
	// DBPath is the SQLite database file.
	DBPath string `json:"dbPath"`
	// ListenAddr is the multiaddr the swarm listens on.
	ListenAddr string `json:"listenAddr"`
	// Bootstrap lists multiaddrs to dial on startup.
	Bootstrap []string `json:"bootstrap"`
	// MaxFrameSize bounds a single IPC frame's payload, in bytes.
	MaxFrameSize int `json:"maxFrameSize"`
	// SocketPerm is applied to SocketPath after bind (0 leaves the umask
	// default in place).
	SocketPerm os.FileMode `json:"socketPerm"`
	// LogLevel is one of the github.com/bfix/gospel/logger level
	// constants (DBG, INFO, WARN, ERROR).
	LogLevel int `json:"logLevel"`
}

const defaultMaxFrameSize = 16 << 20 // 16 MiB, per spec's configurable ceiling

// Default returns a Config with every field resolved to its default
// location under the user's private data/runtime directories.
func Default() (*Config, error) {
	dataDir, err := appdirs.OpenDataDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolve data dir: %w", err)
	}
	runtimeDir, err := appdirs.OpenRuntimeDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolve runtime dir: %w", err)
	}
	return &Config{
		SocketPath:   filepath.Join(runtimeDir, "mutinyd.sock"),
		IdentityPath: filepath.Join(dataDir, "identity.key"),
		DBPath:       filepath.Join(dataDir, "mutinyd.db"),
		ListenAddr:   "/ip4/0.0.0.0/tcp/0",
		MaxFrameSize: defaultMaxFrameSize,
		SocketPerm:   0o600,
		LogLevel:     logger.INFO,
	}, nil
}

// Load starts from Default and overlays the JSON file at path, if it
// exists. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
