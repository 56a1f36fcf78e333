// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

//go:embed context-mcp.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/context-mcp/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", cmerr.Errorf(cmerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "context-mcp", "config.yaml"), nil
}

// Bootstrap writes the commented default config to path unless a file is
// already there. It returns true when a file was written. Failures are logged
// and skipped.
func Bootstrap(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return false
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return false
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", path, "error", err)
		return false
	}

	slog.Info("created default config", "path", path)
	return true
}
