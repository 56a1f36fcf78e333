// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// groupOrOtherRead are the mode bits that expose a file to other users.
const groupOrOtherRead fs.FileMode = 0o044

// CheckPermissions reports whether the config file at path can be read by
// other users and warns on log when it can. The file may hold API keys.
// Missing files and an empty path are not insecure.
func CheckPermissions(path string, log *slog.Logger) bool {
	if path == "" {
		return false
	}
	if log == nil {
		log = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Debug("config permission check skipped", "path", path, "error", err)
		return false
	}
	if info.Mode().Perm()&groupOrOtherRead == 0 {
		return false
	}
	log.Warn("config file is readable by other users; API keys may be exposed",
		"path", path,
		"mode", info.Mode().Perm(),
		"recommended", "0600",
	)
	return true
}
