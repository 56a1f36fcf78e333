// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

//go:build windows

package config

import "log/slog"

// CheckPermissions always reports false on Windows, which uses ACLs rather
// than mode bits.
func CheckPermissions(path string, log *slog.Logger) bool {
	if path != "" && log != nil {
		log.Debug("config permission check not implemented on Windows", "path", path)
	}
	return false
}
