// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"encoding/json"
	"io"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
