// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Command openapi-gen writes the HTTP API's OpenAPI document.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tzervas/context-mcp/internal/server"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// schemaOnly satisfies server.Backend for route registration. Handlers are
// never invoked during spec generation, so its nil methods are never called.
type schemaOnly struct {
	server.Backend
}

func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, schemaOnly{})
	if err != nil {
		return nil, cmerr.Errorf(cmerr.CodeCLISetupFailure, "creating server: %w", err)
	}
	defer srv.Close()
	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}
