// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/config"
	"github.com/tzervas/context-mcp/internal/secrets"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// app is the state shared by subcommands once the root has loaded config.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
}

// secretStoreFactory is replaced in tests.
var secretStoreFactory = func() secrets.Store { return secrets.NewKeyringStore() }

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "context-mcp",
		Short:         "Context memory store for agent workflows",
		Long:          "context-mcp keeps a bounded, tiered store of context entries with structured queries, similarity retrieval and background consolidation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ~/.config/context-mcp/config.yaml)")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newIngestCmd(a),
		newStatsCmd(a),
		newHistoryCmd(a),
		newQueryCmd(a),
		newCleanupCmd(a),
		newConsolidateCmd(a),
		newReindexCmd(a),
		newSecretCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads config with the precedence flag > env > file > defaults. With
// no --config the default path is used, and a commented default file is
// written there on first run.
func (a *app) load(cmd *cobra.Command) error {
	flags := cmd.Root().PersistentFlags()
	path, _ := flags.GetString("config")
	if path == "" {
		def, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		config.Bootstrap(def)
		if _, err := os.Stat(def); err == nil {
			path = def
		}
	}

	cfg, err := config.Load(path, secretStoreFactory())
	if err != nil {
		return err
	}
	if dir, _ := flags.GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}

	a.cfg = cfg
	a.cfgPath = path
	a.log = newLogger(cfg.Logging, cmd.ErrOrStderr())
	slog.SetDefault(a.log)
	config.CheckPermissions(path, a.log)
	return nil
}

func newLogger(c config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func usageError(format string, args ...any) error {
	return cmerr.Errorf(cmerr.CodeCLIInputInvalid, format, args...)
}
