// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/feed"
)

func newIngestCmd(a *app) *cobra.Command {
	var opts feed.Options
	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Store entries from a JSON Lines feed",
		Long: `Reads one JSON object per line with the fields content, domain, tags,
importance, source, valid_from, valid_until and evictable, and stores each
as a context entry. "-" reads standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var f *feed.JSONLines
			if args[0] == "-" {
				f = feed.NewJSONLines(cmd.InOrStdin())
			} else if f, err = feed.OpenJSONLines(args[0]); err != nil {
				return err
			}
			defer f.Close()

			s, err := openStore(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close())
			}()

			opts.Logger = a.log
			res, err := feed.Ingest(cmd.Context(), f, s, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d, failed %d, skipped %d\n", res.Stored, res.Failed, res.Skipped)
			return err
		},
	}
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 4, "concurrent writers")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "domain for entries that have none")
	cmd.Flags().StringVar(&opts.Source, "source", "", "source for entries that have none")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", false, "abort at the first rejected entry")
	return cmd
}
