// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/persist"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

type historyLine struct {
	At      time.Time             `json:"at"`
	Op      persist.Op            `json:"op"`
	Upserts []*entry.ContextEntry `json:"upserts,omitempty"`
	Removed []string              `json:"removed,omitempty"`
	Evicted int                   `json:"evicted,omitempty"`
}

// mentions reports whether rec wrote, removed, or consolidated id.
func mentions(rec persist.Record, id string) bool {
	if slices.Contains(rec.Removed, id) {
		return true
	}
	for _, up := range rec.Upserts {
		if up.Entry == nil {
			continue
		}
		if up.Entry.ID == id {
			return true
		}
		for _, p := range up.Entry.Provenance {
			if slices.Contains(p.SourceIDs, id) {
				return true
			}
		}
	}
	return false
}

func newHistoryCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the mutation journal as JSON lines, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if !a.cfg.Persistence.Enabled {
				return cmerr.New(cmerr.CodeCLIInputInvalid, "history needs persistence.enabled")
			}
			path := a.cfg.JournalPath()
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			j, err := persist.Open(persist.Config{Backend: a.cfg.Persistence.Backend, Path: path})
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, j.Close())
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return j.Replay(cmd.Context(), func(rec persist.Record) error {
				if rec.Op == persist.OpTouch || (id != "" && !mentions(rec, id)) {
					return nil
				}
				line := historyLine{At: rec.At, Op: rec.Op, Removed: rec.Removed, Evicted: rec.Evicted}
				for _, up := range rec.Upserts {
					if up.Entry != nil {
						line.Upserts = append(line.Upserts, up.Entry)
					}
				}
				return enc.Encode(line)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "only records that touch this entry or consolidated it")
	return cmd
}
