// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	var temporal bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := openStore(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close())
			}()

			if temporal {
				st, err := s.TemporalStats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), st)
			}
			st, err := s.Stats()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&temporal, "temporal", false, "report entry ages instead of counts")
	return cmd
}
