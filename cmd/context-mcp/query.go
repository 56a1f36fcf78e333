// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/query"
)

type queryFlags struct {
	domain        string
	tags          []string
	minImportance float64
	tier          string
	within        time.Duration
	excludeExpire bool
	limit         int
	explain       bool
	text          string
	k             int
}

type queryReport struct {
	Entries []*entry.ContextEntry `json:"entries"`
	Plan    *query.Plan           `json:"plan,omitempty"`
}

func newQueryCmd(a *app) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored entries and print them as JSON",
		Long: `Without --text, runs a structured query over domain, tags, importance,
tier and creation time. With --text, returns the entries most similar to
the text instead; structured filters are ignored in that mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if f.text == "" && cmd.Flags().Changed("k") {
				return usageError("--k requires --text")
			}

			s, err := openStore(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close())
			}()

			if f.text != "" {
				res, err := s.Retrieve(cmd.Context(), f.text, f.k)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}

			p := query.Predicate{
				Domain:         f.domain,
				Tags:           f.tags,
				MinImportance:  f.minImportance,
				Tier:           entry.Tier(f.tier),
				ExcludeExpired: f.excludeExpire,
				Limit:          f.limit,
			}
			if f.within > 0 {
				p.Time = &query.TimeRange{Field: query.FieldCreatedAt, From: time.Now().Add(-f.within)}
			}
			es, plan, err := s.Explain(cmd.Context(), p)
			if err != nil {
				return err
			}
			rep := queryReport{Entries: es}
			if rep.Entries == nil {
				rep.Entries = []*entry.ContextEntry{}
			}
			if f.explain {
				rep.Plan = &plan
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.domain, "domain", "", "exact domain")
	fl.StringSliceVar(&f.tags, "tag", nil, "required tag (repeatable)")
	fl.Float64Var(&f.minImportance, "min-importance", 0, "minimum importance in [0,1]")
	fl.StringVar(&f.tier, "tier", "", "episodic, session or long_term")
	fl.DurationVar(&f.within, "within", 0, "only entries created within this duration")
	fl.BoolVar(&f.excludeExpire, "exclude-expired", false, "drop entries past their valid_until")
	fl.IntVar(&f.limit, "limit", 0, "maximum entries (0 for no cap)")
	fl.BoolVar(&f.explain, "explain", false, "include the query plan")
	fl.StringVar(&f.text, "text", "", "similarity query text")
	fl.IntVar(&f.k, "k", 0, "maximum similarity results (0 for the configured default)")
	return cmd
}
