// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/secrets"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: `Stores API keys and the API auth token in the operating system keyring
under the context-mcp service. Reference them from config as
keyring://context-mcp/<name>.`,
		Annotations: map[string]string{skipConfig: "true"},
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:         "set <name>",
		Short:       "Store a secret; reads the value from stdin unless --value is given",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("value") {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return usageError("reading secret value from stdin: %v", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return usageError("secret value must not be empty")
			}
			if err := secretStoreFactory().Set(secrets.DefaultService, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored keyring://%s/%s\n", secrets.DefaultService, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value (visible in shell history; prefer stdin)")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "delete <name>",
		Short:       "Delete a secret by name",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := secretStoreFactory().Delete(secrets.DefaultService, name); err != nil {
				if cmerr.HasCode(err, cmerr.CodeConfigSecretNotFound) {
					return cmerr.Errorf(cmerr.CodeConfigSecretNotFound, "secret %q not found", name)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			return nil
		},
	}
}
