// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package secrets_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/secrets"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://context-mcp/openai", "context-mcp", "openai", false},
		{"slashes in key", "keyring://svc/path/to/key", "svc", "path/to/key", false},
		{"other scheme", "vault://secret/key", "", "", true},
		{"missing key", "keyring://svc/", "", "", true},
		{"missing service", "keyring:///key", "", "", true},
		{"scheme only", "keyring://", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cmerr.IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestResolve(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Set("test-resolve", "anthropic", "sk-ant"))

	got, err := secrets.Resolve(ks, "keyring://test-resolve/anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", got)

	got, err = secrets.Resolve(ks, "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", got)
}

func TestResolveViper(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Set("test-viper", "openai", "sk-openai"))

	v := viper.New()
	v.Set("embedding.openai.api_key", "keyring://test-viper/openai")
	v.Set("embedding.provider", "openai")
	require.NoError(t, secrets.ResolveViper(v, ks))
	assert.Equal(t, "sk-openai", v.GetString("embedding.openai.api_key"))
	assert.Equal(t, "openai", v.GetString("embedding.provider"))

	v.Set("consolidation.anthropic.api_key", "keyring://test-viper/missing")
	err := secrets.ResolveViper(v, ks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consolidation.anthropic.api_key")
}
