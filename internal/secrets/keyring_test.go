// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tzervas/context-mcp/internal/secrets"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func init() {
	// Tests never touch the real OS keyring.
	keyring.MockInit()
}

func TestKeyringStore_RoundTrip(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Set("test-roundtrip", "openai", "sk-123"))

	val, err := ks.Get("test-roundtrip", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", val)

	require.NoError(t, ks.Delete("test-roundtrip", "openai"))
	_, err = ks.Get("test-roundtrip", "openai")
	assert.True(t, cmerr.IsNotFound(err))
}

func TestKeyringStore_Errors(t *testing.T) {
	ks := secrets.NewKeyringStore()

	_, err := ks.Get("no-such-service", "no-key")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeConfigSecretNotFound))

	err = ks.Delete("no-such-service", "no-key")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeConfigSecretNotFound))

	assert.True(t, cmerr.IsInvalidInput(ks.Set("", "k", "v")))
	_, err = ks.Get("svc", "")
	assert.True(t, cmerr.IsInvalidInput(err))
}
