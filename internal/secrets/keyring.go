// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package secrets keeps API keys out of config files. A config value of the
// form keyring://service/key is replaced at load time by the secret stored
// under that name in the OS keyring.
package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// DefaultService is the keyring service `context-mcp secret set` writes to.
const DefaultService = "context-mcp"

// Store saves and fetches secrets.
type Store interface {
	Set(service, key, value string) error
	// Get fails with a not-found code when the key does not exist.
	Get(service, key string) (string, error)
	Delete(service, key string) error
}

// KeyringStore uses the OS keyring: Keychain on macOS, secret-service over
// D-Bus on Linux, Credential Manager on Windows.
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore { return &KeyringStore{} }

func (KeyringStore) Set(service, key, value string) error {
	if err := checkName(service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return cmerr.Wrap(err, cmerr.CodeConfigKeyringFailure, "storing secret", secretField(service, key))
	}
	return nil
}

func (KeyringStore) Get(service, key string) (string, error) {
	if err := checkName(service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", cmerr.New(cmerr.CodeConfigSecretNotFound, "secret not found", secretField(service, key))
		}
		return "", cmerr.Wrap(err, cmerr.CodeConfigKeyringUnavailable, "reading secret", secretField(service, key))
	}
	return val, nil
}

func (KeyringStore) Delete(service, key string) error {
	if err := checkName(service, key); err != nil {
		return err
	}
	if err := keyring.Delete(service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return cmerr.New(cmerr.CodeConfigSecretNotFound, "secret not found", secretField(service, key))
		}
		return cmerr.Wrap(err, cmerr.CodeConfigKeyringFailure, "deleting secret", secretField(service, key))
	}
	return nil
}

func checkName(service, key string) error {
	if service == "" || key == "" {
		return cmerr.New(cmerr.CodeConfigValidateInvalidValue, "secret service and key must not be empty")
	}
	return nil
}

func secretField(service, key string) cmerr.Attr {
	return cmerr.Field("secret", service+"/"+key)
}
