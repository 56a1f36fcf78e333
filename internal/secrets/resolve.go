// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package secrets

import (
	"strings"

	"github.com/spf13/viper"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

const scheme = "keyring://"

// IsURI reports whether value names a keyring secret.
func IsURI(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// ParseURI splits keyring://service/key. The key may contain slashes.
func ParseURI(uri string) (service, key string, err error) {
	if !IsURI(uri) {
		return "", "", cmerr.Errorf(cmerr.CodeConfigValidateInvalidValue, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, scheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", cmerr.Errorf(cmerr.CodeConfigValidateInvalidValue,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns value itself, or the secret it names when it is a
// keyring URI.
func Resolve(store Store, value string) (string, error) {
	if !IsURI(value) {
		return value, nil
	}
	service, key, err := ParseURI(value)
	if err != nil {
		return "", err
	}
	return store.Get(service, key)
}

// ResolveViper replaces every keyring URI among v's string values with the
// secret it names. Unlike a missing optional setting, an unresolvable
// reference is an error: the operator asked for a secret that is not there.
func ResolveViper(v *viper.Viper, store Store) error {
	var errs []error
	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if !ok || !IsURI(val) {
			continue
		}
		secret, err := Resolve(store, val)
		if err != nil {
			errs = append(errs, cmerr.Recode(err, cmerr.CodeConfigKeyringFailure, "resolving "+key, cmerr.Field("config_key", key)))
			continue
		}
		v.Set(key, secret)
	}
	return cmerr.Join(errs...)
}
