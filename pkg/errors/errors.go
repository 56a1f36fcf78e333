// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. Codes are dotted
// paths whose final segment is the failure reason; the Is* helpers classify
// on that reason.
type Code string

const (
	CodeStoreEntryNotFound      Code = "store.entry.get.not_found"
	CodeStoreEntryInvalid       Code = "store.entry.validate.invalid"
	CodeStoreCapacityExhausted  Code = "store.capacity.exhausted"
	CodeStoreIndexDivergence    Code = "store.index.divergence"
	CodeStoreTierTransition     Code = "store.tier.transition.invalid"
	CodeStoreClosed             Code = "store.lifecycle.closed"
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreVectorFailure      Code = "store.vector.failure"
	CodeStoreJournalFailure     Code = "store.journal.append.failure"
	CodeStoreQueryInvalid       Code = "store.query.validate.invalid_input"
	CodeStoreVectorDimensionBad Code = "store.vector.dimension.invalid"
	CodeStoreCapacityConfigBad  Code = "store.capacity.config.invalid_value"
	CodeStoreRestoreFailure     Code = "store.restore.failure"

	CodeConsolidationDeferred        Code = "consolidation.pass.deferred"
	CodeConsolidationRuleInvalid     Code = "consolidation.rule.validate.invalid"
	CodeConsolidationSummarizeFailed Code = "consolidation.summarize.upstream.failure"
	CodeConsolidationScheduleFailure Code = "consolidation.schedule.failure"

	CodeRetrievalUnavailable  Code = "retrieval.embedding.unavailable"
	CodeRetrievalInvalidInput Code = "retrieval.query.invalid_input"

	CodeEmbeddingRequestInvalid  Code = "embedding.request.invalid"
	CodeEmbeddingResponseInvalid Code = "embedding.response.invalid"
	CodeEmbeddingUpstreamFailure Code = "embedding.upstream.failure"
	CodeEmbeddingTimeout         Code = "embedding.request.timeout"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigKeyringUnavailable   Code = "config.keyring.unavailable"
	CodeConfigKeyringFailure       Code = "config.keyring.failure"
	CodeConfigSecretNotFound       Code = "config.secret.get.not_found"

	CodeSecurityScannerFailure      Code = "security.scanner.failure"
	CodeSecurityScannerInputInvalid Code = "security.scanner.input.invalid"

	CodeFeedReadFailure   Code = "feed.read.failure"
	CodeFeedRecordInvalid Code = "feed.record.decode.invalid_format"

	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldEntryID(value string) Attr {
	return Field("entry_id", value)
}

func FieldTier(value string) Attr {
	return Field("tier", value)
}

func FieldBackend(value string) Attr {
	return Field("backend", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// Recode reports err under a new code. Codes resolve to the innermost one in
// a chain, so Wrap cannot reclassify an error that already carries a code;
// Recode keeps the cause as text only.
func Recode(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) == "" {
		return Wrap(err, code, msg, fields...)
	}

	return oops.Code(code).With(flatten(fields)...).Errorf("%s: %v", msg, err)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsCapacityExhausted reports whether a write was refused because no victim
// set could make room for it.
func IsCapacityExhausted(err error) bool {
	return reason(CodeOf(err)) == "exhausted"
}

// IsDeferred reports whether a consolidation step was skipped for retry on
// the next pass.
func IsDeferred(err error) bool {
	return reason(CodeOf(err)) == "deferred"
}

// IsUnavailable reports whether a dependency (embedder, keyring) could not
// serve the request. Retrieval callers use it to tell "no results" apart
// from "could not search".
func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

// IsDivergence reports a structural fault between an index and the primary
// map.
func IsDivergence(err error) bool {
	return reason(CodeOf(err)) == "divergence"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), IsDeferred(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsCapacityExhausted(err):
		return http.StatusInsufficientStorage
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
