// Package errors implements the error taxonomy of spec.md §7: every error
// kind declares whether it is retryable, and Policy-kind conditions are
// surfaced as Outcomes rather than errors at the core boundary (see pkg/core).
//
// Adapted from the teacher's infrastructure/errors.ServiceError: a single
// struct carrying a stable code, message, optional wrapped cause, and
// structured details, with helpers for the taxonomy's four kinds instead of
// the teacher's HTTP-status-oriented categories.
package errors

import (
	"errors"
	"fmt"
)

// Kind partitions the taxonomy into Client, Policy, Transient, Fatal (§7).
// Policy-kind conditions never appear as a GatewayError in practice — they are
// carried as Outcomes — but the kind is kept here for completeness and so
// rule-evaluation failures (ConfigError) can be classified consistently.
type Kind string

const (
	KindClient    Kind = "client"
	KindPolicy    Kind = "policy"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Code is a stable machine-readable error code.
type Code string

const (
	// Client — non-retryable, surfaced as 4xx by the (out-of-scope) server.
	CodeInvalidAction   Code = "CLIENT_INVALID_ACTION"
	CodeUnknownProvider Code = "CLIENT_UNKNOWN_PROVIDER"
	CodePayloadTooLarge Code = "CLIENT_PAYLOAD_TOO_LARGE"

	// Transient — retryable by the Executor up to configured limits.
	CodeStoreUnavailable Code = "TRANSIENT_STORE_UNAVAILABLE"
	CodeLockBusy         Code = "TRANSIENT_LOCK_BUSY"
	CodeUpstreamTimeout  Code = "TRANSIENT_UPSTREAM_TIMEOUT"
	CodeUpstream5xx      Code = "TRANSIENT_UPSTREAM_5XX"
	CodeRateLimited      Code = "TRANSIENT_RATE_LIMITED"

	// Fatal — not retried, logged, surfaced as Failed, triggers an audit record.
	CodeConfigError    Code = "FATAL_CONFIG_ERROR"
	CodeDataCorruption Code = "FATAL_DATA_CORRUPTION"
	CodeInternal       Code = "FATAL_INTERNAL"

	// Store-specific (§4.1): Unavailable/Conflict/Serialization/InvalidArg.
	CodeStoreConflict      Code = "STORE_CONFLICT"
	CodeStoreSerialization Code = "STORE_SERIALIZATION"
	CodeStoreInvalidArg    Code = "STORE_INVALID_ARG"

	// Provider-specific (§4.3): BadRequest/Permission/InvalidPayload are
	// non-retryable; Timeout/Transient/Upstream5xx/RateLimited are retryable.
	CodeProviderBadRequest     Code = "PROVIDER_BAD_REQUEST"
	CodeProviderPermission     Code = "PROVIDER_PERMISSION"
	CodeProviderInvalidPayload Code = "PROVIDER_INVALID_PAYLOAD"
)

var retryableCodes = map[Code]bool{
	CodeStoreUnavailable:   true,
	CodeLockBusy:           true,
	CodeUpstreamTimeout:    true,
	CodeUpstream5xx:        true,
	CodeRateLimited:        true,
	CodeStoreSerialization: true,
}

// GatewayError is the taxonomy's carrier type. It implements error and Unwrap.
type GatewayError struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the Executor should retry an operation that
// failed with this error.
func (e *GatewayError) Retryable() bool {
	return retryableCodes[e.Code]
}

// WithDetails attaches structured context to the error, chainable.
func (e *GatewayError) WithDetails(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a GatewayError with no wrapped cause.
func New(kind Kind, code Code, message string) *GatewayError {
	return &GatewayError{Kind: kind, Code: code, Message: message}
}

// Wrap creates a GatewayError wrapping an underlying cause.
func Wrap(kind Kind, code Code, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Code: code, Message: message, Err: err}
}

// Convenience constructors, mirroring the teacher's per-category helpers.

func InvalidAction(reason string) *GatewayError {
	return New(KindClient, CodeInvalidAction, reason)
}

func UnknownProvider(name string) *GatewayError {
	return New(KindClient, CodeUnknownProvider, "unknown provider").WithDetails("provider", name)
}

func PayloadTooLarge(size, max int) *GatewayError {
	return New(KindClient, CodePayloadTooLarge, "payload exceeds maximum size").
		WithDetails("size", size).WithDetails("max", max)
}

func StoreUnavailable(op string, err error) *GatewayError {
	return Wrap(KindTransient, CodeStoreUnavailable, "state store unavailable", err).
		WithDetails("operation", op)
}

func LockBusy(kind, key string) *GatewayError {
	return New(KindTransient, CodeLockBusy, "lock held by another caller").
		WithDetails("kind", kind).WithDetails("key", key)
}

func UpstreamTimeout(provider string) *GatewayError {
	return New(KindTransient, CodeUpstreamTimeout, "upstream call timed out").
		WithDetails("provider", provider)
}

func Upstream5xx(provider string, status int) *GatewayError {
	return New(KindTransient, CodeUpstream5xx, "upstream returned a server error").
		WithDetails("provider", provider).WithDetails("status", status)
}

func RateLimited(provider string) *GatewayError {
	return New(KindTransient, CodeRateLimited, "upstream rate limited the request").
		WithDetails("provider", provider)
}

func ConfigError(reason string) *GatewayError {
	return New(KindFatal, CodeConfigError, reason)
}

func DataCorruption(reason string) *GatewayError {
	return New(KindFatal, CodeDataCorruption, reason)
}

func Internal(err error) *GatewayError {
	return Wrap(KindFatal, CodeInternal, "internal error", err)
}

// IsGatewayError reports whether err is (or wraps) a *GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// As extracts a *GatewayError from an error chain, if present.
func As(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// Retryable reports whether err is a GatewayError marked retryable; a
// non-GatewayError is treated as non-retryable (fail closed).
func Retryable(err error) bool {
	if ge := As(err); ge != nil {
		return ge.Retryable()
	}
	return false
}
