// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"fmt"
	"net/http"
)

// Kind identifies a class of authentication or authorization failure.
// Kinds map one-to-one onto the machine codes of the OpenAI-compatible
// error body; see HTTPStatus and Code.
type Kind int

const (
	KindMissingCredentials Kind = iota
	KindInvalidCredentials
	KindAmbiguousCredentials
	KindInvalidAPIKeyFormat
	KindInvalidAPIKey
	KindExpiredAPIKey
	KindInvalidToken
	KindExpiredToken
	KindSessionNotFound
	KindSessionExpired
	KindForbidden
	KindInsufficientScope
	KindModelNotAllowed
	KindIPNotAllowed
	KindInternal
)

// Error is the gateway's authentication/authorization error. The Message is
// safe to return to clients: callers must never place allow-lists, available
// scopes, or upstream detail in it.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code()
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates an auth error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapInternal creates an Internal error carrying an underlying cause.
// The cause is preserved for logs; the client sees only the message.
func WrapInternal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// HTTPStatus returns the HTTP status code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingCredentials, KindInvalidCredentials, KindInvalidAPIKeyFormat,
		KindInvalidAPIKey, KindExpiredAPIKey, KindInvalidToken, KindExpiredToken,
		KindSessionNotFound, KindSessionExpired:
		return http.StatusUnauthorized
	case KindAmbiguousCredentials:
		return http.StatusBadRequest
	case KindForbidden, KindInsufficientScope, KindModelNotAllowed, KindIPNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code.
// Expired and unknown API keys intentionally share one code so a caller
// cannot distinguish them.
func (e *Error) Code() string {
	switch e.Kind {
	case KindMissingCredentials:
		return "missing_credentials"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAmbiguousCredentials:
		return "ambiguous_credentials"
	case KindInvalidAPIKeyFormat:
		return "invalid_api_key_format"
	case KindInvalidAPIKey, KindExpiredAPIKey:
		return "invalid_api_key"
	case KindInvalidToken:
		return "invalid_token"
	case KindExpiredToken:
		return "expired_token"
	case KindSessionNotFound:
		return "session_not_found"
	case KindSessionExpired:
		return "session_expired"
	case KindForbidden:
		return "forbidden"
	case KindInsufficientScope:
		return "insufficient_scope"
	case KindModelNotAllowed:
		return "model_not_allowed"
	case KindIPNotAllowed:
		return "ip_not_allowed"
	default:
		return "internal_error"
	}
}

// Type returns the OpenAI-compatible error type string.
func (e *Error) Type() string {
	switch e.Kind {
	case KindForbidden, KindInsufficientScope, KindModelNotAllowed, KindIPNotAllowed:
		return "permission_error"
	default:
		return "authentication_error"
	}
}

// RedirectError is control flow, not failure: it instructs the HTTP layer to
// answer with a 302 to the IdP authorization URL instead of a JSON error.
// Kept as a separate type so the response encoder does not special-case a
// variant of Error.
type RedirectError struct {
	URL string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("authentication required, redirect to %s", e.URL)
}
