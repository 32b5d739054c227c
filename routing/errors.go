// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import "fmt"

// ErrorCode classifies routing failures.
type ErrorCode string

const (
	ErrNoModel            ErrorCode = "no_model"
	ErrProviderNotFound   ErrorCode = "provider_not_found"
	ErrNoDefaultProvider  ErrorCode = "no_default_provider"
	ErrInvalidScope       ErrorCode = "invalid_scope"
	ErrMissingComponent   ErrorCode = "missing_component"
	ErrConfig             ErrorCode = "config_error"
	ErrInvalidModelFormat ErrorCode = "invalid_model_format"
)

// Error is a routing failure. Provider is set for ErrProviderNotFound.
// Messages for provider-not-found are identical whether the provider is
// missing, disabled, or forbidden — no existence oracle.
type Error struct {
	Code     ErrorCode
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code == ErrProviderNotFound {
		return fmt.Sprintf("provider '%s' not found", e.Provider)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound builds the canonical provider-not-found error.
func NotFound(provider string) *Error {
	return &Error{Code: ErrProviderNotFound, Provider: provider,
		Message: fmt.Sprintf("provider '%s' not found", provider)}
}
