// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/ratelimit"
	"axonflow/hadrian/routing"
)

// errorBody is the OpenAI-compatible error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Param     *string `json:"param"`
	RequestID string  `json:"request_id"`
}

// writeError renders any gateway error. Redirect control flow becomes a
// 302; auth errors carry their own status/code/type mapping; routing
// errors map onto invalid_request_error or not-found shapes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFrom(r.Context())

	var redirect *auth.RedirectError
	if errors.As(err, &redirect) {
		http.Redirect(w, r, redirect.URL, http.StatusFound)
		return
	}

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		if authErr.Kind == auth.KindInternal {
			log.Printf("[GATEWAY] Internal auth error (request %s): %v", requestID, err)
		}
		writeErrorBody(w, authErr.HTTPStatus(), errorDetail{
			Type:      authErr.Type(),
			Code:      authErr.Code(),
			Message:   authErr.Message,
			RequestID: requestID,
		})
		return
	}

	var routeErr *routing.Error
	if errors.As(err, &routeErr) {
		status, typ := routingStatus(routeErr.Code)
		msg := routeErr.Message
		if routeErr.Code == routing.ErrConfig {
			// Config causes stay in the logs, not the response.
			log.Printf("[GATEWAY] Routing config error (request %s): %v", requestID, err)
			msg = "provider configuration error"
		}
		writeErrorBody(w, status, errorDetail{
			Type:      typ,
			Code:      string(routeErr.Code),
			Message:   msg,
			RequestID: requestID,
		})
		return
	}

	var limited *ratelimit.ErrLimited
	if errors.As(err, &limited) {
		writeErrorBody(w, http.StatusTooManyRequests, errorDetail{
			Type:      "rate_limit_error",
			Code:      "rate_limit_exceeded",
			Message:   limited.Error(),
			RequestID: requestID,
		})
		return
	}

	log.Printf("[GATEWAY] Unhandled error (request %s): %v", requestID, err)
	writeErrorBody(w, http.StatusInternalServerError, errorDetail{
		Type:      "api_error",
		Code:      "internal_error",
		Message:   "internal server error",
		RequestID: requestID,
	})
}

func routingStatus(code routing.ErrorCode) (int, string) {
	switch code {
	case routing.ErrProviderNotFound:
		return http.StatusNotFound, "invalid_request_error"
	case routing.ErrNoModel, routing.ErrInvalidModelFormat, routing.ErrInvalidScope, routing.ErrNoDefaultProvider:
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeErrorBody(w http.ResponseWriter, status int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: detail}); err != nil {
		log.Printf("[GATEWAY] Failed to encode error body: %v", err)
	}
}
