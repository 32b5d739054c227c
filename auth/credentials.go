// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"net"
	"net/http"
	"strings"
)

// Credential is a single inbound credential before validation.
type Credential struct {
	APIKey      string // opaque key, present when the request carried one
	BearerToken string // JWT, present when Authorization carried a non-key bearer
}

// ExtractCredentials applies the ingress acceptance rules: at most one of
// X-API-Key and Authorization may be present, and a Bearer value starting
// with the configured key prefix is an API key rather than a JWT.
func ExtractCredentials(r *http.Request, apiKeyPrefix string) (Credential, *Error) {
	headerKey := r.Header.Get("X-API-Key")
	authz := r.Header.Get("Authorization")

	if headerKey != "" && authz != "" {
		return Credential{}, NewError(KindAmbiguousCredentials,
			"both X-API-Key and Authorization headers present; send exactly one")
	}

	if headerKey != "" {
		return Credential{APIKey: headerKey}, nil
	}

	if authz == "" {
		return Credential{}, nil
	}

	const bearer = "Bearer "
	if !strings.HasPrefix(authz, bearer) {
		return Credential{}, NewError(KindInvalidCredentials, "unsupported Authorization scheme")
	}
	value := strings.TrimSpace(authz[len(bearer):])
	if value == "" {
		return Credential{}, NewError(KindInvalidCredentials, "empty bearer token")
	}

	if apiKeyPrefix != "" && strings.HasPrefix(value, apiKeyPrefix) {
		return Credential{APIKey: value}, nil
	}
	return Credential{BearerToken: value}, nil
}

// CheckModelAllowed enforces an API key's allowed_models glob patterns.
// The error message never echoes the allow-list.
func CheckModelAllowed(key *APIKeyAuth, model string) *Error {
	if key == nil || len(key.AllowedModels) == 0 {
		return nil
	}
	for _, pattern := range key.AllowedModels {
		if matchGlob(pattern, model) {
			return nil
		}
	}
	return NewError(KindModelNotAllowed,
		"API key does not allow access to model '"+model+"'")
}

// CheckIPAllowed enforces an API key's CIDR allowlist. Unparseable entries
// are skipped; the error message never echoes the allowlist.
func CheckIPAllowed(allowlist []string, remoteAddr string) *Error {
	if len(allowlist) == 0 {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NewError(KindIPNotAllowed, "request IP is not allowed for this API key")
	}
	for _, cidr := range allowlist {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			if network.Contains(ip) {
				return nil
			}
		} else if parsed := net.ParseIP(cidr); parsed != nil && parsed.Equal(ip) {
			return nil
		}
	}
	return NewError(KindIPNotAllowed, "request IP is not allowed for this API key")
}

// CheckScopes verifies the key or principal carries every required scope.
// The error never lists which scopes would have sufficed.
func CheckScopes(have []string, need ...string) *Error {
	if len(need) == 0 {
		return nil
	}
	owned := make(map[string]struct{}, len(have))
	for _, s := range have {
		owned[s] = struct{}{}
	}
	for _, s := range need {
		if _, ok := owned[s]; !ok {
			return NewError(KindInsufficientScope, "API key lacks a required scope")
		}
	}
	return nil
}

// matchGlob matches '*' wildcards anywhere in the pattern; no other
// metacharacters are honored.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
