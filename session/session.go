// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package session provides the durable keyed store for pending auth states
// and established SSO sessions, with absolute expiry, inactivity timeout,
// a per-user session index, and concurrent-session eviction.
package session

import (
	"time"
	"unicode/utf8"
)

// deviceFieldLimit caps device info strings at 512 bytes, truncated on a
// UTF-8 boundary.
const deviceFieldLimit = 512

// DeviceInfo captures where a session was minted from.
type DeviceInfo struct {
	UserAgent         string `json:"user_agent,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceDescription string `json:"device_description,omitempty"`
}

// Truncated returns a copy with every field capped at the device field limit.
func (d DeviceInfo) Truncated() DeviceInfo {
	return DeviceInfo{
		UserAgent:         truncateUTF8(d.UserAgent, deviceFieldLimit),
		IPAddress:         truncateUTF8(d.IPAddress, deviceFieldLimit),
		DeviceID:          truncateUTF8(d.DeviceID, deviceFieldLimit),
		DeviceDescription: truncateUTF8(d.DeviceDescription, deviceFieldLimit),
	}
}

// Session is the single shape shared by OIDC and SAML logins.
type Session struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`

	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Org   string `json:"org,omitempty"`

	Groups []string `json:"groups,omitempty"`
	Roles  []string `json:"roles,omitempty"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	// SSOOrgID records which organization's authenticator minted the
	// session; empty for the default authenticator.
	SSOOrgID string `json:"sso_org_id,omitempty"`

	// SessionIndex is the SAML IdP session handle used for SLO.
	SessionIndex string `json:"session_index,omitempty"`

	Device       *DeviceInfo `json:"device_info,omitempty"`
	LastActivity *time.Time  `json:"last_activity,omitempty"`
}

// IsExpired reports whether the absolute expiry has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsInactive reports whether the session has been idle for at least the
// given timeout. A zero timeout disables inactivity expiry, and sessions
// that have never recorded activity are never inactive.
func (s *Session) IsInactive(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || s.LastActivity == nil {
		return false
	}
	return !now.Before(s.LastActivity.Add(timeout))
}

// AuthStateTTL is how long a pending OIDC/SAML flow stays takeable.
const AuthStateTTL = 10 * time.Minute

// AuthState is a pending authorization flow, stored under its CSRF state
// (OIDC) or RelayState (SAML) and takeable exactly once.
type AuthState struct {
	State string `json:"state"`
	Nonce string `json:"nonce,omitempty"`

	// CodeVerifier holds the PKCE verifier for OIDC flows and the expected
	// AuthnRequest id for SAML flows; one envelope for both.
	CodeVerifier string `json:"code_verifier"`

	ReturnTo  string    `json:"return_to,omitempty"`
	OrgID     string    `json:"org_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the pending flow is older than AuthStateTTL.
func (a *AuthState) IsExpired(now time.Time) bool {
	return now.Sub(a.CreatedAt) > AuthStateTTL
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
