// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return ts
}

func TestExtractCredentials(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		authz    string
		wantKey  string
		wantJWT  string
		wantKind Kind
		wantErr  bool
	}{
		{name: "no credentials"},
		{name: "x-api-key header", apiKey: "hk-abc", wantKey: "hk-abc"},
		{name: "bearer api key by prefix", authz: "Bearer hk-abc", wantKey: "hk-abc"},
		{name: "bearer jwt", authz: "Bearer eyJhbGciOi", wantJWT: "eyJhbGciOi"},
		{name: "both headers ambiguous", apiKey: "hk-a", authz: "Bearer x",
			wantErr: true, wantKind: KindAmbiguousCredentials},
		{name: "basic scheme rejected", authz: "Basic dXNlcg==",
			wantErr: true, wantKind: KindInvalidCredentials},
		{name: "empty bearer rejected", authz: "Bearer ",
			wantErr: true, wantKind: KindInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			if tt.apiKey != "" {
				r.Header.Set("X-API-Key", tt.apiKey)
			}
			if tt.authz != "" {
				r.Header.Set("Authorization", tt.authz)
			}

			cred, err := ExtractCredentials(r, "hk-")
			if tt.wantErr {
				if err == nil || err.Kind != tt.wantKind {
					t.Fatalf("want kind %v, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.APIKey != tt.wantKey || cred.BearerToken != tt.wantJWT {
				t.Fatalf("got %+v", cred)
			}
		})
	}
}

func TestCheckModelAllowed(t *testing.T) {
	key := &APIKeyAuth{AllowedModels: []string{"gpt-4*", "o1-mini"}}

	if err := CheckModelAllowed(key, "gpt-4o"); err != nil {
		t.Fatalf("glob should match: %v", err)
	}
	if err := CheckModelAllowed(key, "o1-mini"); err != nil {
		t.Fatalf("exact should match: %v", err)
	}
	err := CheckModelAllowed(key, "claude-3-opus")
	if err == nil || err.Kind != KindModelNotAllowed {
		t.Fatalf("want ModelNotAllowed, got %v", err)
	}
	// The error must not leak the allow-list.
	if strings.Contains(err.Message, "gpt-4") || strings.Contains(err.Message, "o1-mini") {
		t.Fatalf("allow-list leaked: %q", err.Message)
	}
	if !strings.Contains(err.Message, "claude-3-opus") {
		t.Fatalf("requested model missing from message: %q", err.Message)
	}

	// Empty allow-list means unrestricted.
	if err := CheckModelAllowed(&APIKeyAuth{}, "anything"); err != nil {
		t.Fatalf("empty allow-list should allow: %v", err)
	}
}

func TestCheckScopes(t *testing.T) {
	if err := CheckScopes([]string{"a", "b"}, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := CheckScopes([]string{"a"}, "a", "b")
	if err == nil || err.Kind != KindInsufficientScope {
		t.Fatalf("want InsufficientScope, got %v", err)
	}
	if err := CheckScopes(nil); err != nil {
		t.Fatalf("no required scopes should pass: %v", err)
	}
}

func TestCheckIPAllowed(t *testing.T) {
	allowlist := []string{"10.0.0.0/8", "192.168.1.5"}

	if err := CheckIPAllowed(allowlist, "10.1.2.3:4455"); err != nil {
		t.Fatalf("CIDR member rejected: %v", err)
	}
	if err := CheckIPAllowed(allowlist, "192.168.1.5:80"); err != nil {
		t.Fatalf("exact IP rejected: %v", err)
	}
	if err := CheckIPAllowed(allowlist, "172.16.0.1:80"); err == nil {
		t.Fatal("outside allowlist accepted")
	}
	if err := CheckIPAllowed(nil, "anything"); err != nil {
		t.Fatalf("empty allowlist should allow: %v", err)
	}
	if err := CheckIPAllowed(allowlist, "not-an-ip"); err == nil {
		t.Fatal("unparseable remote accepted")
	}
}

func TestAPIKeyIsEffective(t *testing.T) {
	now := mustParse(t, "2026-08-24T12:00:00Z")
	past := mustParse(t, "2026-08-24T11:00:00Z")
	future := mustParse(t, "2026-08-24T13:00:00Z")

	tests := []struct {
		name string
		key  APIKey
		want bool
	}{
		{"plain key", APIKey{}, true},
		{"revoked", APIKey{RevokedAt: &past}, false},
		{"expired", APIKey{ExpiresAt: &past}, false},
		{"not yet expired", APIKey{ExpiresAt: &future}, true},
		{"rotation grace passed", APIKey{RotationGraceTill: &past}, false},
		{"rotation grace open", APIKey{RotationGraceTill: &future}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.IsEffective(now); got != tt.want {
				t.Fatalf("IsEffective = %v, want %v", got, tt.want)
			}
		})
	}
}
