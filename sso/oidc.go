// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/session"
)

// idTokenAlgs is the algorithm allow-list for id_token validation.
var idTokenAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}

// discoveryDocument is the subset of the OIDC discovery metadata the flow
// needs.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// tokenResponse is the token endpoint reply for both grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// OIDCAuthenticator runs the authorization-code flow with PKCE for one
// org (or the instance default).
type OIDCAuthenticator struct {
	cfg    OIDCConfig
	client *http.Client
	store  session.Store

	mu        sync.RWMutex
	discovery *discoveryDocument
	fetchedAt time.Time
	jwks      keyfunc.Keyfunc

	now func() time.Time
}

// NewOIDCAuthenticator wires an authenticator to a shared session store.
func NewOIDCAuthenticator(cfg OIDCConfig, store session.Store) *OIDCAuthenticator {
	cfg.withDefaults()
	return &OIDCAuthenticator{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		store:  store,
		now:    time.Now,
	}
}

// OrgID returns the org this authenticator serves, empty for the default.
func (o *OIDCAuthenticator) OrgID() string { return o.cfg.OrgID }

// discover returns the discovery document, fetching at most once per
// hour. The first successful fetch also seeds the JWKS validator.
func (o *OIDCAuthenticator) discover(ctx context.Context) (*discoveryDocument, error) {
	o.mu.RLock()
	if o.discovery != nil && o.now().Sub(o.fetchedAt) < discoveryTTL {
		doc := o.discovery
		o.mu.RUnlock()
		return doc, nil
	}
	o.mu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.discovery != nil && o.now().Sub(o.fetchedAt) < discoveryTTL {
		return o.discovery, nil
	}

	wellKnown := strings.TrimSuffix(o.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, auth.WrapInternal("failed to build discovery request", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, auth.WrapInternal("OIDC discovery fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewError(auth.KindInternal,
			fmt.Sprintf("OIDC discovery returned status %d", resp.StatusCode))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, auth.WrapInternal("failed to decode discovery document", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, auth.NewError(auth.KindInternal, "discovery document is missing required endpoints")
	}

	if o.jwks == nil {
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{doc.JWKSURI})
		if err != nil {
			return nil, auth.WrapInternal("failed to initialize JWKS fetcher", err)
		}
		o.jwks = jwks
	}

	o.discovery = &doc
	o.fetchedAt = o.now()
	return o.discovery, nil
}

// AuthorizationURL starts a login: fresh state, nonce, and PKCE pair, all
// persisted as a pending auth state.
func (o *OIDCAuthenticator) AuthorizationURL(ctx context.Context, returnTo string) (string, error) {
	doc, err := o.discover(ctx)
	if err != nil {
		return "", err
	}

	state := uuid.New().String()
	nonce := uuid.New().String()
	verifier, challenge, err := pkcePair()
	if err != nil {
		return "", auth.WrapInternal("failed to generate PKCE pair", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", o.cfg.ClientID)
	q.Set("redirect_uri", o.cfg.RedirectURI)
	q.Set("scope", strings.Join(o.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	st := &session.AuthState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		ReturnTo:     returnTo,
		OrgID:        o.cfg.OrgID,
		CreatedAt:    o.now(),
	}
	if err := o.store.StoreAuthState(ctx, st); err != nil {
		return "", auth.WrapInternal("failed to store auth state", err)
	}

	return doc.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// pkcePair returns (verifier, challenge): 32 random bytes URL-safe
// base64'd without padding, challenge = base64url(SHA256(verifier)).
func pkcePair() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ExchangeCode redeems the authorization code: one-time state take, token
// exchange with the PKCE verifier, id_token validation including the
// nonce, then session creation.
func (o *OIDCAuthenticator) ExchangeCode(ctx context.Context, code, state string, device *session.DeviceInfo) (*session.Session, string, error) {
	st, err := o.store.TakeAuthState(ctx, state)
	if err != nil {
		return nil, "", auth.NewError(auth.KindInvalidToken, "unknown or already used state")
	}
	if st.IsExpired(o.now()) {
		return nil, "", auth.NewError(auth.KindExpiredToken, "login attempt expired, please retry")
	}

	doc, derr := o.discover(ctx)
	if derr != nil {
		return nil, "", derr
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", o.cfg.RedirectURI)
	form.Set("client_id", o.cfg.ClientID)
	if o.cfg.ClientSecret != "" {
		form.Set("client_secret", o.cfg.ClientSecret)
	}
	form.Set("code_verifier", st.CodeVerifier)

	tok, terr := o.postToken(ctx, doc.TokenEndpoint, form)
	if terr != nil {
		return nil, "", terr
	}
	if tok.IDToken == "" {
		return nil, "", auth.NewError(auth.KindInternal, "token response carried no id_token")
	}

	claims, cerr := o.validateIDToken(tok.IDToken)
	if cerr != nil {
		return nil, "", cerr
	}
	if nonce, _ := claims["nonce"].(string); nonce != st.Nonce {
		return nil, "", auth.NewError(auth.KindInvalidToken, "id_token nonce mismatch")
	}

	now := o.now()
	s := &session.Session{
		ID:           uuid.New().String(),
		ExternalID:   stringClaim(claims, "sub"),
		Email:        stringClaim(claims, o.cfg.EmailClaim),
		Name:         stringClaim(claims, o.cfg.NameClaim),
		Org:          stringClaim(claims, o.cfg.OrgClaim),
		Groups:       stringListClaim(claims, o.cfg.GroupsClaim),
		Roles:        stringListClaim(claims, o.cfg.RolesClaim),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.cfg.Session.Duration),
		SSOOrgID:     o.cfg.OrgID,
	}
	if tok.ExpiresIn > 0 {
		t := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		s.TokenExpiresAt = &t
	}
	if device != nil {
		d := device.Truncated()
		s.Device = &d
	}
	if o.store.Enhanced() && o.cfg.Session.InactivityTimeout > 0 {
		s.LastActivity = &now
	}

	if _, err := o.store.CreateSession(ctx, s); err != nil {
		return nil, "", auth.WrapInternal("failed to create session", err)
	}
	session.EnforceConcurrentLimit(ctx, o.store, s.ExternalID, o.cfg.Session.MaxConcurrentSessions)

	return s, st.ReturnTo, nil
}

// RefreshTokens refreshes the upstream tokens of a live session. A
// rejected refresh deletes the session.
func (o *OIDCAuthenticator) RefreshTokens(ctx context.Context, id string) (*session.Session, error) {
	s, err := session.Validate(ctx, o.store, o.cfg.Session, id)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if s.RefreshToken == "" {
		return nil, auth.NewError(auth.KindInvalidToken, "session has no refresh token")
	}

	doc, derr := o.discover(ctx)
	if derr != nil {
		return nil, derr
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.RefreshToken)
	form.Set("client_id", o.cfg.ClientID)
	if o.cfg.ClientSecret != "" {
		form.Set("client_secret", o.cfg.ClientSecret)
	}

	tok, terr := o.postToken(ctx, doc.TokenEndpoint, form)
	if terr != nil {
		// The IdP no longer honors this session.
		_ = o.store.DeleteSession(ctx, id)
		return nil, auth.NewError(auth.KindSessionExpired, "token refresh was rejected")
	}

	s.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		t := o.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		s.TokenExpiresAt = &t
	}
	if err := o.store.UpdateSession(ctx, s); err != nil {
		return nil, auth.WrapInternal("failed to update session", err)
	}
	return s, nil
}

// ValidateSession runs the shared session validation for this
// authenticator's policy.
func (o *OIDCAuthenticator) ValidateSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := session.Validate(ctx, o.store, o.cfg.Session, id)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return s, nil
}

// Logout deletes the session and returns the IdP end-session URL when
// the discovery document advertises one.
func (o *OIDCAuthenticator) Logout(ctx context.Context, id string) (string, error) {
	if err := o.store.DeleteSession(ctx, id); err != nil {
		return "", auth.WrapInternal("failed to delete session", err)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.discovery != nil {
		return o.discovery.EndSessionEndpoint, nil
	}
	return "", nil
}

func (o *OIDCAuthenticator) postToken(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, auth.WrapInternal("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, auth.WrapInternal("token endpoint request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, auth.NewError(auth.KindInternal,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, auth.WrapInternal("failed to decode token response", err)
	}
	return &tok, nil
}

// validateIDToken checks signature (via JWKS), issuer, audience, expiry
// and algorithm allow-list.
func (o *OIDCAuthenticator) validateIDToken(raw string) (jwt.MapClaims, error) {
	o.mu.RLock()
	jwks := o.jwks
	issuer := o.cfg.Issuer
	if o.discovery != nil && o.discovery.Issuer != "" {
		issuer = o.discovery.Issuer
	}
	o.mu.RUnlock()
	if jwks == nil {
		return nil, auth.NewError(auth.KindInternal, "JWT validator is not initialized")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(idTokenAlgs),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(o.cfg.ClientID),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, jwks.Keyfunc)
	if err != nil || !token.Valid {
		return nil, auth.NewError(auth.KindInvalidToken, "id_token validation failed")
	}
	return claims, nil
}

func mapSessionErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return auth.NewError(auth.KindSessionNotFound, "session not found")
	case errors.Is(err, session.ErrExpired):
		return auth.NewError(auth.KindSessionExpired, "session expired")
	default:
		return auth.WrapInternal("session lookup failed", err)
	}
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if name == "" {
		return ""
	}
	v, _ := claims[name].(string)
	return v
}

func stringListClaim(claims jwt.MapClaims, name string) []string {
	if name == "" {
		return nil
	}
	switch v := claims[name].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
