// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/session"
	"axonflow/hadrian/store"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyAuth
	ctxKeyPrincipal
)

// RequestIDFrom returns the request id injected by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// AuthFrom returns the authenticated request, nil when auth is disabled.
func AuthFrom(ctx context.Context) *auth.AuthenticatedRequest {
	ar, _ := ctx.Value(ctxKeyAuth).(*auth.AuthenticatedRequest)
	return ar
}

// PrincipalFrom returns the derived principal for the request.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*auth.Principal)
	return p
}

// withRequestID assigns every request an id, honoring an inbound
// X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate is the identity pipeline: extract credentials, validate
// them, and derive the principal. Requests with no credentials at all
// are rejected unless auth is disabled.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthDisabled {
			next.ServeHTTP(w, r)
			return
		}

		ar, err := s.resolveCredentials(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		principal := auth.DerivePrincipal(*ar)
		ctx := context.WithValue(r.Context(), ctxKeyAuth, ar)
		ctx = context.WithValue(ctx, ctxKeyPrincipal, &principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveCredentials validates whatever the request carries: API key,
// JWT bearer, or session cookie. Exactly one AuthenticatedRequest shape
// comes out.
func (s *Server) resolveCredentials(r *http.Request) (*auth.AuthenticatedRequest, error) {
	cred, cerr := auth.ExtractCredentials(r, s.cfg.APIKeyPrefix)
	if cerr != nil {
		return nil, cerr
	}

	var keyAuth *auth.APIKeyAuth
	if cred.APIKey != "" {
		ka, err := s.validateAPIKey(r)
		if err != nil {
			return nil, err
		}
		keyAuth = ka
	}

	var identity *auth.Identity
	if cred.BearerToken != "" {
		id, err := s.validateJWT(cred.BearerToken)
		if err != nil {
			return nil, err
		}
		identity = id
	} else if cookie, err := r.Cookie(s.cfg.SessionCookieName); err == nil && cookie.Value != "" {
		id, err := s.validateSessionCookie(r.Context(), cookie.Value)
		if err != nil {
			return nil, err
		}
		identity = id
	}

	switch {
	case keyAuth != nil && identity != nil:
		return &auth.AuthenticatedRequest{Kind: auth.AuthBoth, APIKey: keyAuth, Identity: identity}, nil
	case keyAuth != nil:
		return &auth.AuthenticatedRequest{Kind: auth.AuthAPIKey, APIKey: keyAuth}, nil
	case identity != nil:
		return &auth.AuthenticatedRequest{Kind: auth.AuthIdentity, Identity: identity}, nil
	default:
		return nil, auth.NewError(auth.KindMissingCredentials, "no credentials provided")
	}
}

// validateAPIKey looks the key up by hash and applies the effectiveness
// and IP checks. Unknown and expired keys share one client-visible error.
func (s *Server) validateAPIKey(r *http.Request) (*auth.APIKeyAuth, error) {
	cred, _ := auth.ExtractCredentials(r, s.cfg.APIKeyPrefix)

	key, err := s.apiKeys.GetByToken(r.Context(), cred.APIKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, auth.NewError(auth.KindInvalidAPIKey, "invalid API key")
		}
		return nil, auth.WrapInternal("API key lookup failed", err)
	}
	if !key.IsEffective(time.Now()) {
		return nil, auth.NewError(auth.KindExpiredAPIKey, "invalid API key")
	}
	if ipErr := auth.CheckIPAllowed(key.IPAllowlist, clientAddr(r)); ipErr != nil {
		return nil, ipErr
	}

	s.apiKeys.TouchLastUsed(key.ID)
	ka := key.AuthOf()
	return &ka, nil
}

// validateJWT verifies a non-key bearer token against the configured
// issuer and audience.
func (s *Server) validateJWT(token string) (*auth.Identity, error) {
	if s.jwtKeys == nil {
		return nil, auth.NewError(auth.KindInvalidToken, "bearer tokens are not accepted")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithIssuer(s.cfg.JWTIssuer),
		jwt.WithAudience(s.cfg.JWTAudience),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, s.jwtKeys.Keyfunc)
	if err != nil || !parsed.Valid {
		return nil, auth.NewError(auth.KindInvalidToken, "invalid bearer token")
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &auth.Identity{
		ExternalID: sub,
		Email:      email,
		Name:       name,
		Roles:      claimStrings(claims, "roles"),
		IdpGroups:  claimStrings(claims, "groups"),
		Scopes:     claimStrings(claims, "scope"),
	}, nil
}

// validateSessionCookie resolves an SSO session cookie into an Identity.
// An expired session with a known org authenticator yields a redirect to
// re-authenticate instead of a bare 401.
func (s *Server) validateSessionCookie(ctx context.Context, id string) (*auth.Identity, error) {
	sess, err := session.Validate(ctx, s.sessions, s.cfg.Session, id)
	if err != nil {
		if s.oidcRegistry != nil && errors.Is(err, session.ErrExpired) {
			if a := s.defaultOIDC(); a != nil {
				if redirectURL, aerr := a.AuthorizationURL(ctx, "/"); aerr == nil {
					return nil, &auth.RedirectError{URL: redirectURL}
				}
			}
		}
		if errors.Is(err, session.ErrNotFound) {
			return nil, auth.NewError(auth.KindSessionNotFound, "session not found")
		}
		if errors.Is(err, session.ErrExpired) {
			return nil, auth.NewError(auth.KindSessionExpired, "session expired")
		}
		return nil, auth.WrapInternal("session lookup failed", err)
	}

	return &auth.Identity{
		ExternalID: sess.ExternalID,
		Email:      sess.Email,
		Name:       sess.Name,
		Roles:      sess.Roles,
		IdpGroups:  sess.Groups,
	}, nil
}

func claimStrings(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// clientAddr prefers X-Forwarded-For when the deployment trusts its
// proxy, falling back to the socket peer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	return r.RemoteAddr
}
