// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/session"
	"axonflow/hadrian/sso"
	"axonflow/hadrian/store"
)

// handleLogin starts an SSO flow and redirects the browser to the IdP.
// An org query parameter selects that organization's connection; without
// one the default OIDC authenticator is used.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = s.cfg.DefaultReturnURL
	}
	orgID := r.URL.Query().Get("org")

	if orgID != "" {
		if s.oidcRegistry != nil {
			if a := s.oidcRegistry.Get(r.Context(), orgID); a != nil {
				url, err := a.AuthorizationURL(r.Context(), returnTo)
				s.redirectToIdP(w, r, url, err)
				return
			}
		}
		if s.samlRegistry != nil {
			if a := s.samlRegistry.Get(r.Context(), orgID); a != nil {
				url, err := a.AuthorizationURL(r.Context(), returnTo)
				s.redirectToIdP(w, r, url, err)
				return
			}
		}
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "no SSO connection for organization"))
		return
	}

	if s.defaultAuth == nil {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "SSO is not configured"))
		return
	}
	url, err := s.defaultAuth.AuthorizationURL(r.Context(), returnTo)
	s.redirectToIdP(w, r, url, err)
}

func (s *Server) redirectToIdP(w http.ResponseWriter, r *http.Request, url string, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCallback finishes an OIDC flow. The pending auth state is peeked
// first so the exchange runs against the authenticator that started it.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "missing code or state"))
		return
	}

	a := s.oidcForState(r.Context(), state)
	if a == nil {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "unknown or already used state"))
		return
	}

	sess, returnTo, err := a.ExchangeCode(r.Context(), code, state, deviceInfo(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.finishLogin(w, r, sess, returnTo)
}

// oidcForState resolves the authenticator that stored a pending state,
// falling back to the default when the state carries no org.
func (s *Server) oidcForState(ctx context.Context, state string) *sso.OIDCAuthenticator {
	st, err := s.sessions.PeekAuthState(ctx, state)
	if err != nil || st == nil || st.OrgID == "" {
		return s.defaultAuth
	}
	if s.oidcRegistry != nil {
		if a := s.oidcRegistry.Get(ctx, st.OrgID); a != nil {
			return a
		}
	}
	return s.defaultAuth
}

// finishLogin sets the session cookie and sends the browser home.
func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, sess *session.Session, returnTo string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.cfg.Session.Duration / time.Second),
	})
	if returnTo == "" {
		returnTo = "/"
	}
	s.auditEvent(sess.ExternalID, "session.login", "session", sess.ID,
		map[string]interface{}{"sso_org_id": sess.SSOOrgID, "email": sess.Email})
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// auditEvent appends an audit row off the request path.
func (s *Server) auditEvent(actorID, action, resourceType, resourceID string, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		entry := &store.AuditEntry{
			ActorType:    "user",
			ActorID:      actorID,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Metadata:     metadata,
		}
		if err := s.audit.Insert(ctx, entry); err != nil {
			log.Printf("[GATEWAY] Audit write for %s failed: %v", action, err)
		}
	}
	if s.tracker != nil && s.tracker.Go(write) {
		return
	}
	go write()
}

// handleLogout deletes the session and clears the cookie. When the IdP
// exposes an end-session endpoint the response carries it so the client
// can complete single logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(s.cfg.SessionCookieName)
	if err != nil || cookie.Value == "" {
		s.clearSessionCookie(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	endSession := s.terminateSession(r.Context(), cookie.Value)
	s.auditEvent("", "session.logout", "session", cookie.Value, nil)
	s.clearSessionCookie(w)

	if endSession != "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"end_session_endpoint": endSession})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// terminateSession deletes the session through whichever authenticator
// minted it, returning an IdP logout URL when one exists.
func (s *Server) terminateSession(ctx context.Context, id string) string {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("[GATEWAY] Session lookup during logout failed: %v", err)
		}
		return ""
	}

	if sess.SessionIndex != "" && s.samlRegistry != nil && sess.SSOOrgID != "" {
		if a := s.samlRegistry.Get(ctx, sess.SSOOrgID); a != nil {
			url, err := a.LogoutURL(ctx, sess)
			if err != nil {
				log.Printf("[GATEWAY] SAML logout URL for session %s failed: %v", id, err)
			}
			if derr := s.sessions.DeleteSession(ctx, id); derr != nil {
				log.Printf("[GATEWAY] Session delete during logout failed: %v", derr)
			}
			return url
		}
	}

	a := s.defaultAuth
	if sess.SSOOrgID != "" && s.oidcRegistry != nil {
		if orgAuth := s.oidcRegistry.Get(ctx, sess.SSOOrgID); orgAuth != nil {
			a = orgAuth
		}
	}
	if a != nil {
		url, err := a.Logout(ctx, id)
		if err != nil {
			log.Printf("[GATEWAY] Logout for session %s failed: %v", id, err)
		}
		return url
	}

	if err := s.sessions.DeleteSession(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("[GATEWAY] Session delete during logout failed: %v", err)
	}
	return ""
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// handleSAMLMetadata serves the SP metadata XML for an organization's
// SAML connection.
func (s *Server) handleSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if s.samlRegistry == nil {
		http.NotFound(w, r)
		return
	}
	a := s.samlRegistry.Get(r.Context(), orgID)
	if a == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write([]byte(a.SPMetadata()))
}

// handleSAMLACS is the assertion consumer service: the IdP POSTs the
// SAML response here and the browser leaves with a session cookie.
func (s *Server) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "malformed form body"))
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	relayState := r.PostFormValue("RelayState")
	if samlResponse == "" || relayState == "" {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "missing SAMLResponse or RelayState"))
		return
	}

	a := s.samlForState(r.Context(), relayState)
	if a == nil {
		writeError(w, r, auth.NewError(auth.KindInvalidToken, "unknown or already used relay state"))
		return
	}

	sess, returnTo, err := a.ExchangeResponse(r.Context(), samlResponse, relayState, deviceInfo(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.finishLogin(w, r, sess, returnTo)
}

func (s *Server) samlForState(ctx context.Context, relayState string) *sso.SAMLAuthenticator {
	if s.samlRegistry == nil {
		return nil
	}
	st, err := s.sessions.PeekAuthState(ctx, relayState)
	if err != nil || st == nil || st.OrgID == "" {
		return nil
	}
	return s.samlRegistry.Get(ctx, st.OrgID)
}

// handleSAMLSLO handles single logout. SP-initiated requests redirect to
// the IdP's SLO endpoint; IdP-initiated LogoutRequests just tear the
// session down locally.
func (s *Server) handleSAMLSLO(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(s.cfg.SessionCookieName)
	if err != nil || cookie.Value == "" {
		s.clearSessionCookie(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	url := s.terminateSession(r.Context(), cookie.Value)
	s.clearSessionCookie(w)
	if url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deviceInfo(r *http.Request) *session.DeviceInfo {
	return &session.DeviceInfo{
		UserAgent: r.UserAgent(),
		IPAddress: clientAddr(r),
	}
}
