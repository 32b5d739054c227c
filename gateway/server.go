// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package gateway is the HTTP surface: the OpenAI-compatible completion
// endpoint, the SSO browser endpoints, health and metrics, and the
// middleware pipeline that turns credentials into principals.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/lifecycle"
	"axonflow/hadrian/policy"
	"axonflow/hadrian/providers"
	"axonflow/hadrian/ratelimit"
	"axonflow/hadrian/routing"
	"axonflow/hadrian/secrets"
	"axonflow/hadrian/session"
	"axonflow/hadrian/sso"
	"axonflow/hadrian/store"
	"axonflow/hadrian/usage"
)

// Config is the gateway's runtime configuration, loaded from the
// environment.
type Config struct {
	ListenAddr        string
	APIKeyPrefix      string
	SessionCookieName string
	DefaultReturnURL  string
	AuthDisabled      bool

	JWTIssuer   string
	JWTAudience string
	JWTJWKSURL  string

	CORSAllowedOrigins []string

	Session session.Config
}

// ConfigFromEnv reads the HADRIAN_* environment.
func ConfigFromEnv() Config {
	return Config{
		ListenAddr:        getEnv("HADRIAN_LISTEN_ADDR", ":8080"),
		APIKeyPrefix:      getEnv("HADRIAN_API_KEY_PREFIX", "hk-"),
		SessionCookieName: getEnv("HADRIAN_SESSION_COOKIE", "hadrian_session"),
		DefaultReturnURL:  getEnv("HADRIAN_DEFAULT_RETURN_URL", "/"),
		AuthDisabled:      getEnvBool("HADRIAN_AUTH_DISABLED", false),

		JWTIssuer:   os.Getenv("HADRIAN_JWT_ISSUER"),
		JWTAudience: os.Getenv("HADRIAN_JWT_AUDIENCE"),
		JWTJWKSURL:  os.Getenv("HADRIAN_JWT_JWKS_URL"),

		CORSAllowedOrigins: splitCSV(getEnv("HADRIAN_CORS_ORIGINS", "*")),

		Session: session.Config{
			Duration:               getEnvDuration("HADRIAN_SESSION_DURATION", 8*time.Hour),
			InactivityTimeout:      getEnvDuration("HADRIAN_SESSION_INACTIVITY_TIMEOUT", 0),
			ActivityUpdateInterval: getEnvDuration("HADRIAN_SESSION_ACTIVITY_INTERVAL", 5*time.Minute),
			MaxConcurrentSessions:  getEnvInt("HADRIAN_MAX_CONCURRENT_SESSIONS", 0),
		},
	}
}

// APIKeySource validates inbound API keys; store.APIKeyRepo in
// production.
type APIKeySource interface {
	GetByToken(ctx context.Context, token string) (*auth.APIKey, error)
	TouchLastUsed(keyID string)
}

// Auditor appends audit rows for auth lifecycle events; store.AuditRepo
// in production.
type Auditor interface {
	Insert(ctx context.Context, e *store.AuditEntry) error
}

// Server wires the middleware pipeline to the handlers.
type Server struct {
	cfg Config

	apiKeys  APIKeySource
	sessions session.Store
	jwtKeys  keyfunc.Keyfunc

	oidcRegistry *sso.OIDCRegistry
	samlRegistry *sso.SAMLRegistry
	defaultAuth  *sso.OIDCAuthenticator

	router   *routing.Router
	resolver *providers.Resolver
	upstream Upstream

	buffer   *usage.Buffer
	limiter  *ratelimit.Limiter
	policies *policy.Registry
	tracker  *lifecycle.TaskTracker
	secrets  secrets.Resolver
	audit    Auditor
}

// Option customizes a Server at construction.
type Option func(*Server)

func WithOIDCRegistry(r *sso.OIDCRegistry) Option { return func(s *Server) { s.oidcRegistry = r } }
func WithSAMLRegistry(r *sso.SAMLRegistry) Option { return func(s *Server) { s.samlRegistry = r } }
func WithDefaultOIDC(a *sso.OIDCAuthenticator) Option {
	return func(s *Server) { s.defaultAuth = a }
}
func WithUpstream(u Upstream) Option               { return func(s *Server) { s.upstream = u } }
func WithLimiter(l *ratelimit.Limiter) Option      { return func(s *Server) { s.limiter = l } }
func WithPolicyRegistry(p *policy.Registry) Option { return func(s *Server) { s.policies = p } }
func WithTracker(t *lifecycle.TaskTracker) Option  { return func(s *Server) { s.tracker = t } }
func WithSecrets(sec secrets.Resolver) Option      { return func(s *Server) { s.secrets = sec } }
func WithAudit(a Auditor) Option                   { return func(s *Server) { s.audit = a } }

// NewServer builds the gateway. The JWKS fetcher for bearer JWTs is
// started when a JWKS URL is configured.
func NewServer(cfg Config, apiKeys APIKeySource, sessions session.Store,
	router *routing.Router, resolver *providers.Resolver, buffer *usage.Buffer,
	opts ...Option) (*Server, error) {

	s := &Server{
		cfg:      cfg,
		apiKeys:  apiKeys,
		sessions: sessions,
		router:   router,
		resolver: resolver,
		buffer:   buffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.JWTJWKSURL != "" {
		jwks, err := keyfunc.NewDefault([]string{cfg.JWTJWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS fetcher: %w", err)
		}
		s.jwtKeys = jwks
	}
	return s, nil
}

func (s *Server) defaultOIDC() *sso.OIDCAuthenticator { return s.defaultAuth }

// Handler builds the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/saml/metadata", s.handleSAMLMetadata).Methods(http.MethodGet)
	r.HandleFunc("/auth/saml/acs", s.handleSAMLACS).Methods(http.MethodPost)
	r.HandleFunc("/auth/saml/slo", s.handleSAMLSLO).Methods(http.MethodGet, http.MethodPost)

	// Authenticated API surface.
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		AllowCredentials: true,
	})
	return withRequestID(c.Handler(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}

// Run serves until ctx is cancelled, then drains with a graceful
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[GATEWAY] Listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[GATEWAY] HTTP shutdown failed: %v", err)
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
