// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Hadrian gateway.
//
// Hadrian is a multi-tenant LLM gateway: API key and SSO identity
// pipeline, model routing across static and DB-defined providers,
// org-level RBAC policies, rate limiting, and an async usage pipeline.
//
// Usage:
//
//	./hadrian
//
// Environment Variables:
//
//	HADRIAN_LISTEN_ADDR - HTTP listen address (default :8080)
//	HADRIAN_DATABASE_URL - PostgreSQL connection string (required)
//	HADRIAN_REDIS_URL - Redis URL for sessions, caching, rate limits (optional)
//	HADRIAN_PROVIDERS_FILE - YAML static provider catalog (optional)
//	HADRIAN_SECRETS_PROVIDER - aws | azure | gcp | vault | env (optional)
//	HADRIAN_OTLP_ENDPOINT - OTLP gRPC endpoint for usage export (optional)
//	HADRIAN_OIDC_ISSUER / _CLIENT_ID / _CLIENT_SECRET / _REDIRECT_URI -
//	  default instance-wide OIDC connection (optional)
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/hadrian/cache"
	"axonflow/hadrian/events"
	"axonflow/hadrian/gateway"
	"axonflow/hadrian/lifecycle"
	"axonflow/hadrian/policy"
	"axonflow/hadrian/providers"
	"axonflow/hadrian/ratelimit"
	"axonflow/hadrian/retention"
	"axonflow/hadrian/routing"
	"axonflow/hadrian/secrets"
	"axonflow/hadrian/session"
	"axonflow/hadrian/sso"
	"axonflow/hadrian/store"
	"axonflow/hadrian/usage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := gateway.ConfigFromEnv()

	databaseURL := os.Getenv("HADRIAN_DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("[MAIN] HADRIAN_DATABASE_URL is required")
	}
	db, err := store.Open(databaseURL)
	if err != nil {
		log.Fatalf("[MAIN] Database connection failed: %v", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if redisURL := os.Getenv("HADRIAN_REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("[MAIN] Invalid HADRIAN_REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("[MAIN] Redis ping failed, continuing degraded: %v", err)
		}
		defer redisClient.Close()
	}

	secretsResolver := buildSecretsResolver(ctx)

	var sessionStore session.Store
	var providerCache cache.Cache
	if redisClient != nil {
		sessionStore = session.NewRedisStoreWithClient(redisClient)
		providerCache = cache.NewRedisCache(redisClient)
	} else {
		log.Printf("[MAIN] No Redis configured, using in-memory session store and cache")
		sessionStore = session.NewMemoryStore()
		providerCache = cache.NewMemoryCache()
	}

	catalog := loadCatalog()
	router := routing.NewRouter(catalog)

	apiKeys := store.NewAPIKeyRepo(db)
	tenancy := store.NewTenancyRepo(db)
	dynProviders := store.NewDynamicProviderRepo(db)
	usageRepo := store.NewUsageRepo(db)
	dlqRepo := store.NewDLQRepo(db)
	auditRepo := store.NewAuditRepo(db)
	conversations := store.NewConversationRepo(db)
	ssoRepo := store.NewSSORepo(db)
	policyRepo := store.NewPolicyRepo(db)

	resolver := providers.NewResolver(tenancy, dynProviders, providerCache, secretsResolver)

	policyRegistry, err := policy.NewRegistry(ctx, policy.DefaultRegistryConfig(), policyRepo)
	if err != nil {
		log.Fatalf("[MAIN] Policy registry init failed: %v", err)
	}

	// Usage pipeline: bounded buffer feeding DB (with DLQ fallback) and,
	// when configured, an OTLP log exporter.
	bus := events.NewBus()
	sinks := []usage.Sink{usage.NewDatabaseSink(usageRepo, dlqRepo)}
	var exporters []lifecycle.Exporter
	if endpoint := os.Getenv("HADRIAN_OTLP_ENDPOINT"); endpoint != "" {
		otlp, err := usage.NewOTLPSink(ctx, endpoint)
		if err != nil {
			log.Printf("[MAIN] OTLP sink init failed, usage export disabled: %v", err)
		} else {
			sinks = append(sinks, otlp)
			exporters = append(exporters, otlp)
		}
	}
	buffer := usage.NewBuffer(usage.BufferConfig{}, usage.NewCompositeSink(sinks...), bus)

	tracker := lifecycle.NewTaskTracker()

	// Daily spend aggregation rides the usage event stream.
	bus.Subscribe(events.TopicUsageRecorded, func(_ string, payload interface{}) {
		p, ok := payload.(*usage.LogEntry)
		if !ok {
			return
		}
		// Handlers run on the flush goroutine and the batch slice is
		// reused, so copy before going async.
		entry := *p
		tracker.Go(func() {
			wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer wcancel()
			if err := usageRepo.UpsertDailySpend(wctx, &entry); err != nil {
				log.Printf("[MAIN] Daily spend upsert failed: %v", err)
			}
		})
	})

	oidcRegistry := sso.NewOIDCRegistry(ssoRepo, secretsResolver, sessionStore, cfg.Session)
	if err := oidcRegistry.InitializeFromDB(ctx); err != nil {
		log.Printf("[MAIN] OIDC registry load failed: %v", err)
	}
	samlRegistry := sso.NewSAMLRegistry(ssoRepo, secretsResolver, sessionStore, cfg.Session)
	if err := samlRegistry.InitializeFromDB(ctx); err != nil {
		log.Printf("[MAIN] SAML registry load failed: %v", err)
	}
	defaultOIDC := buildDefaultOIDC(cfg, sessionStore)

	retentionWorker := retention.NewWorker(retentionConfig(), usageRepo, auditRepo, conversations)
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	defer retentionCancel()
	tracker.Go(func() { retentionWorker.Run(retentionCtx) })

	srv, err := gateway.NewServer(cfg, apiKeys, sessionStore, router, resolver, buffer,
		gateway.WithOIDCRegistry(oidcRegistry),
		gateway.WithSAMLRegistry(samlRegistry),
		gateway.WithDefaultOIDC(defaultOIDC),
		gateway.WithLimiter(ratelimit.NewLimiter(redisClient)),
		gateway.WithPolicyRegistry(policyRegistry),
		gateway.WithTracker(tracker),
		gateway.WithSecrets(secretsResolver),
		gateway.WithAudit(auditRepo),
	)
	if err != nil {
		log.Fatalf("[MAIN] Gateway init failed: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()

	coordinator := &lifecycle.Coordinator{
		Tracker:   tracker,
		Buffer:    buffer,
		Bus:       bus,
		Exporters: exporters,
	}

	select {
	case sig := <-signalChan(ctx):
		log.Printf("[MAIN] Received %v, shutting down", sig)
	case err := <-serverDone:
		if err != nil {
			log.Printf("[MAIN] Server exited: %v", err)
		}
	}
	retentionCancel()
	cancel()
	coordinator.Shutdown()
}

func signalChan(ctx context.Context) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	go func() {
		if sig := lifecycle.WaitForSignal(ctx); sig != nil {
			ch <- sig
		}
	}()
	return ch
}

// buildSecretsResolver selects the secret backend. Nil means references
// resolve through ${VAR} environment indirection only.
func buildSecretsResolver(ctx context.Context) secrets.Resolver {
	prefix := os.Getenv("HADRIAN_SECRETS_PREFIX")
	switch strings.ToLower(os.Getenv("HADRIAN_SECRETS_PROVIDER")) {
	case "aws":
		r, err := secrets.NewAWSResolver(ctx, secrets.AWSResolverOptions{
			Region: os.Getenv("AWS_REGION"),
			Prefix: prefix,
		})
		if err != nil {
			log.Fatalf("[MAIN] AWS secrets init failed: %v", err)
		}
		return r
	case "azure":
		r, err := secrets.NewAzureResolver(os.Getenv("AZURE_KEYVAULT_URL"), prefix)
		if err != nil {
			log.Fatalf("[MAIN] Azure secrets init failed: %v", err)
		}
		return r
	case "gcp":
		r, err := secrets.NewGCPResolver(ctx, os.Getenv("GCP_PROJECT"), prefix)
		if err != nil {
			log.Fatalf("[MAIN] GCP secrets init failed: %v", err)
		}
		return r
	case "vault":
		r, err := secrets.NewVaultResolver(ctx, secrets.VaultResolverOptions{
			Address:   os.Getenv("VAULT_ADDR"),
			Token:     os.Getenv("VAULT_TOKEN"),
			RoleID:    os.Getenv("VAULT_ROLE_ID"),
			SecretID:  os.Getenv("VAULT_SECRET_ID"),
			K8sRole:   os.Getenv("VAULT_K8S_ROLE"),
			MountPath: os.Getenv("VAULT_MOUNT_PATH"),
			Prefix:    prefix,
		})
		if err != nil {
			log.Fatalf("[MAIN] Vault secrets init failed: %v", err)
		}
		return r
	case "env":
		return secrets.NewEnvResolver(prefix)
	default:
		return nil
	}
}

func loadCatalog() *routing.Catalog {
	path := os.Getenv("HADRIAN_PROVIDERS_FILE")
	if path == "" {
		log.Printf("[MAIN] No static provider catalog configured")
		catalog, _ := routing.NewCatalog(nil, "")
		return catalog
	}
	catalog, err := routing.LoadCatalogFile(path)
	if err != nil {
		log.Fatalf("[MAIN] Static provider catalog load failed: %v", err)
	}
	return catalog
}

// buildDefaultOIDC wires the instance-wide OIDC connection from the
// environment; nil when unset.
func buildDefaultOIDC(cfg gateway.Config, st session.Store) *sso.OIDCAuthenticator {
	issuer := os.Getenv("HADRIAN_OIDC_ISSUER")
	clientID := os.Getenv("HADRIAN_OIDC_CLIENT_ID")
	if issuer == "" || clientID == "" {
		return nil
	}
	return sso.NewOIDCAuthenticator(sso.OIDCConfig{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: os.Getenv("HADRIAN_OIDC_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("HADRIAN_OIDC_REDIRECT_URI"),
		Session:      cfg.Session,
	}, st)
}

func retentionConfig() retention.Config {
	return retention.Config{
		IntervalHours:           envInt("HADRIAN_RETENTION_INTERVAL_HOURS", 24),
		UsageRecordDays:         envInt("HADRIAN_RETENTION_USAGE_DAYS", 0),
		DailySpendDays:          envInt("HADRIAN_RETENTION_SPEND_DAYS", 0),
		AuditLogDays:            envInt("HADRIAN_RETENTION_AUDIT_DAYS", 0),
		DeletedConversationDays: envInt("HADRIAN_RETENTION_CONVERSATION_DAYS", 0),
		MaxPerRun:               int64(envInt("HADRIAN_RETENTION_MAX_PER_RUN", 0)),
		DryRun:                  os.Getenv("HADRIAN_RETENTION_DRY_RUN") == "true",
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	return n
}
