// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultAuthMethod selects how the Vault backend authenticates.
type VaultAuthMethod string

const (
	VaultAuthToken      VaultAuthMethod = "token"
	VaultAuthAppRole    VaultAuthMethod = "approle"
	VaultAuthKubernetes VaultAuthMethod = "kubernetes"
)

// VaultResolverOptions configures the Vault backend.
type VaultResolverOptions struct {
	Address string
	Auth    VaultAuthMethod

	// Token auth.
	Token string

	// AppRole auth.
	RoleID   string
	SecretID string

	// Kubernetes auth.
	K8sRole          string
	K8sTokenPath     string // default /var/run/secrets/kubernetes.io/serviceaccount/token
	K8sMountPath     string // default kubernetes
	AppRoleMountPath string // default approle

	// MountPath is the KV v2 mount; default "secret".
	MountPath string
	Prefix    string
}

// VaultResolver resolves secrets from a HashiCorp Vault KV v2 mount. The
// key addresses a path; a "#field" suffix selects a field, defaulting to
// "value".
type VaultResolver struct {
	client *vault.Client
	mount  string
	prefix string
}

// NewVaultResolver creates and authenticates a Vault backend.
func NewVaultResolver(ctx context.Context, opts VaultResolverOptions) (*VaultResolver, error) {
	cfg := vault.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	switch opts.Auth {
	case VaultAuthToken, "":
		token := opts.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("vault token auth selected but no token provided")
		}
		client.SetToken(token)

	case VaultAuthAppRole:
		mount := opts.AppRoleMountPath
		if mount == "" {
			mount = "approle"
		}
		secret, err := client.Logical().WriteWithContext(ctx,
			fmt.Sprintf("auth/%s/login", mount),
			map[string]interface{}{"role_id": opts.RoleID, "secret_id": opts.SecretID})
		if err != nil {
			return nil, fmt.Errorf("vault approle login failed: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth data")
		}
		client.SetToken(secret.Auth.ClientToken)

	case VaultAuthKubernetes:
		tokenPath := opts.K8sTokenPath
		if tokenPath == "" {
			tokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
		}
		jwt, err := os.ReadFile(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account token: %w", err)
		}
		mount := opts.K8sMountPath
		if mount == "" {
			mount = "kubernetes"
		}
		secret, err := client.Logical().WriteWithContext(ctx,
			fmt.Sprintf("auth/%s/login", mount),
			map[string]interface{}{"role": opts.K8sRole, "jwt": strings.TrimSpace(string(jwt))})
		if err != nil {
			return nil, fmt.Errorf("vault kubernetes login failed: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault kubernetes login returned no auth data")
		}
		client.SetToken(secret.Auth.ClientToken)

	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", opts.Auth)
	}

	mount := opts.MountPath
	if mount == "" {
		mount = "secret"
	}
	return &VaultResolver{client: client, mount: mount, prefix: opts.Prefix}, nil
}

func (r *VaultResolver) Get(ctx context.Context, key string) (string, error) {
	path := r.prefix + key
	field := "value"
	if idx := strings.LastIndex(path, "#"); idx >= 0 {
		field = path[idx+1:]
		path = path[:idx]
	}

	secret, err := r.client.KVv2(r.mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s failed: %w", maskRef(path), err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	value, ok := secret.Data[field].(string)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

var _ Resolver = (*VaultResolver)(nil)
