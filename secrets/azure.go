// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// AzureResolver resolves secrets from Azure Key Vault using the default
// Azure credential chain (env, workload identity, managed identity, CLI).
type AzureResolver struct {
	client *azsecrets.Client
	prefix string
}

// NewAzureResolver creates a Key Vault backend for the given vault URL
// (https://{name}.vault.azure.net).
func NewAzureResolver(vaultURL, prefix string) (*AzureResolver, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return &AzureResolver{client: client, prefix: prefix}, nil
}

func (r *AzureResolver) Get(ctx context.Context, key string) (string, error) {
	// Key Vault secret names permit only [A-Za-z0-9-].
	name := strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(r.prefix + key)

	resp, err := r.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to get Key Vault secret %s: %w", maskRef(name), err)
	}
	if resp.Value == nil {
		return "", ErrNotFound
	}
	return *resp.Value, nil
}

var _ Resolver = (*AzureResolver)(nil)
