// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPResolver resolves secrets from Google Secret Manager, always reading
// the latest enabled version.
type GCPResolver struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

// NewGCPResolver creates a Secret Manager backend using application default
// credentials.
func NewGCPResolver(ctx context.Context, project, prefix string) (*GCPResolver, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &GCPResolver{client: client, project: project, prefix: prefix}, nil
}

func (r *GCPResolver) Get(ctx context.Context, key string) (string, error) {
	name := r.prefix + key
	// Accept either a bare secret name or a full resource path.
	if !strings.HasPrefix(name, "projects/") {
		name = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.project, name)
	} else if !strings.Contains(name, "/versions/") {
		name += "/versions/latest"
	}

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", maskRef(name), err)
	}
	return string(resp.GetPayload().GetData()), nil
}

// Close releases the underlying gRPC connection.
func (r *GCPResolver) Close() error { return r.client.Close() }

var _ Resolver = (*GCPResolver)(nil)
