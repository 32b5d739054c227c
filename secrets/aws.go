// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSResolver resolves secrets through AWS Secrets Manager with a short
// in-process TTL cache.
type AWSResolver struct {
	client *secretsmanager.Client
	prefix string

	mu    sync.RWMutex
	cache map[string]awsCacheEntry
	ttl   time.Duration
}

type awsCacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSResolverOptions configures the AWS backend.
type AWSResolverOptions struct {
	Region   string
	Prefix   string
	CacheTTL time.Duration
}

// NewAWSResolver creates an AWS Secrets Manager backend using the default
// credential chain.
func NewAWSResolver(ctx context.Context, opts AWSResolverOptions) (*AWSResolver, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSResolver{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: opts.Prefix,
		cache:  make(map[string]awsCacheEntry),
		ttl:    ttl,
	}, nil
}

func (r *AWSResolver) Get(ctx context.Context, key string) (string, error) {
	secretID := r.prefix + key

	r.mu.RLock()
	entry, ok := r.cache[secretID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskRef(secretID), err)
	}
	if out.SecretString == nil {
		return "", ErrNotFound
	}

	r.mu.Lock()
	r.cache[secretID] = awsCacheEntry{value: *out.SecretString, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return *out.SecretString, nil
}

var _ Resolver = (*AWSResolver)(nil)
