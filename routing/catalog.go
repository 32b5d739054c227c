// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticProvider is one entry of the static provider catalog.
type StaticProvider struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	BaseURL        string `yaml:"base_url,omitempty"`
	APIKeyRef      string `yaml:"api_key_ref,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// catalogFile is the on-disk shape of HADRIAN_PROVIDERS_FILE.
type catalogFile struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []StaticProvider `yaml:"providers"`
}

// Catalog is the process-wide static provider registry, built once at
// startup and read concurrently afterwards.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]StaticProvider
	def       string
}

// NewCatalog builds a catalog from entries and a default provider name.
func NewCatalog(providers []StaticProvider, defaultProvider string) (*Catalog, error) {
	c := &Catalog{providers: make(map[string]StaticProvider, len(providers))}
	for _, p := range providers {
		if p.Name == "" {
			return nil, &Error{Code: ErrConfig, Message: "static provider with empty name"}
		}
		if _, dup := c.providers[p.Name]; dup {
			return nil, &Error{Code: ErrConfig,
				Message: fmt.Sprintf("duplicate static provider %q", p.Name)}
		}
		c.providers[p.Name] = p
	}
	if defaultProvider != "" {
		if _, ok := c.providers[defaultProvider]; !ok {
			return nil, &Error{Code: ErrConfig,
				Message: fmt.Sprintf("default provider %q is not in the catalog", defaultProvider)}
		}
		c.def = defaultProvider
	}
	return c, nil
}

// LoadCatalogFile reads a YAML catalog file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrConfig,
			Message: fmt.Sprintf("failed to read providers file %s", path), Cause: err}
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &Error{Code: ErrConfig,
			Message: fmt.Sprintf("failed to parse providers file %s", path), Cause: err}
	}
	return NewCatalog(file.Providers, file.DefaultProvider)
}

// Has reports whether a static provider with this name exists.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Get returns the provider entry.
func (c *Catalog) Get(name string) (StaticProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// Default returns the default provider name, or empty when unset.
func (c *Catalog) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

// Names lists the configured providers.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}
