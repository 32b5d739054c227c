// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package providers resolves dynamic (DB-defined) provider references
// into concrete provider configurations: scope lookup, access check,
// secret resolution, and config synthesis.
package providers

import (
	"fmt"
	"strings"

	"axonflow/hadrian/routing"
	"axonflow/hadrian/store"
)

// ProviderType identifies the upstream adapter a config targets.
type ProviderType string

const (
	TypeOpenAI           ProviderType = "open_ai"
	TypeOpenAICompatible ProviderType = "openai_compatible"
	TypeAnthropic        ProviderType = "anthropic"
	TypeAzureOpenAI      ProviderType = "azure_open_ai"
	TypeBedrock          ProviderType = "bedrock"
	TypeVertex           ProviderType = "vertex"
	TypeTest             ProviderType = "test"
)

// ProviderConfig is the unified configuration handed to the upstream
// adapter layer. Settings carries type-specific fields.
type ProviderConfig struct {
	Name     string         `json:"name"`
	Type     ProviderType   `json:"type"`
	APIKey   string         `json:"api_key,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Region   string         `json:"region,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Synthesize converts a dynamic provider row plus its resolved API key
// into a ProviderConfig. Validation errors come back as routing config
// errors so the gateway maps them uniformly.
func Synthesize(dp *store.DynamicProvider, apiKey string) (*ProviderConfig, *routing.Error) {
	switch ProviderType(dp.ProviderType) {
	case TypeOpenAI, TypeOpenAICompatible:
		return &ProviderConfig{
			Name:     dp.Name,
			Type:     ProviderType(dp.ProviderType),
			APIKey:   apiKey,
			Endpoint: dp.BaseURL,
		}, nil

	case TypeAnthropic:
		return &ProviderConfig{
			Name:     dp.Name,
			Type:     TypeAnthropic,
			APIKey:   apiKey,
			Endpoint: dp.BaseURL,
		}, nil

	case TypeAzureOpenAI:
		resource := azureResourceName(dp.BaseURL)
		if resource == "" {
			return nil, configErr(dp, "azure_open_ai requires a base_url of the form https://{resource}.openai.azure.com")
		}
		return &ProviderConfig{
			Name:     dp.Name,
			Type:     TypeAzureOpenAI,
			APIKey:   apiKey,
			Endpoint: dp.BaseURL,
			Settings: map[string]any{"resource_name": resource},
		}, nil

	case TypeBedrock:
		return synthesizeBedrock(dp)

	case TypeVertex:
		return synthesizeVertex(dp, apiKey)

	case TypeTest:
		return &ProviderConfig{Name: dp.Name, Type: TypeTest}, nil

	default:
		return nil, configErr(dp, fmt.Sprintf("unsupported provider type %q", dp.ProviderType))
	}
}

// azureResourceName derives the resource from a base URL by stripping the
// https:// prefix and the .openai.azure.com suffix.
func azureResourceName(baseURL string) string {
	s := strings.TrimPrefix(baseURL, "https://")
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".openai.azure.com")
	if s == baseURL || strings.Contains(s, "/") || s == "" {
		return ""
	}
	return s
}

func synthesizeBedrock(dp *store.DynamicProvider) (*ProviderConfig, *routing.Error) {
	region, _ := dp.Config["region"].(string)
	if region == "" {
		return nil, configErr(dp, "bedrock requires a region")
	}

	creds, ok := dp.Config["credentials"].(map[string]any)
	if !ok {
		return nil, configErr(dp, "bedrock requires a credentials object")
	}
	credType, _ := creds["type"].(string)
	// Only static credentials: any other credential source would read
	// from the gateway's own environment on behalf of a tenant.
	if credType != "static" {
		return nil, configErr(dp, fmt.Sprintf("bedrock credentials type %q is not allowed for dynamic providers", credType))
	}
	accessKeyID, _ := creds["access_key_id"].(string)
	secretAccessKey, _ := creds["secret_access_key"].(string)
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, configErr(dp, "bedrock static credentials require access_key_id and secret_access_key")
	}

	settings := map[string]any{
		"access_key_id":     accessKeyID,
		"secret_access_key": secretAccessKey,
	}
	if sessionToken, _ := creds["session_token"].(string); sessionToken != "" {
		settings["session_token"] = sessionToken
	}
	return &ProviderConfig{
		Name:     dp.Name,
		Type:     TypeBedrock,
		Region:   region,
		Settings: settings,
	}, nil
}

func synthesizeVertex(dp *store.DynamicProvider, apiKey string) (*ProviderConfig, *routing.Error) {
	if apiKeyCfg, _ := dp.Config["api_key"].(string); apiKeyCfg != "" || apiKey != "" {
		key := apiKey
		if key == "" {
			key = apiKeyCfg
		}
		settings := map[string]any{}
		if publisher, _ := dp.Config["publisher"].(string); publisher != "" {
			settings["publisher"] = publisher
		}
		cfg := &ProviderConfig{
			Name:     dp.Name,
			Type:     TypeVertex,
			APIKey:   key,
			Endpoint: dp.BaseURL,
		}
		if len(settings) > 0 {
			cfg.Settings = settings
		}
		return cfg, nil
	}

	project, _ := dp.Config["project"].(string)
	region, _ := dp.Config["region"].(string)
	if project == "" || region == "" {
		return nil, configErr(dp, "vertex requires project and region when no api_key is set")
	}
	creds, ok := dp.Config["credentials"].(map[string]any)
	if !ok {
		return nil, configErr(dp, "vertex requires a credentials object when no api_key is set")
	}
	credType, _ := creds["type"].(string)
	if credType != "service_account_json" {
		return nil, configErr(dp, fmt.Sprintf("vertex credentials type %q is not allowed for dynamic providers", credType))
	}
	saJSON, _ := creds["service_account_json"].(string)
	if saJSON == "" {
		return nil, configErr(dp, "vertex service_account_json credentials are empty")
	}
	return &ProviderConfig{
		Name:   dp.Name,
		Type:   TypeVertex,
		Region: region,
		Settings: map[string]any{
			"project":              project,
			"service_account_json": saJSON,
		},
	}, nil
}

func configErr(dp *store.DynamicProvider, msg string) *routing.Error {
	return &routing.Error{
		Code:     routing.ErrConfig,
		Provider: dp.Name,
		Message:  fmt.Sprintf("provider '%s': %s", dp.Name, msg),
	}
}
