// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package routing parses model strings — including scoped dynamic provider
// references — into routes against the static provider catalog.
//
// Scoped grammar (case-sensitive):
//
//	:user/{user_id}/{provider}/{model...}
//	:org/{org_slug}/{provider}/{model...}
//	:org/{org_slug}/:user/{user_id}/{provider}/{model...}
//	:org/{org_slug}/:project/{project_slug}/{provider}/{model...}
//	:org/{org_slug}/:team/{team_slug}/{provider}/{model...}
//
// Anything else is a static route: "{provider}/{model}" against the catalog
// or a bare model against the default provider.
package routing

import (
	"fmt"
	"strings"
)

// maxModelLength bounds model strings; longer inputs are rejected before
// any parsing.
const maxModelLength = 512

// ScopeKind identifies the owner class of a dynamic provider reference.
type ScopeKind string

const (
	ScopeUser         ScopeKind = "user"
	ScopeOrganization ScopeKind = "org"
	ScopeProject      ScopeKind = "project"
	ScopeTeam         ScopeKind = "team"
)

// Scope names the owner a dynamic provider is registered under. OrgSlug is
// empty for the bare :user/ form.
type Scope struct {
	Kind        ScopeKind
	OrgSlug     string
	UserID      string
	ProjectSlug string
	TeamSlug    string
}

// CacheKey returns the canonical cache key segment for this scope combined
// with a provider name. Distinct scopes always yield distinct keys.
func (s Scope) CacheKey(provider string) string {
	switch s.Kind {
	case ScopeUser:
		return fmt.Sprintf("dyn_provider:user:%s:%s:%s", s.OrgSlug, s.UserID, provider)
	case ScopeProject:
		return fmt.Sprintf("dyn_provider:project:%s:%s:%s", s.OrgSlug, s.ProjectSlug, provider)
	case ScopeTeam:
		return fmt.Sprintf("dyn_provider:team:%s:%s:%s", s.OrgSlug, s.TeamSlug, provider)
	default:
		return fmt.Sprintf("dyn_provider:org:%s:%s", s.OrgSlug, provider)
	}
}

// Route is the parse result: exactly one of Static or Dynamic is set.
type Route struct {
	Static  *StaticRoute
	Dynamic *DynamicRoute
}

// StaticRoute targets a provider from the static catalog.
type StaticRoute struct {
	Provider string
	Model    string
}

// DynamicRoute targets a DB-defined provider under a scope.
type DynamicRoute struct {
	Scope    Scope
	Provider string
	Model    string
}

// Router parses model strings against a static catalog.
type Router struct {
	catalog *Catalog
}

func NewRouter(catalog *Catalog) *Router {
	return &Router{catalog: catalog}
}

// Catalog exposes the static catalog backing this router.
func (r *Router) Catalog() *Catalog { return r.catalog }

// ValidateModelString rejects empty strings, strings over 512 bytes, and
// any character outside [A-Za-z0-9._/:@ -].
func ValidateModelString(model string) *Error {
	if model == "" {
		return &Error{Code: ErrInvalidModelFormat, Message: "model must not be empty"}
	}
	if len(model) > maxModelLength {
		return &Error{Code: ErrInvalidModelFormat,
			Message: fmt.Sprintf("model exceeds %d bytes", maxModelLength)}
	}
	for _, c := range model {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '/' || c == ':' || c == '@' || c == ' ' || c == '-':
		default:
			return &Error{Code: ErrInvalidModelFormat,
				Message: fmt.Sprintf("model contains invalid character %q", c)}
		}
	}
	return nil
}

// Route parses one model string. The model part of a dynamic route is
// everything after the provider segment, slashes preserved.
func (r *Router) Route(model string) (Route, *Error) {
	if err := ValidateModelString(model); err != nil {
		return Route{}, err
	}

	if strings.HasPrefix(model, ":user/") {
		parts := strings.Split(model[len(":user/"):], "/")
		if len(parts) < 3 {
			return Route{}, &Error{Code: ErrInvalidScope,
				Message: "user-scoped model must be :user/{user_id}/{provider}/{model}"}
		}
		return dynamicRoute(Scope{Kind: ScopeUser, UserID: parts[0]}, parts[1], parts[2:])
	}

	if strings.HasPrefix(model, ":org/") {
		return r.routeOrgScoped(model[len(":org/"):])
	}

	if idx := strings.Index(model, "/"); idx >= 0 {
		provider := model[:idx]
		if r.catalog.Has(provider) {
			return Route{Static: &StaticRoute{Provider: provider, Model: model[idx+1:]}}, nil
		}
		return Route{}, NotFound(provider)
	}

	def := r.catalog.Default()
	if def == "" {
		return Route{}, &Error{Code: ErrNoDefaultProvider,
			Message: "model has no provider prefix and no default provider is configured"}
	}
	return Route{Static: &StaticRoute{Provider: def, Model: model}}, nil
}

func (r *Router) routeOrgScoped(rest string) (Route, *Error) {
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return Route{}, &Error{Code: ErrInvalidScope,
			Message: "org-scoped model must be :org/{org_slug}/..."}
	}
	orgSlug := rest[:slash]
	sub := rest[slash+1:]

	for _, sel := range []struct {
		prefix string
		kind   ScopeKind
	}{
		{":user/", ScopeUser},
		{":project/", ScopeProject},
		{":team/", ScopeTeam},
	} {
		if !strings.HasPrefix(sub, sel.prefix) {
			continue
		}
		parts := strings.Split(sub[len(sel.prefix):], "/")
		if len(parts) < 3 {
			return Route{}, &Error{Code: ErrInvalidScope,
				Message: fmt.Sprintf("org-scoped model %s selector needs {id}/{provider}/{model}", sel.prefix)}
		}
		scope := Scope{Kind: sel.kind, OrgSlug: orgSlug}
		switch sel.kind {
		case ScopeUser:
			scope.UserID = parts[0]
		case ScopeProject:
			scope.ProjectSlug = parts[0]
		case ScopeTeam:
			scope.TeamSlug = parts[0]
		}
		return dynamicRoute(scope, parts[1], parts[2:])
	}

	parts := strings.Split(sub, "/")
	if len(parts) < 2 {
		return Route{}, &Error{Code: ErrInvalidScope,
			Message: "org-scoped model must be :org/{org_slug}/{provider}/{model}"}
	}
	return dynamicRoute(Scope{Kind: ScopeOrganization, OrgSlug: orgSlug}, parts[0], parts[1:])
}

// dynamicRoute joins the remaining segments back with "/" so models with
// embedded slashes (e.g. anthropic/claude-3) survive intact.
func dynamicRoute(scope Scope, provider string, modelParts []string) (Route, *Error) {
	model := strings.Join(modelParts, "/")
	if provider == "" || model == "" {
		return Route{}, &Error{Code: ErrInvalidScope,
			Message: "scoped model is missing a provider or model segment"}
	}
	return Route{Dynamic: &DynamicRoute{Scope: scope, Provider: provider, Model: model}}, nil
}

// RouteMany tries the primary model and then each fallback in order,
// returning the first route that parses and the last error otherwise.
func (r *Router) RouteMany(primary string, fallbacks []string) (Route, *Error) {
	if primary == "" && len(fallbacks) == 0 {
		return Route{}, &Error{Code: ErrNoModel, Message: "no model specified"}
	}

	var lastErr *Error
	candidates := make([]string, 0, 1+len(fallbacks))
	if primary != "" {
		candidates = append(candidates, primary)
	}
	candidates = append(candidates, fallbacks...)

	for _, model := range candidates {
		route, err := r.Route(model)
		if err == nil {
			return route, nil
		}
		lastErr = err
	}
	return Route{}, lastErr
}
