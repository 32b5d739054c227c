// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/policy"
	"axonflow/hadrian/providers"
	"axonflow/hadrian/routing"
	"axonflow/hadrian/secrets"
	"axonflow/hadrian/usage"
)

// ScopeChatCompletions is the API key scope gating the completion
// endpoint. Keys with an empty scope list are unrestricted.
const ScopeChatCompletions = "chat:completions"

const maxChatBodyBytes = 10 << 20

// Upstream performs the actual LLM call. The concrete provider adapters
// live outside the gateway; this is their seam.
type Upstream interface {
	ChatCompletion(ctx context.Context, cfg *providers.ProviderConfig, req *ChatRequest) (*ChatResponse, error)
}

// ChatMessage is one turn of an OpenAI-shaped conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound completion request. FallbackModels is a
// gateway extension: alternates tried in order when the primary model
// string fails to route.
type ChatRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	User           string        `json:"user,omitempty"`
	FallbackModels []string      `json:"fallback_models,omitempty"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage is the token accounting block of a completion response.
type ChatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

// ChatResponse is the OpenAI-shaped completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// handleChatCompletions runs the full request pipeline: decode, key
// checks, rate limits, routing, provider resolution, the upstream call,
// and the usage record. The usage entry is enqueued on every path that
// reached routing, including client cancellation.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestAt := time.Now()

	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorDetail{
			Type:      "invalid_request_error",
			Code:      "invalid_body",
			Message:   "request body is not valid JSON",
			RequestID: RequestIDFrom(r.Context()),
		})
		return
	}

	ar := AuthFrom(r.Context())
	if ar != nil && ar.APIKey != nil {
		if err := auth.CheckModelAllowed(ar.APIKey, req.Model); err != nil {
			writeError(w, r, err)
			return
		}
		if len(ar.APIKey.Scopes) > 0 {
			if err := auth.CheckScopes(ar.APIKey.Scopes, ScopeChatCompletions); err != nil {
				writeError(w, r, err)
				return
			}
		}
		if err := s.checkRateLimits(r.Context(), ar.APIKey); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := s.checkPolicy(r.Context(), ar, req.Model); err != nil {
		writeError(w, r, err)
		return
	}

	route, rerr := s.router.RouteMany(req.Model, req.FallbackModels)
	if rerr != nil {
		writeError(w, r, rerr)
		return
	}

	cfg, model, providerSource, rerr := s.resolveRoute(r.Context(), route, ar)
	if rerr != nil {
		writeError(w, r, rerr)
		return
	}

	upReq := req
	upReq.Model = model

	if s.upstream == nil {
		writeErrorBody(w, http.StatusBadGateway, errorDetail{
			Type:      "api_error",
			Code:      "upstream_unavailable",
			Message:   "no upstream adapter is configured",
			RequestID: RequestIDFrom(r.Context()),
		})
		return
	}

	resp, err := s.upstream.ChatCompletion(r.Context(), cfg, &upReq)
	latency := time.Since(requestAt).Milliseconds()

	if err != nil {
		cancelled := r.Context().Err() != nil
		status := http.StatusBadGateway
		s.recordUsage(usageBase(r, ar, upReq, cfg, providerSource, requestAt, latency,
			nil, cancelled, &status))
		if cancelled {
			return
		}
		writeErrorBody(w, status, errorDetail{
			Type:      "api_error",
			Code:      "upstream_error",
			Message:   "upstream provider request failed",
			RequestID: RequestIDFrom(r.Context()),
		})
		return
	}

	status := http.StatusOK
	s.recordUsage(usageBase(r, ar, upReq, cfg, providerSource, requestAt, latency,
		resp, false, &status))

	if ar != nil && ar.APIKey != nil && s.limiter != nil && ar.APIKey.RateLimitTPM > 0 {
		// Record actual consumption so the next minute's window sees it.
		_ = s.limiter.CheckTPM(r.Context(), ar.APIKey.KeyID, resp.Usage.TotalTokens, ar.APIKey.RateLimitTPM)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// checkRateLimits applies the key's RPM window and a zero-token TPM
// probe. Limits of zero are unset.
func (s *Server) checkRateLimits(ctx context.Context, key *auth.APIKeyAuth) error {
	if s.limiter == nil {
		return nil
	}
	if key.RateLimitRPM > 0 {
		if err := s.limiter.CheckRPM(ctx, key.KeyID, key.RateLimitRPM); err != nil {
			return err
		}
	}
	if key.RateLimitTPM > 0 {
		if err := s.limiter.CheckTPM(ctx, key.KeyID, 0, key.RateLimitTPM); err != nil {
			return err
		}
	}
	return nil
}

// checkPolicy evaluates the org's RBAC policy for the request. No org
// context or no policy configured means no policy gate.
func (s *Server) checkPolicy(ctx context.Context, ar *auth.AuthenticatedRequest, model string) error {
	if s.policies == nil || ar == nil || ar.APIKey == nil || ar.APIKey.OrgID == "" {
		return nil
	}
	engine, err := s.policies.Get(ctx, ar.APIKey.OrgID)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return nil
		}
		return auth.WrapInternal("policy lookup failed", err)
	}

	subject := auth.DerivePrincipal(*ar).ToSubject()
	effect := engine.Evaluate(subject, ScopeChatCompletions, policy.Resource{
		Type:  "model",
		ID:    model,
		OrgID: ar.APIKey.OrgID,
	})
	if effect == policy.EffectDeny {
		return auth.NewError(auth.KindForbidden, "request denied by organization policy")
	}
	return nil
}

// resolveRoute turns a parsed route into a provider config plus the
// model string that goes upstream.
func (s *Server) resolveRoute(ctx context.Context, route routing.Route, ar *auth.AuthenticatedRequest) (*providers.ProviderConfig, string, string, *routing.Error) {
	if route.Dynamic != nil {
		cfg, rerr := s.resolver.Resolve(ctx, route.Dynamic, callerAuth(ar))
		if rerr != nil {
			return nil, "", "", rerr
		}
		return cfg, route.Dynamic.Model, "dynamic", nil
	}

	sp, ok := s.router.Catalog().Get(route.Static.Provider)
	if !ok {
		return nil, "", "", routing.NotFound(route.Static.Provider)
	}
	apiKey, err := secrets.ResolveRef(ctx, s.secrets, sp.APIKeyRef)
	if err != nil {
		return nil, "", "", &routing.Error{Code: routing.ErrConfig,
			Message: "static provider secret resolution failed", Cause: err}
	}
	typ := providers.ProviderType(sp.Type)
	if typ == "" {
		typ = providers.TypeOpenAI
	}
	return &providers.ProviderConfig{
		Name:     sp.Name,
		Type:     typ,
		APIKey:   apiKey,
		Endpoint: sp.BaseURL,
	}, route.Static.Model, "static", nil
}

// callerAuth projects the authenticated request into what the dynamic
// resolver's access check needs. Nil when auth is disabled.
func callerAuth(ar *auth.AuthenticatedRequest) *providers.CallerAuth {
	if ar == nil {
		return nil
	}
	ca := &providers.CallerAuth{}
	if ar.APIKey != nil {
		ca.UserID = ar.APIKey.UserID
		ca.OrgID = ar.APIKey.OrgID
	}
	return ca
}

// usageBase assembles the immutable usage entry for one request.
func usageBase(r *http.Request, ar *auth.AuthenticatedRequest, req ChatRequest,
	cfg *providers.ProviderConfig, providerSource string, requestAt time.Time,
	latencyMs int64, resp *ChatResponse, cancelled bool, status *int) usage.LogEntry {

	entry := usage.LogEntry{
		RequestID:      RequestIDFrom(r.Context()),
		Model:          req.Model,
		Provider:       cfg.Name,
		HTTPReferer:    r.Referer(),
		RequestAt:      requestAt,
		Streamed:       req.Stream,
		Cancelled:      cancelled,
		LatencyMs:      &latencyMs,
		StatusCode:     status,
		ProviderSource: providerSource,
	}
	if ar != nil && ar.APIKey != nil {
		entry.APIKeyID = ar.APIKey.KeyID
		entry.UserID = ar.APIKey.UserID
		entry.OrgID = ar.APIKey.OrgID
		entry.ProjectID = ar.APIKey.ProjectID
		entry.TeamID = ar.APIKey.TeamID
		entry.ServiceAccountID = ar.APIKey.ServiceAccountID
	}
	if resp != nil {
		entry.InputTokens = resp.Usage.PromptTokens
		entry.OutputTokens = resp.Usage.CompletionTokens
		entry.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
		entry.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
		if len(resp.Choices) > 0 {
			entry.FinishReason = resp.Choices[0].FinishReason
		}
	}
	return entry
}

func (s *Server) recordUsage(entry usage.LogEntry) {
	if s.buffer == nil {
		return
	}
	s.buffer.Push(entry)
}
