// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package usage implements the async usage pipeline: a bounded
// non-blocking buffer feeding a background worker that batches entries
// and fans them out to pluggable sinks.
package usage

import "time"

// LogEntry is one usage record for a completed or failed LLM request.
// Entries are immutable once enqueued.
type LogEntry struct {
	RequestID        string     `json:"request_id"`
	APIKeyID         string     `json:"api_key_id,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	OrgID            string     `json:"org_id,omitempty"`
	ProjectID        string     `json:"project_id,omitempty"`
	TeamID           string     `json:"team_id,omitempty"`
	ServiceAccountID string     `json:"service_account_id,omitempty"`
	Model            string     `json:"model"`
	Provider         string     `json:"provider"`
	InputTokens      int64      `json:"input_tokens"`
	OutputTokens     int64      `json:"output_tokens"`
	CostMicrocents   *int64     `json:"cost_microcents,omitempty"`
	HTTPReferer      string     `json:"http_referer,omitempty"`
	RequestAt        time.Time  `json:"request_at"`
	Streamed         bool       `json:"streamed"`
	CachedTokens     int64      `json:"cached_tokens"`
	ReasoningTokens  int64      `json:"reasoning_tokens"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	LatencyMs        *int64     `json:"latency_ms,omitempty"`
	Cancelled        bool       `json:"cancelled"`
	StatusCode       *int       `json:"status_code,omitempty"`
	PricingSource    string     `json:"pricing_source,omitempty"`
	Modalities       Modalities `json:"modalities,omitempty"`
	ProviderSource   string     `json:"provider_source,omitempty"`
}

// Modalities carries per-modality unit counts for multimodal requests.
type Modalities struct {
	ImageCount int64 `json:"image_count,omitempty"`
	AudioMs    int64 `json:"audio_ms,omitempty"`
	VideoMs    int64 `json:"video_ms,omitempty"`
}

// TotalTokens is input plus output.
func (e *LogEntry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}
