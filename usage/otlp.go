// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTLPSink emits one log record per usage entry over OTLP/gRPC.
type OTLPSink struct {
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

// NewOTLPSink builds an OTLP log exporter against endpoint
// (host:port, plaintext) and wraps it in a batching logger provider.
func NewOTLPSink(ctx context.Context, endpoint string) (*OTLPSink, error) {
	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("hadrian"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build OTLP resource: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	return &OTLPSink{
		provider: provider,
		logger:   provider.Logger("hadrian/usage"),
	}, nil
}

func (s *OTLPSink) Name() string { return "otlp" }

func (s *OTLPSink) WriteBatch(ctx context.Context, batch []LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	for i := range batch {
		s.emit(ctx, &batch[i])
	}
	return len(batch), nil
}

func (s *OTLPSink) emit(ctx context.Context, entry *LogEntry) {
	var record otellog.Record
	record.SetTimestamp(entry.RequestAt)
	record.SetSeverity(otellog.SeverityInfo)

	cost := int64(0)
	if entry.CostMicrocents != nil {
		cost = *entry.CostMicrocents
	}
	record.SetBody(otellog.StringValue(fmt.Sprintf(
		"LLM usage: %d tokens, %d microcents", entry.TotalTokens(), cost)))

	attrs := []otellog.KeyValue{
		otellog.String("hadrian.request_id", entry.RequestID),
		otellog.String("hadrian.model", entry.Model),
		otellog.String("hadrian.provider", entry.Provider),
		otellog.Int64("hadrian.input_tokens", entry.InputTokens),
		otellog.Int64("hadrian.output_tokens", entry.OutputTokens),
		otellog.Int64("hadrian.total_tokens", entry.TotalTokens()),
		otellog.Bool("hadrian.streamed", entry.Streamed),
		otellog.Bool("hadrian.cancelled", entry.Cancelled),
		otellog.Int64("hadrian.cached_tokens", entry.CachedTokens),
		otellog.Int64("hadrian.reasoning_tokens", entry.ReasoningTokens),
	}
	addString := func(key, val string) {
		if val != "" {
			attrs = append(attrs, otellog.String(key, val))
		}
	}
	addString("hadrian.api_key_id", entry.APIKeyID)
	addString("hadrian.user_id", entry.UserID)
	addString("hadrian.org_id", entry.OrgID)
	addString("hadrian.project_id", entry.ProjectID)
	addString("hadrian.team_id", entry.TeamID)
	addString("hadrian.service_account_id", entry.ServiceAccountID)
	addString("hadrian.finish_reason", entry.FinishReason)
	addString("hadrian.pricing_source", entry.PricingSource)
	addString("hadrian.provider_source", entry.ProviderSource)

	if entry.CostMicrocents != nil {
		attrs = append(attrs,
			otellog.Int64("hadrian.cost_microcents", *entry.CostMicrocents),
			otellog.Float64("hadrian.cost_dollars", float64(*entry.CostMicrocents)/1e8),
		)
	}
	if entry.LatencyMs != nil {
		attrs = append(attrs, otellog.Int64("hadrian.latency_ms", *entry.LatencyMs))
	}
	if entry.StatusCode != nil {
		attrs = append(attrs, otellog.Int64("hadrian.status_code", int64(*entry.StatusCode)))
	}
	if entry.Modalities.ImageCount > 0 {
		attrs = append(attrs, otellog.Int64("hadrian.image_count", entry.Modalities.ImageCount))
	}
	if entry.Modalities.AudioMs > 0 {
		attrs = append(attrs, otellog.Int64("hadrian.audio_ms", entry.Modalities.AudioMs))
	}
	if entry.Modalities.VideoMs > 0 {
		attrs = append(attrs, otellog.Int64("hadrian.video_ms", entry.Modalities.VideoMs))
	}

	record.AddAttributes(attrs...)
	s.logger.Emit(ctx, record)
}

// Shutdown flushes and closes the exporter.
func (s *OTLPSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

var _ Sink = (*OTLPSink)(nil)
