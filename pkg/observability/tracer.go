// Copyright 2025 The Corral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability sets up the OpenTelemetry tracer used around
// executions, model calls, and tool dispatches. All helpers are nil-safe so
// callers never have to branch on whether tracing is enabled.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span names.
const (
	SpanExecution    = "corral.execution"
	SpanLLMCall      = "corral.llm_call"
	SpanToolDispatch = "corral.tool_dispatch"
)

// Attribute keys.
const (
	AttrExecutionID  = "corral.execution_id"
	AttrKind         = "corral.kind"
	AttrTargetID     = "corral.target_id"
	AttrModel        = "gen_ai.request.model"
	AttrInputTokens  = "gen_ai.usage.input_tokens"
	AttrOutputTokens = "gen_ai.usage.output_tokens"
	AttrCost         = "corral.cost_usd"
	AttrProvider     = "corral.tool_provider"
	AttrTool         = "gen_ai.tool.name"
)

// Config selects the exporter and sampling for the tracer.
type Config struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
	Stdout      bool
	ServiceName string
	Version     string
}

// Tracer wraps the OpenTelemetry tracer with helpers for the spans the
// engine emits. A nil Tracer is valid and produces no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from configuration. Returns (nil, nil) when
// tracing is disabled.
func NewTracer(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "corral"
	}
	if cfg.SampleRatio <= 0 {
		cfg.SampleRatio = 1.0
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Stdout || cfg.Endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return newOTLPExporter(ctx, cfg)
}

func newOTLPExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}

// Start begins a span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartExecution begins the root span for one execution.
func (t *Tracer) StartExecution(ctx context.Context, kind, executionID, targetID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanExecution,
		trace.WithAttributes(
			attribute.String(AttrKind, kind),
			attribute.String(AttrExecutionID, executionID),
			attribute.String(AttrTargetID, targetID),
		),
	)
}

// StartLLMCall begins a span for one model gateway call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMCall,
		trace.WithAttributes(attribute.String(AttrModel, model)),
	)
}

// StartToolDispatch begins a span for one tool call.
func (t *Tracer) StartToolDispatch(ctx context.Context, provider, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolDispatch,
		trace.WithAttributes(
			attribute.String(AttrProvider, provider),
			attribute.String(AttrTool, tool),
		),
	)
}

// AddUsage records token usage and cost on a span.
func (t *Tracer) AddUsage(span trace.Span, inputTokens, outputTokens int, cost float64) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
		attribute.Float64(AttrCost, cost),
	)
}

// RecordError records an error on a span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.message", err.Error()))
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
