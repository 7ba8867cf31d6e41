// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgiotel provides OpenTelemetry instrumentation for vgistream
// workers. It implements the [vgistream.SessionHook] interface to add a
// span and metrics per stream session.
//
// Usage:
//
//	worker := vgistream.NewWorker()
//	vgiotel.InstrumentWorker(worker, vgiotel.DefaultConfig())
package vgiotel

import (
	"context"
	"time"

	"github.com/Query-farm/vgi-stream/vgistream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "vgi_stream"

// OtelConfig configures OpenTelemetry instrumentation for a worker.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from session metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed sessions.
	// Default true.
	RecordExceptions bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentWorker attaches OpenTelemetry instrumentation to a worker
// via [vgistream.Worker.SetHook].
func InstrumentWorker(worker *vgistream.Worker, cfg OtelConfig) {
	worker.SetHook(NewHook(cfg))
}

// NewHook returns the session hook without installing it, for combining
// with other hooks.
func NewHook(cfg OtelConfig) vgistream.SessionHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.sessionCounter, _ = meter.Int64Counter("vgi_stream.sessions",
			metric.WithUnit("{session}"),
			metric.WithDescription("Number of stream sessions"),
		)
		hook.chunkCounter, _ = meter.Int64Counter("vgi_stream.chunks",
			metric.WithUnit("{chunk}"),
			metric.WithDescription("Number of chunks read and written"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("vgi_stream.session.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of stream sessions"),
		)
	}
	return hook
}

// otelHook implements vgistream.SessionHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	sessionCounter    metric.Int64Counter
	chunkCounter      metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnSessionStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnSessionStart extracts parent trace context and starts a server span.
func (h *otelHook) OnSessionStart(ctx context.Context, info vgistream.SessionInfo) (context.Context, vgistream.HookToken) {
	if h.cfg.Propagator != nil && info.Metadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.Metadata))
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("vgi_stream.session_id", info.SessionID),
		attribute.String("vgi_stream.mode", info.Mode),
		attribute.String("vgi_stream.format", info.Format),
	}
	if info.WorkerID != "" {
		attrs = append(attrs, attribute.String("vgi_stream.worker_id", info.WorkerID))
	}
	if info.Transform != "" {
		attrs = append(attrs, attribute.String("vgi_stream.transform", info.Transform))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "vgi_stream/session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnSessionEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnSessionEnd(ctx context.Context, token vgistream.HookToken, info vgistream.SessionInfo, stats *vgistream.SessionStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("vgi_stream.mode", info.Mode),
			attribute.String("vgi_stream.format", info.Format),
			attribute.String("vgi_stream.transform", info.Transform),
			attribute.String("status", status),
		)
		if h.sessionCounter != nil {
			h.sessionCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
		if h.chunkCounter != nil && stats != nil {
			h.chunkCounter.Add(ctx, stats.InputChunks, metric.WithAttributes(
				attribute.String("vgi_stream.transform", info.Transform),
				attribute.String("direction", "in"),
			))
			h.chunkCounter.Add(ctx, stats.OutputChunks, metric.WithAttributes(
				attribute.String("vgi_stream.transform", info.Transform),
				attribute.String("direction", "out"),
			))
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	// Dynamic sessions only learn the transform name after unpacking.
	if info.Transform != "" {
		st.span.SetAttributes(attribute.String("vgi_stream.transform", info.Transform))
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("vgi_stream.input_chunks", stats.InputChunks),
			attribute.Int64("vgi_stream.output_chunks", stats.OutputChunks),
			attribute.Int64("vgi_stream.input_rows", stats.InputRows),
			attribute.Int64("vgi_stream.output_rows", stats.OutputRows),
			attribute.Int64("vgi_stream.input_bytes", stats.InputBytes),
			attribute.Int64("vgi_stream.output_bytes", stats.OutputBytes),
			attribute.Int64("vgi_stream.empty_responses", stats.EmptyResponses),
			attribute.Bool("vgi_stream.final_emitted", stats.FinalEmitted),
			attribute.String("vgi_stream.final_state", stats.FinalState.String()),
		)
	}

	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := "unknown"
		if k := vgistream.KindOf(err); k != 0 {
			errType = k.String()
		}
		st.span.SetAttributes(attribute.String("vgi_stream.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
