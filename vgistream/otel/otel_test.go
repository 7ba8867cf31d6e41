// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiotel

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-stream/vgistream"
)

type testProviders struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	cfg    OtelConfig
}

func newTestProviders() *testProviders {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cfg.Propagator = propagation.TraceContext{}
	return &testProviders{spans: spans, reader: reader, cfg: cfg}
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestHookSuccessfulSession(t *testing.T) {
	p := newTestProviders()
	hook := NewHook(p.cfg)

	info := vgistream.SessionInfo{SessionID: "s1", Mode: vgistream.ModeDynamic, Format: "feather"}
	ctx, token := hook.OnSessionStart(context.Background(), info)
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Fatal("OnSessionStart did not put a span in the context")
	}
	info.Transform = "sum"
	stats := &vgistream.SessionStatistics{InputChunks: 3, OutputChunks: 1, InputRows: 3, OutputRows: 1,
		EmptyResponses: 3, FinalEmitted: true, FinalState: vgistream.StateDone}
	hook.OnSessionEnd(ctx, token, info, stats, nil)

	ended := p.spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	span := ended[0]
	if span.Name() != "vgi_stream/session" || span.SpanKind() != trace.SpanKindServer {
		t.Fatalf("span = %s (%s)", span.Name(), span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v", span.Status())
	}
	attrs := attrMap(span.Attributes())
	if attrs["vgi_stream.transform"].AsString() != "sum" {
		t.Errorf("transform attribute = %v", attrs["vgi_stream.transform"])
	}
	if attrs["vgi_stream.input_chunks"].AsInt64() != 3 || !attrs["vgi_stream.final_emitted"].AsBool() {
		t.Errorf("stats attributes = %v", attrs)
	}
	if attrs["vgi_stream.final_state"].AsString() != "DONE" {
		t.Errorf("final_state = %v", attrs["vgi_stream.final_state"])
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name == "vgi_stream.chunks" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("chunks data = %T", m.Data)
				}
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				if total != 4 {
					t.Errorf("chunks total = %d, want 4", total)
				}
			}
		}
	}
	for _, name := range []string{"vgi_stream.sessions", "vgi_stream.chunks", "vgi_stream.session.duration"} {
		if !found[name] {
			t.Errorf("metric %s not recorded", name)
		}
	}
}

func TestHookFailedSession(t *testing.T) {
	p := newTestProviders()
	hook := NewHook(p.cfg)

	info := vgistream.SessionInfo{SessionID: "s2", Mode: vgistream.ModeStatic, Format: "arrow", Transform: "echo"}
	ctx, token := hook.OnSessionStart(context.Background(), info)
	err := &vgistream.StreamError{Kind: vgistream.KindTruncatedRead, Op: "read header", Got: 3, Want: 8}
	hook.OnSessionEnd(ctx, token, info, &vgistream.SessionStatistics{FinalState: vgistream.StateFailed}, err)

	span := p.spans.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v", span.Status())
	}
	if got := attrMap(span.Attributes())["vgi_stream.error_type"].AsString(); got != "TruncatedReadError" {
		t.Fatalf("error_type = %q", got)
	}
	if len(span.Events()) == 0 {
		t.Fatal("error was not recorded as an event")
	}

	p2 := newTestProviders()
	hook = NewHook(p2.cfg)
	ctx, token = hook.OnSessionStart(context.Background(), info)
	hook.OnSessionEnd(ctx, token, info, nil, errors.New("plain"))
	if got := attrMap(p2.spans.Ended()[0].Attributes())["vgi_stream.error_type"].AsString(); got != "unknown" {
		t.Fatalf("error_type = %q", got)
	}
}

func TestHookExtractsParent(t *testing.T) {
	p := newTestProviders()
	hook := NewHook(p.cfg)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	info := vgistream.SessionInfo{
		SessionID: "s3",
		Metadata:  map[string]string{"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01"},
	}
	ctx, token := hook.OnSessionStart(context.Background(), info)
	hook.OnSessionEnd(ctx, token, info, nil, nil)

	span := p.spans.Ended()[0]
	if got := span.SpanContext().TraceID().String(); got != traceID {
		t.Fatalf("trace id = %s, want %s", got, traceID)
	}
	if !span.Parent().IsRemote() {
		t.Fatal("parent is not the remote host span")
	}
}

func TestHookTracingDisabled(t *testing.T) {
	p := newTestProviders()
	p.cfg.EnableTracing = false
	hook := NewHook(p.cfg)
	ctx, token := hook.OnSessionStart(context.Background(), vgistream.SessionInfo{})
	hook.OnSessionEnd(ctx, token, vgistream.SessionInfo{}, nil, nil)
	if n := len(p.spans.Ended()); n != 0 {
		t.Fatalf("got %d spans with tracing disabled", n)
	}
}

func TestInstrumentWorker(t *testing.T) {
	p := newTestProviders()
	w := vgistream.NewWorker()
	w.SetTransform(vgistream.Funcs{})
	InstrumentWorker(w, p.cfg)

	var in, out bytes.Buffer
	if err := vgistream.NewFrameWriter(&in).WriteSentinel(); err != nil {
		t.Fatalf("WriteSentinel: %v", err)
	}
	if err := w.Serve(&in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := len(p.spans.Ended()); n != 1 {
		t.Fatalf("got %d spans, want 1", n)
	}
}
