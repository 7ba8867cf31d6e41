// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Query-farm/vgi-stream/internal/config"
	"github.com/Query-farm/vgi-stream/vgistream"
	vgiotel "github.com/Query-farm/vgi-stream/vgistream/otel"
	vgiprom "github.com/Query-farm/vgi-stream/vgistream/prom"
)

// setupTelemetry installs the session hooks the configuration enables and
// returns a function that flushes and stops them.
func setupTelemetry(cfg config.Config, w *vgistream.Worker, logger *slog.Logger) (func(context.Context) error, error) {
	var hooks []vgistream.SessionHook
	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Telemetry.OtelStdout {
		traceExp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return shutdown, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
		closers = append(closers, tp.Shutdown)

		metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return shutdown, fmt.Errorf("metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		closers = append(closers, mp.Shutdown)

		prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)

		oc := vgiotel.DefaultConfig()
		oc.TracerProvider = tp
		oc.MeterProvider = mp
		oc.Propagator = prop
		hooks = append(hooks, vgiotel.NewHook(oc))
	}

	if cfg.Telemetry.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		h, err := vgiprom.NewHook(reg)
		if err != nil {
			return shutdown, err
		}
		srv, err := vgiprom.Expose(cfg.Telemetry.MetricsAddr, reg, logger)
		if err != nil {
			return shutdown, err
		}
		closers = append(closers, srv.Shutdown)
		hooks = append(hooks, h)
	}

	if len(hooks) > 0 {
		w.SetHook(vgistream.MultiHook(hooks...))
	}
	return shutdown, nil
}
