// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgiprom exports vgistream session metrics to Prometheus.
package vgiprom

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Query-farm/vgi-stream/vgistream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vgi_stream"

// Hook implements vgistream.SessionHook by updating Prometheus collectors.
type Hook struct {
	sessions *prometheus.CounterVec
	errors   *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	rows     *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	empty    prometheus.Counter
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// NewHook creates the collectors and registers them with reg.
func NewHook(reg prometheus.Registerer) (*Hook, error) {
	h := &Hook{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Stream sessions by mode, transform and outcome.",
		}, []string{"mode", "transform", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Failed stream sessions by error kind.",
		}, []string{"kind"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Data chunks read from and written to the host.",
		}, []string{"direction"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows read from and written to the host.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Frame payload bytes read from and written to the host.",
		}, []string{"direction"}),
		empty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_responses_total",
			Help:      "Zero-length responses written for chunks with no output.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of stream sessions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently running.",
		}),
	}
	for _, c := range []prometheus.Collector{h.sessions, h.errors, h.chunks, h.rows, h.bytes, h.empty, h.duration, h.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

type startToken struct {
	start time.Time
}

// OnSessionStart marks a session active.
func (h *Hook) OnSessionStart(ctx context.Context, info vgistream.SessionInfo) (context.Context, vgistream.HookToken) {
	h.active.Inc()
	return ctx, &startToken{start: time.Now()}
}

// OnSessionEnd records the session's counters.
func (h *Hook) OnSessionEnd(ctx context.Context, token vgistream.HookToken, info vgistream.SessionInfo, stats *vgistream.SessionStatistics, err error) {
	h.active.Dec()

	status := "ok"
	if err != nil {
		status = "error"
		kind := "unknown"
		if k := vgistream.KindOf(err); k != 0 {
			kind = k.String()
		}
		h.errors.WithLabelValues(kind).Inc()
	}
	h.sessions.WithLabelValues(info.Mode, info.Transform, status).Inc()

	if st, ok := token.(*startToken); ok {
		h.duration.WithLabelValues(info.Mode).Observe(time.Since(st.start).Seconds())
	}
	if stats == nil {
		return
	}
	h.chunks.WithLabelValues("in").Add(float64(stats.InputChunks))
	h.chunks.WithLabelValues("out").Add(float64(stats.OutputChunks))
	h.rows.WithLabelValues("in").Add(float64(stats.InputRows))
	h.rows.WithLabelValues("out").Add(float64(stats.OutputRows))
	h.bytes.WithLabelValues("in").Add(float64(stats.InputBytes))
	h.bytes.WithLabelValues("out").Add(float64(stats.OutputBytes))
	h.empty.Add(float64(stats.EmptyResponses))
}

// Expose serves /metrics for gatherer on addr in the background. The
// returned server's Addr holds the bound address and the caller shuts it
// down.
func Expose(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint stopped", "err", err)
		}
	}()
	logger.Debug("metrics endpoint listening", "addr", ln.Addr().String())
	return srv, nil
}
