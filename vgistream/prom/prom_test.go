// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiprom

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Query-farm/vgi-stream/vgistream"
)

func TestHookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewHook(reg)
	if err != nil {
		t.Fatalf("NewHook: %v", err)
	}

	info := vgistream.SessionInfo{Mode: vgistream.ModeStatic, Transform: "sum"}
	ctx, tok := h.OnSessionStart(context.Background(), info)
	if got := testutil.ToFloat64(h.active); got != 1 {
		t.Fatalf("active = %v during session", got)
	}
	h.OnSessionEnd(ctx, tok, info, &vgistream.SessionStatistics{
		InputChunks: 3, OutputChunks: 1, InputRows: 30, OutputRows: 1,
		InputBytes: 900, OutputBytes: 80, EmptyResponses: 3,
	}, nil)

	ctx, tok = h.OnSessionStart(context.Background(), info)
	h.OnSessionEnd(ctx, tok, info, &vgistream.SessionStatistics{InputChunks: 1},
		&vgistream.StreamError{Kind: vgistream.KindCodec, Op: "decode feather"})

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"active", h.active, 0},
		{"ok sessions", h.sessions.WithLabelValues("static", "sum", "ok"), 1},
		{"failed sessions", h.sessions.WithLabelValues("static", "sum", "error"), 1},
		{"codec errors", h.errors.WithLabelValues("CodecError"), 1},
		{"chunks in", h.chunks.WithLabelValues("in"), 4},
		{"chunks out", h.chunks.WithLabelValues("out"), 1},
		{"rows in", h.rows.WithLabelValues("in"), 30},
		{"bytes out", h.bytes.WithLabelValues("out"), 80},
		{"empty responses", h.empty, 3},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
	if n := testutil.CollectAndCount(h.duration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestNewHookDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewHook(reg); err != nil {
		t.Fatalf("NewHook: %v", err)
	}
	if _, err := NewHook(reg); err == nil {
		t.Fatal("second NewHook on the same registry succeeded")
	}
}

func TestExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewHook(reg)
	if err != nil {
		t.Fatalf("NewHook: %v", err)
	}
	ctx, tok := h.OnSessionStart(context.Background(), vgistream.SessionInfo{Mode: "static"})
	h.OnSessionEnd(ctx, tok, vgistream.SessionInfo{Mode: "static"}, nil, nil)

	srv, err := Expose("127.0.0.1:0", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	defer srv.Shutdown(context.Background())

	addr := srv.Addr
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "vgi_stream_sessions_total") {
		t.Fatalf("metrics page lacks sessions counter:\n%s", body)
	}
}
