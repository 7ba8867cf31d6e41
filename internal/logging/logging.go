// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package logging configures the process-wide diagnostic logger. Output
// always goes to stderr because stdout carries the data channel.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Options struct {
	Level string
	JSON  bool
}

var def atomic.Value

func init() {
	def.Store(New(os.Stderr, Options{}))
}

// New builds a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	cfg := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, cfg)
	} else {
		h = slog.NewTextHandler(w, cfg)
	}
	return slog.New(h)
}

// Configure replaces the process logger and installs it as slog's
// default.
func Configure(opts Options) *slog.Logger {
	l := New(os.Stderr, opts)
	def.Store(l)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps debug, warn and error to their slog levels; anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// InitFromEnv configures logging from VGISTREAM_LOG__LEVEL and
// VGISTREAM_LOG__JSON before the full configuration is loaded.
func InitFromEnv() *slog.Logger {
	lvl := os.Getenv("VGISTREAM_LOG__LEVEL")
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("VGISTREAM_LOG__JSON"))); err == nil {
		json = b
	}
	return Configure(Options{Level: lvl, JSON: json})
}
