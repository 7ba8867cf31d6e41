// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"context"
	"log/slog"
)

// ChunkContext carries session-scoped information to transform callbacks.
type ChunkContext struct {
	// SessionID identifies the stream session in diagnostics.
	SessionID string
	// WorkerID is the identifier set via [Worker.SetWorkerID].
	WorkerID string
	// Transform is the registered name of the active transform, or empty for
	// a transform linked directly with [Worker.SetTransform].
	Transform string
	// Index is the zero-based position of the current input chunk. During
	// Finalize it equals the number of chunks received.
	Index int64
	// Logger writes to the diagnostic side channel, never the data channel.
	Logger *slog.Logger
}

// Log records a diagnostic message tagged with the session and chunk.
func (cc *ChunkContext) Log(level slog.Level, msg string, args ...any) {
	if cc.Logger == nil {
		return
	}
	args = append(args, "session", cc.SessionID, "chunk", cc.Index)
	cc.Logger.Log(context.Background(), level, msg, args...)
}
