// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"context"
)

// Mode string constants for SessionInfo.Mode.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// SessionHook provides observability callpoints around a stream session.
// Implementations must be safe for concurrent use when one Worker serves
// several channels at once.
type SessionHook interface {
	OnSessionStart(ctx context.Context, info SessionInfo) (context.Context, HookToken)
	OnSessionEnd(ctx context.Context, token HookToken, info SessionInfo, stats *SessionStatistics, err error)
}

// HookToken is an opaque value returned by OnSessionStart and passed back to
// OnSessionEnd. Only meaningful to the SessionHook that created it.
type HookToken interface{}

// SessionInfo carries session metadata passed to hooks. Transform is only
// known after the capsule is unpacked in dynamic mode, so it is empty in
// OnSessionStart for dynamic sessions.
type SessionInfo struct {
	SessionID string
	WorkerID  string
	Mode      string // ModeStatic or ModeDynamic
	Format    string // codec name
	Transform string
	// Metadata is host-supplied context such as W3C traceparent and
	// tracestate, set with [Worker.SetSessionMetadata].
	Metadata map[string]string
}

// MultiHook fans session callbacks out to every hook in order. Nil hooks
// are skipped.
func MultiHook(hooks ...SessionHook) SessionHook {
	var live multiHook
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return live
}

type multiHook []SessionHook

func (m multiHook) OnSessionStart(ctx context.Context, info SessionInfo) (context.Context, HookToken) {
	tokens := make([]HookToken, len(m))
	for i, h := range m {
		hookCtx, tok := h.OnSessionStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		tokens[i] = tok
	}
	return ctx, tokens
}

func (m multiHook) OnSessionEnd(ctx context.Context, token HookToken, info SessionInfo, stats *SessionStatistics, err error) {
	tokens, _ := token.([]HookToken)
	for i, h := range m {
		var tok HookToken
		if i < len(tokens) {
			tok = tokens[i]
		}
		h.OnSessionEnd(ctx, tok, info, stats, err)
	}
}

// SessionStatistics holds per-session I/O counters. Bytes count frame
// payloads and exclude the length prefixes.
type SessionStatistics struct {
	InputChunks    int64
	OutputChunks   int64
	InputRows      int64
	OutputRows     int64
	InputBytes     int64
	OutputBytes    int64
	EmptyResponses int64
	FinalEmitted   bool
	FinalState     SessionState
}

// RecordInput records one decoded input chunk.
func (s *SessionStatistics) RecordInput(numRows, payloadBytes int64) {
	s.InputChunks++
	s.InputRows += numRows
	s.InputBytes += payloadBytes
}

// RecordOutput records one encoded output chunk.
func (s *SessionStatistics) RecordOutput(numRows, payloadBytes int64) {
	s.OutputChunks++
	s.OutputRows += numRows
	s.OutputBytes += payloadBytes
}

// RecordEmpty records a zero-length response to an input chunk.
func (s *SessionStatistics) RecordEmpty() {
	s.EmptyResponses++
}
