// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// ErrorKind classifies a fatal session error.
type ErrorKind int

const (
	// KindIO is an underlying channel read or write failure.
	KindIO ErrorKind = iota + 1
	// KindTruncatedRead means the channel closed mid-frame, including before
	// the first byte of a length prefix.
	KindTruncatedRead
	// KindCodec means a payload did not decode into a valid chunk, or a chunk
	// could not be encoded.
	KindCodec
	// KindTransport means a shipped transform could not be reconstructed.
	KindTransport
	// KindAllocation means a declared frame length exceeded the size guard.
	KindAllocation
	// KindTransform means the user transform returned an error or panicked.
	KindTransform
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindTruncatedRead:
		return "TruncatedReadError"
	case KindCodec:
		return "CodecError"
	case KindTransport:
		return "TransportError"
	case KindAllocation:
		return "AllocationError"
	case KindTransform:
		return "TransformError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for use with errors.Is. Each matches any *StreamError of the
// same kind.
var (
	ErrIO            = &StreamError{Kind: KindIO}
	ErrTruncatedRead = &StreamError{Kind: KindTruncatedRead}
	ErrCodec         = &StreamError{Kind: KindCodec}
	ErrTransport     = &StreamError{Kind: KindTransport}
	ErrAllocation    = &StreamError{Kind: KindAllocation}
	ErrTransform     = &StreamError{Kind: KindTransform}
)

// StreamError is the single error type returned by the stream protocol.
type StreamError struct {
	Kind ErrorKind
	Op   string // e.g. "read header", "decode chunk"
	Err  error

	// Got and Want are byte counts. For truncated reads Got is what arrived
	// and Want what was expected; for allocation failures Want is the
	// declared length and Got the configured limit.
	Got  uint64
	Want uint64
}

func (e *StreamError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Kind == KindTruncatedRead {
		msg += fmt.Sprintf(" (got %d of %d bytes)", e.Got, e.Want)
	}
	if e.Kind == KindAllocation {
		msg += fmt.Sprintf(" (declared %d bytes, limit %d)", e.Want, e.Got)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Is supports errors.Is by matching any *StreamError with the same Kind.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *StreamError in err's tree, or 0.
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// stackFrame is a single frame of a captured Go stack.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorDetail is the JSON written to the diagnostic log when debug errors
// are enabled.
type errorDetail struct {
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
	Frames  []stackFrame `json:"frames"`
}

// buildErrorDetail creates a JSON diagnostic for err including the
// caller's stack.
func buildErrorDetail(err error) string {
	kind := fmt.Sprintf("%T", err)
	if k := KindOf(err); k != 0 {
		kind = k.String()
	}

	var frames []stackFrame
	pcs := make([]uintptr, 10)
	n := runtime.Callers(2, pcs)
	if n > 0 {
		callersFrames := runtime.CallersFrames(pcs[:n])
		for count := 0; count < 5; count++ {
			frame, more := callersFrames.Next()
			frames = append(frames, stackFrame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
			if !more {
				break
			}
		}
	}

	data, _ := json.Marshal(errorDetail{
		Kind:    kind,
		Message: err.Error(),
		Frames:  frames,
	})
	return string(data)
}
