// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
)

// SessionState is a stream session's position in the protocol.
type SessionState int

const (
	// StateAwaitTransform waits for the capsule frame in dynamic mode.
	StateAwaitTransform SessionState = iota
	// StateAwaitInput waits for the next data frame or the sentinel.
	StateAwaitInput
	// StateApply runs the transform on one decoded chunk and writes exactly
	// one response frame.
	StateApply
	// StateFinalize runs the finalizer and writes the closing sentinel.
	StateFinalize
	// StateDone is terminal after a clean end of stream.
	StateDone
	// StateFailed is terminal after a fatal error. Nothing more is written.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitTransform:
		return "AWAIT_TRANSFORM"
	case StateAwaitInput:
		return "AWAIT_INPUT"
	case StateApply:
		return "APPLY"
	case StateFinalize:
		return "FINALIZE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// session is one protocol lifetime over a single channel pair. It is
// driven by one goroutine and owns its transform exclusively.
type session struct {
	worker *Worker
	fr     *FrameReader
	fw     *FrameWriter
	codec  TableCodec
	logger *slog.Logger

	info  SessionInfo
	state SessionState
	stats SessionStatistics

	transform Transform
	applier   Applier
	finalizer Finalizer

	index   int64
	pending arrow.RecordBatch // chunk decoded in AWAIT_INPUT, consumed by APPLY
}

func (s *session) chunkContext() *ChunkContext {
	return &ChunkContext{
		SessionID: s.info.SessionID,
		WorkerID:  s.info.WorkerID,
		Transform: s.info.Transform,
		Index:     s.index,
		Logger:    s.logger,
	}
}

func (s *session) bind(t Transform) {
	s.transform = t
	s.applier, _ = t.(Applier)
	s.finalizer, _ = t.(Finalizer)
}

// run drives the state machine until DONE or FAILED.
func (s *session) run(ctx context.Context) error {
	defer func() {
		if s.pending != nil {
			s.pending.Release()
			s.pending = nil
		}
		s.stats.FinalState = s.state
	}()

	for {
		var err error
		prev := s.state
		switch s.state {
		case StateAwaitTransform:
			err = s.awaitTransform(ctx)
		case StateAwaitInput:
			err = s.awaitInput(ctx)
		case StateApply:
			err = s.apply(ctx)
		case StateFinalize:
			err = s.finalize(ctx)
		case StateDone:
			return nil
		default:
			return fmt.Errorf("session in unexpected state %s", s.state)
		}
		if err != nil {
			s.state = StateFailed
			return err
		}
		if s.state != prev {
			s.logger.Debug("session state", "session", s.info.SessionID, "from", prev, "to", s.state)
		}
	}
}

// readFrame reads one frame, honoring ctx before blocking.
func (s *session) readFrame(ctx context.Context, op string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindIO, op, err)
	}
	payload, err := s.fr.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrAllocation) {
			return nil, newError(KindIO, op, ctxErr)
		}
		return nil, err
	}
	s.logger.Debug("read frame", "session", s.info.SessionID, "bytes", len(payload))
	return payload, nil
}

func (s *session) writeFrame(payload []byte) error {
	if err := s.fw.WriteFrame(payload); err != nil {
		return err
	}
	s.logger.Debug("write frame", "session", s.info.SessionID, "bytes", len(payload))
	return nil
}

func (s *session) awaitTransform(ctx context.Context) error {
	payload, err := s.readFrame(ctx, "await transform")
	if err != nil {
		return err
	}
	if payload == nil {
		return newError(KindTransport, "await transform", errors.New("stream ended before the transform capsule"))
	}
	chunk, err := s.codec.Decode(payload)
	if err != nil {
		return newError(KindTransport, "decode capsule", err)
	}
	defer chunk.Release()

	t, desc, err := Unpack(chunk, s.worker.registry, s.worker.capsule)
	if err != nil {
		return err
	}
	s.bind(t)
	s.info.Transform = desc.Name
	s.logger.Info("transform unpacked", "session", s.info.SessionID, "transform", desc.Name)

	// Ready acknowledgment.
	if err := s.writeFrame(nil); err != nil {
		return err
	}
	s.state = StateAwaitInput
	return nil
}

func (s *session) awaitInput(ctx context.Context) error {
	payload, err := s.readFrame(ctx, "await input")
	if err != nil {
		return err
	}
	if payload == nil {
		s.state = StateFinalize
		return nil
	}
	chunk, err := s.codec.Decode(payload)
	if err != nil {
		return err
	}
	if err := checkSchema(s.worker.inputSchema, chunk); err != nil {
		chunk.Release()
		return err
	}
	s.stats.RecordInput(chunk.NumRows(), int64(len(payload)))
	s.pending = chunk
	s.state = StateApply
	return nil
}

func (s *session) apply(ctx context.Context) error {
	in := s.pending
	s.pending = nil
	defer in.Release()

	var out arrow.RecordBatch
	if s.applier != nil {
		var err error
		out, err = callTransform("apply", func() (arrow.RecordBatch, error) {
			return s.applier.Apply(ctx, s.chunkContext(), in)
		})
		if err != nil {
			return err
		}
	}
	if out != nil && out != in {
		defer out.Release()
	}

	if err := s.emit(out, false); err != nil {
		return err
	}
	s.index++
	s.state = StateAwaitInput
	return nil
}

func (s *session) finalize(ctx context.Context) error {
	if s.finalizer != nil {
		out, err := callTransform("finalize", func() (arrow.RecordBatch, error) {
			return s.finalizer.Finalize(ctx, s.chunkContext())
		})
		if err != nil {
			return err
		}
		if out != nil {
			err := s.emit(out, true)
			out.Release()
			if err != nil {
				return err
			}
		}
	}
	if err := s.fw.WriteSentinel(); err != nil {
		return err
	}
	s.logger.Debug("write sentinel", "session", s.info.SessionID)
	s.state = StateDone
	return nil
}

// emit writes out as one frame, or a zero-length frame when out is nil.
func (s *session) emit(out arrow.RecordBatch, final bool) error {
	if out == nil {
		s.stats.RecordEmpty()
		return s.writeFrame(nil)
	}
	payload, err := s.codec.Encode(out)
	if err != nil {
		return err
	}
	if err := s.writeFrame(payload); err != nil {
		return err
	}
	s.stats.RecordOutput(out.NumRows(), int64(len(payload)))
	if final {
		s.stats.FinalEmitted = true
	}
	return nil
}

// callTransform runs user logic, mapping errors and panics to
// KindTransform.
func callTransform(op string, fn func() (arrow.RecordBatch, error)) (out arrow.RecordBatch, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			out = nil
			err = newError(KindTransform, op, fmt.Errorf("panic: %v", rv))
		}
	}()
	out, err = fn()
	if err != nil {
		var se *StreamError
		if errors.As(err, &se) && se.Kind == KindTransform {
			return nil, err
		}
		return nil, newError(KindTransform, op, err)
	}
	return out, nil
}
