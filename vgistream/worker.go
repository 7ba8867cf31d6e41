// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
)

// Worker runs stream sessions with a fixed configuration. A Worker with a
// transform set runs in static mode; otherwise it expects the first
// inbound frame to carry a transform capsule resolved against its
// registry.
type Worker struct {
	codec         TableCodec
	transform     Transform
	factory       func() (Transform, error)
	transformName string
	registry      *Registry
	capsule       CapsuleOptions
	inputSchema   *arrow.Schema
	maxFrameSize  uint64
	workerID      string
	hook          SessionHook
	metadata      map[string]string
	logger        *slog.Logger
	debugErrors   bool
}

// NewWorker creates a worker using the Feather codec and DefaultRegistry.
func NewWorker() *Worker {
	return &Worker{
		codec:    &FeatherCodec{},
		registry: DefaultRegistry,
	}
}

// SetCodec sets the table codec used for every data frame.
func (w *Worker) SetCodec(codec TableCodec) {
	w.codec = codec
}

// Codec returns the configured table codec.
func (w *Worker) Codec() TableCodec {
	return w.codec
}

// SetTransform links t into the worker, selecting static mode. Every
// session served shares t.
func (w *Worker) SetTransform(t Transform) {
	w.transform = t
	w.factory = nil
}

// SetTransformFactory links a constructor called once per session,
// selecting static mode with fresh transform state for each session.
func (w *Worker) SetTransformFactory(factory func() (Transform, error)) {
	w.factory = factory
	w.transform = nil
}

// SetTransformName sets the name reported for a statically linked
// transform in logs and hooks.
func (w *Worker) SetTransformName(name string) {
	w.transformName = name
}

// UseRegistered links the transform registered under name, built from
// JSON params for each session, selecting static mode. The params are
// validated immediately.
func (w *Worker) UseRegistered(name string, paramsJSON []byte) error {
	if w.registry == nil {
		return errors.New("vgistream: no registry configured")
	}
	registry := w.registry
	if _, err := registry.BuildJSON(name, paramsJSON); err != nil {
		return err
	}
	params := append([]byte(nil), paramsJSON...)
	w.SetTransformFactory(func() (Transform, error) {
		return registry.BuildJSON(name, params)
	})
	w.transformName = name
	return nil
}

// SetRegistry sets the registry capsules are resolved against.
func (w *Worker) SetRegistry(r *Registry) {
	w.registry = r
}

// SetCapsuleKey requires dynamic-mode capsules to be signed with key.
func (w *Worker) SetCapsuleKey(key []byte) {
	w.capsule.Key = key
}

// SetInputSchema makes every decoded input chunk be checked against
// schema; a mismatch is a codec error.
func (w *Worker) SetInputSchema(schema *arrow.Schema) {
	w.inputSchema = schema
}

// SetMaxFrameSize bounds the declared length of inbound frames. Zero
// restores DefaultMaxFrameSize.
func (w *Worker) SetMaxFrameSize(n uint64) {
	w.maxFrameSize = n
}

// SetWorkerID sets an identifier included in logs and hook info.
func (w *Worker) SetWorkerID(id string) {
	w.workerID = id
}

// SetHook registers a hook called around each session.
func (w *Worker) SetHook(hook SessionHook) {
	w.hook = hook
}

// SetSessionMetadata sets host-supplied key/value context passed to hooks.
func (w *Worker) SetSessionMetadata(md map[string]string) {
	w.metadata = md
}

// SetLogger sets the diagnostic logger. It must not write to the data
// channel. The default is slog.Default().
func (w *Worker) SetLogger(logger *slog.Logger) {
	w.logger = logger
}

// SetDebugErrors controls whether session failures are logged with a JSON
// detail record that includes a short stack.
func (w *Worker) SetDebugErrors(enabled bool) {
	w.debugErrors = enabled
}

func (w *Worker) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// RunStdio serves one session on os.Stdin and os.Stdout.
// If stdin or stdout is connected to a terminal, a warning is printed to
// stderr.
func (w *Worker) RunStdio() error {
	return w.RunStdioContext(context.Background())
}

// RunStdioContext is RunStdio with a context; cancelling it closes stdin.
func (w *Worker) RunStdioContext(ctx context.Context) error {
	// Writes to a closed pipe must surface as errors rather than kill the
	// process.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process speaks a framed binary protocol on stdin/stdout "+
				"and is not intended to be run interactively.\n"+
				"It should be launched as a subprocess by a host engine.")
	}
	return w.ServeWithContext(ctx, os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Serve runs exactly one session on the given reader/writer pair.
func (w *Worker) Serve(r io.Reader, wr io.Writer) error {
	return w.ServeWithContext(context.Background(), r, wr)
}

// ServeWithContext runs one session. Cancelling ctx fails the session
// with an I/O error; if r is an io.Closer it is closed to unblock a
// pending read.
func (w *Worker) ServeWithContext(ctx context.Context, r io.Reader, wr io.Writer) error {
	if w.codec == nil {
		return errors.New("vgistream: no codec configured")
	}
	mode := ModeDynamic
	transform := w.transform
	if w.factory != nil {
		t, err := w.factory()
		if err != nil {
			return fmt.Errorf("vgistream: building transform: %w", err)
		}
		transform = t
	}
	if transform != nil {
		if err := checkTransform(transform); err != nil {
			return fmt.Errorf("vgistream: %w", err)
		}
		mode = ModeStatic
	} else if w.registry == nil {
		return errors.New("vgistream: dynamic mode requires a registry")
	}

	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	logger := w.log()
	s := &session{
		worker: w,
		fr:     NewFrameReader(r, w.maxFrameSize),
		fw:     NewFrameWriter(wr),
		codec:  w.codec,
		logger: logger,
		info: SessionInfo{
			SessionID: uuid.NewString(),
			WorkerID:  w.workerID,
			Mode:      mode,
			Format:    w.codec.Name(),
			Metadata:  w.metadata,
		},
	}
	if mode == ModeStatic {
		s.bind(transform)
		s.info.Transform = w.transformName
		s.state = StateAwaitInput
	} else {
		s.state = StateAwaitTransform
	}

	var hookToken HookToken
	var hookActive bool
	if w.hook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					logger.Error("session hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = w.hook.OnSessionStart(ctx, s.info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	logger.Debug("session start", "session", s.info.SessionID, "mode", mode, "format", s.info.Format)
	err := s.run(ctx)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					logger.Error("session hook end panic", "err", rv)
				}
			}()
			w.hook.OnSessionEnd(ctx, hookToken, s.info, &s.stats, err)
		}()
	}

	if err != nil {
		level := slog.LevelError
		if isTransportClosed(err) {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "session failed",
			"session", s.info.SessionID,
			"transform", s.info.Transform,
			"chunks", s.stats.InputChunks,
			"err", err)
		if w.debugErrors {
			logger.Error("session failure detail", "session", s.info.SessionID, "detail", buildErrorDetail(err))
		}
		return err
	}
	logger.Debug("session done",
		"session", s.info.SessionID,
		"input_chunks", s.stats.InputChunks,
		"output_chunks", s.stats.OutputChunks,
		"final_emitted", s.stats.FinalEmitted)
	return nil
}

// isTransportClosed reports errors caused by the peer closing the channel.
func isTransportClosed(err error) bool {
	if errors.Is(err, ErrTruncatedRead) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "closed pipe")
}
