// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrUnexpectedFrame is returned by Host when the worker answers with a
// frame the protocol does not allow at that point.
var ErrUnexpectedFrame = errors.New("vgistream: unexpected frame from worker")

// Host drives the host side of one session: it writes to the worker's
// input and reads the worker's output in strict lockstep. It is meant for
// tests and development tooling.
type Host struct {
	fw       *FrameWriter
	fr       *FrameReader
	codec    TableCodec
	finished bool
}

// NewHost returns a Host writing to toWorker and reading from fromWorker.
func NewHost(toWorker io.Writer, fromWorker io.Reader, codec TableCodec) *Host {
	return &Host{
		fw:    NewFrameWriter(toWorker),
		fr:    NewFrameReader(fromWorker, 0),
		codec: codec,
	}
}

// SendTransform sends a capsule chunk and waits for the worker's ready
// acknowledgment.
func (h *Host) SendTransform(capsule arrow.RecordBatch) error {
	payload, err := h.codec.Encode(capsule)
	if err != nil {
		return err
	}
	if err := h.fw.WriteFrame(payload); err != nil {
		return err
	}
	ack, err := h.fr.ReadFrame()
	if err != nil {
		return err
	}
	if ack != nil {
		return ErrUnexpectedFrame
	}
	return nil
}

// Exchange sends one chunk and returns the worker's response. A nil chunk
// with a nil error means the transform produced no output for this input.
func (h *Host) Exchange(chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
	payload, err := h.codec.Encode(chunk)
	if err != nil {
		return nil, err
	}
	if err := h.fw.WriteFrame(payload); err != nil {
		return nil, err
	}
	return h.readChunk()
}

// Finish sends the end-of-stream sentinel and returns the final chunk, or
// nil when the finalizer produced nothing. It reads through the worker's
// closing sentinel.
func (h *Host) Finish() (arrow.RecordBatch, error) {
	if h.finished {
		return nil, errors.New("vgistream: session already finished")
	}
	h.finished = true
	if err := h.fw.WriteSentinel(); err != nil {
		return nil, err
	}
	final, err := h.readChunk()
	if err != nil || final == nil {
		return nil, err
	}
	tail, err := h.fr.ReadFrame()
	if err != nil {
		final.Release()
		return nil, err
	}
	if tail != nil {
		final.Release()
		return nil, ErrUnexpectedFrame
	}
	return final, nil
}

func (h *Host) readChunk() (arrow.RecordBatch, error) {
	payload, err := h.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return h.codec.Decode(payload)
}

// RunSession sends every chunk and then the sentinel. Per-chunk responses
// are returned in order with nil for empty responses, followed by the
// final chunk (possibly nil). The caller releases every returned chunk.
func (h *Host) RunSession(chunks []arrow.RecordBatch) ([]arrow.RecordBatch, arrow.RecordBatch, error) {
	outputs := make([]arrow.RecordBatch, 0, len(chunks))
	release := func() {
		for _, o := range outputs {
			if o != nil {
				o.Release()
			}
		}
	}
	for _, c := range chunks {
		out, err := h.Exchange(c)
		if err != nil {
			release()
			return nil, nil, err
		}
		outputs = append(outputs, out)
	}
	final, err := h.Finish()
	if err != nil {
		release()
		return nil, nil, err
	}
	return outputs, final, nil
}
