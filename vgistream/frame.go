// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

// FrameHeaderSize is the size of the little-endian length prefix.
const FrameHeaderSize = 8

// DefaultMaxFrameSize bounds the payload length a reader will allocate for.
const DefaultMaxFrameSize uint64 = 2 << 30

// FrameReader reads length-prefixed frames from a byte stream.
type FrameReader struct {
	r       *bufio.Reader
	maxSize uint64
	header  [FrameHeaderSize]byte
}

// NewFrameReader returns a reader that rejects frames longer than maxSize.
// A maxSize of 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize uint64) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame blocks until one complete frame is available. It returns
// (nil, nil) for the end-of-stream sentinel. A channel that closes before
// the full header or payload arrives is reported as KindTruncatedRead,
// never as a sentinel.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(fr.r, fr.header[:])
	if err != nil {
		return nil, readError("read header", err, uint64(n), FrameHeaderSize)
	}

	length := binary.LittleEndian.Uint64(fr.header[:])
	if length == 0 {
		return nil, nil
	}
	if length > fr.maxSize || length > math.MaxInt {
		return nil, &StreamError{
			Kind: KindAllocation,
			Op:   "read payload",
			Got:  fr.maxSize,
			Want: length,
		}
	}

	payload := make([]byte, length)
	n, err = io.ReadFull(fr.r, payload)
	if err != nil {
		return nil, readError("read payload", err, uint64(n), length)
	}
	return payload, nil
}

// readError maps io.ReadFull failures onto the error taxonomy.
func readError(op string, err error, got, want uint64) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &StreamError{Kind: KindTruncatedRead, Op: op, Err: err, Got: got, Want: want}
	}
	return newError(KindIO, op, err)
}

// FrameWriter writes length-prefixed frames to a byte stream. Each frame is
// flushed before WriteFrame returns.
type FrameWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	header [FrameHeaderSize]byte
}

// NewFrameWriter returns a FrameWriter on w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame writes payload with its length prefix. A nil or empty payload
// writes a zero-length frame (eight zero bytes and no body).
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	binary.LittleEndian.PutUint64(fw.header[:], uint64(len(payload)))
	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return newError(KindIO, "write header", err)
	}
	if len(payload) > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return newError(KindIO, "write payload", err)
		}
	}
	if err := fw.w.Flush(); err != nil {
		return newError(KindIO, "flush", err)
	}
	return nil
}

// WriteSentinel writes the end-of-stream marker.
func (fw *FrameWriter) WriteSentinel() error {
	return fw.WriteFrame(nil)
}
