// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var valueSchema = arrow.NewSchema([]arrow.Field{
	{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

// int64Chunk builds a one-column chunk named "v".
func int64Chunk(t *testing.T, vals ...any) arrow.RecordBatch {
	t.Helper()
	chunk, err := NewChunk(valueSchema, map[string][]any{"v": vals})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	t.Cleanup(chunk.Release)
	return chunk
}

func encode(t *testing.T, codec TableCodec, chunk arrow.RecordBatch) []byte {
	t.Helper()
	payload, err := codec.Encode(chunk)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payload
}

// wire frames payloads in order; a nil payload is a zero-length frame.
func wire(t *testing.T, payloads ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	for _, p := range payloads {
		if err := fw.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	return &buf
}

// readFrames splits a worker's output into frames, stopping at a clean end
// of data on a frame boundary. Zero-length frames are returned as nil.
func readFrames(t *testing.T, data []byte) [][]byte {
	t.Helper()
	fr := NewFrameReader(bytes.NewReader(data), 0)
	var out [][]byte
	for {
		p, err := fr.ReadFrame()
		if err != nil {
			var se *StreamError
			if errors.As(err, &se) && se.Kind == KindTruncatedRead && se.Got == 0 {
				return out
			}
			t.Fatalf("ReadFrame: %v", err)
		}
		out = append(out, p)
	}
}

func decodeRows(t *testing.T, codec TableCodec, payload []byte) [][]any {
	t.Helper()
	chunk, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer chunk.Release()
	return ChunkRows(chunk)
}

func wantKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s, got nil error", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("want %s, got %s (%v)", kind, got, err)
	}
}

type failWriter struct{ err error }

func (w failWriter) Write([]byte) (int, error) { return 0, w.err }
