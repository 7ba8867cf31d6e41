// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TableCodec turns frame payloads into chunks and back. Encode and Decode
// must be exact inverses for supported column types.
type TableCodec interface {
	Name() string
	Encode(chunk arrow.RecordBatch) ([]byte, error)
	Decode(payload []byte) (arrow.RecordBatch, error)
}

// Codec names accepted by NewCodec.
const (
	FormatFeather = "feather"
	FormatArrow   = "arrow"
	FormatTSV     = "tsv"
)

// CodecOptions configures NewCodec.
type CodecOptions struct {
	// Compression is "", "zstd" or "lz4". It applies to encoded Arrow
	// bodies; decoding handles any compression the payload declares.
	Compression string
	// Schema is required by the tsv codec, which carries no schema.
	Schema *arrow.Schema
}

// NewCodec returns the codec registered under name.
func NewCodec(name string, opts CodecOptions) (TableCodec, error) {
	switch opts.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return nil, fmt.Errorf("unsupported compression %q", opts.Compression)
	}
	switch name {
	case FormatFeather, "":
		return &FeatherCodec{Compression: opts.Compression}, nil
	case FormatArrow:
		return &ArrowStreamCodec{Compression: opts.Compression}, nil
	case FormatTSV:
		if opts.Schema == nil {
			return nil, fmt.Errorf("tsv format requires column types")
		}
		return NewTSVCodec(opts.Schema)
	default:
		return nil, fmt.Errorf("unsupported format %q", name)
	}
}

func writerOptions(mem memory.Allocator, schema *arrow.Schema, compression string) []ipc.Option {
	opts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(mem)}
	switch compression {
	case "zstd":
		opts = append(opts, ipc.WithZstd())
	case "lz4":
		opts = append(opts, ipc.WithLZ4())
	}
	return opts
}

// FeatherCodec encodes chunks as Arrow IPC files (Feather v2).
type FeatherCodec struct {
	Compression string
}

func (c *FeatherCodec) Name() string { return FormatFeather }

// Encode writes chunk as a single-batch Arrow IPC file.
func (c *FeatherCodec) Encode(chunk arrow.RecordBatch) ([]byte, error) {
	mem := memory.NewGoAllocator()
	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, writerOptions(mem, chunk.Schema(), c.Compression)...)
	if err != nil {
		return nil, newError(KindCodec, "encode feather", err)
	}
	if err := w.Write(chunk); err != nil {
		_ = w.Close()
		return nil, newError(KindCodec, "encode feather", err)
	}
	if err := w.Close(); err != nil {
		return nil, newError(KindCodec, "encode feather", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every batch in an Arrow IPC file into one chunk.
func (c *FeatherCodec) Decode(payload []byte) (batch arrow.RecordBatch, err error) {
	defer recoverCodec("decode feather", &err)

	mem := memory.NewGoAllocator()
	r, err := ipc.NewFileReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, newError(KindCodec, "decode feather", err)
	}
	defer r.Close()

	batches := make([]arrow.RecordBatch, 0, r.NumRecords())
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, newError(KindCodec, "decode feather", err)
		}
		rec.Retain()
		batches = append(batches, rec)
	}
	return assemble(mem, r.Schema(), batches, "decode feather")
}

// ArrowStreamCodec encodes chunks as Arrow IPC streams.
type ArrowStreamCodec struct {
	Compression string
}

func (c *ArrowStreamCodec) Name() string { return FormatArrow }

// Encode writes chunk as schema + one batch + end-of-stream marker.
func (c *ArrowStreamCodec) Encode(chunk arrow.RecordBatch) ([]byte, error) {
	mem := memory.NewGoAllocator()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, writerOptions(mem, chunk.Schema(), c.Compression)...)
	if err := w.Write(chunk); err != nil {
		_ = w.Close()
		return nil, newError(KindCodec, "encode arrow stream", err)
	}
	if err := w.Close(); err != nil {
		return nil, newError(KindCodec, "encode arrow stream", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every batch in an Arrow IPC stream into one chunk.
func (c *ArrowStreamCodec) Decode(payload []byte) (batch arrow.RecordBatch, err error) {
	defer recoverCodec("decode arrow stream", &err)

	mem := memory.NewGoAllocator()
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, newError(KindCodec, "decode arrow stream", err)
	}
	defer r.Release()

	var batches []arrow.RecordBatch
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for r.Next() {
		rec := r.RecordBatch()
		rec.Retain() // keep batch alive after reader advances
		batches = append(batches, rec)
	}
	if err := r.Err(); err != nil {
		return nil, newError(KindCodec, "decode arrow stream", err)
	}
	return assemble(mem, r.Schema(), batches, "decode arrow stream")
}

// assemble returns a single chunk for zero, one or many decoded batches.
// The caller keeps ownership of batches.
func assemble(mem memory.Allocator, schema *arrow.Schema, batches []arrow.RecordBatch, op string) (arrow.RecordBatch, error) {
	switch len(batches) {
	case 0:
		return EmptyChunk(schema), nil
	case 1:
		batches[0].Retain()
		return batches[0], nil
	default:
		merged, err := concatChunks(mem, schema, batches)
		if err != nil {
			return nil, newError(KindCodec, op, err)
		}
		return merged, nil
	}
}

// recoverCodec turns a panic inside the Arrow readers into a codec error.
func recoverCodec(op string, err *error) {
	if rv := recover(); rv != nil {
		*err = newError(KindCodec, op, fmt.Errorf("malformed payload: %v", rv))
	}
}

// checkSchema reports a codec error when chunk does not match want.
func checkSchema(want *arrow.Schema, chunk arrow.RecordBatch) error {
	if want == nil {
		return nil
	}
	got := chunk.Schema()
	if got.NumFields() != want.NumFields() {
		return newError(KindCodec, "validate schema",
			fmt.Errorf("got %d columns, want %d", got.NumFields(), want.NumFields()))
	}
	for i, f := range want.Fields() {
		g := got.Field(i)
		if g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return newError(KindCodec, "validate schema",
				fmt.Errorf("column %d is %s %s, want %s %s", i, g.Name, g.Type, f.Name, f.Type))
		}
	}
	return nil
}
