// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/zstd"
)

// Capsule layout:
//
//	magic "VGSC" | version | flags | zstd(params IPC stream) [| HMAC-SHA256]
const (
	capsuleMagic      = "VGSC"
	capsuleFormat     = byte(1)
	capsuleHeaderLen  = len(capsuleMagic) + 2
	capsuleFlagSigned = byte(1 << 0)
	hmacLen           = 32

	// maxCapsuleParams bounds the decompressed params stream.
	maxCapsuleParams = 64 << 20
)

// CapsuleOptions configures packing and unpacking of transform capsules.
type CapsuleOptions struct {
	// Key signs packed capsules. When set on the unpacking side, unsigned
	// or badly signed capsules are rejected.
	Key []byte
	// PackedBy is recorded in the params metadata for diagnostics.
	PackedBy string
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxCapsuleParams))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// CallableSchema is the schema of a capsule chunk: one binary column.
var CallableSchema = arrow.NewSchema([]arrow.Field{
	{Name: CallableColumn, Type: arrow.BinaryTypes.Binary},
}, nil)

// PackCapsule serializes the transform registered under name together with
// its params into capsule bytes. params must be the registered struct type,
// a pointer to it, or a json.RawMessage object; nil selects the tag
// defaults.
func PackCapsule(r *Registry, name string, params any, opts CapsuleOptions) ([]byte, error) {
	info, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	value, err := info.paramsValue(params)
	if err != nil {
		return nil, err
	}

	keys := []string{MetaTransform, MetaCapsuleVersion}
	vals := []string{name, CapsuleVersion}
	if opts.PackedBy != "" {
		keys = append(keys, MetaPackedBy)
		vals = append(vals, opts.PackedBy)
	}
	meta := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(info.ParamsSchema.Fields(), &meta)

	batch, err := serializeParams(schema, value)
	if err != nil {
		return nil, fmt.Errorf("packing %q: %w", name, err)
	}
	defer batch.Release()

	var stream bytes.Buffer
	w := ipc.NewWriter(&stream, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("packing %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("packing %q: %w", name, err)
	}

	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	flags := byte(0)
	if len(opts.Key) > 0 {
		flags |= capsuleFlagSigned
	}
	out := make([]byte, 0, capsuleHeaderLen+stream.Len()/2+hmacLen)
	out = append(out, capsuleMagic...)
	out = append(out, capsuleFormat, flags)
	out = enc.EncodeAll(stream.Bytes(), out)
	if len(opts.Key) > 0 {
		mac := hmac.New(sha256.New, opts.Key)
		mac.Write(out)
		out = mac.Sum(out)
	}
	return out, nil
}

// Pack returns the one-row capsule chunk a host sends as the first frame
// of a dynamic session.
func Pack(r *Registry, name string, params any, opts CapsuleOptions) (arrow.RecordBatch, error) {
	capsule, err := PackCapsule(r, name, params, opts)
	if err != nil {
		return nil, err
	}
	return CapsuleChunk(capsule), nil
}

// PackBytes returns the capsule chunk already encoded with codec, ready to
// be written as a frame payload.
func PackBytes(r *Registry, codec TableCodec, name string, params any, opts CapsuleOptions) ([]byte, error) {
	chunk, err := Pack(r, name, params, opts)
	if err != nil {
		return nil, err
	}
	defer chunk.Release()
	return codec.Encode(chunk)
}

// CapsuleChunk wraps raw capsule bytes in a one-row chunk.
func CapsuleChunk(capsule []byte) arrow.RecordBatch {
	b := array.NewBinaryBuilder(memory.NewGoAllocator(), arrow.BinaryTypes.Binary)
	defer b.Release()
	b.Append(capsule)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecordBatch(CallableSchema, []arrow.Array{col}, 1)
}

// Unpack reconstructs the transform carried by a capsule chunk. Every
// failure is a KindTransport error; Unpack never returns a substitute.
func Unpack(chunk arrow.RecordBatch, r *Registry, opts CapsuleOptions) (t Transform, desc Descriptor, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			t, desc = nil, Descriptor{}
			err = newError(KindTransport, "unpack capsule", fmt.Errorf("panic: %v", rv))
		}
	}()

	capsule, err := capsuleBytes(chunk)
	if err != nil {
		return nil, Descriptor{}, newError(KindTransport, "unpack capsule", err)
	}
	info, params, err := openCapsule(capsule, r, opts)
	if err != nil {
		return nil, Descriptor{}, newError(KindTransport, "unpack capsule", err)
	}
	t, err = info.construct(params)
	if err != nil {
		return nil, Descriptor{}, newError(KindTransport, "construct transform", err)
	}
	return t, info.descriptor(), nil
}

// capsuleBytes extracts the single binary cell of a capsule chunk.
func capsuleBytes(chunk arrow.RecordBatch) ([]byte, error) {
	if chunk == nil {
		return nil, errors.New("no capsule chunk")
	}
	if chunk.NumCols() != 1 || chunk.NumRows() != 1 {
		return nil, fmt.Errorf("capsule chunk must be 1x1, got %d rows x %d columns", chunk.NumRows(), chunk.NumCols())
	}
	if name := chunk.ColumnName(0); name != CallableColumn {
		return nil, fmt.Errorf("capsule column is %q, want %q", name, CallableColumn)
	}
	col, ok := chunk.Column(0).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("capsule column has type %s, want binary", chunk.Column(0).DataType())
	}
	if col.IsNull(0) {
		return nil, errors.New("capsule is null")
	}
	return col.Value(0), nil
}

// openCapsule verifies and decodes capsule bytes.
func openCapsule(capsule []byte, r *Registry, opts CapsuleOptions) (*transformInfo, reflect.Value, error) {
	if len(capsule) < capsuleHeaderLen || string(capsule[:len(capsuleMagic)]) != capsuleMagic {
		return nil, reflect.Value{}, errors.New("not a transform capsule")
	}
	if v := capsule[len(capsuleMagic)]; v != capsuleFormat {
		return nil, reflect.Value{}, fmt.Errorf("unsupported capsule format %d, expected %d", v, capsuleFormat)
	}
	flags := capsule[len(capsuleMagic)+1]
	body := capsule
	if flags&capsuleFlagSigned != 0 {
		if len(capsule) < capsuleHeaderLen+hmacLen {
			return nil, reflect.Value{}, errors.New("malformed capsule signature")
		}
		body = capsule[:len(capsule)-hmacLen]
		if len(opts.Key) > 0 {
			mac := hmac.New(sha256.New, opts.Key)
			mac.Write(body)
			if !hmac.Equal(capsule[len(body):], mac.Sum(nil)) {
				return nil, reflect.Value{}, errors.New("capsule signature verification failed")
			}
		}
	} else if len(opts.Key) > 0 {
		return nil, reflect.Value{}, errors.New("capsule is not signed")
	}

	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, reflect.Value{}, err
	}
	stream, err := dec.DecodeAll(body[capsuleHeaderLen:], nil)
	if err != nil {
		return nil, reflect.Value{}, fmt.Errorf("decompressing capsule: %w", err)
	}

	reader, err := ipc.NewReader(bytes.NewReader(stream))
	if err != nil {
		return nil, reflect.Value{}, fmt.Errorf("reading capsule params: %w", err)
	}
	defer reader.Release()

	meta := reader.Schema().Metadata()
	version, ok := meta.GetValue(MetaCapsuleVersion)
	if !ok {
		return nil, reflect.Value{}, fmt.Errorf("missing %q in capsule metadata", MetaCapsuleVersion)
	}
	if version != CapsuleVersion {
		return nil, reflect.Value{}, fmt.Errorf("unsupported capsule version %q, expected %q", version, CapsuleVersion)
	}
	name, ok := meta.GetValue(MetaTransform)
	if !ok {
		return nil, reflect.Value{}, fmt.Errorf("missing %q in capsule metadata", MetaTransform)
	}
	info, err := r.lookup(name)
	if err != nil {
		return nil, reflect.Value{}, err
	}

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, reflect.Value{}, fmt.Errorf("reading capsule params: %w", err)
		}
		return nil, reflect.Value{}, errors.New("capsule has no params batch")
	}
	params, err := deserializeParams(reader.RecordBatch(), info.ParamsType)
	if err != nil {
		return nil, reflect.Value{}, fmt.Errorf("transform %q params: %w", name, err)
	}
	return info, params, nil
}
