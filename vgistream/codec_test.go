// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/go-cmp/cmp"
)

func mixedChunk(t *testing.T) arrow.RecordBatch {
	t.Helper()
	schema, err := ParseSchema("int64,double,string", "x,y,info")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	chunk, err := NewChunk(schema, map[string][]any{
		"x":    {1, nil, 3},
		"y":    {1.5, 2.5, nil},
		"info": {"a", nil, "c"},
	})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	t.Cleanup(chunk.Release)
	return chunk
}

var mixedRows = [][]any{
	{int64(1), 1.5, "a"},
	{nil, 2.5, nil},
	{int64(3), nil, "c"},
}

func TestCodecRoundTrip(t *testing.T) {
	chunk := mixedChunk(t)
	tsv, err := NewTSVCodec(chunk.Schema())
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}

	codecs := []TableCodec{
		&FeatherCodec{},
		&FeatherCodec{Compression: "zstd"},
		&FeatherCodec{Compression: "lz4"},
		&ArrowStreamCodec{},
		&ArrowStreamCodec{Compression: "zstd"},
		tsv,
	}
	for _, codec := range codecs {
		name := codec.Name()
		if fc, ok := codec.(*FeatherCodec); ok && fc.Compression != "" {
			name += "+" + fc.Compression
		}
		if ac, ok := codec.(*ArrowStreamCodec); ok && ac.Compression != "" {
			name += "+" + ac.Compression
		}
		t.Run(name, func(t *testing.T) {
			payload := encode(t, codec, chunk)
			decoded, err := codec.Decode(payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			defer decoded.Release()
			if !decoded.Schema().Equal(chunk.Schema()) {
				t.Fatalf("schema = %s, want %s", decoded.Schema(), chunk.Schema())
			}
			if diff := cmp.Diff(mixedRows, ChunkRows(decoded)); diff != "" {
				t.Fatalf("rows (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodecZeroRows(t *testing.T) {
	empty := EmptyChunk(valueSchema)
	defer empty.Release()

	for _, codec := range []TableCodec{&FeatherCodec{}, &ArrowStreamCodec{}} {
		decoded, err := codec.Decode(encode(t, codec, empty))
		if err != nil {
			t.Fatalf("%s: %v", codec.Name(), err)
		}
		if decoded.NumRows() != 0 || !decoded.Schema().Equal(valueSchema) {
			t.Fatalf("%s: got %d rows with schema %s", codec.Name(), decoded.NumRows(), decoded.Schema())
		}
		decoded.Release()
	}
}

func TestFeatherDecodeConcatenatesBatches(t *testing.T) {
	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(valueSchema))
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for _, c := range []arrow.RecordBatch{int64Chunk(t, 1, 2), int64Chunk(t, 3)} {
		if err := w.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := decodeRows(t, &FeatherCodec{}, buf.Bytes())
	want := [][]any{{int64(1)}, {int64(2)}, {int64(3)}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestTSVText(t *testing.T) {
	schema, err := ParseSchema("(int64,string)", "")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	codec, err := NewTSVCodec(schema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	chunk, err := NewChunk(schema, map[string][]any{
		"a0": {1, nil, 3},
		"a1": {"a", "b", nil},
	})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	defer chunk.Release()

	got := string(encode(t, codec, chunk))
	want := "1\ta\n\\N\tb\n3\t\\N\n"
	if got != want {
		t.Fatalf("tsv = %q, want %q", got, want)
	}

	empty, err := codec.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	defer empty.Release()
	if empty.NumRows() != 0 {
		t.Fatalf("empty payload decoded to %d rows", empty.NumRows())
	}
}

func TestCodecMalformed(t *testing.T) {
	tsv, err := NewTSVCodec(valueSchema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	garbage := []byte("definitely not a table")
	for _, codec := range []TableCodec{&FeatherCodec{}, &ArrowStreamCodec{}, tsv} {
		_, err := codec.Decode(garbage)
		wantKind(t, err, KindCodec)
	}

	// A truncated but otherwise valid IPC file.
	payload := encode(t, &FeatherCodec{}, int64Chunk(t, 1, 2, 3))
	_, err = (&FeatherCodec{}).Decode(payload[:len(payload)/2])
	wantKind(t, err, KindCodec)
}

func TestTSVRejectsSchemaMismatch(t *testing.T) {
	codec, err := NewTSVCodec(valueSchema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	_, err = codec.Encode(mixedChunk(t))
	wantKind(t, err, KindCodec)

	binSchema := arrow.NewSchema([]arrow.Field{{Name: "b", Type: arrow.BinaryTypes.Binary}}, nil)
	if _, err := NewTSVCodec(binSchema); err == nil {
		t.Fatal("tsv accepted a binary column")
	}
}

func TestNewCodec(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		opts    CodecOptions
		want    string
		wantErr bool
	}{
		{name: "default", format: "", want: FormatFeather},
		{name: "feather", format: "feather", opts: CodecOptions{Compression: "zstd"}, want: FormatFeather},
		{name: "arrow", format: "arrow", want: FormatArrow},
		{name: "tsv", format: "tsv", opts: CodecOptions{Schema: valueSchema}, want: FormatTSV},
		{name: "tsv without schema", format: "tsv", wantErr: true},
		{name: "unknown", format: "parquet", wantErr: true},
		{name: "bad compression", format: "arrow", opts: CodecOptions{Compression: "brotli"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.format, tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got codec %s", codec.Name())
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCodec: %v", err)
			}
			if codec.Name() != tt.want {
				t.Fatalf("Name() = %q, want %q", codec.Name(), tt.want)
			}
		})
	}
}

func TestParseSchema(t *testing.T) {
	schema, err := ParseSchema("int64, double ,string,binary,bool,int32", "")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	wantTypes := []arrow.DataType{
		arrow.PrimitiveTypes.Int64, arrow.PrimitiveTypes.Float64, arrow.BinaryTypes.String,
		arrow.BinaryTypes.Binary, arrow.FixedWidthTypes.Boolean, arrow.PrimitiveTypes.Int32,
	}
	for i, f := range schema.Fields() {
		if want := "a" + string(rune('0'+i)); f.Name != want {
			t.Errorf("field %d name = %q, want %q", i, f.Name, want)
		}
		if !arrow.TypeEqual(f.Type, wantTypes[i]) {
			t.Errorf("field %d type = %s, want %s", i, f.Type, wantTypes[i])
		}
		if !f.Nullable {
			t.Errorf("field %d is not nullable", i)
		}
	}

	for _, bad := range [][2]string{
		{"", ""},
		{"int64,double", "x"},
		{"decimal", ""},
	} {
		if _, err := ParseSchema(bad[0], bad[1]); err == nil {
			t.Errorf("ParseSchema(%q, %q) succeeded", bad[0], bad[1])
		}
	}
}

func TestCheckSchema(t *testing.T) {
	chunk := int64Chunk(t, 1)
	if err := checkSchema(nil, chunk); err != nil {
		t.Fatalf("nil schema: %v", err)
	}
	if err := checkSchema(valueSchema, chunk); err != nil {
		t.Fatalf("matching schema: %v", err)
	}
	other := arrow.NewSchema([]arrow.Field{{Name: "w", Type: arrow.PrimitiveTypes.Int64}}, nil)
	wantKind(t, checkSchema(other, chunk), KindCodec)
	wantKind(t, checkSchema(mixedChunk(t).Schema(), chunk), KindCodec)
}

func TestTSVEscapes(t *testing.T) {
	schema, err := ParseSchema("(string,int64)", "s,n")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	codec, err := NewTSVCodec(schema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	chunk, err := NewChunk(schema, map[string][]any{
		"s": {"a\tb", "line\nbreak\r", `back\slash`, `he said "hi"`, "", ` lead`, `\N`},
		"n": {1, 2, 3, 4, 5, 6, 7},
	})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	defer chunk.Release()

	payload := encode(t, codec, chunk)
	want := "a\\tb\t1\n" +
		"line\\nbreak\\r\t2\n" +
		"back\\\\slash\t3\n" +
		"he said \"hi\"\t4\n" +
		"\t5\n" +
		" lead\t6\n" +
		"\\\\N\t7\n"
	if string(payload) != want {
		t.Fatalf("tsv = %q, want %q", payload, want)
	}

	rows := decodeRows(t, codec, payload)
	wantRows := [][]any{
		{"a\tb", int64(1)},
		{"line\nbreak\r", int64(2)},
		{`back\slash`, int64(3)},
		{`he said "hi"`, int64(4)},
		{"", int64(5)},
		{" lead", int64(6)},
		{`\N`, int64(7)},
	}
	if diff := cmp.Diff(wantRows, rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestTSVDecodeText(t *testing.T) {
	schema, err := ParseSchema("string", "s")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	codec, err := NewTSVCodec(schema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	text := "q\"x\n" +
		"\"quoted\"\n" +
		"\n" +
		"\\N\n" +
		"\\q\\e\\x\n" +
		"esc\\\"aped\n" +
		"trail\\"
	want := [][]any{
		{`q"x`},
		{`"quoted"`},
		{""},
		{nil},
		{"qex"},
		{`esc"aped`},
		{`trail\`},
	}
	if diff := cmp.Diff(want, decodeRows(t, codec, []byte(text))); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}

	ints, err := NewTSVCodec(valueSchema)
	if err != nil {
		t.Fatalf("NewTSVCodec: %v", err)
	}
	_, err = ints.Decode([]byte("1\n\n3\n"))
	wantKind(t, err, KindCodec)
}
