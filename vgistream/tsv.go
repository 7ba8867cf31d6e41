// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TSVNull is the text written for, and parsed as, a null value.
const TSVNull = `\N`

// TSVCodec encodes chunks as headerless tab-separated text. The schema
// never travels on the wire so both sides must agree on it.
type TSVCodec struct {
	schema *arrow.Schema
}

// NewTSVCodec returns a tsv codec for schema. Only int64, int32, double,
// string and bool columns are representable as text.
func NewTSVCodec(schema *arrow.Schema) (*TSVCodec, error) {
	for _, f := range schema.Fields() {
		switch f.Type.ID() {
		case arrow.INT64, arrow.INT32, arrow.FLOAT64, arrow.STRING, arrow.BOOL:
		default:
			return nil, fmt.Errorf("tsv format does not support column %q of type %s", f.Name, f.Type)
		}
	}
	return &TSVCodec{schema: schema}, nil
}

func (c *TSVCodec) Name() string { return FormatTSV }

// tsvEscaper backslash-escapes the characters that would break a field.
// Quotes are written as-is.
var tsvEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

// Encode writes one line per row. String values are backslash-escaped
// and never quoted.
func (c *TSVCodec) Encode(chunk arrow.RecordBatch) ([]byte, error) {
	if err := checkSchema(c.schema, chunk); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	cols := chunk.Columns()
	for r := 0; r < int(chunk.NumRows()); r++ {
		for i, col := range cols {
			if i > 0 {
				buf.WriteByte('\t')
			}
			if col.IsNull(r) {
				buf.WriteString(TSVNull)
				continue
			}
			switch a := col.(type) {
			case *array.Int64:
				buf.WriteString(strconv.FormatInt(a.Value(r), 10))
			case *array.Int32:
				buf.WriteString(strconv.FormatInt(int64(a.Value(r)), 10))
			case *array.Float64:
				buf.WriteString(strconv.FormatFloat(a.Value(r), 'g', -1, 64))
			case *array.Boolean:
				buf.WriteString(strconv.FormatBool(a.Value(r)))
			case *array.String:
				if _, err := tsvEscaper.WriteString(&buf, a.Value(r)); err != nil {
					return nil, newError(KindCodec, "encode tsv", err)
				}
			default:
				return nil, newError(KindCodec, "encode tsv", fmt.Errorf("unsupported column type %s", col.DataType()))
			}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode parses the whole payload into one chunk. Backslash escapes in
// string fields are resolved; an unknown escape yields the escaped byte.
func (c *TSVCodec) Decode(payload []byte) (batch arrow.RecordBatch, err error) {
	defer recoverCodec("decode tsv", &err)

	mem := memory.NewGoAllocator()
	r := csv.NewReader(bytes.NewReader(protectTSV(payload)), c.schema,
		csv.WithComma('\t'),
		csv.WithHeader(false),
		csv.WithNullReader(true, TSVNull),
		csv.WithChunk(-1),
		csv.WithAllocator(mem),
	)
	defer r.Release()

	var batches []arrow.RecordBatch
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for r.Next() {
		batches = append(batches, unescapeStrings(mem, r.RecordBatch()))
	}
	if err := r.Err(); err != nil {
		return nil, newError(KindCodec, "decode tsv", err)
	}
	return assemble(mem, c.schema, batches, "decode tsv")
}

// Markers the csv reader passes through untouched. Both are resolved by
// unescapeTSV.
const (
	quoteMark = `\q` // a literal '"'
	emptyMark = `\e` // a blank line, one empty field
)

// protectTSV rewrites payload so the csv reader never sees a quote or a
// blank line, both of which it would otherwise interpret. Escapes that
// collide with the markers are resolved here.
func protectTSV(payload []byte) []byte {
	if bytes.IndexByte(payload, '"') < 0 && !bytes.Contains(payload, []byte("\n\n")) &&
		!bytes.HasPrefix(payload, []byte("\n")) && !bytes.Contains(payload, []byte(`\`)) {
		return payload
	}
	out := make([]byte, 0, len(payload)+len(payload)/8)
	lineStart := true
	for i := 0; i < len(payload); i++ {
		b := payload[i]
		switch {
		case b == '\n' && lineStart:
			out = append(out, emptyMark...)
			out = append(out, b)
		case b == '"':
			out = append(out, quoteMark...)
		case b == '\\' && i+1 < len(payload):
			i++
			switch next := payload[i]; next {
			case '"':
				out = append(out, quoteMark...)
			case 'q', 'e':
				out = append(out, next)
			default:
				out = append(out, b, next)
			}
		case b == '\\':
			out = append(out, `\\`...)
		default:
			out = append(out, b)
		}
		lineStart = payload[i] == '\n'
	}
	return out
}

// unescapeTSV resolves backslash escapes and the protectTSV markers.
func unescapeTSV(s string) string {
	if s == emptyMark {
		return ""
	}
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 't':
			sb.WriteByte('\t')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 'q':
			sb.WriteByte('"')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// unescapeStrings returns a copy of rec with every string column
// unescaped. rec stays owned by the reader.
func unescapeStrings(mem memory.Allocator, rec arrow.RecordBatch) arrow.RecordBatch {
	cols := make([]arrow.Array, rec.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		col := rec.Column(i)
		str, ok := col.(*array.String)
		if !ok {
			col.Retain()
			cols[i] = col
			continue
		}
		b := array.NewStringBuilder(mem)
		b.Reserve(str.Len())
		for j := 0; j < str.Len(); j++ {
			if str.IsNull(j) {
				b.AppendNull()
				continue
			}
			b.Append(unescapeTSV(str.Value(j)))
		}
		cols[i] = b.NewArray()
		b.Release()
	}
	return array.NewRecordBatch(rec.Schema(), cols, rec.NumRows())
}
