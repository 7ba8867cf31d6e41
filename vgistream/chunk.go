// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ParseSchema builds a chunk schema from the comma-separated types and
// names strings the host supplies out-of-band (e.g. "int64,double,string"
// and "x,y,info"). Surrounding parentheses are accepted. When names is
// empty, columns are named a0, a1, ... All fields are nullable.
func ParseSchema(types, names string) (*arrow.Schema, error) {
	typeList := splitList(types)
	if len(typeList) == 0 {
		return nil, fmt.Errorf("no column types given")
	}
	nameList := splitList(names)
	if len(nameList) > 0 && len(nameList) != len(typeList) {
		return nil, fmt.Errorf("got %d names for %d types", len(nameList), len(typeList))
	}

	fields := make([]arrow.Field, len(typeList))
	for i, t := range typeList {
		dt, err := parseType(t)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("a%d", i)
		if len(nameList) > 0 {
			name = nameList[i]
		}
		fields[i] = arrow.Field{Name: name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), "'\"")
	}
	return parts
}

func parseType(t string) (arrow.DataType, error) {
	switch strings.ToLower(t) {
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "double", "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "string":
		return arrow.BinaryTypes.String, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", t)
	}
}

// EmptyChunk creates a zero-row chunk with the given schema.
func EmptyChunk(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		builder := array.NewBuilder(mem, f.Type)
		cols[i] = builder.NewArray()
		builder.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// NewChunk builds a chunk from per-column value slices keyed by field
// name. A nil element becomes a null. All columns must have the same
// length; a column missing from data is an error.
func NewChunk(schema *arrow.Schema, data map[string][]any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	numRows := -1
	cols := make([]arrow.Array, 0, schema.NumFields())
	release := func() {
		for _, c := range cols {
			c.Release()
		}
	}

	for _, f := range schema.Fields() {
		vals, ok := data[f.Name]
		if !ok {
			release()
			return nil, fmt.Errorf("column %q missing", f.Name)
		}
		if numRows >= 0 && len(vals) != numRows {
			release()
			return nil, fmt.Errorf("column %q has %d values, want %d", f.Name, len(vals), numRows)
		}
		numRows = len(vals)
		arr, err := buildArrayFromSlice(mem, f.Type, vals)
		if err != nil {
			release()
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}
	if numRows < 0 {
		numRows = 0
	}

	batch := array.NewRecordBatch(schema, cols, int64(numRows))
	release()
	return batch, nil
}

// buildArrayFromSlice builds an Arrow array from a slice of Go values.
func buildArrayFromSlice(mem memory.Allocator, dt arrow.DataType, vals []any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	for i, v := range vals {
		if v == nil {
			b.AppendNull()
			continue
		}
		if err := appendValue(b, v); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return b.NewArray(), nil
}

func appendValue(b array.Builder, v any) error {
	switch b := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Int32Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		n32, err := narrowInt32(n)
		if err != nil {
			return err
		}
		b.Append(n32)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot use %T as string", v)
		}
		b.Append(s)
	case *array.BinaryBuilder:
		switch bv := v.(type) {
		case []byte:
			b.Append(bv)
		case string:
			b.AppendString(bv)
		default:
			return fmt.Errorf("cannot use %T as binary", v)
		}
	case *array.BooleanBuilder:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot use %T as bool", v)
		}
		b.Append(bv)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// ChunkRows returns the chunk's values row by row. Nulls are nil; binary
// values are copied.
func ChunkRows(batch arrow.RecordBatch) [][]any {
	rows := make([][]any, batch.NumRows())
	for r := range rows {
		rows[r] = make([]any, batch.NumCols())
	}
	for c := 0; c < int(batch.NumCols()); c++ {
		col := batch.Column(c)
		for r := range rows {
			rows[r][c] = cellValue(col, r)
		}
	}
	return rows
}

func cellValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i)
	case *array.Int32:
		return c.Value(i)
	case *array.Float64:
		return c.Value(i)
	case *array.String:
		return c.Value(i)
	case *array.Binary:
		return append([]byte(nil), c.Value(i)...)
	case *array.Boolean:
		return c.Value(i)
	default:
		return col.ValueStr(i)
	}
}

// concatChunks merges batches sharing a schema into a single chunk.
func concatChunks(mem memory.Allocator, schema *arrow.Schema, batches []arrow.RecordBatch) (arrow.RecordBatch, error) {
	var numRows int64
	for _, b := range batches {
		numRows += b.NumRows()
	}
	cols := make([]arrow.Array, schema.NumFields())
	for i := range cols {
		parts := make([]arrow.Array, len(batches))
		for j, b := range batches {
			parts[j] = b.Column(i)
		}
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, err
		}
		cols[i] = arr
	}
	batch := array.NewRecordBatch(schema, cols, numRows)
	for _, c := range cols {
		c.Release()
	}
	return batch, nil
}

// narrowInt32 converts n for an int32 column, rejecting values that do
// not fit.
func narrowInt32(n int64) (int32, error) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("value %d overflows int32", n)
	}
	return int32(n), nil
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
