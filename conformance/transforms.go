// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-stream/vgistream"
)

// --- Parameter structs for each transform ---

type EchoParams struct{}

type SumParams struct {
	// Column to total; empty selects the first column.
	Column string `vgistream:"column"`
}

type HeadParams struct {
	N int64 `vgistream:"n,default=1"`
}

type ScaleParams struct {
	Factor float64 `vgistream:"factor,default=1"`
	// Columns restricts scaling to the named columns; empty scales every
	// numeric column.
	Columns []string `vgistream:"columns"`
}

type LocalTotalParams struct {
	Local string `vgistream:"local,default=local"`
	Total string `vgistream:"total,default=total"`
}

type DropParams struct{}

type FailAfterParams struct {
	// N is the zero-based index of the chunk that fails.
	N     int64  `vgistream:"n,default=0"`
	Panic bool   `vgistream:"panic,default=false"`
	Msg   string `vgistream:"message,default=intentional failure"`
}

// RegisterTransforms registers every fixture transform on r.
func RegisterTransforms(r *vgistream.Registry) {
	vgistream.Register(r, "echo", "Return each chunk unchanged.",
		func(EchoParams) (vgistream.Transform, error) {
			return vgistream.Funcs{ApplyFunc: echoChunk}, nil
		})
	vgistream.Register(r, "sum", "Total one numeric column; emit nothing per chunk and the total at end of stream.",
		func(p SumParams) (vgistream.Transform, error) {
			return newSum(p), nil
		})
	vgistream.Register(r, "head", "Return the first n rows of each chunk.",
		func(p HeadParams) (vgistream.Transform, error) {
			if p.N < 0 {
				return nil, fmt.Errorf("n must be non-negative, got %d", p.N)
			}
			return vgistream.Funcs{ApplyFunc: headChunk(p.N)}, nil
		})
	vgistream.Register(r, "scale", "Multiply numeric columns by factor; integer results are rounded.",
		func(p ScaleParams) (vgistream.Transform, error) {
			if math.IsNaN(p.Factor) || math.IsInf(p.Factor, 0) {
				return nil, fmt.Errorf("factor must be finite")
			}
			return vgistream.Funcs{ApplyFunc: scaleChunk(p)}, nil
		})
	vgistream.Register(r, "local_total", "Emit per-chunk column sums labelled local, then overall sums labelled total.",
		func(p LocalTotalParams) (vgistream.Transform, error) {
			return newLocalTotal(p), nil
		})
	vgistream.Register(r, "drop", "Produce no output for any chunk.",
		func(DropParams) (vgistream.Transform, error) {
			return vgistream.Funcs{}, nil
		})
	vgistream.Register(r, "fail_after", "Echo chunks until chunk n, which fails.",
		func(p FailAfterParams) (vgistream.Transform, error) {
			return vgistream.Funcs{ApplyFunc: failAfter(p)}, nil
		})
}

func echoChunk(_ context.Context, _ *vgistream.ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
	return chunk, nil
}

func headChunk(n int64) func(context.Context, *vgistream.ChunkContext, arrow.RecordBatch) (arrow.RecordBatch, error) {
	return func(_ context.Context, _ *vgistream.ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
		end := min(n, chunk.NumRows())
		return chunk.NewSlice(0, end), nil
	}
}

func failAfter(p FailAfterParams) func(context.Context, *vgistream.ChunkContext, arrow.RecordBatch) (arrow.RecordBatch, error) {
	return func(_ context.Context, cc *vgistream.ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
		if cc.Index == p.N {
			if p.Panic {
				panic(p.Msg)
			}
			return nil, fmt.Errorf("%s at chunk %d", p.Msg, cc.Index)
		}
		return chunk, nil
	}
}

// --- sum ---

type sumState struct {
	name    string
	isFloat bool
	ints    int64
	floats  float64
	seen    bool
}

func newSum(p SumParams) *vgistream.Aggregate[sumState] {
	return &vgistream.Aggregate[sumState]{
		Step: func(_ context.Context, cc *vgistream.ChunkContext, acc *sumState, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
			idx, err := columnIndex(chunk.Schema(), p.Column)
			if err != nil {
				return nil, err
			}
			col := chunk.Column(idx)
			if !acc.seen {
				acc.name = chunk.ColumnName(idx)
				acc.isFloat = isFloat(col.DataType())
				acc.seen = true
			}
			switch {
			case isInteger(col.DataType()) && !acc.isFloat:
				acc.ints += sumInts(col)
			case isFloat(col.DataType()) || isInteger(col.DataType()):
				acc.floats += sumFloats(col)
				acc.isFloat = true
			default:
				return nil, fmt.Errorf("column %q has non-numeric type %s", chunk.ColumnName(idx), col.DataType())
			}
			cc.Log(slog.LevelDebug, "accumulated", "column", acc.name)
			return nil, nil
		},
		Final: func(_ context.Context, _ *vgistream.ChunkContext, acc *sumState) (arrow.RecordBatch, error) {
			if !acc.seen {
				return nil, nil
			}
			mem := memory.NewGoAllocator()
			if acc.isFloat {
				schema := arrow.NewSchema([]arrow.Field{{Name: acc.name, Type: arrow.PrimitiveTypes.Float64, Nullable: true}}, nil)
				b := array.NewFloat64Builder(mem)
				defer b.Release()
				b.Append(acc.floats + float64(acc.ints))
				col := b.NewArray()
				defer col.Release()
				return array.NewRecordBatch(schema, []arrow.Array{col}, 1), nil
			}
			schema := arrow.NewSchema([]arrow.Field{{Name: acc.name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)
			b := array.NewInt64Builder(mem)
			defer b.Release()
			b.Append(acc.ints)
			col := b.NewArray()
			defer col.Release()
			return array.NewRecordBatch(schema, []arrow.Array{col}, 1), nil
		},
	}
}

// --- local_total ---

type totals struct {
	schema *arrow.Schema
	ints   []int64
	floats []float64
}

func newLocalTotal(p LocalTotalParams) *vgistream.Aggregate[*totals] {
	return &vgistream.Aggregate[*totals]{
		Step: func(_ context.Context, _ *vgistream.ChunkContext, acc **totals, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
			local := &totals{
				schema: chunk.Schema(),
				ints:   make([]int64, chunk.NumCols()),
				floats: make([]float64, chunk.NumCols()),
			}
			for i := 0; i < int(chunk.NumCols()); i++ {
				col := chunk.Column(i)
				switch {
				case isInteger(col.DataType()):
					local.ints[i] = sumInts(col)
				case isFloat(col.DataType()):
					local.floats[i] = sumFloats(col)
				}
			}
			if *acc == nil {
				*acc = &totals{
					schema: local.schema,
					ints:   make([]int64, len(local.ints)),
					floats: make([]float64, len(local.floats)),
				}
			} else if !(*acc).schema.Equal(local.schema) {
				return nil, fmt.Errorf("chunk schema changed from %s to %s", (*acc).schema, local.schema)
			}
			for i := range local.ints {
				(*acc).ints[i] += local.ints[i]
				(*acc).floats[i] += local.floats[i]
			}
			return local.chunk(p.Local)
		},
		Final: func(_ context.Context, _ *vgistream.ChunkContext, acc **totals) (arrow.RecordBatch, error) {
			if *acc == nil {
				return nil, nil
			}
			return (*acc).chunk(p.Total)
		},
	}
}

// chunk renders the sums as one row; string columns carry label and any
// other column is null.
func (t *totals) chunk(label string) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, t.schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i, f := range t.schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		switch b := b.(type) {
		case *array.Int64Builder:
			b.Append(t.ints[i])
		case *array.Int32Builder:
			b.Append(int32(t.ints[i]))
		case *array.Float64Builder:
			b.Append(t.floats[i])
		case *array.Float32Builder:
			b.Append(float32(t.floats[i]))
		case *array.StringBuilder:
			b.Append(label)
		default:
			b.AppendNull()
		}
		cols[i] = b.NewArray()
		b.Release()
	}
	return array.NewRecordBatch(t.schema, cols, 1), nil
}

// --- scale ---

func scaleChunk(p ScaleParams) func(context.Context, *vgistream.ChunkContext, arrow.RecordBatch) (arrow.RecordBatch, error) {
	only := make(map[string]bool, len(p.Columns))
	for _, c := range p.Columns {
		only[c] = true
	}
	return func(_ context.Context, _ *vgistream.ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
		for name := range only {
			if len(chunk.Schema().FieldIndices(name)) == 0 {
				return nil, fmt.Errorf("no column %q", name)
			}
		}
		mem := memory.NewGoAllocator()
		cols := make([]arrow.Array, chunk.NumCols())
		for i := range cols {
			col := chunk.Column(i)
			if len(only) > 0 && !only[chunk.ColumnName(i)] {
				col.Retain()
				cols[i] = col
				continue
			}
			cols[i] = scaleArray(mem, col, p.Factor)
		}
		out := array.NewRecordBatch(chunk.Schema(), cols, chunk.NumRows())
		for _, c := range cols {
			c.Release()
		}
		return out, nil
	}
}

func scaleArray(mem memory.Allocator, col arrow.Array, factor float64) arrow.Array {
	switch c := col.(type) {
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(int64(math.Round(float64(c.Value(i)) * factor)))
		}
		return b.NewArray()
	case *array.Int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(int32(math.Round(float64(c.Value(i)) * factor)))
		}
		return b.NewArray()
	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(c.Value(i) * factor)
		}
		return b.NewArray()
	default:
		col.Retain()
		return col
	}
}

// --- column helpers ---

func columnIndex(schema *arrow.Schema, name string) (int, error) {
	if schema.NumFields() == 0 {
		return 0, fmt.Errorf("chunk has no columns")
	}
	if name == "" {
		return 0, nil
	}
	idx := schema.FieldIndices(name)
	if len(idx) == 0 {
		return 0, fmt.Errorf("no column %q", name)
	}
	return idx[0], nil
}

func isInteger(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT64, arrow.INT32:
		return true
	}
	return false
}

func isFloat(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.FLOAT64, arrow.FLOAT32:
		return true
	}
	return false
}

// sumInts totals the non-null values of an integer column.
func sumInts(col arrow.Array) int64 {
	var total int64
	switch c := col.(type) {
	case *array.Int64:
		for i := 0; i < c.Len(); i++ {
			if c.IsValid(i) {
				total += c.Value(i)
			}
		}
	case *array.Int32:
		for i := 0; i < c.Len(); i++ {
			if c.IsValid(i) {
				total += int64(c.Value(i))
			}
		}
	}
	return total
}

// sumFloats totals the non-null values of a numeric column as float64.
func sumFloats(col arrow.Array) float64 {
	var total float64
	switch c := col.(type) {
	case *array.Float64:
		for i := 0; i < c.Len(); i++ {
			if c.IsValid(i) {
				total += c.Value(i)
			}
		}
	case *array.Float32:
		for i := 0; i < c.Len(); i++ {
			if c.IsValid(i) {
				total += float64(c.Value(i))
			}
		}
	case *array.Int64, *array.Int32:
		total = float64(sumInts(col))
	}
	return total
}
