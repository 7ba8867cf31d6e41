// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"math"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/go-cmp/cmp"
)

func TestNewChunkInt32Range(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int32, Nullable: true}}, nil)

	chunk, err := NewChunk(schema, map[string][]any{"n": {int64(math.MinInt32), nil, int64(math.MaxInt32)}})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	defer chunk.Release()
	want := [][]any{{int32(math.MinInt32)}, {nil}, {int32(math.MaxInt32)}}
	if diff := cmp.Diff(want, ChunkRows(chunk)); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}

	for _, v := range []int64{math.MaxInt32 + 1, math.MinInt32 - 1, 1 << 40} {
		_, err := NewChunk(schema, map[string][]any{"n": {v}})
		if err == nil || !strings.Contains(err.Error(), "overflows int32") {
			t.Errorf("NewChunk(%d) error = %v", v, err)
		}
	}
}

func TestNewChunkErrors(t *testing.T) {
	tests := []struct {
		name string
		data map[string][]any
		want string
	}{
		{"missing column", map[string][]any{"x": {1}}, `column "y" missing`},
		{"ragged", map[string][]any{"x": {1, 2}, "y": {1.0}, "info": {"a"}}, "has 1 values, want 2"},
		{"wrong type", map[string][]any{"x": {"one"}, "y": {1.0}, "info": {"a"}}, `column "x"`},
	}
	schema, err := ParseSchema("int64,double,string", "x,y,info")
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	for _, tt := range tests {
		_, err := NewChunk(schema, tt.data)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %v, want %q", tt.name, err, tt.want)
		}
	}
}
