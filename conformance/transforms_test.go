// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/vgi-stream/vgistream"
)

var mixedSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "x", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func mixed(t *testing.T, ids []any, xs []any, names []any) arrow.RecordBatch {
	t.Helper()
	chunk, err := vgistream.NewChunk(mixedSchema, map[string][]any{"id": ids, "x": xs, "name": names})
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	t.Cleanup(chunk.Release)
	return chunk
}

func fixtureChunks(t *testing.T) []arrow.RecordBatch {
	return []arrow.RecordBatch{
		mixed(t, []any{int64(1), int64(2)}, []any{0.5, 1.5}, []any{"a", "b"}),
		mixed(t, []any{int64(3), nil, int64(5)}, []any{nil, 2.0, 4.0}, []any{"c", nil, "e"}),
	}
}

type result struct {
	outputs   [][][]any // nil entries are empty responses
	final     [][]any
	workerErr error
	hostErr   error
}

// session runs one static session of the registered transform over chunks.
func session(t *testing.T, name, params string, chunks []arrow.RecordBatch) result {
	t.Helper()
	r := vgistream.NewRegistry()
	RegisterTransforms(r)
	w := vgistream.NewWorker()
	w.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.SetRegistry(r)
	codec := &vgistream.ArrowStreamCodec{}
	w.SetCodec(codec)
	if err := w.UseRegistered(name, []byte(params)); err != nil {
		t.Fatalf("UseRegistered(%s, %s): %v", name, params, err)
	}

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	var res result
	var g errgroup.Group
	g.Go(func() error {
		res.workerErr = w.Serve(toWorkerR, fromWorkerW)
		_ = toWorkerR.Close()
		_ = fromWorkerW.Close()
		return nil
	})
	g.Go(func() error {
		defer toWorkerW.Close()
		outs, final, err := vgistream.NewHost(toWorkerW, fromWorkerR, codec).RunSession(chunks)
		if err != nil {
			res.hostErr = err
			return nil
		}
		for _, o := range outs {
			if o == nil {
				res.outputs = append(res.outputs, nil)
				continue
			}
			res.outputs = append(res.outputs, vgistream.ChunkRows(o))
			o.Release()
		}
		if final != nil {
			res.final = vgistream.ChunkRows(final)
			final.Release()
		}
		return nil
	})
	_ = g.Wait()
	return res
}

func ok(t *testing.T, res result) {
	t.Helper()
	if res.workerErr != nil || res.hostErr != nil {
		t.Fatalf("worker: %v, host: %v", res.workerErr, res.hostErr)
	}
}

func TestEcho(t *testing.T) {
	res := session(t, "echo", "", fixtureChunks(t))
	ok(t, res)
	want := [][][]any{
		{{int64(1), 0.5, "a"}, {int64(2), 1.5, "b"}},
		{{int64(3), nil, "c"}, {nil, 2.0, nil}, {int64(5), 4.0, "e"}},
	}
	if diff := cmp.Diff(want, res.outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}
	if res.final != nil {
		t.Fatalf("echo emitted a final chunk: %v", res.final)
	}
}

func TestSum(t *testing.T) {
	tests := []struct {
		params string
		want   [][]any
	}{
		{"", [][]any{{int64(11)}}},
		{`{"column": "x"}`, [][]any{{8.0}}},
	}
	for _, tt := range tests {
		res := session(t, "sum", tt.params, fixtureChunks(t))
		ok(t, res)
		if diff := cmp.Diff([][][]any{nil, nil}, res.outputs); diff != "" {
			t.Errorf("%s: per-chunk outputs (-want +got):\n%s", tt.params, diff)
		}
		if diff := cmp.Diff(tt.want, res.final); diff != "" {
			t.Errorf("%s: final (-want +got):\n%s", tt.params, diff)
		}
	}
}

func TestSumNoInput(t *testing.T) {
	res := session(t, "sum", "", nil)
	ok(t, res)
	if res.final != nil {
		t.Fatalf("sum of nothing emitted %v", res.final)
	}
}

func TestSumRejectsText(t *testing.T) {
	res := session(t, "sum", `{"column": "name"}`, fixtureChunks(t))
	if vgistream.KindOf(res.workerErr) != vgistream.KindTransform {
		t.Fatalf("worker error = %v", res.workerErr)
	}
	if !strings.Contains(res.workerErr.Error(), "non-numeric") {
		t.Fatalf("worker error = %v", res.workerErr)
	}
}

func TestHead(t *testing.T) {
	res := session(t, "head", `{"n": 2}`, fixtureChunks(t))
	ok(t, res)
	want := [][][]any{
		{{int64(1), 0.5, "a"}, {int64(2), 1.5, "b"}},
		{{int64(3), nil, "c"}, {nil, 2.0, nil}},
	}
	if diff := cmp.Diff(want, res.outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}

	// Zero rows is a data response, not an empty one.
	res = session(t, "head", `{"n": 0}`, fixtureChunks(t)[:1])
	ok(t, res)
	if len(res.outputs) != 1 || res.outputs[0] == nil || len(res.outputs[0]) != 0 {
		t.Fatalf("head 0 outputs = %#v", res.outputs)
	}

	r := vgistream.NewRegistry()
	RegisterTransforms(r)
	if _, err := r.BuildJSON("head", []byte(`{"n": -1}`)); err == nil {
		t.Fatal("negative n accepted")
	}
}

func TestScale(t *testing.T) {
	res := session(t, "scale", `{"factor": 2.5}`, fixtureChunks(t)[:1])
	ok(t, res)
	want := [][][]any{{{int64(3), 1.25, "a"}, {int64(5), 3.75, "b"}}}
	if diff := cmp.Diff(want, res.outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}

	res = session(t, "scale", `{"factor": 10, "columns": ["x"]}`, fixtureChunks(t)[1:])
	ok(t, res)
	want = [][][]any{{{int64(3), nil, "c"}, {nil, 20.0, nil}, {int64(5), 40.0, "e"}}}
	if diff := cmp.Diff(want, res.outputs); diff != "" {
		t.Fatalf("column subset (-want +got):\n%s", diff)
	}

	res = session(t, "scale", `{"columns": ["nope"]}`, fixtureChunks(t))
	if vgistream.KindOf(res.workerErr) != vgistream.KindTransform {
		t.Fatalf("unknown column: worker error = %v", res.workerErr)
	}
}

func TestLocalTotal(t *testing.T) {
	res := session(t, "local_total", `{"local": "chunk"}`, fixtureChunks(t))
	ok(t, res)
	wantOutputs := [][][]any{
		{{int64(3), 2.0, "chunk"}},
		{{int64(8), 6.0, "chunk"}},
	}
	if diff := cmp.Diff(wantOutputs, res.outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]any{{int64(11), 8.0, "total"}}, res.final); diff != "" {
		t.Fatalf("final (-want +got):\n%s", diff)
	}
}

func TestLocalTotalSchemaChange(t *testing.T) {
	other, err := vgistream.NewChunk(
		arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil),
		map[string][]any{"id": {int64(1)}})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()
	res := session(t, "local_total", "", []arrow.RecordBatch{fixtureChunks(t)[0], other})
	if res.workerErr == nil || !strings.Contains(res.workerErr.Error(), "schema changed") {
		t.Fatalf("worker error = %v", res.workerErr)
	}
}

func TestDrop(t *testing.T) {
	res := session(t, "drop", "", fixtureChunks(t))
	ok(t, res)
	if diff := cmp.Diff([][][]any{nil, nil}, res.outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}
	if res.final != nil {
		t.Fatalf("drop emitted %v", res.final)
	}
}

func TestFailAfter(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"error", `{"n": 1}`, "intentional failure at chunk 1"},
		{"panic", `{"n": 0, "panic": true, "message": "boom"}`, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := session(t, "fail_after", tt.params, fixtureChunks(t))
			if vgistream.KindOf(res.workerErr) != vgistream.KindTransform {
				t.Fatalf("worker error = %v", res.workerErr)
			}
			if !strings.Contains(res.workerErr.Error(), tt.want) {
				t.Fatalf("worker error %q lacks %q", res.workerErr, tt.want)
			}
			if res.hostErr == nil {
				t.Fatal("host saw a complete session")
			}
		})
	}
}

func TestDynamicSum(t *testing.T) {
	r := vgistream.NewRegistry()
	RegisterTransforms(r)
	w := vgistream.NewWorker()
	w.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.SetRegistry(r)
	codec := &vgistream.FeatherCodec{}
	w.SetCodec(codec)

	capsule, err := vgistream.Pack(r, "sum", SumParams{Column: "x"}, vgistream.CapsuleOptions{PackedBy: "test"})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	defer capsule.Release()
	chunks := fixtureChunks(t)

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	var workerErr error
	var final [][]any
	var g errgroup.Group
	g.Go(func() error {
		workerErr = w.Serve(toWorkerR, fromWorkerW)
		_ = toWorkerR.Close()
		_ = fromWorkerW.Close()
		return nil
	})
	g.Go(func() error {
		defer toWorkerW.Close()
		h := vgistream.NewHost(toWorkerW, fromWorkerR, codec)
		if err := h.SendTransform(capsule); err != nil {
			return err
		}
		_, out, err := h.RunSession(chunks)
		if err != nil {
			return err
		}
		defer out.Release()
		final = vgistream.ChunkRows(out)
		return nil
	})
	if err := g.Wait(); err != nil || workerErr != nil {
		t.Fatalf("host: %v, worker: %v", err, workerErr)
	}
	if diff := cmp.Diff([][]any{{8.0}}, final); diff != "" {
		t.Fatalf("final (-want +got):\n%s", diff)
	}
}

func TestRegisteredNames(t *testing.T) {
	r := vgistream.NewRegistry()
	RegisterTransforms(r)
	want := []string{"drop", "echo", "fail_after", "head", "local_total", "scale", "sum"}
	if diff := cmp.Diff(want, r.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}
