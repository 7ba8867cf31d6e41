// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Transform is the per-session processing logic. It must implement
// [Applier], [Finalizer], or both; the session checks this before reading
// any data.
type Transform any

// Applier is invoked once per incoming chunk. Returning a nil chunk means
// "no output for this input" and is answered with a zero-length frame.
// The returned chunk is released by the session after it is written.
type Applier interface {
	Apply(ctx context.Context, cc *ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error)
}

// Finalizer is invoked exactly once after the host's end-of-stream
// sentinel. A nil chunk means there is no final output.
type Finalizer interface {
	Finalize(ctx context.Context, cc *ChunkContext) (arrow.RecordBatch, error)
}

// checkTransform reports whether t implements at least one facet.
func checkTransform(t Transform) error {
	if t == nil {
		return fmt.Errorf("no transform configured")
	}
	_, isApplier := t.(Applier)
	_, isFinalizer := t.(Finalizer)
	if !isApplier && !isFinalizer {
		return fmt.Errorf("transform %T implements neither Applier nor Finalizer", t)
	}
	return nil
}

// Funcs adapts a pair of plain functions into a Transform. Either may be
// nil.
type Funcs struct {
	ApplyFunc    func(ctx context.Context, cc *ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error)
	FinalizeFunc func(ctx context.Context, cc *ChunkContext) (arrow.RecordBatch, error)
}

func (f Funcs) Apply(ctx context.Context, cc *ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
	if f.ApplyFunc == nil {
		return nil, nil
	}
	return f.ApplyFunc(ctx, cc, chunk)
}

func (f Funcs) Finalize(ctx context.Context, cc *ChunkContext) (arrow.RecordBatch, error) {
	if f.FinalizeFunc == nil {
		return nil, nil
	}
	return f.FinalizeFunc(ctx, cc)
}

// Aggregate threads an explicitly owned accumulator of type S through
// every Apply and the final Finalize. The accumulator lives in the
// Aggregate value, which the session owns exclusively, so no locking is
// needed.
type Aggregate[S any] struct {
	// Init, if set, produces the starting accumulator. Otherwise the zero
	// value of S is used.
	Init func() S
	// Step folds one chunk into the accumulator and optionally emits output.
	Step func(ctx context.Context, cc *ChunkContext, acc *S, chunk arrow.RecordBatch) (arrow.RecordBatch, error)
	// Final emits the result after all input. It may be nil.
	Final func(ctx context.Context, cc *ChunkContext, acc *S) (arrow.RecordBatch, error)

	acc    S
	inited bool
}

func (a *Aggregate[S]) init() {
	if a.inited {
		return
	}
	if a.Init != nil {
		a.acc = a.Init()
	}
	a.inited = true
}

func (a *Aggregate[S]) Apply(ctx context.Context, cc *ChunkContext, chunk arrow.RecordBatch) (arrow.RecordBatch, error) {
	a.init()
	if a.Step == nil {
		return nil, nil
	}
	return a.Step(ctx, cc, &a.acc, chunk)
}

func (a *Aggregate[S]) Finalize(ctx context.Context, cc *ChunkContext) (arrow.RecordBatch, error) {
	a.init()
	if a.Final == nil {
		return nil, nil
	}
	return a.Final(ctx, cc, &a.acc)
}

// Accumulator returns the current accumulator value.
func (a *Aggregate[S]) Accumulator() S {
	a.init()
	return a.acc
}
