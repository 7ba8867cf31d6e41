// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgistream implements the worker side of a chunked streaming
// protocol that lets a host array engine push successive tables through a
// user transform running in a subprocess, using nothing but the
// subprocess's stdin and stdout.
//
// # Wire format
//
// Both directions carry frames:
//
//	frame := length (8 bytes, little-endian uint64) [payload (length bytes)]
//
// A zero length is the end-of-stream sentinel. Payloads are tables
// encoded with a [TableCodec]: Arrow IPC files ("feather"), Arrow IPC
// streams ("arrow") or headerless tab-separated text ("tsv").
//
// # Session protocol
//
// The host sends zero or more data frames followed by one sentinel. The
// worker answers every data frame with exactly one frame: the encoded
// result of [Applier.Apply], or a zero-length frame when Apply returned no
// chunk. After the host's sentinel the worker calls [Finalizer.Finalize],
// writes its result as one more data frame if there is one, and closes
// with its own sentinel.
//
// Any failure ends the session without writing anything further. Errors
// are [*StreamError] values classified by [ErrorKind]; use errors.Is with
// [ErrTruncatedRead], [ErrCodec] and the other sentinels.
//
// # Transforms
//
// A [Transform] implements [Applier], [Finalizer] or both. [Funcs] adapts
// plain functions and [Aggregate] threads an explicitly owned accumulator
// through every call:
//
//	sum := &vgistream.Aggregate[int64]{
//		Step: func(ctx context.Context, cc *vgistream.ChunkContext, acc *int64, c arrow.RecordBatch) (arrow.RecordBatch, error) {
//			// fold c into *acc
//			return nil, nil
//		},
//		Final: func(ctx context.Context, cc *vgistream.ChunkContext, acc *int64) (arrow.RecordBatch, error) {
//			// build a one-row chunk from *acc
//		},
//	}
//
// # Shipping transforms
//
// Instead of linking one transform, a worker can accept it from the host
// as the first frame. Transforms are registered by name with [Register];
// their configuration is a struct annotated with `vgistream` tags:
//
//	`vgistream:"wire_name[,default=VALUE][,int32|float32|binary]"`
//
// [Pack] serializes a name and params into a one-row capsule chunk, and
// the worker resolves it with [Unpack] against the same registry, replies
// with a zero-length ready frame, and then runs the session as above.
// Capsules may be HMAC-signed with [CapsuleOptions.Key].
package vgistream
