// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides the fixture transforms used by the
// vgistream protocol conformance suite and the vgistream-conformance
// binary. Together they exercise every path of a stream session: echoing,
// aggregation with a final chunk, per-chunk plus final output, responses
// with no output, row slicing, numeric rewriting and transform failure.
//
// The only entry point intended for external use is [RegisterTransforms],
// which registers all fixtures on a [vgistream.Registry]. The params
// structs are exported because they are examples of `vgistream` struct
// tags.
package conformance
