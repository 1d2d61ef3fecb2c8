// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package deref implements the dereferencing engine: given a selection
// over a source table and the reference table that relates it to a
// target table, it materializes a rectangular masked join. It is pure
// in-memory index arithmetic over already-materialized
// container.Table/container.RefTable reads, generalizing the notion of
// a genomic-coordinate shard join into a two-column reference join.
package deref

import "github.com/grailbio/base/errors"

var (
	// ErrInvalidSelection is returned when sel contains a negative or
	// out-of-range source-row index.
	ErrInvalidSelection = errors.New("dereference: invalid selection")
	// ErrShapeMismatch is returned when an optional mask's length does
	// not match the normalized selection's length.
	ErrShapeMismatch = errors.New("dereference: shape mismatch")
	// ErrTypeMismatch is returned when the reference table argument is
	// absent or otherwise not usable as a two-column reference.
	ErrTypeMismatch = errors.New("dereference: type mismatch")
)
