// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package substrate is a thin facade over a message-passing transport. It
// exposes the handful of collectives the rest of rowflow needs: rank,
// size, barrier, broadcast, and a few numeric allreduces, and hides
// whether a real transport is actually wired up. Stages, the data
// manager, and the workflow manager must route every cross-rank
// coordination through this package; they must never branch on which
// transport is active.
package substrate

import "context"

// Context is the set of collectives a rank needs to cooperate with its
// peers. Every method blocks until all ranks have entered the
// corresponding call.
type Context interface {
	// Rank returns this process's 0-based rank.
	Rank() int
	// Size returns the number of cooperating ranks.
	Size() int
	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error
	// Broadcast sends *v from root to every rank; on every non-root rank
	// *v is replaced with the value root supplied.
	Broadcast(ctx context.Context, root int, v *[]byte) error
	// AllreduceSum returns the sum of v across all ranks, visible to all ranks.
	AllreduceSum(ctx context.Context, v int64) (int64, error)
	// AllreduceMin returns the minimum of v across all ranks.
	AllreduceMin(ctx context.Context, v int64) (int64, error)
	// AllreduceMax returns the maximum of v across all ranks.
	AllreduceMax(ctx context.Context, v int64) (int64, error)
	// AllreduceAnd returns the logical AND of v across all ranks, used by
	// the workflow loop to detect that every rank has reached EMPTY.
	AllreduceAnd(ctx context.Context, v bool) (bool, error)
}

// global is the process-wide substrate, set once by Init.
var global Context = newLocal()

// Init installs the process-wide substrate Context. Call it once at
// process start, before any other rowflow package runs. Passing nil
// restores the single-rank local stub.
func Init(c Context) {
	if c == nil {
		c = newLocal()
		global = c
		return
	}
	global = c
}

// Current returns the process-wide substrate Context installed by Init,
// or the single-rank local stub if Init was never called.
func Current() Context { return global }

// HasParallel reports whether the installed substrate is backed by a real
// multi-process transport, as opposed to the single-rank local stub.
func HasParallel() bool {
	_, local := global.(*localSubstrate)
	return !local
}

// Rank is a convenience wrapper around Current().Rank().
func Rank() int { return global.Rank() }

// Size is a convenience wrapper around Current().Size().
func Size() int { return global.Size() }
