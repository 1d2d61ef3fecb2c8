// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package container implements a self-describing, hierarchical container
// file: a set of dataset groups, each holding a one-dimensional `data`
// row array and, lazily, `ref/<other>/ref` and `ref/<other>/ref_region`
// reference tables. It is the data manager: it owns every open file
// handle and is the sole mutator of on-disk state.
//
// Storage is built on recordio (grailbio/base/recordio), with each
// group's data array sharded one append-only recordio file per writing
// rank, grounded on encoding/pam's own convention of storing one file
// per (coordinate range, field) rather than one monolithic file.
package container

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/rowflow/substrate"
	"v.io/x/lib/vlog"
)

// Container is the open handle on a rowflow container file rooted at a
// directory. It is safe for concurrent use by goroutines within one
// process; coordination across ranks goes through the substrate package.
type Container struct {
	dir string

	mu      sync.Mutex
	tables  map[string]anyTable
	refs    map[refKey]*RefTable
	dropped map[string]bool
}

type refKey struct{ parent, child string }

// anyTable is the type-erased handle every *Table[T] satisfies, so
// Container can track them generically for Finish/Delete.
type anyTable interface {
	path() string
	finish(ctx context.Context) error
	Len() int64
	Chunk() int64
}

// Open opens (or creates, if absent) the container rooted at dir. It is
// collective: every rank must call Open with the same dir.
func Open(ctx context.Context, dir string) (*Container, error) {
	// grailbio/base/file's path schemes (local, s3://, gs://) create
	// intermediate directories implicitly on first Create, so there is
	// nothing to pre-create here.
	vlog.Infof("container: rank %d/%d opened %s", substrate.Rank(), substrate.Size(), dir)
	return &Container{
		dir:     dir,
		tables:  make(map[string]anyTable),
		refs:    make(map[refKey]*RefTable),
		dropped: make(map[string]bool),
	}, nil
}

// Dir returns the root directory of this container.
func (c *Container) Dir() string { return c.dir }

func (c *Container) groupDir(groupPath string) string {
	return path.Join(c.dir, groupPath)
}

// DatasetLen returns the current row count of groupPath's data array
// without needing to know its row type, by reading the persisted
// manifest directly. Used to resolve a plain dataset path into a row
// range when no explicit end row is configured. If the dataset is held
// open in this same Container, the open Table's own Len() is returned.
// Returns 0, false if the dataset has never been written.
func (c *Container) DatasetLen(ctx context.Context, groupPath string) (int64, bool, error) {
	c.mu.Lock()
	if t, ok := c.tables[groupPath]; ok {
		c.mu.Unlock()
		return t.Len(), true, nil
	}
	c.mu.Unlock()

	_, _, rowCount, _, ok, err := readManifest(ctx, path.Join(c.groupDir(groupPath), "data"))
	if err != nil || !ok {
		return 0, false, err
	}
	return rowCount, true, nil
}

// DatasetChunk returns groupPath's configured storage chunk size
// without needing to know its row type, mirroring DatasetLen. Returns
// 0, false if the dataset has never been written or never had a chunk
// size recorded.
func (c *Container) DatasetChunk(ctx context.Context, groupPath string) (int64, bool, error) {
	c.mu.Lock()
	if t, ok := c.tables[groupPath]; ok {
		c.mu.Unlock()
		chunk := t.Chunk()
		return chunk, chunk > 0, nil
	}
	c.mu.Unlock()

	_, _, _, chunk, ok, err := readManifest(ctx, path.Join(c.groupDir(groupPath), "data"))
	if err != nil || !ok || chunk <= 0 {
		return 0, false, err
	}
	return chunk, true, nil
}

// Delete marks a group subtree for removal. Collective. Actual removal
// is deferred to Finish so that a drop list applies atomically at
// workflow teardown.
func (c *Container) Delete(ctx context.Context, groupPath string) error {
	c.mu.Lock()
	c.dropped[groupPath] = true
	c.mu.Unlock()
	return nil
}

// Finish flushes every open table, applies the drop list, and releases
// all handles. Collective. Marked groups are removed in no defined
// order; the order of Delete calls is not kept.
func (c *Container) Finish(ctx context.Context) error {
	c.mu.Lock()
	tables := make([]anyTable, 0, len(c.tables))
	for _, t := range c.tables {
		tables = append(tables, t)
	}
	refs := make([]*RefTable, 0, len(c.refs))
	for _, r := range c.refs {
		refs = append(refs, r)
	}
	drops := make([]string, 0, len(c.dropped))
	for p := range c.dropped {
		drops = append(drops, p)
	}
	c.mu.Unlock()

	for _, t := range tables {
		if err := t.finish(ctx); err != nil {
			return err
		}
	}
	for _, r := range refs {
		if err := r.finish(ctx); err != nil {
			return err
		}
	}
	if err := substrate.Current().Barrier(ctx); err != nil {
		return err
	}
	if substrate.Rank() == 0 {
		for _, p := range drops {
			if err := removeGroup(ctx, c.groupDir(p)); err != nil {
				return err
			}
		}
	}
	return substrate.Current().Barrier(ctx)
}

func removeGroup(ctx context.Context, dir string) error {
	lister := file.List(ctx, dir)
	var paths []string
	for lister.Scan() {
		paths = append(paths, lister.Path())
	}
	if err := lister.Err(); err != nil {
		return ioErr("delete", dir, err)
	}
	for _, p := range paths {
		if err := file.Remove(ctx, p); err != nil {
			return ioErr("delete", p, err)
		}
	}
	return nil
}

// allgatherBytes runs `size` broadcast rounds, one per rank, so every
// rank ends up with every other rank's payload for this round. It is the
// primitive both Table.WriteData and RefTable.WriteRef use to relay
// per-rank metadata (never the bulk row bytes, which stay in each rank's
// own shard file) to rank 0 and back.
func allgatherBytes(ctx context.Context, payload []byte) ([][]byte, error) {
	sub := substrate.Current()
	size := sub.Size()
	rank := sub.Rank()
	result := make([][]byte, size)
	for r := 0; r < size; r++ {
		buf := []byte(nil)
		if rank == r {
			buf = payload
		}
		if err := sub.Broadcast(ctx, r, &buf); err != nil {
			return nil, fmt.Errorf("container: allgather round %d: %w", r, err)
		}
		result[r] = buf
	}
	return result, nil
}
