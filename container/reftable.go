package container

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/rowflow/substrate"
)

// RefEntry is one row of a group's `ref` array: a (source-row,
// destination-row) pair, the unit of a two-column reference table.
type RefEntry struct {
	Src, Dst int64
}

// RefRegion is a [Start, Stop) window into the flat `ref` array that is
// guaranteed to contain every entry for one source row, though not
// guaranteed to contain *only* those entries: the widen-to-union rule
// below can cause two source rows' windows to overlap once either is
// extended by a later write, so callers must still filter by Src
// equality within the window.
type RefRegion struct {
	Start, Stop int64
}

func (r RefRegion) empty() bool { return r.Start >= r.Stop }

// union widens r to cover both r and o: a row's region only ever grows.
func (r RefRegion) union(o RefRegion) RefRegion {
	if r.empty() {
		return o
	}
	if o.empty() {
		return r
	}
	out := r
	if o.Start < out.Start {
		out.Start = o.Start
	}
	if o.Stop > out.Stop {
		out.Stop = o.Stop
	}
	return out
}

// touchedKey orders pending RefRegion updates by source row, so every
// rank applies a relayed batch of updates in the same deterministic
// order. Grounded on encoding/bampair/shard_info.go's llrb.Tree use for
// an ordered index keyed by genomic coordinate.
type touchedKey struct {
	Row    int64
	Region RefRegion
}

func (k touchedKey) Compare(c2 llrb.Comparable) int {
	o := c2.(touchedKey)
	if k.Row != o.Row {
		if k.Row < o.Row {
			return -1
		}
		return 1
	}
	return 0
}

// RefTable is the ref/<child> subtree of a parent group: a flat `ref`
// array of (src,dst) pairs, and a `ref_region` overlay giving a
// conservative window into that array for each source row.
type RefTable struct {
	container  *Container
	parentPath string
	childPath  string
	dir        string // c.groupDir(parentPath) + "/ref/<child>"

	refs *Table[RefEntry] // the flat ref array

	mu      sync.Mutex
	regions []RefRegion
}

// OpenRefTable opens (creating if absent) the reference subtree relating
// parentPath's rows to childPath's rows. Collective.
func OpenRefTable(ctx context.Context, c *Container, parentPath, childPath string) (*RefTable, error) {
	key := refKey{parentPath, childPath}
	c.mu.Lock()
	if existing, ok := c.refs[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	dir := path.Join(c.groupDir(parentPath), "ref", path.Base(childPath))
	refs, err := CreateDataset[RefEntry](ctx, c, path.Join(parentPath, "ref", path.Base(childPath), "ref"), 0)
	if err != nil {
		return nil, err
	}
	rt := &RefTable{
		container:  c,
		parentPath: parentPath,
		childPath:  childPath,
		dir:        dir,
		refs:       refs,
	}
	regions, err := readRefRegions(ctx, dir)
	if err != nil {
		return nil, err
	}
	rt.regions = regions

	c.mu.Lock()
	c.refs[key] = rt
	c.mu.Unlock()
	return rt, nil
}

// Region returns the current conservative [start,stop) window for
// srcRow, or the empty region if no row has ever referenced it.
func (rt *RefTable) Region(srcRow int64) RefRegion {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if srcRow < 0 || int(srcRow) >= len(rt.regions) {
		return RefRegion{}
	}
	return rt.regions[srcRow]
}

// Len returns the number of entries so far written to the flat ref
// array, for callers that must fall back to a full scan when no region
// applies to the queried direction.
func (rt *RefTable) Len() int64 { return rt.refs.Len() }

// ReadAll returns every entry of the flat ref array, for the full-scan
// fallback used when no region applies to the queried direction.
func (rt *RefTable) ReadAll(ctx context.Context) ([]RefEntry, error) {
	n := rt.refs.Len()
	if n == 0 {
		return nil, nil
	}
	return rt.refs.ReadRows(ctx, 0, n)
}

// WriteRef appends one (srcRow, dstRow) entry for every dstRow in each
// updates[srcRow] slice, and widens each srcRow's region to include its
// new entries. Collective: every rank's updates are relayed to every
// other rank via the same allgatherBytes round Table.WriteData uses,
// and every rank applies the full merged batch identically, in
// source-row order, so the result is independent of rank interleaving.
func (rt *RefTable) WriteRef(ctx context.Context, updates map[int64][]int64) error {
	// Walk source rows in a fixed order so the flat array this rank
	// appends and the regions it derives from that append agree on
	// offsets.
	var srcRows []int64
	for p := range updates {
		if len(updates[p]) > 0 {
			srcRows = append(srcRows, p)
		}
	}
	sort.Slice(srcRows, func(i, j int) bool { return srcRows[i] < srcRows[j] })

	var flatRows []RefEntry
	for _, p := range srcRows {
		for _, dst := range updates[p] {
			flatRows = append(flatRows, RefEntry{Src: p, Dst: dst})
		}
	}

	var refStart int64
	var err error
	if len(flatRows) > 0 {
		if refStart, err = rt.refs.ReserveRows(ctx, int64(len(flatRows))); err != nil {
			return err
		}
		if err := rt.refs.WriteData(ctx, refStart, flatRows); err != nil {
			return err
		}
	} else {
		if _, err := rt.refs.ReserveRows(ctx, 0); err != nil {
			return err
		}
		if err := rt.refs.WriteData(ctx, 0, nil); err != nil {
			return err
		}
	}

	tree := &llrb.Tree{}
	offset := refStart
	for _, p := range srcRows {
		n := int64(len(updates[p]))
		tree.Insert(touchedKey{Row: p, Region: RefRegion{Start: offset, Stop: offset + n}})
		offset += n
	}

	var deltas []touchedKey
	tree.Do(func(c llrb.Comparable) bool {
		deltas = append(deltas, c.(touchedKey))
		return false
	})

	payload, err := encodeGobLocal(deltas)
	if err != nil {
		return err
	}
	all, err := allgatherBytes(ctx, payload)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for rank := 0; rank < len(all); rank++ {
		if len(all[rank]) == 0 {
			continue
		}
		var ds []touchedKey
		if err := decodeGobLocal(all[rank], &ds); err != nil {
			return err
		}
		for _, d := range ds {
			if int(d.Row) >= len(rt.regions) {
				grown := make([]RefRegion, d.Row+1)
				copy(grown, rt.regions)
				rt.regions = grown
			}
			rt.regions[d.Row] = rt.regions[d.Row].union(d.Region)
		}
	}
	return nil
}

// ReadRefRows returns the dst-side row offsets whose src equals srcRow,
// i.e. the region's window filtered by equality: a region only narrows
// the scan, it never substitutes for the filter.
func (rt *RefTable) ReadRefRows(ctx context.Context, srcRow int64) ([]int64, error) {
	region := rt.Region(srcRow)
	if region.empty() {
		return nil, nil
	}
	entries, err := rt.refs.ReadRows(ctx, region.Start, region.Stop-region.Start)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, e := range entries {
		if e.Src == srcRow {
			out = append(out, e.Dst)
		}
	}
	return out, nil
}

// Path identifies this reference subtree for logging and diagnostics.
func (rt *RefTable) Path() string { return fmt.Sprintf("%s/ref/%s", rt.parentPath, rt.childPath) }

// finish persists the ref_region overlay. The underlying flat ref array
// is itself a *Table[RefEntry] tracked in the container's table set, so
// it is flushed there; finish here only needs to write the overlay.
func (rt *RefTable) finish(ctx context.Context) error {
	if substrate.Rank() == 0 {
		rt.mu.Lock()
		regions := append([]RefRegion(nil), rt.regions...)
		rt.mu.Unlock()
		return writeRefRegions(ctx, rt.dir, regions)
	}
	return nil
}
