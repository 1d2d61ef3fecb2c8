package deref

import (
	"context"

	"github.com/grailbio/rowflow/container"
)

// Direction selects which column of a RefEntry is the source side of a
// dereference call.
type Direction int

const (
	// Forward treats RefEntry.Src as the source side and RefEntry.Dst as
	// the target side. It is accelerated by the RefTable's own
	// ref_region overlay.
	Forward Direction = iota
	// Reverse treats RefEntry.Dst as the source side and RefEntry.Src as
	// the target side. No region applies to this direction, so it
	// always does a full scan of the ref array.
	Reverse
)

// MaskedRect is a numeric masked-array abstraction applied to
// dereference results: a dense (n,k) buffer paired with an equally
// shaped boolean mask. A true mask entry means the corresponding Rows
// slot carries no value.
type MaskedRect[T any] struct {
	Rows [][]T
	Mask [][]bool
}

// normalizeSel validates sel and mask against the normalization and
// shape rules a selection must satisfy before it can be resolved.
func normalizeSel(sel []int64, srcLen int64, mask []bool) error {
	for _, s := range sel {
		if s < 0 || (srcLen > 0 && s >= srcLen) {
			return ErrInvalidSelection
		}
	}
	if mask != nil && len(mask) != len(sel) {
		return ErrShapeMismatch
	}
	return nil
}

// lookup resolves one selector to its matching target-side indices in
// the given direction.
func lookup(ctx context.Context, ref *container.RefTable, dir Direction, all []container.RefEntry, selector int64) ([]int64, error) {
	switch dir {
	case Forward:
		return ref.ReadRefRows(ctx, selector)
	case Reverse:
		var out []int64
		for _, e := range all {
			if e.Dst == selector {
				out = append(out, e.Src)
			}
		}
		return out, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// hop resolves every selector in sel to its matching target-side
// indices, honoring mask: a masked selector always resolves to no
// matches.
func hop(ctx context.Context, sel []int64, ref *container.RefTable, dir Direction, mask []bool) ([][]int64, error) {
	if ref == nil {
		return nil, ErrTypeMismatch
	}
	var all []container.RefEntry
	if dir == Reverse {
		var err error
		if all, err = ref.ReadAll(ctx); err != nil {
			return nil, err
		}
	}
	out := make([][]int64, len(sel))
	for i, s := range sel {
		if mask != nil && mask[i] {
			continue
		}
		matches, err := lookup(ctx, ref, dir, all, s)
		if err != nil {
			return nil, err
		}
		out[i] = matches
	}
	return out, nil
}

// chainHop flattens the previous hop's per-row match lists into a new
// hop, concatenating every row's matches' own matches. This is a
// "flatten, carry mask, chain" composition, expressed directly over
// row-grouped index lists rather than reshaping an (n,k1,k2,...) tensor
// at every step.
func chainHop(ctx context.Context, rowGroups [][]int64, ref *container.RefTable, dir Direction) ([][]int64, error) {
	if ref == nil {
		return nil, ErrTypeMismatch
	}
	var all []container.RefEntry
	if dir == Reverse {
		var err error
		if all, err = ref.ReadAll(ctx); err != nil {
			return nil, err
		}
	}
	out := make([][]int64, len(rowGroups))
	for i, group := range rowGroups {
		var acc []int64
		for _, idx := range group {
			matches, err := lookup(ctx, ref, dir, all, idx)
			if err != nil {
				return nil, err
			}
			acc = append(acc, matches...)
		}
		out[i] = acc
	}
	return out, nil
}

// padWidth returns the rectangle width (k) and the per-row mask for a
// set of row-grouped index lists.
func padWidth(rowGroups [][]int64) (k int, masks [][]bool) {
	for _, g := range rowGroups {
		if len(g) > k {
			k = len(g)
		}
	}
	masks = make([][]bool, len(rowGroups))
	for i, g := range rowGroups {
		masks[i] = make([]bool, k)
		for j := len(g); j < k; j++ {
			masks[i][j] = true
		}
	}
	return k, masks
}

// rectangularizeIndices pads row-grouped index lists into a dense
// (n,k) MaskedRect of the matched offsets themselves, without reading
// any target table.
func rectangularizeIndices(rowGroups [][]int64) *MaskedRect[int64] {
	k, masks := padWidth(rowGroups)
	rows := make([][]int64, len(rowGroups))
	for i, g := range rowGroups {
		rows[i] = make([]int64, k)
		copy(rows[i], g)
	}
	return &MaskedRect[int64]{Rows: rows, Mask: masks}
}

// rectangularizeRows pads row-grouped index lists into a dense (n,k)
// MaskedRect of target rows, gathering them via a single bulk read
// indexed by the flattened list of matched offsets.
func rectangularizeRows[T any](ctx context.Context, rowGroups [][]int64, target *container.Table[T]) (*MaskedRect[T], error) {
	k, masks := padWidth(rowGroups)
	rows := make([][]T, len(rowGroups))
	for i := range rows {
		rows[i] = make([]T, k)
	}

	var flat []int64
	positions := make([][2]int, 0, len(rowGroups))
	for i, g := range rowGroups {
		for j, idx := range g {
			flat = append(flat, idx)
			positions = append(positions, [2]int{i, j})
		}
	}
	if len(flat) > 0 {
		gathered, err := target.Gather(ctx, flat)
		if err != nil {
			return nil, err
		}
		for p, pos := range positions {
			rows[pos[0]][pos[1]] = gathered[p]
		}
	}
	return &MaskedRect[T]{Rows: rows, Mask: masks}, nil
}

// DereferenceIndices is the indices_only=true form of Dereference: it
// returns matched target-side offsets without reading the target
// table, as used for every intermediate hop of DereferenceChain.
func DereferenceIndices(ctx context.Context, sel []int64, ref *container.RefTable, dir Direction, srcLen int64, mask []bool) (*MaskedRect[int64], error) {
	if err := normalizeSel(sel, srcLen, mask); err != nil {
		return nil, err
	}
	rowGroups, err := hop(ctx, sel, ref, dir, mask)
	if err != nil {
		return nil, err
	}
	return rectangularizeIndices(rowGroups), nil
}

// Dereference implements a single-hop dereference operation: sel is
// normalized, matched against ref in the given direction (using ref's
// own ref_region overlay to narrow the scan in the Forward direction),
// and the matched target rows are gathered into a masked rectangle.
func Dereference[T any](ctx context.Context, sel []int64, ref *container.RefTable, target *container.Table[T], dir Direction, srcLen int64, mask []bool) (*MaskedRect[T], error) {
	if target == nil {
		return nil, ErrTypeMismatch
	}
	if err := normalizeSel(sel, srcLen, mask); err != nil {
		return nil, err
	}
	rowGroups, err := hop(ctx, sel, ref, dir, mask)
	if err != nil {
		return nil, err
	}
	return rectangularizeRows(ctx, rowGroups, target)
}

// Hop describes one link of a DereferenceChain call: the RefTable to
// follow and the direction to follow it in.
type Hop struct {
	Ref       *container.RefTable
	Direction Direction
}

// DereferenceChain resolves a chain of hops: each hop is resolved
// indices-only, its result flattened and fed into the next hop, and the
// final hop's matches are rectangularized against target.
func DereferenceChain[T any](ctx context.Context, sel []int64, hops []Hop, target *container.Table[T], srcLen int64, mask []bool) (*MaskedRect[T], error) {
	rowGroups, err := resolveChain(ctx, sel, hops, srcLen, mask)
	if err != nil {
		return nil, err
	}
	return rectangularizeRows(ctx, rowGroups, target)
}

// DereferenceChainIndices is the indices_only=true form of
// DereferenceChain: it resolves the same chain of hops but returns the
// final hop's matched offsets directly, without gathering rows from any
// target table.
func DereferenceChainIndices(ctx context.Context, sel []int64, hops []Hop, srcLen int64, mask []bool) (*MaskedRect[int64], error) {
	rowGroups, err := resolveChain(ctx, sel, hops, srcLen, mask)
	if err != nil {
		return nil, err
	}
	return rectangularizeIndices(rowGroups), nil
}

// resolveChain is the shared hop-by-hop resolution both DereferenceChain
// and DereferenceChainIndices rectangularize from: sel is normalized,
// matched against hops[0], and each subsequent hop's row-grouped matches
// are chained through chainHop, which flattens and re-queries each row's
// matches without losing the row grouping sel started with (unlike a
// flatten-the-whole-rectangle-and-requery approach, which would conflate
// every row's matches into one flat selection and return n*k1*k2*...
// result rows instead of n).
func resolveChain(ctx context.Context, sel []int64, hops []Hop, srcLen int64, mask []bool) ([][]int64, error) {
	if len(hops) == 0 {
		return nil, ErrTypeMismatch
	}
	if err := normalizeSel(sel, srcLen, mask); err != nil {
		return nil, err
	}

	rowGroups, err := hop(ctx, sel, hops[0].Ref, hops[0].Direction, mask)
	if err != nil {
		return nil, err
	}
	for _, h := range hops[1:] {
		rowGroups, err = chainHop(ctx, rowGroups, h.Ref, h.Direction)
		if err != nil {
			return nil, err
		}
	}
	return rowGroups, nil
}
