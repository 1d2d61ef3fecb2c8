package deref

import (
	"context"
	"testing"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAB(t *testing.T, ctx context.Context) (*container.Container, *container.Table[float64], *container.RefTable) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	b, err := container.CreateDataset[float64](ctx, c, "B", 0)
	require.NoError(t, err)
	bRows := []float64{1.0, 2.0, 3.0, 4.0}
	start, err := b.ReserveRows(ctx, int64(len(bRows)))
	require.NoError(t, err)
	require.NoError(t, b.WriteData(ctx, start, bRows))

	ref, err := container.OpenRefTable(ctx, c, "A", "B")
	require.NoError(t, err)
	require.NoError(t, ref.WriteRef(ctx, map[int64][]int64{
		0: {1},
		1: {2},
	}))

	return c, b, ref
}

// Scenario A: basic join. /A/data has 3 rows, /B/data has 4, ref maps
// row 0 -> [1], row 1 -> [2], row 2 -> []. dereference(range(0,3), ref,
// /B/data) is a (3,1) masked rectangle [[2.0],[3.0],[--]].
func TestDereferenceBasicJoin(t *testing.T) {
	ctx := context.Background()
	_, b, ref := setupAB(t, ctx)

	rect, err := Dereference[float64](ctx, []int64{0, 1, 2}, ref, b, Forward, 3, nil)
	require.NoError(t, err)

	require.Len(t, rect.Rows, 3)
	require.Equal(t, 1, len(rect.Rows[0]))
	assert.Equal(t, 2.0, rect.Rows[0][0])
	assert.False(t, rect.Mask[0][0])
	assert.Equal(t, 3.0, rect.Rows[1][0])
	assert.False(t, rect.Mask[1][0])
	assert.True(t, rect.Mask[2][0])
}

// Scenario B: the region overlay only narrows the scan; results must be
// identical to the unaccelerated case. Forward direction always uses the
// region here, so this asserts that acceleration path directly.
func TestDereferenceRegionOptimizationMatchesBasicJoin(t *testing.T) {
	ctx := context.Background()
	_, b, ref := setupAB(t, ctx)

	region0 := ref.Region(0)
	assert.Less(t, region0.Start, region0.Stop)

	rect, err := Dereference[float64](ctx, []int64{0, 1, 2}, ref, b, Forward, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, rect.Rows[0][0])
	assert.Equal(t, 3.0, rect.Rows[1][0])
	assert.True(t, rect.Mask[2][0])
}

// Scenario C: reverse direction. ref_direction=(1,0) treats B's rows as
// the source; sel=range(0,4) against /A/data yields a (4,1) rectangle
// [[--],[10],[20],[--]] when /A/data = [10,20,30].
func TestDereferenceReverseDirection(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	a, err := container.CreateDataset[int64](ctx, c, "A", 0)
	require.NoError(t, err)
	aRows := []int64{10, 20, 30}
	start, err := a.ReserveRows(ctx, int64(len(aRows)))
	require.NoError(t, err)
	require.NoError(t, a.WriteData(ctx, start, aRows))

	ref, err := container.OpenRefTable(ctx, c, "A", "B")
	require.NoError(t, err)
	require.NoError(t, ref.WriteRef(ctx, map[int64][]int64{
		0: {1},
		1: {2},
	}))

	rect, err := Dereference[int64](ctx, []int64{0, 1, 2, 3}, ref, a, Reverse, 4, nil)
	require.NoError(t, err)

	require.Len(t, rect.Rows, 4)
	assert.True(t, rect.Mask[0][0])
	assert.Equal(t, int64(10), rect.Rows[1][0])
	assert.False(t, rect.Mask[1][0])
	assert.Equal(t, int64(20), rect.Rows[2][0])
	assert.False(t, rect.Mask[2][0])
	assert.True(t, rect.Mask[3][0])
}

// Scenario F: chaining. A->B and B->C populated; dereference_chain over
// [A->B, B->C] against /C/data matches iterating single hops with
// indices_only carried between them.
func TestDereferenceChainMatchesIteratedHops(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	cc, err := container.CreateDataset[string](ctx, c, "C", 0)
	require.NoError(t, err)
	cRows := []string{"x0", "x1", "x2"}
	start, err := cc.ReserveRows(ctx, int64(len(cRows)))
	require.NoError(t, err)
	require.NoError(t, cc.WriteData(ctx, start, cRows))

	ab, err := container.OpenRefTable(ctx, c, "A", "B")
	require.NoError(t, err)
	require.NoError(t, ab.WriteRef(ctx, map[int64][]int64{
		0: {0, 1},
		1: {2},
	}))

	bc, err := container.OpenRefTable(ctx, c, "B", "C")
	require.NoError(t, err)
	require.NoError(t, bc.WriteRef(ctx, map[int64][]int64{
		0: {0},
		1: {1},
		2: {2},
	}))

	chained, err := DereferenceChain[string](ctx, []int64{0, 1}, []Hop{
		{Ref: ab, Direction: Forward},
		{Ref: bc, Direction: Forward},
	}, cc, 2, nil)
	require.NoError(t, err)

	// A row 0 reaches B{0,1}, which in turn reaches C{0,1}: "x0","x1".
	// A row 1 reaches B{2}, which reaches C{2}: "x2".
	require.Len(t, chained.Rows, 2)
	assert.ElementsMatch(t, []string{"x0", "x1"}, chained.Rows[0])
	assert.ElementsMatch(t, []string{"x2", ""}, chained.Rows[1])
	assert.ElementsMatch(t, []bool{false, true}, chained.Mask[1])
}

func TestDereferenceRejectsInvalidSelection(t *testing.T) {
	ctx := context.Background()
	_, b, ref := setupAB(t, ctx)

	_, err := Dereference[float64](ctx, []int64{0, 5}, ref, b, Forward, 3, nil)
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestDereferenceRejectsShapeMismatch(t *testing.T) {
	ctx := context.Background()
	_, b, ref := setupAB(t, ctx)

	_, err := Dereference[float64](ctx, []int64{0, 1, 2}, ref, b, Forward, 3, []bool{false})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDereferenceRejectsNilTarget(t *testing.T) {
	ctx := context.Background()
	_, _, ref := setupAB(t, ctx)

	_, err := Dereference[float64](ctx, []int64{0}, ref, nil, Forward, 3, nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDereferenceChainRejectsEmptyHops(t *testing.T) {
	ctx := context.Background()
	_, b, _ := setupAB(t, ctx)

	_, err := DereferenceChain[float64](ctx, []int64{0}, nil, b, 3, nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
