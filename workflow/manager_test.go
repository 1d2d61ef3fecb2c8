package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/deref"
	"github.com/grailbio/rowflow/modules"
	"github.com/grailbio/rowflow/substrate"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainProbeStage records the *deref.MaskedRect[int64] its one
// requirement resolves to, so the test can inspect it after Run.
type chainProbeStage struct {
	result *deref.MaskedRect[int64]
}

func (s *chainProbeStage) Init(ctx context.Context, sourcePath string) error { return nil }

func (s *chainProbeStage) Run(ctx context.Context, sourcePath string, slice Range, cache *Cache) error {
	v, err := cache.Get(ctx, "/end")
	if err != nil {
		return err
	}
	s.result = v.(*deref.MaskedRect[int64])
	return nil
}

func (s *chainProbeStage) Finish(ctx context.Context, sourcePath string) error { return nil }

func TestManagerRunsIdentitygenThroughCount(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	registry := NewRegistry()
	modules.RegisterBuiltins(registry, c)

	doc := &Document{
		SourceSpec: "gen",
		StageNames: []string{"tally"},
		Blocks: map[string]namedBlock{
			"gen":   {Classname: "identitygen", Params: map[string]interface{}{"path": "/events", "count": 37, "chunk": 8}},
			"tally": {Classname: "count", Params: map[string]interface{}{"target": "/counts"}},
		},
	}

	m, err := Bind(ctx, doc, registry, c, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	out, err := container.CreateDataset[int64](ctx, c, "/counts", 0)
	require.NoError(t, err)
	rows, err := out.ReadRows(ctx, 0, out.Len())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(37), rows[0])
}

func TestManagerDropAppliesAfterFinish(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	registry := NewRegistry()
	modules.RegisterBuiltins(registry, c)

	doc := &Document{
		SourceSpec: "gen",
		StageNames: []string{"tally"},
		Drop:       []string{"/events"},
		Blocks: map[string]namedBlock{
			"gen":   {Classname: "identitygen", Params: map[string]interface{}{"path": "/events", "count": 10, "chunk": 4}},
			"tally": {Classname: "count", Params: map[string]interface{}{"target": "/counts"}},
		},
	}

	m, err := Bind(ctx, doc, registry, c, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	// Re-open fresh: the in-process Container keeps finished tables in
	// its own map, so only a new handle reflects the on-disk removal.
	reopened, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)
	n, ok, err := reopened.DatasetLen(ctx, "/events")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestManagerMultiHopRequiresStaysAlignedWithSourceSlice(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	_, err = container.CreateDataset[int64](ctx, c, "/src", 0)
	require.NoError(t, err)

	// /src -> /mid: source row i matches mid rows {2i, 2i+1}.
	srcMid, err := container.OpenRefTable(ctx, c, "/src", "/mid")
	require.NoError(t, err)
	srcMidUpdates := make(map[int64][]int64)
	for i := int64(0); i < 6; i++ {
		srcMidUpdates[i] = []int64{2 * i, 2*i + 1}
	}
	require.NoError(t, srcMid.WriteRef(ctx, srcMidUpdates))

	// /mid -> /end: mid row j matches exactly end row 100+j.
	midEnd, err := container.OpenRefTable(ctx, c, "/mid", "/end")
	require.NoError(t, err)
	midEndUpdates := make(map[int64][]int64)
	for j := int64(0); j < 12; j++ {
		midEndUpdates[j] = []int64{100 + j}
	}
	require.NoError(t, midEnd.WriteRef(ctx, midEndUpdates))

	registry := NewRegistry()
	probe := &chainProbeStage{}
	registry.RegisterStage(TierWorkingDirectory, "chainprobe", func(params map[string]interface{}) (Stage, error) {
		return probe, nil
	})

	doc := &Document{
		SourceSpec: "/src",
		StageNames: []string{"verify"},
		Blocks: map[string]namedBlock{
			"verify": {
				Classname: "chainprobe",
				Requires: []RequiredDataset{
					{Name: "/end", Path: "/end", Hops: []string{"/mid"}, IndexOnly: true},
				},
			},
		},
	}

	m, err := Bind(ctx, doc, registry, c, 0, 6, 8)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))

	require.NotNil(t, probe.result)
	// One result row per source row in the slice, never
	// n*k1*k2... from conflating every row's matches into one
	// flat re-query.
	require.Len(t, probe.result.Rows, 6)
	for i := 0; i < 6; i++ {
		assert.Equal(t, []int64{100 + 2*int64(i), 100 + 2*int64(i) + 1}, probe.result.Rows[i])
		assert.Equal(t, []bool{false, false}, probe.result.Mask[i])
	}
}

// failingStage always errors out of Run, to exercise Manager's abort path.
type failingStage struct{}

func (failingStage) Init(ctx context.Context, sourcePath string) error { return nil }
func (failingStage) Run(ctx context.Context, sourcePath string, slice Range, cache *Cache) error {
	return errors.New("stage blew up")
}
func (failingStage) Finish(ctx context.Context, sourcePath string) error { return nil }

// barrierFailSubstrate is a single-rank substrate whose Barrier always
// fails, so a test can force Manager.abort down its TerminationError
// path without a real multi-rank transport.
type barrierFailSubstrate struct{}

func (barrierFailSubstrate) Rank() int { return 0 }
func (barrierFailSubstrate) Size() int { return 1 }
func (barrierFailSubstrate) Barrier(ctx context.Context) error {
	return errors.New("peer unreachable")
}
func (barrierFailSubstrate) Broadcast(ctx context.Context, root int, v *[]byte) error { return nil }
func (barrierFailSubstrate) AllreduceSum(ctx context.Context, v int64) (int64, error) { return v, nil }
func (barrierFailSubstrate) AllreduceMin(ctx context.Context, v int64) (int64, error) { return v, nil }
func (barrierFailSubstrate) AllreduceMax(ctx context.Context, v int64) (int64, error) { return v, nil }
func (barrierFailSubstrate) AllreduceAnd(ctx context.Context, v bool) (bool, error)   { return v, nil }

func TestManagerRunWrapsStageErrorAsTerminationErrorWhenAbortBarrierFails(t *testing.T) {
	ctx := context.Background()
	defer substrate.Init(nil)
	substrate.Init(barrierFailSubstrate{})

	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	_, err = container.CreateDataset[int64](ctx, c, "/src", 0)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.RegisterStage(TierWorkingDirectory, "alwaysfails", func(params map[string]interface{}) (Stage, error) {
		return failingStage{}, nil
	})

	doc := &Document{
		SourceSpec: "/src",
		StageNames: []string{"boom"},
		Blocks: map[string]namedBlock{
			"boom": {Classname: "alwaysfails"},
		},
	}

	m, err := Bind(ctx, doc, registry, c, 0, 4, 4)
	require.NoError(t, err)

	err = m.Run(ctx)
	require.Error(t, err)

	var termErr *TerminationError
	require.True(t, errors.As(err, &termErr))

	var stageErr *StageError
	require.True(t, errors.As(termErr.Err, &stageErr))
	assert.Equal(t, "boom", stageErr.Stage)
}

func TestBindUnknownStageClassnameErrors(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)
	registry := NewRegistry()
	modules.RegisterBuiltins(registry, c)

	doc := &Document{
		SourceSpec: "/events",
		StageNames: []string{"tally"},
		Blocks: map[string]namedBlock{
			"tally": {Classname: "no-such-stage"},
		},
	}
	_, err = Bind(ctx, doc, registry, c, 0, 10, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}
