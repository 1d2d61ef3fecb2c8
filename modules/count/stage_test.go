package count

import (
	"context"
	"testing"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/workflow"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTalliesSliceLengths(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	factory := NewFactory(c)
	st, err := factory(map[string]interface{}{"target": "/counts"})
	require.NoError(t, err)

	require.NoError(t, st.Init(ctx, "/events"))
	require.NoError(t, st.Run(ctx, "/events", workflow.Range{Start: 0, Stop: 5}, nil))
	require.NoError(t, st.Run(ctx, "/events", workflow.Range{Start: 5, Stop: 8}, nil))
	require.NoError(t, st.Finish(ctx, "/events"))

	out, err := container.CreateDataset[int64](ctx, c, "/counts", 0)
	require.NoError(t, err)
	rows, err := out.ReadRows(ctx, 0, out.Len())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(8), rows[0])
}

func TestFactoryRequiresTargetParam(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	c, err := container.Open(ctx, tmpdir)
	require.NoError(t, err)

	_, err = NewFactory(c)(map[string]interface{}{})
	require.Error(t, err)
}
