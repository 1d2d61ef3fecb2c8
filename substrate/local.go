package substrate

import "context"

// localSubstrate is the degrade-to-stub transport: rank 0 of size 1,
// every collective is the identity. It is what every in-process unit
// test runs against, and what a workflow run falls back to when no real
// transport is configured.
type localSubstrate struct{}

func newLocal() *localSubstrate { return &localSubstrate{} }

func (*localSubstrate) Rank() int { return 0 }
func (*localSubstrate) Size() int { return 1 }

func (*localSubstrate) Barrier(ctx context.Context) error { return ctx.Err() }

func (*localSubstrate) Broadcast(ctx context.Context, root int, v *[]byte) error {
	return ctx.Err()
}

func (*localSubstrate) AllreduceSum(ctx context.Context, v int64) (int64, error) {
	return v, ctx.Err()
}

func (*localSubstrate) AllreduceMin(ctx context.Context, v int64) (int64, error) {
	return v, ctx.Err()
}

func (*localSubstrate) AllreduceMax(ctx context.Context, v int64) (int64, error) {
	return v, ctx.Err()
}

func (*localSubstrate) AllreduceAnd(ctx context.Context, v bool) (bool, error) {
	return v, ctx.Err()
}
