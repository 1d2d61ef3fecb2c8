// Package identitygen is a built-in reference Generator: it creates its
// own source dataset of count identity rows [0, count) at Init and
// emits it back out in chunk-sized ranges, the pattern for a generator
// that converts an external format rather than iterating an
// already-populated table.
package identitygen

import (
	"context"
	"fmt"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/substrate"
	"github.com/grailbio/rowflow/workflow"
)

type generator struct {
	c     *container.Container
	path  string
	count int64
	chunk int64

	tbl   *container.Table[int64]
	next  int64
	limit int64
	done  bool
}

// NewFactory returns a factory bound to c, so the generator receives the
// data manager by injection rather than opening its own Container.
func NewFactory(c *container.Container) func(params map[string]interface{}) (workflow.Generator, error) {
	return func(params map[string]interface{}) (workflow.Generator, error) {
		path, _ := params["path"].(string)
		count := toInt64(params["count"])
		chunk := toInt64(params["chunk"])
		if path == "" {
			return nil, fmt.Errorf("identitygen: params.path is required")
		}
		if count <= 0 {
			return nil, fmt.Errorf("identitygen: params.count must be positive")
		}
		if chunk <= 0 {
			chunk = 1024
		}
		return &generator{c: c, path: path, count: count, chunk: chunk}, nil
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (g *generator) Init(ctx context.Context) (string, error) {
	tbl, err := container.CreateDataset[int64](ctx, g.c, g.path, int(g.chunk))
	if err != nil {
		return "", err
	}
	g.tbl = tbl

	size := int64(substrate.Size())
	rank := int64(substrate.Rank())
	nLocal := g.count / size
	if rank < g.count%size {
		nLocal++
	}

	start, err := tbl.ReserveRows(ctx, nLocal)
	if err != nil {
		return "", err
	}
	if nLocal > 0 {
		rows := make([]int64, nLocal)
		for i := range rows {
			rows[i] = start + int64(i)
		}
		if err := tbl.WriteData(ctx, start, rows); err != nil {
			return "", err
		}
	}
	g.next, g.limit = start, start+nLocal
	return g.path, nil
}

func (g *generator) Next(ctx context.Context) (workflow.Range, error) {
	if g.done || g.next >= g.limit {
		g.done = true
		return workflow.EMPTY, nil
	}
	stop := g.next + g.chunk
	if stop > g.limit {
		stop = g.limit
	}
	r := workflow.Range{Start: g.next, Stop: stop}
	g.next = stop
	return r, nil
}

func (g *generator) Finish(ctx context.Context) error { return nil }
