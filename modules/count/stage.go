// Package count is a built-in reference Stage: it tallies the number of
// source rows it has been handed across every iteration on this rank
// and writes the running total as a single row to an output dataset at
// Finish. It exists to exercise workflow.Stage end to end, in the spirit
// of encoding/bam/process_example's sample program.
package count

import (
	"context"
	"fmt"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/workflow"
)

type stage struct {
	c      *container.Container
	target string
	local  int64
	out    *container.Table[int64]
}

// NewFactory returns a workflow.StageFactory bound to c, so the stage's
// constructor receives the data manager by injection rather than
// reaching for ambient global state.
func NewFactory(c *container.Container) workflow.StageFactory {
	return func(params map[string]interface{}) (workflow.Stage, error) {
		target, _ := params["target"].(string)
		if target == "" {
			return nil, fmt.Errorf("count: params.target is required")
		}
		return &stage{c: c, target: target}, nil
	}
}

func (s *stage) Init(ctx context.Context, sourcePath string) error {
	out, err := container.CreateDataset[int64](ctx, s.c, s.target, 0)
	if err != nil {
		return err
	}
	s.out = out
	return nil
}

func (s *stage) Run(ctx context.Context, sourcePath string, slice workflow.Range, cache *workflow.Cache) error {
	s.local += slice.Len()
	return nil
}

func (s *stage) Finish(ctx context.Context, sourcePath string) error {
	start, err := s.out.ReserveRows(ctx, 1)
	if err != nil {
		return err
	}
	return s.out.WriteData(ctx, start, []int64{s.local})
}
