package workflow

import (
	"context"

	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/substrate"
)

// Range is a half-open row range of a source table, [Start, Stop).
type Range struct {
	Start, Stop int64
}

// Len returns the number of rows in r.
func (r Range) Len() int64 { return r.Stop - r.Start }

// empty reports whether r is the EMPTY sentinel (a zero-length range at
// offset -1, so it never collides with a genuine zero-length chunk at
// offset 0).
func (r Range) empty() bool { return r.Start < 0 }

// EMPTY is the sentinel a Generator returns from Next when this rank's
// partition of the source is drained for the current iteration.
var EMPTY = Range{Start: -1, Stop: -1}

// Generator produces successive row ranges of a source table for one
// rank to process. Implementations are instantiated once per rank.
type Generator interface {
	// Init opens or creates the source table this generator iterates
	// over and returns its path, so the manager can preload it into the
	// per-iteration cache.
	Init(ctx context.Context) (sourcePath string, err error)
	// Next returns this rank's next row range, or EMPTY when this rank's
	// partition is drained for the current generation.
	Next(ctx context.Context) (Range, error)
	// Finish releases any resources the generator holds.
	Finish(ctx context.Context) error
}

// loopGenerator is the default generator: it partitions [Start,Stop) of
// an existing source table into equal contiguous chunks, round-robined
// across ranks, and emits each rank's chunks in order. Grounded on
// bamprovider.BAMProvider.GenerateShards's byte-range partitioning,
// generalized from genomic coordinates to row offsets.
type loopGenerator struct {
	sourcePath string
	start, end int64
	chunk      int64

	next int64 // absolute offset of this rank's next candidate chunk
	done bool
}

// NewLoopGenerator builds the default generator over [start,end) of
// sourcePath, split into chunkSize-row chunks round-robined across ranks.
// A chunkSize of 0 or less falls back to 1<<16 rows at Init;
// newDatasetGenerator resolves the source table's own storage chunk size
// before calling this.
func NewLoopGenerator(sourcePath string, start, end int64, chunkSize int64) Generator {
	return &loopGenerator{sourcePath: sourcePath, start: start, end: end, chunk: chunkSize}
}

func (g *loopGenerator) Init(ctx context.Context) (string, error) {
	if g.chunk <= 0 {
		// No chunk size was resolved before this generator was built (a
		// generator block used directly, rather than through
		// newDatasetGenerator, or a brand new dataset with no storage
		// chunk recorded yet). Fall back to a fixed default rather than
		// leaving chunk at zero and looping forever.
		g.chunk = 1 << 16
	}
	rank := int64(substrate.Rank())
	g.next = g.start + rank*g.chunk
	return g.sourcePath, nil
}

func (g *loopGenerator) Next(ctx context.Context) (Range, error) {
	if g.done || g.next >= g.end {
		g.done = true
		return EMPTY, nil
	}
	stop := g.next + g.chunk
	if stop > g.end {
		stop = g.end
	}
	r := Range{Start: g.next, Stop: stop}
	g.next += int64(substrate.Size()) * g.chunk
	return r, nil
}

func (g *loopGenerator) Finish(ctx context.Context) error { return nil }

// newDatasetGenerator handles flow.source naming a dataset path directly
// rather than a generator block: the manager builds the default loop
// generator over the dataset's full current length (unless an explicit
// end row was given on the CLI) instead of requiring a classname. When
// no explicit chunk size was given (chunk <= 0), it queries the
// dataset's own persisted storage chunk via Container.DatasetChunk
// rather than falling back to loopGenerator's fixed default, so a
// dataset written with a given chunk size is iterated in that same
// chunk size by default.
func newDatasetGenerator(ctx context.Context, c *container.Container, path string, start, end, chunk int64) (Generator, error) {
	if end <= 0 {
		n, ok, err := c.DatasetLen(ctx, path)
		if err != nil {
			return nil, err
		}
		if ok {
			end = n
		}
	}
	if chunk <= 0 {
		n, ok, err := c.DatasetChunk(ctx, path)
		if err != nil {
			return nil, err
		}
		if ok {
			chunk = n
		}
	}
	return NewLoopGenerator(path, start, end, chunk), nil
}
