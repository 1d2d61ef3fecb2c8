package workflow

import "context"

// RequiredDataset names one join a Stage needs preloaded into its cache
// for each iteration: a bare path (one-hop join keyed by the path
// itself), a chain of paths, or an object naming the cache key, the
// dataset path, and the index_only flag. The cache entry always holds
// matched row indices (a *deref.MaskedRect[int64]); target rows are not
// materialized by the manager.
type RequiredDataset struct {
	// Name is the cache key a Stage looks the join up by. Defaults to
	// Path when left empty (the bare-path configuration shorthand).
	Name string
	// Path is the target dataset this join resolves to. For a multi-hop
	// chain, Hops names every intermediate reference table to follow in
	// order; Path is always the final target.
	Path string
	// Hops, when non-empty, names the chain of reference tables to
	// follow from the source table to Path, in order.
	Hops []string
	// IndexOnly records the index_only flag: the stage reads the cached
	// matched row indices directly. The cache holds the same index
	// rectangle whether or not it is set; a stage without it gathers the
	// target rows itself with GatherRows.
	IndexOnly bool
}

// Stage is one step of a workflow's per-iteration pipeline. Instances
// are created once per rank, in configuration order, and receive the
// data manager by injection at construction time.
type Stage interface {
	// Init is called once, after the data manager is open and before any
	// Run call, with the bound source table's path.
	Init(ctx context.Context, sourcePath string) error
	// Run processes sourceSlice of the source table using cache, the
	// pre-materialized joins this stage declared via RequiredDataset.
	// Run may write new rows/references through the data manager and may
	// evict cache entries to force rematerialization on next access
	// within the same iteration.
	Run(ctx context.Context, sourcePath string, sourceSlice Range, cache *Cache) error
	// Finish is called once after the loop terminates, in the same
	// order stages were configured.
	Finish(ctx context.Context, sourcePath string) error
}

// StageFactory constructs a Stage from its configuration params.
type StageFactory func(params map[string]interface{}) (Stage, error)
