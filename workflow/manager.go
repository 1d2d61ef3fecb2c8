package workflow

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/deref"
	"github.com/grailbio/rowflow/substrate"
)

// State is a rank's position in the workflow lifecycle.
type State int

const (
	Created State = iota
	Initialized
	Running
	Iterating
	Drained
	Finishing
	Closed
	Aborting
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case Iterating:
		return "Iterating"
	case Drained:
		return "Drained"
	case Finishing:
		return "Finishing"
	case Closed:
		return "Closed"
	case Aborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

type boundStage struct {
	name     string
	stage    Stage
	requires []RequiredDataset
}

// Manager drives one rank's lifecycle: parse → bind → open → init →
// loop → finish → close, generalized from
// encoding/bam/process_example/process_example.go's
// provider→iterator→fan-out→wait shape into a
// generator→cache→stages loop.
type Manager struct {
	state State

	container  *container.Container
	generator  Generator
	sourcePath string
	stages     []boundStage
	resources  *ResourceRegistry
	drop       []string
}

// Bind resolves doc's named blocks against registry and binds the
// already-opened container c as the workflow's output container,
// producing a Manager ready for Run.
func Bind(ctx context.Context, doc *Document, registry *Registry, c *container.Container, cliStart, cliEnd, chunk int64) (*Manager, error) {
	m := &Manager{container: c, state: Created, drop: doc.Drop, resources: newResourceRegistry()}

	if block, ok := doc.Blocks[doc.SourceSpec]; ok {
		genFactory, err := registry.ResolveGenerator(block.Classname)
		if err != nil {
			return nil, err
		}
		gen, err := genFactory(block.Params)
		if err != nil {
			return nil, err
		}
		m.generator = gen
	} else {
		gen, err := newDatasetGenerator(ctx, c, doc.SourceSpec, cliStart, cliEnd, chunk)
		if err != nil {
			return nil, err
		}
		m.generator = gen
	}

	for _, decl := range doc.ResourceDecls {
		factory, err := registry.ResolveResource(decl.Classname)
		if err != nil {
			return nil, err
		}
		res, err := factory(decl.Params)
		if err != nil {
			return nil, err
		}
		if err := m.resources.add(decl.Classname, res); err != nil {
			return nil, err
		}
	}

	for _, name := range doc.StageNames {
		block, ok := doc.Blocks[name]
		if !ok {
			return nil, configErrorf("flow.stages names undeclared block %q", name)
		}
		factory, err := registry.ResolveStage(block.Classname)
		if err != nil {
			return nil, err
		}
		stage, err := factory(block.Params)
		if err != nil {
			return nil, err
		}
		m.stages = append(m.stages, boundStage{name: name, stage: stage, requires: block.Requires})
	}

	return m, nil
}

// Run executes the full lifecycle: resource/generator/stage Init, the
// generate→preload→run loop until every rank is drained, then Finish in
// forward order and a collective container Finish.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.initAll(ctx); err != nil {
		return m.abort(ctx, err)
	}
	if err := m.loop(ctx); err != nil {
		return m.abort(ctx, err)
	}
	if err := m.finishAll(ctx); err != nil {
		return m.abort(ctx, err)
	}
	m.state = Closed
	return nil
}

// abort moves the manager to Aborting and attempts the same best-effort
// barrier every rank's Run path takes after an error, so that a rank
// which fails outside a collective (a stage's Init/Run/Finish, a
// configuration error) doesn't leave peers still waiting inside one of
// the loop's own collectives (Broadcast, AllreduceAnd). If that barrier
// itself fails, this rank has no way left to learn whether its peers
// ever reached it either, so the failure is reported as a
// TerminationError rather than err alone: the rank did not cleanly
// rendezvous with the rest of the run before giving up.
func (m *Manager) abort(ctx context.Context, err error) error {
	m.state = Aborting
	barrierErr := substrate.Current().Barrier(ctx)
	m.state = Closed
	if barrierErr != nil {
		return &TerminationError{Err: err}
	}
	return err
}

func (m *Manager) initAll(ctx context.Context) error {
	m.state = Initialized
	for classname, res := range m.resources.instances {
		if err := res.Init(ctx); err != nil {
			return &StageError{Stage: classname, Err: err}
		}
	}
	sourcePath, err := m.generator.Init(ctx)
	if err != nil {
		return err
	}
	m.sourcePath = sourcePath
	for _, bs := range m.stages {
		if err := bs.stage.Init(ctx, m.sourcePath); err != nil {
			return &StageError{Stage: bs.name, Err: err}
		}
	}
	log.Info.Printf("workflow: rank %d/%d initialized, source=%s, %d stage(s)",
		substrate.Rank(), substrate.Size(), m.sourcePath, len(m.stages))
	return nil
}

func (m *Manager) loop(ctx context.Context) error {
	m.state = Running
	sub := substrate.Current()
	for {
		m.state = Iterating
		r, err := m.generator.Next(ctx)
		if err != nil {
			return err
		}
		empty := r.empty()
		allEmpty, err := sub.AllreduceAnd(ctx, empty)
		if err != nil {
			return err
		}
		if allEmpty {
			m.state = Drained
			return nil
		}
		if empty {
			// This rank is drained but peers are not; it still
			// participates with a zero-sized range so per-iteration
			// collectives (cache preload, stage writes) stay symmetric.
			r = Range{Start: r.Stop, Stop: r.Stop}
		}
		log.Debug.Printf("workflow: rank %d iterating [%d,%d)", substrate.Rank(), r.Start, r.Stop)
		cache := m.buildCache(r)
		for _, bs := range m.stages {
			if err := bs.stage.Run(ctx, m.sourcePath, r, cache); err != nil {
				return &StageError{Stage: bs.name, Err: err}
			}
		}
	}
}

// buildCache registers a lazy producer for every stage's declared
// requirement against sourceSlice.
func (m *Manager) buildCache(sourceSlice Range) *Cache {
	c := newCache()
	seen := make(map[string]bool)
	for _, bs := range m.stages {
		for _, req := range bs.requires {
			if seen[req.Name] {
				continue
			}
			seen[req.Name] = true
			req := req
			c.register(req.Name, func(ctx context.Context) (interface{}, error) {
				return m.materialize(ctx, sourceSlice, req)
			})
		}
	}
	return c
}

// materialize resolves one RequiredDataset for sourceSlice into its
// matched-index rectangle, following Hops for a chained join when
// present. Every cache entry holds a *deref.MaskedRect[int64]
// regardless of req.IndexOnly: Go's static generics mean the manager
// cannot materialize an arbitrary target's row type T without knowing T
// at bind time, which configuration alone never supplies. A stage that
// needs actual rows (index_only unset, the common case) already knows
// its target's row type at compile time and turns the cached index
// rectangle into one of values with GatherRows; index_only:true simply
// means a stage reads the indices directly instead.
func (m *Manager) materialize(ctx context.Context, sourceSlice Range, req RequiredDataset) (interface{}, error) {
	n := sourceSlice.Len()
	sel := make([]int64, n)
	for i := range sel {
		sel[i] = sourceSlice.Start + int64(i)
	}

	cur := m.sourcePath
	hops := make([]deref.Hop, 0, len(req.Hops)+1)
	for _, hopTarget := range req.Hops {
		ref, err := container.OpenRefTable(ctx, m.container, cur, hopTarget)
		if err != nil {
			return nil, err
		}
		hops = append(hops, deref.Hop{Ref: ref, Direction: deref.Forward})
		cur = hopTarget
	}
	ref, err := container.OpenRefTable(ctx, m.container, cur, req.Path)
	if err != nil {
		return nil, err
	}
	hops = append(hops, deref.Hop{Ref: ref, Direction: deref.Forward})

	// sel holds absolute source offsets, so the bound is the slice's Stop.
	return deref.DereferenceChainIndices(ctx, sel, hops, sourceSlice.Stop, nil)
}

// GatherRows turns a cached index rectangle into one of target's actual
// rows, for a stage that declared a requirement without index_only.
func GatherRows[T any](ctx context.Context, rect *deref.MaskedRect[int64], target *container.Table[T]) (*deref.MaskedRect[T], error) {
	rows := make([][]T, len(rect.Rows))
	for i := range rows {
		rows[i] = make([]T, len(rect.Rows[i]))
	}

	var flat []int64
	positions := make([][2]int, 0)
	for i, row := range rect.Rows {
		for j, idx := range row {
			if rect.Mask[i][j] {
				continue
			}
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
	return &deref.MaskedRect[T]{Rows: rows, Mask: rect.Mask}, nil
}

func (m *Manager) finishAll(ctx context.Context) error {
	m.state = Finishing
	if err := m.generator.Finish(ctx); err != nil {
		return err
	}
	for _, bs := range m.stages {
		if err := bs.stage.Finish(ctx, m.sourcePath); err != nil {
			return &StageError{Stage: bs.name, Err: err}
		}
	}
	for _, p := range m.drop {
		if err := m.container.Delete(ctx, p); err != nil {
			return err
		}
	}
	return m.container.Finish(ctx)
}
