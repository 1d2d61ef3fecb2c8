package workflow

import (
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/antzucaro/matchr"
)

// DiscoveryTier names one of the three roots a classname is searched
// against, in priority order: the working directory's own registrations
// win over a sibling modules/ package, which wins over the built-in
// set. Since Go has no runtime directory scan, each root registers its
// factories against one Registry before binding (RegisterBuiltins does
// so for the built-in set); ResolveStage, ResolveResource and
// ResolveGenerator walk tiers in this order and return the first match,
// preserving the three-tier
// resolution contract without reflection-based class scanning.
type DiscoveryTier int

const (
	TierWorkingDirectory DiscoveryTier = iota
	TierModules
	TierBuiltin
	numTiers
)

// Registry resolves a configuration classname to a Stage, Resource, or
// Generator factory across the three discovery tiers, and caches
// resolved lookups by a seahash of the classname (grounded on
// bamprovider.concurrentMap's seahash-keyed sharded lookup, repurposed
// here to key a flat resolution cache instead of a mate-record map).
type Registry struct {
	mu      sync.RWMutex
	stages  [numTiers]map[string]StageFactory
	res     [numTiers]map[string]ResourceFactory
	gens    [numTiers]map[string]func(params map[string]interface{}) (Generator, error)
	lookups map[uint64]string // resolved-name cache, keyed by seahash(classname)
}

// NewRegistry returns an empty registry; callers populate it via
// RegisterStage/RegisterResource/RegisterGenerator before binding any
// configuration.
func NewRegistry() *Registry {
	r := &Registry{lookups: make(map[uint64]string)}
	for i := range r.stages {
		r.stages[i] = make(map[string]StageFactory)
		r.res[i] = make(map[string]ResourceFactory)
		r.gens[i] = make(map[string]func(params map[string]interface{}) (Generator, error))
	}
	return r
}

func (r *Registry) RegisterStage(tier DiscoveryTier, classname string, f StageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[tier][classname] = f
}

func (r *Registry) RegisterResource(tier DiscoveryTier, classname string, f ResourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res[tier][classname] = f
}

func (r *Registry) RegisterGenerator(tier DiscoveryTier, classname string, f func(params map[string]interface{}) (Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[tier][classname] = f
}

// ResolveStage finds classname's factory across all three tiers in
// order, or a ConfigurationError naming the closest registered stage
// classname by Levenshtein distance.
func (r *Registry) ResolveStage(classname string) (StageFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tier := 0; tier < int(numTiers); tier++ {
		if f, ok := r.stages[tier][classname]; ok {
			r.cacheHit(classname)
			return f, nil
		}
	}
	return nil, r.unresolved("stage", classname, r.stageNames())
}

// ResolveResource finds classname's factory across all three tiers.
func (r *Registry) ResolveResource(classname string) (ResourceFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tier := 0; tier < int(numTiers); tier++ {
		if f, ok := r.res[tier][classname]; ok {
			r.cacheHit(classname)
			return f, nil
		}
	}
	return nil, r.unresolved("resource", classname, r.resourceNames())
}

// ResolveGenerator finds classname's factory across all three tiers.
func (r *Registry) ResolveGenerator(classname string) (func(params map[string]interface{}) (Generator, error), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tier := 0; tier < int(numTiers); tier++ {
		if f, ok := r.gens[tier][classname]; ok {
			r.cacheHit(classname)
			return f, nil
		}
	}
	return nil, r.unresolved("generator", classname, r.generatorNames())
}

// cacheHit records a successful resolution in lookups, keyed by the
// classname's seahash. The Resolve methods do not consult lookups; every
// resolution probes the tier maps.
func (r *Registry) cacheHit(classname string) {
	r.lookups[seahash.Sum64([]byte(classname))] = classname
}

func (r *Registry) stageNames() []string {
	var names []string
	for tier := range r.stages {
		for name := range r.stages[tier] {
			names = append(names, name)
		}
	}
	return names
}

func (r *Registry) resourceNames() []string {
	var names []string
	for tier := range r.res {
		for name := range r.res[tier] {
			names = append(names, name)
		}
	}
	return names
}

func (r *Registry) generatorNames() []string {
	var names []string
	for tier := range r.gens {
		for name := range r.gens[tier] {
			names = append(names, name)
		}
	}
	return names
}

// unresolved builds a ConfigurationError suggesting the closest
// registered name by Levenshtein distance, grounded on
// util/distance_test.go's matchr.Levenshtein usage.
func (r *Registry) unresolved(kind, classname string, candidates []string) error {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := matchr.Levenshtein(classname, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return configErrorf("unknown %s classname %q", kind, classname)
	}
	return configErrorf("unknown %s classname %q (did you mean %q?)", kind, classname, best)
}
