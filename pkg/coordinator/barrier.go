package coordinator

import (
	"fmt"
	"sort"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// barrierKey identifies a barrier: siblings rendezvous per fan-in transition
// under their common parent token.
type barrierKey struct {
	ParentID      string
	TransitionRef string
}

// arrival is one completed sibling waiting at a barrier, with its branch
// scope captured at arrival time so merges survive branch cleanup.
type arrival struct {
	tokenID     string
	branchIndex int
	branch      map[string]any
}

// barrier accumulates arrivals for one (parent, transition) pair until its
// synchronization strategy fires.
type barrier struct {
	key        barrierKey
	transition *workflow.Transition
	total      int
	arrivals   []arrival
	fired      bool
}

// satisfied reports whether the strategy can fire over the current arrivals.
func (b *barrier) satisfied() bool {
	sync := b.transition.Synchronization
	switch sync.Strategy {
	case workflow.SyncAny:
		return len(b.arrivals) >= 1 || b.total == 0
	case workflow.SyncMOfN:
		return len(b.arrivals) >= sync.M
	default: // all
		return len(b.arrivals) >= b.total
	}
}

// stuck reports whether the strategy can no longer be satisfied after
// sibling failures reduced the surviving total. Only m_of_n can become
// unsatisfiable; all and any fire over whatever siblings survive, which for
// zero survivors means an empty merge.
func (b *barrier) stuck() bool {
	sync := b.transition.Synchronization
	return sync.Strategy == workflow.SyncMOfN && b.total < sync.M
}

// sortedArrivals returns arrivals in ascending branch index, the
// deterministic merge order regardless of completion timing.
func (b *barrier) sortedArrivals() []arrival {
	out := make([]arrival, len(b.arrivals))
	copy(out, b.arrivals)
	sort.Slice(out, func(i, j int) bool { return out[i].branchIndex < out[j].branchIndex })
	return out
}

// barrierSet tracks every barrier of one run.
type barrierSet struct {
	m map[barrierKey]*barrier
}

func newBarrierSet() *barrierSet {
	return &barrierSet{m: make(map[barrierKey]*barrier)}
}

// get returns the barrier for key, creating it with the given sibling total
// on first touch.
func (s *barrierSet) get(key barrierKey, t *workflow.Transition, total int) *barrier {
	b, ok := s.m[key]
	if !ok {
		b = &barrier{key: key, transition: t, total: total}
		s.m[key] = b
	}
	return b
}

// arrive records a sibling arrival. late is true when the barrier already
// fired; such arrivals are absorbed without merging.
func (s *barrierSet) arrive(key barrierKey, t *workflow.Transition, total int, a arrival) (b *barrier, fire, late bool) {
	b = s.get(key, t, total)
	if b.fired {
		return b, false, true
	}
	b.arrivals = append(b.arrivals, a)
	if b.satisfied() {
		b.fired = true
		return b, true, false
	}
	return b, false, false
}

// siblingFailed reduces the surviving total for the barrier so all/m_of_n
// can still fire over the remaining siblings. It returns the barrier (which
// may now be satisfiable) or nil when the barrier already fired.
func (s *barrierSet) siblingFailed(key barrierKey, t *workflow.Transition, total int) *barrier {
	b := s.get(key, t, total)
	if b.fired {
		return nil
	}
	b.total--
	return b
}

// applyMerges folds the barrier's arrivals into the run context per the
// transition's merge rules. Arrivals are visited in ascending branch index.
// Returns the list of context writes performed, in order, so the actor can
// emit field-set events.
func applyMerges(ctx *Context, b *barrier) ([]contextWrite, error) {
	arrivals := b.sortedArrivals()
	var writes []contextWrite

	for _, m := range b.transition.Synchronization.Merge {
		source, err := jsonpath.Parse(m.Source)
		if err != nil {
			return writes, &errors.MappingError{Path: m.Source, Message: err.Error()}
		}
		target, err := jsonpath.Parse(m.Target)
		if err != nil {
			return writes, &errors.MappingError{Path: m.Target, Message: err.Error()}
		}

		value, write, err := mergeValue(ctx, m, source, target, arrivals)
		if err != nil {
			return writes, err
		}
		if !write {
			continue
		}
		if err := ctx.Write("", target, value); err != nil {
			return writes, err
		}
		writes = append(writes, contextWrite{path: m.Target, value: value})
	}
	return writes, nil
}

// contextWrite records one applied context mutation for event emission.
type contextWrite struct {
	path  string
	value any
}

// mergeValue computes the merged value for one rule. The second return is
// false when nothing should be written (last/first over zero arrivals).
func mergeValue(ctx *Context, m workflow.Merge, source, target *jsonpath.Path, arrivals []arrival) (any, bool, error) {
	read := func(a arrival) (any, bool) {
		return source.Read(map[string]any{ScopeBranch: a.branch})
	}

	switch m.Strategy {
	case workflow.MergeAppend:
		out := existingArray(ctx, target)
		for _, a := range arrivals {
			if v, ok := read(a); ok {
				out = append(out, v)
			}
		}
		return out, true, nil

	case workflow.MergeConcat:
		out := existingArray(ctx, target)
		for _, a := range arrivals {
			v, ok := read(a)
			if !ok {
				continue
			}
			items, ok := v.([]any)
			if !ok {
				return nil, false, &errors.MergeTypeError{
					Strategy: string(m.Strategy),
					Target:   m.Target,
					Message:  fmt.Sprintf("concat source %s resolved to %T, want array", m.Source, v),
				}
			}
			out = append(out, items...)
		}
		return out, true, nil

	case workflow.MergeLast:
		var value any
		found := false
		for _, a := range arrivals {
			if v, ok := read(a); ok {
				value = v
				found = true
			}
		}
		return value, found, nil

	case workflow.MergeFirst:
		for _, a := range arrivals {
			if v, ok := read(a); ok {
				return v, true, nil
			}
		}
		return nil, false, nil

	case workflow.MergeSum:
		sum := float64(0)
		for _, a := range arrivals {
			v, ok := read(a)
			if !ok {
				continue
			}
			n, ok := asNumber(v)
			if !ok {
				return nil, false, &errors.MergeTypeError{
					Strategy: string(m.Strategy),
					Target:   m.Target,
					Message:  fmt.Sprintf("sum source %s resolved to %T, want number", m.Source, v),
				}
			}
			sum += n
		}
		return sum, true, nil

	case workflow.MergeSet:
		var out []any
		seen := make(map[string]bool)
		for _, a := range arrivals {
			v, ok := read(a)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%#v", v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
		if out == nil {
			out = []any{}
		}
		return out, true, nil
	}

	return nil, false, errors.Internalf("unknown merge strategy %q", m.Strategy)
}

// existingArray reads the target's current value so append/concat extend it
// across repeated firings. Non-array values are replaced.
func existingArray(ctx *Context, target *jsonpath.Path) []any {
	current, ok := ctx.Read("", target)
	if !ok {
		return []any{}
	}
	arr, ok := current.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, len(arr))
	copy(out, arr)
	return out
}

// asNumber coerces JSON numeric types to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	}
	return 0, false
}
