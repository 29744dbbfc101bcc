package workflow

import (
	"fmt"
	"sort"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow/expression"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// Graph is a validated, frozen workflow definition with resolved lookup
// structure. The coordinator shares one Graph across every run of the
// definition and never mutates it.
type Graph struct {
	def       *Definition
	nodes     map[string]*Node
	outgoing  map[string][]*Transition
	byRef     map[string]*Transition
	condEval  *expression.Evaluator
	maxSpawn  int
	reference Ref
}

// Definition returns the underlying definition. Callers must not mutate it.
func (g *Graph) Definition() *Definition { return g.def }

// Ref returns the definition reference and version.
func (g *Graph) Ref() Ref { return g.reference }

// Node returns the node with the given ref.
func (g *Graph) Node(ref string) (*Node, bool) {
	n, ok := g.nodes[ref]
	return n, ok
}

// InitialNode returns the node the root token starts at.
func (g *Graph) InitialNode() *Node {
	return g.nodes[g.def.InitialNodeRef]
}

// Outgoing returns the transitions leaving nodeRef, ordered by descending
// priority with ties broken by ref ascending. The returned slice is shared;
// callers must not modify it.
func (g *Graph) Outgoing(nodeRef string) []*Transition {
	return g.outgoing[nodeRef]
}

// Transition returns the transition with the given ref.
func (g *Graph) Transition(ref string) (*Transition, bool) {
	t, ok := g.byRef[ref]
	return t, ok
}

// MaxSpawn returns the fan-out width bound for this definition.
func (g *Graph) MaxSpawn() int { return g.maxSpawn }

// Conditions returns the expression evaluator seeded during validation.
// Sharing it keeps compiled condition programs cached across runs.
func (g *Graph) Conditions() *expression.Evaluator { return g.condEval }

// Validate checks the definition and freezes it into a Graph. All structural
// rules are enforced here so the coordinator can assume a well-formed graph
// at run time.
func Validate(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, &errors.ValidationError{Message: "definition is nil"}
	}
	if def.Reference == "" {
		return nil, &errors.ValidationError{Field: "reference", Message: "definition reference is required"}
	}
	if len(def.Nodes) == 0 {
		return nil, &errors.ValidationError{Field: "nodes", Message: "definition has no nodes"}
	}

	nodes := make(map[string]*Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Ref == "" {
			return nil, &errors.ValidationError{Field: "nodes", Message: "node with empty ref"}
		}
		if _, dup := nodes[n.Ref]; dup {
			return nil, &errors.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("duplicate node ref %q", n.Ref),
			}
		}
		nodes[n.Ref] = n
	}

	if def.InitialNodeRef == "" {
		return nil, &errors.ValidationError{Field: "initialNodeRef", Message: "initialNodeRef is required"}
	}
	if _, ok := nodes[def.InitialNodeRef]; !ok {
		return nil, &errors.ValidationError{
			Field:   "initialNodeRef",
			Message: fmt.Sprintf("initial node %q is not declared", def.InitialNodeRef),
		}
	}

	condEval := expression.New()

	byRef := make(map[string]*Transition, len(def.Transitions))
	outgoing := make(map[string][]*Transition)
	for _, t := range def.Transitions {
		if err := validateTransition(t, nodes, byRef, condEval); err != nil {
			return nil, err
		}
		byRef[t.Ref] = t
		outgoing[t.FromNodeRef] = append(outgoing[t.FromNodeRef], t)
	}

	// Fan-in sibling groups must name a declared fan-out transition.
	for _, t := range def.Transitions {
		if t.Synchronization == nil {
			continue
		}
		group, ok := byRef[t.Synchronization.SiblingGroup]
		if !ok || !group.IsFanOut() {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("transitions.%s.synchronization.siblingGroup", t.Ref),
				Message: fmt.Sprintf("sibling group %q does not match any fan-out transition", t.Synchronization.SiblingGroup),
			}
		}
		// A fixed-width group can never satisfy m_of_n with m above the
		// width; such a barrier would strand every run.
		if t.Synchronization.Strategy == SyncMOfN && group.SpawnCount != nil && t.Synchronization.M > *group.SpawnCount {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("transitions.%s.synchronization.m", t.Ref),
				Message: fmt.Sprintf("m=%d exceeds the sibling group's width %d", t.Synchronization.M, *group.SpawnCount),
			}
		}
	}

	for ref, list := range outgoing {
		sorted := make([]*Transition, len(list))
		copy(sorted, list)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Priority != sorted[j].Priority {
				return sorted[i].Priority > sorted[j].Priority
			}
			return sorted[i].Ref < sorted[j].Ref
		})
		outgoing[ref] = sorted
	}

	for _, n := range def.Nodes {
		if err := validateNode(n, condEval); err != nil {
			return nil, err
		}
	}

	if unreachable := unreachableNodes(def, outgoing); len(unreachable) > 0 {
		return nil, &errors.ValidationError{
			Field:   "nodes",
			Message: fmt.Sprintf("nodes unreachable from %q: %v", def.InitialNodeRef, unreachable),
		}
	}

	for _, of := range def.OutputMapping {
		if of.Field == "" {
			return nil, &errors.ValidationError{Field: "outputMapping", Message: "output field name is empty"}
		}
		// The field becomes a path segment under output; reject names the
		// dialect cannot address.
		if _, err := jsonpath.Parse("$.output." + of.Field); err != nil {
			return nil, &errors.ValidationError{
				Field:      fmt.Sprintf("outputMapping.%s", of.Field),
				Message:    fmt.Sprintf("field name %q is not addressable: %v", of.Field, err),
				Suggestion: "use letters, digits, and underscores in output field names",
			}
		}
		p, err := jsonpath.Parse(of.Source)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("outputMapping.%s", of.Field),
				Message: err.Error(),
			}
		}
		if root := p.Root(); root != "state" && root != "output" {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("outputMapping.%s", of.Field),
				Message: fmt.Sprintf("source %q must read state.* or output.*", of.Source),
			}
		}
	}

	return &Graph{
		def:       def,
		nodes:     nodes,
		outgoing:  outgoing,
		byRef:     byRef,
		condEval:  condEval,
		maxSpawn:  def.MaxSpawnBound(),
		reference: Ref{Reference: def.Reference, Version: def.Version},
	}, nil
}

func validateTransition(t *Transition, nodes map[string]*Node, seen map[string]*Transition, condEval *expression.Evaluator) error {
	if t.Ref == "" {
		return &errors.ValidationError{Field: "transitions", Message: "transition with empty ref"}
	}
	if _, dup := seen[t.Ref]; dup {
		return &errors.ValidationError{
			Field:   "transitions",
			Message: fmt.Sprintf("duplicate transition ref %q", t.Ref),
		}
	}
	field := func(sub string) string { return fmt.Sprintf("transitions.%s.%s", t.Ref, sub) }

	if _, ok := nodes[t.FromNodeRef]; !ok {
		return &errors.ValidationError{
			Field:   field("fromNodeRef"),
			Message: fmt.Sprintf("node %q is not declared", t.FromNodeRef),
		}
	}
	if _, ok := nodes[t.ToNodeRef]; !ok {
		return &errors.ValidationError{
			Field:   field("toNodeRef"),
			Message: fmt.Sprintf("node %q is not declared", t.ToNodeRef),
		}
	}
	if err := condEval.Validate(t.Condition); err != nil {
		return &errors.ValidationError{Field: field("condition"), Message: err.Error()}
	}
	if t.SpawnCount != nil && t.Foreach != nil {
		return &errors.ValidationError{
			Field:   field("spawnCount"),
			Message: "spawnCount and foreach are mutually exclusive",
		}
	}
	if t.SpawnCount != nil && *t.SpawnCount < 0 {
		return &errors.ValidationError{Field: field("spawnCount"), Message: "spawnCount must be >= 0"}
	}
	if t.Foreach != nil {
		if t.Foreach.ItemVar == "" {
			return &errors.ValidationError{Field: field("foreach.itemVar"), Message: "itemVar is required"}
		}
		if _, err := jsonpath.Parse(t.Foreach.Collection); err != nil {
			return &errors.ValidationError{Field: field("foreach.collection"), Message: err.Error()}
		}
	}
	if t.IsFanOut() && t.IsFanIn() {
		return &errors.ValidationError{
			Field:   field("synchronization"),
			Message: "a transition cannot both fan out and synchronize",
		}
	}

	if sync := t.Synchronization; sync != nil {
		switch sync.Strategy {
		case SyncAll, SyncAny:
		case SyncMOfN:
			if sync.M < 1 {
				return &errors.ValidationError{Field: field("synchronization.m"), Message: "m must be >= 1"}
			}
		default:
			return &errors.ValidationError{
				Field:   field("synchronization.strategy"),
				Message: fmt.Sprintf("unknown strategy %q", sync.Strategy),
			}
		}
		if sync.SiblingGroup == "" {
			return &errors.ValidationError{Field: field("synchronization.siblingGroup"), Message: "siblingGroup is required"}
		}
		for i, m := range sync.Merge {
			mfield := field(fmt.Sprintf("synchronization.merge[%d]", i))
			switch m.Strategy {
			case MergeAppend, MergeConcat, MergeLast, MergeFirst, MergeSum, MergeSet:
			default:
				return &errors.ValidationError{
					Field:   mfield,
					Message: fmt.Sprintf("unknown merge strategy %q", m.Strategy),
				}
			}
			src, err := jsonpath.Parse(m.Source)
			if err != nil {
				return &errors.ValidationError{Field: mfield + ".source", Message: err.Error()}
			}
			if src.Root() != "_branch" {
				return &errors.ValidationError{
					Field:   mfield + ".source",
					Message: fmt.Sprintf("source %q must read the branch scope (_branch.*)", m.Source),
				}
			}
			tgt, err := jsonpath.Parse(m.Target)
			if err != nil {
				return &errors.ValidationError{Field: mfield + ".target", Message: err.Error()}
			}
			if root := tgt.Root(); root != "state" && root != "output" {
				return &errors.ValidationError{
					Field:   mfield + ".target",
					Message: fmt.Sprintf("target %q must write state.* or output.*", m.Target),
				}
			}
			if !tgt.Writable() {
				return &errors.ValidationError{
					Field:   mfield + ".target",
					Message: fmt.Sprintf("target %q is not a writable location", m.Target),
				}
			}
		}
	}

	return nil
}

func validateNode(n *Node, condEval *expression.Evaluator) error {
	field := func(sub string) string { return fmt.Sprintf("nodes.%s.%s", n.Ref, sub) }

	if n.Task == nil && n.TaskRef == "" {
		return &errors.ValidationError{
			Field:   field("task"),
			Message: "node needs an inline task or a taskRef",
		}
	}
	if n.Task != nil && n.TaskRef != "" {
		return &errors.ValidationError{
			Field:   field("task"),
			Message: "inline task and taskRef are mutually exclusive",
		}
	}

	for target, source := range n.InputMapping {
		if _, err := jsonpath.Parse(source); err != nil {
			return &errors.ValidationError{
				Field:   field("inputMapping." + target),
				Message: err.Error(),
			}
		}
	}
	for target, source := range n.OutputMapping {
		tgt, err := jsonpath.Parse(target)
		if err != nil {
			return &errors.ValidationError{Field: field("outputMapping"), Message: err.Error()}
		}
		switch tgt.Root() {
		case "state", "output", "_branch":
		default:
			return &errors.ValidationError{
				Field:   field("outputMapping"),
				Message: fmt.Sprintf("target %q must write state.*, output.*, or _branch.*", target),
			}
		}
		if !tgt.Writable() {
			return &errors.ValidationError{
				Field:   field("outputMapping"),
				Message: fmt.Sprintf("target %q is not a writable location", target),
			}
		}
		if _, err := jsonpath.Parse(source); err != nil {
			return &errors.ValidationError{Field: field("outputMapping"), Message: err.Error()}
		}
	}

	if n.Task != nil {
		if err := validateTask(n.Ref, n.Task, condEval); err != nil {
			return err
		}
	}
	return nil
}

func validateTask(nodeRef string, task *Task, condEval *expression.Evaluator) error {
	field := func(sub string) string { return fmt.Sprintf("nodes.%s.task.%s", nodeRef, sub) }

	if len(task.Steps) == 0 {
		return &errors.ValidationError{Field: field("steps"), Message: "task has no steps"}
	}
	if retry := task.Retry; retry != nil {
		if retry.MaxAttempts < 1 {
			return &errors.ValidationError{Field: field("retry.maxAttempts"), Message: "maxAttempts must be >= 1"}
		}
		switch retry.Backoff {
		case "", BackoffNone, BackoffLinear, BackoffExponential:
		default:
			return &errors.ValidationError{
				Field:   field("retry.backoff"),
				Message: fmt.Sprintf("unknown backoff %q", retry.Backoff),
			}
		}
	}

	seen := make(map[string]bool, len(task.Steps))
	for _, s := range task.Steps {
		sfield := func(sub string) string { return field("steps." + s.Ref + "." + sub) }
		if s.Ref == "" {
			return &errors.ValidationError{Field: field("steps"), Message: "step with empty ref"}
		}
		if seen[s.Ref] {
			return &errors.ValidationError{
				Field:   field("steps"),
				Message: fmt.Sprintf("duplicate step ref %q", s.Ref),
			}
		}
		seen[s.Ref] = true

		if s.Action == nil && s.ActionRef == "" {
			return &errors.ValidationError{Field: sfield("action"), Message: "step needs an inline action or an actionRef"}
		}
		switch s.OnFailure {
		case "", FailureAbort, FailureRetry, FailureContinue:
		default:
			return &errors.ValidationError{
				Field:   sfield("onFailure"),
				Message: fmt.Sprintf("unknown failure policy %q", s.OnFailure),
			}
		}
		if cond := s.Condition; cond != nil {
			if err := condEval.Validate(cond.If); err != nil {
				return &errors.ValidationError{Field: sfield("condition.if"), Message: err.Error()}
			}
			for _, outcome := range []ConditionOutcome{cond.Then, cond.Else} {
				switch outcome {
				case "", OutcomeContinue, OutcomeSkip, OutcomeSucceed, OutcomeFail:
				default:
					return &errors.ValidationError{
						Field:   sfield("condition"),
						Message: fmt.Sprintf("unknown outcome %q", outcome),
					}
				}
			}
		}
		for target, source := range s.InputMapping {
			if _, err := jsonpath.Parse(source); err != nil {
				return &errors.ValidationError{Field: sfield("inputMapping." + target), Message: err.Error()}
			}
		}
		for target, source := range s.OutputMapping {
			if _, err := jsonpath.Parse(target); err != nil {
				return &errors.ValidationError{Field: sfield("outputMapping"), Message: err.Error()}
			}
			if _, err := jsonpath.Parse(source); err != nil {
				return &errors.ValidationError{Field: sfield("outputMapping"), Message: err.Error()}
			}
		}
	}
	return nil
}

// unreachableNodes walks the graph from the initial node and returns refs of
// nodes no path reaches, sorted for stable error text.
func unreachableNodes(def *Definition, outgoing map[string][]*Transition) []string {
	visited := map[string]bool{def.InitialNodeRef: true}
	queue := []string{def.InitialNodeRef}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		for _, t := range outgoing[ref] {
			if !visited[t.ToNodeRef] {
				visited[t.ToNodeRef] = true
				queue = append(queue, t.ToNodeRef)
			}
		}
	}

	var missing []string
	for _, n := range def.Nodes {
		if !visited[n.Ref] {
			missing = append(missing, n.Ref)
		}
	}
	sort.Strings(missing)
	return missing
}
