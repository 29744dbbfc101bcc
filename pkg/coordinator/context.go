package coordinator

import (
	"fmt"
	"sort"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// Context namespaces.
const (
	ScopeInput  = "input"
	ScopeState  = "state"
	ScopeOutput = "output"
	ScopeBranch = "_branch"
)

// Context is the four-namespace JSON document mutated during a run. The
// input namespace is frozen at creation; state and output are run-wide;
// _branch holds per-token scratch addressed through the owning token's id.
//
// The run actor owns the Context and serializes all access. Values are plain
// JSON types only.
type Context struct {
	root     map[string]any
	branches map[string]map[string]any
}

// NewContext creates a run context with the given immutable input.
func NewContext(input map[string]any) *Context {
	if input == nil {
		input = map[string]any{}
	}
	return &Context{
		root: map[string]any{
			ScopeInput:  deepCopy(input),
			ScopeState:  map[string]any{},
			ScopeOutput: map[string]any{},
		},
		branches: make(map[string]map[string]any),
	}
}

// Read evaluates path for the given token. Branch paths resolve against the
// token's branch scope; all other roots resolve against the run document.
// Missing keys yield (nil, false), never an error.
func (c *Context) Read(tokenID string, path *jsonpath.Path) (any, bool) {
	if path.Root() == ScopeBranch {
		scope, ok := c.branches[tokenID]
		if !ok {
			return nil, false
		}
		return path.Read(map[string]any{ScopeBranch: scope})
	}
	return path.Read(c.root)
}

// ReadPath is Read over an unparsed path expression.
func (c *Context) ReadPath(tokenID, raw string) (any, error) {
	p, err := jsonpath.Parse(raw)
	if err != nil {
		return nil, &errors.MappingError{Path: raw, Message: err.Error()}
	}
	v, _ := c.Read(tokenID, p)
	return v, nil
}

// Write sets the addressed location, creating intermediate containers as
// needed. Targets must name a field inside state, output, or the token's
// branch scope; writes to input are refused.
func (c *Context) Write(tokenID string, path *jsonpath.Path, value any) error {
	root := path.Root()
	if !path.Writable() || path.Depth() < 2 {
		return &errors.MappingError{Path: path.String(), Message: "not a writable location"}
	}
	switch root {
	case ScopeState, ScopeOutput:
		return path.Write(c.root, deepCopy(value))
	case ScopeBranch:
		return path.Write(map[string]any{ScopeBranch: c.branch(tokenID)}, deepCopy(value))
	case ScopeInput:
		return &errors.MappingError{Path: path.String(), Message: "input is immutable"}
	default:
		return &errors.MappingError{
			Path:    path.String(),
			Message: fmt.Sprintf("unknown namespace %q", root),
		}
	}
}

// ApplyMapping evaluates each mapping source against sourceView and writes
// the result to the mapped context target. Targets are applied in
// lexicographic order so repeated runs produce identical write sequences,
// and earlier writes are visible to later sources in the same call.
// Sources that resolve to nothing write nothing.
func (c *Context) ApplyMapping(tokenID string, mapping map[string]string, sourceView map[string]any) error {
	return applyOrdered(mapping, sourceView, func(target *jsonpath.Path, value any) error {
		return c.Write(tokenID, target, value)
	})
}

// MapInto applies a mapping between two plain documents, used for the
// executor's task scope. Same ordering and missing-source rules as
// ApplyMapping.
func MapInto(dst map[string]any, mapping map[string]string, src map[string]any) error {
	return applyOrdered(mapping, src, func(target *jsonpath.Path, value any) error {
		if !target.Writable() {
			return &errors.MappingError{Path: target.String(), Message: "not a writable location"}
		}
		return target.Write(dst, deepCopy(value))
	})
}

func applyOrdered(mapping map[string]string, src map[string]any, write func(*jsonpath.Path, any) error) error {
	targets := make([]string, 0, len(mapping))
	for t := range mapping {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		tp, err := jsonpath.Parse(target)
		if err != nil {
			return &errors.MappingError{Path: target, Message: err.Error()}
		}
		sp, err := jsonpath.Parse(mapping[target])
		if err != nil {
			return &errors.MappingError{Path: mapping[target], Message: err.Error()}
		}
		value, ok := sp.Read(src)
		if !ok {
			continue
		}
		if err := write(tp, value); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a deep, detached copy of input, state, and output. Branch
// scopes are excluded.
func (c *Context) Snapshot() map[string]any {
	return deepCopy(c.root).(map[string]any)
}

// View returns the run document plus the token's branch scope, for condition
// evaluation and input mapping. The returned maps alias live state; callers
// must treat the view as read-only.
func (c *Context) View(tokenID string) map[string]any {
	view := map[string]any{
		ScopeInput:  c.root[ScopeInput],
		ScopeState:  c.root[ScopeState],
		ScopeOutput: c.root[ScopeOutput],
	}
	if scope, ok := c.branches[tokenID]; ok {
		view[ScopeBranch] = scope
	} else {
		view[ScopeBranch] = map[string]any{}
	}
	return view
}

// SetBranchValue writes one top-level key in the token's branch scope.
func (c *Context) SetBranchValue(tokenID, key string, value any) {
	c.branch(tokenID)[key] = deepCopy(value)
}

// BranchScope returns a detached copy of the token's branch scope.
func (c *Context) BranchScope(tokenID string) map[string]any {
	scope, ok := c.branches[tokenID]
	if !ok {
		return map[string]any{}
	}
	return deepCopy(scope).(map[string]any)
}

// ReleaseBranch discards the token's branch scope once the branch is
// terminal. Barriers copy what they need at arrival time.
func (c *Context) ReleaseBranch(tokenID string) {
	delete(c.branches, tokenID)
}

func (c *Context) branch(tokenID string) map[string]any {
	scope, ok := c.branches[tokenID]
	if !ok {
		scope = map[string]any{}
		c.branches[tokenID] = scope
	}
	return scope
}

// deepCopy clones plain JSON values. Scalars are returned as-is.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
