package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonderhq/wonder/pkg/errors"
)

// Resolver supplies raw definitions from the resource service. Task and
// action references embedded in a workflow resolve through the same
// interface. A nil version means latest.
type Resolver interface {
	// ResolveDefinition returns the workflow definition for (reference, version).
	ResolveDefinition(ctx context.Context, reference, version string) (*Definition, error)

	// ResolveTask returns a shared task definition.
	ResolveTask(ctx context.Context, reference, version string) (*Task, error)

	// ResolveAction returns a shared action definition.
	ResolveAction(ctx context.Context, reference, version string) (*Action, error)
}

// Loader turns workflow references into validated, frozen graphs. Resolved
// graphs are cached by reference@version; a versionless load bypasses the
// cache since latest may move.
type Loader struct {
	resolver Resolver

	mu    sync.RWMutex
	cache map[string]*Graph
}

// NewLoader creates a Loader backed by the given resolver.
func NewLoader(resolver Resolver) *Loader {
	return &Loader{
		resolver: resolver,
		cache:    make(map[string]*Graph),
	}
}

// Load resolves, validates, and freezes the workflow graph for ref.
func (l *Loader) Load(ctx context.Context, ref Ref) (*Graph, error) {
	if ref.Version != "" {
		l.mu.RLock()
		cached, ok := l.cache[ref.String()]
		l.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	def, err := l.resolver.ResolveDefinition(ctx, ref.Reference, ref.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve workflow %s", ref)
	}

	graph, err := l.Build(ctx, def)
	if err != nil {
		return nil, err
	}

	if graph.Ref().Version != "" {
		l.mu.Lock()
		l.cache[graph.Ref().String()] = graph
		l.mu.Unlock()
	}
	return graph, nil
}

// Build resolves embedded task/action references in def and freezes it.
// Used directly by the CLI for file-based definitions.
func (l *Loader) Build(ctx context.Context, def *Definition) (*Graph, error) {
	if def == nil {
		return nil, &errors.ValidationError{Message: "definition is nil"}
	}

	for _, n := range def.Nodes {
		if n.TaskRef != "" {
			if l.resolver == nil {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("nodes.%s.taskRef", n.Ref),
					Message: "no resolver configured for referenced tasks",
				}
			}
			task, err := l.resolver.ResolveTask(ctx, n.TaskRef, n.TaskVersion)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve task %s@%s for node %s", n.TaskRef, n.TaskVersion, n.Ref)
			}
			n.Task = task
			n.TaskRef = ""
		}
		if n.Task == nil {
			// Validate reports the missing task with full context.
			continue
		}
		for _, s := range n.Task.Steps {
			if s.ActionRef == "" {
				continue
			}
			if l.resolver == nil {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("nodes.%s.task.steps.%s.actionRef", n.Ref, s.Ref),
					Message: "no resolver configured for referenced actions",
				}
			}
			action, err := l.resolver.ResolveAction(ctx, s.ActionRef, s.ActionVersion)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve action %s@%s for step %s", s.ActionRef, s.ActionVersion, s.Ref)
			}
			s.Action = action
			s.ActionRef = ""
		}
	}

	return Validate(def)
}
