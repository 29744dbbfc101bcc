// Package actions implements the built-in action executors and the kind
// registry that routes actions to them.
package actions

import (
	"context"
	"fmt"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
)

var _ coordinator.ActionExecutor = (*Registry)(nil)

// Registry dispatches each action to the executor registered for its kind.
// Registration happens at startup; Run is called concurrently by workers.
type Registry struct {
	executors map[workflow.ActionKind]coordinator.ActionExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[workflow.ActionKind]coordinator.ActionExecutor{}}
}

// NewDefaultRegistry returns a registry with the built-in executors: mock,
// context, and http.
func NewDefaultRegistry(seed int64) *Registry {
	r := NewRegistry()
	r.Register(workflow.ActionMock, NewMock(seed))
	r.Register(workflow.ActionContext, NewContext())
	r.Register(workflow.ActionHTTP, NewHTTP())
	return r
}

// Register binds an executor to a kind, replacing any previous binding.
func (r *Registry) Register(kind workflow.ActionKind, exec coordinator.ActionExecutor) {
	r.executors[kind] = exec
}

// Run implements coordinator.ActionExecutor.
func (r *Registry) Run(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error) {
	exec, ok := r.executors[action.Kind]
	if !ok {
		return nil, &errors.ActionError{
			ActionRef: action.Ref,
			Reason:    fmt.Sprintf("no executor registered for action kind %q", action.Kind),
		}
	}
	return exec.Run(ctx, action, input)
}
