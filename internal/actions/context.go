package actions

import (
	"context"

	"github.com/wonderhq/wonder/internal/jq"
	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
)

var _ coordinator.ActionExecutor = (*Context)(nil)

// Context transforms the action input with a jq expression. It is the pure
// data-shaping action kind: no I/O, deterministic for a given input.
//
// Implementation keys:
//
//	expression  the jq program, required
//
// An object result becomes the action output directly; any other result is
// wrapped as {"value": result}.
type Context struct {
	exec *jq.Executor
}

// NewContext returns a context executor with default limits.
func NewContext() *Context {
	return &Context{exec: jq.NewExecutor(0, 0)}
}

// Run implements coordinator.ActionExecutor.
func (c *Context) Run(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error) {
	expression, _ := action.Implementation["expression"].(string)
	if expression == "" {
		return nil, &errors.ActionError{
			ActionRef: action.Ref,
			Reason:    "context action requires an expression",
		}
	}

	result, err := c.exec.Execute(ctx, expression, map[string]any(input))
	if err != nil {
		return nil, &errors.ActionError{
			ActionRef: action.Ref,
			Reason:    "expression evaluation failed",
			Cause:     err,
		}
	}

	if out, ok := result.(map[string]any); ok {
		return out, nil
	}
	return map[string]any{"value": result}, nil
}
