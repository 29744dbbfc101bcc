// Package expression evaluates transition and step conditions.
//
// Conditions are pure boolean expressions over a read-only context snapshot:
// path references (input.x, state.y, branch.z), comparisons against literal
// scalars, and/or/not, and the exists(path) helper. There are no loops and
// no user-defined functions.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wonderhq/wonder/pkg/errors"
)

// Evaluator evaluates condition expressions against a context snapshot.
// It caches compiled expressions so repeated routing decisions do not
// recompile. Safe for concurrent use.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a boolean expression against the given context
// snapshot. An empty expression is vacuously true.
//
// The snapshot is the four-namespace context document; its namespaces are
// exposed as top-level variables (input, state, output, branch). Undefined
// path references evaluate to nil, and a condition whose comparison touches
// an undefined value is false rather than an error, matching the routing
// semantics: a condition that cannot be decided does not match.
func (e *Evaluator) Evaluate(expression string, snapshot map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax; conditions support comparisons, and/or/not, and exists(path)",
		}
	}

	env := buildEnv(snapshot)
	result, err := expr.Run(program, env)
	if err != nil {
		// Runtime failures come from comparisons over undefined values;
		// those conditions do not match.
		return false, nil
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, ...) or exists(path)",
		}
	}

	return boolResult, nil
}

// Validate compiles the expression without running it. The definition
// loader uses this to reject bad conditions before a run starts.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"exists": existsStub,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		// Context variables are bound at run time. The boolean result is
		// checked after Run so that undefined-value comparison failures can
		// be told apart from genuinely non-boolean expressions.
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// buildEnv exposes the snapshot namespaces as expression variables. The
// `_branch` namespace is aliased to `branch` since expr identifiers cannot
// start with an underscore-prefixed namespace reference in workflow text.
func buildEnv(snapshot map[string]any) map[string]any {
	env := make(map[string]any, len(snapshot)+2)
	for k, v := range snapshot {
		env[k] = v
	}
	if b, ok := snapshot["_branch"]; ok {
		env["branch"] = b
	}
	env["exists"] = makeExists(snapshot)
	return env
}
