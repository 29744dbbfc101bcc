package expression

import (
	"fmt"
	"strings"

	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// existsStub stands in for exists() at compile time; the real closure over
// the snapshot is bound per evaluation.
func existsStub(args ...any) (any, error) {
	return false, nil
}

// makeExists builds the exists(path) helper bound to a snapshot. The
// argument is a JSONPath string; exists is true when the path resolves to a
// value, including an explicit null.
func makeExists(snapshot map[string]any) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("exists requires exactly 1 argument, got %d", len(args))
		}
		raw, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("exists requires a path string, got %T", args[0])
		}
		return pathExists(snapshot, raw)
	}
}

func pathExists(snapshot map[string]any, raw string) (bool, error) {
	// Accept both "$.state.x" and the shorthand "state.x".
	if !strings.HasPrefix(strings.TrimSpace(raw), "$") {
		raw = "$." + raw
	}
	p, err := jsonpath.Parse(raw)
	if err != nil {
		return false, err
	}
	_, ok := p.Read(snapshot)
	return ok, nil
}
