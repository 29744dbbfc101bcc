package run

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// buildInput merges an optional JSON input file with --input overrides.
// Overrides are key=value pairs; values parse as JSON when they can and
// fall back to plain strings.
func buildInput(inputFile string, overrides []string) (map[string]any, error) {
	input := map[string]any{}

	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("input file must be a JSON object: %w", err)
		}
	}

	for _, pair := range overrides {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		input[key] = parseValue(raw)
	}
	return input, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
