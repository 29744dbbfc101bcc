package schema

import (
	"math/rand"
	"sort"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Sample generates a value conforming to the raw schema document using the
// given source of randomness. Mock actions use this to fabricate outputs;
// a fixed seed yields identical outputs run after run, which is what makes
// mock-based workflows reproducible.
//
// Supported keywords: type, const, enum, properties, required, items,
// minItems, minLength, maxLength, minimum, maximum, default. Unsupported
// schemas fall back to their default value or null.
func Sample(raw map[string]any, rng *rand.Rand) any {
	if raw == nil {
		return map[string]any{}
	}

	if c, ok := raw["const"]; ok {
		return c
	}
	if enum, ok := raw["enum"].([]any); ok && len(enum) > 0 {
		return enum[rng.Intn(len(enum))]
	}

	typ, _ := raw["type"].(string)
	switch typ {
	case "object":
		return sampleObject(raw, rng)
	case "array":
		return sampleArray(raw, rng)
	case "string":
		return sampleString(raw, rng)
	case "number":
		lo, hi := numericBounds(raw, 0, 100)
		return lo + rng.Float64()*(hi-lo)
	case "integer":
		lo, hi := numericBounds(raw, 0, 100)
		return float64(int64(lo) + rng.Int63n(int64(hi-lo)+1))
	case "boolean":
		return rng.Intn(2) == 0
	case "null":
		return nil
	}

	if d, ok := raw["default"]; ok {
		return d
	}
	return nil
}

func sampleObject(raw map[string]any, rng *rand.Rand) map[string]any {
	out := make(map[string]any)
	props, _ := raw["properties"].(map[string]any)
	for _, name := range sortedPropNames(props) {
		sub, _ := props[name].(map[string]any)
		out[name] = Sample(sub, rng)
	}
	return out
}

func sampleArray(raw map[string]any, rng *rand.Rand) []any {
	n := 1
	if min, ok := asInt(raw["minItems"]); ok {
		n = min
	}
	items, _ := raw["items"].(map[string]any)
	out := make([]any, 0, n)
	for range n {
		out = append(out, Sample(items, rng))
	}
	return out
}

func sampleString(raw map[string]any, rng *rand.Rand) string {
	length := 8
	if min, ok := asInt(raw["minLength"]); ok {
		length = min
	}
	if max, ok := asInt(raw["maxLength"]); ok && max < length {
		length = max
	}
	if length <= 0 {
		return ""
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = letters[rng.Intn(len(letters))]
	}
	return string(buf)
}

func numericBounds(raw map[string]any, defLo, defHi float64) (float64, float64) {
	lo, hi := defLo, defHi
	if v, ok := asFloat(raw["minimum"]); ok {
		lo = v
	}
	if v, ok := asFloat(raw["maximum"]); ok {
		hi = v
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func sortedPropNames(props map[string]any) []string {
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	// Deterministic order keeps sampling reproducible for a fixed seed.
	sort.Strings(names)
	return names
}
