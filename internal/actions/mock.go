package actions

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/schema"
)

var _ coordinator.ActionExecutor = (*Mock)(nil)

// Mock fabricates action outputs without side effects. Workflows under
// development run end to end against mocks before any real executor exists.
//
// Implementation keys:
//
//	output     literal output document, returned as-is
//	latencyMs  fixed number, or {"min": n, "max": m} for a random delay
//	error      {"message": s, "transient": bool} to always fail
//	failureRate  probability in [0,1] of a transient failure
//
// Without a literal output the executor samples one from the action's
// Produces schema. A fixed seed makes sampling reproducible.
type Mock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock returns a mock executor with a seeded random source.
func NewMock(seed int64) *Mock {
	return &Mock{rng: rand.New(rand.NewSource(seed))}
}

// Run implements coordinator.ActionExecutor.
func (m *Mock) Run(ctx context.Context, action *workflow.Action, _ map[string]any) (map[string]any, error) {
	impl := action.Implementation

	if delay := m.latency(impl["latencyMs"]); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if spec, ok := impl["error"].(map[string]any); ok {
		msg, _ := spec["message"].(string)
		if msg == "" {
			msg = "mock action configured to fail"
		}
		transient, _ := spec["transient"].(bool)
		return nil, &errors.ActionError{ActionRef: action.Ref, Reason: msg, Transient: transient}
	}

	if rate, ok := asFloat(impl["failureRate"]); ok && rate > 0 {
		if m.roll() < rate {
			return nil, &errors.ActionError{
				ActionRef: action.Ref,
				Reason:    fmt.Sprintf("mock failure (rate %.2f)", rate),
				Transient: true,
			}
		}
	}

	if out, ok := impl["output"].(map[string]any); ok {
		return out, nil
	}
	return m.sample(action.Produces), nil
}

func (m *Mock) sample(produces map[string]any) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := schema.Sample(produces, m.rng)
	if out, ok := v.(map[string]any); ok {
		return out
	}
	return map[string]any{"value": v}
}

func (m *Mock) roll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *Mock) latency(spec any) time.Duration {
	switch v := spec.(type) {
	case nil:
		return 0
	case map[string]any:
		min, _ := asFloat(v["min"])
		max, ok := asFloat(v["max"])
		if !ok || max < min {
			max = min
		}
		span := max - min
		if span > 0 {
			m.mu.Lock()
			min += m.rng.Float64() * span
			m.mu.Unlock()
		}
		return time.Duration(min * float64(time.Millisecond))
	default:
		if ms, ok := asFloat(v); ok {
			return time.Duration(ms * float64(time.Millisecond))
		}
		return 0
	}
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
