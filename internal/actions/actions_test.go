package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
)

func TestRegistryDispatchesByKind(t *testing.T) {
	r := NewDefaultRegistry(1)
	out, err := r.Run(context.Background(), &workflow.Action{
		Ref:            "shape",
		Kind:           workflow.ActionContext,
		Implementation: map[string]any{"expression": "{doubled: (.n * 2)}"},
	}, map[string]any{"n": 21.0})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["doubled"])
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Run(context.Background(), &workflow.Action{
		Ref:  "ask",
		Kind: workflow.ActionHuman,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
	assert.Contains(t, err.Error(), "no executor registered")
}

func TestMockReturnsLiteralOutput(t *testing.T) {
	m := NewMock(1)
	out, err := m.Run(context.Background(), &workflow.Action{
		Kind:           workflow.ActionMock,
		Implementation: map[string]any{"output": map[string]any{"code": "AB12CD"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"code": "AB12CD"}, out)
}

func TestMockSamplesProducesSchema(t *testing.T) {
	produces := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
			"tag":   map[string]any{"enum": []any{"alpha", "beta"}},
		},
	}
	action := &workflow.Action{Kind: workflow.ActionMock, Produces: produces}

	first, err := NewMock(7).Run(context.Background(), action, nil)
	require.NoError(t, err)
	count, ok := first["count"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, count, 1.0)
	assert.LessOrEqual(t, count, 5.0)
	assert.Contains(t, []any{"alpha", "beta"}, first["tag"])

	// Same seed, same sample.
	second, err := NewMock(7).Run(context.Background(), action, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMockConfiguredError(t *testing.T) {
	m := NewMock(1)
	_, err := m.Run(context.Background(), &workflow.Action{
		Ref:  "flaky",
		Kind: workflow.ActionMock,
		Implementation: map[string]any{
			"error": map[string]any{"message": "downstream unavailable", "transient": true},
		},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
	assert.Contains(t, err.Error(), "downstream unavailable")
}

func TestMockLatencyHonorsCancellation(t *testing.T) {
	m := NewMock(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := m.Run(ctx, &workflow.Action{
		Kind:           workflow.ActionMock,
		Implementation: map[string]any{"latencyMs": 5000},
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMockLatencyRange(t *testing.T) {
	m := NewMock(1)
	for range 10 {
		d := m.latency(map[string]any{"min": 5, "max": 10})
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 10*time.Millisecond)
	}
	assert.Equal(t, 25*time.Millisecond, m.latency(25.0))
	assert.Equal(t, time.Duration(0), m.latency(nil))
}

func TestContextWrapsNonObjectResult(t *testing.T) {
	c := NewContext()
	out, err := c.Run(context.Background(), &workflow.Action{
		Kind:           workflow.ActionContext,
		Implementation: map[string]any{"expression": ".items | length"},
	}, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": 2}, out)
}

func TestContextRequiresExpression(t *testing.T) {
	c := NewContext()
	_, err := c.Run(context.Background(), &workflow.Action{Kind: workflow.ActionContext}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func TestContextReportsEvaluationErrors(t *testing.T) {
	c := NewContext()
	_, err := c.Run(context.Background(), &workflow.Action{
		Ref:            "shape",
		Kind:           workflow.ActionContext,
		Implementation: map[string]any{"expression": ".n + 1"},
	}, map[string]any{"n": "not a number"})
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func TestHTTPPostsInputAndDecodesJSON(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	h := NewHTTP()
	out, err := h.Run(context.Background(), &workflow.Action{
		Ref:            "notify",
		Kind:           workflow.ActionHTTP,
		Implementation: map[string]any{"url": srv.URL},
	}, map[string]any{"orderId": "A-17"})
	require.NoError(t, err)
	assert.Equal(t, "A-17", received["orderId"])
	assert.Equal(t, http.StatusOK, out["status"])
	assert.Equal(t, map[string]any{"ok": true}, out["body"])
}

func TestHTTPStatusErrorMapping(t *testing.T) {
	status := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(<-status)
	}))
	defer srv.Close()

	h := NewHTTP()
	action := &workflow.Action{
		Ref:            "notify",
		Kind:           workflow.ActionHTTP,
		Implementation: map[string]any{"url": srv.URL, "method": "GET"},
	}

	status <- http.StatusBadRequest
	_, err := h.Run(context.Background(), action, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))

	status <- http.StatusServiceUnavailable
	_, err = h.Run(context.Background(), action, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPRequiresURL(t *testing.T) {
	h := NewHTTP()
	_, err := h.Run(context.Background(), &workflow.Action{Kind: workflow.ActionHTTP}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func TestHTTPConnectionErrorIsTransient(t *testing.T) {
	h := NewHTTP()
	_, err := h.Run(context.Background(), &workflow.Action{
		Ref:            "notify",
		Kind:           workflow.ActionHTTP,
		Implementation: map[string]any{"url": "http://127.0.0.1:1", "method": "GET"},
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
