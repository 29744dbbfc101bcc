package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/schema"
)

// memResolver serves definitions from memory, ignoring versions.
type memResolver struct {
	defs map[string]*workflow.Definition
}

func (r *memResolver) ResolveDefinition(_ context.Context, reference, _ string) (*workflow.Definition, error) {
	def, ok := r.defs[reference]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", reference)
	}
	return def, nil
}

func (r *memResolver) ResolveTask(_ context.Context, reference, _ string) (*workflow.Task, error) {
	return nil, fmt.Errorf("task %s not found", reference)
}

func (r *memResolver) ResolveAction(_ context.Context, reference, _ string) (*workflow.Action, error) {
	return nil, fmt.Errorf("action %s not found", reference)
}

// scriptedActions dispatches on action ref to per-test handlers.
type scriptedActions struct {
	mu       sync.Mutex
	handlers map[string]func(input map[string]any) (map[string]any, error)
}

func newScriptedActions() *scriptedActions {
	return &scriptedActions{handlers: make(map[string]func(map[string]any) (map[string]any, error))}
}

func (s *scriptedActions) on(ref string, fn func(input map[string]any) (map[string]any, error)) {
	s.mu.Lock()
	s.handlers[ref] = fn
	s.mu.Unlock()
}

func (s *scriptedActions) Run(_ context.Context, action *workflow.Action, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	fn := s.handlers[action.Ref]
	s.mu.Unlock()
	if fn == nil {
		return map[string]any{}, nil
	}
	return fn(input)
}

func newTestCoordinator(t *testing.T, def *workflow.Definition, actions ActionExecutor) *Coordinator {
	t.Helper()
	loader := workflow.NewLoader(&memResolver{defs: map[string]*workflow.Definition{def.Reference: def}})
	c, err := New(Config{
		Loader:           loader,
		Actions:          actions,
		SubscriberBuffer: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func runToCompletion(t *testing.T, c *Coordinator, def *workflow.Definition, input map[string]any) (RunInfo, []Event) {
	t.Helper()
	traceSub := c.Subscribe(StreamTrace, Filter{})
	defer c.Unsubscribe(traceSub.ID())

	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: def.Reference, Version: def.Version}, input, StartOptions{EnableTrace: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := c.Wait(ctx, runID)
	require.NoError(t, err)
	return info, drain(traceSub)
}

// drain empties a subscription after its run went terminal. Publication
// happens before the actor's done channel closes, so everything is buffered.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func mockNode(ref, actionRef string, inputMapping, outputMapping map[string]string) *workflow.Node {
	return &workflow.Node{
		Ref:           ref,
		InputMapping:  inputMapping,
		OutputMapping: outputMapping,
		Task: &workflow.Task{
			Steps: []*workflow.Step{{
				Ref:    "s0",
				Action: &workflow.Action{Ref: actionRef, Kind: workflow.ActionMock},
			}},
		},
	}
}

// Single node producing a code, mapped through output.
func TestRunSingleNode(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "single",
		Version:        "1",
		InitialNodeRef: "generate",
		OutputMapping:  []workflow.OutputField{{Field: "code", Source: "$.output.code"}},
		Nodes: []*workflow.Node{
			mockNode("generate", "gen", nil, map[string]string{"$.output.code": "$.code"}),
		},
	}
	actions := newScriptedActions()
	actions.on("gen", func(map[string]any) (map[string]any, error) {
		return map[string]any{"code": "AB12CD"}, nil
	})

	c := newTestCoordinator(t, def, actions)
	info, trace := runToCompletion(t, c, def, map[string]any{})

	assert.Equal(t, RunCompleted, info.Status)
	assert.Nil(t, info.Failure)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", snap[ScopeOutput].(map[string]any)["code"])

	created := eventsOfType(trace, TraceTokenCreated)
	assert.Len(t, created, 1)
	final := eventsOfType(trace, TraceTokenStatusChanged)
	require.NotEmpty(t, final)
	assert.Equal(t, string(TokenCompleted), final[len(final)-1].Payload["to"])
}

func twoPhaseDefinition() *workflow.Definition {
	spawn3 := 3
	return &workflow.Definition{
		Reference:      "two-phase",
		Version:        "1",
		InitialNodeRef: "init",
		Nodes: []*workflow.Node{
			mockNode("init", "init", nil, map[string]string{"$.state.seed": "$.seed"}),
			mockNode("phase1", "p1",
				map[string]string{"seed": "$.state.seed"},
				map[string]string{"$._branch.value": "$.value"}),
			mockNode("bridge", "bridge",
				map[string]string{"results": "$.state.phase1_results"},
				map[string]string{"$.state.phase1_count": "$.count"}),
			mockNode("phase2", "p2",
				map[string]string{"seed": "$.state.seed", "count": "$.state.phase1_count"},
				map[string]string{"$._branch.value": "$.value"}),
			mockNode("summarize", "sum",
				map[string]string{"results": "$.state.phase2_results"},
				map[string]string{"$.state.summary": "$.summary"}),
		},
		Transitions: []*workflow.Transition{
			{Ref: "t-p1", FromNodeRef: "init", ToNodeRef: "phase1", SpawnCount: &spawn3},
			{
				Ref: "t-join1", FromNodeRef: "phase1", ToNodeRef: "bridge",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.SyncAll,
					SiblingGroup: "t-p1",
					Merge: []workflow.Merge{{
						Source: "$._branch.value", Target: "$.state.phase1_results", Strategy: workflow.MergeAppend,
					}},
				},
			},
			{Ref: "t-p2", FromNodeRef: "bridge", ToNodeRef: "phase2", SpawnCount: &spawn3},
			{
				Ref: "t-join2", FromNodeRef: "phase2", ToNodeRef: "summarize",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.SyncAll,
					SiblingGroup: "t-p2",
					Merge: []workflow.Merge{{
						Source: "$._branch.value", Target: "$.state.phase2_results", Strategy: workflow.MergeAppend,
					}},
				},
			},
		},
	}
}

func twoPhaseActions() *scriptedActions {
	actions := newScriptedActions()
	actions.on("init", func(map[string]any) (map[string]any, error) {
		return map[string]any{"seed": "ALPHA"}, nil
	})
	actions.on("p1", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"value": fmt.Sprintf("%v-p1", in["seed"])}, nil
	})
	actions.on("bridge", func(in map[string]any) (map[string]any, error) {
		results, _ := in["results"].([]any)
		return map[string]any{"count": len(results)}, nil
	})
	actions.on("p2", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"value": fmt.Sprintf("%v-p2-%v", in["seed"], in["count"])}, nil
	})
	actions.on("sum", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "done"}, nil
	})
	return actions
}

// Sequential fan-out/fan-in across two phases.
func TestRunTwoPhaseFan(t *testing.T) {
	def := twoPhaseDefinition()
	c := newTestCoordinator(t, def, twoPhaseActions())
	info, trace := runToCompletion(t, c, def, map[string]any{})

	require.Equal(t, RunCompleted, info.Status)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)
	state := snap[ScopeState].(map[string]any)
	assert.Len(t, state["phase1_results"], 3)
	assert.Len(t, state["phase2_results"], 3)
	assert.Equal(t, 3, state["phase1_count"])
	assert.Equal(t, "done", state["summary"])

	// 1 root + 3 + 1 bridge + 3 + 1 summarize.
	assert.Len(t, eventsOfType(trace, TraceTokenCreated), 9)
	assert.Len(t, eventsOfType(trace, TraceFanInArrival), 6)
	assert.Len(t, eventsOfType(trace, TraceFanInFired), 2)

	// State writes land in phase order.
	var order []string
	for _, ev := range eventsOfType(trace, TraceContextFieldSet) {
		order = append(order, ev.Payload["path"].(string))
	}
	assert.Equal(t, []string{
		"$.state.seed",
		"$.state.phase1_results",
		"$.state.phase1_count",
		"$.state.phase2_results",
		"$.state.summary",
	}, order)

	// Sequences are contiguous from 1 on the trace stream plus the
	// interleaved semantic events.
	seen := make(map[uint64]bool)
	for _, ev := range trace {
		assert.False(t, seen[ev.Sequence], "duplicate sequence %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
}

// Nested state paths survive fan-in merges and snapshots.
func TestRunNestedStateWrites(t *testing.T) {
	def := twoPhaseDefinition()
	def.Reference = "two-phase-nested"
	def.Nodes[0].OutputMapping = map[string]string{"$.state.phase1.seed": "$.seed"}
	def.Nodes[1].InputMapping = map[string]string{"seed": "$.state.phase1.seed"}
	def.Nodes[2].InputMapping = map[string]string{"results": "$.state.phase1.results"}
	def.Nodes[2].OutputMapping = map[string]string{"$.state.phase1.meta.count": "$.count"}
	def.Nodes[3].InputMapping = map[string]string{"seed": "$.state.phase1.seed", "count": "$.state.phase1.meta.count"}
	def.Nodes[4].InputMapping = map[string]string{"results": "$.state.phase2.results"}
	def.Nodes[4].OutputMapping = map[string]string{"$.state.summary.text": "$.summary"}
	def.Transitions[1].Synchronization.Merge[0].Target = "$.state.phase1.results"
	def.Transitions[3].Synchronization.Merge[0].Target = "$.state.phase2.results"

	c := newTestCoordinator(t, def, twoPhaseActions())
	info, _ := runToCompletion(t, c, def, map[string]any{})
	require.Equal(t, RunCompleted, info.Status)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)
	state := snap[ScopeState].(map[string]any)
	phase1 := state["phase1"].(map[string]any)
	assert.Equal(t, "ALPHA", phase1["seed"])
	assert.Len(t, phase1["results"], 3)
	assert.Equal(t, 3, phase1["meta"].(map[string]any)["count"])
	assert.Equal(t, "done", state["summary"].(map[string]any)["text"])
}

func racingDefinition(strategy workflow.SyncStrategy) *workflow.Definition {
	return &workflow.Definition{
		Reference:      "race",
		Version:        "1",
		InitialNodeRef: "init",
		Nodes: []*workflow.Node{
			mockNode("init", "seed-delays", nil, map[string]string{"$.state.delays": "$.delays"}),
			mockNode("work", "sleepy",
				map[string]string{"delay": "$._branch.delay"},
				map[string]string{"$._branch.value": "$.value"}),
			mockNode("collect", "collect", nil, nil),
		},
		Transitions: []*workflow.Transition{
			{
				Ref: "t-race", FromNodeRef: "init", ToNodeRef: "work",
				Foreach: &workflow.Foreach{Collection: "$.state.delays", ItemVar: "delay"},
			},
			{
				Ref: "t-pick", FromNodeRef: "work", ToNodeRef: "collect",
				Synchronization: &workflow.Synchronization{
					Strategy:     strategy,
					M:            2,
					SiblingGroup: "t-race",
					Merge: []workflow.Merge{{
						Source: "$._branch.value", Target: "$.state.winner", Strategy: workflow.MergeLast,
					}},
				},
			},
		},
	}
}

func racingActions(delays []any) *scriptedActions {
	actions := newScriptedActions()
	actions.on("seed-delays", func(map[string]any) (map[string]any, error) {
		return map[string]any{"delays": delays}, nil
	})
	actions.on("sleepy", func(in map[string]any) (map[string]any, error) {
		ms := payloadInt(in, "delay", 0)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return map[string]any{"value": in["delay"]}, nil
	})
	return actions
}

// An `any` barrier fires on the first completion; stragglers are absorbed.
func TestRunAnyBarrier(t *testing.T) {
	def := racingDefinition(workflow.SyncAny)
	c := newTestCoordinator(t, def, racingActions([]any{0, 60, 60, 60, 60}))
	info, trace := runToCompletion(t, c, def, map[string]any{})

	require.Equal(t, RunCompleted, info.Status)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap[ScopeState].(map[string]any)["winner"])

	assert.Len(t, eventsOfType(trace, TraceFanInFired), 1)
	assert.Len(t, eventsOfType(trace, TraceFanInLateArrival), 4)

	// Exactly one continuation reached collect.
	var collected int
	for _, ev := range eventsOfType(trace, TraceTokenCreated) {
		if ev.NodeRef == "collect" {
			collected++
		}
	}
	assert.Equal(t, 1, collected)
}

// An m_of_n barrier fires once m siblings arrive.
func TestRunMOfNBarrier(t *testing.T) {
	def := racingDefinition(workflow.SyncMOfN)
	c := newTestCoordinator(t, def, racingActions([]any{0, 10, 60, 60, 60}))
	info, trace := runToCompletion(t, c, def, map[string]any{})

	require.Equal(t, RunCompleted, info.Status)
	assert.Len(t, eventsOfType(trace, TraceFanInFired), 1)
	assert.Len(t, eventsOfType(trace, TraceFanInLateArrival), 3)
}

// Step retries surface in the run's node.completed attempt count.
func TestRunRetriesTransientSteps(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "retrying",
		Version:        "1",
		InitialNodeRef: "only",
		Nodes: []*workflow.Node{
			mockNode("only", "flaky", nil, map[string]string{"$.state.ok": "$.ok"}),
		},
	}
	def.Nodes[0].Task.Retry = &workflow.RetryPolicy{
		MaxAttempts:    3,
		Backoff:        workflow.BackoffExponential,
		InitialDelayMs: 1,
	}

	actions := newScriptedActions()
	calls := 0
	var mu sync.Mutex
	actions.on("flaky", func(map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, &errors.ActionError{ActionRef: "flaky", Reason: "unavailable", Transient: true}
		}
		return map[string]any{"ok": true}, nil
	})

	c := newTestCoordinator(t, def, actions)
	info, trace := runToCompletion(t, c, def, map[string]any{})

	require.Equal(t, RunCompleted, info.Status)
	completed := eventsOfType(trace, EventNodeCompleted)
	require.Empty(t, completed) // node.completed is on the events stream

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

// Cancellation mid-flight fails the run, cancels live tokens, and drops
// late worker results.
func TestRunCancellation(t *testing.T) {
	def := racingDefinition(workflow.SyncAll)
	def.Transitions[1].Synchronization.M = 0
	def.Reference = "cancellable"
	c := newTestCoordinator(t, def, racingActions([]any{0, 400, 400, 400}))

	traceSub := c.Subscribe(StreamTrace, Filter{})
	defer c.Unsubscribe(traceSub.ID())
	arrivals := c.Subscribe(StreamTrace, Filter{Types: []EventType{TraceFanInArrival}})
	defer c.Unsubscribe(arrivals.ID())

	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: def.Reference, Version: "1"}, map[string]any{}, StartOptions{EnableTrace: true})
	require.NoError(t, err)

	select {
	case <-arrivals.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no fan-in arrival before cancel")
	}
	require.NoError(t, c.CancelRun(runID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := c.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, info.Status)
	require.NotNil(t, info.Failure)
	assert.Equal(t, errors.KindCancelled, info.Failure.Kind)
	assert.Zero(t, info.ActiveTokens)

	trace := drain(traceSub)
	assert.NotEmpty(t, eventsOfType(trace, TraceLateResult))

	state, err := Replay(trace)
	require.NoError(t, err)
	for _, tok := range state.Tokens {
		assert.True(t, tok.Status.Terminal(), "token %s left in %s", tok.ID, tok.Status)
	}
}

// A failed sibling lowers the barrier total so `all` still fires over the
// survivors.
func TestRunFailedSiblingAdjustsBarrier(t *testing.T) {
	def := racingDefinition(workflow.SyncAll)
	def.Reference = "survivors"
	// The work node's failure policy defaults to abort, failing the branch.
	actions := racingActions([]any{0, 10, 20})
	actions.on("sleepy", func(in map[string]any) (map[string]any, error) {
		ms := payloadInt(in, "delay", 0)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		if ms == 20 {
			return nil, &errors.ActionError{ActionRef: "sleepy", Reason: "boom"}
		}
		return map[string]any{"value": in["delay"]}, nil
	})

	c := newTestCoordinator(t, def, actions)

	traceSub := c.Subscribe(StreamTrace, Filter{})
	defer c.Unsubscribe(traceSub.ID())
	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: def.Reference, Version: "1"}, map[string]any{}, StartOptions{EnableTrace: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := c.Wait(ctx, runID)
	require.NoError(t, err)

	// The barrier fired over two survivors; the run still fails because a
	// token ended failed with no recovery path.
	trace := drain(traceSub)
	assert.Len(t, eventsOfType(trace, TraceFanInFired), 1)
	assert.Equal(t, RunFailed, info.Status)
	require.NotNil(t, info.Failure)
	assert.Equal(t, "work", info.Failure.NodeRef)
}

func TestStartRunValidatesInput(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "strict",
		Version:        "1",
		InitialNodeRef: "only",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"city"},
		},
		Nodes: []*workflow.Node{mockNode("only", "noop", nil, nil)},
	}
	c := newTestCoordinator(t, def, newScriptedActions())

	_, err := c.StartRun(context.Background(), workflow.Ref{Reference: "strict", Version: "1"}, map[string]any{}, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: "strict", Version: "1"}, map[string]any{"city": "Lisbon"}, StartOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := c.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, info.Status)
}

func TestGetRunAndUnknownRun(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "tiny",
		Version:        "1",
		InitialNodeRef: "only",
		Nodes:          []*workflow.Node{mockNode("only", "noop", nil, nil)},
	}
	c := newTestCoordinator(t, def, newScriptedActions())

	_, err := c.GetRun("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrRunNotFound)

	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: "tiny", Version: "1"}, map[string]any{}, StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Wait(ctx, runID)
	require.NoError(t, err)

	info, err := c.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, info.Status)
	assert.Equal(t, "tiny@1", info.Definition)
	assert.NotNil(t, info.CompletedAt)
}

// sampledActions draws schema-conforming outputs from a seeded source,
// standing in for a deterministic mock executor.
type sampledActions struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *sampledActions) Run(_ context.Context, action *workflow.Action, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := schema.Sample(action.Produces, s.rng).(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return out, nil
}

// Fixed seed plus a fixed definition yields identical final snapshots.
func TestRunDeterministicWithFixedSeed(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "sampled",
		Version:        "1",
		InitialNodeRef: "generate",
		OutputMapping:  []workflow.OutputField{{Field: "doc", Source: "$.state.doc"}},
		Nodes: []*workflow.Node{{
			Ref:           "generate",
			OutputMapping: map[string]string{"$.state.doc": "$"},
			Task: &workflow.Task{
				Steps: []*workflow.Step{{
					Ref: "s0",
					Action: &workflow.Action{
						Ref:  "sample",
						Kind: workflow.ActionMock,
						Produces: map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":    map[string]any{"type": "string", "minLength": 6, "maxLength": 6},
								"score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
								"tags": map[string]any{
									"type":     "array",
									"items":    map[string]any{"type": "string"},
									"minItems": 2,
									"maxItems": 2,
								},
							},
							"required": []any{"id", "score", "tags"},
						},
					},
				}},
			},
		}},
	}

	runOnce := func() map[string]any {
		exec := &sampledActions{rng: rand.New(rand.NewSource(7))}
		c := newTestCoordinator(t, def, exec)
		info, _ := runToCompletion(t, c, def, map[string]any{})
		require.Equal(t, RunCompleted, info.Status)
		snap, err := c.Snapshot(info.RunID)
		require.NoError(t, err)
		return snap
	}

	first := runOnce()
	second := runOnce()
	assert.Equal(t, first, second)

	doc, ok := first[ScopeState].(map[string]any)["doc"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, doc["id"], 6)
}

// Snapshot and GetRun racing a run's completion must answer from the frozen
// state instead of waiting on an actor that already exited.
func TestQueriesRacingCompletionDoNotBlock(t *testing.T) {
	def := racingDefinition(workflow.SyncAny)
	def.Reference = "racy-queries"

	for i := 0; i < 25; i++ {
		c := newTestCoordinator(t, def, racingActions([]any{0, 1, 1, 2, 2}))

		runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: def.Reference, Version: "1"}, map[string]any{}, StartOptions{})
		require.NoError(t, err)

		queried := make(chan struct{})
		go func() {
			defer close(queried)
			for j := 0; j < 200; j++ {
				c.Snapshot(runID)
				c.GetRun(runID)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		info, err := c.Wait(ctx, runID)
		cancel()
		require.NoError(t, err)
		require.Equal(t, RunCompleted, info.Status)

		select {
		case <-queried:
		case <-time.After(5 * time.Second):
			t.Fatal("query blocked on a terminal run")
		}

		// Queries after the actor exits still answer.
		snap, err := c.Snapshot(runID)
		require.NoError(t, err)
		assert.Contains(t, snap, ScopeState)
		c.Close()
	}
}

// An m_of_n barrier over a foreach group narrower than m fails the run
// instead of leaving it running forever.
func TestRunUnsatisfiableBarrierFailsRun(t *testing.T) {
	def := racingDefinition(workflow.SyncMOfN)
	def.Reference = "narrow-group"
	c := newTestCoordinator(t, def, racingActions([]any{0}))

	runID, err := c.StartRun(context.Background(), workflow.Ref{Reference: def.Reference, Version: "1"}, map[string]any{}, StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := c.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, info.Status)
	require.NotNil(t, info.Failure)
	assert.Equal(t, errors.KindInternal, info.Failure.Kind)
	assert.Contains(t, info.Failure.Message, "unsatisfiable")
}

// A foreach collection in the parent's branch scope is resolved before the
// parent completes and its branch is released.
func TestRunForeachOverBranchScope(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "branch-fan",
		Version:        "1",
		InitialNodeRef: "init",
		Nodes: []*workflow.Node{
			mockNode("init", "seed", nil, map[string]string{"$._branch.items": "$.items"}),
			mockNode("work", "echo",
				map[string]string{"item": "$._branch.item"},
				map[string]string{"$._branch.value": "$.item"}),
			mockNode("collect", "collect", nil, nil),
		},
		Transitions: []*workflow.Transition{
			{
				Ref: "t-fan", FromNodeRef: "init", ToNodeRef: "work",
				Foreach: &workflow.Foreach{Collection: "$._branch.items", ItemVar: "item"},
			},
			{
				Ref: "t-join", FromNodeRef: "work", ToNodeRef: "collect",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.SyncAll,
					SiblingGroup: "t-fan",
					Merge: []workflow.Merge{{
						Source: "$._branch.value", Target: "$.state.all", Strategy: workflow.MergeAppend,
					}},
				},
			},
		},
	}
	actions := newScriptedActions()
	actions.on("seed", func(map[string]any) (map[string]any, error) {
		return map[string]any{"items": []any{"a", "b", "c"}}, nil
	})
	actions.on("echo", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"item": in["item"]}, nil
	})

	c := newTestCoordinator(t, def, actions)
	info, trace := runToCompletion(t, c, def, map[string]any{})

	require.Equal(t, RunCompleted, info.Status)

	var workers int
	for _, ev := range eventsOfType(trace, TraceTokenCreated) {
		if ev.NodeRef == "work" {
			workers++
		}
	}
	assert.Equal(t, 3, workers)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b", "c"}, snap[ScopeState].(map[string]any)["all"])
}
