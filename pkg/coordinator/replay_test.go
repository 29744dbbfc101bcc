package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A run is reconstructible from its trace log: replaying the events in
// sequence order rebuilds the same context and token set.
func TestReplayRebuildsRunState(t *testing.T) {
	def := twoPhaseDefinition()
	c := newTestCoordinator(t, def, twoPhaseActions())
	info, trace := runToCompletion(t, c, def, map[string]any{})
	require.Equal(t, RunCompleted, info.Status)

	state, err := Replay(trace)
	require.NoError(t, err)

	snap, err := c.Snapshot(info.RunID)
	require.NoError(t, err)

	assert.Equal(t, info.RunID, state.RunID)
	assert.Equal(t, snap[ScopeState], state.Context[ScopeState])
	assert.Equal(t, snap[ScopeOutput], state.Context[ScopeOutput])
	assert.Equal(t, snap[ScopeInput], state.Context[ScopeInput])

	assert.Len(t, state.Tokens, 9)
	for _, tok := range state.Tokens {
		assert.Equal(t, TokenCompleted, tok.Status)
	}
	assert.Empty(t, state.ActiveTokens())
}

func TestReplayOutOfOrderEvents(t *testing.T) {
	def := twoPhaseDefinition()
	c := newTestCoordinator(t, def, twoPhaseActions())
	_, trace := runToCompletion(t, c, def, map[string]any{})

	// Reverse delivery order; sequence numbers define causal truth.
	reversed := make([]Event, len(trace))
	for i, ev := range trace {
		reversed[len(trace)-1-i] = ev
	}
	forward, err := Replay(trace)
	require.NoError(t, err)
	backward, err := Replay(reversed)
	require.NoError(t, err)

	assert.Equal(t, forward.Context, backward.Context)
	assert.Equal(t, len(forward.Tokens), len(backward.Tokens))
}

func TestReplayRejectsDuplicateSequences(t *testing.T) {
	events := []Event{
		{Sequence: 1, Type: TraceContextInitialized, Payload: map[string]any{"input": map[string]any{}}},
		{Sequence: 1, Type: TraceContextInitialized, Payload: map[string]any{"input": map[string]any{}}},
	}
	_, err := Replay(events)
	assert.Error(t, err)
}

func TestReplayEmptyLog(t *testing.T) {
	state, err := Replay(nil)
	require.NoError(t, err)
	assert.Empty(t, state.Tokens)
	assert.Equal(t, RunRunning, state.Status)
}
