package coordinator

import (
	"sort"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// ReplayState is the run state rebuilt from a trace event log. Applying a
// run's trace events in sequence order to an empty state reproduces the
// context and token set the live run produced; this backs crash recovery
// and the determinism checks.
type ReplayState struct {
	RunID   string
	Status  RunStatus
	Context map[string]any
	Tokens  map[string]*Token
}

// ActiveTokens returns the non-terminal tokens of the rebuilt state.
func (s *ReplayState) ActiveTokens() []*Token {
	var out []*Token
	for _, t := range s.Tokens {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Replay folds trace events into a ReplayState. Events may arrive in any
// order; they are sorted by sequence first. Semantic events are accepted
// and used only for the run status.
func Replay(events []Event) (*ReplayState, error) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	state := &ReplayState{
		Status: RunRunning,
		Context: map[string]any{
			ScopeInput:  map[string]any{},
			ScopeState:  map[string]any{},
			ScopeOutput: map[string]any{},
		},
		Tokens: make(map[string]*Token),
	}

	var lastSeq uint64
	for _, ev := range sorted {
		if ev.Sequence == lastSeq && lastSeq != 0 {
			return nil, errors.Internalf("duplicate sequence %d in replay log", ev.Sequence)
		}
		lastSeq = ev.Sequence
		if state.RunID == "" {
			state.RunID = ev.RunID
		}

		switch ev.Type {
		case TraceContextInitialized:
			if input, ok := ev.Payload["input"].(map[string]any); ok {
				state.Context[ScopeInput] = deepCopy(input).(map[string]any)
			}

		case TraceContextFieldSet:
			path, _ := ev.Payload["path"].(string)
			p, err := jsonpath.Parse(path)
			if err != nil {
				return nil, &errors.MappingError{Path: path, Message: err.Error()}
			}
			if err := p.Write(state.Context, deepCopy(ev.Payload["value"])); err != nil {
				return nil, err
			}

		case TraceTokenCreated:
			tok := &Token{
				ID:        ev.TokenID,
				RunID:     ev.RunID,
				NodeRef:   ev.NodeRef,
				Status:    TokenPending,
				CreatedAt: ev.Timestamp,
				UpdatedAt: ev.Timestamp,
			}
			if v, ok := ev.Payload["parentTokenId"].(string); ok {
				tok.ParentID = v
			}
			if v, ok := ev.Payload["siblingGroup"].(string); ok {
				tok.SiblingGroup = v
				tok.FanOutRef = v
			}
			tok.BranchIndex = payloadInt(ev.Payload, "branchIndex", 0)
			tok.BranchTotal = payloadInt(ev.Payload, "branchTotal", 1)
			state.Tokens[tok.ID] = tok

		case TraceTokenStatusChanged:
			tok, ok := state.Tokens[ev.TokenID]
			if !ok {
				return nil, errors.Internalf("status change for unknown token %s at sequence %d", ev.TokenID, ev.Sequence)
			}
			if to, ok := ev.Payload["to"].(string); ok {
				tok.Status = TokenStatus(to)
				tok.UpdatedAt = ev.Timestamp
			}

		case EventWorkflowCompleted:
			state.Status = RunCompleted
		case EventWorkflowFailed:
			state.Status = RunFailed
		}
	}
	return state, nil
}

// payloadInt reads a numeric payload field that may have round-tripped
// through JSON as float64.
func payloadInt(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
