package coordinator

import (
	"fmt"

	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// routerHooks are the actor callbacks the router drives. The router decides
// where tokens go; the actor owns event release, status bookkeeping, and
// worker dispatch.
type routerHooks struct {
	// emit releases one event through the actor's sequencer.
	emit func(t EventType, tokenID, nodeRef string, payload map[string]any)
	// setStatus transitions a token and emits the status-change trace.
	setStatus func(token *Token, status TokenStatus) error
	// created announces a freshly created token.
	created func(token *Token)
	// spawned hands pending tokens to the actor for worker dispatch, in
	// ascending branch index order.
	spawned func(tokens []*Token)
	// snapshot asks the actor to emit a context snapshot.
	snapshot func(force bool)
}

// router evaluates transitions for completed tokens, performs fan-out, and
// synchronizes fan-in barriers. It runs entirely inside the run actor.
type router struct {
	graph    *workflow.Graph
	ctx      *Context
	tokens   *TokenManager
	barriers *barrierSet
	hooks    routerHooks
}

func newRouter(graph *workflow.Graph, ctx *Context, tokens *TokenManager, hooks routerHooks) *router {
	return &router{
		graph:    graph,
		ctx:      ctx,
		tokens:   tokens,
		barriers: newBarrierSet(),
		hooks:    hooks,
	}
}

// route is invoked when token finishes executing its node successfully. It
// selects the first matching outgoing transition (priority descending, ties
// by ref ascending) and dispatches on its flavor. With no match the token
// simply completes; run-level termination is the actor's concern.
func (r *router) route(token *Token) error {
	r.hooks.emit(TraceRoutingStarted, token.ID, token.NodeRef, nil)

	match, err := r.selectTransition(token)
	if err != nil {
		return err
	}

	payload := map[string]any{"matched": ""}
	if match != nil {
		payload["matched"] = match.Ref
	}

	switch {
	case match == nil:
		if err := r.complete(token); err != nil {
			return err
		}
	case match.IsFanIn():
		if err := r.arrive(token, match); err != nil {
			return err
		}
	case match.IsFanOut():
		// Width is resolved before the parent completes: a foreach
		// collection may live in the parent's branch scope, which
		// complete releases.
		count, items, err := r.fanOutWidth(token, match)
		if err != nil {
			return err
		}
		if err := r.complete(token); err != nil {
			return err
		}
		if err := r.fanOut(token, match, count, items); err != nil {
			return err
		}
	default:
		if err := r.complete(token); err != nil {
			return err
		}
		child := r.tokens.Continue(token.ID, match.ToNodeRef)
		r.hooks.created(child)
		r.hooks.spawned([]*Token{child})
	}

	r.hooks.emit(TraceRoutingCompleted, token.ID, token.NodeRef, payload)
	return nil
}

// selectTransition finds the first outgoing transition whose condition
// matches the current context view.
func (r *router) selectTransition(token *Token) (*workflow.Transition, error) {
	view := r.ctx.View(token.ID)
	for _, t := range r.graph.Outgoing(token.NodeRef) {
		ok, err := r.graph.Conditions().Evaluate(t.Condition, view)
		if err != nil {
			return nil, errors.Wrapf(err, "condition on transition %s", t.Ref)
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

func (r *router) complete(token *Token) error {
	if err := r.hooks.setStatus(token, TokenCompleted); err != nil {
		return err
	}
	r.ctx.ReleaseBranch(token.ID)
	return nil
}

// fanOut creates the sibling tokens for a spawn or foreach transition.
func (r *router) fanOut(parent *Token, t *workflow.Transition, count int, items []any) error {
	if count > r.graph.MaxSpawn() {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("transitions.%s", t.Ref),
			Message: fmt.Sprintf("fan-out width %d exceeds bound %d", count, r.graph.MaxSpawn()),
		}
	}
	if count == 0 {
		return r.fireEmptyGroup(parent, t)
	}

	children := r.tokens.FanOut(parent, t.ToNodeRef, t.Ref, count)
	for i, child := range children {
		if t.Foreach != nil {
			r.ctx.SetBranchValue(child.ID, t.Foreach.ItemVar, items[i])
		}
		r.hooks.created(child)
	}
	r.hooks.spawned(children)
	return nil
}

// fanOutWidth resolves the sibling count and, for foreach, the items.
func (r *router) fanOutWidth(parent *Token, t *workflow.Transition) (int, []any, error) {
	if t.SpawnCount != nil {
		return *t.SpawnCount, nil, nil
	}
	path, err := jsonpath.Parse(t.Foreach.Collection)
	if err != nil {
		return 0, nil, &errors.MappingError{Path: t.Foreach.Collection, Message: err.Error()}
	}
	v, ok := r.ctx.Read(parent.ID, path)
	if !ok || v == nil {
		return 0, nil, nil
	}
	items, isArr := v.([]any)
	if !isArr {
		return 0, nil, &errors.MappingError{
			Path:    t.Foreach.Collection,
			Message: fmt.Sprintf("foreach collection resolved to %T, want array", v),
		}
	}
	return len(items), items, nil
}

// fireEmptyGroup handles the zero-width fan-out boundary: every barrier
// declared over the group fires immediately with no arrivals.
func (r *router) fireEmptyGroup(parent *Token, fanOut *workflow.Transition) error {
	for _, t := range r.graph.Definition().Transitions {
		if t.Synchronization == nil || t.Synchronization.SiblingGroup != fanOut.Ref {
			continue
		}
		key := barrierKey{ParentID: parent.ID, TransitionRef: t.Ref}
		b := r.barriers.get(key, t, 0)
		if b.fired || !b.satisfied() {
			continue
		}
		b.fired = true
		if err := r.fire(b, parent.ID); err != nil {
			return err
		}
	}
	return nil
}

// arrive records a fan-in arrival for the completing token and fires the
// barrier when its strategy is satisfied.
func (r *router) arrive(token *Token, t *workflow.Transition) error {
	if err := r.hooks.setStatus(token, TokenWaitingAtFanIn); err != nil {
		return err
	}

	key := barrierKey{ParentID: token.ParentID, TransitionRef: t.Ref}
	a := arrival{
		tokenID:     token.ID,
		branchIndex: token.BranchIndex,
		branch:      r.ctx.BranchScope(token.ID),
	}
	b, fire, late := r.barriers.arrive(key, t, token.BranchTotal, a)

	if late {
		r.hooks.emit(TraceFanInLateArrival, token.ID, token.NodeRef, map[string]any{
			"transitionRef": t.Ref,
			"branchIndex":   token.BranchIndex,
		})
		return r.complete(token)
	}

	r.hooks.emit(TraceFanInArrival, token.ID, token.NodeRef, map[string]any{
		"transitionRef": t.Ref,
		"branchIndex":   token.BranchIndex,
		"arrivals":      len(b.arrivals),
	})
	if fire {
		return r.fire(b, token.ParentID)
	}
	if len(b.arrivals) >= b.total {
		// Every sibling arrived and the strategy still cannot fire;
		// waiting any longer would strand the run.
		return errors.Internalf(
			"fan-in barrier %s unsatisfiable: need %d arrivals, group width is %d",
			t.Ref, t.Synchronization.M, b.total)
	}
	return nil
}

// fire applies the barrier's merges, completes the waiting arrivals, and
// creates the continuation token under the siblings' common parent.
func (r *router) fire(b *barrier, parentID string) error {
	writes, err := applyMerges(r.ctx, b)
	if err != nil {
		return err
	}
	for _, w := range writes {
		r.hooks.emit(TraceContextFieldSet, "", "", map[string]any{
			"path":  w.path,
			"value": w.value,
		})
	}

	for _, a := range b.sortedArrivals() {
		if tok, ok := r.tokens.Get(a.tokenID); ok && tok.Status == TokenWaitingAtFanIn {
			if err := r.complete(tok); err != nil {
				return err
			}
		}
	}

	r.hooks.emit(TraceFanInFired, "", b.transition.ToNodeRef, map[string]any{
		"transitionRef": b.transition.Ref,
		"arrivals":      len(b.arrivals),
	})
	r.hooks.snapshot(true)

	child := r.tokens.Continue(parentID, b.transition.ToNodeRef)
	r.hooks.created(child)
	r.hooks.spawned([]*Token{child})
	return nil
}

// tokenFailed adjusts barrier totals after a sibling ended failed or timed
// out, firing barriers that become satisfied over the survivors and failing
// the run when an m_of_n barrier can no longer be met.
func (r *router) tokenFailed(token *Token) error {
	if token.SiblingGroup == "" {
		return nil
	}
	for _, t := range r.graph.Outgoing(token.NodeRef) {
		if t.Synchronization == nil || t.Synchronization.SiblingGroup != token.FanOutRef {
			continue
		}
		key := barrierKey{ParentID: token.ParentID, TransitionRef: t.Ref}
		b := r.barriers.siblingFailed(key, t, token.BranchTotal)
		if b == nil {
			continue
		}
		if b.stuck() {
			return errors.Internalf(
				"fan-in barrier %s unsatisfiable: need %d arrivals, only %d siblings survive",
				t.Ref, t.Synchronization.M, b.total)
		}
		if b.satisfied() {
			b.fired = true
			if err := r.fire(b, token.ParentID); err != nil {
				return err
			}
		}
	}
	return nil
}
