package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	wonderlog "github.com/wonderhq/wonder/internal/log"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/jsonpath"
)

// RunStatus is the run-level state.
type RunStatus string

const (
	RunWaiting   RunStatus = "waiting"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run state is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// FailureInfo describes why a run failed. Kind follows the coordinator
// error taxonomy; cancellation surfaces as a failure with KindCancelled.
type FailureInfo struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
	TokenID string      `json:"tokenId,omitempty"`
	NodeRef string      `json:"nodeRef,omitempty"`
}

// RunInfo is the externally visible state of a run.
type RunInfo struct {
	RunID          string       `json:"runId"`
	Definition     string       `json:"definition"`
	Status         RunStatus    `json:"status"`
	Failure        *FailureInfo `json:"failure,omitempty"`
	ParentRunID    string       `json:"parentRunId,omitempty"`
	ParentTokenID  string       `json:"parentTokenId,omitempty"`
	ActiveTokens   int          `json:"activeTokens"`
	LatestSequence uint64       `json:"latestSequence"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Actor inbox messages.
type (
	taskStartedMsg struct{ tokenID string }
	taskResultMsg  struct{ result *TaskResult }
	cancelMsg      struct{}
	runTimeoutMsg  struct{}
	snapshotReq    struct{ reply chan map[string]any }
	infoReq        struct{ reply chan RunInfo }
)

// Snapshot cadence: a snapshot.taken is released at most once per interval
// or after this many context writes, whichever comes first. Barrier firings
// and run start/completion force one regardless.
const snapshotEveryWrites = 25

var snapshotInterval = 500 * time.Millisecond

// runActor owns all mutable state of one run: its context, tokens, barriers,
// and event sequence. Every mutation happens on the actor goroutine; workers
// and external callers communicate exclusively through the inbox.
type runActor struct {
	runID  string
	graph  *workflow.Graph
	ctx    *Context
	tokens *TokenManager
	router *router
	exec   *Executor
	pool   *WorkerPool
	hub    *Hub
	sink   *persister
	logger *slog.Logger
	clock  func() time.Time

	inbox chan message
	done  chan struct{}

	status        RunStatus
	failure       *FailureInfo
	seq           uint64
	trace         bool
	createdAt     time.Time
	completedAt   *time.Time
	parentRunID   string
	parentTokenID string

	outstanding  int
	workerCtx    context.Context
	workerCancel context.CancelFunc

	stopMu  sync.RWMutex
	stopped bool

	runTimeout time.Duration
	snapLimit  *rate.Limiter
	dirtyWrite int
}

type message any

type actorConfig struct {
	runID         string
	graph         *workflow.Graph
	input         map[string]any
	exec          *Executor
	pool          *WorkerPool
	hub           *Hub
	store         RunStore
	logger        *slog.Logger
	clock         func() time.Time
	trace         bool
	runTimeout    time.Duration
	parentRunID   string
	parentTokenID string
}

func newRunActor(cfg actorConfig) *runActor {
	clock := cfg.clock
	if clock == nil {
		clock = time.Now
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	a := &runActor{
		runID:         cfg.runID,
		graph:         cfg.graph,
		ctx:           NewContext(cfg.input),
		tokens:        NewTokenManager(cfg.runID, clock),
		exec:          cfg.exec,
		pool:          cfg.pool,
		hub:           cfg.hub,
		sink:          newPersister(cfg.store, cfg.runID),
		logger:        wonderlog.WithRunContext(cfg.logger, cfg.runID, cfg.graph.Ref().String()),
		clock:         clock,
		inbox:         make(chan message, 1024),
		done:          make(chan struct{}),
		status:        RunWaiting,
		trace:         cfg.trace,
		createdAt:     clock(),
		parentRunID:   cfg.parentRunID,
		parentTokenID: cfg.parentTokenID,
		workerCtx:     workerCtx,
		workerCancel:  cancel,
		runTimeout:    cfg.runTimeout,
		snapLimit:     rate.NewLimiter(rate.Every(snapshotInterval), 1),
	}
	a.router = newRouter(cfg.graph, a.ctx, a.tokens, routerHooks{
		emit:      a.emit,
		setStatus: a.setStatus,
		created:   a.announce,
		spawned:   a.dispatchAll,
		snapshot:  a.snapshot,
	})
	return a
}

// send delivers a message unless the actor already shut down. A true return
// guarantees the actor loop, or the shutdown drain, will handle the message.
func (a *runActor) send(m message) bool {
	a.stopMu.RLock()
	defer a.stopMu.RUnlock()
	if a.stopped {
		return false
	}
	select {
	case <-a.done:
		return false
	case a.inbox <- m:
		return true
	}
}

// run is the actor loop. It exits once the run is terminal and every
// dispatched worker has reported back.
func (a *runActor) run() {
	defer a.stop()

	var timeout *time.Timer
	if a.runTimeout > 0 {
		timeout = time.AfterFunc(a.runTimeout, func() { a.send(runTimeoutMsg{}) })
		defer timeout.Stop()
	}

	a.start()
	for !(a.status.Terminal() && a.outstanding == 0) {
		a.handle(<-a.inbox)
	}
}

// stop shuts the actor down without stranding callers. Closing done unblocks
// senders first; taking the write lock then waits out every send still in
// flight, so after stopped is set the inbox holds all messages that were
// accepted. The drain answers them from the frozen terminal state.
func (a *runActor) stop() {
	a.workerCancel()
	close(a.done)
	a.stopMu.Lock()
	a.stopped = true
	a.stopMu.Unlock()
	for {
		select {
		case m := <-a.inbox:
			a.handle(m)
		default:
			a.sink.close()
			return
		}
	}
}

func (a *runActor) start() {
	a.status = RunRunning
	a.emit(EventWorkflowStarted, "", "", map[string]any{
		"workflow": a.graph.Ref().String(),
	})
	a.emit(TraceContextInitialized, "", "", map[string]any{
		"input": a.ctx.Snapshot()[ScopeInput],
	})
	a.snapshot(true)
	a.persistStatus()

	root := a.tokens.CreateRoot(a.graph.InitialNode().Ref)
	a.announce(root)
	a.dispatchAll([]*Token{root})
}

func (a *runActor) handle(m message) {
	switch msg := m.(type) {
	case taskStartedMsg:
		if tok, ok := a.tokens.Get(msg.tokenID); ok && tok.Status == TokenDispatched {
			if err := a.setStatus(tok, TokenExecuting); err != nil {
				a.failRun(err, tok)
			}
		}
	case taskResultMsg:
		a.onResult(msg.result)
	case cancelMsg:
		a.abort(&FailureInfo{Kind: errors.KindCancelled, Message: "run cancelled"})
	case runTimeoutMsg:
		a.abort(&FailureInfo{Kind: errors.KindTimeout, Message: "run deadline exceeded"})
	case snapshotReq:
		msg.reply <- a.ctx.Snapshot()
	case infoReq:
		msg.reply <- a.info()
	}
}

func (a *runActor) info() RunInfo {
	return RunInfo{
		RunID:          a.runID,
		Definition:     a.graph.Ref().String(),
		Status:         a.status,
		Failure:        a.failure,
		ParentRunID:    a.parentRunID,
		ParentTokenID:  a.parentTokenID,
		ActiveTokens:   len(a.tokens.Active()),
		LatestSequence: a.seq,
		CreatedAt:      a.createdAt,
		CompletedAt:    a.completedAt,
	}
}

// emit releases one event: the sequence is assigned here, making the release
// order the causal order of the run.
func (a *runActor) emit(t EventType, tokenID, nodeRef string, payload map[string]any) {
	if t.Stream() == StreamTrace && !a.trace {
		return
	}
	a.seq++
	ev := Event{
		Sequence:  a.seq,
		Timestamp: a.clock(),
		RunID:     a.runID,
		TokenID:   tokenID,
		NodeRef:   nodeRef,
		Type:      t,
		Payload:   payload,
	}
	a.hub.Publish(ev)
	a.sink.appendEvent(ev)
	a.logger.Log(context.Background(), wonderlog.LevelTrace, "event",
		wonderlog.EventKey, string(t),
		wonderlog.SequenceKey, ev.Sequence)
}

// announce emits the creation trace for a fresh token.
func (a *runActor) announce(tok *Token) {
	a.emit(TraceTokenCreated, tok.ID, tok.NodeRef, map[string]any{
		"parentTokenId": tok.ParentID,
		"siblingGroup":  tok.SiblingGroup,
		"branchIndex":   tok.BranchIndex,
		"branchTotal":   tok.BranchTotal,
	})
}

func (a *runActor) setStatus(tok *Token, st TokenStatus) error {
	from := tok.Status
	if err := a.tokens.Transition(tok, st); err != nil {
		return err
	}
	a.emit(TraceTokenStatusChanged, tok.ID, tok.NodeRef, map[string]any{
		"from": string(from),
		"to":   string(st),
	})
	return nil
}

// dispatchAll hands pending tokens to the worker pool in the given order.
func (a *runActor) dispatchAll(tokens []*Token) {
	for _, tok := range tokens {
		a.dispatch(tok)
	}
}

func (a *runActor) dispatch(tok *Token) {
	if a.status != RunRunning {
		return
	}
	node, ok := a.graph.Node(tok.NodeRef)
	if !ok {
		a.failRun(errors.Internalf("token %s references unknown node %s", tok.ID, tok.NodeRef), tok)
		return
	}

	input, err := a.buildTaskInput(tok, node)
	if err != nil {
		a.failToken(tok, err)
		a.checkTermination()
		return
	}
	if err := a.setStatus(tok, TokenDispatched); err != nil {
		a.failRun(err, tok)
		return
	}
	a.emit(EventNodeStarted, tok.ID, tok.NodeRef, nil)

	req := ExecuteRequest{
		RunID:     a.runID,
		TokenID:   tok.ID,
		NodeRef:   tok.NodeRef,
		Task:      node.Task,
		TaskInput: input,
	}
	a.outstanding++
	submitted := a.pool.Submit(func() {
		a.send(taskStartedMsg{tokenID: req.TokenID})
		res := a.exec.Execute(a.workerCtx, req)
		a.send(taskResultMsg{result: res})
	})
	if !submitted {
		a.outstanding--
		a.failToken(tok, &errors.CancelledError{RunID: a.runID})
		a.checkTermination()
	}
}

// buildTaskInput evaluates the node's input mapping over the run context
// plus the token's branch scope. Fields are resolved in sorted order;
// unresolved sources are omitted.
func (a *runActor) buildTaskInput(tok *Token, node *workflow.Node) (map[string]any, error) {
	input := map[string]any{}
	fields := make([]string, 0, len(node.InputMapping))
	for f := range node.InputMapping {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		p, err := jsonpath.Parse(node.InputMapping[field])
		if err != nil {
			return nil, &errors.MappingError{Path: node.InputMapping[field], Message: err.Error()}
		}
		if v, ok := a.ctx.Read(tok.ID, p); ok {
			input[field] = deepCopy(v)
		}
	}
	return input, nil
}

func (a *runActor) onResult(res *TaskResult) {
	a.outstanding--

	tok, ok := a.tokens.Get(res.TokenID)
	if !ok {
		a.failRun(errors.Internalf("result for unknown token %s", res.TokenID), nil)
		return
	}
	if tok.Status.Terminal() || a.status != RunRunning {
		a.emit(TraceLateResult, tok.ID, tok.NodeRef, map[string]any{
			"tokenStatus": string(tok.Status),
		})
		return
	}
	if tok.Status == TokenDispatched {
		// The started message can still be queued behind the result.
		if err := a.setStatus(tok, TokenExecuting); err != nil {
			a.failRun(err, tok)
			return
		}
	}

	if res.Err != nil {
		a.failToken(tok, res.Err)
		a.checkTermination()
		return
	}

	node, _ := a.graph.Node(tok.NodeRef)
	if err := a.applyNodeOutput(tok, node, res.Output); err != nil {
		a.failToken(tok, err)
		a.checkTermination()
		return
	}
	a.emit(EventNodeCompleted, tok.ID, tok.NodeRef, map[string]any{
		"attempts": res.Attempts,
	})

	if err := a.router.route(tok); err != nil {
		a.failRun(err, tok)
		return
	}
	a.checkTermination()
}

// applyNodeOutput writes the node's output mapping into the run context.
// Targets are applied in lexicographic order; state and output writes emit
// field-set traces and count toward the snapshot cadence.
func (a *runActor) applyNodeOutput(tok *Token, node *workflow.Node, taskOutput map[string]any) error {
	return applyOrdered(node.OutputMapping, taskOutput, func(target *jsonpath.Path, value any) error {
		if err := a.ctx.Write(tok.ID, target, value); err != nil {
			return err
		}
		a.noteWrite(target, value)
		return nil
	})
}

// noteWrite records a state/output mutation for tracing and snapshotting.
func (a *runActor) noteWrite(target *jsonpath.Path, value any) {
	if root := target.Root(); root != ScopeState && root != ScopeOutput {
		return
	}
	a.emit(TraceContextFieldSet, "", "", map[string]any{
		"path":  target.String(),
		"value": deepCopy(value),
	})
	a.dirtyWrite++
	a.snapshot(false)
}

// snapshot emits a snapshot.taken and persists the frozen view. Unforced
// snapshots are rate limited.
func (a *runActor) snapshot(force bool) {
	if !force && a.dirtyWrite < snapshotEveryWrites && !a.snapLimit.Allow() {
		return
	}
	a.dirtyWrite = 0
	snap := a.ctx.Snapshot()
	a.emit(TraceSnapshotTaken, "", "", map[string]any{"context": snap})
	a.sink.persistSnapshot(snap, a.tokens.Active())
}

func (a *runActor) failToken(tok *Token, err error) {
	kind := errors.KindOf(err)
	status := TokenFailed
	switch kind {
	case errors.KindTimeout:
		status = TokenTimedOut
	case errors.KindCancelled:
		status = TokenCancelled
	}
	if serr := a.setStatus(tok, status); serr != nil {
		a.failRun(serr, tok)
		return
	}
	a.ctx.ReleaseBranch(tok.ID)
	a.emit(EventNodeFailed, tok.ID, tok.NodeRef, map[string]any{
		"kind":    string(kind),
		"message": err.Error(),
	})
	if a.failure == nil && status != TokenCancelled {
		a.failure = &FailureInfo{
			Kind:    kind,
			Message: err.Error(),
			TokenID: tok.ID,
			NodeRef: tok.NodeRef,
		}
	}
	if status != TokenCancelled {
		if rerr := a.router.tokenFailed(tok); rerr != nil {
			a.failRun(rerr, tok)
		}
	}
}

// checkTermination completes or fails the run once no token has work left.
func (a *runActor) checkTermination() {
	if a.status != RunRunning || a.tokens.InFlight() {
		return
	}
	if _, failed := a.tokens.AnyFailed(); failed {
		failure := a.failure
		if failure == nil {
			failure = &FailureInfo{Kind: errors.KindInternal, Message: "token failed without recorded cause"}
		}
		a.abort(failure)
		return
	}
	if err := a.applyRunOutput(); err != nil {
		a.failRun(err, nil)
		return
	}
	a.snapshot(true)
	a.status = RunCompleted
	now := a.clock()
	a.completedAt = &now
	a.emit(EventWorkflowCompleted, "", "", map[string]any{
		"output": a.ctx.Snapshot()[ScopeOutput],
	})
	a.persistStatus()
	a.logger.Info("workflow completed", wonderlog.SequenceKey, a.seq)
}

// applyRunOutput derives the final output from the definition's top-level
// output mapping, in declaration order.
func (a *runActor) applyRunOutput() error {
	for _, of := range a.graph.Definition().OutputMapping {
		src, err := jsonpath.Parse(of.Source)
		if err != nil {
			return &errors.MappingError{Path: of.Source, Message: err.Error()}
		}
		v, ok := a.ctx.Read("", src)
		if !ok {
			continue
		}
		target, err := jsonpath.Parse("$." + ScopeOutput + "." + of.Field)
		if err != nil {
			return &errors.MappingError{Path: of.Field, Message: err.Error()}
		}
		if err := a.ctx.Write("", target, v); err != nil {
			return err
		}
		a.noteWrite(target, v)
	}
	return nil
}

// failRun fails the run from a coordinator-level error (routing, merge,
// invariant violations). tok names the token being processed, if any.
func (a *runActor) failRun(err error, tok *Token) {
	failure := &FailureInfo{
		Kind:    errors.KindOf(err),
		Message: err.Error(),
	}
	if tok != nil {
		failure.TokenID = tok.ID
		failure.NodeRef = tok.NodeRef
	}
	a.abort(failure)
}

// abort moves the run to failed, cancelling every non-terminal token.
func (a *runActor) abort(failure *FailureInfo) {
	if a.status.Terminal() {
		return
	}
	a.failure = failure
	for _, tok := range a.tokens.Active() {
		if err := a.setStatus(tok, TokenCancelled); err != nil {
			// Lifecycle violations during teardown are logged, not fatal.
			a.logger.Warn("cancel token", wonderlog.TokenIDKey, tok.ID, wonderlog.Error(err))
			continue
		}
		a.ctx.ReleaseBranch(tok.ID)
	}
	a.workerCancel()
	a.status = RunFailed
	now := a.clock()
	a.completedAt = &now
	a.emit(EventWorkflowFailed, failure.TokenID, failure.NodeRef, map[string]any{
		"kind":    string(failure.Kind),
		"message": failure.Message,
	})
	a.persistStatus()
	a.logger.Warn("workflow failed",
		slog.String("kind", string(failure.Kind)),
		slog.String("reason", failure.Message))
}

func (a *runActor) persistStatus() {
	a.sink.updateStatus(a.status, a.failure, a.completedAt)
}
