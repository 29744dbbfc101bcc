// Package coordinator drives workflow runs to completion through a
// token-based execution model: fan-out, fan-in synchronization, context
// mutation, conditional routing, and streaming event emission.
//
// Each run is owned by a single-threaded run actor. Task execution happens
// on a shared worker pool; results re-enter the owning actor through its
// inbox, so all run state mutation is serialized.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	wonderlog "github.com/wonderhq/wonder/internal/log"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/expression"
	"github.com/wonderhq/wonder/pkg/workflow/schema"
)

// ErrRunNotFound is returned for operations on unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Config wires the coordinator's collaborators.
type Config struct {
	// Loader resolves workflow references into frozen graphs. Required.
	Loader *workflow.Loader
	// Actions executes individual actions. Required.
	Actions ActionExecutor
	// Store persists runs, events, and snapshots. Optional; without it the
	// coordinator is purely in-memory.
	Store RunStore
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Workers and QueueSize bound the shared worker pool.
	Workers   int
	QueueSize int
	// SubscriberBuffer is the per-subscription channel depth.
	SubscriberBuffer int
	// Clock overrides time for tests.
	Clock func() time.Time
}

// StartOptions tune one run.
type StartOptions struct {
	// ParentRunID and ParentTokenID link a child run spawned by another
	// workflow.
	ParentRunID   string
	ParentTokenID string
	// EnableTrace releases the fine-grained trace stream for this run.
	EnableTrace bool
	// Timeout bounds the whole run; zero means unbounded.
	Timeout time.Duration
}

// Coordinator owns the run actors, the worker pool, and the event hub.
type Coordinator struct {
	loader  *workflow.Loader
	actions ActionExecutor
	store   RunStore
	logger  *slog.Logger
	clock   func() time.Time

	exec *Executor
	pool *WorkerPool
	hub  *Hub

	mu     sync.Mutex
	runs   map[string]*runActor
	closed bool
}

// New creates a coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Loader == nil {
		return nil, &errors.ValidationError{Field: "loader", Message: "definition loader is required"}
	}
	if cfg.Actions == nil {
		return nil, &errors.ValidationError{Field: "actions", Message: "action executor is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator{
		loader:  cfg.Loader,
		actions: cfg.Actions,
		store:   cfg.Store,
		logger:  wonderlog.WithComponent(logger, "coordinator"),
		clock:   clock,
		exec:    NewExecutor(cfg.Actions, expression.New(), logger),
		pool:    NewWorkerPool(cfg.Workers, cfg.QueueSize),
		hub:     NewHub(cfg.SubscriberBuffer),
		runs:    make(map[string]*runActor),
	}
	return c, nil
}

// StartRun loads the definition, validates input, and starts a new run
// actor. It returns the run id; execution proceeds asynchronously.
func (c *Coordinator) StartRun(ctx context.Context, ref workflow.Ref, input map[string]any, opts StartOptions) (string, error) {
	graph, err := c.loader.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	inputSchema, err := schema.Compile(graph.Definition().InputSchema)
	if err != nil {
		return "", err
	}
	if err := inputSchema.Validate("input", input); err != nil {
		return "", err
	}

	runID := ulid.Make().String()
	actor := newRunActor(actorConfig{
		runID:         runID,
		graph:         graph,
		input:         input,
		exec:          c.exec,
		pool:          c.pool,
		hub:           c.hub,
		store:         c.store,
		logger:        c.logger,
		clock:         c.clock,
		trace:         opts.EnableTrace,
		runTimeout:    opts.Timeout,
		parentRunID:   opts.ParentRunID,
		parentTokenID: opts.ParentTokenID,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("coordinator is closed")
	}
	c.runs[runID] = actor
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.CreateRun(ctx, actor.info(), input); err != nil {
			c.mu.Lock()
			delete(c.runs, runID)
			c.mu.Unlock()
			return "", errors.Wrap(err, "create run")
		}
	}

	c.logger.Info("run started",
		wonderlog.RunIDKey, runID,
		wonderlog.WorkflowKey, graph.Ref().String())
	go actor.run()
	return runID, nil
}

// CancelRun requests cancellation. The run fails with KindCancelled once
// the actor processes the message; already-terminal runs are unaffected.
func (c *Coordinator) CancelRun(runID string) error {
	actor, err := c.actor(runID)
	if err != nil {
		return err
	}
	actor.send(cancelMsg{})
	return nil
}

// GetRun returns the run's current externally visible state.
func (c *Coordinator) GetRun(runID string) (RunInfo, error) {
	actor, err := c.actor(runID)
	if err != nil {
		return RunInfo{}, err
	}
	reply := make(chan RunInfo, 1)
	if !actor.send(infoReq{reply: reply}) {
		// Actor exited; its state is frozen and safe to read.
		return actor.info(), nil
	}
	return <-reply, nil
}

// Snapshot returns a deep copy of the run's context namespaces.
func (c *Coordinator) Snapshot(runID string) (map[string]any, error) {
	actor, err := c.actor(runID)
	if err != nil {
		return nil, err
	}
	reply := make(chan map[string]any, 1)
	if !actor.send(snapshotReq{reply: reply}) {
		return actor.ctx.Snapshot(), nil
	}
	return <-reply, nil
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, runID string) (RunInfo, error) {
	actor, err := c.actor(runID)
	if err != nil {
		return RunInfo{}, err
	}
	select {
	case <-actor.done:
		return actor.info(), nil
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}
}

// Subscribe attaches an event consumer. Filters narrow by run, type, or
// payload fields; see Filter.
func (c *Coordinator) Subscribe(stream Stream, filter Filter) *Subscription {
	return c.hub.Subscribe(stream, filter)
}

// Unsubscribe detaches a subscription by id.
func (c *Coordinator) Unsubscribe(id string) {
	c.hub.Unsubscribe(id)
}

// Events reads persisted events back by sequence range, for recovering
// subscribers and replay. Requires a configured store.
func (c *Coordinator) Events(ctx context.Context, runID string, stream Stream, from, to uint64) ([]Event, error) {
	if c.store == nil {
		return nil, errors.New("no run store configured")
	}
	return c.store.Events(ctx, runID, stream, from, to)
}

// Close cancels every live run, waits for the actors to drain, and stops
// the worker pool.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	actors := make([]*runActor, 0, len(c.runs))
	for _, a := range c.runs {
		actors = append(actors, a)
	}
	c.mu.Unlock()

	for _, a := range actors {
		a.send(cancelMsg{})
	}
	for _, a := range actors {
		<-a.done
	}
	c.pool.Close()
	c.hub.Close()
}

func (c *Coordinator) actor(runID string) (*runActor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	actor, ok := c.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return actor, nil
}
