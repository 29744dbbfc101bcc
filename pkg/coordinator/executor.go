package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wonderlog "github.com/wonderhq/wonder/internal/log"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
	"github.com/wonderhq/wonder/pkg/workflow/expression"
	"github.com/wonderhq/wonder/pkg/workflow/schema"
)

// ActionExecutor runs a single action against its input. Implementations
// may block for the duration of the call; deadlines arrive through ctx.
// Transient failures are reported as *errors.ActionError with Transient set
// so the step retry policy can distinguish them from fatal ones.
type ActionExecutor interface {
	Run(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error)
}

// ActionExecutorFunc adapts a function to the ActionExecutor interface.
type ActionExecutorFunc func(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error)

// Run implements ActionExecutor.
func (f ActionExecutorFunc) Run(ctx context.Context, action *workflow.Action, input map[string]any) (map[string]any, error) {
	return f(ctx, action, input)
}

// MaxBackoffDelay caps exponential backoff growth.
const MaxBackoffDelay = 60 * time.Second

// ExecuteRequest carries everything the executor needs to run one node's
// task for one token. The actor prepares the request; the worker must not
// touch run state beyond what is copied here.
type ExecuteRequest struct {
	RunID     string
	TokenID   string
	NodeRef   string
	Task      *workflow.Task
	TaskInput map[string]any
}

// TaskResult is the executor's verdict, delivered back to the run actor.
// Output is the final task scope on success.
type TaskResult struct {
	TokenID    string
	NodeRef    string
	Output     map[string]any
	Err        error
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Executor runs a node's task, step by step, against the action executor.
// It is a pure function of its request given a deterministic ActionExecutor;
// all context reads and writes stay in the actor.
type Executor struct {
	actions    ActionExecutor
	conditions *expression.Evaluator
	tracer     trace.Tracer
	logger     *slog.Logger
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. conditions may be shared with the router
// to reuse compiled programs; logger may be nil.
func NewExecutor(actions ActionExecutor, conditions *expression.Evaluator, logger *slog.Logger) *Executor {
	if conditions == nil {
		conditions = expression.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		actions:    actions,
		conditions: conditions,
		tracer:     otel.Tracer("wonder/coordinator"),
		logger:     logger,
		clock:      time.Now,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the task and returns a result. It never panics across the
// worker boundary; failures are carried in TaskResult.Err.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) *TaskResult {
	res := &TaskResult{
		TokenID:   req.TokenID,
		NodeRef:   req.NodeRef,
		StartedAt: e.clock(),
	}

	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("wonder.run_id", req.RunID),
		attribute.String("wonder.token_id", req.TokenID),
		attribute.String("wonder.node_ref", req.NodeRef),
	))
	defer span.End()

	if req.Task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, attempts, err := e.runTask(ctx, req)
	res.Output = output
	res.Attempts = attempts
	res.FinishedAt = e.clock()

	if err != nil {
		if ctx.Err() != nil && errors.KindOf(err) != errors.KindCancelled {
			err = e.deadlineError(ctx, req, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Err = err
		e.logger.Debug("task failed",
			wonderlog.TokenIDKey, req.TokenID,
			wonderlog.NodeRefKey, req.NodeRef,
			wonderlog.Error(err),
			wonderlog.Duration("duration", res.FinishedAt.Sub(res.StartedAt).Milliseconds()))
	}
	return res
}

// deadlineError maps a context expiry to the timeout or cancellation kind.
func (e *Executor) deadlineError(ctx context.Context, req ExecuteRequest, cause error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &errors.TimeoutError{
			Scope: "task:" + req.NodeRef,
			Limit: time.Duration(req.Task.TimeoutMs) * time.Millisecond,
		}
	}
	if ctx.Err() == context.Canceled {
		return &errors.CancelledError{RunID: req.RunID}
	}
	return cause
}

func (e *Executor) runTask(ctx context.Context, req ExecuteRequest) (map[string]any, int, error) {
	task := req.Task

	inputSchema, err := schema.Compile(task.InputSchema)
	if err != nil {
		return nil, 0, err
	}
	outputSchema, err := schema.Compile(task.OutputSchema)
	if err != nil {
		return nil, 0, err
	}
	if err := inputSchema.Validate("taskInput", req.TaskInput); err != nil {
		return nil, 0, err
	}

	maxRestarts := 1
	if task.Retry != nil && task.Retry.MaxAttempts > 0 {
		maxRestarts = task.Retry.MaxAttempts
	}

	attempts := 0
	var lastErr error
	for restart := 1; restart <= maxRestarts; restart++ {
		scope := deepCopy(req.TaskInput).(map[string]any)

		scope, restartTask, err := e.runSteps(ctx, req, scope, &attempts)
		if err != nil {
			lastErr = err
			if restartTask && restart < maxRestarts {
				continue
			}
			return nil, attempts, err
		}
		if restartTask {
			lastErr = errors.Internalf("task restart requested without error")
			continue
		}

		if err := outputSchema.Validate("taskOutput", scope); err != nil {
			return nil, attempts, err
		}
		return scope, attempts, nil
	}
	return nil, attempts, lastErr
}

// runSteps executes the task's steps in ordinal order against scope. The
// returned bool asks the caller to restart the task from step zero.
func (e *Executor) runSteps(ctx context.Context, req ExecuteRequest, scope map[string]any, attempts *int) (map[string]any, bool, error) {
	for _, step := range req.Task.Steps {
		outcome, err := e.stepOutcome(step, scope)
		if err != nil {
			return nil, false, err
		}
		switch outcome {
		case workflow.OutcomeSkip:
			continue
		case workflow.OutcomeSucceed:
			return scope, false, nil
		case workflow.OutcomeFail:
			return nil, false, &errors.ConditionFailedError{
				StepRef:    step.Ref,
				Expression: step.Condition.If,
			}
		}

		var actionInput map[string]any
		if len(step.InputMapping) > 0 {
			actionInput = map[string]any{}
			if err := MapInto(actionInput, step.InputMapping, scope); err != nil {
				return nil, false, err
			}
		} else {
			// No mapping means the action sees the whole task scope.
			actionInput = deepCopy(scope).(map[string]any)
		}

		stepOutput, err := e.invokeWithRetry(ctx, req, step, actionInput, attempts)
		if err != nil {
			switch step.OnFailure {
			case workflow.FailureContinue:
				e.logger.Debug("step failure ignored",
					wonderlog.StepRefKey, step.Ref,
					wonderlog.Error(err))
				continue
			case workflow.FailureRetry:
				return nil, true, err
			default:
				return nil, false, err
			}
		}

		if len(step.OutputMapping) > 0 {
			if err := MapInto(scope, step.OutputMapping, stepOutput); err != nil {
				return nil, false, err
			}
		} else {
			for k, v := range stepOutput {
				scope[k] = deepCopy(v)
			}
		}
	}
	return scope, false, nil
}

// stepOutcome resolves the step's condition to one of the four outcomes.
// Steps without a condition always continue.
func (e *Executor) stepOutcome(step *workflow.Step, scope map[string]any) (workflow.ConditionOutcome, error) {
	if step.Condition == nil {
		return workflow.OutcomeContinue, nil
	}
	truthy, err := e.conditions.Evaluate(step.Condition.If, scope)
	if err != nil {
		return "", err
	}
	outcome := step.Condition.Else
	if truthy {
		outcome = step.Condition.Then
	}
	if outcome == "" {
		outcome = workflow.OutcomeContinue
	}
	return outcome, nil
}

// invokeWithRetry runs the step's action, retrying transient failures per
// the task retry policy with the configured backoff.
func (e *Executor) invokeWithRetry(ctx context.Context, req ExecuteRequest, step *workflow.Step, input map[string]any, attempts *int) (map[string]any, error) {
	retry := req.Task.Retry
	maxAttempts := 1
	if retry != nil && retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		*attempts++
		output, err := e.actions.Run(ctx, step.Action, input)
		if err == nil {
			if output == nil {
				output = map[string]any{}
			}
			return output, nil
		}
		lastErr = err

		if !errors.IsTransient(err) || attempt == maxAttempts {
			break
		}
		delay := backoffDelay(retry, attempt)
		e.logger.Debug("retrying step after transient failure",
			wonderlog.StepRefKey, step.Ref,
			slog.Int("attempt", attempt),
			wonderlog.Duration("delay", delay.Milliseconds()),
			wonderlog.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoffDelay computes the pause after the given failed attempt.
func backoffDelay(retry *workflow.RetryPolicy, attempt int) time.Duration {
	if retry == nil {
		return 0
	}
	initial := time.Duration(retry.InitialDelayMs) * time.Millisecond
	var delay time.Duration
	switch retry.Backoff {
	case workflow.BackoffLinear:
		delay = initial * time.Duration(attempt)
	case workflow.BackoffExponential:
		if attempt > 30 {
			return MaxBackoffDelay
		}
		delay = initial << (attempt - 1)
	default:
		return 0
	}
	if delay > MaxBackoffDelay {
		delay = MaxBackoffDelay
	}
	return delay
}
