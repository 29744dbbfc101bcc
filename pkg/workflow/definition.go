// Package workflow defines the versioned workflow graph model: nodes,
// tasks, steps, actions, and transitions, together with validation and the
// definition loader.
//
// Definitions parse from YAML or JSON. A validated definition is frozen
// into a Graph, which the coordinator treats as immutable shared state.
package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// KindWorkflow is the definition kind resolved by the loader.
const KindWorkflow = "workflow"

// DefaultMaxSpawn bounds fan-out width per transition. Definitions may lower
// it; raising it above the hard bound is rejected at validation.
const DefaultMaxSpawn = 1000

// Definition is a versioned workflow definition: the graph of nodes and
// transitions plus the schemas and the terminal output mapping.
type Definition struct {
	// Reference is the definition identifier, stable across versions
	Reference string `yaml:"reference" json:"reference"`

	// Version identifies this revision of the definition
	Version string `yaml:"version" json:"version"`

	// Description provides human-readable context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// InputSchema validates the run input document
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`

	// StateSchema optionally describes the run's mutable state namespace
	StateSchema map[string]any `yaml:"stateSchema,omitempty" json:"stateSchema,omitempty"`

	// OutputSchema validates the final output document
	OutputSchema map[string]any `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`

	// OutputMapping derives the final output: ordered entries mapping an
	// output field to a JSONPath read from the completed run's context
	OutputMapping []OutputField `yaml:"outputMapping,omitempty" json:"outputMapping,omitempty"`

	// InitialNodeRef names the node the root token starts at
	InitialNodeRef string `yaml:"initialNodeRef" json:"initialNodeRef"`

	// Nodes is the set of node definitions keyed by ref
	Nodes []*Node `yaml:"nodes" json:"nodes"`

	// Transitions is the set of directed edges between nodes
	Transitions []*Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`

	// MaxSpawn bounds foreach/spawnCount fan-out width (default 1000)
	MaxSpawn int `yaml:"maxSpawn,omitempty" json:"maxSpawn,omitempty"`
}

// OutputField maps one field of the final output document to a context path.
type OutputField struct {
	// Field is the output field name
	Field string `yaml:"field" json:"field"`

	// Source is the JSONPath read against the final context
	Source string `yaml:"source" json:"source"`
}

// Node is a vertex in the workflow graph. It executes a task when a token
// arrives.
type Node struct {
	// Ref is the node identifier, stable within the graph
	Ref string `yaml:"ref" json:"ref"`

	// TaskRef references a task definition to resolve; mutually exclusive
	// with an inline Task
	TaskRef string `yaml:"taskRef,omitempty" json:"taskRef,omitempty"`

	// TaskVersion pins the referenced task's version (empty means latest)
	TaskVersion string `yaml:"taskVersion,omitempty" json:"taskVersion,omitempty"`

	// Task is the inline task definition
	Task *Task `yaml:"task,omitempty" json:"task,omitempty"`

	// InputMapping builds the task input: task field -> context JSONPath
	InputMapping map[string]string `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`

	// OutputMapping writes task output into the context:
	// context path (state.*/output.*/_branch.*) -> task-scope JSONPath
	OutputMapping map[string]string `yaml:"outputMapping,omitempty" json:"outputMapping,omitempty"`

	// ResourceBindings name external resources the node's actions may use
	ResourceBindings map[string]string `yaml:"resourceBindings,omitempty" json:"resourceBindings,omitempty"`
}

// Task is an ordered sequence of steps with schemas and failure policy.
type Task struct {
	// Reference identifies a shared task definition (empty for inline tasks)
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`

	// Version identifies the task revision
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// InputSchema validates the task input document
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`

	// OutputSchema validates the task's final scope
	OutputSchema map[string]any `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`

	// Steps execute in ascending ordinal order
	Steps []*Step `yaml:"steps" json:"steps"`

	// Retry is the task-level retry policy for transient step failures
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutMs bounds total task wall-clock time including retries
	TimeoutMs int64 `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// RetryPolicy controls retries of transient action failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (first try included)
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`

	// Backoff selects the delay curve: none, linear, exponential
	Backoff Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelayMs is the base delay for linear/exponential backoff
	InitialDelayMs int64 `yaml:"initialDelayMs,omitempty" json:"initialDelayMs,omitempty"`
}

// Backoff is a retry delay curve.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Step invokes one action inside a task.
type Step struct {
	// Ref is the step identifier within the task
	Ref string `yaml:"ref" json:"ref"`

	// Ordinal orders steps; execution is ascending
	Ordinal int `yaml:"ordinal" json:"ordinal"`

	// ActionRef references an action definition to resolve; mutually
	// exclusive with an inline Action
	ActionRef string `yaml:"actionRef,omitempty" json:"actionRef,omitempty"`

	// ActionVersion pins the referenced action's version
	ActionVersion string `yaml:"actionVersion,omitempty" json:"actionVersion,omitempty"`

	// Action is the inline action definition
	Action *Action `yaml:"action,omitempty" json:"action,omitempty"`

	// InputMapping builds the action input: action field -> task-scope path
	InputMapping map[string]string `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`

	// OutputMapping writes action output into task scope:
	// task-scope path -> action-output path
	OutputMapping map[string]string `yaml:"outputMapping,omitempty" json:"outputMapping,omitempty"`

	// OnFailure selects handling of exhausted/fatal action failures
	OnFailure FailurePolicy `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`

	// Condition optionally gates the step
	Condition *StepCondition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// FailurePolicy is a step's reaction to a failed action.
type FailurePolicy string

const (
	// FailureAbort fails the task (default).
	FailureAbort FailurePolicy = "abort"
	// FailureRetry restarts the task from step 0, counting against the
	// task retry budget.
	FailureRetry FailurePolicy = "retry"
	// FailureContinue ignores the failure and moves to the next step.
	FailureContinue FailurePolicy = "continue"
)

// StepCondition gates a step on a boolean expression over task scope.
type StepCondition struct {
	// If is the boolean expression
	If string `yaml:"if" json:"if"`

	// Then is the outcome when If is truthy (default continue)
	Then ConditionOutcome `yaml:"then,omitempty" json:"then,omitempty"`

	// Else is the outcome when If is falsy (default continue)
	Else ConditionOutcome `yaml:"else,omitempty" json:"else,omitempty"`
}

// ConditionOutcome is a step condition branch result.
type ConditionOutcome string

const (
	// OutcomeContinue proceeds to the step's action.
	OutcomeContinue ConditionOutcome = "continue"
	// OutcomeSkip skips the action; the step output is empty.
	OutcomeSkip ConditionOutcome = "skip"
	// OutcomeSucceed abandons remaining steps; the task completes with the
	// current scope.
	OutcomeSucceed ConditionOutcome = "succeed"
	// OutcomeFail terminates the task with ConditionFailed.
	OutcomeFail ConditionOutcome = "fail"
)

// ActionKind classifies action implementations.
type ActionKind string

const (
	ActionLLM       ActionKind = "llm"
	ActionMCP       ActionKind = "mcp"
	ActionHTTP      ActionKind = "http"
	ActionHuman     ActionKind = "human"
	ActionContext   ActionKind = "context"
	ActionArtifact  ActionKind = "artifact"
	ActionVector    ActionKind = "vector"
	ActionMetric    ActionKind = "metric"
	ActionMock      ActionKind = "mock"
)

// Action describes an executable action. The implementation body is opaque
// to the coordinator and interpreted by the action executor.
type Action struct {
	// Ref identifies the action
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`

	// Version identifies the action revision
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Kind selects the executor implementation
	Kind ActionKind `yaml:"kind" json:"kind"`

	// Implementation is the kind-specific configuration body
	Implementation map[string]any `yaml:"implementation,omitempty" json:"implementation,omitempty"`

	// Requires is the JSON schema of the action input
	Requires map[string]any `yaml:"requires,omitempty" json:"requires,omitempty"`

	// Produces is the JSON schema of the action output
	Produces map[string]any `yaml:"produces,omitempty" json:"produces,omitempty"`
}

// Transition is a directed edge between nodes, optionally conditional and
// optionally fanning out or synchronizing.
type Transition struct {
	// Ref is the transition identifier, stable within the graph
	Ref string `yaml:"ref" json:"ref"`

	// FromNodeRef is the source node
	FromNodeRef string `yaml:"fromNodeRef" json:"fromNodeRef"`

	// ToNodeRef is the destination node
	ToNodeRef string `yaml:"toNodeRef" json:"toNodeRef"`

	// Priority orders candidate selection; higher wins, ties break by Ref
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Condition optionally gates the transition (boolean expression)
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// SpawnCount fans out into a fixed number of sibling tokens
	SpawnCount *int `yaml:"spawnCount,omitempty" json:"spawnCount,omitempty"`

	// Foreach fans out over a collection read from the context
	Foreach *Foreach `yaml:"foreach,omitempty" json:"foreach,omitempty"`

	// Synchronization marks the transition as a fan-in barrier
	Synchronization *Synchronization `yaml:"synchronization,omitempty" json:"synchronization,omitempty"`
}

// IsFanOut reports whether the transition spawns sibling tokens.
func (t *Transition) IsFanOut() bool {
	return t.SpawnCount != nil || t.Foreach != nil
}

// IsFanIn reports whether the transition is a synchronization barrier.
func (t *Transition) IsFanIn() bool {
	return t.Synchronization != nil
}

// Foreach describes collection-driven fan-out.
type Foreach struct {
	// Collection is the JSONPath of the array to iterate
	Collection string `yaml:"collection" json:"collection"`

	// ItemVar is the branch-scope field each child receives its item under
	ItemVar string `yaml:"itemVar" json:"itemVar"`
}

// SyncStrategy selects when a barrier fires.
type SyncStrategy string

const (
	// SyncAll fires when every surviving sibling has arrived.
	SyncAll SyncStrategy = "all"
	// SyncAny fires on the first arrival; later arrivals are absorbed.
	SyncAny SyncStrategy = "any"
	// SyncMOfN fires once M siblings have arrived.
	SyncMOfN SyncStrategy = "m_of_n"
)

// Synchronization declares a fan-in barrier on a transition.
type Synchronization struct {
	// Strategy selects the firing rule
	Strategy SyncStrategy `yaml:"strategy" json:"strategy"`

	// M is the arrival threshold for m_of_n
	M int `yaml:"m,omitempty" json:"m,omitempty"`

	// SiblingGroup names the fan-out transition whose siblings this
	// barrier collects
	SiblingGroup string `yaml:"siblingGroup" json:"siblingGroup"`

	// Merge folds each arrival's branch scope into the run context
	Merge []Merge `yaml:"merge,omitempty" json:"merge,omitempty"`
}

// MergeStrategy selects how an arrival's value combines into the target.
type MergeStrategy string

const (
	MergeAppend MergeStrategy = "append"
	MergeConcat MergeStrategy = "concat"
	MergeLast   MergeStrategy = "last"
	MergeFirst  MergeStrategy = "first"
	MergeSum    MergeStrategy = "sum"
	MergeSet    MergeStrategy = "set"
)

// Merge is one branch-scope-to-context write applied per arrival.
type Merge struct {
	// Source is evaluated in the arriving branch's scope (e.g. $._branch.value)
	Source string `yaml:"source" json:"source"`

	// Target is the context path written (state.* or output.*)
	Target string `yaml:"target" json:"target"`

	// Strategy selects the combine rule
	Strategy MergeStrategy `yaml:"strategy" json:"strategy"`
}

// Ref is a definition reference, optionally pinned to a version with the
// "reference@version" form.
type Ref struct {
	Reference string
	Version   string
}

// ParseRef splits a "reference@version" string. A missing version means
// latest.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("empty definition reference")
	}
	before, after, found := strings.Cut(s, "@")
	if before == "" {
		return Ref{}, fmt.Errorf("definition reference %q has no name", s)
	}
	if found && after == "" {
		return Ref{}, fmt.Errorf("definition reference %q has an empty version", s)
	}
	return Ref{Reference: before, Version: after}, nil
}

// String renders the reference in "reference@version" form.
func (r Ref) String() string {
	if r.Version == "" {
		return r.Reference
	}
	return r.Reference + "@" + r.Version
}

// ParseDefinition parses a workflow definition from YAML or JSON bytes.
// The definition is parsed only; call Validate or use the Loader to obtain
// an executable Graph.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return &def, nil
}

// Node returns the node with the given ref, if declared.
func (d *Definition) Node(ref string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n.Ref == ref {
			return n, true
		}
	}
	return nil, false
}

// Transition returns the transition with the given ref, if declared.
func (d *Definition) Transition(ref string) (*Transition, bool) {
	for _, t := range d.Transitions {
		if t.Ref == ref {
			return t, true
		}
	}
	return nil, false
}

// MaxSpawnBound returns the effective fan-out bound.
func (d *Definition) MaxSpawnBound() int {
	if d.MaxSpawn > 0 && d.MaxSpawn < DefaultMaxSpawn {
		return d.MaxSpawn
	}
	return DefaultMaxSpawn
}
