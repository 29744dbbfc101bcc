// Package resource persists workflow definitions, runs, events, and
// snapshots. It backs both the definition loader and the coordinator's
// run store.
package resource

import (
	"context"
	"time"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/workflow"
)

// Store is the full resource service surface: definition resolution for the
// loader plus run/event/snapshot persistence for the coordinator.
type Store interface {
	workflow.Resolver
	coordinator.RunStore

	// SaveDefinition stores a workflow definition under its reference and
	// version. Saving the same pair twice replaces the body.
	SaveDefinition(ctx context.Context, def *workflow.Definition) error

	// SaveTask stores a shared task definition.
	SaveTask(ctx context.Context, reference, version string, task *workflow.Task) error

	// SaveAction stores a shared action definition.
	SaveAction(ctx context.Context, reference, version string, action *workflow.Action) error

	// LoadRun returns a persisted run by id.
	LoadRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns persisted runs, newest first, up to limit. A non
	// positive limit returns everything.
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)

	Close() error
}

// RunRecord is the persisted shape of a run.
type RunRecord struct {
	RunID         string                   `json:"runId"`
	Definition    string                   `json:"definition"`
	Status        coordinator.RunStatus    `json:"status"`
	Failure       *coordinator.FailureInfo `json:"failure,omitempty"`
	Input         map[string]any           `json:"input,omitempty"`
	ParentRunID   string                   `json:"parentRunId,omitempty"`
	ParentTokenID string                   `json:"parentTokenId,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
	CompletedAt   *time.Time               `json:"completedAt,omitempty"`
}

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = Error("resource not found")

// Error is a sentinel string error.
type Error string

func (e Error) Error() string { return string(e) }
