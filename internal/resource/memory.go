package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/workflow"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. It is used by tests and
// by one-shot CLI runs that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[resourceKey]*workflow.Definition
	tasks       map[resourceKey]*workflow.Task
	actions     map[resourceKey]*workflow.Action
	versions    map[string][]string

	runs      map[string]*RunRecord
	events    map[string]map[coordinator.Stream][]coordinator.Event
	snapshots map[string]memorySnapshot
}

type resourceKey struct {
	Kind      string
	Reference string
	Version   string
}

type memorySnapshot struct {
	Context map[string]any
	Tokens  []*coordinator.Token
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[resourceKey]*workflow.Definition{},
		tasks:       map[resourceKey]*workflow.Task{},
		actions:     map[resourceKey]*workflow.Action{},
		versions:    map[string][]string{},
		runs:        map[string]*RunRecord{},
		events:      map[string]map[coordinator.Stream][]coordinator.Event{},
		snapshots:   map[string]memorySnapshot{},
	}
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) noteVersion(kind, reference, version string) {
	id := kind + "/" + reference
	for _, v := range m.versions[id] {
		if v == version {
			return
		}
	}
	m.versions[id] = append(m.versions[id], version)
}

// latestVersion returns the most recently saved version for a reference.
func (m *MemoryStore) latestVersion(kind, reference string) (string, bool) {
	vs := m.versions[kind+"/"+reference]
	if len(vs) == 0 {
		return "", false
	}
	return vs[len(vs)-1], true
}

// SaveDefinition implements Store.
func (m *MemoryStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[resourceKey{kindWorkflow, def.Reference, def.Version}] = def
	m.noteVersion(kindWorkflow, def.Reference, def.Version)
	return nil
}

// SaveTask implements Store.
func (m *MemoryStore) SaveTask(_ context.Context, reference, version string, task *workflow.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[resourceKey{kindTask, reference, version}] = task
	m.noteVersion(kindTask, reference, version)
	return nil
}

// SaveAction implements Store.
func (m *MemoryStore) SaveAction(_ context.Context, reference, version string, action *workflow.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[resourceKey{kindAction, reference, version}] = action
	m.noteVersion(kindAction, reference, version)
	return nil
}

// ResolveDefinition implements workflow.Resolver.
func (m *MemoryStore) ResolveDefinition(_ context.Context, reference, version string) (*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version == "" {
		var ok bool
		if version, ok = m.latestVersion(kindWorkflow, reference); !ok {
			return nil, fmt.Errorf("workflow %s: %w", reference, ErrNotFound)
		}
	}
	def, ok := m.definitions[resourceKey{kindWorkflow, reference, version}]
	if !ok {
		return nil, fmt.Errorf("workflow %s@%s: %w", reference, version, ErrNotFound)
	}
	return def, nil
}

// ResolveTask implements workflow.Resolver.
func (m *MemoryStore) ResolveTask(_ context.Context, reference, version string) (*workflow.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version == "" {
		var ok bool
		if version, ok = m.latestVersion(kindTask, reference); !ok {
			return nil, fmt.Errorf("task %s: %w", reference, ErrNotFound)
		}
	}
	task, ok := m.tasks[resourceKey{kindTask, reference, version}]
	if !ok {
		return nil, fmt.Errorf("task %s@%s: %w", reference, version, ErrNotFound)
	}
	return task, nil
}

// ResolveAction implements workflow.Resolver.
func (m *MemoryStore) ResolveAction(_ context.Context, reference, version string) (*workflow.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version == "" {
		var ok bool
		if version, ok = m.latestVersion(kindAction, reference); !ok {
			return nil, fmt.Errorf("action %s: %w", reference, ErrNotFound)
		}
	}
	action, ok := m.actions[resourceKey{kindAction, reference, version}]
	if !ok {
		return nil, fmt.Errorf("action %s@%s: %w", reference, version, ErrNotFound)
	}
	return action, nil
}

// CreateRun implements coordinator.RunStore.
func (m *MemoryStore) CreateRun(_ context.Context, info coordinator.RunInfo, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[info.RunID]; exists {
		return fmt.Errorf("run %s already exists", info.RunID)
	}
	m.runs[info.RunID] = &RunRecord{
		RunID:         info.RunID,
		Definition:    info.Definition,
		Status:        info.Status,
		Input:         input,
		ParentRunID:   info.ParentRunID,
		ParentTokenID: info.ParentTokenID,
		CreatedAt:     info.CreatedAt,
	}
	return nil
}

// UpdateRunStatus implements coordinator.RunStore.
func (m *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status coordinator.RunStatus, failure *coordinator.FailureInfo, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	rec.Status = status
	rec.Failure = failure
	rec.CompletedAt = completedAt
	return nil
}

// PersistSnapshot implements coordinator.RunStore.
func (m *MemoryStore) PersistSnapshot(_ context.Context, runID string, snapshot map[string]any, active []*coordinator.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[runID] = memorySnapshot{Context: snapshot, Tokens: active}
	return nil
}

// AppendEvents implements coordinator.RunStore.
func (m *MemoryStore) AppendEvents(_ context.Context, runID string, stream coordinator.Stream, events []coordinator.Event) error {
	if len(events) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	streams, ok := m.events[runID]
	if !ok {
		streams = map[coordinator.Stream][]coordinator.Event{}
		m.events[runID] = streams
	}
	streams[stream] = append(streams[stream], events...)
	return nil
}

// Events implements coordinator.RunStore.
func (m *MemoryStore) Events(_ context.Context, runID string, stream coordinator.Stream, from, to uint64) ([]coordinator.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []coordinator.Event
	for _, ev := range m.events[runID][stream] {
		if ev.Sequence < from {
			continue
		}
		if to > 0 && ev.Sequence > to {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// LoadRun implements Store.
func (m *MemoryStore) LoadRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot returns the latest persisted snapshot for a run, if any.
func (m *MemoryStore) Snapshot(runID string) (map[string]any, []*coordinator.Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[runID]
	return snap.Context, snap.Tokens, ok
}
