package coordinator

import (
	"context"
	"time"
)

// RunStore persists runs, events, and snapshots to the resource service.
// All methods must be safe for concurrent use; the coordinator calls them
// from per-run persister goroutines, never from the actors themselves.
type RunStore interface {
	// CreateRun records a new run before its actor starts.
	CreateRun(ctx context.Context, info RunInfo, input map[string]any) error

	// UpdateRunStatus records a run status change.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, failure *FailureInfo, completedAt *time.Time) error

	// PersistSnapshot stores the latest frozen context and active token set
	// for crash recovery. Snapshots are derived views and may be discarded.
	PersistSnapshot(ctx context.Context, runID string, snapshot map[string]any, active []*Token) error

	// AppendEvents appends released events to the run's log.
	AppendEvents(ctx context.Context, runID string, stream Stream, events []Event) error

	// Events loads persisted events by sequence range, inclusive. A zero
	// `to` means no upper bound.
	Events(ctx context.Context, runID string, stream Stream, from, to uint64) ([]Event, error)
}

const persistQueueSize = 4096

// persister drains persistence work off the actor goroutine so the actor
// never blocks on store I/O. Work items run in submission order. A nil
// persister (no store configured) absorbs all calls.
type persister struct {
	runID string
	store RunStore
	ch    chan func(context.Context, RunStore)
	done  chan struct{}
}

func newPersister(store RunStore, runID string) *persister {
	if store == nil {
		return nil
	}
	p := &persister{
		runID: runID,
		store: store,
		ch:    make(chan func(context.Context, RunStore), persistQueueSize),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer close(p.done)
	ctx := context.Background()
	for fn := range p.ch {
		fn(ctx, p.store)
	}
}

func (p *persister) enqueue(fn func(context.Context, RunStore)) {
	if p == nil {
		return
	}
	p.ch <- fn
}

// close flushes queued work and stops the loop.
func (p *persister) close() {
	if p == nil {
		return
	}
	close(p.ch)
	<-p.done
}

func (p *persister) appendEvent(ev Event) {
	if p == nil {
		return
	}
	runID, stream := p.runID, ev.Type.Stream()
	p.enqueue(func(ctx context.Context, s RunStore) {
		_ = s.AppendEvents(ctx, runID, stream, []Event{ev})
	})
}

func (p *persister) updateStatus(status RunStatus, failure *FailureInfo, completedAt *time.Time) {
	if p == nil {
		return
	}
	runID := p.runID
	p.enqueue(func(ctx context.Context, s RunStore) {
		_ = s.UpdateRunStatus(ctx, runID, status, failure, completedAt)
	})
}

func (p *persister) persistSnapshot(snapshot map[string]any, active []*Token) {
	if p == nil {
		return
	}
	runID := p.runID
	tokens := make([]*Token, len(active))
	for i, t := range active {
		cp := *t
		tokens[i] = &cp
	}
	p.enqueue(func(ctx context.Context, s RunStore) {
		_ = s.PersistSnapshot(ctx, runID, snapshot, tokens)
	})
}
