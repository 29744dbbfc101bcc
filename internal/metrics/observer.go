package metrics

import (
	"sync"
	"time"

	"github.com/wonderhq/wonder/pkg/coordinator"
)

// Subscriber is the event source the observer attaches to. The coordinator
// satisfies it.
type Subscriber interface {
	Subscribe(stream coordinator.Stream, filter coordinator.Filter) *coordinator.Subscription
	Unsubscribe(id string)
}

// Observer converts the coordinator's event streams into Prometheus
// metrics. It is a plain hub subscriber; if it falls behind it gets
// disconnected like any other and the counters go stale rather than the
// coordinator blocking.
type Observer struct {
	source Subscriber

	mu     sync.Mutex
	starts map[string]time.Time

	events *coordinator.Subscription
	trace  *coordinator.Subscription
	wg     sync.WaitGroup
}

// NewObserver attaches an observer to the source and starts consuming.
func NewObserver(source Subscriber) *Observer {
	o := &Observer{
		source: source,
		starts: map[string]time.Time{},
		events: source.Subscribe(coordinator.StreamEvents, coordinator.Filter{}),
		trace: source.Subscribe(coordinator.StreamTrace, coordinator.Filter{
			Types: []coordinator.EventType{
				coordinator.TraceFanInFired,
				coordinator.TraceFanInLateArrival,
			},
		}),
	}
	o.wg.Add(2)
	go o.consumeEvents()
	go o.consumeTrace()
	return o
}

// Close detaches the observer and waits for its consumers to drain.
func (o *Observer) Close() {
	o.source.Unsubscribe(o.events.ID())
	o.source.Unsubscribe(o.trace.ID())
	o.wg.Wait()
}

func (o *Observer) consumeEvents() {
	defer o.wg.Done()
	for ev := range o.events.Events() {
		eventsPublished.WithLabelValues(string(coordinator.StreamEvents)).Inc()
		switch ev.Type {
		case coordinator.EventWorkflowStarted:
			o.noteStart(ev)
			recordRunStarted()
		case coordinator.EventWorkflowCompleted:
			recordRunFinished("completed", o.elapsed(ev))
		case coordinator.EventWorkflowFailed:
			recordRunFinished("failed", o.elapsed(ev))
		case coordinator.EventNodeCompleted:
			recordNodeFinished(ev.NodeRef, "completed")
		case coordinator.EventNodeFailed:
			recordNodeFinished(ev.NodeRef, "failed")
		}
	}
}

func (o *Observer) consumeTrace() {
	defer o.wg.Done()
	for ev := range o.trace.Events() {
		eventsPublished.WithLabelValues(string(coordinator.StreamTrace)).Inc()
		switch ev.Type {
		case coordinator.TraceFanInFired:
			fanInsFired.Inc()
		case coordinator.TraceFanInLateArrival:
			lateArrivals.Inc()
		}
	}
}

func (o *Observer) noteStart(ev coordinator.Event) {
	o.mu.Lock()
	o.starts[ev.RunID] = ev.Timestamp
	o.mu.Unlock()
}

// elapsed returns the run duration in seconds, or -1 when the start was
// never observed (observer attached mid-run).
func (o *Observer) elapsed(ev coordinator.Event) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.starts[ev.RunID]
	if !ok {
		return -1
	}
	delete(o.starts, ev.RunID)
	return ev.Timestamp.Sub(start).Seconds()
}
