package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeStream(t *testing.T) {
	assert.Equal(t, StreamEvents, EventWorkflowStarted.Stream())
	assert.Equal(t, StreamEvents, EventNodeFailed.Stream())
	assert.Equal(t, StreamTrace, TraceTokenCreated.Stream())
	assert.Equal(t, StreamTrace, TraceSnapshotTaken.Stream())
	assert.Equal(t, StreamTrace, TraceLateResult.Stream())
	assert.Equal(t, EventType("trace.late_result"), TraceLateResult)
}

func testEvent(runID string, typ EventType, payload map[string]any) Event {
	return Event{
		Sequence:  1,
		Timestamp: time.Now(),
		RunID:     runID,
		Type:      typ,
		Payload:   payload,
	}
}

func TestHubFiltering(t *testing.T) {
	hub := NewHub(8)
	defer hub.Close()

	all := hub.Subscribe(StreamEvents, Filter{})
	byRun := hub.Subscribe(StreamEvents, Filter{RunID: "run-a"})
	byType := hub.Subscribe(StreamEvents, Filter{Types: []EventType{EventWorkflowCompleted}})
	byPayload := hub.Subscribe(StreamEvents, Filter{Payload: map[string]any{"kind": "Cancelled"}})
	traceOnly := hub.Subscribe(StreamTrace, Filter{})

	hub.Publish(testEvent("run-a", EventWorkflowStarted, nil))
	hub.Publish(testEvent("run-b", EventWorkflowCompleted, nil))
	hub.Publish(testEvent("run-b", EventWorkflowFailed, map[string]any{"kind": "Cancelled"}))
	hub.Publish(testEvent("run-a", TraceTokenCreated, nil))

	assert.Len(t, all.Events(), 3)
	assert.Len(t, byRun.Events(), 1)
	assert.Len(t, byType.Events(), 1)
	assert.Len(t, byPayload.Events(), 1)
	assert.Len(t, traceOnly.Events(), 1)

	got := <-byType.Events()
	assert.Equal(t, EventWorkflowCompleted, got.Type)
	assert.Equal(t, "run-b", got.RunID)
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub(2)
	defer hub.Close()

	slow := hub.Subscribe(StreamEvents, Filter{})
	for range 5 {
		hub.Publish(testEvent("run-a", EventWorkflowStarted, nil))
	}

	// Buffer held two events; the third publish disconnected the consumer.
	var received int
	for range slow.Events() {
		received++
	}
	assert.Equal(t, 2, received)
	assert.True(t, slow.Dropped())

	// The hub keeps serving other subscribers.
	fresh := hub.Subscribe(StreamEvents, Filter{})
	hub.Publish(testEvent("run-a", EventWorkflowStarted, nil))
	require.Len(t, fresh.Events(), 1)
}

// Dropped is polled by socket pumps while the hub is publishing; the two
// must be safe to run concurrently.
func TestHubDroppedConcurrentWithPublish(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()

	sub := hub.Subscribe(StreamEvents, Filter{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !sub.Dropped() {
			time.Sleep(time.Millisecond)
		}
	}()

	for range 10 {
		hub.Publish(testEvent("run-a", EventWorkflowStarted, nil))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never marked dropped")
	}
	assert.True(t, sub.Dropped())
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe(StreamEvents, Filter{})
	hub.Unsubscribe(sub.ID())

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	hub.Publish(testEvent("run-a", EventWorkflowStarted, nil))
}
