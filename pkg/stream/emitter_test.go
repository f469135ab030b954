package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestEmitterSequenceMonotonic(t *testing.T) {
	e := NewEmitter(context.Background(), "run-1", "conv-1", 16)

	go func() {
		e.Emit(Event{Type: EventRunStart})
		e.Emit(Event{Type: EventStepStart, StepIndex: 0})
		e.Emit(Event{Type: EventToken, Delta: "hi", Accumulated: "hi"})
		e.Emit(Event{Type: EventStepComplete, StepIndex: 0})
		e.Emit(Event{Type: EventRunEnd})
		e.Close()
	}()

	events := collect(e.Events())
	require.Len(t, events, 5)
	assert.Equal(t, EventRunStart, events[0].Type)
	assert.Equal(t, EventRunEnd, events[len(events)-1].Type)

	var prev int64 = -1
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.GreaterOrEqual(t, ev.EmittedAt, prev)
		prev = ev.EmittedAt
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "conv-1", ev.ThreadID)
	}
}

func TestEmitterStopsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEmitter(ctx, "run-1", "", 1)

	require.True(t, e.Emit(Event{Type: EventRunStart}))
	cancel()

	// After cancellation is observed, nothing else is delivered; the
	// stream ends without run-end.
	assert.False(t, e.Emit(Event{Type: EventToken}))
	assert.False(t, e.Emit(Event{Type: EventRunEnd}))

	events := collect(e.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EventRunStart, events[0].Type)
}

func TestEmitterCloseIdempotent(t *testing.T) {
	e := NewEmitter(context.Background(), "run-1", "", 0)
	e.Close()
	e.Close()
	assert.False(t, e.Emit(Event{Type: EventRunStart}))
}
