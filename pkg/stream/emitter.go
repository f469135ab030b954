package stream

import (
	"context"
	"sync"
)

// Emitter is the single writer of a turn's event stream. Sequence numbers
// increase by exactly one per emitted event, across handoff hops. Once the
// consumer context is cancelled no further events are delivered, and the
// stream may end without run-end.
type Emitter struct {
	mu     sync.Mutex
	ctx    context.Context
	out    chan Event
	seq    uint64
	runID  string
	thread string
	closed bool
}

// NewEmitter builds an emitter bound to the consumer's context. buffer
// decouples the producer from a slow consumer; 0 is valid.
func NewEmitter(ctx context.Context, runID, threadID string, buffer int) *Emitter {
	return &Emitter{
		ctx:    ctx,
		out:    make(chan Event, buffer),
		runID:  runID,
		thread: threadID,
	}
}

// Events is the consumer side. Closed when the producer finishes or the
// context is cancelled.
func (e *Emitter) Events() <-chan Event { return e.out }

// Emit stamps sequence, timestamp, and run identity onto the event and
// delivers it. Returns false once cancellation has been observed; the
// producer should stop emitting.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case <-e.ctx.Done():
		e.closeLocked()
		return false
	default:
	}

	ev.Sequence = e.seq
	ev.EmittedAt = now()
	ev.RunID = e.runID
	ev.ThreadID = e.thread

	select {
	case e.out <- ev:
		e.seq++
		return true
	case <-e.ctx.Done():
		e.closeLocked()
		return false
	}
}

// Close ends the stream. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

func (e *Emitter) closeLocked() {
	if !e.closed {
		e.closed = true
		close(e.out)
	}
}

// Sequence returns the next sequence number to be assigned.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
