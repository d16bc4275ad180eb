// Package event provides the per-engine event queue: a bounded FIFO that any
// number of producers feed without blocking and a single consumer drains.
package event

import (
	"context"
	"errors"
	"sync"

	"github.com/dreamware/amsd/internal/mams"
)

// Kind tags an Event.
type Kind int

const (
	// MsgEvt carries an inbound protocol message.
	MsgEvt Kind = iota + 1
	// MsgToSendEvt carries an outbound message the consumer must send.
	MsgToSendEvt
	// CrashEvt asks the consumer to shut its engine down.
	CrashEvt
)

func (k Kind) String() string {
	switch k {
	case MsgEvt:
		return "MAMS_MSG_EVT"
	case MsgToSendEvt:
		return "MSG_TO_SEND_EVT"
	case CrashEvt:
		return "CRASH_EVT"
	default:
		return "UNKNOWN_EVT"
	}
}

// Event is one queue entry. Ownership of Msg passes to the consumer.
type Event struct {
	Kind   Kind
	Msg    *mams.Message
	Reason string // CrashEvt only
}

var (
	// ErrQueueFull is returned when a producer finds the queue at capacity.
	ErrQueueFull = errors.New("event: queue full")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("event: queue closed")
)

// DefaultDepth is the capacity used when NewQueue is given a non-positive depth.
const DefaultDepth = 1024

// Queue is a bounded, thread-safe event FIFO.
type Queue struct {
	ch     chan Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding at most depth pending events.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{
		ch:   make(chan Event, depth),
		done: make(chan struct{}),
	}
}

// Push enqueues evt without blocking.
func (q *Queue) Push(evt Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

// PushMsg enqueues an inbound protocol message.
func (q *Queue) PushMsg(msg *mams.Message) error {
	return q.Push(Event{Kind: MsgEvt, Msg: msg})
}

// PushCrash enqueues a shutdown request carrying reason.
func (q *Queue) PushCrash(reason string) error {
	return q.Push(Event{Kind: CrashEvt, Reason: reason})
}

// Next blocks until an event is available, ctx ends, or the queue closes.
// Events are returned strictly in the order they were pushed.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	select {
	case evt := <-q.ch:
		return evt, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-q.done:
		return Event{}, ErrQueueClosed
	}
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close rejects further pushes and wakes a blocked consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
