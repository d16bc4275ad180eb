// Package engine holds the lifecycle pieces shared by the configuration
// server and registrar: the instance state, the main-task drain loop and
// the instrumented transport interface.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/transport"
)

// Stop reasons carried by crash events.
const (
	ReasonStopped   = "Stopped"
	ReasonOutranked = "Outranked"
	ReasonClosed    = "Queue closed"
)

// ErrAlreadyStarted is returned by Start on an instance that is not stopped.
var ErrAlreadyStarted = errors.New("engine: already started")

// State is the lifecycle state of an engine instance.
type State int32

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// StateVar is an atomically updated State.
type StateVar struct {
	v atomic.Int32
}

// Load returns the current state.
func (s *StateVar) Load() State { return State(s.v.Load()) }

// Store sets the state.
func (s *StateVar) Store(st State) { s.v.Store(int32(st)) }

// CompareAndSwap moves from old to new if the state is still old.
func (s *StateVar) CompareAndSwap(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

// Drain consumes q in order, passing every non-crash event to handle, until
// a crash event arrives or the queue closes. It returns the stop reason.
func Drain(q *event.Queue, handle func(event.Event)) string {
	for {
		evt, err := q.Next(context.Background())
		if err != nil {
			return ReasonClosed
		}
		if evt.Kind == event.CrashEvt {
			return evt.Reason
		}
		handle(evt)
	}
}

// Instrument wraps ifc so every send is counted under engine.
func Instrument(ifc transport.Interface, rec *metrics.Recorder, engine string) transport.Interface {
	if rec == nil {
		return ifc
	}
	return &instrumented{Interface: ifc, rec: rec, engine: engine}
}

type instrumented struct {
	transport.Interface
	rec    *metrics.Recorder
	engine string
}

func (i *instrumented) Send(ep *mams.Endpoint, t mams.PduType, memo int32, supplement []byte) error {
	err := i.Interface.Send(ep, t, memo, supplement)
	if err != nil {
		i.rec.ObserveSendFailure(i.engine, t.String())
		return err
	}
	i.rec.ObserveSent(i.engine, t.String())
	return nil
}
