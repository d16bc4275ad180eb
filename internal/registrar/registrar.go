// Package registrar serves one cell of a message space.
// See doc.go for complete package documentation.
package registrar

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/engine"
	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
)

var (
	// ErrNoSuchVenture is returned by Start when no venture matches the
	// configured application and authority names.
	ErrNoSuchVenture = errors.New("registrar: no such venture")
	// ErrNoSuchUnit is returned by Start when the venture has no unit of the
	// configured name.
	ErrNoSuchUnit = errors.New("registrar: no such unit")
)

const (
	// censusCycles is the number of node-probe cycles after first CS contact
	// before node registrations are accepted.
	censusCycles = 4

	// reconnectGrace is the number of node-probe cycles after which a
	// reconnect is answered you_are_dead.
	reconnectGrace = 3

	// probeCycles is the number of heartbeat cycles between node probes.
	probeCycles = 2
)

// Config wires a Registrar to its collaborators.
type Config struct {
	Topology  *topology.Topology
	Transport transport.Service
	Logger    *zap.Logger
	Metrics   *metrics.Recorder

	// AppName, AuthorityName and UnitName select the cell served.
	AppName       string
	AuthorityName string
	UnitName      string

	// EndpointSpec is the address the registrar binds; empty lets the
	// transport choose.
	EndpointSpec string

	// HeartbeatInterval defaults to heartbeat.DefaultInterval.
	HeartbeatInterval time.Duration

	// QueueDepth defaults to event.DefaultDepth.
	QueueDepth int
}

// Registrar serves one cell.
//
// Lifecycle:
//
//	Stopped --Start--> Starting --> Running --crash event--> Stopped
//
// Every Start begins with an empty cell; membership is rebuilt through
// registrations and reconnects.
type Registrar struct {
	cfg   Config
	log   *zap.Logger
	topo  *topology.Topology
	rec   *metrics.Recorder
	state engine.StateVar

	// Guarded by mu; replaced on every Start.
	mu      sync.Mutex
	queue   *event.Queue
	ifc     transport.Interface
	hb      *heartbeat.Scheduler
	done    chan struct{}
	venture *topology.Venture
	cell    *topology.Cell

	// Guarded by the topology lock; reset on every Start.
	csEndpoint       *mams.Endpoint
	csCandidate      int
	csMissed         int
	cellHeartbeats   int
	undeclared       [mams.MaxNodeNbr + 1]bool
	undeclaredCount  int
	cycleCount       int
	beatsSinceResync int
}

// New returns a stopped registrar.
func New(cfg Config) *Registrar {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{
		cfg:  cfg,
		log:  log.With(zap.String("component", metrics.EngineRS)),
		topo: cfg.Topology,
		rec:  cfg.Metrics,
	}
}

// Start resolves the configured cell, binds the endpoint and launches the
// heartbeat and main tasks.
//
// Returns:
//   - engine.ErrAlreadyStarted if the registrar is not stopped
//   - ErrNoSuchVenture or ErrNoSuchUnit if the cell cannot be resolved
//   - Any error from the transport while opening the endpoint
func (r *Registrar) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CompareAndSwap(engine.Stopped, engine.Starting) {
		return engine.ErrAlreadyStarted
	}

	r.topo.Lock()
	venture := r.topo.FindVenture(r.cfg.AppName, r.cfg.AuthorityName)
	if venture == nil {
		r.topo.Unlock()
		r.state.Store(engine.Stopped)
		return fmt.Errorf("%w: %s(%s)", ErrNoSuchVenture, r.cfg.AppName, r.cfg.AuthorityName)
	}
	unit := venture.FindUnit(r.cfg.UnitName)
	if unit == nil {
		r.topo.Unlock()
		r.state.Store(engine.Stopped)
		return fmt.Errorf("%w: %q in %s", ErrNoSuchUnit, r.cfg.UnitName, venture.Name())
	}
	r.resetLocked(unit.Cell)
	r.topo.Unlock()

	q := event.NewQueue(r.cfg.QueueDepth)
	id := transport.Identity{VentureNbr: venture.Nbr, UnitNbr: unit.Nbr}
	ifc, err := r.cfg.Transport.Open(r.cfg.EndpointSpec, id, q)
	if err != nil {
		q.Close()
		r.state.Store(engine.Stopped)
		return fmt.Errorf("open registrar endpoint %q: %w", r.cfg.EndpointSpec, err)
	}

	r.venture = venture
	r.cell = unit.Cell
	r.queue = q
	r.ifc = engine.Instrument(ifc, r.rec, metrics.EngineRS)
	r.done = make(chan struct{})
	r.hb = heartbeat.NewScheduler(r.cfg.HeartbeatInterval, r.heartbeatCycle, r.log)
	r.state.Store(engine.Running)
	r.hb.Start()
	go r.run(q, r.ifc, r.hb, r.done)

	r.log.Info("registrar running",
		zap.String("venture", venture.Name()), zap.Int("unit", unit.Nbr),
		zap.String("endpoint", ifc.Endpoint()))
	return nil
}

// resetLocked clears the per-run state and the cell's membership. Caller
// holds the topology lock.
func (r *Registrar) resetLocked(cell *topology.Cell) {
	r.csEndpoint = nil
	r.csCandidate = -1
	r.csMissed = 0
	r.cellHeartbeats = 0
	r.undeclared = [mams.MaxNodeNbr + 1]bool{}
	r.undeclaredCount = 0
	r.cycleCount = 0
	r.beatsSinceResync = -1
	for i := 1; i <= mams.MaxNodeNbr; i++ {
		cell.Forget(i)
	}
}

// Stop asks the main task to terminate and waits for it. Stopping a
// registrar that is not running is a no-op.
func (r *Registrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	if err := r.queue.PushCrash(engine.ReasonStopped); err != nil {
		r.queue.Close()
	}
	<-r.done
}

// Running reports whether the main task is processing events.
func (r *Registrar) Running() bool {
	return r.state.Load() == engine.Running
}

// State returns the lifecycle state.
func (r *Registrar) State() engine.State {
	return r.state.Load()
}

// Endpoint returns the bound endpoint name, or "" when never started.
func (r *Registrar) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ifc == nil {
		return ""
	}
	return r.ifc.Endpoint()
}

// Done returns a channel closed when the current run ends, or nil if the
// registrar was never started.
func (r *Registrar) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// CSEndpoint returns the name of the configuration server the registrar is
// in contact with, or "" while disconnected.
func (r *Registrar) CSEndpoint() string {
	r.topo.RLock()
	defer r.topo.RUnlock()
	if r.csEndpoint == nil {
		return ""
	}
	return r.csEndpoint.Name
}

func (r *Registrar) run(q *event.Queue, ifc transport.Interface, hb *heartbeat.Scheduler, done chan struct{}) {
	reason := engine.Drain(q, func(evt event.Event) {
		switch evt.Kind {
		case event.MsgEvt:
			r.handleMessage(evt.Msg)
		case event.MsgToSendEvt:
			r.sendToCS(evt.Msg)
		}
	})

	hb.Stop()
	if err := ifc.Close(); err != nil {
		r.log.Warn("closing registrar endpoint", zap.Error(err))
	}
	q.Close()
	r.rec.ObserveStop(metrics.EngineRS, reason)
	r.log.Info("registrar terminated", zap.String("reason", reason))
	r.state.Store(engine.Stopped)
	close(done)
}

// sendToCS delivers msg to the bound configuration server or, while
// disconnected, to the next catalogued CS endpoint in round-robin order.
func (r *Registrar) sendToCS(msg *mams.Message) {
	r.topo.Lock()
	ep := r.csEndpoint
	if ep == nil {
		eps := r.topo.CSEndpoints()
		if len(eps) == 0 {
			r.topo.Unlock()
			r.log.Error("configuration server endpoints list empty")
			return
		}
		r.csCandidate = (r.csCandidate + 1) % len(eps)
		ep = eps[r.csCandidate]
	}
	r.topo.Unlock()

	if err := r.ifc.Send(ep, msg.Type, msg.Memo, msg.Supplement); err != nil {
		r.log.Warn("registrar CS contact failed",
			zap.Stringer("pdu", msg.Type), zap.Stringer("to", ep), zap.Error(err))
	}
}

func (r *Registrar) flush(out *transport.Batch) {
	if out.Len() == 0 {
		return
	}
	_ = out.Flush(r.ifc, func(d transport.Delivery, err error) {
		r.log.Warn("send failed",
			zap.Stringer("pdu", d.Type), zap.Stringer("to", d.To), zap.Error(err))
	})
}
