// Package configserver provides the configuration server engine.
// See doc.go for complete package documentation.
package configserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/engine"
	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
)

// ErrNoMatchingEndpoint is returned by Start when the opened endpoint is not
// one of the catalogued CS endpoints.
var ErrNoMatchingEndpoint = errors.New("configserver: endpoint matches no catalogued CS endpoint")

// primacyCycles is the number of heartbeat cycles between I_am_running
// broadcasts down the failover chain.
const primacyCycles = 6

// Config wires a Server to its collaborators.
type Config struct {
	Topology  *topology.Topology
	Transport transport.Service
	Logger    *zap.Logger
	Metrics   *metrics.Recorder

	// EndpointSpec is the address the server binds; it must resolve to a
	// catalogued CS endpoint.
	EndpointSpec string

	// HeartbeatInterval defaults to heartbeat.DefaultInterval.
	HeartbeatInterval time.Duration

	// QueueDepth defaults to event.DefaultDepth.
	QueueDepth int
}

// Server is one configuration server instance.
//
// Lifecycle:
//
//	Stopped --Start--> Starting --> Running --crash event--> Stopped
//
// A stopped Server may be started again; every start rebuilds the queue,
// transport interface and heartbeat task.
type Server struct {
	cfg   Config
	log   *zap.Logger
	topo  *topology.Topology
	rec   *metrics.Recorder
	state engine.StateVar

	// Guarded by mu; replaced on every Start.
	mu       sync.Mutex
	queue    *event.Queue
	ifc      transport.Interface
	hb       *heartbeat.Scheduler
	done     chan struct{}
	chainPos int

	// Guarded by the topology lock.
	cycleCount int
}

// New returns a stopped server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:  cfg,
		log:  log.With(zap.String("component", metrics.EngineCS)),
		topo: cfg.Topology,
		rec:  cfg.Metrics,
	}
}

// Start binds the configured endpoint, locates it in the failover chain and
// launches the heartbeat and main tasks.
//
// Returns:
//   - engine.ErrAlreadyStarted if the server is not stopped
//   - ErrNoMatchingEndpoint if the bound endpoint is not catalogued
//   - Any error from the transport while opening the endpoint
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CompareAndSwap(engine.Stopped, engine.Starting) {
		return engine.ErrAlreadyStarted
	}

	q := event.NewQueue(s.cfg.QueueDepth)
	ifc, err := s.cfg.Transport.Open(s.cfg.EndpointSpec, transport.Identity{}, q)
	if err != nil {
		q.Close()
		s.state.Store(engine.Stopped)
		return fmt.Errorf("open CS endpoint %q: %w", s.cfg.EndpointSpec, err)
	}

	s.topo.RLock()
	pos := s.topo.CSEndpointIndex(ifc.Endpoint())
	s.topo.RUnlock()
	if pos < 0 {
		ifc.Close()
		q.Close()
		s.state.Store(engine.Stopped)
		return fmt.Errorf("%w: %s", ErrNoMatchingEndpoint, ifc.Endpoint())
	}

	s.topo.Lock()
	s.cycleCount = primacyCycles
	s.topo.Unlock()

	s.queue = q
	s.ifc = engine.Instrument(ifc, s.rec, metrics.EngineCS)
	s.chainPos = pos
	s.done = make(chan struct{})
	s.hb = heartbeat.NewScheduler(s.cfg.HeartbeatInterval, s.heartbeatCycle, s.log)
	s.state.Store(engine.Running)
	s.hb.Start()
	go s.run(q, s.ifc, s.hb, s.done)

	s.log.Info("configuration server running",
		zap.String("endpoint", ifc.Endpoint()), zap.Int("chain_position", pos))
	return nil
}

// Stop asks the main task to terminate and waits for it. Stopping a server
// that is not running is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if err := s.queue.PushCrash(engine.ReasonStopped); err != nil {
		s.queue.Close()
	}
	<-s.done
}

// Running reports whether the main task is processing events.
func (s *Server) Running() bool {
	return s.state.Load() == engine.Running
}

// State returns the lifecycle state.
func (s *Server) State() engine.State {
	return s.state.Load()
}

// Endpoint returns the bound endpoint name, or "" when never started.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ifc == nil {
		return ""
	}
	return s.ifc.Endpoint()
}

// Done returns a channel closed when the current run ends, or nil if the
// server was never started.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) run(q *event.Queue, ifc transport.Interface, hb *heartbeat.Scheduler, done chan struct{}) {
	reason := engine.Drain(q, func(evt event.Event) {
		if evt.Kind == event.MsgEvt {
			s.handleMessage(evt.Msg)
		}
	})

	hb.Stop()
	if err := ifc.Close(); err != nil {
		s.log.Warn("closing CS endpoint", zap.Error(err))
	}
	q.Close()
	s.rec.ObserveStop(metrics.EngineCS, reason)
	s.log.Info("configuration server terminated", zap.String("reason", reason))
	s.state.Store(engine.Stopped)
	close(done)
}

// flush sends out after the topology lock has been released.
func (s *Server) flush(out *transport.Batch) {
	if out.Len() == 0 {
		return
	}
	_ = out.Flush(s.ifc, func(d transport.Delivery, err error) {
		s.log.Warn("send failed",
			zap.Stringer("pdu", d.Type), zap.Stringer("to", d.To), zap.Error(err))
	})
}
