// Package configserver provides the configuration server engine.
// This file implements the handlers for registrar announcements and queries.
package configserver

import (
	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/engine"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
)

// handleMessage applies one inbound message under the topology lock and
// sends the resulting replies after releasing it.
func (s *Server) handleMessage(msg *mams.Message) {
	s.rec.ObserveReceived(metrics.EngineCS, msg.Type.String())

	if msg.Type == mams.IAmRunning {
		s.log.Warn("another configuration server is running; yielding")
		if err := s.queue.PushCrash(engine.ReasonOutranked); err != nil {
			s.log.Error("can't enqueue own crash event", zap.Error(err))
		}
		return
	}

	var out transport.Batch
	s.topo.Lock()
	unit := s.topo.Venture(msg.VentureNbr).Unit(msg.UnitNbr)
	switch msg.Type {
	case mams.Heartbeat:
		s.handleHeartbeat(unit)
	case mams.AnnounceRegistrar:
		s.handleAnnounce(msg, unit, &out)
	case mams.RegistrarQuery:
		s.handleQuery(msg, unit, &out)
	default:
		s.log.Debug("ignoring inapplicable message", zap.Stringer("pdu", msg.Type))
	}
	s.topo.Unlock()

	s.flush(&out)
}

func (s *Server) handleHeartbeat(unit *topology.Unit) {
	if unit == nil || unit.Cell.Endpoint == nil {
		return
	}
	unit.Cell.HeartbeatsMissed = 0
}

// handleAnnounce binds or confirms a cell's registrar and exchanges cell
// specs between it and every other registrar of the venture.
func (s *Server) handleAnnounce(msg *mams.Message, unit *topology.Unit, out *transport.Batch) {
	ep := s.senderEndpoint(msg)
	if ep == nil {
		return
	}

	if unit == nil {
		s.reject(out, ep, msg.Memo, mams.ReasonNoSuchUnit)
		return
	}

	cell := unit.Cell
	if cell.Endpoint != nil && cell.Endpoint.Name != ep.Name {
		s.log.Info("registrar already bound for unit",
			zap.Int("unit", unit.Nbr), zap.Stringer("bound", cell.Endpoint), zap.Stringer("claimant", ep))
		s.reject(out, ep, msg.Memo, mams.ReasonDuplicate)
		return
	}

	if cell.Endpoint == nil {
		s.log.Info("registrar noted",
			zap.String("venture", unit.Venture.Name()), zap.Int("unit", unit.Nbr), zap.Stringer("endpoint", ep))
	}
	cell.Endpoint = ep
	cell.HeartbeatsMissed = 0
	out.Add(ep, mams.RegistrarNoted, msg.Memo, nil)

	spec, err := mams.EncodeCellSpec(unit.Nbr, ep.Name)
	if err != nil {
		s.log.Error("can't announce new registrar", zap.Int("unit", unit.Nbr), zap.Error(err))
		return
	}

	peers := 0
	for _, other := range unit.Venture.Cells() {
		if other == cell || other.Endpoint == nil {
			continue
		}
		peers++
		out.Add(other.Endpoint, mams.CellSpec, 0, spec)

		otherSpec, err := mams.EncodeCellSpec(other.Unit.Nbr, other.Endpoint.Name)
		if err != nil {
			s.log.Error("can't orient new registrar", zap.Int("unit", other.Unit.Nbr), zap.Error(err))
			continue
		}
		out.Add(ep, mams.CellSpec, 0, otherSpec)
	}

	if peers == 0 {
		out.Add(ep, mams.CellSpec, 0, spec)
	}
}

// handleQuery tells the querier which registrar serves the unit named in the
// message header.
func (s *Server) handleQuery(msg *mams.Message, unit *topology.Unit, out *transport.Batch) {
	ep := s.senderEndpoint(msg)
	if ep == nil {
		return
	}

	if unit == nil || unit.Cell.Endpoint == nil {
		out.Add(ep, mams.RegistrarUnknown, msg.Memo, nil)
		return
	}

	spec, err := mams.EncodeCellSpec(unit.Nbr, unit.Cell.Endpoint.Name)
	if err != nil {
		s.log.Error("can't report on registrar", zap.Int("unit", unit.Nbr), zap.Error(err))
		return
	}
	out.Add(ep, mams.CellSpec, msg.Memo, spec)
}

// senderEndpoint parses the reply endpoint carried in the supplement, or
// returns nil when the message must be dropped.
func (s *Server) senderEndpoint(msg *mams.Message) *mams.Endpoint {
	name, err := mams.ParseEndpoint(msg.Supplement)
	if err != nil {
		s.drop(msg, err)
		return nil
	}
	ep, err := s.cfg.Transport.ParseEndpoint(name)
	if err != nil {
		s.drop(msg, err)
		return nil
	}
	return ep
}

func (s *Server) reject(out *transport.Batch, ep *mams.Endpoint, memo int32, reason mams.Reason) {
	s.rec.ObserveRejection(metrics.EngineCS, reason.String())
	out.Add(ep, mams.Rejection, memo, mams.EncodeRejection(reason))
}

func (s *Server) drop(msg *mams.Message, err error) {
	s.rec.ObserveDropped(metrics.EngineCS)
	s.log.Debug("dropping malformed message", zap.Stringer("pdu", msg.Type), zap.Error(err))
}
