// Package registrar serves one cell of a message space.
// This file implements the handlers for messages arriving at the registrar.
package registrar

import (
	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
)

// handleMessage applies one inbound message under the topology lock and
// sends the resulting traffic after releasing it.
func (r *Registrar) handleMessage(msg *mams.Message) {
	r.rec.ObserveReceived(metrics.EngineRS, msg.Type.String())

	var out transport.Batch
	r.topo.Lock()
	switch msg.Type {
	case mams.Heartbeat:
		r.handleHeartbeat(msg)
	case mams.Rejection:
		r.handleRejection(msg)
	case mams.RegistrarNoted:
		r.handleRegistrarNoted()
	case mams.CellSpec:
		r.handleCellSpec(msg)
	case mams.NodeRegistration:
		r.handleRegistration(msg, &out)
	case mams.IAmStarting, mams.IAmStopping:
		r.handleMembership(msg, &out)
	case mams.Reconnect:
		r.handleReconnect(msg, &out)
	case mams.Subscribe, mams.Unsubscribe, mams.Invite, mams.Disinvite, mams.NodeStatus:
		r.handleRelay(msg, &out)
	case mams.CellStatus:
		if r.cell.ResyncPeriod > 0 {
			r.forward(&out, mams.CellStatus, 0, msg.UnitNbr, 0, msg.Supplement)
		}
	default:
		r.log.Debug("ignoring inapplicable message", zap.Stringer("pdu", msg.Type))
	}
	nodes := len(r.cell.Census())
	r.topo.Unlock()

	r.rec.SetCellNodes(r.venture.Name(), r.cell.Unit.Name, nodes)
	r.flush(&out)
}

func (r *Registrar) handleHeartbeat(msg *mams.Message) {
	if msg.VentureNbr == 0 {
		r.csMissed = 0
		return
	}
	if msg.VentureNbr != r.venture.Nbr || msg.UnitNbr != r.cell.Unit.Nbr || msg.Memo < 1 || msg.Memo > mams.MaxNodeNbr {
		return
	}
	if node := r.cell.Node(int(msg.Memo)); node != nil {
		node.HeartbeatsMissed = 0
	}
}

// handleRejection stops the registrar when the configuration server refuses
// its announcement.
func (r *Registrar) handleRejection(msg *mams.Message) {
	if r.csEndpoint != nil {
		return
	}
	reason, err := mams.ParseRejection(msg.Supplement)
	if err != nil {
		r.drop(msg, err)
		return
	}
	r.log.Error("configuration server rejected registrar", zap.Stringer("reason", reason))
	if err := r.queue.PushCrash(reason.String()); err != nil {
		r.log.Error("can't enqueue own crash event", zap.Error(err))
	}
}

func (r *Registrar) handleRegistrarNoted() {
	if r.csCandidate < 0 {
		return
	}
	r.csEndpoint = r.topo.CSEndpoints()[r.csCandidate]
	r.csCandidate = -1
	r.csMissed = 0
	r.log.Info("in contact with configuration server", zap.Stringer("cs", r.csEndpoint))
}

// handleCellSpec records the registrar endpoint of a peer cell.
func (r *Registrar) handleCellSpec(msg *mams.Message) {
	unitNbr, name, err := mams.ParseCellSpec(msg.Supplement)
	if err != nil {
		r.drop(msg, err)
		return
	}
	if unitNbr == r.cell.Unit.Nbr {
		return
	}
	unit := r.venture.Unit(unitNbr)
	if unit == nil {
		return
	}
	cell := unit.Cell
	if cell.Endpoint != nil {
		if cell.Endpoint.Name == name {
			return
		}
		r.log.Info("got revised registrar spec; accepting it",
			zap.Int("unit", unitNbr), zap.Stringer("old", cell.Endpoint), zap.String("new", name))
	}
	ep, err := r.cfg.Transport.ParseEndpoint(name)
	if err != nil {
		r.log.Warn("can't load spec for cell", zap.Int("unit", unitNbr), zap.Error(err))
		cell.ClearRegistrar()
		return
	}
	cell.Endpoint = ep
}

// handleRegistration admits a new node to the cell.
func (r *Registrar) handleRegistration(msg *mams.Message, out *transport.Batch) {
	reg, err := mams.ParseRegistration(msg.Supplement)
	if err != nil {
		r.drop(msg, err)
		return
	}
	ep, err := r.cfg.Transport.ParseEndpoint(reg.Endpoint)
	if err != nil {
		r.drop(msg, err)
		return
	}

	if r.cellHeartbeats < censusCycles {
		r.reject(out, ep, msg.Memo, mams.ReasonNoCensusYet)
		return
	}
	nodeNbr := r.cell.FreeSlot()
	if nodeNbr == 0 {
		r.reject(out, ep, msg.Memo, mams.ReasonCellFull)
		return
	}
	role := r.venture.Role(msg.RoleNbr)
	if role == nil {
		r.log.Warn("registration names unknown role", zap.Int("role", msg.RoleNbr), zap.Stringer("endpoint", ep))
		return
	}

	node, err := r.cell.Remember(nodeNbr, role, ep)
	if err != nil {
		r.log.Error("can't register new node", zap.Error(err))
		return
	}
	r.log.Info("node registered",
		zap.Int("node", nodeNbr), zap.String("role", role.Name), zap.Stringer("endpoint", ep))

	out.AddRequired(ep, mams.YouAreIn, msg.Memo, mams.EncodeNodeNbr(nodeNbr), func() {
		r.topo.Lock()
		defer r.topo.Unlock()
		if r.cell.Nodes[nodeNbr] == node {
			r.cell.Forget(nodeNbr)
		}
		r.log.Warn("can't accept node registration", zap.Int("node", nodeNbr))
	})
	r.propagate(out, mams.IAmStarting, role.Nbr, r.cell.Unit.Nbr, nodeNbr, msg.Supplement)
}

// handleMembership applies I_am_starting and I_am_stopping. Announcements
// from the cell's own nodes are propagated venture-wide; those relayed by a
// peer registrar are forwarded to local nodes only.
func (r *Registrar) handleMembership(msg *mams.Message, out *transport.Batch) {
	roleNbr, unitNbr, nodeNbr, err := mams.ParseNodeID(msg.Memo)
	if err != nil {
		r.drop(msg, err)
		return
	}
	if unitNbr != r.cell.Unit.Nbr {
		r.forward(out, msg.Type, roleNbr, unitNbr, nodeNbr, msg.Supplement)
		return
	}
	if msg.Type != mams.IAmStopping {
		return
	}
	r.cell.Forget(nodeNbr)
	r.log.Info("node stopped", zap.Int("node", nodeNbr))
	r.propagate(out, mams.IAmStopping, roleNbr, unitNbr, nodeNbr, msg.Supplement)
}

// handleReconnect readmits a node that registered with a previous run of
// this registrar. The first reconnect seeds the census of nodes expected to
// follow; nodes outside it are told they are dead.
func (r *Registrar) handleReconnect(msg *mams.Message, out *transport.Batch) {
	nodeNbr, name, off, err := mams.ParseReconnectHeader(msg.Supplement)
	if err != nil {
		r.drop(msg, err)
		return
	}
	ep, err := r.cfg.Transport.ParseEndpoint(name)
	if err != nil {
		r.drop(msg, err)
		return
	}

	if r.cellHeartbeats > reconnectGrace {
		out.Add(ep, mams.YouAreDead, 0, nil)
		return
	}

	if off, err = mams.SkipDeliveryVectors(msg.Supplement, off); err != nil {
		r.drop(msg, err)
		return
	}
	if off, err = mams.SkipDeclaration(msg.Supplement, off); err != nil {
		r.drop(msg, err)
		return
	}
	census, err := mams.ParseCensus(msg.Supplement, off)
	if err != nil {
		r.drop(msg, err)
		return
	}
	if nodeNbr < 1 || nodeNbr > mams.MaxNodeNbr {
		r.drop(msg, topology.ErrOutOfRange)
		return
	}

	if r.undeclaredCount > 0 && !r.undeclared[nodeNbr] {
		r.log.Info("reconnecting node not in census", zap.Int("node", nodeNbr))
		out.Add(ep, mams.YouAreDead, 0, nil)
		return
	}
	if r.cell.Nodes[nodeNbr] != nil {
		r.log.Info("node number already reconnected", zap.Int("node", nodeNbr))
		out.Add(ep, mams.YouAreDead, 0, nil)
		return
	}
	role := r.venture.Role(msg.RoleNbr)
	if role == nil {
		r.log.Warn("reconnect names unknown role", zap.Int("role", msg.RoleNbr))
		return
	}
	if _, err := r.cell.Remember(nodeNbr, role, ep); err != nil {
		r.log.Error("can't reconnect node", zap.Error(err))
		return
	}

	if r.undeclaredCount == 0 {
		for _, n := range census {
			if n >= 1 && n <= mams.MaxNodeNbr && !r.undeclared[n] {
				r.undeclared[n] = true
				r.undeclaredCount++
			}
		}
	}
	if r.undeclared[nodeNbr] {
		r.undeclared[nodeNbr] = false
		r.undeclaredCount--
	}

	r.log.Info("node reconnected", zap.Int("node", nodeNbr), zap.Int("undeclared", r.undeclaredCount))
	out.Add(ep, mams.Reconnected, msg.Memo, nil)
}

// handleRelay passes subscription, invitation and status traffic on.
func (r *Registrar) handleRelay(msg *mams.Message, out *transport.Batch) {
	roleNbr, unitNbr, nodeNbr, err := mams.ParseNodeID(msg.Memo)
	if err != nil {
		r.drop(msg, err)
		return
	}
	if unitNbr == r.cell.Unit.Nbr {
		r.propagate(out, msg.Type, roleNbr, unitNbr, nodeNbr, msg.Supplement)
		return
	}
	if r.cell.ResyncPeriod > 0 {
		r.forward(out, msg.Type, roleNbr, unitNbr, nodeNbr, msg.Supplement)
	}
}

func (r *Registrar) reject(out *transport.Batch, ep *mams.Endpoint, memo int32, reason mams.Reason) {
	r.rec.ObserveRejection(metrics.EngineRS, reason.String())
	out.Add(ep, mams.Rejection, memo, mams.EncodeRejection(reason))
}

func (r *Registrar) drop(msg *mams.Message, err error) {
	r.rec.ObserveDropped(metrics.EngineRS)
	r.log.Debug("dropping malformed message", zap.Stringer("pdu", msg.Type), zap.Error(err))
}
