// Package registrar serves one cell of a message space.
// This file implements the heartbeat cycle: CS contact, node probes and resync.
package registrar

import (
	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/transport"
)

// heartbeatCycle keeps contact with the configuration server, probes the
// cell's nodes every probeCycles cycles and broadcasts the census when the
// resync period elapses.
func (r *Registrar) heartbeatCycle() {
	var out transport.Batch

	r.topo.Lock()
	if r.csMissed >= heartbeat.MaxMissed && r.csEndpoint != nil {
		r.log.Warn("lost contact with configuration server", zap.Stringer("cs", r.csEndpoint))
		r.rec.ObserveCSLost()
		r.csEndpoint = nil
	}

	toCS := &mams.Message{Type: mams.Heartbeat}
	if r.csEndpoint == nil {
		supp, err := mams.EncodeEndpoint(r.ifc.Endpoint())
		if err != nil {
			r.log.Error("can't encode own endpoint", zap.Error(err))
			toCS = nil
		} else {
			toCS = &mams.Message{Type: mams.AnnounceRegistrar, Supplement: supp}
		}
	}
	if toCS != nil {
		if err := r.queue.Push(event.Event{Kind: event.MsgToSendEvt, Msg: toCS}); err != nil {
			r.log.Warn("can't enqueue message to CS", zap.Stringer("pdu", toCS.Type), zap.Error(err))
		}
	}
	r.csMissed++

	if r.cycleCount >= probeCycles {
		r.cycleCount = 0
		r.probeNodes(&out)
	}

	if r.cell.ResyncPeriod > 0 {
		r.beatsSinceResync++
		if r.beatsSinceResync == r.cell.ResyncPeriod {
			r.resync(&out)
			r.beatsSinceResync = 0
		}
	}
	r.cycleCount++
	nodes := len(r.cell.Census())
	r.topo.Unlock()

	r.rec.ObserveHeartbeatCycle(metrics.EngineRS)
	r.rec.SetCellNodes(r.venture.Name(), r.cell.Unit.Name, nodes)
	r.flush(&out)
}

// probeNodes advances the census clock and heartbeats every node, imputing
// death to those that have missed heartbeat.MaxMissed probes. Caller holds
// the topology lock.
func (r *Registrar) probeNodes(out *transport.Batch) {
	// The census clock starts on first contact with the CS.
	if r.csEndpoint != nil || r.cellHeartbeats > 0 {
		r.cellHeartbeats++
	}

	for i := 1; i <= mams.MaxNodeNbr; i++ {
		node := r.cell.Nodes[i]
		if node == nil {
			continue
		}
		if node.HeartbeatsMissed >= heartbeat.MaxMissed {
			r.log.Warn("node presumed dead", zap.Int("node", i), zap.Stringer("endpoint", node.Endpoint))
			r.rec.ObserveNodeDead()
			out.Add(node.Endpoint, mams.YouAreDead, 0, nil)
			r.propagate(out, mams.IAmStopping, node.Role.Nbr, r.cell.Unit.Nbr, i, nil)
			r.cell.Forget(i)
			continue
		}
		out.Add(node.Endpoint, mams.Heartbeat, 0, nil)
		node.HeartbeatsMissed++
	}
}
