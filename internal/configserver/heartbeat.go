// Package configserver provides the configuration server engine.
// This file implements registrar liveness tracking and primacy assertion.
package configserver

import (
	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/transport"
)

// heartbeatCycle probes every bound registrar, clearing those that have
// missed heartbeat.MaxMissed beats, and every primacyCycles cycles tells
// the lower-priority CS endpoints that this one is running.
func (s *Server) heartbeatCycle() {
	var out transport.Batch
	bound := 0

	s.topo.Lock()
	if s.cycleCount >= primacyCycles {
		s.cycleCount = 0
		for _, ep := range s.topo.CSEndpoints()[s.chainPos+1:] {
			out.Add(ep, mams.IAmRunning, 0, nil)
		}
	}

	for _, v := range s.topo.Ventures() {
		for _, cell := range v.Cells() {
			if cell.Endpoint == nil {
				continue
			}
			if cell.HeartbeatsMissed >= heartbeat.MaxMissed {
				s.log.Warn("registrar presumed dead",
					zap.String("venture", v.Name()), zap.Int("unit", cell.Unit.Nbr),
					zap.Stringer("endpoint", cell.Endpoint))
				s.rec.ObserveRegistrarExpired()
				cell.ClearRegistrar()
				continue
			}
			out.Add(cell.Endpoint, mams.Heartbeat, 0, nil)
			cell.HeartbeatsMissed++
			bound++
		}
	}
	s.cycleCount++
	s.topo.Unlock()

	s.rec.ObserveHeartbeatCycle(metrics.EngineCS)
	s.rec.SetBoundRegistrars(bound)
	s.flush(&out)
}
