// Package metrics exposes Prometheus counters and gauges for the daemon's
// configuration servers and registrars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine label values.
const (
	EngineCS = "cs"
	EngineRS = "rs"
)

// Recorder records protocol activity. A nil *Recorder discards everything.
type Recorder struct {
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	crashes        *prometheus.CounterVec
	expired        prometheus.Counter
	nodesDead      prometheus.Counter
	csLost         prometheus.Counter
	registrars     prometheus.Gauge
	nodes          *prometheus.GaugeVec
	heartbeatCycle *prometheus.CounterVec
}

// NewRecorder registers metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_pdus_received_total",
			Help: "Protocol messages received grouped by engine and PDU type",
		}, []string{"engine", "pdu"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_pdus_sent_total",
			Help: "Protocol messages sent grouped by engine and PDU type",
		}, []string{"engine", "pdu"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_send_failures_total",
			Help: "Transport send failures grouped by engine and PDU type",
		}, []string{"engine", "pdu"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_rejections_total",
			Help: "Rejections issued grouped by engine and reason",
		}, []string{"engine", "reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_pdus_dropped_total",
			Help: "Malformed or unexpected messages dropped grouped by engine",
		}, []string{"engine"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_engine_stops_total",
			Help: "Engine terminations grouped by engine and reason",
		}, []string{"engine", "reason"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amsd_registrars_expired_total",
			Help: "Registrar bindings cleared after missed heartbeats",
		}),
		nodesDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amsd_nodes_imputed_dead_total",
			Help: "Nodes presumed dead after missed heartbeats",
		}),
		csLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amsd_cs_contact_lost_total",
			Help: "Times a registrar lost contact with its configuration server",
		}),
		registrars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amsd_bound_registrars",
			Help: "Registrars currently bound at this configuration server",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amsd_cell_nodes",
			Help: "Nodes registered in a registrar's cell",
		}, []string{"venture", "unit"}),
		heartbeatCycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amsd_heartbeat_cycles_total",
			Help: "Heartbeat cycles run grouped by engine",
		}, []string{"engine"}),
	}
	reg.MustRegister(
		r.received,
		r.sent,
		r.sendFailures,
		r.rejections,
		r.dropped,
		r.crashes,
		r.expired,
		r.nodesDead,
		r.csLost,
		r.registrars,
		r.nodes,
		r.heartbeatCycle,
	)
	return r
}

// Handler returns an HTTP handler serving /metrics for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveReceived counts an inbound message.
func (r *Recorder) ObserveReceived(engine, pdu string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(engine, pdu).Inc()
}

// ObserveSent counts a delivered outbound message.
func (r *Recorder) ObserveSent(engine, pdu string) {
	if r == nil {
		return
	}
	r.sent.WithLabelValues(engine, pdu).Inc()
}

// ObserveSendFailure counts a failed outbound message.
func (r *Recorder) ObserveSendFailure(engine, pdu string) {
	if r == nil {
		return
	}
	r.sendFailures.WithLabelValues(engine, pdu).Inc()
}

// ObserveRejection counts a rejection issued.
func (r *Recorder) ObserveRejection(engine, reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(engine, reason).Inc()
}

// ObserveDropped counts a discarded inbound message.
func (r *Recorder) ObserveDropped(engine string) {
	if r == nil {
		return
	}
	r.dropped.WithLabelValues(engine).Inc()
}

// ObserveStop counts an engine termination.
func (r *Recorder) ObserveStop(engine, reason string) {
	if r == nil {
		return
	}
	r.crashes.WithLabelValues(engine, reason).Inc()
}

// ObserveRegistrarExpired counts a registrar binding cleared for silence.
func (r *Recorder) ObserveRegistrarExpired() {
	if r == nil {
		return
	}
	r.expired.Inc()
}

// ObserveNodeDead counts a node presumed dead.
func (r *Recorder) ObserveNodeDead() {
	if r == nil {
		return
	}
	r.nodesDead.Inc()
}

// ObserveCSLost counts a registrar losing its configuration server.
func (r *Recorder) ObserveCSLost() {
	if r == nil {
		return
	}
	r.csLost.Inc()
}

// ObserveHeartbeatCycle counts a heartbeat pass.
func (r *Recorder) ObserveHeartbeatCycle(engine string) {
	if r == nil {
		return
	}
	r.heartbeatCycle.WithLabelValues(engine).Inc()
}

// SetBoundRegistrars records the number of registrars bound at a CS.
func (r *Recorder) SetBoundRegistrars(n int) {
	if r == nil {
		return
	}
	r.registrars.Set(float64(n))
}

// SetCellNodes records the size of a cell.
func (r *Recorder) SetCellNodes(venture, unit string, n int) {
	if r == nil {
		return
	}
	r.nodes.WithLabelValues(venture, unit).Set(float64(n))
}
