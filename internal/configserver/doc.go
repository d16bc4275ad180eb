// Package configserver implements the configuration server: the
// venture-wide authority on which registrar serves each unit.
//
// # Overview
//
// A configuration server (CS) binds one of the catalogued CS endpoints and
// answers three kinds of traffic:
//
//   - announce_registrar: a registrar claims a unit's cell. The first claim
//     binds the cell; a re-announcement from the same endpoint is confirmed;
//     a different endpoint is rejected as Duplicate. Accepted registrars are
//     told about every peer registrar and every peer is told about them.
//   - registrar_query: a node asks which registrar serves a unit and gets a
//     cell_spec or registrar_unknown back.
//   - heartbeat: a bound registrar answering the CS's own probe.
//
// # Failover Chain
//
// The catalog lists CS endpoints in priority order. A running CS sends
// I_am_running to every endpoint after its own position on its first
// heartbeat cycle and every sixth cycle after that. A CS receiving
// I_am_running stops itself, so at most one instance stays active:
//
//	cs1 (primary) --I_am_running--> cs2, cs3
//	cs2 (standby) --I_am_running--> cs3
//
// # Liveness
//
// Every heartbeat cycle probes each bound registrar. A registrar that has
// left three probes unanswered is forgotten and must announce itself again.
//
// # Concurrency Model
//
// Each Server runs a main task draining its event queue and a heartbeat
// task. Both take the topology lock only for in-memory work and send their
// replies after releasing it.
package configserver
