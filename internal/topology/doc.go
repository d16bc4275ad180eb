// Package topology models the message spaces served by the daemon: ventures,
// their units and roles, each unit's cell of registered nodes, and the
// catalogued configuration-server failover chain.
//
// # Overview
//
// The static shape (ventures, units, roles, CS endpoints) comes from a YAML
// catalog loaded once at startup. The dynamic parts are each cell's
// registrar endpoint and node slots, and the missed-heartbeat counters that
// drive failure imputation. Configuration servers and registrars mutate them
// in place while holding the topology lock.
//
// # Identity Scheme
//
// Every entity is addressed by a small ordinal bounded by the protocol
// maxima in package mams. Units, roles and node slots are dense arrays so
// that a number carried on the wire resolves in O(1) without a map lookup.
//
// # Concurrency Model
//
// A single process-wide RWMutex guards the whole model:
//   - Message handlers and heartbeat cycles take it for the duration of
//     their in-memory read-modify-write
//   - No lock is held while sending or sleeping
//   - Accessor methods never lock on their own
//
// # Consistency
//
// There is no consensus. At most one registrar endpoint is recorded per cell
// and the last accepted handshake wins.
package topology
