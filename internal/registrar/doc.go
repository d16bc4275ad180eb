// Package registrar implements the registrar that serves one cell: it keeps
// in contact with a configuration server, admits and probes the cell's
// nodes, and relays membership and subscription traffic between its own
// nodes and the registrars of the venture's other cells.
//
// A restarted registrar comes up with an empty cell. For the first few probe
// cycles it refuses new registrations and instead accepts reconnects from
// nodes of its previous run, using the census carried in the first reconnect
// to decide which node numbers may still claim a slot.
package registrar
