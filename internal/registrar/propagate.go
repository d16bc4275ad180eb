// Package registrar serves one cell of a message space.
// This file implements fan-out of membership traffic within the venture.
package registrar

import (
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/transport"
)

// forward queues msgType to every node of the cell except the originating
// node, tagging each copy with the originator's packed node identity.
// Caller holds the topology lock.
func (r *Registrar) forward(out *transport.Batch, msgType mams.PduType, roleNbr, unitNbr, nodeNbr int, supplement []byte) {
	id := mams.NodeID(roleNbr, unitNbr, nodeNbr)
	own := r.cell.Unit.Nbr
	for i := 1; i <= mams.MaxNodeNbr; i++ {
		if i == nodeNbr && unitNbr == own {
			continue
		}
		node := r.cell.Nodes[i]
		if node == nil {
			continue
		}
		out.Add(node.Endpoint, msgType, id, supplement)
	}
}

// propagate forwards msgType within the cell and then to the registrar of
// every other cell in the venture. Caller holds the topology lock.
func (r *Registrar) propagate(out *transport.Batch, msgType mams.PduType, roleNbr, unitNbr, nodeNbr int, supplement []byte) {
	r.forward(out, msgType, roleNbr, unitNbr, nodeNbr, supplement)

	id := mams.NodeID(roleNbr, unitNbr, nodeNbr)
	for _, cell := range r.venture.Cells() {
		if cell == r.cell || cell.Endpoint == nil {
			continue
		}
		out.Add(cell.Endpoint, msgType, id, supplement)
	}
}

// resync propagates the cell's census as cell_status. Caller holds the
// topology lock.
func (r *Registrar) resync(out *transport.Batch) {
	census, err := mams.EncodeCensus(r.cell.Census())
	if err != nil {
		r.log.Error("can't encode cell census")
		return
	}
	r.propagate(out, mams.CellStatus, 0, r.cell.Unit.Nbr, 0, census)
}
