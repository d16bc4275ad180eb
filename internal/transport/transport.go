// Package transport defines the contract between the protocol engines and
// the pluggable transport that moves frames between parties, plus the
// delivery batch engines use to send only after releasing the topology lock.
package transport

import (
	"errors"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
)

var (
	// ErrUnknownEndpoint is returned when nothing is listening at a destination.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	// ErrAddressInUse is returned by Open when the spec is already bound.
	ErrAddressInUse = errors.New("transport: address in use")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: interface closed")
)

// Identity is stamped into the header of every message an interface sends.
// Configuration servers use the zero Identity.
type Identity struct {
	VentureNbr int
	UnitNbr    int
	RoleNbr    int
}

// Service turns endpoint specs into open interfaces.
type Service interface {
	// ParseEndpoint resolves an endpoint name received on the wire or
	// read from the catalog.
	ParseEndpoint(name string) (*mams.Endpoint, error)

	// Open binds an interface at spec and starts its receiver, which
	// decodes inbound frames and pushes them onto q. An empty spec lets
	// the transport choose an address.
	Open(spec string, id Identity, q *event.Queue) (Interface, error)
}

// Interface is one open transport binding.
type Interface interface {
	// Endpoint is the name peers use to reach this interface.
	Endpoint() string

	// Send delivers one message to ep. Sends may block for a bounded time.
	Send(ep *mams.Endpoint, t mams.PduType, memo int32, supplement []byte) error

	// Close stops the receiver and releases the binding.
	Close() error
}

// Delivery is one queued outbound message.
type Delivery struct {
	To         *mams.Endpoint
	Type       mams.PduType
	Memo       int32
	Supplement []byte

	// Required deliveries gate the rest of the batch: if one fails, OnFail
	// runs and the remaining deliveries are skipped.
	Required bool
	OnFail   func()
}

// Batch collects deliveries while the topology lock is held so they can be
// sent after it is released.
type Batch struct {
	deliveries []Delivery
}

// Add queues a best-effort delivery.
func (b *Batch) Add(to *mams.Endpoint, t mams.PduType, memo int32, supplement []byte) {
	b.deliveries = append(b.deliveries, Delivery{To: to, Type: t, Memo: memo, Supplement: supplement})
}

// AddRequired queues a gating delivery.
func (b *Batch) AddRequired(to *mams.Endpoint, t mams.PduType, memo int32, supplement []byte, onFail func()) {
	b.deliveries = append(b.deliveries, Delivery{
		To: to, Type: t, Memo: memo, Supplement: supplement,
		Required: true, OnFail: onFail,
	})
}

// Len reports the number of queued deliveries.
func (b *Batch) Len() int {
	return len(b.deliveries)
}

// Deliveries returns the queued deliveries in order.
func (b *Batch) Deliveries() []Delivery {
	return b.deliveries
}

// Flush sends every queued delivery in order through ifc and empties the
// batch. Failures are reported to onErr, if non-nil, and do not stop the
// remaining best-effort deliveries. Flush returns the first error seen.
func (b *Batch) Flush(ifc Interface, onErr func(d Delivery, err error)) error {
	var first error
	deliveries := b.deliveries
	b.deliveries = nil
	for _, d := range deliveries {
		err := ifc.Send(d.To, d.Type, d.Memo, d.Supplement)
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if onErr != nil {
			onErr(d, err)
		}
		if d.Required {
			if d.OnFail != nil {
				d.OnFail()
			}
			break
		}
	}
	return first
}
