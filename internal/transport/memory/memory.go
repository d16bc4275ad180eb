// Package memory is an in-process transport. Every interface opened on a
// Network can reach every other one by name; frames still pass through the
// wire codec so receivers see exactly what a socket transport would deliver.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/transport"
)

// Tap observes every message a Network delivers.
type Tap func(from, to string, msg *mams.Message)

// Network is a set of in-memory interfaces keyed by endpoint name.
type Network struct {
	ifaces map[string]*Interface
	faults map[string]error
	taps   []Tap
	mu     sync.RWMutex
	auto   int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		ifaces: make(map[string]*Interface),
		faults: make(map[string]error),
	}
}

// ParseEndpoint accepts any non-empty name short enough for the wire.
func (n *Network) ParseEndpoint(name string) (*mams.Endpoint, error) {
	if name == "" {
		return nil, errors.New("memory: empty endpoint name")
	}
	if len(name) > mams.MaxStringLen {
		return nil, fmt.Errorf("memory: endpoint name of %d bytes is too long", len(name))
	}
	return &mams.Endpoint{Name: name, Addr: name}, nil
}

// Open binds spec, or a generated name when spec is empty.
func (n *Network) Open(spec string, id transport.Identity, q *event.Queue) (transport.Interface, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if spec == "" {
		n.auto++
		spec = fmt.Sprintf("mem-%d", n.auto)
	}
	if _, ok := n.ifaces[spec]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrAddressInUse, spec)
	}
	ifc := &Interface{net: n, name: spec, id: id, queue: q}
	n.ifaces[spec] = ifc
	return ifc, nil
}

// SetFault makes every send to name fail with err; a nil err clears it.
func (n *Network) SetFault(name string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.faults, name)
		return
	}
	n.faults[name] = err
}

// AddTap registers an observer of delivered messages.
func (n *Network) AddTap(tap Tap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taps = append(n.taps, tap)
}

// Bound reports whether an interface is open at name.
func (n *Network) Bound(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.ifaces[name]
	return ok
}

func (n *Network) deliver(from *Interface, to string, frame []byte) error {
	n.mu.RLock()
	target, ok := n.ifaces[to]
	fault := n.faults[to]
	taps := n.taps
	n.mu.RUnlock()
	if fault != nil {
		return fault
	}
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, to)
	}

	// The receiver decodes exactly as a socket receiver would.
	msg, err := mams.Decode(frame)
	if err != nil {
		return err
	}
	for _, tap := range taps {
		tap(from.name, to, msg)
	}
	return target.queue.PushMsg(msg)
}

// Interface is one binding on a Network.
type Interface struct {
	net    *Network
	queue  *event.Queue
	name   string
	id     transport.Identity
	mu     sync.Mutex
	closed bool
}

// Endpoint returns the bound name.
func (i *Interface) Endpoint() string {
	return i.name
}

// Send encodes a frame stamped with the interface identity and delivers it.
func (i *Interface) Send(ep *mams.Endpoint, t mams.PduType, memo int32, supplement []byte) error {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if ep == nil {
		return fmt.Errorf("%w: nil endpoint", transport.ErrUnknownEndpoint)
	}
	frame, err := mams.Encode(&mams.Message{
		Type:       t,
		VentureNbr: i.id.VentureNbr,
		UnitNbr:    i.id.UnitNbr,
		RoleNbr:    i.id.RoleNbr,
		Memo:       memo,
		Supplement: supplement,
	})
	if err != nil {
		return err
	}
	return i.net.deliver(i, ep.Name, frame)
}

// Close unbinds the interface.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.net.mu.Lock()
	if i.net.ifaces[i.name] == i {
		delete(i.net.ifaces, i.name)
	}
	i.net.mu.Unlock()
	return nil
}
