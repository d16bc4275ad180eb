// Package topology holds the in-memory model of every message space known to
// the daemon. See doc.go for complete package documentation.
package topology

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/amsd/internal/mams"
)

var (
	// ErrOutOfRange is returned when an ordinal exceeds the protocol maxima.
	ErrOutOfRange = errors.New("topology: ordinal out of range")
	// ErrDuplicate is returned when an ordinal or name is declared twice.
	ErrDuplicate = errors.New("topology: duplicate declaration")
)

// Role is a named function a node can perform within a venture.
type Role struct {
	Nbr  int
	Name string
}

// Node is a participant occupying one slot of a cell.
type Node struct {
	Nbr              int
	Role             *Role
	Endpoint         *mams.Endpoint
	HeartbeatsMissed int
}

// Cell is the node membership and registrar binding of one unit.
//
// All fields are guarded by the owning Topology's lock.
type Cell struct {
	Unit *Unit

	// Nodes is indexed by node number; slot 0 is never used and a nil
	// entry marks a free slot.
	Nodes [mams.MaxNodeNbr + 1]*Node

	// Endpoint is the registrar serving this cell, nil until one announces.
	Endpoint *mams.Endpoint

	// HeartbeatsMissed counts consecutive heartbeats the registrar has not
	// answered.
	HeartbeatsMissed int

	// ResyncPeriod is the number of heartbeat cycles between full census
	// broadcasts; 0 disables resync.
	ResyncPeriod int
}

// Unit is a named subdivision of a venture. Unit 0 is the root unit.
type Unit struct {
	Nbr     int
	Name    string
	Venture *Venture
	Cell    *Cell
}

// Venture is a message space: an application name plus an authority name.
type Venture struct {
	Nbr           int
	AppName       string
	AuthorityName string

	// Units and Roles are dense arrays indexed by ordinal.
	Units []*Unit
	Roles []*Role
}

// Topology is the authoritative, lock-guarded model shared by every
// configuration server and registrar in the process.
//
// Concurrency Model:
//   - One coarse RWMutex guards every venture, unit, cell and node.
//   - Engines take the lock around a whole read-modify-write and release
//     it before any network I/O or sleep.
//   - Accessors below do not lock; callers hold the lock as documented.
//
// Layout:
//
//	Topology
//	├── csEndpoints   ordered CS failover chain
//	└── ventures[1..31]
//	    ├── roles[1..64]
//	    └── units[0..16000]
//	        └── cell
//	            ├── registrar endpoint
//	            └── nodes[1..127]
type Topology struct {
	ventures    [mams.MaxVentureNbr + 1]*Venture
	csEndpoints []*mams.Endpoint
	mu          sync.RWMutex
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{}
}

// Lock acquires the topology lock for writing.
func (t *Topology) Lock() { t.mu.Lock() }

// Unlock releases the write lock.
func (t *Topology) Unlock() { t.mu.Unlock() }

// RLock acquires the topology lock for reading.
func (t *Topology) RLock() { t.mu.RLock() }

// RUnlock releases the read lock.
func (t *Topology) RUnlock() { t.mu.RUnlock() }

// AddVenture declares a venture. It is intended for catalog loading, before
// the topology is shared.
//
// Parameters:
//   - nbr: venture number in [1, MaxVentureNbr]
//   - appName, authName: the venture's application and authority names
//
// Returns:
//   - The new venture with an empty root unit already declared
//   - ErrOutOfRange or ErrDuplicate on invalid input
func (t *Topology) AddVenture(nbr int, appName, authName string) (*Venture, error) {
	if nbr < 1 || nbr > mams.MaxVentureNbr {
		return nil, fmt.Errorf("%w: venture %d", ErrOutOfRange, nbr)
	}
	if t.ventures[nbr] != nil {
		return nil, fmt.Errorf("%w: venture %d", ErrDuplicate, nbr)
	}
	if t.FindVenture(appName, authName) != nil {
		return nil, fmt.Errorf("%w: venture %s(%s)", ErrDuplicate, appName, authName)
	}
	v := &Venture{
		Nbr:           nbr,
		AppName:       appName,
		AuthorityName: authName,
		Units:         make([]*Unit, mams.MaxUnitNbr+1),
		Roles:         make([]*Role, mams.MaxRoleNbr+1),
	}
	if _, err := v.AddUnit(0, "", 0); err != nil {
		return nil, err
	}
	t.ventures[nbr] = v
	return v, nil
}

// Venture returns the venture numbered nbr, or nil.
func (t *Topology) Venture(nbr int) *Venture {
	if nbr < 0 || nbr > mams.MaxVentureNbr {
		return nil
	}
	return t.ventures[nbr]
}

// Ventures returns every declared venture in number order.
func (t *Topology) Ventures() []*Venture {
	out := make([]*Venture, 0, 4)
	for _, v := range t.ventures {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// FindVenture looks a venture up by application and authority name.
func (t *Topology) FindVenture(appName, authName string) *Venture {
	for _, v := range t.ventures {
		if v != nil && v.AppName == appName && v.AuthorityName == authName {
			return v
		}
	}
	return nil
}

// SetCSEndpoints installs the catalogued CS endpoints in failover order.
func (t *Topology) SetCSEndpoints(eps []*mams.Endpoint) {
	t.csEndpoints = append([]*mams.Endpoint(nil), eps...)
}

// CSEndpoints returns the catalogued CS endpoints in failover order.
func (t *Topology) CSEndpoints() []*mams.Endpoint {
	return t.csEndpoints
}

// CSEndpointIndex returns the failover position of the CS endpoint named
// name, or -1 if it is not catalogued.
func (t *Topology) CSEndpointIndex(name string) int {
	return slices.IndexFunc(t.csEndpoints, func(ep *mams.Endpoint) bool {
		return ep.Name == name
	})
}

// Name formats the venture as "app(authority)".
func (v *Venture) Name() string {
	return fmt.Sprintf("%s(%s)", v.AppName, v.AuthorityName)
}

// AddUnit declares a unit and its empty cell.
func (v *Venture) AddUnit(nbr int, name string, resyncPeriod int) (*Unit, error) {
	if nbr < 0 || nbr > mams.MaxUnitNbr {
		return nil, fmt.Errorf("%w: unit %d", ErrOutOfRange, nbr)
	}
	if v.Units[nbr] != nil {
		return nil, fmt.Errorf("%w: unit %d in %s", ErrDuplicate, nbr, v.Name())
	}
	if v.FindUnit(name) != nil {
		return nil, fmt.Errorf("%w: unit %q in %s", ErrDuplicate, name, v.Name())
	}
	if resyncPeriod < 0 {
		return nil, fmt.Errorf("%w: resync period %d", ErrOutOfRange, resyncPeriod)
	}
	u := &Unit{Nbr: nbr, Name: name, Venture: v}
	u.Cell = &Cell{Unit: u, ResyncPeriod: resyncPeriod}
	v.Units[nbr] = u
	return u, nil
}

// AddRole declares a role.
func (v *Venture) AddRole(nbr int, name string) (*Role, error) {
	if nbr < 1 || nbr > mams.MaxRoleNbr {
		return nil, fmt.Errorf("%w: role %d", ErrOutOfRange, nbr)
	}
	if v.Roles[nbr] != nil {
		return nil, fmt.Errorf("%w: role %d in %s", ErrDuplicate, nbr, v.Name())
	}
	r := &Role{Nbr: nbr, Name: name}
	v.Roles[nbr] = r
	return r, nil
}

// Unit returns the unit numbered nbr, or nil.
func (v *Venture) Unit(nbr int) *Unit {
	if v == nil || nbr < 0 || nbr >= len(v.Units) {
		return nil
	}
	return v.Units[nbr]
}

// Role returns the role numbered nbr, or nil.
func (v *Venture) Role(nbr int) *Role {
	if v == nil || nbr < 1 || nbr >= len(v.Roles) {
		return nil
	}
	return v.Roles[nbr]
}

// FindUnit looks a unit up by name.
func (v *Venture) FindUnit(name string) *Unit {
	for _, u := range v.Units {
		if u != nil && u.Name == name {
			return u
		}
	}
	return nil
}

// Cells returns the cells of every declared unit in unit order.
func (v *Venture) Cells() []*Cell {
	out := make([]*Cell, 0, 8)
	for _, u := range v.Units {
		if u != nil {
			out = append(out, u.Cell)
		}
	}
	return out
}

// Node returns the node in slot nbr, or nil if the slot is free or invalid.
func (c *Cell) Node(nbr int) *Node {
	if nbr < 1 || nbr > mams.MaxNodeNbr {
		return nil
	}
	return c.Nodes[nbr]
}

// FreeSlot returns the lowest unused node number, or 0 if the cell is full.
func (c *Cell) FreeSlot() int {
	for i := 1; i <= mams.MaxNodeNbr; i++ {
		if c.Nodes[i] == nil {
			return i
		}
	}
	return 0
}

// Remember occupies slot nbr with a fresh node record.
func (c *Cell) Remember(nbr int, role *Role, ep *mams.Endpoint) (*Node, error) {
	if nbr < 1 || nbr > mams.MaxNodeNbr {
		return nil, fmt.Errorf("%w: node %d", ErrOutOfRange, nbr)
	}
	if role == nil {
		return nil, fmt.Errorf("topology: node %d has no role", nbr)
	}
	n := &Node{Nbr: nbr, Role: role, Endpoint: ep}
	c.Nodes[nbr] = n
	return n, nil
}

// Forget frees slot nbr.
func (c *Cell) Forget(nbr int) {
	if nbr >= 1 && nbr <= mams.MaxNodeNbr {
		c.Nodes[nbr] = nil
	}
}

// Census lists the occupied node numbers in ascending order.
func (c *Cell) Census() []int {
	out := make([]int, 0, 8)
	for i := 1; i <= mams.MaxNodeNbr; i++ {
		if c.Nodes[i] != nil {
			out = append(out, i)
		}
	}
	return out
}

// ClearRegistrar forgets the cell's registrar endpoint.
func (c *Cell) ClearRegistrar() {
	c.Endpoint = nil
	c.HeartbeatsMissed = 0
}
