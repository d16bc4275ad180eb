// Package mams defines the message-space management protocol spoken between
// configuration servers, registrars and nodes. See doc.go for the wire layout.
package mams

import (
	"errors"
	"fmt"
)

// Protocol-defined maxima. Ventures, units, roles and nodes are identified by
// small ordinals within these bounds.
const (
	MaxVentureNbr = 31
	MaxUnitNbr    = 16000
	MaxRoleNbr    = 64
	MaxNodeNbr    = 127
)

// PduType enumerates the kinds of protocol data unit.
type PduType uint8

const (
	Heartbeat PduType = iota + 1
	AnnounceRegistrar
	RegistrarNoted
	RegistrarQuery
	RegistrarUnknown
	Rejection
	CellSpec
	NodeRegistration
	YouAreIn
	YouAreDead
	IAmStarting
	IAmStopping
	Reconnect
	Reconnected
	Subscribe
	Unsubscribe
	Invite
	Disinvite
	NodeStatus
	CellStatus
	IAmRunning

	maxPduType = IAmRunning
)

var pduNames = map[PduType]string{
	Heartbeat:         "heartbeat",
	AnnounceRegistrar: "announce_registrar",
	RegistrarNoted:    "registrar_noted",
	RegistrarQuery:    "registrar_query",
	RegistrarUnknown:  "registrar_unknown",
	Rejection:         "rejection",
	CellSpec:          "cell_spec",
	NodeRegistration:  "node_registration",
	YouAreIn:          "you_are_in",
	YouAreDead:        "you_are_dead",
	IAmStarting:       "I_am_starting",
	IAmStopping:       "I_am_stopping",
	Reconnect:         "reconnect",
	Reconnected:       "reconnected",
	Subscribe:         "subscribe",
	Unsubscribe:       "unsubscribe",
	Invite:            "invite",
	Disinvite:         "disinvite",
	NodeStatus:        "node_status",
	CellStatus:        "cell_status",
	IAmRunning:        "I_am_running",
}

func (t PduType) String() string {
	if name, ok := pduNames[t]; ok {
		return name
	}
	return fmt.Sprintf("pdu(%d)", uint8(t))
}

// Valid reports whether t is a known PDU type.
func (t PduType) Valid() bool {
	return t >= Heartbeat && t <= maxPduType
}

// Reason is the one-byte code carried by a rejection.
type Reason uint8

const (
	ReasonDuplicate Reason = iota + 1
	ReasonNoSuchUnit
	ReasonCellFull
	ReasonNoCensusYet
)

func (r Reason) String() string {
	switch r {
	case ReasonDuplicate:
		return "Duplicate"
	case ReasonNoSuchUnit:
		return "No such unit"
	case ReasonCellFull:
		return "Cell full"
	case ReasonNoCensusYet:
		return "No census yet"
	default:
		return "Reason unknown"
	}
}

// Message is one decoded protocol message.
//
// VentureNbr, UnitNbr and RoleNbr identify the sender. A configuration server
// always sends with VentureNbr 0. Memo is a correlation tag, a node number
// (heartbeats from nodes) or a packed node identity (propagated messages).
type Message struct {
	Type       PduType
	VentureNbr int
	UnitNbr    int
	RoleNbr    int
	Memo       int32
	Supplement []byte
}

// ErrBadNodeID is returned by ParseNodeID for identities outside the
// protocol maxima.
var ErrBadNodeID = errors.New("mams: node identity out of range")

// NodeID packs a node's role, unit and node numbers into a single memo value.
func NodeID(roleNbr, unitNbr, nodeNbr int) int32 {
	return int32(roleNbr<<24 | unitNbr<<8 | nodeNbr)
}

// ParseNodeID unpacks a memo produced by NodeID and checks every component
// against the protocol maxima.
func ParseNodeID(id int32) (roleNbr, unitNbr, nodeNbr int, err error) {
	v := uint32(id)
	roleNbr = int(v >> 24)
	unitNbr = int((v >> 8) & 0xffff)
	nodeNbr = int(v & 0xff)
	if roleNbr < 1 || roleNbr > MaxRoleNbr ||
		unitNbr > MaxUnitNbr ||
		nodeNbr < 1 || nodeNbr > MaxNodeNbr {
		return 0, 0, 0, fmt.Errorf("%w: %#x", ErrBadNodeID, v)
	}
	return roleNbr, unitNbr, nodeNbr, nil
}

// Endpoint is a party's transport address plus whatever the transport needs
// to reach it. Endpoints are rebuilt, never mutated, when a fresher address is
// accepted for the same party.
type Endpoint struct {
	// Name is the opaque address string exchanged on the wire.
	Name string
	// Addr is the transport-specific resolved form of Name.
	Addr any
}

func (e *Endpoint) String() string {
	if e == nil {
		return "<none>"
	}
	return e.Name
}
