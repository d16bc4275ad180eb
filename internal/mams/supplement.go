// Package mams defines the message-space management protocol.
// This file implements the typed supplements of individual PDUs.
package mams

import (
	"encoding/binary"
	"fmt"
)

// EncodeEndpoint builds the supplement of announce_registrar and
// registrar_query: a single length-prefixed endpoint name.
func EncodeEndpoint(endpoint string) ([]byte, error) {
	return AppendString(make([]byte, 0, 1+len(endpoint)), endpoint)
}

// ParseEndpoint reads the endpoint name at the start of a supplement.
func ParseEndpoint(supplement []byte) (string, error) {
	ept, _, err := ParseString(supplement, 0)
	return ept, err
}

// EncodeCellSpec builds a cell_spec supplement announcing the registrar
// endpoint of one unit.
func EncodeCellSpec(unitNbr int, endpoint string) ([]byte, error) {
	if unitNbr < 0 || unitNbr > MaxUnitNbr {
		return nil, fmt.Errorf("mams: unit %d out of range", unitNbr)
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 3+len(endpoint)), uint16(unitNbr))
	return AppendString(buf, endpoint)
}

// ParseCellSpec decodes a cell_spec supplement.
func ParseCellSpec(supplement []byte) (unitNbr int, endpoint string, err error) {
	if len(supplement) < 3 {
		return 0, "", malformed("cell spec of %d bytes lacks endpoint name", len(supplement))
	}
	unitNbr = int(binary.BigEndian.Uint16(supplement))
	if unitNbr > MaxUnitNbr {
		return 0, "", malformed("cell spec unit %d out of range", unitNbr)
	}
	if endpoint, _, err = ParseString(supplement, 2); err != nil {
		return 0, "", err
	}
	return unitNbr, endpoint, nil
}

// EncodeCensus builds a count-prefixed list of node numbers, as carried by
// cell_status and at the tail of reconnect.
func EncodeCensus(nodeNbrs []int) ([]byte, error) {
	if len(nodeNbrs) > MaxNodeNbr {
		return nil, fmt.Errorf("mams: census of %d nodes exceeds %d", len(nodeNbrs), MaxNodeNbr)
	}
	buf := make([]byte, 0, 1+len(nodeNbrs))
	buf = append(buf, byte(len(nodeNbrs)))
	for _, n := range nodeNbrs {
		if n < 1 || n > MaxNodeNbr {
			return nil, fmt.Errorf("mams: node %d out of range", n)
		}
		buf = append(buf, byte(n))
	}
	return buf, nil
}

// ParseCensus decodes a census starting at off. The census must end exactly
// at the end of buf.
func ParseCensus(buf []byte, off int) ([]int, error) {
	if off < 0 || off >= len(buf) {
		return nil, malformed("census count missing")
	}
	count := int(buf[off])
	off++
	if len(buf)-off != count {
		return nil, malformed("census declares %d nodes, carries %d", count, len(buf)-off)
	}
	nodes := make([]int, 0, count)
	for _, b := range buf[off:] {
		nodes = append(nodes, int(b))
	}
	return nodes, nil
}

// EncodeRejection builds the one-byte rejection supplement.
func EncodeRejection(reason Reason) []byte {
	return []byte{byte(reason)}
}

// ParseRejection decodes a rejection supplement.
func ParseRejection(supplement []byte) (Reason, error) {
	if len(supplement) < 1 {
		return 0, malformed("rejection lacks reason code")
	}
	return Reason(supplement[0]), nil
}

// EncodeNodeNbr builds the you_are_in supplement.
func EncodeNodeNbr(nodeNbr int) []byte {
	return []byte{byte(nodeNbr)}
}

// ParseNodeNbr decodes a you_are_in supplement.
func ParseNodeNbr(supplement []byte) (int, error) {
	if len(supplement) < 1 {
		return 0, malformed("you_are_in lacks node number")
	}
	n := int(supplement[0])
	if n < 1 || n > MaxNodeNbr {
		return 0, malformed("assigned node %d out of range", n)
	}
	return n, nil
}

// Registration is the content of a node_registration supplement.
type Registration struct {
	Endpoint string
	Vectors  []DeliveryVector
}

// Encode serializes r.
func (r Registration) Encode() ([]byte, error) {
	buf, err := AppendString(nil, r.Endpoint)
	if err != nil {
		return nil, err
	}
	return AppendDeliveryVectors(buf, r.Vectors)
}

// ParseRegistration decodes a node_registration supplement.
func ParseRegistration(supplement []byte) (Registration, error) {
	var (
		r   Registration
		off int
		err error
	)
	if r.Endpoint, off, err = ParseString(supplement, 0); err != nil {
		return Registration{}, err
	}
	if r.Vectors, _, err = ParseDeliveryVectors(supplement, off); err != nil {
		return Registration{}, err
	}
	return r, nil
}

// ReconnectRequest is the content of a reconnect supplement, sent by a node
// to a registrar that has restarted and lost its cell membership.
type ReconnectRequest struct {
	NodeNbr     int
	Endpoint    string
	Vectors     []DeliveryVector
	Declaration Declaration
	// Census is the sender's view of the cell's node numbers.
	Census []int
}

// Encode serializes r.
func (r ReconnectRequest) Encode() ([]byte, error) {
	if r.NodeNbr < 1 || r.NodeNbr > MaxNodeNbr {
		return nil, fmt.Errorf("mams: node %d out of range", r.NodeNbr)
	}
	buf := []byte{0, 0, byte(r.NodeNbr), 0}
	var err error
	if buf, err = AppendString(buf, r.Endpoint); err != nil {
		return nil, err
	}
	if buf, err = AppendDeliveryVectors(buf, r.Vectors); err != nil {
		return nil, err
	}
	if buf, err = AppendDeclaration(buf, r.Declaration); err != nil {
		return nil, err
	}
	census, err := EncodeCensus(r.Census)
	if err != nil {
		return nil, err
	}
	return append(buf, census...), nil
}

// ParseReconnectHeader decodes only the node number and endpoint of a
// reconnect supplement, returning the offset of the delivery-vector list.
// A registrar uses this to answer a reconnect it will refuse anyway.
func ParseReconnectHeader(supplement []byte) (nodeNbr int, endpoint string, off int, err error) {
	if len(supplement) < 4 {
		return 0, "", 0, malformed("reconnect of %d bytes is too short", len(supplement))
	}
	nodeNbr = int(supplement[2])
	if endpoint, off, err = ParseString(supplement, 4); err != nil {
		return 0, "", off, err
	}
	return nodeNbr, endpoint, off, nil
}

// ParseReconnect decodes a complete reconnect supplement.
func ParseReconnect(supplement []byte) (ReconnectRequest, error) {
	var (
		r   ReconnectRequest
		off int
		err error
	)
	if r.NodeNbr, r.Endpoint, off, err = ParseReconnectHeader(supplement); err != nil {
		return ReconnectRequest{}, err
	}
	if r.Vectors, off, err = ParseDeliveryVectors(supplement, off); err != nil {
		return ReconnectRequest{}, err
	}
	if r.Declaration, off, err = ParseDeclaration(supplement, off); err != nil {
		return ReconnectRequest{}, err
	}
	if r.Census, err = ParseCensus(supplement, off); err != nil {
		return ReconnectRequest{}, err
	}
	return r, nil
}
