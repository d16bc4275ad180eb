// Package mams defines the message-space management protocol.
// This file implements frame encoding and the generic supplement parsers.
package mams

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed marks any supplement or frame that fails structural decoding.
// Callers drop such messages without replying.
var ErrMalformed = errors.New("mams: malformed message")

const (
	// Version is the frame format version written by Encode.
	Version = 1

	// HeaderLen is the fixed frame header size.
	HeaderLen = 12

	// MaxStringLen bounds every length-prefixed string.
	MaxStringLen = 255

	// MaxSupplementLen bounds the supplement carried by a single frame.
	MaxSupplementLen = 0xffff

	// SubscribeLen and InviteLen are the fixed record widths of the
	// subscription and invitation lists in a declaration block.
	SubscribeLen = 7
	InviteLen    = 6
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Encode serializes msg into a frame.
func Encode(msg *Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("mams: cannot encode unknown %s", msg.Type)
	}
	if msg.VentureNbr < 0 || msg.VentureNbr > MaxVentureNbr ||
		msg.UnitNbr < 0 || msg.UnitNbr > MaxUnitNbr ||
		msg.RoleNbr < 0 || msg.RoleNbr > MaxRoleNbr {
		return nil, fmt.Errorf("mams: sender identity out of range (%d/%d/%d)",
			msg.VentureNbr, msg.UnitNbr, msg.RoleNbr)
	}
	if len(msg.Supplement) > MaxSupplementLen {
		return nil, fmt.Errorf("mams: supplement too long (%d bytes)", len(msg.Supplement))
	}

	frame := make([]byte, HeaderLen, HeaderLen+len(msg.Supplement))
	frame[0] = Version
	frame[1] = byte(msg.Type)
	frame[2] = byte(msg.VentureNbr)
	binary.BigEndian.PutUint16(frame[3:5], uint16(msg.UnitNbr))
	frame[5] = byte(msg.RoleNbr)
	binary.BigEndian.PutUint32(frame[6:10], uint32(msg.Memo))
	binary.BigEndian.PutUint16(frame[10:12], uint16(len(msg.Supplement)))
	return append(frame, msg.Supplement...), nil
}

// Decode parses a frame. The returned message owns a copy of the supplement.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < HeaderLen {
		return nil, malformed("frame of %d bytes is shorter than header", len(frame))
	}
	if frame[0] != Version {
		return nil, malformed("unsupported version %d", frame[0])
	}
	msg := &Message{
		Type:       PduType(frame[1]),
		VentureNbr: int(frame[2]),
		UnitNbr:    int(binary.BigEndian.Uint16(frame[3:5])),
		RoleNbr:    int(frame[5]),
		Memo:       int32(binary.BigEndian.Uint32(frame[6:10])),
	}
	if !msg.Type.Valid() {
		return nil, malformed("unknown pdu type %d", frame[1])
	}
	if msg.VentureNbr > MaxVentureNbr || msg.UnitNbr > MaxUnitNbr || msg.RoleNbr > MaxRoleNbr {
		return nil, malformed("sender identity out of range (%d/%d/%d)",
			msg.VentureNbr, msg.UnitNbr, msg.RoleNbr)
	}
	n := int(binary.BigEndian.Uint16(frame[10:12]))
	if n != len(frame)-HeaderLen {
		return nil, malformed("declared supplement %d bytes, have %d", n, len(frame)-HeaderLen)
	}
	if n > 0 {
		msg.Supplement = append([]byte(nil), frame[HeaderLen:]...)
	}
	return msg, nil
}

// AppendString appends s to dst as a length-prefixed string.
func AppendString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return dst, fmt.Errorf("mams: string of %d bytes exceeds %d", len(s), MaxStringLen)
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

// ParseString reads a length-prefixed string starting at off and returns it
// with the offset just past it. It never reads beyond len(buf).
func ParseString(buf []byte, off int) (string, int, error) {
	if off < 0 || off >= len(buf) {
		return "", off, malformed("string length missing at offset %d", off)
	}
	n := int(buf[off])
	off++
	if n > len(buf)-off {
		return "", off, malformed("string of %d bytes overruns %d remaining", n, len(buf)-off)
	}
	return string(buf[off : off+n]), off + n, nil
}

// ParseFixedRecordList reads a count-prefixed list of fixed-width records.
// countWidth is 1 or 2 bytes (big-endian). The records alias buf.
func ParseFixedRecordList(buf []byte, off, countWidth, recordLen int) ([][]byte, int, error) {
	count, off, err := parseCount(buf, off, countWidth)
	if err != nil {
		return nil, off, err
	}
	if count > 0 && recordLen > 0 && count > (len(buf)-off)/recordLen {
		return nil, off, malformed("%d records of %d bytes overrun %d remaining", count, recordLen, len(buf)-off)
	}
	records := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, buf[off:off+recordLen])
		off += recordLen
	}
	return records, off, nil
}

func parseCount(buf []byte, off, width int) (int, int, error) {
	if off < 0 || width > len(buf)-off {
		return 0, off, malformed("list count missing at offset %d", off)
	}
	switch width {
	case 1:
		return int(buf[off]), off + 1, nil
	case 2:
		return int(binary.BigEndian.Uint16(buf[off:])), off + 2, nil
	default:
		return 0, off, fmt.Errorf("mams: unsupported count width %d", width)
	}
}

// DeliveryVector is one entry of a node's delivery-vector list: a tag and the
// endpoint names it applies to, carried as a single string.
type DeliveryVector struct {
	Tag    byte
	Points string
}

// AppendDeliveryVectors appends a count-prefixed delivery-vector list.
func AppendDeliveryVectors(dst []byte, vectors []DeliveryVector) ([]byte, error) {
	if len(vectors) > 0xff {
		return dst, fmt.Errorf("mams: %d delivery vectors exceed 255", len(vectors))
	}
	dst = append(dst, byte(len(vectors)))
	var err error
	for _, v := range vectors {
		dst = append(dst, v.Tag)
		if dst, err = AppendString(dst, v.Points); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// ParseDeliveryVectors reads a count-prefixed delivery-vector list.
func ParseDeliveryVectors(buf []byte, off int) ([]DeliveryVector, int, error) {
	count, off, err := parseCount(buf, off, 1)
	if err != nil {
		return nil, off, err
	}
	vectors := make([]DeliveryVector, 0, count)
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return nil, off, malformed("delivery vector %d truncated", i)
		}
		v := DeliveryVector{Tag: buf[off]}
		if v.Points, off, err = ParseString(buf, off+1); err != nil {
			return nil, off, err
		}
		vectors = append(vectors, v)
	}
	return vectors, off, nil
}

// SkipDeliveryVectors walks a delivery-vector list without materializing it.
func SkipDeliveryVectors(buf []byte, off int) (int, error) {
	count, off, err := parseCount(buf, off, 1)
	if err != nil {
		return off, err
	}
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return off, malformed("delivery vector %d truncated", i)
		}
		if _, off, err = ParseString(buf, off+1); err != nil {
			return off, err
		}
	}
	return off, nil
}

// Declaration is a node's subscription and invitation lists as fixed-width
// records. The registrar never interprets the records.
type Declaration struct {
	Subscriptions [][]byte
	Invitations   [][]byte
}

// AppendDeclaration appends a declaration block.
func AppendDeclaration(dst []byte, d Declaration) ([]byte, error) {
	var err error
	if dst, err = appendRecords(dst, d.Subscriptions, SubscribeLen); err != nil {
		return dst, err
	}
	return appendRecords(dst, d.Invitations, InviteLen)
}

func appendRecords(dst []byte, records [][]byte, width int) ([]byte, error) {
	if len(records) > 0xffff {
		return dst, fmt.Errorf("mams: %d records exceed 65535", len(records))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(records)))
	for _, r := range records {
		if len(r) != width {
			return dst, fmt.Errorf("mams: record of %d bytes, want %d", len(r), width)
		}
		dst = append(dst, r...)
	}
	return dst, nil
}

// ParseDeclaration reads a declaration block.
func ParseDeclaration(buf []byte, off int) (Declaration, int, error) {
	var (
		d   Declaration
		err error
	)
	if d.Subscriptions, off, err = ParseFixedRecordList(buf, off, 2, SubscribeLen); err != nil {
		return Declaration{}, off, err
	}
	if d.Invitations, off, err = ParseFixedRecordList(buf, off, 2, InviteLen); err != nil {
		return Declaration{}, off, err
	}
	return d, off, nil
}

// SkipDeclaration walks a declaration block without keeping the records.
func SkipDeclaration(buf []byte, off int) (int, error) {
	_, off, err := ParseDeclaration(buf, off)
	return off, err
}
