// Package mams implements the wire codec of the message-space management
// protocol: the PDU catalogue, the frame header, and the length-prefixed
// sub-structures carried inside supplements.
//
// # Frame Layout
//
//	+---------+------+---------+---------+------+---------+-----------+------------+
//	| version | type | venture | unit    | role | memo    | supp. len | supplement |
//	| 1 byte  | 1    | 1       | 2 (BE)  | 1    | 4 (BE)  | 2 (BE)    | n bytes    |
//	+---------+------+---------+---------+------+---------+-----------+------------+
//
// # Supplements
//
// Strings are prefixed with a one-byte length. Lists carry a count prefix (one
// byte for delivery vectors and censuses, two bytes for the subscription and
// invitation lists of a declaration block) followed by their entries.
//
//	announce_registrar  endpoint
//	cell_spec           unit(2) endpoint
//	rejection           reason(1)
//	node_registration   endpoint vectors
//	you_are_in          node(1)
//	reconnect           0 0 node(1) 0 endpoint vectors declaration census
//	cell_status         census
//
// # Safety
//
// Every decoder is total over arbitrary input: it checks each declared length
// against the bytes that remain and returns ErrMalformed instead of reading
// past the end of the buffer. Receivers drop malformed messages silently.
package mams
