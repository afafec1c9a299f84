// Package netstack implements interface lifecycle, ARP/NDP resolution,
// IPv4/IPv6 handling, ICMP, and TCP/UDP demultiplexing, using
// gopacket/layers as the wire codec rather than hand-rolling
// checksum/header packing.
package netstack

import "errors"

var (
	// ErrArpTimeout is returned when ARP resolution exceeds its bounded
	// poll budget.
	ErrArpTimeout = errors.New("netstack: arp resolution timed out")
	// ErrNoRoute is returned when a destination has no local subnet or
	// default gateway route.
	ErrNoRoute = errors.New("netstack: no route to host")
	// ErrInterfaceDown is returned for an operation on a non-Up interface.
	ErrInterfaceDown = errors.New("netstack: interface down")
	// ErrPortInUse is returned when binding an already-bound UDP/TCP port.
	ErrPortInUse = errors.New("netstack: port in use")
	// ErrConnectionRefused mirrors a TCP RST on an unbound port.
	ErrConnectionRefused = errors.New("netstack: connection refused")
	// ErrNotConnected is returned for an operation on a non-ESTABLISHED
	// TCP connection.
	ErrNotConnected = errors.New("netstack: not connected")
	// ErrPacketTooShort is returned when a frame is too small to contain
	// the headers its ethertype/protocol implies.
	ErrPacketTooShort = errors.New("netstack: packet too short")
)
