// Package divert is the boundary to the packet capture and injection subsystem.
//
// A Handle is an open, filtered capture stream. Packets are read with Recv,
// inspected or rewritten by the caller, and handed back with Send. Backends are
// selected with an OpenFunc: WinDivert on Windows, libpcap elsewhere, a pcap
// file replay for offline runs, and an in-memory queue for tests.
package divert

import (
	"errors"
	"fmt"
	"time"
)

// MaxPacketSize is the largest packet any backend will hand to Recv.
const MaxPacketSize = 0xFFFF

var (
	// ErrClosed is returned by a Handle that has been closed.
	ErrClosed = errors.New("divert: handle closed")
	// ErrUnknownDirection reports a direction value outside Outbound/Inbound.
	ErrUnknownDirection = errors.New("divert: unknown direction")
	// ErrShortBuffer is returned by Recv when the packet does not fit.
	ErrShortBuffer = errors.New("divert: buffer too small for packet")
)

// Direction tells whether a packet was leaving or entering the local machine.
type Direction uint8

const (
	DirectionOutbound Direction = 0
	DirectionInbound  Direction = 1
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionOutbound || d == DirectionInbound
}

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// Address is the capture metadata delivered alongside each packet.
type Address struct {
	Timestamp time.Time
	Direction Direction
	IfIdx     uint32
	SubIfIdx  uint32
	Loopback  bool
	Impostor  bool

	// LinkHeader holds the link-layer bytes stripped from the frame by
	// backends that capture below the network layer. It is written back in
	// front of the packet on Send.
	LinkHeader []byte

	// native is a backend-private copy of the address as the driver
	// delivered it, handed back unchanged apart from the fields above.
	native []byte
}

// Param identifies a queue tuning knob of a Handle.
type Param uint32

const (
	ParamQueueLength Param = 0
	ParamQueueTime   Param = 1
	ParamQueueSize   Param = 2
)

func (p Param) String() string {
	switch p {
	case ParamQueueLength:
		return "queue-length"
	case ParamQueueTime:
		return "queue-time"
	case ParamQueueSize:
		return "queue-size"
	default:
		return fmt.Sprintf("param(%d)", uint32(p))
	}
}

// ChecksumFlag suppresses recomputation of individual checksums.
type ChecksumFlag uint64

const (
	NoIPChecksum ChecksumFlag = 1 << iota
	NoICMPChecksum
	NoICMPv6Checksum
	NoTCPChecksum
	NoUDPChecksum
)

// Handle is an open capture stream.
type Handle interface {
	// Recv blocks until a packet matching the filter is available and copies
	// it into buf. It returns ErrClosed once the handle is closed.
	Recv(buf []byte) (int, Address, error)
	// Send injects the packet back into the network stack.
	Send(buf []byte, addr *Address) error
	// SetParam tunes the capture queue.
	SetParam(p Param, value uint64) error
	// Close releases the handle and unblocks pending Recv calls.
	Close() error
}

// ConcurrentHandle is implemented by backends that can tell whether their
// Recv and Send may be called from several goroutines at once.
type ConcurrentHandle interface {
	ConcurrencySafe() bool
}

// OpenFunc opens a filtered Handle. The meaning of filter depends on the
// backend: WinDivert filter language on Windows, BPF for pcap.
type OpenFunc func(filter string, priority int16) (Handle, error)
