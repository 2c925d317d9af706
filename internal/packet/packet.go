// Package packet wraps one captured IPv4/TCP packet: typed header access,
// in-place rewriting and the drop-or-send decision.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"netdivert/internal/conn"
	"netdivert/internal/divert"
	"netdivert/internal/owner"
)

var (
	// ErrUnsupported is returned for captured traffic that is not IPv4/TCP.
	ErrUnsupported = errors.New("packet: not an IPv4/TCP packet")
	// ErrInvalidAddress rejects a zero or non-IPv4 address.
	ErrInvalidAddress = errors.New("packet: invalid IPv4 address")
	// ErrFinalized is returned when a packet is used after Send.
	ErrFinalized = errors.New("packet: already sent")
	// ErrSessionClosed is returned by Send when the owning session is closed.
	ErrSessionClosed = errors.New("packet: session not open")
)

// Checksums refreshed on modified packets. Only IP and TCP are recomputed.
const checksumFlags = divert.NoICMPChecksum | divert.NoICMPv6Checksum | divert.NoUDPChecksum

// Injector puts packets back on the wire. It is implemented by the capture
// session that received the packet.
type Injector interface {
	IsOpen() bool
	CalcChecksums(buf []byte, addr *divert.Address, flags divert.ChecksumFlag) error
	Emit(buf []byte, addr *divert.Address) error
}

// State is the lifecycle position of a Packet.
type State uint8

const (
	StateFresh State = iota
	StateModified
	StateDropRequested
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateModified:
		return "modified"
	case StateDropRequested:
		return "drop-requested"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Flags are the TCP control bits.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flags) String() string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	var set []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			set = append(set, n)
		}
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, "|")
}

// Packet is a captured IPv4/TCP packet. A Packet owns its buffer until Send,
// and must only be used by one goroutine at a time.
type Packet struct {
	buf     []byte
	ip      ipv4Header
	tcp     tcpHeader
	total   int // validated IP length, may be less than len(buf)
	addr    divert.Address
	inj     Injector
	release func([]byte)

	modified  bool
	dropped   bool
	finalized bool
}

// Parse wraps the first n bytes of buf. On error buf has already been handed
// to release.
func Parse(buf []byte, n int, addr divert.Address, inj Injector, release func([]byte)) (*Packet, error) {
	if n < 0 || n > len(buf) {
		if release != nil {
			release(buf)
		}
		return nil, fmt.Errorf("%w: length %d of %d byte buffer", ErrUnsupported, n, len(buf))
	}

	ip, tcp, total, ok := parseHeaders(buf[:n])
	if !ok {
		if release != nil {
			release(buf)
		}
		return nil, ErrUnsupported
	}
	return &Packet{
		buf:     buf[:n],
		ip:      ip,
		tcp:     tcp,
		total:   total,
		addr:    addr,
		inj:     inj,
		release: release,
	}, nil
}

func (p *Packet) SourceAddress() netip.Addr {
	if p.ip == nil {
		return netip.Addr{}
	}
	return p.ip.src()
}

func (p *Packet) DestinationAddress() netip.Addr {
	if p.ip == nil {
		return netip.Addr{}
	}
	return p.ip.dst()
}

// SourcePort returns the TCP source port in host byte order.
func (p *Packet) SourcePort() uint16 {
	if p.tcp == nil {
		return 0
	}
	return p.tcp.srcPort()
}

// DestinationPort returns the TCP destination port in host byte order.
func (p *Packet) DestinationPort() uint16 {
	if p.tcp == nil {
		return 0
	}
	return p.tcp.dstPort()
}

func (p *Packet) Direction() divert.Direction { return p.addr.Direction }

// Family is always IPv4.
func (p *Packet) Family() owner.Family { return owner.FamilyIPv4 }

// Source returns the source address and port.
func (p *Packet) Source() netip.AddrPort {
	return netip.AddrPortFrom(p.SourceAddress(), p.SourcePort())
}

// Destination returns the destination address and port.
func (p *Packet) Destination() netip.AddrPort {
	return netip.AddrPortFrom(p.DestinationAddress(), p.DestinationPort())
}

// Address returns the capture metadata.
func (p *Packet) Address() divert.Address { return p.addr }

func (p *Packet) Timestamp() time.Time { return p.addr.Timestamp }

// Len is the length of the IP packet.
func (p *Packet) Len() int { return len(p.buf) }

// PayloadLen is the number of TCP payload bytes.
func (p *Packet) PayloadLen() int {
	if p.ip == nil {
		return 0
	}
	return p.total - len(p.ip) - len(p.tcp)
}

// Payload returns the TCP payload. It aliases the packet buffer and must not
// be retained after Send.
func (p *Packet) Payload() []byte {
	if p.ip == nil {
		return nil
	}
	start := len(p.ip) + len(p.tcp)
	return p.buf[start : start+p.PayloadLen()]
}

func (p *Packet) Seq() uint32 {
	if p.tcp == nil {
		return 0
	}
	return p.tcp.seq()
}

func (p *Packet) Flags() Flags {
	if p.tcp == nil {
		return 0
	}
	return p.tcp.flags()
}

// State reports where the packet is in its lifecycle.
func (p *Packet) State() State {
	switch {
	case p.finalized:
		return StateFinalized
	case p.dropped:
		return StateDropRequested
	case p.modified:
		return StateModified
	default:
		return StateFresh
	}
}

// Modified reports whether any header field was rewritten.
func (p *Packet) Modified() bool { return p.modified }

// DropRequested reports whether Drop was called.
func (p *Packet) DropRequested() bool { return p.dropped }

func checkAddr(a netip.Addr) (netip.Addr, error) {
	a = a.Unmap()
	if !a.Is4() || a.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrInvalidAddress, a)
	}
	return a, nil
}

func (p *Packet) SetSourceAddress(a netip.Addr) error {
	if p.finalized {
		return ErrFinalized
	}
	a, err := checkAddr(a)
	if err != nil {
		return err
	}
	if a == p.ip.src() {
		return nil
	}
	p.ip.setSrc(a)
	p.modified = true
	return nil
}

func (p *Packet) SetDestinationAddress(a netip.Addr) error {
	if p.finalized {
		return ErrFinalized
	}
	a, err := checkAddr(a)
	if err != nil {
		return err
	}
	if a == p.ip.dst() {
		return nil
	}
	p.ip.setDst(a)
	p.modified = true
	return nil
}

// SetSourcePort takes port in host byte order.
func (p *Packet) SetSourcePort(port uint16) error {
	if p.finalized {
		return ErrFinalized
	}
	if port == p.tcp.srcPort() {
		return nil
	}
	p.tcp.setSrcPort(port)
	p.modified = true
	return nil
}

// SetDestinationPort takes port in host byte order.
func (p *Packet) SetDestinationPort(port uint16) error {
	if p.finalized {
		return ErrFinalized
	}
	if port == p.tcp.dstPort() {
		return nil
	}
	p.tcp.setDstPort(port)
	p.modified = true
	return nil
}

// SetDirection changes the direction the packet is injected in.
func (p *Packet) SetDirection(d divert.Direction) error {
	if p.finalized {
		return ErrFinalized
	}
	if !d.Valid() {
		return fmt.Errorf("%w: %d", divert.ErrUnknownDirection, uint8(d))
	}
	if d == p.addr.Direction {
		return nil
	}
	p.addr.Direction = d
	p.modified = true
	return nil
}

// Drop marks the packet to be discarded by Send. Later mutations do not undo
// it.
func (p *Packet) Drop() {
	if !p.finalized {
		p.dropped = true
	}
}

// BelongsTo reports whether the packet is a leg of the connection id.
func (p *Packet) BelongsTo(id *conn.Identity) (bool, error) {
	if id == nil {
		return false, nil
	}
	src, dst := p.Source(), p.Destination()
	switch p.addr.Direction {
	case divert.DirectionInbound:
		return src == id.Server() && dst == id.Client(), nil
	case divert.DirectionOutbound:
		return src == id.Client() && dst == id.Server(), nil
	default:
		return false, fmt.Errorf("%w: %d", divert.ErrUnknownDirection, uint8(p.addr.Direction))
	}
}

// Send finalizes the packet. A dropped packet is discarded and Send reports
// success; otherwise the packet is re-injected, with checksums refreshed if
// it was modified. The buffer is released whatever the outcome. Calling Send
// again returns ErrFinalized.
func (p *Packet) Send() error {
	if p.finalized {
		return ErrFinalized
	}
	p.finalized = true
	defer p.releaseBuffer()

	if p.dropped {
		return nil
	}
	if p.inj == nil || !p.inj.IsOpen() {
		return ErrSessionClosed
	}
	if p.modified {
		if err := p.inj.CalcChecksums(p.buf, &p.addr, checksumFlags); err != nil {
			return fmt.Errorf("packet: checksums: %w", err)
		}
	}
	if err := p.inj.Emit(p.buf, &p.addr); err != nil {
		return fmt.Errorf("packet: emit: %w", err)
	}
	return nil
}

func (p *Packet) releaseBuffer() {
	buf := p.buf
	p.buf, p.ip, p.tcp = nil, nil, nil
	if p.release != nil && buf != nil {
		p.release(buf)
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s %s -> %s [%s] len=%d", p.addr.Direction, p.Source(), p.Destination(), p.Flags(), p.Len())
}
