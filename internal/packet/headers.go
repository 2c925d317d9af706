package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ipv4Header and tcpHeader alias the captured buffer, so writes through them
// change the packet in place. Both are length-checked by parseHeaders before
// any accessor runs.
type (
	ipv4Header []byte
	tcpHeader  []byte
)

// truncation records whether a decoder saw fewer bytes than a header
// announced.
type truncation bool

func (t *truncation) SetTruncated() { *t = true }

// parseHeaders locates the IPv4 and TCP headers of pkt and returns the
// validated length of the IP packet. A zero total length field, as left by
// segmentation offload, counts as the whole buffer.
func parseHeaders(pkt []byte) (ipv4Header, tcpHeader, int, bool) {
	var (
		ip4   layers.IPv4
		tcp   layers.TCP
		trunc truncation
	)
	if err := ip4.DecodeFromBytes(pkt, &trunc); err != nil || trunc {
		return nil, nil, 0, false
	}
	if ip4.Version != 4 || ip4.Protocol != layers.IPProtocolTCP {
		return nil, nil, 0, false
	}
	// Later fragments carry no TCP header.
	if ip4.FragOffset != 0 {
		return nil, nil, 0, false
	}

	ihl := int(ip4.IHL) * 4
	total := int(ip4.Length)
	if binary.BigEndian.Uint16(pkt[2:4]) == 0 {
		total = len(pkt)
	}
	if total > len(pkt) || total < ihl {
		return nil, nil, 0, false
	}
	if err := tcp.DecodeFromBytes(pkt[ihl:total], gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, 0, false
	}
	thl := int(tcp.DataOffset) * 4
	if thl < 20 || ihl+thl > total {
		return nil, nil, 0, false
	}
	return ipv4Header(pkt[:ihl]), tcpHeader(pkt[ihl : ihl+thl]), total, true
}

func (h ipv4Header) src() netip.Addr { return netip.AddrFrom4([4]byte(h[12:16])) }
func (h ipv4Header) dst() netip.Addr { return netip.AddrFrom4([4]byte(h[16:20])) }

func (h ipv4Header) setSrc(a netip.Addr) {
	b := a.As4()
	copy(h[12:16], b[:])
}

func (h ipv4Header) setDst(a netip.Addr) {
	b := a.As4()
	copy(h[16:20], b[:])
}

func (h tcpHeader) srcPort() uint16 { return binary.BigEndian.Uint16(h[0:2]) }
func (h tcpHeader) dstPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

func (h tcpHeader) setSrcPort(p uint16) { binary.BigEndian.PutUint16(h[0:2], p) }
func (h tcpHeader) setDstPort(p uint16) { binary.BigEndian.PutUint16(h[2:4], p) }

func (h tcpHeader) seq() uint32  { return binary.BigEndian.Uint32(h[4:8]) }
func (h tcpHeader) flags() Flags { return Flags(h[13]) }
