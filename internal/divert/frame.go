package divert

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// localSet classifies captured frames as inbound or outbound by comparing
// their addresses against the addresses of this machine.
type localSet map[netip.Addr]struct{}

func newLocalSet(addrs []netip.Addr) localSet {
	s := make(localSet, len(addrs))
	for _, a := range addrs {
		s[a.Unmap()] = struct{}{}
	}
	return s
}

func (s localSet) has(a netip.Addr) bool {
	_, ok := s[a]
	return ok
}

func (s localSet) direction(src netip.Addr) Direction {
	if s.has(src) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// splitFrame locates the IP packet inside a link-layer frame. It returns the
// offset of the IP header, the length of the IP packet and its endpoints.
func splitFrame(data []byte, link gopacket.Decoder) (off, length int, src, dst netip.Addr, ok bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := pkt.NetworkLayer()
	if nl == nil {
		return 0, 0, src, dst, false
	}
	switch nl.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return 0, 0, src, dst, false
	}

	// NoCopy keeps every layer aliased into data, so the capacity difference
	// is the offset of the network header.
	contents := nl.LayerContents()
	off = cap(data) - cap(contents)
	if off < 0 || off > len(data) {
		return 0, 0, src, dst, false
	}

	length = len(data) - off
	ip := data[off:]
	switch nl.LayerType() {
	case layers.LayerTypeIPv4:
		if len(ip) >= 4 {
			if total := int(binary.BigEndian.Uint16(ip[2:4])); total > 0 && total < length {
				length = total
			}
		}
	case layers.LayerTypeIPv6:
		if len(ip) >= 6 {
			if total := 40 + int(binary.BigEndian.Uint16(ip[4:6])); total < length {
				length = total
			}
		}
	}

	flow := nl.NetworkFlow()
	s, sok := netip.AddrFromSlice(flow.Src().Raw())
	d, dok := netip.AddrFromSlice(flow.Dst().Raw())
	if !sok || !dok {
		return 0, 0, src, dst, false
	}
	return off, length, s.Unmap(), d.Unmap(), true
}
