package divert

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Checksummer is implemented by backends that recompute checksums natively.
type Checksummer interface {
	CalcChecksums(buf []byte, addr *Address, flags ChecksumFlag) error
}

var errTruncated = errors.New("divert: truncated packet")

// CalcChecksums recomputes the IP header checksum and the transport checksum
// of the raw IP packet in buf, in place. Checksums selected by flags are left
// untouched.
func CalcChecksums(buf []byte, flags ChecksumFlag) error {
	if len(buf) == 0 {
		return errTruncated
	}

	switch buf[0] >> 4 {
	case 4:
		return calcIPv4(buf, flags)
	case 6:
		return calcIPv6(buf, flags)
	default:
		return fmt.Errorf("divert: unknown IP version %d", buf[0]>>4)
	}
}

func calcIPv4(buf []byte, flags ChecksumFlag) error {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("decode ipv4: %w", err)
	}
	hlen := int(ip4.IHL) * 4

	if flags&NoIPChecksum == 0 {
		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true}
		if err := ip4.SerializeTo(sb, opts); err != nil {
			return fmt.Errorf("serialize ipv4: %w", err)
		}
		out := sb.Bytes()
		if len(out) < 12 {
			return errTruncated
		}
		copy(buf[10:12], out[10:12])
	}

	return calcTransport(buf, hlen, ip4.Protocol, ip4.Payload, &ip4, flags)
}

func calcIPv6(buf []byte, flags ChecksumFlag) error {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("decode ipv6: %w", err)
	}
	// Extension headers are not walked; only a transport header directly
	// after the fixed header is recomputed.
	return calcTransport(buf, 40, ip6.NextHeader, ip6.Payload, &ip6, flags)
}

func calcTransport(buf []byte, off int, proto layers.IPProtocol, payload []byte, nl gopacket.NetworkLayer, flags ChecksumFlag) error {
	var (
		layer  gopacket.SerializableLayer
		body   []byte
		csumAt int
	)

	switch proto {
	case layers.IPProtocolTCP:
		if flags&NoTCPChecksum != 0 {
			return nil
		}
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("decode tcp: %w", err)
		}
		if err := tcp.SetNetworkLayerForChecksum(nl); err != nil {
			return err
		}
		layer, body, csumAt = tcp, tcp.Payload, 16
	case layers.IPProtocolUDP:
		if flags&NoUDPChecksum != 0 {
			return nil
		}
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("decode udp: %w", err)
		}
		if err := udp.SetNetworkLayerForChecksum(nl); err != nil {
			return err
		}
		layer, body, csumAt = udp, udp.Payload, 6
	case layers.IPProtocolICMPv4:
		if flags&NoICMPChecksum != 0 {
			return nil
		}
		icmp := &layers.ICMPv4{}
		if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("decode icmpv4: %w", err)
		}
		layer, body, csumAt = icmp, icmp.Payload, 2
	case layers.IPProtocolICMPv6:
		if flags&NoICMPv6Checksum != 0 {
			return nil
		}
		icmp := &layers.ICMPv6{}
		if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("decode icmpv6: %w", err)
		}
		if err := icmp.SetNetworkLayerForChecksum(nl); err != nil {
			return err
		}
		layer, body, csumAt = icmp, icmp.Payload, 2
	default:
		return nil
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, layer, gopacket.Payload(body)); err != nil {
		return fmt.Errorf("serialize %s: %w", proto, err)
	}
	out := sb.Bytes()
	if len(out) < csumAt+2 || len(buf) < off+csumAt+2 {
		return errTruncated
	}
	copy(buf[off+csumAt:off+csumAt+2], out[csumAt:csumAt+2])
	return nil
}
