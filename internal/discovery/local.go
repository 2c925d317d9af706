package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/google/gopacket/pcap"
)

// ErrNoAddresses is returned when no local address could be found.
var ErrNoAddresses = errors.New("discovery: no local addresses")

// findAllDevs is swapped in tests.
var findAllDevs = pcap.FindAllDevs

// Hosts lists the capture devices known to libpcap together with their
// addresses. If device is non-empty only that device is returned.
func Hosts(device string) ([]Host, error) {
	devs, err := findAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var hosts []Host
	for _, d := range devs {
		if device != "" && d.Name != device {
			continue
		}
		h := Host{Device: d.Name, Loopback: d.Flags&loopbackFlag != 0}
		for _, a := range d.Addresses {
			addr, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			h.Addresses = append(h.Addresses, addr.Unmap())
		}
		hosts = append(hosts, h)
	}

	if device != "" && len(hosts) == 0 {
		return nil, fmt.Errorf("device %q not found", device)
	}
	return hosts, nil
}

// LocalAddresses returns every address bound to device, or to any device
// when device is empty. Addresses are sorted and unique.
func LocalAddresses(device string) ([]netip.Addr, error) {
	hosts, err := Hosts(device)
	if err != nil {
		return nil, err
	}

	seen := make(map[netip.Addr]struct{})
	var out []netip.Addr
	for _, h := range hosts {
		for _, a := range h.Addresses {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAddresses
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// PCAP_IF_LOOPBACK
const loopbackFlag = 0x00000001
