package discovery

import (
	"net/netip"
)

// Host is a local capture device and the addresses bound to it.
type Host struct {
	Device    string
	Addresses []netip.Addr
	Loopback  bool
}
