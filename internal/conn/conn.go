// Package conn derives direction-independent TCP connection identities from
// observed packets.
package conn

import (
	"fmt"
	"net/netip"
	"sync"

	"netdivert/internal/divert"
	"netdivert/internal/owner"
)

// Endpoints is the view of a packet needed to identify its connection.
type Endpoints interface {
	SourceAddress() netip.Addr
	DestinationAddress() netip.Addr
	SourcePort() uint16
	DestinationPort() uint16
	Direction() divert.Direction
	Family() owner.Family
}

// Attributor maps a local port to the process that owns it, returning 0
// when unknown.
type Attributor interface {
	MapPortToProcessID(port uint16, family owner.Family) uint32
}

// Role is the part an endpoint plays in a connection.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// SourceRole returns the role of the source endpoint of a packet travelling
// in direction d. The local machine is always the client.
func SourceRole(d divert.Direction) (Role, error) {
	switch d {
	case divert.DirectionOutbound:
		return RoleClient, nil
	case divert.DirectionInbound:
		return RoleServer, nil
	default:
		return 0, fmt.Errorf("%w: %d", divert.ErrUnknownDirection, uint8(d))
	}
}

// Key is the comparable part of an Identity, usable as a map key.
type Key struct {
	ClientAddr netip.Addr
	ClientPort uint16
	ServerAddr netip.Addr
	ServerPort uint16
}

func (k Key) Client() netip.AddrPort { return netip.AddrPortFrom(k.ClientAddr, k.ClientPort) }
func (k Key) Server() netip.AddrPort { return netip.AddrPortFrom(k.ServerAddr, k.ServerPort) }

func (k Key) String() string {
	return k.Client().String() + " -> " + k.Server().String()
}

// Identity is a TCP connection with client and server roles resolved. It is
// immutable apart from the client process id, which is looked up once on
// first use.
type Identity struct {
	key    Key
	family owner.Family
	attr   Attributor

	pidOnce sync.Once
	pid     uint32
}

// FromPacket normalizes the endpoints of p. Both legs of one connection
// yield equal identities.
func FromPacket(p Endpoints, attr Attributor) (*Identity, error) {
	src := netip.AddrPortFrom(p.SourceAddress(), p.SourcePort())
	dst := netip.AddrPortFrom(p.DestinationAddress(), p.DestinationPort())

	role, err := SourceRole(p.Direction())
	if err != nil {
		return nil, err
	}
	if role == RoleServer {
		return New(dst, src, p.Family(), attr), nil
	}
	return New(src, dst, p.Family(), attr), nil
}

// New builds an identity from known endpoints.
func New(client, server netip.AddrPort, family owner.Family, attr Attributor) *Identity {
	return &Identity{
		key: Key{
			ClientAddr: client.Addr().Unmap(),
			ClientPort: client.Port(),
			ServerAddr: server.Addr().Unmap(),
			ServerPort: server.Port(),
		},
		family: family,
		attr:   attr,
	}
}

func (id *Identity) Key() Key                  { return id.key }
func (id *Identity) Client() netip.AddrPort    { return id.key.Client() }
func (id *Identity) Server() netip.AddrPort    { return id.key.Server() }
func (id *Identity) ClientAddress() netip.Addr { return id.key.ClientAddr }
func (id *Identity) ClientPort() uint16        { return id.key.ClientPort }
func (id *Identity) ServerAddress() netip.Addr { return id.key.ServerAddr }
func (id *Identity) ServerPort() uint16        { return id.key.ServerPort }
func (id *Identity) Family() owner.Family      { return id.family }

// Equal compares the endpoints only.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.key == other.key
}

// ClientProcessID returns the pid owning the client port, or 0 if unknown.
// The first result is kept for the life of the identity.
func (id *Identity) ClientProcessID() uint32 {
	id.pidOnce.Do(func() {
		if id.attr != nil {
			id.pid = id.attr.MapPortToProcessID(id.key.ClientPort, id.family)
		}
	})
	return id.pid
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s (%s)", id.key, id.family)
}
