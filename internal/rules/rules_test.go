package rules

import (
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdivert/internal/conn"
	"netdivert/internal/divert"
	"netdivert/internal/divert/divertest"
	"netdivert/internal/owner"
	"netdivert/internal/packet"
)

var (
	client = netip.MustParseAddrPort("10.0.0.5:49152")
	server = netip.MustParseAddrPort("93.184.216.34:80")
)

type nopInjector struct{}

func (nopInjector) IsOpen() bool { return true }
func (nopInjector) CalcChecksums([]byte, *divert.Address, divert.ChecksumFlag) error {
	return nil
}
func (nopInjector) Emit([]byte, *divert.Address) error { return nil }

type staticNames map[uint32]string

func (n staticNames) Name(pid uint32) string { return n[pid] }

type fixedPID uint32

func (f fixedPID) MapPortToProcessID(uint16, owner.Family) uint32 { return uint32(f) }

func newPacket(t *testing.T, src, dst netip.AddrPort, dir divert.Direction) (*packet.Packet, *conn.Identity) {
	t.Helper()
	raw := divertest.TCP4(src, dst, nil)
	p, err := packet.Parse(raw, len(raw), divert.Address{Direction: dir}, nopInjector{}, nil)
	require.NoError(t, err)
	id, err := conn.FromPacket(p, fixedPID(42))
	require.NoError(t, err)
	return p, id
}

func newEngine(t *testing.T, spec Spec, names Namer) *Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e, err := NewEngine(spec, names, logrus.NewEntry(logger))
	require.NoError(t, err)
	return e
}

func TestPassByDefault(t *testing.T) {
	e := newEngine(t, Spec{}, nil)
	p, id := newPacket(t, client, server, divert.DirectionOutbound)

	v, err := e.Apply(p, id)
	require.NoError(t, err)
	assert.Equal(t, Pass, v)
	assert.Equal(t, packet.StateFresh, p.State())
}

func TestDropPortsBothLegs(t *testing.T) {
	e := newEngine(t, Spec{DropPorts: []uint16{80}}, nil)

	out, id := newPacket(t, client, server, divert.DirectionOutbound)
	v, err := e.Apply(out, id)
	require.NoError(t, err)
	assert.Equal(t, Drop, v)
	assert.True(t, out.DropRequested())

	in, id := newPacket(t, server, client, divert.DirectionInbound)
	v, err = e.Apply(in, id)
	require.NoError(t, err)
	assert.Equal(t, Drop, v)
	assert.True(t, in.DropRequested())
}

func TestDropProcesses(t *testing.T) {
	e := newEngine(t, Spec{DropProcesses: []string{"Telnet.exe"}}, staticNames{42: "telnet.exe"})
	p, id := newPacket(t, client, server, divert.DirectionOutbound)

	v, err := e.Apply(p, id)
	require.NoError(t, err)
	assert.Equal(t, Drop, v)

	// Without a resolver process rules never match.
	e = newEngine(t, Spec{DropProcesses: []string{"telnet.exe"}}, nil)
	p, id = newPacket(t, client, server, divert.DirectionOutbound)
	v, err = e.Apply(p, id)
	require.NoError(t, err)
	assert.Equal(t, Pass, v)
}

func TestBlockConnection(t *testing.T) {
	e := newEngine(t, Spec{Block: []Connection{{Client: client.String(), Server: server.String()}}}, nil)

	in, id := newPacket(t, server, client, divert.DirectionInbound)
	v, err := e.Apply(in, id)
	require.NoError(t, err)
	assert.Equal(t, Block, v)

	other := netip.MustParseAddrPort("10.0.0.5:49153")
	p, id := newPacket(t, other, server, divert.DirectionOutbound)
	v, err = e.Apply(p, id)
	require.NoError(t, err)
	assert.Equal(t, Pass, v)
}

func TestBlockUnknownDirection(t *testing.T) {
	e := newEngine(t, Spec{Block: []Connection{{Client: client.String(), Server: server.String()}}}, nil)
	raw := divertest.TCP4(client, server, nil)
	p, err := packet.Parse(raw, len(raw), divert.Address{Direction: 4}, nopInjector{}, nil)
	require.NoError(t, err)

	_, err = e.Apply(p, conn.New(client, server, owner.FamilyIPv4, nil))
	assert.ErrorIs(t, err, divert.ErrUnknownDirection)
}

func TestRedirectRoundTrip(t *testing.T) {
	e := newEngine(t, Spec{Redirects: []Redirect{{From: 80, To: 8080}}}, nil)

	out, id := newPacket(t, client, server, divert.DirectionOutbound)
	v, err := e.Apply(out, id)
	require.NoError(t, err)
	assert.Equal(t, Redirected, v)
	assert.Equal(t, uint16(8080), out.DestinationPort())
	assert.True(t, out.Modified())

	reply := netip.AddrPortFrom(server.Addr(), 8080)
	in, id := newPacket(t, reply, client, divert.DirectionInbound)
	v, err = e.Apply(in, id)
	require.NoError(t, err)
	assert.Equal(t, Redirected, v)
	assert.Equal(t, server, in.Source())
}

func TestOriginal(t *testing.T) {
	e := newEngine(t, Spec{Redirects: []Redirect{{From: 80, To: 8080}}}, nil)
	assert.Equal(t, uint16(80), e.Original(8080))
	assert.Equal(t, uint16(80), e.Original(80))
	assert.Equal(t, uint16(443), e.Original(443))
}

func TestBlockRedirectedReply(t *testing.T) {
	e := newEngine(t, Spec{
		Redirects: []Redirect{{From: 80, To: 8080}},
		Block:     []Connection{{Client: client.String(), Server: server.String()}},
	}, nil)

	reply := netip.AddrPortFrom(server.Addr(), 8080)
	in, _ := newPacket(t, reply, client, divert.DirectionInbound)
	v, err := e.Apply(in, conn.New(client, server, owner.FamilyIPv4, nil))
	require.NoError(t, err)
	assert.Equal(t, Block, v)
	assert.True(t, in.DropRequested())
}

func TestCompileErrors(t *testing.T) {
	for name, spec := range map[string]Spec{
		"zero port":     {Redirects: []Redirect{{From: 0, To: 1}}},
		"self":          {Redirects: []Redirect{{From: 1, To: 1}}},
		"twice":         {Redirects: []Redirect{{From: 1, To: 2}, {From: 1, To: 3}}},
		"shared target": {Redirects: []Redirect{{From: 1, To: 3}, {From: 2, To: 3}}},
		"bad client":    {Block: []Connection{{Client: "nope", Server: "1.1.1.1:1"}}},
		"bad server":    {Block: []Connection{{Client: "1.1.1.1:1", Server: "1.1.1.1"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewEngine(spec, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestReload(t *testing.T) {
	e := newEngine(t, Spec{}, nil)
	require.NoError(t, e.Reload(Spec{DropPorts: []uint16{80}}))

	p, id := newPacket(t, client, server, divert.DirectionOutbound)
	v, _ := e.Apply(p, id)
	assert.Equal(t, Drop, v)

	assert.Error(t, e.Reload(Spec{Redirects: []Redirect{{From: 0}}}))
	p, id = newPacket(t, client, server, divert.DirectionOutbound)
	v, _ = e.Apply(p, id)
	assert.Equal(t, Drop, v, "failed reload keeps the previous rules")
}
