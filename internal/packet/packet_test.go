package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdivert/internal/conn"
	"netdivert/internal/divert"
	"netdivert/internal/divert/divertest"
	"netdivert/internal/owner"
)

var (
	client = netip.MustParseAddrPort("10.0.0.5:49152")
	server = netip.MustParseAddrPort("93.184.216.34:443")
)

type fakeInjector struct {
	closed    bool
	emitErr   error
	sumErr    error
	emitted   [][]byte
	checksums int
	sumFlags  divert.ChecksumFlag
}

func (f *fakeInjector) IsOpen() bool { return !f.closed }

func (f *fakeInjector) CalcChecksums(buf []byte, addr *divert.Address, flags divert.ChecksumFlag) error {
	f.checksums++
	f.sumFlags = flags
	if f.sumErr != nil {
		return f.sumErr
	}
	return divert.CalcChecksums(buf, flags)
}

func (f *fakeInjector) Emit(buf []byte, addr *divert.Address) error {
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, append([]byte(nil), buf...))
	return nil
}

type releaseCounter struct{ n int }

func (r *releaseCounter) release([]byte) { r.n++ }

func newPacket(t *testing.T, src, dst netip.AddrPort, dir divert.Direction) (*Packet, *fakeInjector, *releaseCounter) {
	t.Helper()
	raw := divertest.TCP4(src, dst, []byte("hello"))
	buf := make([]byte, divert.MaxPacketSize)
	n := copy(buf, raw)

	inj := &fakeInjector{}
	rel := &releaseCounter{}
	p, err := Parse(buf, n, divert.Address{Direction: dir}, inj, rel.release)
	require.NoError(t, err)
	return p, inj, rel
}

func TestParseReads(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.DirectionOutbound)

	assert.Equal(t, client.Addr(), p.SourceAddress())
	assert.Equal(t, server.Addr(), p.DestinationAddress())
	assert.Equal(t, client.Port(), p.SourcePort())
	assert.Equal(t, server.Port(), p.DestinationPort())
	assert.Equal(t, divert.DirectionOutbound, p.Direction())
	assert.Equal(t, owner.FamilyIPv4, p.Family())
	assert.Equal(t, 5, p.PayloadLen())
	assert.Equal(t, []byte("hello"), p.Payload())
	assert.Equal(t, uint32(1000), p.Seq())
	assert.Equal(t, FlagACK|FlagPSH, p.Flags())
	assert.Equal(t, "PSH|ACK", p.Flags().String())
	assert.Equal(t, StateFresh, p.State())
}

func TestParseZeroTotalLength(t *testing.T) {
	// Segmentation offload leaves the IP total length at zero.
	raw := divertest.TCP4(client, server, []byte("hello"))
	binary.BigEndian.PutUint16(raw[2:4], 0)

	p, err := Parse(raw, len(raw), divert.Address{}, &fakeInjector{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, p.PayloadLen())
	assert.Equal(t, []byte("hello"), p.Payload())
}

func TestPayloadIgnoresTrailingBytes(t *testing.T) {
	raw := divertest.TCP4(client, server, []byte("hello"))
	// Link-layer padding after the IP packet.
	buf := append(raw, 0, 0, 0, 0)

	p, err := Parse(buf, len(buf), divert.Address{}, &fakeInjector{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, p.PayloadLen())
	assert.Equal(t, []byte("hello"), p.Payload())
	assert.Equal(t, len(buf), p.Len())
}

func TestParseUnsupported(t *testing.T) {
	cases := map[string][]byte{
		"udp":       divertest.UDP4(client, server, []byte("x")),
		"ipv6":      divertest.TCP6(netip.MustParseAddrPort("[fe80::1]:1"), netip.MustParseAddrPort("[fe80::2]:2"), nil),
		"empty":     {},
		"truncated": divertest.TCP4(client, server, []byte("hello"))[:30],
	}
	frag := divertest.TCP4(client, server, []byte("hello"))
	binary.BigEndian.PutUint16(frag[6:8], 10)
	cases["fragment"] = frag

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			rel := &releaseCounter{}
			p, err := Parse(raw, len(raw), divert.Address{}, &fakeInjector{}, rel.release)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrUnsupported)
			assert.Equal(t, 1, rel.n)
		})
	}

	rel := &releaseCounter{}
	_, err := Parse(make([]byte, 4), 8, divert.Address{}, nil, rel.release)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 1, rel.n)
}

func TestIdempotentMutation(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.DirectionOutbound)

	require.NoError(t, p.SetSourceAddress(client.Addr()))
	require.NoError(t, p.SetDestinationAddress(server.Addr()))
	require.NoError(t, p.SetSourcePort(client.Port()))
	require.NoError(t, p.SetDestinationPort(server.Port()))
	require.NoError(t, p.SetDirection(divert.DirectionOutbound))
	require.NoError(t, p.SetSourceAddress(netip.MustParseAddr("::ffff:10.0.0.5")))

	assert.False(t, p.Modified())
	assert.Equal(t, StateFresh, p.State())
}

func TestMutationWritesThrough(t *testing.T) {
	p, inj, _ := newPacket(t, client, server, divert.DirectionOutbound)

	newDst := netip.MustParseAddrPort("10.9.9.9:8443")
	require.NoError(t, p.SetDestinationAddress(newDst.Addr()))
	require.NoError(t, p.SetDestinationPort(newDst.Port()))
	assert.True(t, p.Modified())
	assert.Equal(t, StateModified, p.State())
	assert.Equal(t, newDst, p.Destination())

	require.NoError(t, p.Send())
	require.Len(t, inj.emitted, 1)
	assert.Equal(t, 1, inj.checksums)
	assert.Equal(t, divert.NoICMPChecksum|divert.NoICMPv6Checksum|divert.NoUDPChecksum, inj.sumFlags)

	decoded := gopacket.NewPacket(inj.emitted[0], layers.LayerTypeIPv4, gopacket.Default)
	ip, _ := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp, _ := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.NotNil(t, ip)
	require.NotNil(t, tcp)
	assert.Equal(t, newDst.Addr().AsSlice(), []byte(ip.DstIP.To4()))
	assert.Equal(t, layers.TCPPort(8443), tcp.DstPort)

	want := divertest.TCP4(client, newDst, []byte("hello"))
	assert.Equal(t, want, inj.emitted[0], "checksums match a freshly built packet")
}

func TestPortRoundTrip(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.DirectionOutbound)
	for _, port := range []uint16{1, 80, 0x0102, 0xFF00, 0xFFFF} {
		require.NoError(t, p.SetSourcePort(port))
		assert.Equal(t, port, p.SourcePort())
		require.NoError(t, p.SetDestinationPort(port))
		assert.Equal(t, port, p.DestinationPort())
	}
	assert.Equal(t, []byte{0xFF, 0xFF}, p.buf[20:22])
}

func TestInvalidInputs(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.DirectionOutbound)

	for _, a := range []netip.Addr{{}, netip.MustParseAddr("0.0.0.0"), netip.MustParseAddr("2001:db8::1")} {
		assert.ErrorIs(t, p.SetSourceAddress(a), ErrInvalidAddress)
		assert.ErrorIs(t, p.SetDestinationAddress(a), ErrInvalidAddress)
	}
	assert.ErrorIs(t, p.SetDirection(divert.Direction(9)), divert.ErrUnknownDirection)

	assert.Equal(t, client, p.Source())
	assert.Equal(t, server, p.Destination())
	assert.Equal(t, StateFresh, p.State())
}

func TestDropIsSticky(t *testing.T) {
	p, inj, rel := newPacket(t, client, server, divert.DirectionOutbound)

	p.Drop()
	p.Drop()
	assert.Equal(t, StateDropRequested, p.State())

	require.NoError(t, p.SetDestinationPort(9999))
	require.NoError(t, p.SetDirection(divert.DirectionInbound))
	assert.Equal(t, StateDropRequested, p.State())
	assert.True(t, p.DropRequested())

	require.NoError(t, p.Send())
	assert.Empty(t, inj.emitted)
	assert.Zero(t, inj.checksums)
	assert.Equal(t, 1, rel.n)
	assert.Equal(t, StateFinalized, p.State())
}

func TestSendReleasesOnce(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name    string
		prepare func(p *Packet, inj *fakeInjector)
		wantErr error
		emitted int
	}{
		{"plain", func(*Packet, *fakeInjector) {}, nil, 1},
		{"modified", func(p *Packet, _ *fakeInjector) { _ = p.SetSourcePort(1) }, nil, 1},
		{"dropped", func(p *Packet, _ *fakeInjector) { p.Drop() }, nil, 0},
		{"emit failure", func(_ *Packet, inj *fakeInjector) { inj.emitErr = boom }, boom, 0},
		{"checksum failure", func(p *Packet, inj *fakeInjector) { _ = p.SetSourcePort(1); inj.sumErr = boom }, boom, 0},
		{"session closed", func(_ *Packet, inj *fakeInjector) { inj.closed = true }, ErrSessionClosed, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, inj, rel := newPacket(t, client, server, divert.DirectionOutbound)
			tc.prepare(p, inj)

			err := p.Send()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, inj.emitted, tc.emitted)
			assert.Equal(t, 1, rel.n)

			assert.ErrorIs(t, p.Send(), ErrFinalized)
			assert.Equal(t, 1, rel.n)
			assert.Len(t, inj.emitted, tc.emitted)
		})
	}
}

func TestFinalizedPacket(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.DirectionOutbound)
	require.NoError(t, p.Send())

	assert.ErrorIs(t, p.SetSourcePort(1), ErrFinalized)
	assert.ErrorIs(t, p.SetSourceAddress(client.Addr()), ErrFinalized)
	assert.ErrorIs(t, p.SetDirection(divert.DirectionInbound), ErrFinalized)
	p.Drop()
	assert.False(t, p.DropRequested())
	assert.Equal(t, StateFinalized, p.State())
	assert.Zero(t, p.SourcePort())
	assert.False(t, p.SourceAddress().IsValid())
}

func TestBelongsTo(t *testing.T) {
	id := conn.New(client, server, owner.FamilyIPv4, nil)
	swapped := conn.New(server, client, owner.FamilyIPv4, nil)

	in, _, _ := newPacket(t, server, client, divert.DirectionInbound)
	ok, err := in.BelongsTo(id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = in.BelongsTo(swapped)
	require.NoError(t, err)
	assert.False(t, ok)

	out, _, _ := newPacket(t, client, server, divert.DirectionOutbound)
	ok, err = out.BelongsTo(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = out.BelongsTo(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	derived, err := conn.FromPacket(in, nil)
	require.NoError(t, err)
	assert.True(t, derived.Equal(id))
}

func TestBelongsToUnknownDirection(t *testing.T) {
	p, _, _ := newPacket(t, client, server, divert.Direction(5))
	_, err := p.BelongsTo(conn.New(client, server, owner.FamilyIPv4, nil))
	assert.ErrorIs(t, err, divert.ErrUnknownDirection)
}
