package conn

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdivert/internal/divert"
	"netdivert/internal/owner"
)

type endpoints struct {
	src, dst netip.AddrPort
	dir      divert.Direction
}

func (e endpoints) SourceAddress() netip.Addr      { return e.src.Addr() }
func (e endpoints) DestinationAddress() netip.Addr { return e.dst.Addr() }
func (e endpoints) SourcePort() uint16             { return e.src.Port() }
func (e endpoints) DestinationPort() uint16        { return e.dst.Port() }
func (e endpoints) Direction() divert.Direction    { return e.dir }
func (e endpoints) Family() owner.Family           { return owner.FamilyIPv4 }

type countingAttributor struct {
	calls atomic.Int32
	pid   uint32
	port  uint16
}

func (a *countingAttributor) MapPortToProcessID(port uint16, family owner.Family) uint32 {
	a.calls.Add(1)
	a.port = port
	return a.pid
}

func TestDirectionSymmetry(t *testing.T) {
	pairs := []struct{ local, remote string }{
		{"10.0.0.5:49152", "93.184.216.34:443"},
		{"192.168.1.2:1", "192.168.1.3:65535"},
		{"127.0.0.1:8080", "127.0.0.1:9090"},
	}
	for _, pair := range pairs {
		a := netip.MustParseAddrPort(pair.local)
		b := netip.MustParseAddrPort(pair.remote)

		in, err := FromPacket(endpoints{src: b, dst: a, dir: divert.DirectionInbound}, nil)
		require.NoError(t, err)
		out, err := FromPacket(endpoints{src: a, dst: b, dir: divert.DirectionOutbound}, nil)
		require.NoError(t, err)

		assert.True(t, in.Equal(out), "%s vs %s", in, out)
		assert.Equal(t, in.Key(), out.Key())
		assert.Equal(t, a, in.Client())
		assert.Equal(t, b, in.Server())
	}
}

func TestKeyAsMapKey(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.5:49152")
	b := netip.MustParseAddrPort("1.1.1.1:443")
	in, _ := FromPacket(endpoints{src: b, dst: a, dir: divert.DirectionInbound}, nil)
	out, _ := FromPacket(endpoints{src: a, dst: b, dir: divert.DirectionOutbound}, nil)

	seen := map[Key]int{}
	seen[in.Key()]++
	seen[out.Key()]++
	assert.Len(t, seen, 1)
	assert.Equal(t, "10.0.0.5:49152 -> 1.1.1.1:443", in.Key().String())
}

func TestFromPacketUnknownDirection(t *testing.T) {
	_, err := FromPacket(endpoints{
		src: netip.MustParseAddrPort("1.2.3.4:1"),
		dst: netip.MustParseAddrPort("5.6.7.8:2"),
		dir: divert.Direction(7),
	}, nil)
	assert.True(t, errors.Is(err, divert.ErrUnknownDirection))

	_, err = SourceRole(divert.Direction(2))
	assert.ErrorIs(t, err, divert.ErrUnknownDirection)
}

func TestEqualIgnoresProcessAndFamily(t *testing.T) {
	c := netip.MustParseAddrPort("10.0.0.5:50000")
	s := netip.MustParseAddrPort("10.0.0.9:22")
	x := New(c, s, owner.FamilyIPv4, &countingAttributor{pid: 1})
	y := New(c, s, owner.FamilyIPv4, &countingAttributor{pid: 2})
	x.ClientProcessID()

	assert.True(t, x.Equal(y))
	assert.False(t, x.Equal(New(s, c, owner.FamilyIPv4, nil)))
	assert.False(t, x.Equal(nil))
	var none *Identity
	assert.True(t, none.Equal(nil))
}

func TestNewUnmapsAddresses(t *testing.T) {
	mapped := netip.AddrPortFrom(netip.MustParseAddr("::ffff:10.0.0.5"), 80)
	plain := netip.MustParseAddrPort("10.0.0.5:80")
	s := netip.MustParseAddrPort("10.0.0.9:22")
	assert.True(t, New(mapped, s, owner.FamilyIPv4, nil).Equal(New(plain, s, owner.FamilyIPv4, nil)))
}

func TestClientProcessIDComputedOnce(t *testing.T) {
	attr := &countingAttributor{pid: 4242}
	id := New(netip.MustParseAddrPort("10.0.0.5:50000"), netip.MustParseAddrPort("1.1.1.1:443"), owner.FamilyIPv4, attr)
	assert.Zero(t, attr.calls.Load())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, uint32(4242), id.ClientProcessID())
		}()
	}
	wg.Wait()

	attr.pid = 1
	assert.Equal(t, uint32(4242), id.ClientProcessID())
	assert.Equal(t, int32(1), attr.calls.Load())
	assert.Equal(t, uint16(50000), attr.port)
}

func TestClientProcessIDWithoutAttributor(t *testing.T) {
	id := New(netip.MustParseAddrPort("10.0.0.5:50000"), netip.MustParseAddrPort("1.1.1.1:443"), owner.FamilyIPv4, nil)
	assert.Zero(t, id.ClientProcessID())
}

func TestAttributorIntegration(t *testing.T) {
	table, err := owner.Encode(owner.FamilyIPv4, []owner.Row{
		{Local: netip.MustParseAddrPort("10.0.0.5:50000"), Remote: netip.MustParseAddrPort("1.1.1.1:443"), State: owner.StateEstablished, PID: 77},
	})
	require.NoError(t, err)
	attr := owner.NewAttributor(staticSource(table), nil)

	id, err := FromPacket(endpoints{
		src: netip.MustParseAddrPort("1.1.1.1:443"),
		dst: netip.MustParseAddrPort("10.0.0.5:50000"),
		dir: divert.DirectionInbound,
	}, attr)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), id.ClientProcessID())
}

type staticSource []byte

func (s staticSource) Query(owner.Family) ([]byte, error) { return s, nil }
func (s staticSource) Release([]byte)                     {}
