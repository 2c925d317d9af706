//go:build !windows

package owner

import (
	"context"
	"net/netip"
	"time"

	"github.com/shirou/gopsutil/v4/net"
)

const queryTimeout = 2 * time.Second

var states = map[string]uint32{
	"CLOSE":       StateClosed,
	"LISTEN":      StateListen,
	"SYN_SENT":    StateSynSent,
	"SYN_RECV":    StateSynReceived,
	"ESTABLISHED": StateEstablished,
	"FIN_WAIT1":   StateFinWait1,
	"FIN_WAIT2":   StateFinWait2,
	"CLOSE_WAIT":  StateCloseWait,
	"CLOSING":     StateClosing,
	"LAST_ACK":    StateLastAck,
	"TIME_WAIT":   StateTimeWait,
}

// SystemSource builds owner-pid tables from the kernel's socket list.
type SystemSource struct {
	connections func(ctx context.Context, kind string) ([]net.ConnectionStat, error)
}

// NewSystemSource returns the connection table source of this platform.
func NewSystemSource() *SystemSource {
	return &SystemSource{connections: net.ConnectionsWithContext}
}

// Query returns the non-listening TCP connections of family in the packed
// owner-pid layout.
func (s *SystemSource) Query(family Family) ([]byte, error) {
	kind := "tcp4"
	if family == FamilyIPv6 {
		kind = "tcp6"
	}
	if _, err := LayoutFor(family); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	stats, err := s.connections(ctx, kind)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(stats))
	for _, st := range stats {
		state, ok := states[st.Status]
		if !ok || state == StateListen {
			continue
		}
		local, err := netip.ParseAddr(st.Laddr.IP)
		if err != nil {
			continue
		}
		remote, _ := netip.ParseAddr(st.Raddr.IP)
		rows = append(rows, Row{
			Local:  netip.AddrPortFrom(local, uint16(st.Laddr.Port)),
			Remote: netip.AddrPortFrom(remote, uint16(st.Raddr.Port)),
			State:  state,
			PID:    uint32(st.Pid),
		})
	}
	return Encode(family, rows)
}

// Release is a no-op; tables are garbage collected.
func (s *SystemSource) Release(buf []byte) {}
