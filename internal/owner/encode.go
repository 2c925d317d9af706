package owner

import (
	"encoding/binary"
	"net/netip"
)

// TCP connection states as reported in owner-pid rows.
const (
	StateClosed      uint32 = 1
	StateListen      uint32 = 2
	StateSynSent     uint32 = 3
	StateSynReceived uint32 = 4
	StateEstablished uint32 = 5
	StateFinWait1    uint32 = 6
	StateFinWait2    uint32 = 7
	StateCloseWait   uint32 = 8
	StateClosing     uint32 = 9
	StateLastAck     uint32 = 10
	StateTimeWait    uint32 = 11
	StateDeleteTCB   uint32 = 12
)

// Row is one connection of an owner-pid table.
type Row struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  uint32
	PID    uint32
}

// Encode packs rows into a table with the layout of family, as the OS would
// return it.
func Encode(family Family, rows []Row) ([]byte, error) {
	layout, err := LayoutFor(family)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, layout.TableSize(len(rows)))
	binary.LittleEndian.PutUint32(buf, uint32(len(rows)))
	for i, r := range rows {
		row := buf[countSize+i*layout.Stride : countSize+(i+1)*layout.Stride]
		if family == FamilyIPv4 {
			encodeRow4(row, r)
		} else {
			encodeRow6(row, r)
		}
	}
	return buf, nil
}

// MIB_TCPROW_OWNER_PID: state, local addr, local port, remote addr, remote
// port, pid.
func encodeRow4(row []byte, r Row) {
	binary.LittleEndian.PutUint32(row[0:], r.State)
	putAddr4(row[4:8], r.Local.Addr())
	binary.BigEndian.PutUint16(row[8:], r.Local.Port())
	putAddr4(row[12:16], r.Remote.Addr())
	binary.BigEndian.PutUint16(row[16:], r.Remote.Port())
	binary.LittleEndian.PutUint32(row[20:], r.PID)
}

// MIB_TCP6ROW_OWNER_PID: local addr, scope, local port, remote addr, scope,
// remote port, state, pid.
func encodeRow6(row []byte, r Row) {
	putAddr16(row[0:16], r.Local.Addr())
	binary.BigEndian.PutUint16(row[20:], r.Local.Port())
	putAddr16(row[24:40], r.Remote.Addr())
	binary.BigEndian.PutUint16(row[44:], r.Remote.Port())
	binary.LittleEndian.PutUint32(row[48:], r.State)
	binary.LittleEndian.PutUint32(row[52:], r.PID)
}

func putAddr4(dst []byte, a netip.Addr) {
	if a.Is4() || a.Is4In6() {
		b := a.Unmap().As4()
		copy(dst, b[:])
	}
}

func putAddr16(dst []byte, a netip.Addr) {
	if a.IsValid() {
		b := a.As16()
		copy(dst, b[:])
	}
}
