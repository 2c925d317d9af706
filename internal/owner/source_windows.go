//go:build windows

package owner

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modIphlpapi             = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetExtendedTcpTable = modIphlpapi.NewProc("GetExtendedTcpTable")
)

// TCP_TABLE_OWNER_PID_CONNECTIONS
const tableOwnerPIDConnections = 4

var errNoTable = errors.New("owner: size probe did not report a table")

// SystemSource queries GetExtendedTcpTable.
type SystemSource struct {
	pool sync.Pool
}

// NewSystemSource returns the connection table source of this platform.
func NewSystemSource() *SystemSource {
	return &SystemSource{}
}

func getExtendedTCPTable(buf []byte, size *uint32, family Family) windows.Errno {
	var p uintptr
	if len(buf) > 0 {
		p = uintptr(unsafe.Pointer(&buf[0]))
	}
	r1, _, _ := procGetExtendedTcpTable.Call(
		p,
		uintptr(unsafe.Pointer(size)),
		0,
		uintptr(family),
		tableOwnerPIDConnections,
		0,
	)
	return windows.Errno(r1)
}

// Query probes for the table size, then fills a buffer of that size.
func (s *SystemSource) Query(family Family) ([]byte, error) {
	if err := procGetExtendedTcpTable.Find(); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}

	var size uint32
	if errno := getExtendedTCPTable(nil, &size, family); errno != windows.ERROR_INSUFFICIENT_BUFFER {
		return nil, errNoTable
	}

	buf := s.get(int(size))
	if errno := getExtendedTCPTable(buf, &size, family); errno != 0 {
		s.Release(buf)
		return nil, fmt.Errorf("owner: GetExtendedTcpTable: %w", errno)
	}
	return buf[:size], nil
}

func (s *SystemSource) get(size int) []byte {
	if b, ok := s.pool.Get().(*[]byte); ok && cap(*b) >= size {
		return (*b)[:size]
	}
	return make([]byte, size)
}

// Release returns buf to the source for reuse.
func (s *SystemSource) Release(buf []byte) {
	buf = buf[:0]
	s.pool.Put(&buf)
}
