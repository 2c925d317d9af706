package owner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrShortTable is returned for a buffer without a complete row count.
	ErrShortTable = errors.New("owner: table shorter than its row count")
	// ErrTruncatedTable is returned when the row count claims more rows than
	// the buffer holds.
	ErrTruncatedTable = errors.New("owner: table truncated")
)

// Table is a read-only view over a packed owner-pid connection table. Rows
// are assumed to follow each other without padding.
type Table struct {
	buf    []byte
	layout Layout
	rows   int
}

// NewTable validates buf against the layout of family.
func NewTable(buf []byte, family Family) (*Table, error) {
	layout, err := LayoutFor(family)
	if err != nil {
		return nil, err
	}
	if len(buf) < countSize {
		return nil, ErrShortTable
	}

	n := binary.LittleEndian.Uint32(buf[:countSize])
	if uint64(n) > uint64(len(buf)-countSize)/uint64(layout.Stride) {
		return nil, fmt.Errorf("%w: %d rows of %d bytes in %d bytes", ErrTruncatedTable, n, layout.Stride, len(buf))
	}
	return &Table{buf: buf, layout: layout, rows: int(n)}, nil
}

// Rows returns the number of rows in the table.
func (t *Table) Rows() int { return t.rows }

func (t *Table) portField(i int) uint32 {
	off := t.layout.PortOffset + i*t.layout.Stride
	return binary.LittleEndian.Uint32(t.buf[off : off+4])
}

func (t *Table) pidField(i int) uint32 {
	off := t.layout.PortOffset + i*t.layout.Stride + t.layout.PIDOffset
	return binary.LittleEndian.Uint32(t.buf[off : off+4])
}

// LookupPort returns the pid of the first row whose local port is port.
func (t *Table) LookupPort(port uint16) (uint32, bool) {
	// The port sits in network order in the low half of a 4-byte field.
	want := uint32(bits.ReverseBytes16(port))
	for i := 0; i < t.rows; i++ {
		if t.portField(i) == want {
			return t.pidField(i), true
		}
	}
	return 0, false
}

// CountPID returns the number of rows owned by pid.
func (t *Table) CountPID(pid uint32) int {
	count := 0
	for i := 0; i < t.rows; i++ {
		if t.pidField(i) == pid {
			count++
		}
	}
	return count
}
