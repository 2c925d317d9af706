// Package owner attributes local TCP ports to the processes that own them by
// scanning the operating system's owner-pid connection table.
package owner

import (
	"errors"
	"fmt"
)

// ErrUnknownFamily is returned for an address family without a table layout.
var ErrUnknownFamily = errors.New("owner: unknown address family")

// Family is an OS address family constant.
type Family uint32

const (
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 23
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint32(f))
	}
}

// countSize is the width of the row count that precedes the rows.
const countSize = 4

// Layout locates the fields of an owner-pid table.
type Layout struct {
	// PortOffset is the offset of the first row's local port field from the
	// start of the table, row count included.
	PortOffset int
	// PIDOffset is the distance from a row's port field to its pid field.
	PIDOffset int
	// Stride is the size of one row.
	Stride int
}

var (
	layoutIPv4 = Layout{PortOffset: 12, PIDOffset: 12, Stride: 24}
	layoutIPv6 = Layout{PortOffset: 24, PIDOffset: 32, Stride: 56}
)

// LayoutFor returns the row layout of family.
func LayoutFor(family Family) (Layout, error) {
	switch family {
	case FamilyIPv4:
		return layoutIPv4, nil
	case FamilyIPv6:
		return layoutIPv6, nil
	default:
		return Layout{}, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
}

// TableSize is the number of bytes a table of rows rows occupies.
func (l Layout) TableSize(rows int) int {
	return countSize + rows*l.Stride
}
