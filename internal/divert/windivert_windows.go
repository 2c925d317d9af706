//go:build windows

package divert

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinDivert = windows.NewLazyDLL("WinDivert.dll")

	procWinDivertOpen                = modWinDivert.NewProc("WinDivertOpen")
	procWinDivertRecv                = modWinDivert.NewProc("WinDivertRecv")
	procWinDivertSend                = modWinDivert.NewProc("WinDivertSend")
	procWinDivertSetParam            = modWinDivert.NewProc("WinDivertSetParam")
	procWinDivertShutdown            = modWinDivert.NewProc("WinDivertShutdown")
	procWinDivertClose               = modWinDivert.NewProc("WinDivertClose")
	procWinDivertHelperCalcChecksums = modWinDivert.NewProc("WinDivertHelperCalcChecksums")
)

const (
	layerNetwork  = 0
	shutdownBoth  = 3
	flagOutbound  = 1 << 1
	flagLoopback  = 1 << 2
	flagImpostor  = 1 << 3
	addressLength = int(unsafe.Sizeof(winDivertAddress{}))
)

// winDivertAddress mirrors WINDIVERT_ADDRESS of WinDivert 2.x.
type winDivertAddress struct {
	Timestamp int64
	Layer     uint8
	Event     uint8
	Flags     uint8
	_         uint8
	_         uint32
	Union     [64]uint8
}

func (a *winDivertAddress) network() (ifIdx, subIfIdx uint32) {
	return *(*uint32)(unsafe.Pointer(&a.Union[0])), *(*uint32)(unsafe.Pointer(&a.Union[4]))
}

type winDivertHandle struct {
	h      windows.Handle
	closed atomic.Bool
}

// OpenWinDivert opens a WinDivert handle at the network layer.
func OpenWinDivert(filter string, priority int16) (Handle, error) {
	if err := modWinDivert.Load(); err != nil {
		return nil, fmt.Errorf("windivert: %w", err)
	}
	f, err := windows.BytePtrFromString(filter)
	if err != nil {
		return nil, fmt.Errorf("windivert: filter: %w", err)
	}

	r1, _, e1 := procWinDivertOpen.Call(
		uintptr(unsafe.Pointer(f)),
		uintptr(layerNetwork),
		uintptr(priority),
		0,
	)
	h := windows.Handle(r1)
	if h == windows.InvalidHandle || h == 0 {
		return nil, fmt.Errorf("windivert: open: %w", e1)
	}
	return &winDivertHandle{h: h}, nil
}

func (w *winDivertHandle) Recv(buf []byte) (int, Address, error) {
	if w.closed.Load() {
		return 0, Address{}, ErrClosed
	}
	if len(buf) == 0 {
		return 0, Address{}, ErrShortBuffer
	}

	var (
		recvLen uint32
		raw     winDivertAddress
	)
	r1, _, e1 := procWinDivertRecv.Call(
		uintptr(w.h),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&recvLen)),
		uintptr(unsafe.Pointer(&raw)),
	)
	if r1 == 0 {
		if w.closed.Load() || errors.Is(e1, windows.ERROR_NO_DATA) {
			return 0, Address{}, ErrClosed
		}
		if errors.Is(e1, windows.ERROR_INSUFFICIENT_BUFFER) {
			return 0, Address{}, ErrShortBuffer
		}
		return 0, Address{}, fmt.Errorf("windivert: recv: %w", e1)
	}

	ifIdx, subIfIdx := raw.network()
	native := make([]byte, addressLength)
	copy(native, unsafe.Slice((*byte)(unsafe.Pointer(&raw)), addressLength))

	dir := DirectionInbound
	if raw.Flags&flagOutbound != 0 {
		dir = DirectionOutbound
	}
	return int(recvLen), Address{
		Timestamp: time.Now(),
		Direction: dir,
		IfIdx:     ifIdx,
		SubIfIdx:  subIfIdx,
		Loopback:  raw.Flags&flagLoopback != 0,
		Impostor:  raw.Flags&flagImpostor != 0,
		native:    native,
	}, nil
}

// toNative rebuilds the driver address, applying the caller's direction.
func toNative(addr *Address) winDivertAddress {
	var raw winDivertAddress
	if len(addr.native) == addressLength {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&raw)), addressLength), addr.native)
	} else {
		*(*uint32)(unsafe.Pointer(&raw.Union[0])) = addr.IfIdx
		*(*uint32)(unsafe.Pointer(&raw.Union[4])) = addr.SubIfIdx
	}
	if addr.Direction == DirectionOutbound {
		raw.Flags |= flagOutbound
	} else {
		raw.Flags &^= flagOutbound
	}
	return raw
}

func (w *winDivertHandle) Send(buf []byte, addr *Address) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if len(buf) == 0 {
		return errTruncated
	}

	raw := toNative(addr)
	var sendLen uint32
	r1, _, e1 := procWinDivertSend.Call(
		uintptr(w.h),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&sendLen)),
		uintptr(unsafe.Pointer(&raw)),
	)
	if r1 == 0 {
		return fmt.Errorf("windivert: send: %w", e1)
	}
	return nil
}

// CalcChecksums uses the driver helper, which also refreshes the checksum
// flags carried in the address.
func (w *winDivertHandle) CalcChecksums(buf []byte, addr *Address, flags ChecksumFlag) error {
	if len(buf) == 0 {
		return errTruncated
	}
	raw := toNative(addr)
	r1, _, e1 := procWinDivertHelperCalcChecksums.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&raw)),
		uintptr(flags),
	)
	if r1 == 0 {
		return fmt.Errorf("windivert: checksums: %w", e1)
	}
	addr.native = make([]byte, addressLength)
	copy(addr.native, unsafe.Slice((*byte)(unsafe.Pointer(&raw)), addressLength))
	return nil
}

func (w *winDivertHandle) SetParam(p Param, value uint64) error {
	r1, _, e1 := procWinDivertSetParam.Call(uintptr(w.h), uintptr(p), uintptr(value))
	if r1 == 0 {
		return fmt.Errorf("windivert: set %s: %w", p, e1)
	}
	return nil
}

func (w *winDivertHandle) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	// Shutdown wakes up goroutines blocked in WinDivertRecv.
	procWinDivertShutdown.Call(uintptr(w.h), shutdownBoth)
	r1, _, e1 := procWinDivertClose.Call(uintptr(w.h))
	if r1 == 0 {
		return fmt.Errorf("windivert: close: %w", e1)
	}
	return nil
}

// WinDivert handles may be used from several threads at once.
func (w *winDivertHandle) ConcurrencySafe() bool { return true }
