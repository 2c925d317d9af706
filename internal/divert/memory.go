package divert

import (
	"sync"
)

// SentPacket is a packet emitted through a MemoryHandle.
type SentPacket struct {
	Data []byte
	Addr Address
}

type queuedPacket struct {
	data []byte
	addr Address
}

// MemoryHandle is an in-process Handle fed with Enqueue. It never touches
// the network and is safe for concurrent use.
type MemoryHandle struct {
	in     chan queuedPacket
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []SentPacket
	params  map[Param]uint64
	sendErr error
	recvErr error
	filter  string
}

// NewMemoryHandle returns a handle whose receive queue holds up to capacity
// packets.
func NewMemoryHandle(capacity int) *MemoryHandle {
	return &MemoryHandle{
		in:     make(chan queuedPacket, capacity),
		closed: make(chan struct{}),
		params: make(map[Param]uint64),
	}
}

// Opener returns an OpenFunc that hands out h.
func (h *MemoryHandle) Opener() OpenFunc {
	return func(filter string, priority int16) (Handle, error) {
		h.mu.Lock()
		h.filter = filter
		h.mu.Unlock()
		return h, nil
	}
}

// Enqueue queues a copy of pkt for a later Recv.
func (h *MemoryHandle) Enqueue(pkt []byte, addr Address) error {
	data := append([]byte(nil), pkt...)
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	select {
	case h.in <- queuedPacket{data: data, addr: addr}:
		return nil
	case <-h.closed:
		return ErrClosed
	}
}

func (h *MemoryHandle) Recv(buf []byte) (int, Address, error) {
	h.mu.Lock()
	recvErr := h.recvErr
	h.mu.Unlock()
	if recvErr != nil {
		return 0, Address{}, recvErr
	}

	select {
	case <-h.closed:
		return 0, Address{}, ErrClosed
	case p := <-h.in:
		if len(p.data) > len(buf) {
			return 0, Address{}, ErrShortBuffer
		}
		return copy(buf, p.data), p.addr, nil
	}
}

func (h *MemoryHandle) Send(buf []byte, addr *Address) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	sp := SentPacket{Data: append([]byte(nil), buf...)}
	if addr != nil {
		sp.Addr = *addr
	}
	h.sent = append(h.sent, sp)
	return nil
}

func (h *MemoryHandle) SetParam(p Param, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.params[p] = value
	return nil
}

func (h *MemoryHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *MemoryHandle) ConcurrencySafe() bool { return true }

// Sent returns a copy of every packet emitted so far.
func (h *MemoryHandle) Sent() []SentPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentPacket, len(h.sent))
	copy(out, h.sent)
	return out
}

// Param returns the last value set for p.
func (h *MemoryHandle) Param(p Param) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.params[p]
	return v, ok
}

// Filter returns the filter the handle was opened with.
func (h *MemoryHandle) Filter() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.filter
}

// FailSends makes every following Send return err. A nil err restores
// normal behavior.
func (h *MemoryHandle) FailSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// FailRecvs makes every following Recv return err.
func (h *MemoryHandle) FailRecvs(err error) {
	h.mu.Lock()
	h.recvErr = err
	h.mu.Unlock()
}
