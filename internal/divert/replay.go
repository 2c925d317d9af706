package divert

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// ReplayOptions configures the pcap file backend.
type ReplayOptions struct {
	// Input is the capture file to read packets from.
	Input string
	// Output, when set, receives every packet passed to Send as a raw IP
	// capture.
	Output string
	// Local lists the addresses treated as this machine for direction
	// inference.
	Local []netip.Addr
}

type replayHandle struct {
	mu     sync.Mutex
	in     *os.File
	r      *pcapgo.Reader
	bpf    *pcap.BPF
	out    *os.File
	w      *pcapgo.Writer
	local  localSet
	closed bool
}

// OpenReplay returns an OpenFunc that plays back a capture file. The filter
// is a BPF expression compiled against the file's link type. Recv returns
// ErrClosed once the file is exhausted.
func OpenReplay(opts ReplayOptions) OpenFunc {
	return func(filter string, priority int16) (Handle, error) {
		in, err := os.Open(opts.Input)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		r, err := pcapgo.NewReader(in)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("replay: read header: %w", err)
		}

		h := &replayHandle{in: in, r: r, local: newLocalSet(opts.Local)}

		if filter != "" {
			bpf, err := pcap.NewBPF(r.LinkType(), int(r.Snaplen()), filter)
			if err != nil {
				in.Close()
				return nil, fmt.Errorf("replay: bpf filter: %w", err)
			}
			h.bpf = bpf
		}

		if opts.Output != "" {
			out, err := os.Create(opts.Output)
			if err != nil {
				in.Close()
				return nil, fmt.Errorf("replay: %w", err)
			}
			w := pcapgo.NewWriter(out)
			if err := w.WriteFileHeader(MaxPacketSize, layers.LinkTypeRaw); err != nil {
				in.Close()
				out.Close()
				return nil, fmt.Errorf("replay: write header: %w", err)
			}
			h.out, h.w = out, w
		}
		return h, nil
	}
}

func (h *replayHandle) Recv(buf []byte) (int, Address, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if h.closed {
			return 0, Address{}, ErrClosed
		}
		data, ci, err := h.r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, Address{}, ErrClosed
		}
		if err != nil {
			return 0, Address{}, fmt.Errorf("replay: read: %w", err)
		}
		if h.bpf != nil && !h.bpf.Matches(ci, data) {
			continue
		}

		off, length, src, dst, ok := splitFrame(data, h.r.LinkType())
		if !ok {
			continue
		}
		if length > len(buf) {
			return 0, Address{}, ErrShortBuffer
		}
		n := copy(buf, data[off:off+length])
		return n, Address{
			Timestamp:  ci.Timestamp,
			Direction:  h.local.direction(src),
			IfIdx:      uint32(ci.InterfaceIndex),
			Loopback:   h.local.has(src) && h.local.has(dst),
			LinkHeader: append([]byte(nil), data[:off]...),
		}, nil
	}
}

func (h *replayHandle) Send(buf []byte, addr *Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.w == nil {
		return nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     addr.Timestamp,
		CaptureLength: len(buf),
		Length:        len(buf),
	}
	if err := h.w.WritePacket(ci, buf); err != nil {
		return fmt.Errorf("replay: write: %w", err)
	}
	return nil
}

func (h *replayHandle) SetParam(p Param, value uint64) error {
	return nil
}

func (h *replayHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	err := h.in.Close()
	if h.out != nil {
		if cerr := h.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// The reader and writer share one mutex, so concurrent callers are safe.
func (h *replayHandle) ConcurrencySafe() bool { return true }
