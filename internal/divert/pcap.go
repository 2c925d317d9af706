package divert

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"netdivert/internal/discovery"
)

// PcapOptions configures the libpcap backend.
type PcapOptions struct {
	Device  string
	Snaplen int32
	// BufferSize is the kernel capture buffer in bytes; zero keeps the
	// libpcap default.
	BufferSize int
	// Inject enables re-emitting packets passed to Send. Without it the
	// backend only observes traffic and Send is a no-op, since a sniffed
	// packet has already been delivered by the kernel.
	Inject bool
	// Local overrides address discovery for direction inference.
	Local []netip.Addr
}

// readTimeout bounds each libpcap read so Close can interrupt Recv.
const readTimeout = 250 * time.Millisecond

type pcapHandle struct {
	h      *pcap.Handle
	link   layers.LinkType
	local  localSet
	inject bool
	closed atomic.Bool
}

// OpenPcap returns an OpenFunc backed by a live libpcap capture on
// opts.Device. The filter is a BPF expression; priority is ignored.
func OpenPcap(opts PcapOptions) OpenFunc {
	return func(filter string, priority int16) (Handle, error) {
		if opts.Device == "" {
			return nil, errors.New("pcap: no capture device")
		}
		snaplen := opts.Snaplen
		if snaplen <= 0 {
			snaplen = MaxPacketSize
		}

		local := opts.Local
		if len(local) == 0 {
			var err error
			local, err = discovery.LocalAddresses(opts.Device)
			if err != nil {
				return nil, fmt.Errorf("pcap: resolve local addresses: %w", err)
			}
		}

		inactive, err := pcap.NewInactiveHandle(opts.Device)
		if err != nil {
			return nil, fmt.Errorf("pcap: %w", err)
		}
		defer inactive.CleanUp()

		if err := inactive.SetSnapLen(int(snaplen)); err != nil {
			return nil, fmt.Errorf("pcap: snaplen: %w", err)
		}
		if err := inactive.SetPromisc(false); err != nil {
			return nil, fmt.Errorf("pcap: promisc: %w", err)
		}
		if err := inactive.SetTimeout(readTimeout); err != nil {
			return nil, fmt.Errorf("pcap: timeout: %w", err)
		}
		if opts.BufferSize > 0 {
			if err := inactive.SetBufferSize(opts.BufferSize); err != nil {
				return nil, fmt.Errorf("pcap: buffer size: %w", err)
			}
		}

		h, err := inactive.Activate()
		if err != nil {
			return nil, fmt.Errorf("pcap: open %s: %w", opts.Device, err)
		}
		if filter != "" {
			if err := h.SetBPFFilter(filter); err != nil {
				h.Close()
				return nil, fmt.Errorf("pcap: bpf filter: %w", err)
			}
		}

		return &pcapHandle{
			h:      h,
			link:   h.LinkType(),
			local:  newLocalSet(local),
			inject: opts.Inject,
		}, nil
	}
}

func (p *pcapHandle) Recv(buf []byte) (int, Address, error) {
	for {
		if p.closed.Load() {
			return 0, Address{}, ErrClosed
		}

		data, ci, err := p.h.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		}
		if err != nil {
			if p.closed.Load() {
				return 0, Address{}, ErrClosed
			}
			return 0, Address{}, fmt.Errorf("pcap: read: %w", err)
		}

		off, length, src, dst, ok := splitFrame(data, p.link)
		if !ok {
			continue
		}
		if length > len(buf) {
			return 0, Address{}, ErrShortBuffer
		}

		n := copy(buf, data[off:off+length])
		addr := Address{
			Timestamp:  ci.Timestamp,
			Direction:  p.local.direction(src),
			IfIdx:      uint32(ci.InterfaceIndex),
			Loopback:   p.link == layers.LinkTypeLoop || p.link == layers.LinkTypeNull || (p.local.has(src) && p.local.has(dst)),
			LinkHeader: append([]byte(nil), data[:off]...),
		}
		return n, addr, nil
	}
}

func (p *pcapHandle) Send(buf []byte, addr *Address) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.inject {
		return nil
	}

	frame := make([]byte, 0, len(addr.LinkHeader)+len(buf))
	frame = append(frame, addr.LinkHeader...)
	frame = append(frame, buf...)
	if err := p.h.WritePacketData(frame); err != nil {
		return fmt.Errorf("pcap: write: %w", err)
	}
	return nil
}

// SetParam accepts the queue knobs for interface parity. libpcap sizes its
// buffer before activation, see PcapOptions.BufferSize.
func (p *pcapHandle) SetParam(param Param, value uint64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *pcapHandle) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.h.Close()
	return nil
}

func (p *pcapHandle) ConcurrencySafe() bool { return true }
