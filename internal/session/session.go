// Package session owns a capture handle and turns what it receives into
// packets.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"netdivert/internal/divert"
	"netdivert/internal/packet"
)

// ErrNotOpen is returned when a session is used before Open or after Close.
var ErrNotOpen = errors.New("session: not open")

// Config holds the capture filter and queue tuning of a session.
type Config struct {
	Filter   string
	Priority int16

	QueueLength uint64 // packets
	QueueTime   uint64 // milliseconds
	QueueSize   uint64 // bytes
}

// DefaultConfig returns the queue settings applied when none are given.
func DefaultConfig() Config {
	return Config{
		Filter:      "tcp",
		QueueLength: 16384,
		QueueTime:   8000,
		QueueSize:   32 << 20,
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger of the session.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) {
		s.log = log.WithField("component", "session")
	}
}

// Session is an open capture stream shared by any number of goroutines.
type Session struct {
	cfg    Config
	opener divert.OpenFunc
	log    *logrus.Entry

	mu     sync.RWMutex
	handle divert.Handle

	// Backends that are not safe for concurrent use get one receiver and one
	// sender at a time.
	recvMu    sync.Mutex
	sendMu    sync.Mutex
	serialize atomic.Bool

	bufs sync.Pool
}

// New creates a closed session that opens its handle with opener.
func New(cfg Config, opener divert.OpenFunc, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		opener: opener,
		log:    logrus.NewEntry(logrus.StandardLogger()).WithField("component", "session"),
	}
	s.bufs.New = func() any {
		b := make([]byte, divert.MaxPacketSize)
		return &b
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens and tunes the capture handle. Opening an open session is a
// no-op. A failed open is not retried.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}
	h, err := s.opener(s.cfg.Filter, s.cfg.Priority)
	if err != nil {
		return fmt.Errorf("session: open %q: %w", s.cfg.Filter, err)
	}

	params := []struct {
		p divert.Param
		v uint64
	}{
		{divert.ParamQueueLength, s.cfg.QueueLength},
		{divert.ParamQueueTime, s.cfg.QueueTime},
		{divert.ParamQueueSize, s.cfg.QueueSize},
	}
	for _, p := range params {
		if p.v == 0 {
			continue
		}
		if err := h.SetParam(p.p, p.v); err != nil {
			h.Close()
			return fmt.Errorf("session: %w", err)
		}
	}

	c, ok := h.(divert.ConcurrentHandle)
	s.serialize.Store(!ok || !c.ConcurrencySafe())
	s.handle = h
	s.log.WithFields(logrus.Fields{
		"filter":   s.cfg.Filter,
		"priority": s.cfg.Priority,
	}).Info("Capture session opened")
	return nil
}

// Close releases the handle. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	s.log.Info("Capture session closed")
	return nil
}

// IsOpen reports whether the session holds an open handle.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

func (s *Session) current() divert.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) lock(mu *sync.Mutex) func() {
	if !s.serialize.Load() {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

// Receive blocks for the next captured packet. Traffic that is not IPv4/TCP
// is released and reported as packet.ErrUnsupported.
func (s *Session) Receive() (*packet.Packet, error) {
	p, err := s.receive()
	if errors.Is(err, ErrNotOpen) {
		s.log.Error("Receive called on a session that is not open")
	}
	return p, err
}

func (s *Session) receive() (*packet.Packet, error) {
	h := s.current()
	if h == nil {
		return nil, ErrNotOpen
	}

	bp := s.bufs.Get().(*[]byte)
	buf := *bp

	unlock := s.lock(&s.recvMu)
	n, addr, err := h.Recv(buf)
	unlock()
	if err != nil {
		s.bufs.Put(bp)
		return nil, fmt.Errorf("session: receive: %w", err)
	}
	return packet.Parse(buf, n, addr, s, s.release)
}

func (s *Session) release(buf []byte) {
	buf = buf[:cap(buf)]
	s.bufs.Put(&buf)
}

// Emit injects buf through the session's handle.
func (s *Session) Emit(buf []byte, addr *divert.Address) error {
	h := s.current()
	if h == nil {
		return ErrNotOpen
	}
	unlock := s.lock(&s.sendMu)
	defer unlock()
	return h.Send(buf, addr)
}

// CalcChecksums refreshes the checksums of buf, using the backend's own
// helper when it has one.
func (s *Session) CalcChecksums(buf []byte, addr *divert.Address, flags divert.ChecksumFlag) error {
	if c, ok := s.current().(divert.Checksummer); ok {
		return c.CalcChecksums(buf, addr, flags)
	}
	return divert.CalcChecksums(buf, flags)
}
