package session

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"netdivert/internal/divert"
	"netdivert/internal/packet"
)

// Handler processes one packet. It may rewrite, drop or send it; packets it
// leaves unsent are sent when it returns.
type Handler interface {
	Handle(ctx context.Context, p *packet.Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p *packet.Packet) error

func (f HandlerFunc) Handle(ctx context.Context, p *packet.Packet) error { return f(ctx, p) }

// Serve runs workers goroutines, each receiving, handling and sending packets
// until ctx is cancelled or a fatal error occurs. Cancellation closes the
// session to unblock pending receives. A zero workers count uses one worker
// per CPU.
//
// Handler errors are logged and processing continues, except for an unknown
// direction, which stops Serve and is returned.
func (s *Session) Serve(ctx context.Context, workers int, h Handler) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close session")
		}
	}()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.work(ctx, id, h); err != nil {
				errOnce.Do(func() { firstErr = err })
				cancel()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}

func (s *Session) work(ctx context.Context, id int, h Handler) error {
	log := s.log.WithField("worker", id)
	for {
		if ctx.Err() != nil {
			return nil
		}

		p, err := s.receive()
		switch {
		case err == nil:
		case errors.Is(err, packet.ErrUnsupported):
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, divert.ErrClosed), errors.Is(err, ErrNotOpen):
			// Closed underneath us without cancellation.
			return err
		default:
			log.WithError(err).Error("Receive failed")
			return err
		}

		herr := h.Handle(ctx, p)

		// Packets received around cancellation are still finalized.
		if p.State() != packet.StateFinalized {
			if err := p.Send(); err != nil {
				log.WithError(err).WithField("direction", p.Direction()).Warn("Failed to send packet")
			}
		}

		if herr != nil {
			if errors.Is(herr, divert.ErrUnknownDirection) {
				log.WithError(herr).Error("Contract violation in handler")
				return herr
			}
			log.WithError(herr).WithFields(logrus.Fields{
				"direction": p.Direction(),
			}).Warn("Handler failed")
		}
	}
}
