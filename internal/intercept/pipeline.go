// Package intercept ties connection identity, rules and statistics together
// into the handler run for every captured packet.
package intercept

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"netdivert/internal/analysis"
	"netdivert/internal/conn"
	"netdivert/internal/divert"
	"netdivert/internal/models"
	"netdivert/internal/owner"
	"netdivert/internal/packet"
	"netdivert/internal/rules"
)

// Pipeline is a session.Handler.
type Pipeline struct {
	attr  conn.Attributor
	names rules.Namer
	rules *rules.Engine
	stats *analysis.ConnectionStats
	log   *logrus.Entry

	// pids remembers the owner of each connection so the TCP table is
	// scanned once per connection rather than once per packet.
	pids *lru.Cache
	now  func() time.Time
}

// unknownOwnerTTL bounds how long a connection without an owner is left
// unscanned.
const unknownOwnerTTL = 5 * time.Second

type ownerEntry struct {
	pid  uint32
	seen time.Time
}

// NewPipeline creates a handler. attr and names may be nil, which disables
// process attribution.
func NewPipeline(attr conn.Attributor, names rules.Namer, engine *rules.Engine, stats *analysis.ConnectionStats, log *logrus.Entry) (*Pipeline, error) {
	pids, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		attr:  attr,
		names: names,
		rules: engine,
		stats: stats,
		log:   log.WithField("component", "intercept"),
		pids:  pids,
		now:   time.Now,
	}, nil
}

// Handle identifies the connection of p, applies the rules, sends the packet
// and records it.
func (pl *Pipeline) Handle(ctx context.Context, p *packet.Packet) error {
	flags := p.Flags()
	outbound := p.Direction() == divert.DirectionOutbound

	id, err := conn.FromPacket(p, nil)
	if err != nil {
		return err
	}
	key := id.Key()
	if !outbound {
		// A reply from a redirect target belongs to the connection the
		// application opened.
		key.ServerPort = pl.rules.Original(key.ServerPort)
	}
	var attr conn.Attributor
	if pl.attr != nil {
		attr = cachedOwner{
			pl:    pl,
			key:   key,
			fresh: outbound && flags&packet.FlagSYN != 0,
		}
	}
	id = conn.New(key.Client(), key.Server(), id.Family(), attr)

	verdict, err := pl.rules.Apply(p, id)
	if err != nil {
		return err
	}

	// Send releases the buffer, so the event is built first.
	ev := models.Event{
		Timestamp: p.Timestamp(),
		Conn:      id.Key(),
		Outbound:  outbound,
		Length:    p.Len(),
		Payload:   p.PayloadLen(),
		SYN:       flags&packet.FlagSYN != 0,
		FIN:       flags&packet.FlagFIN != 0,
		RST:       flags&packet.FlagRST != 0,
		Verdict:   verdict.String(),
	}

	sendErr := p.Send()

	ev.PID = id.ClientProcessID()
	if ev.PID != 0 && pl.names != nil {
		ev.Process = pl.names.Name(ev.PID)
	}
	if ev.FIN || ev.RST {
		pl.pids.Remove(id.Key())
	}
	if pl.stats != nil {
		pl.stats.ProcessEvent(ev)
	}

	if verdict != rules.Pass {
		pl.log.WithFields(logrus.Fields{
			"conn":    id.Key().String(),
			"verdict": ev.Verdict,
		}).Debug("Rule matched")
	}
	if sendErr != nil {
		return fmt.Errorf("send %s: %w", id.Key(), sendErr)
	}
	return nil
}

// cachedOwner answers owner lookups for one connection from the pid cache.
// An outbound SYN always rescans, since the local port may have been reused
// by another process. Unknown owners are remembered for unknownOwnerTTL.
type cachedOwner struct {
	pl    *Pipeline
	key   conn.Key
	fresh bool
}

func (c cachedOwner) MapPortToProcessID(port uint16, family owner.Family) uint32 {
	now := c.pl.now()
	if !c.fresh {
		if v, ok := c.pl.pids.Get(c.key); ok {
			e := v.(ownerEntry)
			if e.pid != 0 || now.Sub(e.seen) < unknownOwnerTTL {
				return e.pid
			}
		}
	}
	pid := c.pl.attr.MapPortToProcessID(port, family)
	c.pl.pids.Add(c.key, ownerEntry{pid: pid, seen: now})
	return pid
}
