// Package rules decides what happens to intercepted packets: pass, drop,
// block a known connection or redirect a server port.
package rules

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"netdivert/internal/conn"
	"netdivert/internal/divert"
	"netdivert/internal/owner"
	"netdivert/internal/packet"
)

// Spec is the configured rule set.
type Spec struct {
	// DropPorts drops every connection to these server ports.
	DropPorts []uint16 `yaml:"drop_ports"`
	// DropProcesses drops connections opened by these executables.
	DropProcesses []string `yaml:"drop_processes"`
	// Redirects move connections from one server port to another.
	Redirects []Redirect `yaml:"redirects"`
	// Block lists single connections to drop.
	Block []Connection `yaml:"block"`
}

// Redirect rewrites outbound packets to server port From so they reach To,
// and rewrites the replies back.
type Redirect struct {
	From uint16 `yaml:"from"`
	To   uint16 `yaml:"to"`
}

// Connection names one connection by its client and server endpoints, in
// "addr:port" form.
type Connection struct {
	Client string `yaml:"client"`
	Server string `yaml:"server"`
}

// Verdict is the outcome of applying the rules to a packet.
type Verdict uint8

const (
	Pass Verdict = iota
	Drop
	Block
	Redirected
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case Block:
		return "block"
	case Redirected:
		return "redirect"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Namer resolves process ids to executable names.
type Namer interface {
	Name(pid uint32) string
}

type compiled struct {
	dropPorts map[uint16]struct{}
	dropProcs map[string]struct{}
	forward   map[uint16]uint16
	reverse   map[uint16]uint16
	block     []*conn.Identity
}

// compile validates spec.
func compile(spec Spec) (*compiled, error) {
	c := &compiled{
		dropPorts: make(map[uint16]struct{}),
		dropProcs: make(map[string]struct{}),
		forward:   make(map[uint16]uint16),
		reverse:   make(map[uint16]uint16),
	}
	for _, p := range spec.DropPorts {
		c.dropPorts[p] = struct{}{}
	}
	for _, name := range spec.DropProcesses {
		c.dropProcs[strings.ToLower(name)] = struct{}{}
	}
	for _, r := range spec.Redirects {
		if r.From == 0 || r.To == 0 || r.From == r.To {
			return nil, fmt.Errorf("rules: invalid redirect %d -> %d", r.From, r.To)
		}
		if _, dup := c.forward[r.From]; dup {
			return nil, fmt.Errorf("rules: port %d redirected twice", r.From)
		}
		if _, dup := c.reverse[r.To]; dup {
			return nil, fmt.Errorf("rules: port %d is the target of two redirects", r.To)
		}
		c.forward[r.From] = r.To
		c.reverse[r.To] = r.From
	}
	for _, b := range spec.Block {
		client, err := netip.ParseAddrPort(b.Client)
		if err != nil {
			return nil, fmt.Errorf("rules: block client: %w", err)
		}
		server, err := netip.ParseAddrPort(b.Server)
		if err != nil {
			return nil, fmt.Errorf("rules: block server: %w", err)
		}
		c.block = append(c.block, conn.New(client, server, owner.FamilyIPv4, nil))
	}
	return c, nil
}

// Engine applies a reloadable rule set.
type Engine struct {
	mu    sync.RWMutex
	rules *compiled

	names Namer
	log   *logrus.Entry
}

// NewEngine compiles spec. names may be nil, in which case process rules
// never match.
func NewEngine(spec Spec, names Namer, log *logrus.Entry) (*Engine, error) {
	c, err := compile(spec)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{rules: c, names: names, log: log.WithField("component", "rules")}, nil
}

// Reload swaps in a new rule set. The old set stays active on error.
func (e *Engine) Reload(spec Spec) error {
	c, err := compile(spec)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = c
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{
		"drop_ports": len(spec.DropPorts),
		"processes":  len(spec.DropProcesses),
		"redirects":  len(spec.Redirects),
		"blocked":    len(spec.Block),
	}).Info("Rules reloaded")
	return nil
}

func (e *Engine) current() *compiled {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Original maps a redirect target port back to the port it stands in for.
// Other ports are returned unchanged.
func (e *Engine) Original(port uint16) uint16 {
	if from, ok := e.current().reverse[port]; ok {
		return from
	}
	return port
}

// Apply evaluates the rules for p, which belongs to connection id. Dropped
// packets are marked with Drop; redirected packets are rewritten in place.
// Replies from a redirect target are restored before any other rule runs, so
// both legs of a connection are matched against the port the application
// used.
func (e *Engine) Apply(p *packet.Packet, id *conn.Identity) (Verdict, error) {
	c := e.current()

	restored := false
	if p.Direction() == divert.DirectionInbound {
		if from, ok := c.reverse[p.SourcePort()]; ok {
			if err := p.SetSourcePort(from); err != nil {
				return Pass, err
			}
			restored = true
		}
	}

	for _, b := range c.block {
		ok, err := p.BelongsTo(b)
		if err != nil {
			return Pass, err
		}
		if ok {
			p.Drop()
			return Block, nil
		}
	}

	if _, ok := c.dropPorts[id.ServerPort()]; ok {
		p.Drop()
		return Drop, nil
	}

	if len(c.dropProcs) > 0 && e.names != nil {
		if name := e.names.Name(id.ClientProcessID()); name != "" {
			if _, ok := c.dropProcs[strings.ToLower(name)]; ok {
				p.Drop()
				return Drop, nil
			}
		}
	}

	if restored {
		return Redirected, nil
	}
	if p.Direction() == divert.DirectionOutbound {
		if to, ok := c.forward[p.DestinationPort()]; ok {
			if err := p.SetDestinationPort(to); err != nil {
				return Pass, err
			}
			return Redirected, nil
		}
	}
	return Pass, nil
}
