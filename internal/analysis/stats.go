package analysis

import (
	"sort"
	"sync"
	"time"

	"netdivert/internal/conn"
	"netdivert/internal/models"
)

// ConnStat holds the counters of a single connection.
type ConnStat struct {
	Key       conn.Key
	Service   string
	PID       uint32
	Process   string
	PacketsUp int64 // client to server
	PacketsDn int64 // server to client
	BytesUp   int64
	BytesDn   int64
	Dropped   int64
	FirstSeen time.Time
	LastSeen  time.Time
	Closed    bool
}

// Bytes is the total volume in both directions.
func (c ConnStat) Bytes() int64 { return c.BytesUp + c.BytesDn }

// Record converts the counters to their persisted form.
func (c ConnStat) Record() models.ConnectionRecord {
	return models.ConnectionRecord{
		Client:    c.Key.Client(),
		Server:    c.Key.Server(),
		Service:   c.Service,
		PID:       c.PID,
		Process:   c.Process,
		PacketsUp: c.PacketsUp,
		PacketsDn: c.PacketsDn,
		BytesUp:   c.BytesUp,
		BytesDn:   c.BytesDn,
		Dropped:   c.Dropped,
		FirstSeen: c.FirstSeen,
		LastSeen:  c.LastSeen,
		Closed:    c.Closed,
	}
}

// ProcessStat aggregates the connections of one process.
type ProcessStat struct {
	PID         uint32
	Process     string
	Connections int
	Bytes       int64
}

// VerdictStat counts packets per rule outcome.
type VerdictStat struct {
	Verdict string
	Count   int64
}

// Config holds configuration for connection tracking and alerts.
type Config struct {
	UnsecureCooldown time.Duration // Cooldown for unsecure protocol alerts
	BurstThreshold   int           // Open connections per process
	BurstCooldown    time.Duration // Cooldown for burst alerts per process
	FloodThreshold   int           // Packets per second per remote address
	IdleTimeout      time.Duration // Idle connections are evicted after this
	MaxAlerts        int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UnsecureCooldown: 10 * time.Second,
		BurstThreshold:   100,
		BurstCooldown:    30 * time.Second,
		FloodThreshold:   500,
		IdleTimeout:      2 * time.Minute,
		MaxAlerts:        50,
	}
}

// ConnectionStats tracks intercepted connections.
type ConnectionStats struct {
	mu            sync.Mutex
	config        Config
	conns         map[conn.Key]*ConnStat
	totalBytes    int64
	totalPackets  int64
	windowBytes   int64
	windowPackets int64
	lastTick      time.Time
	verdicts      map[string]int64
	evicted       []ConnStat

	detector *AnomalyDetector
	now      func() time.Time
}

// NewConnectionStats creates a tracker. counter may be nil, which disables
// connection burst alerts.
func NewConnectionStats(cfg Config, counter ConnectionCounter) *ConnectionStats {
	return &ConnectionStats{
		config:   cfg,
		conns:    make(map[conn.Key]*ConnStat),
		lastTick: time.Now(),
		verdicts: make(map[string]int64),
		detector: NewAnomalyDetector(cfg, counter),
		now:      time.Now,
	}
}

// ProcessEvent updates the stats with an intercepted packet.
func (s *ConnectionStats) ProcessEvent(ev models.Event) {
	s.mu.Lock()

	s.totalBytes += int64(ev.Length)
	s.totalPackets++
	s.windowBytes += int64(ev.Length)
	s.windowPackets++
	if ev.Verdict != "" {
		s.verdicts[ev.Verdict]++
	}

	c, ok := s.conns[ev.Conn]
	if !ok {
		c = &ConnStat{
			Key:       ev.Conn,
			Service:   GetServiceName(ev.Conn.ServerPort),
			FirstSeen: ev.Timestamp,
		}
		s.conns[ev.Conn] = c
	}
	if ev.PID != 0 {
		c.PID = ev.PID
	}
	if ev.Process != "" {
		c.Process = ev.Process
	}
	if ev.Outbound {
		c.PacketsUp++
		c.BytesUp += int64(ev.Length)
	} else {
		c.PacketsDn++
		c.BytesDn += int64(ev.Length)
	}
	if ev.Verdict == "drop" || ev.Verdict == "block" {
		c.Dropped++
	}
	if ev.FIN || ev.RST {
		c.Closed = true
	} else if ev.SYN && !ev.Outbound {
		// A new SYN reuses the tuple of a closed connection.
		c.Closed = false
	}
	c.LastSeen = ev.Timestamp

	// Detector has its own mutex.
	s.mu.Unlock()
	s.detector.ProcessEvent(ev)
}

// GetRates returns the bandwidth (bps) and packet rate (pps) since the last call.
func (s *ConnectionStats) GetRates() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	duration := now.Sub(s.lastTick).Seconds()
	if duration <= 0 {
		return 0, 0
	}

	bps := (float64(s.windowBytes) * 8) / duration
	pps := float64(s.windowPackets) / duration

	s.windowBytes = 0
	s.windowPackets = 0
	s.lastTick = now

	return bps, pps
}

// GetTotals returns the bytes and packets seen since start.
func (s *ConnectionStats) GetTotals() (bytes, packets int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes, s.totalPackets
}

// GetTopConnections returns the top N connections by volume.
func (s *ConnectionStats) GetTopConnections(limit int) []ConnStat {
	stats := s.GetConnections()
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Bytes() != stats[j].Bytes() {
			return stats[i].Bytes() > stats[j].Bytes()
		}
		return stats[i].Key.String() < stats[j].Key.String()
	})
	if len(stats) > limit {
		return stats[:limit]
	}
	return stats
}

// GetConnections returns a copy of every tracked connection.
func (s *ConnectionStats) GetConnections() []ConnStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ConnStat, 0, len(s.conns))
	for _, c := range s.conns {
		stats = append(stats, *c)
	}
	return stats
}

// GetConnection returns the counters of one connection.
func (s *ConnectionStats) GetConnection(key conn.Key) (ConnStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[key]
	if !ok {
		return ConnStat{}, false
	}
	return *c, true
}

// GetTopProcesses returns the top N processes by volume.
func (s *ConnectionStats) GetTopProcesses(limit int) []ProcessStat {
	s.mu.Lock()
	byPID := make(map[uint32]*ProcessStat)
	for _, c := range s.conns {
		if c.PID == 0 {
			continue
		}
		p, ok := byPID[c.PID]
		if !ok {
			p = &ProcessStat{PID: c.PID}
			byPID[c.PID] = p
		}
		if c.Process != "" {
			p.Process = c.Process
		}
		p.Connections++
		p.Bytes += c.Bytes()
	}
	s.mu.Unlock()

	stats := make([]ProcessStat, 0, len(byPID))
	for _, p := range byPID {
		stats = append(stats, *p)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Bytes != stats[j].Bytes {
			return stats[i].Bytes > stats[j].Bytes
		}
		return stats[i].PID < stats[j].PID
	})
	if len(stats) > limit {
		return stats[:limit]
	}
	return stats
}

// GetVerdictStats returns the packet count per verdict.
func (s *ConnectionStats) GetVerdictStats() []VerdictStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]VerdictStat, 0, len(s.verdicts))
	for v, count := range s.verdicts {
		stats = append(stats, VerdictStat{Verdict: v, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Verdict < stats[j].Verdict
	})
	return stats
}

// Evict removes connections idle for longer than the idle timeout and keeps
// them for the next DrainEvicted call.
func (s *ConnectionStats) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, c := range s.conns {
		if now.Sub(c.LastSeen) > s.config.IdleTimeout {
			s.evicted = append(s.evicted, *c)
			delete(s.conns, key)
			n++
		}
	}
	return n
}

// DrainEvicted returns and forgets the connections removed by Evict.
func (s *ConnectionStats) DrainEvicted() []ConnStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.evicted
	s.evicted = nil
	return out
}

// GetAlerts returns recent security alerts.
func (s *ConnectionStats) GetAlerts(limit int) []Alert {
	return s.detector.GetRecentAlerts(limit)
}

// GetAllAlerts returns every retained alert.
func (s *ConnectionStats) GetAllAlerts() []Alert {
	return s.detector.GetRecentAlerts(s.config.MaxAlerts)
}
