package analysis

import (
	"fmt"
	"sync"
	"time"

	"netdivert/internal/models"
	"netdivert/internal/owner"
)

// AnomalyType represents the type of anomaly detected.
type AnomalyType string

const (
	AnomalyUnsecure AnomalyType = "UNSECURE_PROTOCOL"
	AnomalyBurst    AnomalyType = "CONNECTION_BURST"
	AnomalyFlood    AnomalyType = "POSSIBLE_FLOOD"
)

// Alert represents a detected security anomaly.
type Alert struct {
	Type      AnomalyType
	Source    string // process or remote address
	Message   string // Human-readable description
	Timestamp time.Time
}

// ConnectionCounter counts the open TCP connections of a process.
type ConnectionCounter interface {
	CountActiveConnections(pid uint32, family owner.Family) int
}

var unsecurePorts = map[uint16]string{
	21:  "FTP",
	23:  "Telnet",
	80:  "HTTP",
	110: "POP3",
	143: "IMAP",
}

// AnomalyDetector monitors intercepted connections for suspicious patterns.
type AnomalyDetector struct {
	mu sync.Mutex

	config  Config
	counter ConnectionCounter

	// Unsecure Protocol Detection (throttling)
	unsecureAlerts map[string]time.Time // key: "client->server" -> last alert time

	// Connection burst detection (throttling per pid)
	burstAlerts map[uint32]time.Time

	// Flood detection (per remote address packet rate)
	remotePackets map[string]int
	remoteWindow  map[string]time.Time

	// Alert History (circular buffer)
	alerts []Alert

	lastCleanup time.Time
}

// NewAnomalyDetector creates a new anomaly detection engine.
func NewAnomalyDetector(cfg Config, counter ConnectionCounter) *AnomalyDetector {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 20
	}
	return &AnomalyDetector{
		config:         cfg,
		counter:        counter,
		unsecureAlerts: make(map[string]time.Time),
		burstAlerts:    make(map[uint32]time.Time),
		remotePackets:  make(map[string]int),
		remoteWindow:   make(map[string]time.Time),
		lastCleanup:    time.Now(),
	}
}

// ProcessEvent analyzes a packet event for anomalies.
func (ad *AnomalyDetector) ProcessEvent(ev models.Event) {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	ad.mu.Lock()
	if now.Sub(ad.lastCleanup) > time.Minute {
		ad.cleanup(now)
		ad.lastCleanup = now
	}
	ad.detectUnsecureProtocol(ev, now)
	ad.detectFlood(ev, now)
	checkBurst := ad.burstDue(ev, now)
	ad.mu.Unlock()

	// The table scan runs without the lock.
	if checkBurst {
		ad.detectBurst(ev, now)
	}
}

func (ad *AnomalyDetector) cleanup(now time.Time) {
	retention := 5 * time.Minute
	for key, last := range ad.unsecureAlerts {
		if now.Sub(last) > retention {
			delete(ad.unsecureAlerts, key)
		}
	}
	for pid, last := range ad.burstAlerts {
		if now.Sub(last) > retention {
			delete(ad.burstAlerts, pid)
		}
	}
	for remote, start := range ad.remoteWindow {
		if now.Sub(start) > retention {
			delete(ad.remoteWindow, remote)
			delete(ad.remotePackets, remote)
		}
	}
}

// detectUnsecureProtocol checks for plaintext protocol usage.
func (ad *AnomalyDetector) detectUnsecureProtocol(ev models.Event, now time.Time) {
	protocolName, isUnsecure := unsecurePorts[ev.Conn.ServerPort]
	if !isUnsecure || !ev.Outbound {
		return
	}

	// Throttle alerts: max 1 per connection per cooldown period
	key := ev.Conn.String()
	if last, exists := ad.unsecureAlerts[key]; exists && now.Sub(last) <= ad.config.UnsecureCooldown {
		return
	}
	source := ev.Conn.Client().String()
	if ev.Process != "" {
		source = fmt.Sprintf("%s (%d)", ev.Process, ev.PID)
	}
	ad.addAlert(Alert{
		Type:      AnomalyUnsecure,
		Source:    source,
		Message:   fmt.Sprintf("Plaintext %s connection to %s", protocolName, ev.Conn.Server()),
		Timestamp: now,
	})
	ad.unsecureAlerts[key] = now
}

// detectFlood checks for a single remote address sending at a high rate.
func (ad *AnomalyDetector) detectFlood(ev models.Event, now time.Time) {
	if ev.Outbound || ad.config.FloodThreshold <= 0 {
		return
	}
	remote := ev.Conn.ServerAddr.String()

	if start, exists := ad.remoteWindow[remote]; !exists || now.Sub(start) > time.Second {
		ad.remoteWindow[remote] = now
		ad.remotePackets[remote] = 0
	}
	ad.remotePackets[remote]++

	if ad.remotePackets[remote] > ad.config.FloodThreshold {
		ad.addAlert(Alert{
			Type:      AnomalyFlood,
			Source:    remote,
			Message:   fmt.Sprintf("High packet rate from %s: %d pps", remote, ad.remotePackets[remote]),
			Timestamp: now,
		})
		// Reset to avoid spam
		ad.remotePackets[remote] = 0
		ad.remoteWindow[remote] = now
	}
}

// burstDue reports whether a new outbound connection of a known process
// should trigger a connection count. Called with the lock held.
func (ad *AnomalyDetector) burstDue(ev models.Event, now time.Time) bool {
	if ad.counter == nil || ad.config.BurstThreshold <= 0 {
		return false
	}
	if !ev.SYN || !ev.Outbound || ev.PID == 0 {
		return false
	}
	last, exists := ad.burstAlerts[ev.PID]
	return !exists || now.Sub(last) > ad.config.BurstCooldown
}

func (ad *AnomalyDetector) detectBurst(ev models.Event, now time.Time) {
	count := ad.counter.CountActiveConnections(ev.PID, owner.FamilyIPv4) +
		ad.counter.CountActiveConnections(ev.PID, owner.FamilyIPv6)
	if count < ad.config.BurstThreshold {
		return
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if last, exists := ad.burstAlerts[ev.PID]; exists && now.Sub(last) <= ad.config.BurstCooldown {
		return
	}
	name := ev.Process
	if name == "" {
		name = "unknown"
	}
	ad.addAlert(Alert{
		Type:      AnomalyBurst,
		Source:    fmt.Sprintf("%s (%d)", name, ev.PID),
		Message:   fmt.Sprintf("Process holds %d open TCP connections", count),
		Timestamp: now,
	})
	ad.burstAlerts[ev.PID] = now
}

// addAlert adds an alert to the history (circular buffer).
func (ad *AnomalyDetector) addAlert(alert Alert) {
	ad.alerts = append(ad.alerts, alert)
	if len(ad.alerts) > ad.config.MaxAlerts {
		ad.alerts = ad.alerts[len(ad.alerts)-ad.config.MaxAlerts:]
	}
}

// GetRecentAlerts returns the most recent alerts (thread-safe).
func (ad *AnomalyDetector) GetRecentAlerts(limit int) []Alert {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if len(ad.alerts) == 0 {
		return []Alert{}
	}

	// Return last N alerts (newest last)
	start := 0
	if len(ad.alerts) > limit {
		start = len(ad.alerts) - limit
	}

	result := make([]Alert, len(ad.alerts)-start)
	copy(result, ad.alerts[start:])
	return result
}
