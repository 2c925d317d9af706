package models

import (
	"net/netip"
	"time"

	"netdivert/internal/conn"
)

// Event describes one intercepted packet after the rules ran.
type Event struct {
	Timestamp time.Time
	Conn      conn.Key
	// Outbound is true when the packet travelled from client to server.
	Outbound bool
	Length   int
	Payload  int
	SYN      bool
	FIN      bool
	RST      bool

	PID     uint32
	Process string
	Verdict string
}

// ConnectionRecord is the persisted summary of one connection.
type ConnectionRecord struct {
	Client    netip.AddrPort
	Server    netip.AddrPort
	Service   string
	PID       uint32
	Process   string
	PacketsUp int64
	PacketsDn int64
	BytesUp   int64
	BytesDn   int64
	Dropped   int64
	FirstSeen time.Time
	LastSeen  time.Time
	Closed    bool
}
