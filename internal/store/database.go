// Package store persists connection summaries to sqlite.
package store

import (
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"netdivert/internal/models"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// NewDB opens or creates the database file at path.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initConnectionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize connection schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initConnectionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		client_addr  TEXT NOT NULL,
		client_port  INTEGER NOT NULL,
		server_addr  TEXT NOT NULL,
		server_port  INTEGER NOT NULL,
		service      TEXT,
		pid          INTEGER,
		process_name TEXT,
		packets_up   INTEGER NOT NULL DEFAULT 0,
		packets_dn   INTEGER NOT NULL DEFAULT 0,
		bytes_up     INTEGER NOT NULL DEFAULT 0,
		bytes_dn     INTEGER NOT NULL DEFAULT 0,
		dropped      INTEGER NOT NULL DEFAULT 0,
		first_seen   INTEGER NOT NULL,  -- unix nanoseconds
		last_seen    INTEGER NOT NULL,
		closed       BOOLEAN NOT NULL DEFAULT 0,
		UNIQUE(client_addr, client_port, server_addr, server_port, first_seen)
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create connections table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_conn_pid ON connections(pid);",
		"CREATE INDEX IF NOT EXISTS idx_conn_last_seen ON connections(last_seen);",
		"CREATE INDEX IF NOT EXISTS idx_conn_server ON connections(server_addr, server_port);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

// UpsertConnections writes records in one transaction. A connection is
// identified by its tuple and first sighting; later snapshots of the same
// connection replace its counters.
func (db *DB) UpsertConnections(records []models.ConnectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO connections (
            client_addr, client_port, server_addr, server_port,
            service, pid, process_name,
            packets_up, packets_dn, bytes_up, bytes_dn, dropped,
            first_seen, last_seen, closed
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(client_addr, client_port, server_addr, server_port, first_seen) DO UPDATE SET
            service = excluded.service,
            pid = excluded.pid,
            process_name = excluded.process_name,
            packets_up = excluded.packets_up,
            packets_dn = excluded.packets_dn,
            bytes_up = excluded.bytes_up,
            bytes_dn = excluded.bytes_dn,
            dropped = excluded.dropped,
            last_seen = excluded.last_seen,
            closed = excluded.closed`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %v", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.Exec(
			r.Client.Addr().String(),
			r.Client.Port(),
			r.Server.Addr().String(),
			r.Server.Port(),
			r.Service,
			r.PID,
			r.Process,
			r.PacketsUp,
			r.PacketsDn,
			r.BytesUp,
			r.BytesDn,
			r.Dropped,
			r.FirstSeen.UnixNano(),
			r.LastSeen.UnixNano(),
			r.Closed,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s -> %s: %v", r.Client, r.Server, err)
		}
	}

	return tx.Commit()
}

// Connections returns up to limit records, most recently active first.
func (db *DB) Connections(limit int) ([]models.ConnectionRecord, error) {
	rows, err := db.Db.Query(`
        SELECT client_addr, client_port, server_addr, server_port,
               service, pid, process_name,
               packets_up, packets_dn, bytes_up, bytes_dn, dropped,
               first_seen, last_seen, closed
        FROM connections
        ORDER BY last_seen DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %v", err)
	}
	defer rows.Close()

	var records []models.ConnectionRecord
	for rows.Next() {
		var (
			r                      models.ConnectionRecord
			clientAddr, serverAddr string
			clientPort, serverPort uint16
			service, process       sql.NullString
			pid                    sql.NullInt64
			firstSeen, lastSeen    int64
		)
		if err := rows.Scan(
			&clientAddr, &clientPort, &serverAddr, &serverPort,
			&service, &pid, &process,
			&r.PacketsUp, &r.PacketsDn, &r.BytesUp, &r.BytesDn, &r.Dropped,
			&firstSeen, &lastSeen, &r.Closed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %v", err)
		}

		client, err := netip.ParseAddr(clientAddr)
		if err != nil {
			return nil, fmt.Errorf("bad client address %q: %v", clientAddr, err)
		}
		server, err := netip.ParseAddr(serverAddr)
		if err != nil {
			return nil, fmt.Errorf("bad server address %q: %v", serverAddr, err)
		}
		r.Client = netip.AddrPortFrom(client, clientPort)
		r.Server = netip.AddrPortFrom(server, serverPort)
		r.Service = service.String
		r.PID = uint32(pid.Int64)
		r.Process = process.String
		r.FirstSeen = time.Unix(0, firstSeen)
		r.LastSeen = time.Unix(0, lastSeen)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
