// Package db is the local event log: session lifecycle, connection state
// transitions, and recording transitions land here for operational
// inspection. It never stores pose samples.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/teleop.bridge/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

// New opens (or creates) the event log at path and ensures the base
// schema. Versioned upgrades beyond the base schema go through MigrateUp.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			mode              TEXT,
			started_at        TIMESTAMP,
			ended_at          TIMESTAMP,
			end_reason        TEXT
		);
		CREATE TABLE IF NOT EXISTS connection_events (
			state             TEXT,
			attempt           BIGINT,
			detail            TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS recording_transitions (
			active            BOOLEAN,
			count             BIGINT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// RecordSessionStart inserts a new session row.
func (db *DB) RecordSessionStart(id, mode string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, mode, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET mode = excluded.mode, started_at = excluded.started_at`,
		id, mode, at)
	return err
}

// RecordSessionEnd stamps the end time and reason on a session row.
func (db *DB) RecordSessionEnd(id, reason string, at time.Time) error {
	_, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		at, reason, id)
	return err
}

// RecordConnectionEvent logs a transport state transition.
func (db *DB) RecordConnectionEvent(state string, attempt int, detail string) error {
	_, err := db.Exec(
		`INSERT INTO connection_events (state, attempt, detail) VALUES (?, ?, ?)`,
		state, attempt, detail)
	return err
}

// RecordRecordingTransition logs a recording_status transition mirrored
// from the consumer.
func (db *DB) RecordRecordingTransition(active bool, count uint64) error {
	_, err := db.Exec(
		`INSERT INTO recording_transitions (active, count) VALUES (?, ?)`,
		active, int64(count))
	return err
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	SessionID string     `json:"session_id"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// RecentSessions returns the most recent sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Query(
		`SELECT session_id, mode, started_at, ended_at, COALESCE(end_reason, '')
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var ended sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.Mode, &rec.StartedAt, &ended, &rec.EndReason); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the event log debugging endpoints on the given
// mux under /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// tailSQL instance pointed at the event log for live queries
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", db.path), db.DB, &tailsql.DBOptions{
		Label: "Teleop event log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the event log now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
