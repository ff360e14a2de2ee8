package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:gateguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS checkins (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			wristband_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			gate_id TEXT NOT NULL,
			gate_name TEXT NOT NULL,
			ts INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			processing_ms INTEGER NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_wristband ON checkins(event_id, wristband_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_gate ON checkins(event_id, gate_id)`,
		`CREATE TABLE IF NOT EXISTS wristband_fraud_state (
			event_id TEXT NOT NULL,
			wristband_id TEXT NOT NULL,
			checkin_count INTEGER NOT NULL,
			rapid_checkins INTEGER NOT NULL,
			blocked_attempts INTEGER NOT NULL,
			last_5m_count INTEGER NOT NULL,
			last_1h_count INTEGER NOT NULL,
			fraud_score INTEGER NOT NULL,
			last_checkin_at INTEGER NOT NULL,
			blocked_at INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (event_id, wristband_id)
		)`,
		`CREATE TABLE IF NOT EXISTS wristband_blocks (
			event_id TEXT NOT NULL,
			wristband_id TEXT NOT NULL,
			blocked_at INTEGER NOT NULL,
			reason TEXT NOT NULL,
			score INTEGER NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (event_id, wristband_id)
		)`,
		`CREATE TABLE IF NOT EXISTS system_alerts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT,
			resolved BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_alerts_event ON system_alerts(event_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			lat REAL,
			lng REAL,
			map_x REAL,
			map_y REAL,
			auto_created BOOLEAN NOT NULL DEFAULT 0,
			confidence_score INTEGER NOT NULL,
			checkin_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gates_event_name ON gates(event_id, name)`,
		`CREATE TABLE IF NOT EXISTS gate_redirects (
			event_id TEXT NOT NULL,
			from_ref TEXT NOT NULL,
			to_gate_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (event_id, from_ref)
		)`,
		`CREATE TABLE IF NOT EXISTS gate_merge_suggestions (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			primary_gate_id TEXT NOT NULL,
			secondary_gate_id TEXT NOT NULL,
			confidence_score INTEGER NOT NULL,
			name_similarity REAL NOT NULL,
			reasoning TEXT NOT NULL,
			distance_meters REAL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (event_id, primary_gate_id, secondary_gate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS gate_bindings (
			gate_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			confidence REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			match_count INTEGER NOT NULL,
			violation_count INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			details_json TEXT,
			created_at INTEGER NOT NULL
		)`,
	})
}
