package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/gateguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{baseStore{db: db, numbered: true}}
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS checkins (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			wristband_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			gate_id TEXT NOT NULL,
			gate_name TEXT NOT NULL,
			ts BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			processing_ms BIGINT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			metadata_json JSONB
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
			last_checkin_at BIGINT NOT NULL,
			blocked_at BIGINT,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (event_id, wristband_id)
		)`,
		`CREATE TABLE IF NOT EXISTS wristband_blocks (
			event_id TEXT NOT NULL,
			wristband_id TEXT NOT NULL,
			blocked_at BIGINT NOT NULL,
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
			data_json JSONB,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			resolved_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_alerts_event ON system_alerts(event_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			map_x DOUBLE PRECISION,
			map_y DOUBLE PRECISION,
			auto_created BOOLEAN NOT NULL DEFAULT FALSE,
			confidence_score INTEGER NOT NULL,
			checkin_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gates_event_name ON gates(event_id, name)`,
		`CREATE TABLE IF NOT EXISTS gate_redirects (
			event_id TEXT NOT NULL,
			from_ref TEXT NOT NULL,
			to_gate_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (event_id, from_ref)
		)`,
		`CREATE TABLE IF NOT EXISTS gate_merge_suggestions (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			primary_gate_id TEXT NOT NULL,
			secondary_gate_id TEXT NOT NULL,
			confidence_score INTEGER NOT NULL,
			name_similarity DOUBLE PRECISION NOT NULL,
			reasoning TEXT NOT NULL,
			distance_meters DOUBLE PRECISION,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (event_id, primary_gate_id, secondary_gate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS gate_bindings (
			gate_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			sample_count INTEGER NOT NULL,
			match_count INTEGER NOT NULL,
			violation_count INTEGER NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			details_json JSONB,
			created_at BIGINT NOT NULL
		)`,
	})
}
