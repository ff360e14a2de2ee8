package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gateguard/internal/model"
)

// baseStore carries the SQL shared by the sqlite and postgres stores.
// Queries are written with ? placeholders and rebound per dialect.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.q(query), args...)
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func mapNoRows(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	return err
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

const checkinColumns = `seq, id, wristband_id, event_id, gate_id, gate_name, ts, outcome, processing_ms, category, metadata_json`

func (b *baseStore) AppendCheckin(ctx context.Context, ev *model.CheckinEvent) error {
	row := b.db.QueryRowContext(ctx, b.q(
		`INSERT INTO checkins (id, wristband_id, event_id, gate_id, gate_name, ts, outcome, processing_ms, category, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		ev.ID,
		ev.WristbandID,
		ev.EventID,
		ev.GateID,
		ev.GateName,
		toNanos(ev.Timestamp),
		string(ev.Outcome),
		ev.ProcessingTimeMs,
		ev.Category,
		encodeJSON(ev.Metadata),
	)
	return row.Scan(&ev.Seq)
}

func scanCheckin(sc interface{ Scan(...any) error }) (model.CheckinEvent, error) {
	var c model.CheckinEvent
	var ts int64
	var outcome, meta string
	if err := sc.Scan(&c.Seq, &c.ID, &c.WristbandID, &c.EventID, &c.GateID, &c.GateName, &ts, &outcome, &c.ProcessingTimeMs, &c.Category, &meta); err != nil {
		return model.CheckinEvent{}, err
	}
	c.Timestamp = fromNanos(ts)
	c.Outcome = model.Outcome(outcome)
	c.Metadata = decodeJSON[map[string]string](meta)
	return c, nil
}

func (b *baseStore) GetCheckin(ctx context.Context, id string) (model.CheckinEvent, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+checkinColumns+` FROM checkins WHERE id = ?`), id)
	c, err := scanCheckin(row)
	if err != nil {
		return model.CheckinEvent{}, mapNoRows(err, "checkin", id)
	}
	return c, nil
}

func (b *baseStore) ListCheckins(ctx context.Context, eventID, wristbandID string, since time.Time) ([]model.CheckinEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT `+checkinColumns+` FROM checkins
		WHERE event_id = ? AND wristband_id = ? AND ts >= ?
		ORDER BY ts, seq`), eventID, wristbandID, toNanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.CheckinEvent, 0)
	for rows.Next() {
		c, err := scanCheckin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *baseStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) ListActiveWristbands(ctx context.Context, eventID string, since time.Time) ([]string, error) {
	return b.queryStrings(ctx,
		`SELECT DISTINCT wristband_id FROM checkins WHERE event_id = ? AND ts >= ? ORDER BY wristband_id`,
		eventID, toNanos(since))
}

func (b *baseStore) RepointCheckins(ctx context.Context, eventID, fromGateID, toGateID, toGateName string) (int64, error) {
	res, err := b.exec(ctx,
		`UPDATE checkins SET gate_id = ?, gate_name = ? WHERE event_id = ? AND gate_id = ?`,
		toGateID, toGateName, eventID, fromGateID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *baseStore) ListEventIDs(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx,
		`SELECT event_id FROM gates UNION SELECT event_id FROM checkins ORDER BY event_id`)
}

func (b *baseStore) UpsertFraudState(ctx context.Context, st model.WristbandFraudState) error {
	_, err := b.exec(ctx,
		`INSERT INTO wristband_fraud_state (event_id, wristband_id, checkin_count, rapid_checkins, blocked_attempts,
			last_5m_count, last_1h_count, fraud_score, last_checkin_at, blocked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, wristband_id) DO UPDATE SET
			checkin_count = excluded.checkin_count,
			rapid_checkins = excluded.rapid_checkins,
			blocked_attempts = excluded.blocked_attempts,
			last_5m_count = excluded.last_5m_count,
			last_1h_count = excluded.last_1h_count,
			fraud_score = excluded.fraud_score,
			last_checkin_at = excluded.last_checkin_at,
			blocked_at = excluded.blocked_at,
			updated_at = excluded.updated_at`,
		st.EventID, st.WristbandID, st.CheckinCount, st.RapidCheckins, st.BlockedAttempts,
		st.Last5mCount, st.Last1hCount, st.FraudScore, toNanos(st.LastCheckinAt), nullNanos(st.BlockedAt), toNanos(st.UpdatedAt))
	return err
}

func (b *baseStore) GetFraudState(ctx context.Context, eventID, wristbandID string) (model.WristbandFraudState, error) {
	var st model.WristbandFraudState
	var lastAt, updatedAt int64
	var blockedAt sql.NullInt64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT event_id, wristband_id, checkin_count, rapid_checkins, blocked_attempts, last_5m_count, last_1h_count,
			fraud_score, last_checkin_at, blocked_at, updated_at
		FROM wristband_fraud_state WHERE event_id = ? AND wristband_id = ?`), eventID, wristbandID).Scan(
		&st.EventID, &st.WristbandID, &st.CheckinCount, &st.RapidCheckins, &st.BlockedAttempts, &st.Last5mCount,
		&st.Last1hCount, &st.FraudScore, &lastAt, &blockedAt, &updatedAt)
	if err != nil {
		return model.WristbandFraudState{}, mapNoRows(err, "fraud state", wristbandID)
	}
	st.LastCheckinAt = fromNanos(lastAt)
	st.UpdatedAt = fromNanos(updatedAt)
	st.BlockedAt = timePtr(blockedAt)
	return st, nil
}

func (b *baseStore) SaveBlock(ctx context.Context, block model.WristbandBlock) error {
	_, err := b.exec(ctx,
		`INSERT INTO wristband_blocks (event_id, wristband_id, blocked_at, reason, score, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, wristband_id) DO UPDATE SET
			blocked_at = excluded.blocked_at, reason = excluded.reason, score = excluded.score, source = excluded.source`,
		block.EventID, block.WristbandID, toNanos(block.BlockedAt), block.Reason, block.Score, block.Source)
	return err
}

func (b *baseStore) GetBlock(ctx context.Context, eventID, wristbandID string) (model.WristbandBlock, error) {
	var blk model.WristbandBlock
	var at int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT event_id, wristband_id, blocked_at, reason, score, source FROM wristband_blocks
		WHERE event_id = ? AND wristband_id = ?`), eventID, wristbandID).Scan(
		&blk.EventID, &blk.WristbandID, &at, &blk.Reason, &blk.Score, &blk.Source)
	if err != nil {
		return model.WristbandBlock{}, mapNoRows(err, "block", wristbandID)
	}
	blk.BlockedAt = fromNanos(at)
	return blk, nil
}

func (b *baseStore) DeleteBlock(ctx context.Context, eventID, wristbandID string) error {
	res, err := b.exec(ctx, `DELETE FROM wristband_blocks WHERE event_id = ? AND wristband_id = ?`, eventID, wristbandID)
	if err != nil {
		return err
	}
	return requireAffected(res, "block", wristbandID)
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.SystemAlert) error {
	_, err := b.exec(ctx,
		`INSERT INTO system_alerts (id, event_id, alert_type, severity, message, data_json, resolved, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.EventID, alert.AlertType, string(alert.Severity), alert.Message,
		encodeJSON(alert.Data), alert.Resolved, toNanos(alert.CreatedAt), nullNanos(alert.ResolvedAt))
	return err
}

func (b *baseStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	res, err := b.exec(ctx, `UPDATE system_alerts SET resolved = ?, resolved_at = ? WHERE id = ?`, true, toNanos(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "alert", id)
}

const gateColumns = `id, event_id, name, status, lat, lng, map_x, map_y, auto_created, confidence_score, checkin_count, created_at, updated_at`

func (b *baseStore) SaveGate(ctx context.Context, g model.Gate) error {
	var lat, lng, mx, my *float64
	if g.Coordinates != nil {
		lat, lng = &g.Coordinates.Lat, &g.Coordinates.Lng
	}
	if g.MapPosition != nil {
		mx, my = &g.MapPosition.X, &g.MapPosition.Y
	}
	_, err := b.exec(ctx,
		`INSERT INTO gates (`+gateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			lat = excluded.lat,
			lng = excluded.lng,
			map_x = excluded.map_x,
			map_y = excluded.map_y,
			auto_created = excluded.auto_created,
			confidence_score = excluded.confidence_score,
			checkin_count = excluded.checkin_count,
			updated_at = excluded.updated_at`,
		g.ID, g.EventID, g.Name, string(g.Status), nullFloat(lat), nullFloat(lng), nullFloat(mx), nullFloat(my),
		g.AutoCreated, g.ConfidenceScore, g.CheckinCount, toNanos(g.CreatedAt), toNanos(g.UpdatedAt))
	return err
}

func scanGate(sc interface{ Scan(...any) error }) (model.Gate, error) {
	var g model.Gate
	var status string
	var lat, lng, mx, my sql.NullFloat64
	var createdAt, updatedAt int64
	if err := sc.Scan(&g.ID, &g.EventID, &g.Name, &status, &lat, &lng, &mx, &my, &g.AutoCreated,
		&g.ConfidenceScore, &g.CheckinCount, &createdAt, &updatedAt); err != nil {
		return model.Gate{}, err
	}
	g.Status = model.GateStatus(status)
	if lat.Valid && lng.Valid {
		g.Coordinates = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if mx.Valid && my.Valid {
		g.MapPosition = &model.Point{X: mx.Float64, Y: my.Float64}
	}
	g.CreatedAt = fromNanos(createdAt)
	g.UpdatedAt = fromNanos(updatedAt)
	return g, nil
}

func (b *baseStore) GetGate(ctx context.Context, id string) (model.Gate, error) {
	g, err := scanGate(b.db.QueryRowContext(ctx, b.q(`SELECT `+gateColumns+` FROM gates WHERE id = ?`), id))
	if err != nil {
		return model.Gate{}, mapNoRows(err, "gate", id)
	}
	return g, nil
}

func (b *baseStore) FindGateByName(ctx context.Context, eventID, name string) (model.Gate, error) {
	g, err := scanGate(b.db.QueryRowContext(ctx, b.q(
		`SELECT `+gateColumns+` FROM gates WHERE event_id = ? AND name = ? ORDER BY created_at LIMIT 1`), eventID, name))
	if err != nil {
		return model.Gate{}, mapNoRows(err, "gate", name)
	}
	return g, nil
}

func (b *baseStore) ListGates(ctx context.Context, eventID string) ([]model.Gate, error) {
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT `+gateColumns+` FROM gates WHERE event_id = ? ORDER BY created_at, id`), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Gate, 0)
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (b *baseStore) DeleteGate(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM gate_bindings WHERE gate_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return err
	}
	res, err := tx.ExecContext(ctx, b.q(`DELETE FROM gates WHERE id = ?`), id)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := requireAffected(res, "gate", id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *baseStore) SaveRedirect(ctx context.Context, eventID, from, toGateID string) error {
	_, err := b.exec(ctx,
		`INSERT INTO gate_redirects (event_id, from_ref, to_gate_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id, from_ref) DO UPDATE SET to_gate_id = excluded.to_gate_id, created_at = excluded.created_at`,
		eventID, from, toGateID, toNanos(nowUTC()))
	return err
}

func (b *baseStore) LookupRedirect(ctx context.Context, eventID, from string) (string, error) {
	var to string
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT to_gate_id FROM gate_redirects WHERE event_id = ? AND from_ref = ?`), eventID, from).Scan(&to)
	if err != nil {
		return "", mapNoRows(err, "redirect", from)
	}
	return to, nil
}

func (b *baseStore) RepointRedirects(ctx context.Context, eventID, fromGateID, toGateID string) error {
	_, err := b.exec(ctx, `UPDATE gate_redirects SET to_gate_id = ? WHERE event_id = ? AND to_gate_id = ?`,
		toGateID, eventID, fromGateID)
	return err
}

const suggestionColumns = `id, event_id, primary_gate_id, secondary_gate_id, confidence_score, name_similarity, reasoning, distance_meters, status, created_at, updated_at`

func scanSuggestion(sc interface{ Scan(...any) error }) (model.GateMergeSuggestion, error) {
	var s model.GateMergeSuggestion
	var status string
	var dist sql.NullFloat64
	var createdAt, updatedAt int64
	if err := sc.Scan(&s.ID, &s.EventID, &s.PrimaryGateID, &s.SecondaryGateID, &s.ConfidenceScore, &s.NameSimilarity,
		&s.Reasoning, &dist, &status, &createdAt, &updatedAt); err != nil {
		return model.GateMergeSuggestion{}, err
	}
	s.Status = model.SuggestionStatus(status)
	if dist.Valid {
		d := dist.Float64
		s.DistanceMeters = &d
	}
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)
	return s, nil
}

func (b *baseStore) UpsertSuggestion(ctx context.Context, sg model.GateMergeSuggestion) (model.GateMergeSuggestion, bool, error) {
	res, err := b.exec(ctx,
		`INSERT INTO gate_merge_suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, primary_gate_id, secondary_gate_id) DO NOTHING`,
		sg.ID, sg.EventID, sg.PrimaryGateID, sg.SecondaryGateID, sg.ConfidenceScore, sg.NameSimilarity,
		sg.Reasoning, nullFloat(sg.DistanceMeters), string(sg.Status), toNanos(sg.CreatedAt), toNanos(sg.UpdatedAt))
	if err != nil {
		return model.GateMergeSuggestion{}, false, err
	}
	created, err := res.RowsAffected()
	if err != nil {
		return model.GateMergeSuggestion{}, false, err
	}
	if created == 0 {
		if _, err := b.exec(ctx,
			`UPDATE gate_merge_suggestions SET confidence_score = ?, name_similarity = ?, reasoning = ?, distance_meters = ?, updated_at = ?
			WHERE event_id = ? AND primary_gate_id = ? AND secondary_gate_id = ? AND status = ?`,
			sg.ConfidenceScore, sg.NameSimilarity, sg.Reasoning, nullFloat(sg.DistanceMeters), toNanos(sg.UpdatedAt),
			sg.EventID, sg.PrimaryGateID, sg.SecondaryGateID, string(model.SuggestionPending)); err != nil {
			return model.GateMergeSuggestion{}, false, err
		}
	}
	stored, err := scanSuggestion(b.db.QueryRowContext(ctx, b.q(
		`SELECT `+suggestionColumns+` FROM gate_merge_suggestions
		WHERE event_id = ? AND primary_gate_id = ? AND secondary_gate_id = ?`),
		sg.EventID, sg.PrimaryGateID, sg.SecondaryGateID))
	if err != nil {
		return model.GateMergeSuggestion{}, false, err
	}
	return stored, created > 0, nil
}

func (b *baseStore) GetSuggestion(ctx context.Context, id string) (model.GateMergeSuggestion, error) {
	s, err := scanSuggestion(b.db.QueryRowContext(ctx, b.q(
		`SELECT `+suggestionColumns+` FROM gate_merge_suggestions WHERE id = ?`), id))
	if err != nil {
		return model.GateMergeSuggestion{}, mapNoRows(err, "merge suggestion", id)
	}
	return s, nil
}

func (b *baseStore) ListSuggestions(ctx context.Context, eventID string, status model.SuggestionStatus) ([]model.GateMergeSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM gate_merge_suggestions WHERE event_id = ?`
	args := []any{eventID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.GateMergeSuggestion, 0)
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, at time.Time) error {
	res, err := b.exec(ctx, `UPDATE gate_merge_suggestions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toNanos(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "merge suggestion", id)
}

func (b *baseStore) SaveBinding(ctx context.Context, bd model.GateBinding) error {
	_, err := b.exec(ctx,
		`INSERT INTO gate_bindings (gate_id, event_id, category, status, confidence, sample_count, match_count, violation_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gate_id) DO UPDATE SET
			category = excluded.category,
			status = excluded.status,
			confidence = excluded.confidence,
			sample_count = excluded.sample_count,
			match_count = excluded.match_count,
			violation_count = excluded.violation_count,
			updated_at = excluded.updated_at`,
		bd.GateID, bd.EventID, bd.Category, string(bd.Status), bd.Confidence, bd.SampleCount, bd.MatchCount,
		bd.ViolationCount, toNanos(bd.UpdatedAt))
	return err
}

func (b *baseStore) GetBinding(ctx context.Context, gateID string) (model.GateBinding, error) {
	var bd model.GateBinding
	var status string
	var updatedAt int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT gate_id, event_id, category, status, confidence, sample_count, match_count, violation_count, updated_at
		FROM gate_bindings WHERE gate_id = ?`), gateID).Scan(
		&bd.GateID, &bd.EventID, &bd.Category, &status, &bd.Confidence, &bd.SampleCount, &bd.MatchCount,
		&bd.ViolationCount, &updatedAt)
	if err != nil {
		return model.GateBinding{}, mapNoRows(err, "binding", gateID)
	}
	bd.Status = model.BindingStatus(status)
	bd.UpdatedAt = fromNanos(updatedAt)
	return bd, nil
}

func (b *baseStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := b.exec(ctx,
		`INSERT INTO audit_log (id, event_id, actor, action, subject_type, subject_id, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventID, e.Actor, e.Action, e.SubjectType, e.SubjectID, encodeJSON(e.Details), toNanos(e.CreatedAt))
	return err
}

func (b *baseStore) ListAudit(ctx context.Context, eventID string, limit int) ([]model.AuditEntry, error) {
	query := `SELECT id, event_id, actor, action, subject_type, subject_id, details_json, created_at FROM audit_log`
	args := []any{}
	if eventID != "" {
		query += ` WHERE event_id = ?`
		args = append(args, eventID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AuditEntry, 0)
	for rows.Next() {
		var e model.AuditEntry
		var details string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EventID, &e.Actor, &e.Action, &e.SubjectType, &e.SubjectID, &details, &createdAt); err != nil {
			return nil, err
		}
		e.Details = decodeJSON[map[string]string](details)
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
