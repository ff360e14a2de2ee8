package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gateguard/internal/config"
	"gateguard/internal/model"
)

// Store is the persistence collaborator for both engines. Lookups that find
// nothing return an error wrapping model.ErrNotFound.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	AppendCheckin(ctx context.Context, ev *model.CheckinEvent) error
	GetCheckin(ctx context.Context, id string) (model.CheckinEvent, error)
	// ListCheckins returns a wristband's check-ins at or after since,
	// ordered by timestamp then insertion sequence. A zero since means all.
	ListCheckins(ctx context.Context, eventID, wristbandID string, since time.Time) ([]model.CheckinEvent, error)
	ListActiveWristbands(ctx context.Context, eventID string, since time.Time) ([]string, error)
	RepointCheckins(ctx context.Context, eventID, fromGateID, toGateID, toGateName string) (int64, error)
	ListEventIDs(ctx context.Context) ([]string, error)

	UpsertFraudState(ctx context.Context, state model.WristbandFraudState) error
	GetFraudState(ctx context.Context, eventID, wristbandID string) (model.WristbandFraudState, error)
	SaveBlock(ctx context.Context, block model.WristbandBlock) error
	GetBlock(ctx context.Context, eventID, wristbandID string) (model.WristbandBlock, error)
	DeleteBlock(ctx context.Context, eventID, wristbandID string) error

	SaveAlert(ctx context.Context, alert model.SystemAlert) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error

	SaveGate(ctx context.Context, gate model.Gate) error
	GetGate(ctx context.Context, id string) (model.Gate, error)
	FindGateByName(ctx context.Context, eventID, name string) (model.Gate, error)
	ListGates(ctx context.Context, eventID string) ([]model.Gate, error)
	DeleteGate(ctx context.Context, id string) error
	SaveRedirect(ctx context.Context, eventID, from, toGateID string) error
	LookupRedirect(ctx context.Context, eventID, from string) (string, error)
	// RepointRedirects moves every redirect targeting fromGateID so merge
	// chains stay one hop long.
	RepointRedirects(ctx context.Context, eventID, fromGateID, toGateID string) error

	// UpsertSuggestion inserts a suggestion unless one already exists for
	// the same (event, primary, secondary). A pending existing row gets the
	// fresh scores. It returns the stored row and whether it was created.
	UpsertSuggestion(ctx context.Context, s model.GateMergeSuggestion) (model.GateMergeSuggestion, bool, error)
	GetSuggestion(ctx context.Context, id string) (model.GateMergeSuggestion, error)
	ListSuggestions(ctx context.Context, eventID string, status model.SuggestionStatus) ([]model.GateMergeSuggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status model.SuggestionStatus, at time.Time) error

	SaveBinding(ctx context.Context, binding model.GateBinding) error
	GetBinding(ctx context.Context, gateID string) (model.GateBinding, error)

	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, eventID string, limit int) ([]model.AuditEntry, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON[T any](raw string) T {
	var out T
	if raw == "" || raw == "null" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// Timestamps are stored as unix nanoseconds so both dialects compare and
// order them identically.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
