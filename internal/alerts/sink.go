package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/notify"
	"gateguard/internal/storage"
)

// Sink is where both engines deliver their decisions. Alerts are buffered,
// persisted and, for high and critical severities, pushed to the notifier.
// Persistence and notification failures are logged and never propagate to
// the caller.
type Sink struct {
	store    storage.Store
	ring     *Store
	notifier notify.Notifier
	metrics  *metrics.Collectors
	logger   *slog.Logger
	cooldown *Cooldown
	window   atomic.Int64
	now      func() time.Time
}

func NewSink(store storage.Store, ring *Store, notifier notify.Notifier, collectors *metrics.Collectors, logger *slog.Logger) *Sink {
	if ring == nil {
		ring = NewStore(0)
	}
	return &Sink{
		store:    store,
		ring:     ring,
		notifier: notifier,
		metrics:  collectors,
		logger:   logging.OrDiscard(logger),
		cooldown: NewCooldown(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCooldown changes how long identical alerts are suppressed. Zero
// disables suppression.
func (s *Sink) SetCooldown(d time.Duration) {
	s.window.Store(int64(d))
}

func cooldownKey(a model.SystemAlert) string {
	key := a.EventID + "|" + a.AlertType + "|" + string(a.Severity)
	for _, field := range []string{"wristband_id", "gate_id"} {
		if v, ok := a.Data[field]; ok {
			key += "|" + fmt.Sprint(v)
		}
	}
	return key
}

// Raise records an alert. It returns the stored alert and false when the
// alert was suppressed by the cooldown.
func (s *Sink) Raise(ctx context.Context, alert model.SystemAlert) (model.SystemAlert, bool) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	if !s.cooldown.AllowKey(cooldownKey(alert), alert.CreatedAt, time.Duration(s.window.Load())) {
		return alert, false
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	s.ring.Add(alert)
	s.metrics.Alert(alert.AlertType, string(alert.Severity))
	s.logger.Warn("alert raised",
		"alert_id", alert.ID,
		"event_id", alert.EventID,
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"message", alert.Message,
	)
	if s.store != nil {
		if err := s.store.SaveAlert(ctx, alert); err != nil {
			s.logger.Error("persist alert failed", "alert_id", alert.ID, "err", err)
		}
	}
	if s.notifier != nil && alert.Severity.Notifiable() {
		if err := s.notifier.Notify(ctx, model.NotificationFor(alert)); err != nil {
			s.logger.Warn("notify alert failed", "alert_id", alert.ID, "err", err)
		}
	}
	return alert, true
}

func (s *Sink) Resolve(ctx context.Context, id string) error {
	at := s.now()
	inRing := s.ring.Resolve(id, at)
	if s.store == nil {
		if !inRing {
			return fmt.Errorf("alert %q: %w", id, model.ErrNotFound)
		}
		return nil
	}
	if err := s.store.ResolveAlert(ctx, id, at); err != nil {
		if errors.Is(err, model.ErrNotFound) && inRing {
			return nil
		}
		return err
	}
	return nil
}

func (s *Sink) Recent(limit int) []model.SystemAlert {
	return s.ring.List(limit)
}

func (s *Sink) Since(ts time.Time) []model.SystemAlert {
	return s.ring.Since(ts)
}

// Audit appends an audit entry. Failures are logged.
func (s *Sink) Audit(ctx context.Context, entry model.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	s.logger.Info("audit",
		"event_id", entry.EventID,
		"actor", entry.Actor,
		"action", entry.Action,
		"subject_type", entry.SubjectType,
		"subject_id", entry.SubjectID,
	)
	if s.store == nil {
		return
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("persist audit entry failed", "action", entry.Action, "err", err)
	}
}

// Reset drops buffered alerts and cooldown state.
func (s *Sink) Reset() {
	s.ring.Clear()
	s.cooldown.Reset()
}
