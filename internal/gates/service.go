// Package gates turns raw gate observations into a deduplicated gate
// topology and learns category bindings per gate.
package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gateguard/internal/alerts"
	"gateguard/internal/config"
	"gateguard/internal/geo"
	"gateguard/internal/keylock"
	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/storage"
)

// Service owns every gate mutation. Mutations of one event's gates are
// serialized; reads go straight to the store.
type Service struct {
	store   storage.Store
	sink    *alerts.Sink
	metrics *metrics.Collectors
	logger  *slog.Logger
	cfg     atomic.Pointer[config.Config]
	locks   *keylock.Locker
	mu      sync.Mutex
	cursors map[string]Cursor
	now     func() time.Time
}

func NewService(cfg *config.Config, store storage.Store, sink *alerts.Sink, logger *slog.Logger) *Service {
	s := &Service{
		store:   store,
		sink:    sink,
		logger:  logging.OrDiscard(logger).With("module", "gates"),
		locks:   keylock.New(),
		cursors: make(map[string]Cursor),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.cfg.Store(cfg)
	return s
}

func (s *Service) SetMetrics(c *metrics.Collectors) {
	s.metrics = c
}

func (s *Service) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Service) config() *config.Config {
	if cfg := s.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

func (s *Service) lockEvent(eventID string) func() {
	return s.locks.Lock("event|" + eventID)
}

func staleReference(ref, reason string) error {
	return fmt.Errorf("gate %q: %w: %w", ref, model.ErrInconsistentState, model.NewValidationError("gate", reason))
}

// Resolve maps a gate identifier from a scan to a gate: by id, then by
// name, then through the redirect left by a merge or rename. An unknown
// identifier shaped like a UUID refers to a gate that no longer exists and
// is rejected. Any other unknown string is a new location and gets a
// probation gate.
func (s *Service) Resolve(ctx context.Context, eventID, ref string, loc *model.Coordinates) (model.Gate, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Gate{}, model.NewValidationError("gate", "is required")
	}
	g, ok, err := s.lookup(ctx, eventID, ref)
	if err != nil || ok {
		return g, err
	}
	if _, perr := uuid.Parse(ref); perr == nil {
		return model.Gate{}, staleReference(ref, "unknown gate id")
	}

	unlock := s.lockEvent(eventID)
	defer unlock()
	g, ok, err = s.lookup(ctx, eventID, ref)
	if err != nil || ok {
		return g, err
	}
	return s.create(ctx, eventID, ref, loc, nil, true)
}

func (s *Service) lookup(ctx context.Context, eventID, ref string) (model.Gate, bool, error) {
	g, err := s.store.GetGate(ctx, ref)
	if err == nil && g.EventID == eventID {
		return g, true, nil
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.Gate{}, false, err
	}
	g, err = s.store.FindGateByName(ctx, eventID, ref)
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Gate{}, false, err
	}
	to, err := s.store.LookupRedirect(ctx, eventID, ref)
	if errors.Is(err, model.ErrNotFound) {
		return model.Gate{}, false, nil
	}
	if err != nil {
		return model.Gate{}, false, err
	}
	g, err = s.store.GetGate(ctx, to)
	if errors.Is(err, model.ErrNotFound) {
		return model.Gate{}, false, staleReference(ref, "redirect target no longer exists")
	}
	if err != nil {
		return model.Gate{}, false, err
	}
	return g, true, nil
}

// create stores a new gate. Callers hold the event lock.
func (s *Service) create(ctx context.Context, eventID, name string, loc *model.Coordinates, pos *model.Point, auto bool) (model.Gate, error) {
	now := s.now()
	g := model.Gate{
		ID:          uuid.NewString(),
		EventID:     eventID,
		Name:        name,
		Status:      model.GateApproved,
		AutoCreated: auto,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if auto {
		g.Status = model.GateProbation
	}
	if loc != nil {
		c := *loc
		g.Coordinates = &c
	}
	if pos != nil {
		p := *pos
		g.MapPosition = &p
	}
	g.ConfidenceScore = Confidence(g, now)
	if err := s.store.SaveGate(ctx, g); err != nil {
		return model.Gate{}, err
	}
	s.metrics.GateCreated()
	s.logger.Info("gate created",
		"event_id", eventID,
		"gate_id", g.ID,
		"name", g.Name,
		"status", g.Status,
		"auto_created", auto,
	)
	if auto && g.Coordinates != nil {
		if err := s.suggestNearest(ctx, g); err != nil {
			s.logger.Warn("nearest gate check failed", "event_id", eventID, "gate_id", g.ID, "err", err)
		}
	}
	return g, nil
}

// suggestNearest raises a merge suggestion against the closest gate when
// it lies within the duplicate distance.
func (s *Service) suggestNearest(ctx context.Context, g model.Gate) error {
	th := s.config().For(g.EventID)
	all, err := s.store.ListGates(ctx, g.EventID)
	if err != nil {
		return err
	}
	others := make([]model.Gate, 0, len(all))
	points := make([]model.Coordinates, 0, len(all))
	for _, o := range all {
		if o.ID == g.ID || o.Coordinates == nil {
			continue
		}
		others = append(others, o)
		points = append(points, *o.Coordinates)
	}
	idx, dist := geo.Nearest(*g.Coordinates, points)
	if idx < 0 || dist >= th.DuplicateDistanceMeters {
		return nil
	}
	_, err = s.suggest(ctx, others[idx], g, &dist, th)
	return err
}

// Observe applies one recorded check-in to its gate: the check-in count,
// the approved to active transition, promotion and binding learning. Only
// successful check-ins count.
func (s *Service) Observe(ctx context.Context, gateID string, ev model.CheckinEvent) error {
	if ev.Outcome != model.OutcomeSuccess {
		return nil
	}
	unlock := s.lockEvent(ev.EventID)
	defer unlock()

	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	now := s.now()
	th := s.config().For(ev.EventID)
	g.CheckinCount++
	g.UpdatedAt = now
	switch g.Status {
	case model.GateApproved:
		g.Status = model.GateActive
		s.logger.Info("gate active", "event_id", g.EventID, "gate_id", g.ID)
	case model.GateProbation:
		s.maybePromote(ctx, &g, th, now)
	}
	g.ConfidenceScore = Confidence(g, now)
	if err := s.store.SaveGate(ctx, g); err != nil {
		return err
	}
	if ev.Category != "" {
		return s.observeBinding(ctx, g, ev, th)
	}
	return nil
}

// maybePromote moves a probation gate to approved once it has enough
// samples and confidence. Callers hold the event lock and save the gate.
func (s *Service) maybePromote(ctx context.Context, g *model.Gate, th config.Thresholds, now time.Time) bool {
	conf := Confidence(*g, now)
	g.ConfidenceScore = conf
	if g.Status != model.GateProbation || g.CheckinCount < th.PromotionSampleSize {
		return false
	}
	if float64(conf)/100 < th.ConfidenceThreshold {
		return false
	}
	g.Status = model.GateApproved
	g.UpdatedAt = now
	s.metrics.GatePromoted()
	s.logger.Info("gate promoted", "event_id", g.EventID, "gate_id", g.ID, "confidence", conf)
	s.raise(ctx, model.SystemAlert{
		EventID:   g.EventID,
		AlertType: model.AlertGatePromoted,
		Severity:  model.SeverityLow,
		Message:   fmt.Sprintf("gate %s promoted to approved", g.Name),
		Data: map[string]any{
			"gate_id":       g.ID,
			"checkin_count": g.CheckinCount,
			"confidence":    conf,
		},
	})
	s.audit(ctx, model.AuditEntry{
		EventID:     g.EventID,
		Actor:       "gate-engine",
		Action:      "gate.promote",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details:     map[string]string{"confidence": fmt.Sprint(conf)},
	})
	return true
}

func (s *Service) raise(ctx context.Context, alert model.SystemAlert) {
	if s.sink == nil {
		return
	}
	s.sink.Raise(ctx, alert)
}

func (s *Service) audit(ctx context.Context, entry model.AuditEntry) {
	if s.sink == nil {
		return
	}
	s.sink.Audit(ctx, entry)
}

// Coordinates returns the known GPS position of every gate of an event.
func (s *Service) Coordinates(ctx context.Context, eventID string) (map[string]model.Coordinates, error) {
	gates, err := s.store.ListGates(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Coordinates, len(gates))
	for _, g := range gates {
		if g.Coordinates != nil {
			out[g.ID] = *g.Coordinates
		}
	}
	return out, nil
}

// ListGates returns an event's gates with freshly computed confidence.
func (s *Service) ListGates(ctx context.Context, eventID string) ([]model.Gate, error) {
	gates, err := s.store.ListGates(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range gates {
		gates[i].ConfidenceScore = Confidence(gates[i], now)
	}
	return gates, nil
}

// GateDetail is a gate together with its binding, if any.
type GateDetail struct {
	model.Gate
	Binding *model.GateBinding `json:"binding,omitempty"`
}

func (s *Service) GetGate(ctx context.Context, gateID string) (GateDetail, error) {
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return GateDetail{}, err
	}
	g.ConfidenceScore = Confidence(g, s.now())
	out := GateDetail{Gate: g}
	bd, err := s.store.GetBinding(ctx, gateID)
	if err == nil {
		out.Binding = &bd
	} else if !errors.Is(err, model.ErrNotFound) {
		return GateDetail{}, err
	}
	return out, nil
}

func (s *Service) Suggestions(ctx context.Context, eventID string, status model.SuggestionStatus) ([]model.GateMergeSuggestion, error) {
	return s.store.ListSuggestions(ctx, eventID, status)
}
