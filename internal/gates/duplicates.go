package gates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gateguard/internal/config"
	"gateguard/internal/geo"
	"gateguard/internal/model"
	"gateguard/internal/similarity"
)

const sweepParallelism = 4

// Cursor marks the next gate pair to compare. The zero value starts from
// the beginning.
type Cursor struct {
	I int `json:"i"`
	J int `json:"j"`
}

type DuplicateReport struct {
	EventID   string `json:"event_id"`
	Eligible  int    `json:"eligible"`
	Compared  int    `json:"compared"`
	Created   int    `json:"created"`
	Refreshed int    `json:"refreshed"`
	Cursor    Cursor `json:"cursor"`
	Complete  bool   `json:"complete"`
}

// eligible reports whether a gate takes part in duplicate detection.
// Auto-created gates need a few check-ins first so one-off typos do not
// flood the suggestion queue.
func eligible(g model.Gate, th config.Thresholds) bool {
	return !g.AutoCreated || g.CheckinCount >= th.MinCheckinsForGate
}

// distance between two gates in meters, from GPS coordinates or, failing
// that, map positions scaled by metersPerPixel.
func distance(a, b model.Gate, metersPerPixel float64) *float64 {
	if a.Coordinates != nil && b.Coordinates != nil {
		d := geo.Haversine(*a.Coordinates, *b.Coordinates)
		return &d
	}
	if a.MapPosition != nil && b.MapPosition != nil && metersPerPixel > 0 {
		d := geo.PixelDistance(*a.MapPosition, *b.MapPosition) * metersPerPixel
		return &d
	}
	return nil
}

// canonical orders a pair so the older gate is primary. Ties go to the
// smaller id, which makes (a, b) and (b, a) the same suggestion.
func canonical(a, b model.Gate) (model.Gate, model.Gate) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		return b, a
	}
	return a, b
}

// DetectDuplicates compares every pair of eligible gates of an event,
// starting at from, and stores a merge suggestion for each pair with
// similar names or close positions. When ctx is cancelled the report's
// cursor points at the first pair not compared.
func (s *Service) DetectDuplicates(ctx context.Context, eventID string, from Cursor) (DuplicateReport, error) {
	report := DuplicateReport{EventID: eventID}
	cfg := s.config()
	th := cfg.For(eventID)
	all, err := s.store.ListGates(ctx, eventID)
	if err != nil {
		return report, err
	}
	gates := all[:0]
	for _, g := range all {
		if eligible(g, th) {
			gates = append(gates, g)
		}
	}
	report.Eligible = len(gates)

	for i := max(from.I, 0); i < len(gates); i++ {
		start := i + 1
		if i == from.I && from.J > start {
			start = from.J
		}
		for j := start; j < len(gates); j++ {
			if err := ctx.Err(); err != nil {
				report.Cursor = Cursor{I: i, J: j}
				return report, err
			}
			report.Compared++
			a, b := gates[i], gates[j]
			sim := similarity.Name(a.Name, b.Name)
			dist := distance(a, b, cfg.Gates.MetersPerPixel)
			if sim <= cfg.Gates.NameSimilarity && (dist == nil || *dist >= th.DuplicateDistanceMeters) {
				continue
			}
			created, err := s.suggest(ctx, a, b, dist, th)
			if err != nil {
				report.Cursor = Cursor{I: i, J: j}
				return report, err
			}
			if created {
				report.Created++
			} else {
				report.Refreshed++
			}
		}
	}
	report.Complete = true
	return report, nil
}

// suggest stores the merge suggestion for a pair. Pairs an operator already
// decided on keep their decision.
func (s *Service) suggest(ctx context.Context, a, b model.Gate, dist *float64, th config.Thresholds) (bool, error) {
	cfg := s.config()
	primary, secondary := canonical(a, b)
	sim := similarity.Name(primary.Name, secondary.Name)
	now := s.now()
	stored, created, err := s.store.UpsertSuggestion(ctx, model.GateMergeSuggestion{
		ID:              uuid.NewString(),
		EventID:         primary.EventID,
		PrimaryGateID:   primary.ID,
		SecondaryGateID: secondary.ID,
		ConfidenceScore: suggestionConfidence(sim, dist, th.DuplicateDistanceMeters),
		NameSimilarity:  sim,
		Reasoning:       reasoning(sim, dist, cfg.Gates.NameSimilarity, th.DuplicateDistanceMeters),
		DistanceMeters:  dist,
		Status:          model.SuggestionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil || !created {
		return false, err
	}
	s.metrics.MergeSuggested()
	data := map[string]any{
		"suggestion_id":     stored.ID,
		"primary_gate_id":   primary.ID,
		"secondary_gate_id": secondary.ID,
		"name_similarity":   sim,
		"confidence":        stored.ConfidenceScore,
	}
	if dist != nil {
		data["distance_meters"] = *dist
	}
	s.raise(ctx, model.SystemAlert{
		EventID:   primary.EventID,
		AlertType: model.AlertMergeSuggestion,
		Severity:  model.SeverityMedium,
		Message:   fmt.Sprintf("gates %s and %s look like the same gate", primary.Name, secondary.Name),
		Data:      data,
	})
	return true, nil
}

type SweepReport struct {
	EventID    string          `json:"event_id"`
	Refreshed  int             `json:"refreshed"`
	Promoted   []string        `json:"promoted"`
	Duplicates DuplicateReport `json:"duplicates"`
}

// Sweep refreshes confidence and promotion for every gate of an event and
// then runs duplicate detection, resuming where a cancelled sweep stopped.
func (s *Service) Sweep(ctx context.Context, eventID string) (SweepReport, error) {
	started := time.Now()
	defer func() { s.metrics.Sweep("gates", time.Since(started)) }()

	report := SweepReport{EventID: eventID, Promoted: []string{}}
	if err := s.refresh(ctx, eventID, &report); err != nil {
		return report, err
	}

	s.mu.Lock()
	from := s.cursors[eventID]
	s.mu.Unlock()
	dup, err := s.DetectDuplicates(ctx, eventID, from)
	report.Duplicates = dup
	s.mu.Lock()
	if dup.Complete {
		delete(s.cursors, eventID)
	} else if err != nil && ctx.Err() != nil {
		s.cursors[eventID] = dup.Cursor
	}
	s.mu.Unlock()
	if err != nil {
		return report, err
	}
	s.logger.Info("gate sweep complete",
		"event_id", eventID,
		"promoted", len(report.Promoted),
		"suggestions_created", dup.Created,
		"compared", dup.Compared,
	)
	return report, nil
}

func (s *Service) refresh(ctx context.Context, eventID string, report *SweepReport) error {
	unlock := s.lockEvent(eventID)
	defer unlock()
	gates, err := s.store.ListGates(ctx, eventID)
	if err != nil {
		return err
	}
	th := s.config().For(eventID)
	now := s.now()
	for _, g := range gates {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev := g.ConfidenceScore
		promoted := s.maybePromote(ctx, &g, th, now)
		if !promoted && g.ConfidenceScore == prev {
			continue
		}
		if err := s.store.SaveGate(ctx, g); err != nil {
			return err
		}
		report.Refreshed++
		if promoted {
			report.Promoted = append(report.Promoted, g.ID)
		}
	}
	return nil
}

type EventLister interface {
	ListEventIDs(ctx context.Context) ([]string, error)
}

// Run sweeps the gates of every known event on each tick until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, events EventLister, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweepAll(ctx, events); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				s.logger.Warn("gate sweep failed", "err", err)
			}
		}
	}
}

func (s *Service) sweepAll(ctx context.Context, events EventLister) error {
	ids, err := events.ListEventIDs(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := s.Sweep(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.logger.Warn("gate sweep failed", "event_id", id, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}
