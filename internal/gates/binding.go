package gates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gateguard/internal/config"
	"gateguard/internal/model"
)

// observeBinding learns which wristband category a gate serves and, once
// the binding is enforced, flags check-ins of any other category.
func (s *Service) observeBinding(ctx context.Context, g model.Gate, ev model.CheckinEvent, th config.Thresholds) error {
	now := s.now()
	bd, err := s.store.GetBinding(ctx, g.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if err != nil || bd.Status == model.BindingUnbound {
		bd = model.GateBinding{
			GateID:      g.ID,
			EventID:     g.EventID,
			Category:    ev.Category,
			Status:      model.BindingProbation,
			Confidence:  1,
			SampleCount: 1,
			MatchCount:  1,
			UpdatedAt:   now,
		}
		return s.store.SaveBinding(ctx, bd)
	}

	match := strings.EqualFold(bd.Category, ev.Category)
	switch bd.Status {
	case model.BindingRejected:
		return nil
	case model.BindingProbation:
		sample(&bd, match)
		if bd.SampleCount >= th.PromotionSampleSize && bd.Confidence >= th.ConfidenceThreshold {
			bd.Status = model.BindingEnforced
			s.logger.Info("binding enforced",
				"event_id", g.EventID,
				"gate_id", g.ID,
				"category", bd.Category,
				"confidence", bd.Confidence,
			)
			s.audit(ctx, model.AuditEntry{
				EventID:     g.EventID,
				Actor:       "gate-engine",
				Action:      "binding.enforce",
				SubjectType: "gate",
				SubjectID:   g.ID,
				Details:     map[string]string{"category": bd.Category},
			})
		}
	case model.BindingEnforced:
		sample(&bd, match)
		if !match {
			bd.ViolationCount++
			s.metrics.BindingViolation()
			s.raise(ctx, model.SystemAlert{
				EventID:   g.EventID,
				AlertType: model.AlertBindingViolation,
				Severity:  model.SeverityHigh,
				Message:   fmt.Sprintf("category %s checked in at gate %s bound to %s", ev.Category, g.Name, bd.Category),
				Data: map[string]any{
					"gate_id":           g.ID,
					"wristband_id":      ev.WristbandID,
					"checkin_id":        ev.ID,
					"category":          ev.Category,
					"expected_category": bd.Category,
					"violation_count":   bd.ViolationCount,
				},
			})
		}
	}
	bd.UpdatedAt = now
	return s.store.SaveBinding(ctx, bd)
}

func sample(bd *model.GateBinding, match bool) {
	bd.SampleCount++
	if match {
		bd.MatchCount++
	}
	bd.Confidence = float64(bd.MatchCount) / float64(bd.SampleCount)
}

// SetBinding lets an operator force a gate's binding. Changing the
// category restarts the sample counts.
func (s *Service) SetBinding(ctx context.Context, gateID, category string, status model.BindingStatus, actor string) (model.GateBinding, error) {
	category = strings.TrimSpace(category)
	if !status.Valid() {
		return model.GateBinding{}, model.NewValidationError("status", "must be one of unbound, probation, enforced, rejected")
	}
	if category == "" && status != model.BindingUnbound {
		return model.GateBinding{}, model.NewValidationError("category", "is required")
	}
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return model.GateBinding{}, err
	}
	unlock := s.lockEvent(g.EventID)
	defer unlock()

	bd, err := s.store.GetBinding(ctx, gateID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.GateBinding{}, err
	}
	if err != nil || !strings.EqualFold(bd.Category, category) {
		bd = model.GateBinding{GateID: g.ID, EventID: g.EventID, Category: category}
	}
	prev := bd.Status
	bd.Status = status
	bd.UpdatedAt = s.now()
	if err := s.store.SaveBinding(ctx, bd); err != nil {
		return model.GateBinding{}, err
	}
	s.audit(ctx, model.AuditEntry{
		EventID:     g.EventID,
		Actor:       actor,
		Action:      "binding.set",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details: map[string]string{
			"category":        category,
			"status":          string(status),
			"previous_status": string(prev),
		},
	})
	return bd, nil
}
