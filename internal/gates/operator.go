package gates

import (
	"context"
	"fmt"
	"strings"

	"gateguard/internal/geo"
	"gateguard/internal/model"
)

const maxNameLength = 256

type GateInput struct {
	Name        string             `json:"name"`
	Coordinates *model.Coordinates `json:"coordinates,omitempty"`
	MapPosition *model.Point       `json:"map_position,omitempty"`
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return model.NewValidationError("name", "is required")
	}
	if len(name) > maxNameLength {
		return model.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

func validCoordinates(c *model.Coordinates) error {
	if c == nil {
		return nil
	}
	if c.Lat < -90 || c.Lat > 90 {
		return model.NewValidationError("coordinates.lat", "must be between -90 and 90")
	}
	if c.Lng < -180 || c.Lng > 180 {
		return model.NewValidationError("coordinates.lng", "must be between -180 and 180")
	}
	return nil
}

// CreateGate registers a gate declared by an operator. It starts approved.
func (s *Service) CreateGate(ctx context.Context, eventID string, in GateInput, actor string) (model.Gate, error) {
	if strings.TrimSpace(eventID) == "" {
		return model.Gate{}, model.NewValidationError("event_id", "is required")
	}
	if err := validName(in.Name); err != nil {
		return model.Gate{}, err
	}
	if err := validCoordinates(in.Coordinates); err != nil {
		return model.Gate{}, err
	}
	unlock := s.lockEvent(eventID)
	defer unlock()
	if _, ok, err := s.lookup(ctx, eventID, in.Name); err != nil {
		return model.Gate{}, err
	} else if ok {
		return model.Gate{}, model.NewValidationError("name", "already in use")
	}
	g, err := s.create(ctx, eventID, in.Name, in.Coordinates, in.MapPosition, false)
	if err != nil {
		return model.Gate{}, err
	}
	s.audit(ctx, model.AuditEntry{
		EventID:     eventID,
		Actor:       actor,
		Action:      "gate.create",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details:     map[string]string{"name": g.Name},
	})
	return g, nil
}

// loadLocked fetches a gate and locks its event. The gate is read again
// under the lock.
func (s *Service) loadLocked(ctx context.Context, gateID string) (model.Gate, func(), error) {
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return model.Gate{}, nil, err
	}
	unlock := s.lockEvent(g.EventID)
	g, err = s.store.GetGate(ctx, gateID)
	if err != nil {
		unlock()
		return model.Gate{}, nil, err
	}
	return g, unlock, nil
}

// ApproveGate confirms a probation gate. Any other status is an invalid
// transition.
func (s *Service) ApproveGate(ctx context.Context, gateID, actor string) (model.Gate, error) {
	g, unlock, err := s.loadLocked(ctx, gateID)
	if err != nil {
		return model.Gate{}, err
	}
	defer unlock()
	if g.Status != model.GateProbation {
		return model.Gate{}, fmt.Errorf("approve gate %s in status %s: %w", g.ID, g.Status, model.ErrInvalidTransition)
	}
	prev := g.Status
	g.Status = model.GateApproved
	g.UpdatedAt = s.now()
	g.ConfidenceScore = Confidence(g, g.UpdatedAt)
	if err := s.store.SaveGate(ctx, g); err != nil {
		return model.Gate{}, err
	}
	s.audit(ctx, model.AuditEntry{
		EventID:     g.EventID,
		Actor:       actor,
		Action:      "gate.approve",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details:     map[string]string{"previous_status": string(prev)},
	})
	return g, nil
}

// RejectGate removes a probation gate. Its pending merge suggestions are
// rejected with it. Seeing the same name again creates a fresh probation
// gate.
func (s *Service) RejectGate(ctx context.Context, gateID, actor string) error {
	g, unlock, err := s.loadLocked(ctx, gateID)
	if err != nil {
		return err
	}
	defer unlock()
	if g.Status != model.GateProbation {
		return fmt.Errorf("reject gate %s in status %s: %w", g.ID, g.Status, model.ErrInvalidTransition)
	}
	if err := s.store.DeleteGate(ctx, g.ID); err != nil {
		return err
	}
	if _, err := s.closeSuggestions(ctx, g.EventID, g.ID, ""); err != nil {
		return err
	}
	s.logger.Info("gate rejected", "event_id", g.EventID, "gate_id", g.ID, "name", g.Name)
	s.audit(ctx, model.AuditEntry{
		EventID:     g.EventID,
		Actor:       actor,
		Action:      "gate.reject",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details:     map[string]string{"name": g.Name},
	})
	return nil
}

// RenameGate changes a gate's display name. The old name keeps resolving
// through a redirect.
func (s *Service) RenameGate(ctx context.Context, gateID, name, actor string) (model.Gate, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return model.Gate{}, err
	}
	g, unlock, err := s.loadLocked(ctx, gateID)
	if err != nil {
		return model.Gate{}, err
	}
	defer unlock()
	if g.Name == name {
		return g, nil
	}
	if other, ok, err := s.lookup(ctx, g.EventID, name); err != nil {
		return model.Gate{}, err
	} else if ok && other.ID != g.ID {
		return model.Gate{}, model.NewValidationError("name", "already in use")
	}
	old := g.Name
	g.Name = name
	g.UpdatedAt = s.now()
	if err := s.store.SaveGate(ctx, g); err != nil {
		return model.Gate{}, err
	}
	if err := s.store.SaveRedirect(ctx, g.EventID, old, g.ID); err != nil {
		return model.Gate{}, err
	}
	if _, err := s.store.RepointCheckins(ctx, g.EventID, g.ID, g.ID, g.Name); err != nil {
		return model.Gate{}, err
	}
	s.audit(ctx, model.AuditEntry{
		EventID:     g.EventID,
		Actor:       actor,
		Action:      "gate.rename",
		SubjectType: "gate",
		SubjectID:   g.ID,
		Details:     map[string]string{"old_name": old, "new_name": name},
	})
	return g, nil
}

// MergeGates folds secondary into primary. Check-ins, counts and position
// move to primary, both the secondary id and name redirect to primary, and
// secondary is deleted.
func (s *Service) MergeGates(ctx context.Context, primaryID, secondaryID, actor string) (model.Gate, error) {
	if primaryID == "" || secondaryID == "" {
		return model.Gate{}, model.NewValidationError("gate", "primary and secondary are required")
	}
	if primaryID == secondaryID {
		return model.Gate{}, model.NewValidationError("secondary_id", "must differ from primary")
	}
	primary, unlock, err := s.loadLocked(ctx, primaryID)
	if err != nil {
		return model.Gate{}, err
	}
	defer unlock()
	return s.merge(ctx, primary, secondaryID, actor)
}

// merge runs with the primary's event locked.
func (s *Service) merge(ctx context.Context, primary model.Gate, secondaryID, actor string) (model.Gate, error) {
	secondary, err := s.store.GetGate(ctx, secondaryID)
	if err != nil {
		return model.Gate{}, err
	}
	if secondary.EventID != primary.EventID {
		return model.Gate{}, model.NewValidationError("secondary_id", "belongs to a different event")
	}
	eventID := primary.EventID

	moved, err := s.store.RepointCheckins(ctx, eventID, secondary.ID, primary.ID, primary.Name)
	if err != nil {
		return model.Gate{}, fmt.Errorf("repoint checkins: %w", err)
	}
	primary.CheckinCount += secondary.CheckinCount
	switch {
	case primary.Coordinates != nil && secondary.Coordinates != nil:
		c, _ := geo.Centroid([]model.Coordinates{*primary.Coordinates, *secondary.Coordinates})
		primary.Coordinates = &c
	case primary.Coordinates == nil && secondary.Coordinates != nil:
		c := *secondary.Coordinates
		primary.Coordinates = &c
	}
	switch {
	case primary.MapPosition != nil && secondary.MapPosition != nil:
		primary.MapPosition = &model.Point{
			X: (primary.MapPosition.X + secondary.MapPosition.X) / 2,
			Y: (primary.MapPosition.Y + secondary.MapPosition.Y) / 2,
		}
	case primary.MapPosition == nil && secondary.MapPosition != nil:
		p := *secondary.MapPosition
		primary.MapPosition = &p
	}
	if primary.Status == model.GateProbation && (secondary.Status == model.GateApproved || secondary.Status == model.GateActive) {
		primary.Status = secondary.Status
	}
	primary.UpdatedAt = s.now()
	primary.ConfidenceScore = Confidence(primary, primary.UpdatedAt)
	if err := s.store.SaveGate(ctx, primary); err != nil {
		return model.Gate{}, err
	}

	if err := s.store.SaveRedirect(ctx, eventID, secondary.ID, primary.ID); err != nil {
		return model.Gate{}, err
	}
	if secondary.Name != primary.Name {
		if err := s.store.SaveRedirect(ctx, eventID, secondary.Name, primary.ID); err != nil {
			return model.Gate{}, err
		}
	}
	if err := s.store.RepointRedirects(ctx, eventID, secondary.ID, primary.ID); err != nil {
		return model.Gate{}, err
	}
	if err := s.moveBinding(ctx, primary, secondary); err != nil {
		return model.Gate{}, err
	}
	if err := s.store.DeleteGate(ctx, secondary.ID); err != nil {
		return model.Gate{}, err
	}
	merged, err := s.closeSuggestions(ctx, eventID, secondary.ID, primary.ID)
	if err != nil {
		return model.Gate{}, err
	}

	s.metrics.GateMerged()
	s.logger.Info("gates merged",
		"event_id", eventID,
		"primary_gate_id", primary.ID,
		"secondary_gate_id", secondary.ID,
		"repointed_checkins", moved,
	)
	details := map[string]string{
		"secondary_id":       secondary.ID,
		"secondary_name":     secondary.Name,
		"repointed_checkins": fmt.Sprint(moved),
	}
	if merged != "" {
		details["suggestion_id"] = merged
	}
	s.audit(ctx, model.AuditEntry{
		EventID:     eventID,
		Actor:       actor,
		Action:      "gate.merge",
		SubjectType: "gate",
		SubjectID:   primary.ID,
		Details:     details,
	})
	return primary, nil
}

// moveBinding hands the secondary's binding to the primary when the
// primary has none.
func (s *Service) moveBinding(ctx context.Context, primary, secondary model.Gate) error {
	bd, err := s.store.GetBinding(ctx, secondary.ID)
	if err != nil {
		return ignoreNotFound(err)
	}
	if _, err := s.store.GetBinding(ctx, primary.ID); err == nil {
		return nil
	} else if ignoreNotFound(err) != nil {
		return err
	}
	bd.GateID = primary.ID
	bd.UpdatedAt = s.now()
	return s.store.SaveBinding(ctx, bd)
}

// closeSuggestions settles the suggestions that mention a removed gate.
// The pair (gone, survivor) is marked merged; other pending ones are
// rejected. It returns the id of the merged suggestion, if any.
func (s *Service) closeSuggestions(ctx context.Context, eventID, gone, survivor string) (string, error) {
	list, err := s.store.ListSuggestions(ctx, eventID, model.SuggestionPending)
	if err != nil {
		return "", err
	}
	now := s.now()
	var merged string
	for _, sg := range list {
		if sg.PrimaryGateID != gone && sg.SecondaryGateID != gone {
			continue
		}
		status := model.SuggestionRejected
		if survivor != "" && (sg.PrimaryGateID == survivor || sg.SecondaryGateID == survivor) {
			status = model.SuggestionMerged
			merged = sg.ID
		}
		if err := s.store.UpdateSuggestionStatus(ctx, sg.ID, status, now); err != nil {
			return "", err
		}
	}
	return merged, nil
}

// ApproveSuggestion performs the merge a pending suggestion proposes.
func (s *Service) ApproveSuggestion(ctx context.Context, id, actor string) (model.Gate, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return model.Gate{}, err
	}
	if sg.Status != model.SuggestionPending {
		return model.Gate{}, fmt.Errorf("approve suggestion %s in status %s: %w", sg.ID, sg.Status, model.ErrInvalidTransition)
	}
	primary, unlock, err := s.loadLocked(ctx, sg.PrimaryGateID)
	if err != nil {
		return model.Gate{}, err
	}
	defer unlock()
	return s.merge(ctx, primary, sg.SecondaryGateID, actor)
}

func (s *Service) RejectSuggestion(ctx context.Context, id, actor string) (model.GateMergeSuggestion, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return model.GateMergeSuggestion{}, err
	}
	if sg.Status != model.SuggestionPending {
		return model.GateMergeSuggestion{}, fmt.Errorf("reject suggestion %s in status %s: %w", sg.ID, sg.Status, model.ErrInvalidTransition)
	}
	now := s.now()
	if err := s.store.UpdateSuggestionStatus(ctx, sg.ID, model.SuggestionRejected, now); err != nil {
		return model.GateMergeSuggestion{}, err
	}
	sg.Status = model.SuggestionRejected
	sg.UpdatedAt = now
	s.audit(ctx, model.AuditEntry{
		EventID:     sg.EventID,
		Actor:       actor,
		Action:      "suggestion.reject",
		SubjectType: "merge_suggestion",
		SubjectID:   sg.ID,
		Details: map[string]string{
			"primary_gate_id":   sg.PrimaryGateID,
			"secondary_gate_id": sg.SecondaryGateID,
		},
	})
	return sg, nil
}
