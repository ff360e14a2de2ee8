package gates

import (
	"context"
	"errors"

	"gateguard/internal/geo"
	"gateguard/internal/model"
)

type Topology struct {
	EventID         string                   `json:"event_id"`
	Gates           int                      `json:"gates"`
	WithCoordinates int                      `json:"with_coordinates"`
	ByStatus        map[model.GateStatus]int `json:"by_status"`
	Bounds          *geo.Bounds              `json:"bounds,omitempty"`
	Centroid        *model.Coordinates       `json:"centroid,omitempty"`
	Pending         int                      `json:"pending_suggestions"`
}

// Topology summarizes where an event's gates are.
func (s *Service) Topology(ctx context.Context, eventID string) (Topology, error) {
	gates, err := s.store.ListGates(ctx, eventID)
	if err != nil {
		return Topology{}, err
	}
	out := Topology{EventID: eventID, Gates: len(gates), ByStatus: make(map[model.GateStatus]int)}
	points := make([]model.Coordinates, 0, len(gates))
	for _, g := range gates {
		out.ByStatus[g.Status]++
		if g.Coordinates != nil {
			points = append(points, *g.Coordinates)
		}
	}
	out.WithCoordinates = len(points)
	if b, ok := geo.ComputeBounds(points); ok {
		out.Bounds = &b
	}
	if c, ok := geo.Centroid(points); ok {
		out.Centroid = &c
	}
	pending, err := s.store.ListSuggestions(ctx, eventID, model.SuggestionPending)
	if err != nil {
		return Topology{}, err
	}
	out.Pending = len(pending)
	return out, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}
