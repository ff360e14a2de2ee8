package engine

import (
	"time"

	"gateguard/internal/geo"
	"gateguard/internal/model"
)

// TravelParams bound the impossible-travel search.
type TravelParams struct {
	MaxSpeedKmh   float64
	MinDistance   float64
	WindowSize    int
	Horizon       time.Duration
	At            time.Time
	OnlyInvolving string
}

// DetectImpossibleTravel compares every ordered pair among the last
// WindowSize check-ins whose gate has coordinates. A pair is flagged when
// its implied speed exceeds MaxSpeedKmh and the gates are more than
// MinDistance meters apart. Pairs with a non-positive time difference are
// skipped. When OnlyInvolving is set only pairs containing that check-in
// are returned.
func DetectImpossibleTravel(history []model.CheckinEvent, coords map[string]model.Coordinates, p TravelParams) []model.ImpossibleTravel {
	located := make([]model.CheckinEvent, 0, len(history))
	for _, c := range history {
		if _, ok := coords[c.GateID]; ok {
			located = append(located, c)
		}
	}
	sortHistory(located)
	if p.WindowSize > 0 && len(located) > p.WindowSize {
		located = located[len(located)-p.WindowSize:]
	}
	maxMps := p.MaxSpeedKmh * 1000 / 3600
	var horizonStart time.Time
	if p.Horizon > 0 && !p.At.IsZero() {
		horizonStart = p.At.Add(-p.Horizon)
	}

	out := make([]model.ImpossibleTravel, 0)
	for i := 0; i < len(located); i++ {
		c1 := located[i]
		if !horizonStart.IsZero() && c1.Timestamp.Before(horizonStart) {
			continue
		}
		for j := i + 1; j < len(located); j++ {
			c2 := located[j]
			if p.OnlyInvolving != "" && c1.ID != p.OnlyInvolving && c2.ID != p.OnlyInvolving {
				continue
			}
			dt := c2.Timestamp.Sub(c1.Timestamp).Seconds()
			if dt <= 0 {
				continue
			}
			d := geo.Haversine(coords[c1.GateID], coords[c2.GateID])
			if d <= p.MinDistance {
				continue
			}
			if d/dt <= maxMps {
				continue
			}
			out = append(out, model.ImpossibleTravel{
				WristbandID:     c2.WristbandID,
				EventID:         c2.EventID,
				FromCheckinID:   c1.ID,
				ToCheckinID:     c2.ID,
				FromGateID:      c1.GateID,
				ToGateID:        c2.GateID,
				DistanceMeters:  d,
				TimeDiffSeconds: dt,
				SpeedKmh:        geo.SpeedKmh(d, dt),
			})
		}
	}
	return out
}
