package gates

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gateguard/internal/model"
)

// Confidence scores how much a gate can be trusted, from 0 to 100.
func Confidence(g model.Gate, now time.Time) int {
	score := 50
	switch {
	case g.CheckinCount > 100:
		score += 30
	case g.CheckinCount > 50:
		score += 20
	case g.CheckinCount > 10:
		score += 10
	}
	if g.Coordinates != nil {
		score += 15
	}
	age := now.Sub(g.CreatedAt)
	switch {
	case age > 24*time.Hour:
		score += 10
	case age > 6*time.Hour:
		score += 5
	}
	if g.AutoCreated && g.CheckinCount < 5 {
		score -= 20
	}
	return clamp(score, 0, 100)
}

// suggestionConfidence weighs name similarity at 60 points and proximity
// within the duplicate distance at 40.
func suggestionConfidence(sim float64, dist *float64, dupDistance float64) int {
	score := sim * 60
	if dist != nil && dupDistance > 0 {
		proximity := 1 - *dist/dupDistance
		if proximity > 0 {
			score += math.Min(proximity, 1) * 40
		}
	}
	return clamp(int(math.Round(score)), 0, 100)
}

func reasoning(sim float64, dist *float64, simThreshold, dupDistance float64) string {
	parts := []string{fmt.Sprintf("name similarity %.2f", sim)}
	if dist != nil {
		parts = append(parts, fmt.Sprintf("%.1f m apart", *dist))
	} else {
		parts = append(parts, "no shared position")
	}
	var triggers []string
	if sim > simThreshold {
		triggers = append(triggers, "similar names")
	}
	if dist != nil && *dist < dupDistance {
		triggers = append(triggers, "within duplicate distance")
	}
	if len(triggers) > 0 {
		parts = append(parts, "triggered by "+strings.Join(triggers, " and "))
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
