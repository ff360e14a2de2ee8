package engine

import (
	"sort"
	"time"

	"gateguard/internal/model"
)

const (
	rapidWeight     = 25
	blockedWeight   = 15
	volumeBonus     = 10
	volumeThreshold = 10
	maxScore        = 100
)

// ScoreParams are the window settings a score is computed with.
type ScoreParams struct {
	RapidWindow    time.Duration
	RateWindow     time.Duration
	RapidThreshold int
	// Lookback restricts history to check-ins at or after At-Lookback.
	// Zero keeps the whole history.
	Lookback time.Duration
	// At is the reference time for the 5m/1h rate counts.
	At time.Time
}

// ScoreResult is the outcome of scoring one wristband's history.
type ScoreResult struct {
	CheckinCount    int
	RapidCheckins   int
	BlockedAttempts int
	Last5mCount     int
	Last1hCount     int
	FraudScore      int
	LastCheckinAt   time.Time
	// CurrentWindowCount is the trailing rapid-window count at the
	// check-in named by the currentID argument, zero if it is not a
	// successful check-in of the history.
	CurrentWindowCount int
}

// Score computes a wristband's fraud score as a pure function of its
// check-in history. The history does not need to be sorted.
func Score(history []model.CheckinEvent, currentID string, p ScoreParams) ScoreResult {
	ordered := make([]model.CheckinEvent, 0, len(history))
	for _, c := range history {
		if p.Lookback > 0 && !p.At.IsZero() && c.Timestamp.Before(p.At.Add(-p.Lookback)) {
			continue
		}
		ordered = append(ordered, c)
	}
	sortHistory(ordered)

	var res ScoreResult
	rapid := NewRollingWindow(p.RapidWindow)
	hour := NewRollingWindow(p.RateWindow)
	for _, c := range ordered {
		if c.Timestamp.After(res.LastCheckinAt) {
			res.LastCheckinAt = c.Timestamp
		}
		switch c.Outcome {
		case model.OutcomeBlocked:
			res.BlockedAttempts++
		case model.OutcomeSuccess:
			res.CheckinCount++
			count := rapid.Push(c.Timestamp, c.Seq)
			hour.Push(c.Timestamp, c.Seq)
			if count > p.RapidThreshold {
				res.RapidCheckins++
			}
			if c.ID == currentID {
				res.CurrentWindowCount = count
			}
		}
	}
	at := p.At
	if at.IsZero() {
		at = res.LastCheckinAt
	}
	res.Last5mCount = rapid.CountAt(at)
	res.Last1hCount = hour.CountAt(at)
	res.FraudScore = fraudScore(res.RapidCheckins, res.BlockedAttempts, res.CheckinCount)
	return res
}

func fraudScore(rapid, blocked, checkins int) int {
	score := rapid*rapidWeight + blocked*blockedWeight
	if checkins > volumeThreshold {
		score += volumeBonus
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// ShouldBlock reports whether a score trips a block threshold.
func ShouldBlock(score, threshold int) bool {
	return threshold > 0 && score >= threshold
}

func sortHistory(h []model.CheckinEvent) {
	sort.SliceStable(h, func(i, j int) bool {
		if !h[i].Timestamp.Equal(h[j].Timestamp) {
			return h[i].Timestamp.Before(h[j].Timestamp)
		}
		return h[i].Seq < h[j].Seq
	})
}

func (r ScoreResult) State(eventID, wristbandID string, updatedAt time.Time) model.WristbandFraudState {
	return model.WristbandFraudState{
		WristbandID:     wristbandID,
		EventID:         eventID,
		CheckinCount:    r.CheckinCount,
		RapidCheckins:   r.RapidCheckins,
		BlockedAttempts: r.BlockedAttempts,
		Last5mCount:     r.Last5mCount,
		Last1hCount:     r.Last1hCount,
		FraudScore:      r.FraudScore,
		LastCheckinAt:   r.LastCheckinAt,
		UpdatedAt:       updatedAt,
	}
}
