package metrics

import (
	"sort"
	"sync"
	"time"

	"gateguard/internal/model"
)

// Store keeps the latest fraud state of recently scored wristbands so the
// API can list suspicious wristbands without touching the event log.
type Store struct {
	mu        sync.RWMutex
	byEvent   map[string]map[string]model.WristbandFraudState
	updatedAt map[string]time.Time
	size      int
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 50000
	}
	return &Store{
		byEvent:   make(map[string]map[string]model.WristbandFraudState),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func snapshotKey(eventID, wristbandID string) string {
	return eventID + "|" + wristbandID
}

func (s *Store) Update(state model.WristbandFraudState) {
	if state.EventID == "" || state.WristbandID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byEvent[state.EventID]
	if !ok {
		m = make(map[string]model.WristbandFraudState)
		s.byEvent[state.EventID] = m
	}
	if _, exists := m[state.WristbandID]; !exists {
		s.size++
	}
	m[state.WristbandID] = state
	s.updatedAt[snapshotKey(state.EventID, state.WristbandID)] = time.Now().UTC()
	if s.size > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(eventID, wristbandID string) (model.WristbandFraudState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byEvent[eventID][wristbandID]
	return st, ok
}

// Top returns the event's wristbands with a score of at least minScore,
// highest first.
func (s *Store) Top(eventID string, minScore, limit int) []model.WristbandFraudState {
	s.mu.RLock()
	out := make([]model.WristbandFraudState, 0)
	for _, st := range s.byEvent[eventID] {
		if st.FraudScore >= minScore {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FraudScore != out[j].FraudScore {
			return out[i].FraudScore > out[j].FraudScore
		}
		return out[i].WristbandID < out[j].WristbandID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, ts := range s.updatedAt {
		if oldestKey == "" || ts.Before(oldest) {
			oldestKey = key
			oldest = ts
		}
	}
	if oldestKey == "" {
		return
	}
	delete(s.updatedAt, oldestKey)
	for eventID, m := range s.byEvent {
		for wristbandID := range m {
			if snapshotKey(eventID, wristbandID) == oldestKey {
				delete(m, wristbandID)
				s.size--
				if len(m) == 0 {
					delete(s.byEvent, eventID)
				}
				return
			}
		}
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent = make(map[string]map[string]model.WristbandFraudState)
	s.updatedAt = make(map[string]time.Time)
	s.size = 0
}
