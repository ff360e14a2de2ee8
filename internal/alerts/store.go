package alerts

import (
	"sync"
	"time"

	"gateguard/internal/model"
)

// Store is a bounded in-memory ring of recent alerts backing the API's
// alert feed.
type Store struct {
	mu    sync.RWMutex
	buf   []model.SystemAlert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.SystemAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

func (s *Store) List(limit int) []model.SystemAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.SystemAlert, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.SystemAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SystemAlert, 0)
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

// Resolve marks a buffered alert resolved. It reports false when the alert
// has already rotated out of the ring.
func (s *Store) Resolve(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		if s.buf[i].ID == id {
			s.buf[i].Resolved = true
			resolvedAt := at
			s.buf[i].ResolvedAt = &resolvedAt
			return true
		}
	}
	return false
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
