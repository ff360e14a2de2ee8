package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gateguard/internal/model"
)

type memoryStore struct {
	mu          sync.RWMutex
	seq         int64
	checkins    []model.CheckinEvent
	checkinByID map[string]int
	states      map[string]model.WristbandFraudState
	blocks      map[string]model.WristbandBlock
	alerts      map[string]model.SystemAlert
	gates       map[string]model.Gate
	redirects   map[string]string
	suggestions map[string]model.GateMergeSuggestion
	bindings    map[string]model.GateBinding
	audit       []model.AuditEntry
}

// NewMemory returns a process-local Store. It is the default when no
// database is configured and backs the engine tests.
func NewMemory() Store {
	return &memoryStore{
		checkinByID: make(map[string]int),
		states:      make(map[string]model.WristbandFraudState),
		blocks:      make(map[string]model.WristbandBlock),
		alerts:      make(map[string]model.SystemAlert),
		gates:       make(map[string]model.Gate),
		redirects:   make(map[string]string),
		suggestions: make(map[string]model.GateMergeSuggestion),
		bindings:    make(map[string]model.GateBinding),
	}
}

func wristbandKey(eventID, wristbandID string) string {
	return eventID + "|" + wristbandID
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
}

func (s *memoryStore) Init(context.Context) error { return nil }
func (s *memoryStore) Close() error               { return nil }

func (s *memoryStore) AppendCheckin(_ context.Context, ev *model.CheckinEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkinByID[ev.ID]; ok {
		return fmt.Errorf("checkin %q already recorded", ev.ID)
	}
	s.seq++
	ev.Seq = s.seq
	stored := *ev
	stored.Metadata = copyStrings(ev.Metadata)
	s.checkinByID[ev.ID] = len(s.checkins)
	s.checkins = append(s.checkins, stored)
	return nil
}

func (s *memoryStore) GetCheckin(_ context.Context, id string) (model.CheckinEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.checkinByID[id]
	if !ok {
		return model.CheckinEvent{}, notFound("checkin", id)
	}
	return s.checkins[idx], nil
}

func (s *memoryStore) ListCheckins(_ context.Context, eventID, wristbandID string, since time.Time) ([]model.CheckinEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CheckinEvent, 0)
	for _, c := range s.checkins {
		if c.EventID != eventID || c.WristbandID != wristbandID {
			continue
		}
		if !since.IsZero() && c.Timestamp.Before(since) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *memoryStore) ListActiveWristbands(_ context.Context, eventID string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range s.checkins {
		if c.EventID == eventID && !c.Timestamp.Before(since) {
			seen[c.WristbandID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (s *memoryStore) RepointCheckins(_ context.Context, eventID, fromGateID, toGateID, toGateName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.checkins {
		if s.checkins[i].EventID == eventID && s.checkins[i].GateID == fromGateID {
			s.checkins[i].GateID = toGateID
			s.checkins[i].GateName = toGateName
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListEventIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range s.checkins {
		seen[c.EventID] = struct{}{}
	}
	for _, g := range s.gates {
		seen[g.EventID] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func (s *memoryStore) UpsertFraudState(_ context.Context, state model.WristbandFraudState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[wristbandKey(state.EventID, state.WristbandID)] = state
	return nil
}

func (s *memoryStore) GetFraudState(_ context.Context, eventID, wristbandID string) (model.WristbandFraudState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[wristbandKey(eventID, wristbandID)]
	if !ok {
		return model.WristbandFraudState{}, notFound("fraud state", wristbandID)
	}
	return st, nil
}

func (s *memoryStore) SaveBlock(_ context.Context, block model.WristbandBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[wristbandKey(block.EventID, block.WristbandID)] = block
	return nil
}

func (s *memoryStore) GetBlock(_ context.Context, eventID, wristbandID string) (model.WristbandBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[wristbandKey(eventID, wristbandID)]
	if !ok {
		return model.WristbandBlock{}, notFound("block", wristbandID)
	}
	return b, nil
}

func (s *memoryStore) DeleteBlock(_ context.Context, eventID, wristbandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wristbandKey(eventID, wristbandID)
	if _, ok := s.blocks[key]; !ok {
		return notFound("block", wristbandID)
	}
	delete(s.blocks, key)
	return nil
}

func (s *memoryStore) SaveAlert(_ context.Context, alert model.SystemAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

func (s *memoryStore) ResolveAlert(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return notFound("alert", id)
	}
	a.Resolved = true
	a.ResolvedAt = &at
	s.alerts[id] = a
	return nil
}

func (s *memoryStore) SaveGate(_ context.Context, gate model.Gate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[gate.ID] = gate
	return nil
}

func (s *memoryStore) GetGate(_ context.Context, id string) (model.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[id]
	if !ok {
		return model.Gate{}, notFound("gate", id)
	}
	return g, nil
}

func (s *memoryStore) FindGateByName(_ context.Context, eventID, name string) (model.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.gates {
		if g.EventID == eventID && g.Name == name {
			return g, nil
		}
	}
	return model.Gate{}, notFound("gate", name)
}

func (s *memoryStore) ListGates(_ context.Context, eventID string) ([]model.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Gate, 0)
	for _, g := range s.gates {
		if g.EventID == eventID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) DeleteGate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gates[id]; !ok {
		return notFound("gate", id)
	}
	delete(s.gates, id)
	delete(s.bindings, id)
	return nil
}

func (s *memoryStore) SaveRedirect(_ context.Context, eventID, from, toGateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[eventID+"|"+from] = toGateID
	return nil
}

func (s *memoryStore) LookupRedirect(_ context.Context, eventID, from string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	to, ok := s.redirects[eventID+"|"+from]
	if !ok {
		return "", notFound("redirect", from)
	}
	return to, nil
}

func (s *memoryStore) RepointRedirects(_ context.Context, eventID, fromGateID, toGateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := eventID + "|"
	for k, to := range s.redirects {
		if to == fromGateID && strings.HasPrefix(k, prefix) {
			s.redirects[k] = toGateID
		}
	}
	return nil
}

func (s *memoryStore) UpsertSuggestion(_ context.Context, sg model.GateMergeSuggestion) (model.GateMergeSuggestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.suggestions {
		if existing.EventID != sg.EventID || existing.PrimaryGateID != sg.PrimaryGateID || existing.SecondaryGateID != sg.SecondaryGateID {
			continue
		}
		if existing.Status == model.SuggestionPending {
			existing.ConfidenceScore = sg.ConfidenceScore
			existing.NameSimilarity = sg.NameSimilarity
			existing.Reasoning = sg.Reasoning
			existing.DistanceMeters = sg.DistanceMeters
			existing.UpdatedAt = sg.UpdatedAt
			s.suggestions[id] = existing
		}
		return existing, false, nil
	}
	s.suggestions[sg.ID] = sg
	return sg, true, nil
}

func (s *memoryStore) GetSuggestion(_ context.Context, id string) (model.GateMergeSuggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return model.GateMergeSuggestion{}, notFound("merge suggestion", id)
	}
	return sg, nil
}

func (s *memoryStore) ListSuggestions(_ context.Context, eventID string, status model.SuggestionStatus) ([]model.GateMergeSuggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.GateMergeSuggestion, 0)
	for _, sg := range s.suggestions {
		if sg.EventID != eventID {
			continue
		}
		if status != "" && sg.Status != status {
			continue
		}
		out = append(out, sg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) UpdateSuggestionStatus(_ context.Context, id string, status model.SuggestionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return notFound("merge suggestion", id)
	}
	sg.Status = status
	sg.UpdatedAt = at
	s.suggestions[id] = sg
	return nil
}

func (s *memoryStore) SaveBinding(_ context.Context, binding model.GateBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[binding.GateID] = binding
	return nil
}

func (s *memoryStore) GetBinding(_ context.Context, gateID string) (model.GateBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[gateID]
	if !ok {
		return model.GateBinding{}, notFound("binding", gateID)
	}
	return b, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Details = copyStrings(entry.Details)
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, eventID string, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		if eventID != "" && s.audit[i].EventID != eventID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
