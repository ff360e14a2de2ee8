package gates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/alerts"
	"gateguard/internal/config"
	"gateguard/internal/model"
	"gateguard/internal/storage"
)

const event = "fest-2026"

var base = time.Date(2026, 7, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store storage.Store
	ring  *alerts.Store
	clock time.Time
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := storage.NewMemory()
	ring := alerts.NewStore(100)
	f := &fixture{store: store, ring: ring, clock: base}
	f.svc = NewService(cfg, store, alerts.NewSink(store, ring, nil, nil, nil), nil)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) tick(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) alerts(alertType string) []model.SystemAlert {
	var out []model.SystemAlert
	for _, a := range f.ring.List(0) {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out
}

func (f *fixture) observe(t *testing.T, g model.Gate, category string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := model.CheckinEvent{
			ID:          uuid.NewString(),
			EventID:     g.EventID,
			WristbandID: "wb-" + uuid.NewString()[:8],
			GateID:      g.ID,
			GateName:    g.Name,
			Timestamp:   f.clock,
			Outcome:     model.OutcomeSuccess,
			Category:    category,
		}
		require.NoError(t, f.svc.Observe(context.Background(), g.ID, ev))
	}
}

func coords(lat, lng float64) *model.Coordinates {
	return &model.Coordinates{Lat: lat, Lng: lng}
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		name string
		gate model.Gate
		age  time.Duration
		want int
	}{
		{"fresh manual", model.Gate{}, 0, 50},
		{"fresh auto", model.Gate{AutoCreated: true}, 0, 30},
		{"auto with few scans and gps", model.Gate{AutoCreated: true, CheckinCount: 2, Coordinates: coords(1, 1)}, 0, 45},
		{"busy and aged", model.Gate{CheckinCount: 60}, 7 * time.Hour, 75},
		{"clamped", model.Gate{AutoCreated: true, CheckinCount: 150, Coordinates: coords(1, 1)}, 25 * time.Hour, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.gate.CreatedAt = base
			assert.Equal(t, tc.want, Confidence(tc.gate, base.Add(tc.age)))
		})
	}
}

func TestSuggestionConfidence(t *testing.T) {
	zero := 0.0
	far := 45.0
	assert.Equal(t, 94, suggestionConfidence(0.9, &zero, 30))
	assert.Equal(t, 54, suggestionConfidence(0.9, &far, 30))
	assert.Equal(t, 60, suggestionConfidence(1, nil, 30))
}

func TestResolveCreatesProbationGate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	g, err := f.svc.Resolve(ctx, event, " Ticket Booth ", coords(52.52, 13.405))
	require.NoError(t, err)
	assert.Equal(t, "Ticket Booth", g.Name)
	assert.Equal(t, model.GateProbation, g.Status)
	assert.True(t, g.AutoCreated)
	require.NotNil(t, g.Coordinates)

	byName, err := f.svc.Resolve(ctx, event, "Ticket Booth", nil)
	require.NoError(t, err)
	assert.Equal(t, g.ID, byName.ID)
	byID, err := f.svc.Resolve(ctx, event, g.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, g.ID, byID.ID)

	other, err := f.svc.Resolve(ctx, "other-event", "Ticket Booth", nil)
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, other.ID)

	_, err = f.svc.Resolve(ctx, event, "   ", nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResolveUnknownIDIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Resolve(context.Background(), event, uuid.NewString(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInconsistentState)
	assert.ErrorIs(t, err, model.ErrValidation)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "gate", verr.Field)
}

func TestResolveNearbyGateRaisesSuggestion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	main, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance", Coordinates: coords(52.52, 13.405)}, "ops")
	require.NoError(t, err)
	f.tick(time.Minute)

	side, err := f.svc.Resolve(ctx, event, "Side Door", coords(52.52009, 13.405))
	require.NoError(t, err)

	list, err := f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, main.ID, list[0].PrimaryGateID)
	assert.Equal(t, side.ID, list[0].SecondaryGateID)
	require.NotNil(t, list[0].DistanceMeters)
	assert.InDelta(t, 10, *list[0].DistanceMeters, 0.5)
	require.Len(t, f.alerts(model.AlertMergeSuggestion), 1)
	assert.Equal(t, model.SeverityMedium, f.alerts(model.AlertMergeSuggestion)[0].Severity)
}

func TestSimilarNamesBecomeSuggestion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.CreateGate(ctx, event, GateInput{Name: "Main Gate", Coordinates: coords(52.52, 13.405)}, "ops")
	require.NoError(t, err)
	f.tick(time.Minute)
	second, err := f.svc.CreateGate(ctx, event, GateInput{Name: "Main Gate ", Coordinates: coords(52.52, 13.405)}, "ops")
	require.NoError(t, err)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 1, report.Created)

	list, err := f.svc.Suggestions(ctx, event, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	sg := list[0]
	assert.Equal(t, first.ID, sg.PrimaryGateID)
	assert.Equal(t, second.ID, sg.SecondaryGateID)
	assert.InDelta(t, 0.9, sg.NameSimilarity, 1e-9)
	assert.Equal(t, 94, sg.ConfidenceScore)
	assert.Contains(t, sg.Reasoning, "similar names")

	again, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 1, again.Refreshed)
	list, err = f.svc.Suggestions(ctx, event, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDistantDissimilarGatesAreNotSuggested(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance", Coordinates: coords(52.52, 13.405)}, "ops")
	require.NoError(t, err)
	// about 500 m further north
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Food Court", Coordinates: coords(52.5245, 13.405)}, "ops")
	require.NoError(t, err)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compared)
	assert.Zero(t, report.Created)
}

func TestMapPositionFallback(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gates.MetersPerPixel = 0.5 })
	ctx := context.Background()
	_, err := f.svc.CreateGate(ctx, event, GateInput{Name: "Stage Left", MapPosition: &model.Point{X: 0, Y: 0}}, "ops")
	require.NoError(t, err)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Food Court", MapPosition: &model.Point{X: 20, Y: 0}}, "ops")
	require.NoError(t, err)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)
	list, err := f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	require.NotNil(t, list[0].DistanceMeters)
	assert.InDelta(t, 10, *list[0].DistanceMeters, 1e-9)
}

func TestAutoGatesNeedCheckinsForDetection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Resolve(ctx, event, "Bar Tent", nil)
	require.NoError(t, err)
	b, err := f.svc.Resolve(ctx, event, "Bar Tent2", nil)
	require.NoError(t, err)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Zero(t, report.Eligible)

	f.observe(t, b, "", 3)
	a, err := f.svc.Resolve(ctx, event, "Bar Tent", nil)
	require.NoError(t, err)
	f.observe(t, a, "", 3)
	report, err = f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 1, report.Created)
}

func TestSimilarityAtThresholdIsNotSuggested(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	// 8 of 10 runes match, exactly the default threshold.
	for _, name := range []string{"Bar Tent", "Bar Tent 1"} {
		g, err := f.svc.Resolve(ctx, event, name, nil)
		require.NoError(t, err)
		f.observe(t, g, "", 3)
	}

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
	assert.Zero(t, report.Created)
	pending, err := f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDetectDuplicatesResumesFromCursor(t *testing.T) {
	f := newFixture(t, nil)
	bg := context.Background()
	for _, name := range []string{"North Entrance", "Food Court", "Stage Left"} {
		_, err := f.svc.CreateGate(bg, event, GateInput{Name: name}, "ops")
		require.NoError(t, err)
		f.tick(time.Second)
	}
	ctx, cancel := context.WithCancel(bg)
	cancel()
	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.Complete)
	assert.Equal(t, Cursor{I: 0, J: 1}, report.Cursor)

	resumed, err := f.svc.DetectDuplicates(bg, event, Cursor{I: 0, J: 2})
	require.NoError(t, err)
	assert.True(t, resumed.Complete)
	assert.Equal(t, 2, resumed.Compared)
}

func TestObserveActivatesAndPromotes(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gates.Thresholds.PromotionSampleSize = 10 })
	ctx := context.Background()

	manual, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance"}, "ops")
	require.NoError(t, err)
	f.observe(t, manual, "", 1)
	got, err := f.store.GetGate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateActive, got.Status)
	assert.Equal(t, 1, got.CheckinCount)

	auto, err := f.svc.Resolve(ctx, event, "Food Court", coords(52.6, 13.5))
	require.NoError(t, err)
	f.observe(t, auto, "", 10)
	got, err = f.store.GetGate(ctx, auto.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateProbation, got.Status)
	assert.Equal(t, 65, got.ConfidenceScore)

	f.observe(t, auto, "", 1)
	got, err = f.store.GetGate(ctx, auto.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateApproved, got.Status)
	require.Len(t, f.alerts(model.AlertGatePromoted), 1)
	assert.Equal(t, model.SeverityLow, f.alerts(model.AlertGatePromoted)[0].Severity)

	denied := model.CheckinEvent{ID: "x", EventID: event, GateID: auto.ID, Outcome: model.OutcomeDenied}
	require.NoError(t, f.svc.Observe(ctx, auto.ID, denied))
	got, err = f.store.GetGate(ctx, auto.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, got.CheckinCount)
}

func TestSweepPromotesAgedGates(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Gates.Thresholds.PromotionSampleSize = 10
		c.Gates.Thresholds.ConfidenceThreshold = 0.7
	})
	ctx := context.Background()
	g, err := f.svc.Resolve(ctx, event, "Camping Exit", nil)
	require.NoError(t, err)
	f.observe(t, g, "", 11)
	got, err := f.store.GetGate(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.GateProbation, got.Status)

	f.tick(25 * time.Hour)
	report, err := f.svc.Sweep(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, report.Promoted)
	assert.True(t, report.Duplicates.Complete)
	got, err = f.store.GetGate(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateApproved, got.Status)
	assert.Equal(t, 70, got.ConfidenceScore)
}

func TestGateLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	booth, err := f.svc.Resolve(ctx, event, "Ticket Booth", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.RejectGate(ctx, booth.ID, "ops"))
	_, err = f.store.GetGate(ctx, booth.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	again, err := f.svc.Resolve(ctx, event, "Ticket Booth", nil)
	require.NoError(t, err)
	assert.NotEqual(t, booth.ID, again.ID)
	assert.Equal(t, model.GateProbation, again.Status)
	_, err = f.svc.Resolve(ctx, event, booth.ID, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	main, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance", Coordinates: coords(52.52, 13.405)}, "ops")
	require.NoError(t, err)
	err = f.svc.RejectGate(ctx, main.ID, "ops")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	f.tick(time.Minute)

	dup, err := f.svc.Resolve(ctx, event, "N. Entrance", coords(52.52009, 13.405))
	require.NoError(t, err)
	f.observe(t, dup, "", 4)
	ev := &model.CheckinEvent{ID: "c1", EventID: event, WristbandID: "wb-1", GateID: dup.ID, GateName: dup.Name, Timestamp: f.clock, Outcome: model.OutcomeSuccess}
	require.NoError(t, f.store.AppendCheckin(ctx, ev))

	pending, err := f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	merged, err := f.svc.ApproveSuggestion(ctx, pending[0].ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, main.ID, merged.ID)
	assert.Equal(t, 4, merged.CheckinCount)
	assert.Equal(t, model.GateApproved, merged.Status)
	require.NotNil(t, merged.Coordinates)
	assert.InDelta(t, 52.520045, merged.Coordinates.Lat, 1e-6)

	_, err = f.store.GetGate(ctx, dup.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	moved, err := f.store.GetCheckin(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, main.ID, moved.GateID)
	assert.Equal(t, "North Entrance", moved.GateName)

	sg, err := f.store.GetSuggestion(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionMerged, sg.Status)

	for _, ref := range []string{dup.ID, "N. Entrance"} {
		g, err := f.svc.Resolve(ctx, event, ref, nil)
		require.NoError(t, err)
		assert.Equal(t, main.ID, g.ID, ref)
	}
	gates, err := f.svc.ListGates(ctx, event)
	require.NoError(t, err)
	assert.Len(t, gates, 2)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Zero(t, report.Created)

	_, err = f.svc.ApproveSuggestion(ctx, pending[0].ID, "ops")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	audit, err := f.store.ListAudit(ctx, event, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(audit))
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, "gate.reject")
	assert.Contains(t, actions, "gate.merge")
}

func TestApproveGateOnlyFromProbation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, err := f.svc.Resolve(ctx, event, "Side Door", nil)
	require.NoError(t, err)

	approved, err := f.svc.ApproveGate(ctx, g.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.GateApproved, approved.Status)
	_, err = f.svc.ApproveGate(ctx, g.ID, "ops")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	idle, err := f.svc.Resolve(ctx, event, "Loading Bay", nil)
	require.NoError(t, err)
	idle.Status = model.GateInactive
	require.NoError(t, f.store.SaveGate(ctx, idle))
	_, err = f.svc.ApproveGate(ctx, idle.ID, "ops")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestMergeChainsStayOneHop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"North Entrance", "Food Court", "Stage Left"} {
		g, err := f.svc.CreateGate(ctx, event, GateInput{Name: name}, "ops")
		require.NoError(t, err)
		ids = append(ids, g.ID)
		f.tick(time.Second)
	}
	_, err := f.svc.MergeGates(ctx, ids[0], ids[1], "ops")
	require.NoError(t, err)
	_, err = f.svc.MergeGates(ctx, ids[2], ids[0], "ops")
	require.NoError(t, err)

	for _, ref := range []string{ids[1], "Food Court", ids[0], "North Entrance"} {
		g, err := f.svc.Resolve(ctx, event, ref, nil)
		require.NoError(t, err)
		assert.Equal(t, ids[2], g.ID, ref)
	}

	_, err = f.svc.MergeGates(ctx, ids[2], ids[2], "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.MergeGates(ctx, ids[2], ids[1], "ops")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRenameKeepsOldNameResolvable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance"}, "ops")
	require.NoError(t, err)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Food Court"}, "ops")
	require.NoError(t, err)

	renamed, err := f.svc.RenameGate(ctx, g.ID, "Main Entrance", "ops")
	require.NoError(t, err)
	assert.Equal(t, "Main Entrance", renamed.Name)
	old, err := f.svc.Resolve(ctx, event, "North Entrance", nil)
	require.NoError(t, err)
	assert.Equal(t, g.ID, old.ID)

	_, err = f.svc.RenameGate(ctx, g.ID, "Food Court", "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.RenameGate(ctx, g.ID, " ", "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRejectSuggestionIsFinal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.CreateGate(ctx, event, GateInput{Name: "Main Gate"}, "ops")
	require.NoError(t, err)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Main Gate 2"}, "ops")
	require.NoError(t, err)
	_, err = f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	pending, err := f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	sg, err := f.svc.RejectSuggestion(ctx, pending[0].ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionRejected, sg.Status)

	report, err := f.svc.DetectDuplicates(ctx, event, Cursor{})
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	pending, err = f.svc.Suggestions(ctx, event, model.SuggestionPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBindingLearnsAndFlagsViolations(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gates.Thresholds.PromotionSampleSize = 3 })
	ctx := context.Background()
	g, err := f.svc.CreateGate(ctx, event, GateInput{Name: "VIP Lounge"}, "ops")
	require.NoError(t, err)

	f.observe(t, g, "vip", 2)
	detail, err := f.svc.GetGate(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Binding)
	assert.Equal(t, model.BindingProbation, detail.Binding.Status)

	f.observe(t, g, "vip", 1)
	detail, err = f.svc.GetGate(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingEnforced, detail.Binding.Status)
	assert.Empty(t, f.alerts(model.AlertBindingViolation))

	f.observe(t, g, "general", 1)
	detail, err = f.svc.GetGate(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.Binding.ViolationCount)
	assert.Equal(t, 4, detail.Binding.SampleCount)
	assert.Equal(t, 3, detail.Binding.MatchCount)
	assert.InDelta(t, 0.75, detail.Binding.Confidence, 1e-9)
	violations := f.alerts(model.AlertBindingViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, model.SeverityHigh, violations[0].Severity)
	assert.Equal(t, "vip", violations[0].Data["expected_category"])
}

func TestSetBinding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, err := f.svc.CreateGate(ctx, event, GateInput{Name: "VIP Lounge"}, "ops")
	require.NoError(t, err)

	bd, err := f.svc.SetBinding(ctx, g.ID, "vip", model.BindingEnforced, "ops")
	require.NoError(t, err)
	assert.Equal(t, model.BindingEnforced, bd.Status)

	f.observe(t, g, "general", 1)
	assert.Len(t, f.alerts(model.AlertBindingViolation), 1)

	_, err = f.svc.SetBinding(ctx, g.ID, "vip", "bogus", "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.SetBinding(ctx, g.ID, "", model.BindingEnforced, "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.SetBinding(ctx, uuid.NewString(), "vip", model.BindingEnforced, "ops")
	assert.ErrorIs(t, err, model.ErrNotFound)

	bd, err = f.svc.SetBinding(ctx, g.ID, "vip", model.BindingRejected, "ops")
	require.NoError(t, err)
	f.observe(t, g, "general", 1)
	assert.Len(t, f.alerts(model.AlertBindingViolation), 1)
	assert.Equal(t, model.BindingRejected, bd.Status)
}

func TestTopology(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.CreateGate(ctx, event, GateInput{Name: "North Entrance", Coordinates: coords(52.0, 13.0)}, "ops")
	require.NoError(t, err)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Food Court", Coordinates: coords(52.2, 13.4)}, "ops")
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, event, "Camping Exit", nil)
	require.NoError(t, err)

	top, err := f.svc.Topology(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 3, top.Gates)
	assert.Equal(t, 2, top.WithCoordinates)
	assert.Equal(t, 2, top.ByStatus[model.GateApproved])
	assert.Equal(t, 1, top.ByStatus[model.GateProbation])
	require.NotNil(t, top.Bounds)
	assert.Equal(t, 52.2, top.Bounds.MaxLat)
	require.NotNil(t, top.Centroid)
	assert.InDelta(t, 13.2, top.Centroid.Lng, 1e-9)
}

func TestCreateGateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.CreateGate(ctx, event, GateInput{Name: ""}, "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Gate", Coordinates: coords(91, 0)}, "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Gate"}, "ops")
	require.NoError(t, err)
	_, err = f.svc.CreateGate(ctx, event, GateInput{Name: "Gate"}, "ops")
	assert.ErrorIs(t, err, model.ErrValidation)
}
