package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/model"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Init(context.Background()))
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestCheckinOrderingAndRepoint(t *testing.T) {
	base := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events := []*model.CheckinEvent{
				{ID: "c2", WristbandID: "wb", EventID: "ev", GateID: "g1", GateName: "North", Timestamp: base.Add(time.Minute), Outcome: model.OutcomeSuccess},
				{ID: "c1", WristbandID: "wb", EventID: "ev", GateID: "g1", GateName: "North", Timestamp: base, Outcome: model.OutcomeSuccess, Metadata: map[string]string{"source": "rest"}},
				{ID: "c3", WristbandID: "wb", EventID: "ev", GateID: "g2", GateName: "South", Timestamp: base.Add(time.Minute), Outcome: model.OutcomeDenied},
				{ID: "c4", WristbandID: "other", EventID: "ev", GateID: "g2", GateName: "South", Timestamp: base, Outcome: model.OutcomeSuccess},
			}
			for _, ev := range events {
				require.NoError(t, st.AppendCheckin(ctx, ev))
				assert.NotZero(t, ev.Seq)
			}
			assert.Error(t, st.AppendCheckin(ctx, &model.CheckinEvent{ID: "c1", WristbandID: "wb", EventID: "ev", Timestamp: base, Outcome: model.OutcomeSuccess}))

			list, err := st.ListCheckins(ctx, "ev", "wb", time.Time{})
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"c1", "c2", "c3"}, []string{list[0].ID, list[1].ID, list[2].ID})
			assert.Equal(t, "rest", list[0].Metadata["source"])

			got, err := st.GetCheckin(ctx, "c3")
			require.NoError(t, err)
			assert.True(t, got.Timestamp.Equal(base.Add(time.Minute)))

			active, err := st.ListActiveWristbands(ctx, "ev", base)
			require.NoError(t, err)
			assert.Equal(t, []string{"other", "wb"}, active)

			n, err := st.RepointCheckins(ctx, "ev", "g2", "g1", "North")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)
			got, err = st.GetCheckin(ctx, "c4")
			require.NoError(t, err)
			assert.Equal(t, "g1", got.GateID)
			assert.Equal(t, "North", got.GateName)

			_, err = st.GetCheckin(ctx, "missing")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestFraudStateAndBlocks(t *testing.T) {
	now := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.GetFraudState(ctx, "ev", "wb")
			assert.ErrorIs(t, err, model.ErrNotFound)

			state := model.WristbandFraudState{WristbandID: "wb", EventID: "ev", CheckinCount: 4, RapidCheckins: 4, FraudScore: 25, LastCheckinAt: now, UpdatedAt: now}
			require.NoError(t, st.UpsertFraudState(ctx, state))
			blockedAt := now.Add(time.Minute)
			state.FraudScore = 90
			state.BlockedAt = &blockedAt
			require.NoError(t, st.UpsertFraudState(ctx, state))

			got, err := st.GetFraudState(ctx, "ev", "wb")
			require.NoError(t, err)
			assert.Equal(t, 90, got.FraudScore)
			require.NotNil(t, got.BlockedAt)
			assert.True(t, got.BlockedAt.Equal(blockedAt))

			require.NoError(t, st.SaveBlock(ctx, model.WristbandBlock{EventID: "ev", WristbandID: "wb", BlockedAt: now, Reason: "score", Score: 90, Source: model.BlockSourceAuto}))
			blk, err := st.GetBlock(ctx, "ev", "wb")
			require.NoError(t, err)
			assert.Equal(t, 90, blk.Score)
			require.NoError(t, st.DeleteBlock(ctx, "ev", "wb"))
			assert.ErrorIs(t, st.DeleteBlock(ctx, "ev", "wb"), model.ErrNotFound)
		})
	}
}

func TestGatesRedirectsAndBindings(t *testing.T) {
	now := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g1 := model.Gate{ID: "g1", EventID: "ev", Name: "Main Gate", Status: model.GateProbation, Coordinates: &model.Coordinates{Lat: 52.5, Lng: 13.4}, AutoCreated: true, CreatedAt: now, UpdatedAt: now}
			g2 := model.Gate{ID: "g2", EventID: "ev", Name: "Side", Status: model.GateActive, MapPosition: &model.Point{X: 10, Y: 20}, CreatedAt: now.Add(time.Second), UpdatedAt: now}
			require.NoError(t, st.SaveGate(ctx, g1))
			require.NoError(t, st.SaveGate(ctx, g2))
			g1.CheckinCount = 7
			require.NoError(t, st.SaveGate(ctx, g1))

			got, err := st.FindGateByName(ctx, "ev", "Main Gate")
			require.NoError(t, err)
			assert.Equal(t, 7, got.CheckinCount)
			require.NotNil(t, got.Coordinates)
			assert.Nil(t, got.MapPosition)
			assert.True(t, got.AutoCreated)

			gates, err := st.ListGates(ctx, "ev")
			require.NoError(t, err)
			require.Len(t, gates, 2)
			assert.Equal(t, "g1", gates[0].ID)
			require.NotNil(t, gates[1].MapPosition)

			require.NoError(t, st.SaveRedirect(ctx, "ev", "Old Name", "g1"))
			to, err := st.LookupRedirect(ctx, "ev", "Old Name")
			require.NoError(t, err)
			assert.Equal(t, "g1", to)
			require.NoError(t, st.RepointRedirects(ctx, "ev", "g1", "g2"))
			to, err = st.LookupRedirect(ctx, "ev", "Old Name")
			require.NoError(t, err)
			assert.Equal(t, "g2", to)
			_, err = st.LookupRedirect(ctx, "ev", "never")
			assert.ErrorIs(t, err, model.ErrNotFound)

			require.NoError(t, st.SaveBinding(ctx, model.GateBinding{GateID: "g2", EventID: "ev", Category: "VIP", Status: model.BindingProbation, SampleCount: 1, MatchCount: 1, Confidence: 100, UpdatedAt: now}))
			bd, err := st.GetBinding(ctx, "g2")
			require.NoError(t, err)
			assert.Equal(t, "VIP", bd.Category)

			require.NoError(t, st.DeleteGate(ctx, "g2"))
			_, err = st.GetBinding(ctx, "g2")
			assert.ErrorIs(t, err, model.ErrNotFound)
			assert.ErrorIs(t, st.DeleteGate(ctx, "g2"), model.ErrNotFound)

			ids, err := st.ListEventIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"ev"}, ids)
		})
	}
}

func TestSuggestionUpsert(t *testing.T) {
	now := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sg := model.GateMergeSuggestion{ID: "s1", EventID: "ev", PrimaryGateID: "g1", SecondaryGateID: "g2", ConfidenceScore: 70, NameSimilarity: 0.9, Reasoning: "close", Status: model.SuggestionPending, CreatedAt: now, UpdatedAt: now}
			stored, created, err := st.UpsertSuggestion(ctx, sg)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "s1", stored.ID)

			dup := sg
			dup.ID = "s2"
			dup.ConfidenceScore = 85
			stored, created, err = st.UpsertSuggestion(ctx, dup)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "s1", stored.ID)
			assert.Equal(t, 85, stored.ConfidenceScore)

			require.NoError(t, st.UpdateSuggestionStatus(ctx, "s1", model.SuggestionRejected, now))
			dup.ConfidenceScore = 95
			stored, created, err = st.UpsertSuggestion(ctx, dup)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, model.SuggestionRejected, stored.Status)
			assert.Equal(t, 85, stored.ConfidenceScore)

			pending, err := st.ListSuggestions(ctx, "ev", model.SuggestionPending)
			require.NoError(t, err)
			assert.Empty(t, pending)
			all, err := st.ListSuggestions(ctx, "ev", "")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestAlertsAndAudit(t *testing.T) {
	now := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.SaveAlert(ctx, model.SystemAlert{ID: "a1", EventID: "ev", AlertType: model.AlertAutoBlock, Severity: model.SeverityCritical, Message: "blocked", CreatedAt: now}))
			require.NoError(t, st.ResolveAlert(ctx, "a1", now))
			assert.ErrorIs(t, st.ResolveAlert(ctx, "nope", now), model.ErrNotFound)

			for i, action := range []string{"gate.approve", "gate.merge", "wristband.unblock"} {
				require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{ID: action, EventID: "ev", Actor: "ops", Action: action, SubjectType: "gate", SubjectID: "g1", CreatedAt: now.Add(time.Duration(i) * time.Second)}))
			}
			entries, err := st.ListAudit(ctx, "ev", 2)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "wristband.unblock", entries[0].Action)
			assert.Equal(t, "gate.merge", entries[1].Action)
		})
	}
}
