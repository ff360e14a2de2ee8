package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/alerts"
	"gateguard/internal/config"
	"gateguard/internal/engine"
	"gateguard/internal/gates"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/storage"
)

const event = "fest-2026"

type testServer struct {
	handler http.Handler
	store   storage.Store
	eng     *engine.Engine
	cfg     *config.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	manager := config.NewStaticManager(cfg)
	store := storage.NewMemory()
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)
	sink := alerts.NewSink(store, alerts.NewStore(100), nil, collectors, nil)
	gs := gates.NewService(cfg, store, sink, nil)
	gs.SetMetrics(collectors)
	eng := engine.NewEngine(cfg, nil, nil, sink, store, gs)
	eng.SetMetrics(collectors)
	srv := NewServer(Options{
		Config:   manager,
		Fraud:    eng,
		Gates:    gs,
		Sink:     sink,
		Store:    store,
		Gatherer: reg,
		Version:  "test",
	})
	return &testServer{handler: srv.Router(), store: store, eng: eng, cfg: manager}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Operator", "alice")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (ts *testServer) checkin(t *testing.T, wristband, gate string, ago time.Duration) model.CheckinResult {
	t.Helper()
	res, err := ts.eng.RecordCheckin(context.Background(), model.CheckinRequest{
		WristbandID: wristband,
		EventID:     event,
		Gate:        gate,
		Timestamp:   time.Now().UTC().Add(-ago),
		Outcome:     model.OutcomeSuccess,
	})
	require.NoError(t, err)
	return res
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.checkin(t, "wb-1", "North", time.Minute)
	rr := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gateguard_checkins_total")
}

func TestCreateAndGetGate(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/events/"+event+"/gates", map[string]any{
		"name":        "Main Gate",
		"coordinates": map[string]float64{"lat": 52.52, "lng": 13.405},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	g := decode[model.Gate](t, rr)
	assert.Equal(t, model.GateApproved, g.Status)

	rr = ts.do(t, http.MethodPost, "/events/"+event+"/gates", map[string]any{"name": "Main Gate"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "name", decode[map[string]string](t, rr)["field"])

	rr = ts.do(t, http.MethodGet, "/gates/"+g.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Main Gate", decode[gates.GateDetail](t, rr).Name)

	rr = ts.do(t, http.MethodGet, "/gates/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/gates", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])
}

func TestGateTransitions(t *testing.T) {
	ts := newTestServer(t)
	res := ts.checkin(t, "wb-1", "Side Door", time.Minute)

	rr := ts.do(t, http.MethodPost, "/gates/"+res.GateID+"/approve", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.GateApproved, decode[model.Gate](t, rr).Status)

	rr = ts.do(t, http.MethodPost, "/gates/"+res.GateID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/gates/"+res.GateID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/gates/"+res.GateID+"/rename", map[string]string{"name": "Side Entrance"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Side Entrance", decode[model.Gate](t, rr).Name)

	rr = ts.do(t, http.MethodPut, "/gates/"+res.GateID+"/binding", map[string]string{"category": "vip", "status": "enforced"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.BindingEnforced, decode[model.GateBinding](t, rr).Status)

	rr = ts.do(t, http.MethodPut, "/gates/"+res.GateID+"/binding", map[string]string{"category": "vip", "status": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	audit, err := ts.store.ListAudit(context.Background(), event, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	for _, entry := range audit {
		assert.Equal(t, "alice", entry.Actor)
	}
}

func TestMergeGatesAndSuggestions(t *testing.T) {
	ts := newTestServer(t)
	a := ts.checkin(t, "wb-1", "Main Gate", 3*time.Minute)
	b := ts.checkin(t, "wb-2", "Back Door", 2*time.Minute)
	require.NotEqual(t, a.GateID, b.GateID)

	rr := ts.do(t, http.MethodPost, "/gates/merge", map[string]string{"primary_id": a.GateID, "secondary_id": a.GateID})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/gates/merge", map[string]string{"primary_id": a.GateID, "secondary_id": b.GateID})
	require.Equal(t, http.StatusOK, rr.Code)
	merged := decode[model.Gate](t, rr)
	assert.Equal(t, a.GateID, merged.ID)
	assert.Equal(t, 2, merged.CheckinCount)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/merge-suggestions?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["count"])

	rr = ts.do(t, http.MethodPost, "/merge-suggestions/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/topology", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["gates"])
}

func TestWristbandEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for i := 4; i > 0; i-- {
		ts.checkin(t, "wb-1", "North", time.Duration(i)*time.Minute)
	}

	rr := ts.do(t, http.MethodGet, "/events/"+event+"/wristbands/wb-1/score", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 25, decode[model.WristbandFraudState](t, rr).FraudScore)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/wristbands/ghost/score", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/wristbands", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/wristbands/wb-1/travel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["count"])

	rr = ts.do(t, http.MethodPost, "/events/"+event+"/wristbands/wb-1/unblock", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, ts.store.SaveBlock(context.Background(), model.WristbandBlock{
		EventID: event, WristbandID: "wb-1", BlockedAt: time.Now().UTC(), Source: model.BlockSourceSweep, Score: 80,
	}))
	rr = ts.do(t, http.MethodPost, "/events/"+event+"/wristbands/wb-1/unblock", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	audit, err := ts.store.ListAudit(context.Background(), event, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "wristband.unblock", audit[0].Action)
	assert.Equal(t, "alice", audit[0].Actor)
}

func TestThresholds(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPut, "/events/"+event+"/thresholds", map[string]any{"fraud_auto_block_threshold": 95})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 95, ts.cfg.Get().For(event).FraudAutoBlockThreshold)
	assert.Equal(t, 90, ts.cfg.Get().For("other").FraudAutoBlockThreshold)

	rr = ts.do(t, http.MethodGet, "/events/"+event+"/thresholds", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Effective config.Thresholds `json:"effective"`
	}](t, rr)
	assert.Equal(t, 95, body.Effective.FraudAutoBlockThreshold)

	rr = ts.do(t, http.MethodPut, "/events/"+event+"/thresholds", map[string]any{"fraud_auto_block_threshold": 150})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 95, ts.cfg.Get().For(event).FraudAutoBlockThreshold)

	req := httptest.NewRequest(http.MethodPut, "/events/"+event+"/thresholds", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsAndSweep(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.checkin(t, "wb-1", "North", time.Duration(5-i)*30*time.Second)
	}

	rr := ts.do(t, http.MethodGet, "/alerts?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Alerts []model.SystemAlert `json:"alerts"`
	}](t, rr).Alerts
	require.NotEmpty(t, list)

	rr = ts.do(t, http.MethodPost, "/alerts/"+list[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPost, "/alerts/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/alerts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/events/"+event+"/sweep", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sweep := decode[sweepResponse](t, rr)
	assert.Equal(t, 1, sweep.Fraud.Scanned)
	assert.Equal(t, event, sweep.Gates.EventID)

	rr = ts.do(t, http.MethodPost, "/admin/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodGet, "/alerts", nil)
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["count"])
}
