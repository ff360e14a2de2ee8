// Package api is the operator surface: gate lifecycle, merge review,
// wristband unblocking, alerts and per-event thresholds.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateguard/internal/alerts"
	"gateguard/internal/config"
	"gateguard/internal/engine"
	"gateguard/internal/gates"
	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/storage"
)

// FraudEngine is the part of the scoring engine the operator API drives.
type FraudEngine interface {
	Score(ctx context.Context, eventID, wristbandID string) (model.WristbandFraudState, error)
	ImpossibleTravel(ctx context.Context, eventID, wristbandID string) ([]model.ImpossibleTravel, error)
	ManualUnblock(ctx context.Context, eventID, wristbandID, actor string) error
	Sweep(ctx context.Context, eventID string) (engine.SweepReport, error)
	Snapshots() *metrics.Store
	Started() time.Time
	Reset()
	UpdateConfig(cfg *config.Config)
}

// GateEngine is the part of the gate service the operator API drives.
type GateEngine interface {
	ListGates(ctx context.Context, eventID string) ([]model.Gate, error)
	GetGate(ctx context.Context, gateID string) (gates.GateDetail, error)
	CreateGate(ctx context.Context, eventID string, in gates.GateInput, actor string) (model.Gate, error)
	ApproveGate(ctx context.Context, gateID, actor string) (model.Gate, error)
	RejectGate(ctx context.Context, gateID, actor string) error
	RenameGate(ctx context.Context, gateID, name, actor string) (model.Gate, error)
	MergeGates(ctx context.Context, primaryID, secondaryID, actor string) (model.Gate, error)
	SetBinding(ctx context.Context, gateID, category string, status model.BindingStatus, actor string) (model.GateBinding, error)
	Suggestions(ctx context.Context, eventID string, status model.SuggestionStatus) ([]model.GateMergeSuggestion, error)
	ApproveSuggestion(ctx context.Context, id, actor string) (model.Gate, error)
	RejectSuggestion(ctx context.Context, id, actor string) (model.GateMergeSuggestion, error)
	Topology(ctx context.Context, eventID string) (gates.Topology, error)
	Sweep(ctx context.Context, eventID string) (gates.SweepReport, error)
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg      *config.Manager
	fraud    FraudEngine
	gates    GateEngine
	sink     *alerts.Sink
	store    storage.Store
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
}

type Options struct {
	Config   *config.Manager
	Fraud    FraudEngine
	Gates    GateEngine
	Sink     *alerts.Sink
	Store    storage.Store
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

func NewServer(opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      opts.Config,
		fraud:    opts.Fraud,
		gates:    opts.Gates,
		sink:     opts.Sink,
		store:    opts.Store,
		gatherer: gatherer,
		logger:   logging.OrDiscard(opts.Logger).With("module", "api"),
		version:  opts.Version,
	}
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	logger := logging.OrDiscard(opts.Logger)
	current := opts.Config.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(opts).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(operatorMiddleware)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/alerts", s.handleAlerts)
	r.Post("/alerts/{alertID}/resolve", s.handleResolveAlert)
	r.Post("/admin/reset", s.handleReset)

	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Get("/wristbands", s.handleTopWristbands)
		r.Get("/wristbands/{wristbandID}/score", s.handleScore)
		r.Get("/wristbands/{wristbandID}/travel", s.handleTravel)
		r.Post("/wristbands/{wristbandID}/unblock", s.handleUnblock)
		r.Get("/gates", s.handleListGates)
		r.Post("/gates", s.handleCreateGate)
		r.Get("/topology", s.handleTopology)
		r.Get("/merge-suggestions", s.handleSuggestions)
		r.Get("/audit", s.handleAudit)
		r.Post("/sweep", s.handleSweep)
		r.Get("/thresholds", s.handleGetThresholds)
		r.Put("/thresholds", s.handlePutThresholds)
	})

	r.Post("/gates/merge", s.handleMerge)
	r.Route("/gates/{gateID}", func(r chi.Router) {
		r.Get("/", s.handleGetGate)
		r.Post("/approve", s.handleApproveGate)
		r.Post("/reject", s.handleRejectGate)
		r.Post("/rename", s.handleRenameGate)
		r.Put("/binding", s.handleSetBinding)
	})
	r.Post("/merge-suggestions/{suggestionID}/approve", s.handleApproveSuggestion)
	r.Post("/merge-suggestions/{suggestionID}/reject", s.handleRejectSuggestion)
	return r
}

type statusResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	ConfigPath string            `json:"config_path"`
	Storage    string            `json:"storage"`
	Ingest     ingestStatus      `json:"ingest"`
	API        apiStatus         `json:"api"`
	Thresholds config.Thresholds `json:"thresholds"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Thresholds: cfg.Gates.Thresholds,
	}
	if s.fraud != nil {
		resp.Uptime = time.Since(s.fraud.Started()).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	var list []model.SystemAlert
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		list = s.sink.Since(ts)
	} else {
		list = s.sink.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if err := s.sink.Resolve(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.sink.Audit(r.Context(), model.AuditEntry{
		Actor:       operator(r),
		Action:      "alert.resolve",
		SubjectType: "alert",
		SubjectID:   id,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.fraud.Reset()
	s.logger.Info("in-memory caches cleared", "actor", operator(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), chi.URLParam(r, "eventID"), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": entries,
		"count": len(entries),
	})
}

type sweepResponse struct {
	Gates gates.SweepReport  `json:"gates"`
	Fraud engine.SweepReport `json:"fraud"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var resp sweepResponse
	var err error
	if resp.Gates, err = s.gates.Sweep(r.Context(), eventID); err != nil {
		s.fail(w, err)
		return
	}
	if resp.Fraud, err = s.fraud.Sweep(r.Context(), eventID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  eventID,
		"effective": cfg.For(eventID),
		"overrides": cfg.Events[eventID],
		"global":    cfg.Gates.Thresholds,
	})
}

// handlePutThresholds replaces the event's overrides. Fields left out of
// the body inherit the global value.
func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var overrides config.ThresholdOverrides
	if !decodeBody(w, r, &overrides) {
		return
	}
	next := s.cfg.Get().Clone()
	if next.Events == nil {
		next.Events = map[string]config.ThresholdOverrides{}
	}
	next.Events[eventID] = overrides
	if err := next.For(eventID).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_thresholds", err.Error())
		return
	}
	if err := s.cfg.Update(next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	s.fraud.UpdateConfig(next)
	s.gates.UpdateConfig(next)
	s.sink.Audit(r.Context(), model.AuditEntry{
		EventID:     eventID,
		Actor:       operator(r),
		Action:      "thresholds.update",
		SubjectType: "event",
		SubjectID:   eventID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  eventID,
		"effective": next.For(eventID),
	})
}

type operatorKey struct{}

// operatorMiddleware takes the acting operator for audit entries from the
// X-Operator header.
func operatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Operator"))
		if actor == "" {
			actor = "operator"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, actor)))
	})
}

func operator(r *http.Request) string {
	if v, ok := r.Context().Value(operatorKey{}).(string); ok {
		return v
	}
	return "operator"
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrInconsistentState):
		return http.StatusConflict, "inconsistent_state"
	case errors.Is(err, model.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("operator request failed", "err", err)
	}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]string{"error": code, "message": err.Error(), "field": verr.Field})
		return
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
