package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gateguard/internal/alerts"
	"gateguard/internal/config"
	"gateguard/internal/keylock"
	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/storage"
)

// GateResolver is the slice of the gate engine the scoring pipeline needs.
type GateResolver interface {
	Resolve(ctx context.Context, eventID, ref string, loc *model.Coordinates) (model.Gate, error)
	Observe(ctx context.Context, gateID string, ev model.CheckinEvent) error
	Coordinates(ctx context.Context, eventID string) (map[string]model.Coordinates, error)
}

// Engine records check-ins and runs the fraud scoring and impossible
// travel detectors over them. Work for one (event, wristband) pair is
// serialized; different wristbands proceed in parallel.
type Engine struct {
	logger    *slog.Logger
	store     storage.Store
	sink      *alerts.Sink
	gates     GateResolver
	snapshots *metrics.Store
	metrics   *metrics.Collectors
	cfg       atomic.Pointer[config.Config]
	results   atomic.Pointer[ResultCache]
	locks     *keylock.Locker
	started   time.Time
	now       func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, snapshots *metrics.Store, sink *alerts.Sink, store storage.Store, gates GateResolver) *Engine {
	if snapshots == nil {
		snapshots = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	e := &Engine{
		logger:    logging.OrDiscard(logger).With("module", "engine"),
		store:     store,
		sink:      sink,
		gates:     gates,
		snapshots: snapshots,
		locks:     keylock.New(),
		started:   time.Now().UTC(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.UpdateConfig(cfg)
	return e
}

// SetMetrics attaches Prometheus collectors.
func (e *Engine) SetMetrics(c *metrics.Collectors) {
	e.metrics = c
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	prev := e.cfg.Swap(cfg)
	if prev == nil || prev.Detection.DedupeSize != cfg.Detection.DedupeSize || prev.Detection.DedupeWindow != cfg.Detection.DedupeWindow {
		e.results.Store(NewResultCache(cfg.Detection.DedupeSize, cfg.Detection.DedupeWindow))
	}
	if e.sink != nil {
		e.sink.SetCooldown(cfg.Detection.AlertCooldown)
	}
}

func (e *Engine) config() *config.Config {
	if cfg := e.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

func (e *Engine) Started() time.Time {
	return e.started
}

func (e *Engine) Snapshots() *metrics.Store {
	return e.snapshots
}

// Reset drops in-memory caches. Persisted state is untouched.
func (e *Engine) Reset() {
	e.results.Load().Purge()
	e.snapshots.Clear()
	if e.sink != nil {
		e.sink.Reset()
	}
}

func lockKey(eventID, wristbandID string) string {
	return eventID + "|" + wristbandID
}

// Start consumes requests from in until ctx is done. Requests are sharded
// across workers by (event, wristband) so each wristband keeps its order.
// A request's Done callback, if any, receives the result of RecordCheckin.
func (e *Engine) Start(ctx context.Context, in <-chan model.QueuedCheckin, workers int) {
	if workers <= 0 {
		workers = 1
	}
	shards := make([]chan model.QueuedCheckin, workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan model.QueuedCheckin, 64)
		wg.Add(1)
		go func(ch <-chan model.QueuedCheckin) {
			defer wg.Done()
			for item := range ch {
				req := item.Request
				res, err := e.RecordCheckin(ctx, req)
				if err != nil {
					e.logger.Warn("checkin rejected",
						"event_id", req.EventID,
						"wristband_id", req.WristbandID,
						"source", req.Source,
						"err", err,
					)
				}
				if item.Done != nil {
					item.Done(res, err)
				}
			}
		}(shards[i])
	}
	go func() {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
			wg.Wait()
		}()
		for {
			select {
			case item, ok := <-in:
				if !ok {
					return
				}
				h := fnv.New32a()
				_, _ = h.Write([]byte(lockKey(item.Request.EventID, item.Request.WristbandID)))
				select {
				case shards[int(h.Sum32()%uint32(workers))] <- item:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RecordCheckin runs the ingest, score and finalize phases for one scan and
// returns the processed outcome. Validation failures return an error
// wrapping model.ErrValidation; an unavailable store wraps
// model.ErrDependencyUnavailable. Scoring failures never fail the call.
func (e *Engine) RecordCheckin(ctx context.Context, req model.CheckinRequest) (model.CheckinResult, error) {
	started := time.Now()
	cfg := e.config()
	now := e.now()
	if err := normalizeRequest(&req, now, cfg.Detection.MaxFutureSkew); err != nil {
		return model.CheckinResult{}, err
	}
	results := e.results.Load()
	if res, ok := results.Get(req.ID); ok {
		res.Duplicate = true
		return res, nil
	}

	unlock := e.locks.Lock(lockKey(req.EventID, req.WristbandID))
	defer unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if prev, err := e.store.GetCheckin(ctx, req.ID); err == nil {
		res := e.recordedResult(ctx, prev)
		results.Put(res)
		res.Duplicate = true
		return res, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.CheckinResult{}, fmt.Errorf("lookup checkin: %w: %w", model.ErrDependencyUnavailable, err)
	}

	gate, err := e.gates.Resolve(ctx, req.EventID, req.Gate, req.Location)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			return model.CheckinResult{}, err
		}
		return model.CheckinResult{}, fmt.Errorf("resolve gate: %w: %w", model.ErrDependencyUnavailable, err)
	}

	ev := model.CheckinEvent{
		ID:               req.ID,
		WristbandID:      req.WristbandID,
		EventID:          req.EventID,
		GateID:           gate.ID,
		GateName:         gate.Name,
		Timestamp:        req.Timestamp,
		Outcome:          req.Outcome,
		ProcessingTimeMs: req.ProcessingTimeMs,
		Category:         req.Category,
		Metadata:         map[string]string{},
	}
	if req.Source != "" {
		ev.Metadata["source"] = req.Source
	}

	blocked, err := e.isBlocked(ctx, ev.EventID, ev.WristbandID)
	if err != nil {
		return model.CheckinResult{}, fmt.Errorf("lookup block: %w: %w", model.ErrDependencyUnavailable, err)
	}
	if blocked {
		return e.recordBlockedAttempt(ctx, ev, started)
	}

	th := cfg.For(ev.EventID)
	var scored *ScoreResult
	if ev.Outcome == model.OutcomeSuccess {
		res, err := e.scoreIngest(ctx, cfg, ev)
		if err != nil {
			e.metrics.ScoringFailed()
			e.logger.Error("scoring failed",
				"event_id", ev.EventID,
				"wristband_id", ev.WristbandID,
				"checkin_id", ev.ID,
				"err", err,
			)
		} else {
			scored = &res
		}
	}
	autoBlock := scored != nil && ShouldBlock(scored.FraudScore, th.FraudAutoBlockThreshold)
	if autoBlock {
		ev.Metadata["original_outcome"] = string(ev.Outcome)
		ev.Metadata["fraud_score"] = strconv.Itoa(scored.FraudScore)
		ev.Metadata["reason"] = "auto_block"
		ev.Outcome = model.OutcomeBlocked
	}
	if err := e.store.AppendCheckin(ctx, &ev); err != nil {
		return model.CheckinResult{}, fmt.Errorf("record checkin: %w: %w", model.ErrDependencyUnavailable, err)
	}

	result := model.CheckinResult{
		CheckinID: ev.ID,
		Outcome:   ev.Outcome,
		GateID:    gate.ID,
		Blocked:   autoBlock,
	}
	if scored != nil {
		result.FraudScore = scored.FraudScore
		e.finalize(ctx, ev, *scored, autoBlock, th, cfg)
	}
	if err := e.gates.Observe(ctx, gate.ID, ev); err != nil {
		e.logger.Warn("gate observation failed", "event_id", ev.EventID, "gate_id", gate.ID, "err", err)
	}
	if gate.Coordinates != nil {
		e.checkTravel(ctx, cfg, th, ev)
	}

	results.Put(result)
	e.metrics.Checkin(string(ev.Outcome), time.Since(started))
	return result, nil
}

func (e *Engine) isBlocked(ctx context.Context, eventID, wristbandID string) (bool, error) {
	_, err := e.store.GetBlock(ctx, eventID, wristbandID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (e *Engine) recordBlockedAttempt(ctx context.Context, ev model.CheckinEvent, started time.Time) (model.CheckinResult, error) {
	ev.Metadata["original_outcome"] = string(ev.Outcome)
	ev.Metadata["reason"] = "wristband_blocked"
	ev.Outcome = model.OutcomeBlocked
	if err := e.store.AppendCheckin(ctx, &ev); err != nil {
		return model.CheckinResult{}, fmt.Errorf("record checkin: %w: %w", model.ErrDependencyUnavailable, err)
	}
	result := model.CheckinResult{CheckinID: ev.ID, Outcome: ev.Outcome, GateID: ev.GateID, Blocked: true}
	if st, err := e.store.GetFraudState(ctx, ev.EventID, ev.WristbandID); err == nil {
		result.FraudScore = st.FraudScore
	}
	e.logger.Info("blocked wristband denied",
		"event_id", ev.EventID,
		"wristband_id", ev.WristbandID,
		"gate_id", ev.GateID,
	)
	e.results.Load().Put(result)
	e.metrics.Checkin(string(ev.Outcome), time.Since(started))
	return result, nil
}

func (e *Engine) recordedResult(ctx context.Context, ev model.CheckinEvent) model.CheckinResult {
	res := model.CheckinResult{
		CheckinID: ev.ID,
		Outcome:   ev.Outcome,
		GateID:    ev.GateID,
		Blocked:   ev.Outcome == model.OutcomeBlocked,
	}
	if score, err := strconv.Atoi(ev.Metadata["fraud_score"]); err == nil {
		res.FraudScore = score
	} else if st, err := e.store.GetFraudState(ctx, ev.EventID, ev.WristbandID); err == nil {
		res.FraudScore = st.FraudScore
	}
	return res
}

func scoreParams(cfg *config.Config, at time.Time) ScoreParams {
	return ScoreParams{
		RapidWindow:    cfg.Detection.RapidWindow,
		RateWindow:     cfg.Detection.RateWindow,
		RapidThreshold: cfg.Detection.RapidThreshold,
		Lookback:       cfg.Detection.Lookback,
		At:             at,
	}
}

func historySince(cfg *config.Config, at time.Time) time.Time {
	if cfg.Detection.Lookback <= 0 {
		return time.Time{}
	}
	return at.Add(-cfg.Detection.Lookback)
}

// scoreIngest scores the wristband's history including ev, which has not
// been persisted yet.
func (e *Engine) scoreIngest(ctx context.Context, cfg *config.Config, ev model.CheckinEvent) (ScoreResult, error) {
	history, err := e.store.ListCheckins(ctx, ev.EventID, ev.WristbandID, historySince(cfg, ev.Timestamp))
	if err != nil {
		return ScoreResult{}, err
	}
	var maxSeq int64
	for _, c := range history {
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	ev.Seq = maxSeq + 1
	history = append(history, ev)
	return Score(history, ev.ID, scoreParams(cfg, ev.Timestamp)), nil
}

func (e *Engine) finalize(ctx context.Context, ev model.CheckinEvent, scored ScoreResult, autoBlock bool, th config.Thresholds, cfg *config.Config) {
	now := e.now()
	state := scored.State(ev.EventID, ev.WristbandID, now)
	e.metrics.Score(scored.FraudScore)

	if scored.CurrentWindowCount > cfg.Detection.RapidThreshold {
		severity := model.SeverityHigh
		if scored.CurrentWindowCount > cfg.Detection.CriticalRapid {
			severity = model.SeverityCritical
		}
		e.raise(ctx, model.SystemAlert{
			EventID:   ev.EventID,
			AlertType: model.AlertFraudDetection,
			Severity:  severity,
			Message:   fmt.Sprintf("wristband %s checked in %d times within %s", ev.WristbandID, scored.CurrentWindowCount, cfg.Detection.RapidWindow),
			Data: map[string]any{
				"wristband_id":   ev.WristbandID,
				"checkin_id":     ev.ID,
				"gate_id":        ev.GateID,
				"window_count":   scored.CurrentWindowCount,
				"rapid_checkins": scored.RapidCheckins,
				"fraud_score":    scored.FraudScore,
			},
		})
	}

	if autoBlock {
		state.BlockedAt = &now
		reason := fmt.Sprintf("fraud score %d reached auto-block threshold %d", scored.FraudScore, th.FraudAutoBlockThreshold)
		e.block(ctx, state, model.BlockSourceAuto, reason, "system")
		e.raise(ctx, model.SystemAlert{
			EventID:   ev.EventID,
			AlertType: model.AlertAutoBlock,
			Severity:  model.SeverityCritical,
			Message:   fmt.Sprintf("wristband %s blocked automatically", ev.WristbandID),
			Data: map[string]any{
				"wristband_id": ev.WristbandID,
				"checkin_id":   ev.ID,
				"fraud_score":  scored.FraudScore,
				"reason":       reason,
			},
		})
	}

	if err := e.store.UpsertFraudState(ctx, state); err != nil {
		e.logger.Error("persist fraud state failed", "event_id", ev.EventID, "wristband_id", ev.WristbandID, "err", err)
	}
	e.snapshots.Update(state)
}

// block persists a block and its audit entry. Store failures are logged.
func (e *Engine) block(ctx context.Context, state model.WristbandFraudState, source, reason, actor string) {
	blockedAt := e.now()
	if state.BlockedAt != nil {
		blockedAt = *state.BlockedAt
	}
	err := e.store.SaveBlock(ctx, model.WristbandBlock{
		EventID:     state.EventID,
		WristbandID: state.WristbandID,
		BlockedAt:   blockedAt,
		Reason:      reason,
		Score:       state.FraudScore,
		Source:      source,
	})
	if err != nil {
		e.logger.Error("persist block failed", "event_id", state.EventID, "wristband_id", state.WristbandID, "err", err)
	}
	e.metrics.Blocked(source)
	e.logger.Warn("wristband blocked",
		"event_id", state.EventID,
		"wristband_id", state.WristbandID,
		"fraud_score", state.FraudScore,
		"source", source,
	)
	if e.sink != nil {
		e.sink.Audit(ctx, model.AuditEntry{
			EventID:     state.EventID,
			Actor:       actor,
			Action:      "wristband." + source + "_block",
			SubjectType: "wristband",
			SubjectID:   state.WristbandID,
			Details: map[string]string{
				"fraud_score": strconv.Itoa(state.FraudScore),
				"reason":      reason,
			},
		})
	}
}

func (e *Engine) raise(ctx context.Context, alert model.SystemAlert) {
	if e.sink == nil {
		return
	}
	e.sink.Raise(ctx, alert)
}

func (e *Engine) checkTravel(ctx context.Context, cfg *config.Config, th config.Thresholds, ev model.CheckinEvent) {
	coords, err := e.gates.Coordinates(ctx, ev.EventID)
	if err != nil {
		e.logger.Warn("travel check skipped", "event_id", ev.EventID, "err", err)
		return
	}
	history, err := e.store.ListCheckins(ctx, ev.EventID, ev.WristbandID, ev.Timestamp.Add(-cfg.Detection.TravelHorizon))
	if err != nil {
		e.logger.Warn("travel check skipped", "event_id", ev.EventID, "err", err)
		return
	}
	flagged := DetectImpossibleTravel(history, coords, TravelParams{
		MaxSpeedKmh:   th.MaxSpeedKmh,
		MinDistance:   cfg.Detection.MinTravelMeters,
		WindowSize:    cfg.Detection.TravelWindowSize,
		Horizon:       cfg.Detection.TravelHorizon,
		At:            ev.Timestamp,
		OnlyInvolving: ev.ID,
	})
	e.metrics.ImpossibleTravel(len(flagged))
	for _, f := range flagged {
		e.raise(ctx, model.SystemAlert{
			EventID:   ev.EventID,
			AlertType: model.AlertImpossibleLocation,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("wristband %s moved %.0f m in %.1f s (%.0f km/h)", f.WristbandID, f.DistanceMeters, f.TimeDiffSeconds, f.SpeedKmh),
			Data: map[string]any{
				"wristband_id":      f.WristbandID,
				"from_checkin_id":   f.FromCheckinID,
				"to_checkin_id":     f.ToCheckinID,
				"from_gate_id":      f.FromGateID,
				"to_gate_id":        f.ToGateID,
				"distance_meters":   f.DistanceMeters,
				"time_diff_seconds": f.TimeDiffSeconds,
				"speed_kmh":         f.SpeedKmh,
			},
		})
	}
}

// ImpossibleTravel returns every flagged pair in the wristband's recent
// history, relative to now.
func (e *Engine) ImpossibleTravel(ctx context.Context, eventID, wristbandID string) ([]model.ImpossibleTravel, error) {
	cfg := e.config()
	now := e.now()
	coords, err := e.gates.Coordinates(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrDependencyUnavailable, err)
	}
	history, err := e.store.ListCheckins(ctx, eventID, wristbandID, now.Add(-cfg.Detection.TravelHorizon))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrDependencyUnavailable, err)
	}
	return DetectImpossibleTravel(history, coords, TravelParams{
		MaxSpeedKmh: cfg.For(eventID).MaxSpeedKmh,
		MinDistance: cfg.Detection.MinTravelMeters,
		WindowSize:  cfg.Detection.TravelWindowSize,
		Horizon:     cfg.Detection.TravelHorizon,
		At:          now,
	}), nil
}

// Score recomputes a wristband's fraud state from its history without
// persisting it.
func (e *Engine) Score(ctx context.Context, eventID, wristbandID string) (model.WristbandFraudState, error) {
	cfg := e.config()
	now := e.now()
	history, err := e.store.ListCheckins(ctx, eventID, wristbandID, historySince(cfg, now))
	if err != nil {
		return model.WristbandFraudState{}, fmt.Errorf("%w: %w", model.ErrDependencyUnavailable, err)
	}
	if len(history) == 0 {
		return model.WristbandFraudState{}, fmt.Errorf("wristband %q: %w", wristbandID, model.ErrNotFound)
	}
	state := Score(history, "", scoreParams(cfg, now)).State(eventID, wristbandID, now)
	if blk, err := e.store.GetBlock(ctx, eventID, wristbandID); err == nil {
		at := blk.BlockedAt
		state.BlockedAt = &at
	}
	return state, nil
}

// ManualUnblock lifts a block. The wristband is scored normally again from
// its next check-in.
func (e *Engine) ManualUnblock(ctx context.Context, eventID, wristbandID, actor string) error {
	if eventID == "" || wristbandID == "" {
		return model.NewValidationError("wristband_id", "is required")
	}
	unlock := e.locks.Lock(lockKey(eventID, wristbandID))
	defer unlock()
	blk, err := e.store.GetBlock(ctx, eventID, wristbandID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteBlock(ctx, eventID, wristbandID); err != nil {
		return err
	}
	if st, err := e.store.GetFraudState(ctx, eventID, wristbandID); err == nil {
		st.BlockedAt = nil
		st.UpdatedAt = e.now()
		if err := e.store.UpsertFraudState(ctx, st); err != nil {
			e.logger.Error("persist fraud state failed", "event_id", eventID, "wristband_id", wristbandID, "err", err)
		}
		e.snapshots.Update(st)
	}
	if e.sink != nil {
		e.sink.Audit(ctx, model.AuditEntry{
			EventID:     eventID,
			Actor:       actor,
			Action:      "wristband.unblock",
			SubjectType: "wristband",
			SubjectID:   wristbandID,
			Details: map[string]string{
				"block_source": blk.Source,
				"block_score":  strconv.Itoa(blk.Score),
			},
		})
	}
	e.logger.Info("wristband unblocked", "event_id", eventID, "wristband_id", wristbandID, "actor", actor)
	return nil
}
