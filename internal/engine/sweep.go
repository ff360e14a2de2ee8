package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"gateguard/internal/model"
)

const sweepParallelism = 4

// SweepReport summarizes one fraud sweep over an event.
type SweepReport struct {
	EventID  string   `json:"event_id"`
	Scanned  int      `json:"scanned"`
	Rescored int      `json:"rescored"`
	Blocked  []string `json:"blocked"`
}

// Sweep rescores every wristband active within the sweep window and blocks
// those at or above the event's sweep threshold. It stops between
// wristbands when ctx is cancelled and returns what it did so far.
func (e *Engine) Sweep(ctx context.Context, eventID string) (SweepReport, error) {
	started := time.Now()
	defer func() { e.metrics.Sweep("fraud", time.Since(started)) }()

	cfg := e.config()
	th := cfg.For(eventID)
	now := e.now()
	report := SweepReport{EventID: eventID, Blocked: []string{}}
	active, err := e.store.ListActiveWristbands(ctx, eventID, now.Add(-cfg.Detection.SweepActivity))
	if err != nil {
		return report, fmt.Errorf("%w: %w", model.ErrDependencyUnavailable, err)
	}
	for _, wristbandID := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		blocked, err := e.sweepOne(ctx, eventID, wristbandID, th.FraudSweepBlockThreshold)
		if err != nil {
			e.logger.Warn("sweep rescoring failed", "event_id", eventID, "wristband_id", wristbandID, "err", err)
			continue
		}
		report.Rescored++
		if blocked {
			report.Blocked = append(report.Blocked, wristbandID)
		}
	}
	if len(report.Blocked) > 0 {
		e.logger.Info("fraud sweep blocked wristbands", "event_id", eventID, "count", len(report.Blocked))
	}
	return report, nil
}

func (e *Engine) sweepOne(ctx context.Context, eventID, wristbandID string, threshold int) (bool, error) {
	unlock := e.locks.Lock(lockKey(eventID, wristbandID))
	defer unlock()

	already, err := e.isBlocked(ctx, eventID, wristbandID)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	cfg := e.config()
	now := e.now()
	history, err := e.store.ListCheckins(ctx, eventID, wristbandID, historySince(cfg, now))
	if err != nil {
		return false, err
	}
	scored := Score(history, "", scoreParams(cfg, now))
	state := scored.State(eventID, wristbandID, now)
	blocked := ShouldBlock(scored.FraudScore, threshold) && now.Sub(scored.LastCheckinAt) <= cfg.Detection.SweepActivity
	if blocked {
		state.BlockedAt = &now
		reason := fmt.Sprintf("fraud score %d reached sweep threshold %d", scored.FraudScore, threshold)
		e.block(ctx, state, model.BlockSourceSweep, reason, "fraud-sweep")
		e.raise(ctx, model.SystemAlert{
			EventID:   eventID,
			AlertType: model.AlertSweepBlock,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("wristband %s blocked by fraud sweep", wristbandID),
			Data: map[string]any{
				"wristband_id": wristbandID,
				"fraud_score":  scored.FraudScore,
				"reason":       reason,
			},
		})
	}
	if err := e.store.UpsertFraudState(ctx, state); err != nil {
		return blocked, err
	}
	e.snapshots.Update(state)
	return blocked, nil
}

// EventLister yields the events a periodic sweep visits.
type EventLister interface {
	ListEventIDs(ctx context.Context) ([]string, error)
}

// Run sweeps every known event on each tick until ctx is cancelled.
// Events are swept in parallel.
func (e *Engine) Run(ctx context.Context, events EventLister, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.sweepAll(ctx, events); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				e.logger.Warn("fraud sweep failed", "err", err)
			}
		}
	}
}

func (e *Engine) sweepAll(ctx context.Context, events EventLister) error {
	ids, err := events.ListEventIDs(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := e.Sweep(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				e.logger.Warn("fraud sweep failed", "event_id", id, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}
