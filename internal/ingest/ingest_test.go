package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/config"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
)

func newTestPipeline(t *testing.T, queue int, mutate func(*config.Config)) (*Pipeline, chan model.QueuedCheckin) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ingest.Parser.DefaultEventID = "fest-26"
	if mutate != nil {
		mutate(cfg)
	}
	out := make(chan model.QueuedCheckin, queue)
	p := NewPipeline(config.NewStaticManager(cfg), out, nil, nil)
	p.retryBase = time.Millisecond
	return p, out
}

func TestHandleLineQueuesNormalizedRequest(t *testing.T) {
	p, out := newTestPipeline(t, 1, nil)
	ok := p.HandleLine(context.Background(), NewParser(), "2026-07-10T18:30:00Z North uid=04AA result=granted", "tcp_stream")
	require.True(t, ok)

	req := (<-out).Request
	assert.Equal(t, "fest-26", req.EventID)
	assert.Equal(t, "North", req.Gate)
	assert.Equal(t, "04AA", req.WristbandID)
	assert.Equal(t, model.OutcomeSuccess, req.Outcome)
	assert.Equal(t, "tcp_stream", req.Source)
	assert.True(t, req.Timestamp.Equal(time.Date(2026, 7, 10, 18, 30, 0, 0, time.UTC)))
}

func TestHandleLineRejectsUnparseable(t *testing.T) {
	p, out := newTestPipeline(t, 1, nil)
	assert.False(t, p.HandleLine(context.Background(), NewParser(), `{"gate":"North","lat":"52.5"}`, "udp"))
	assert.False(t, p.HandleLine(context.Background(), NewParser(), "", "udp"))
	assert.Empty(t, out)
}

func TestOfferCountsDropsWhenFull(t *testing.T) {
	p, out := newTestPipeline(t, 1, nil)
	reg := prometheus.NewRegistry()
	p.metrics = metrics.NewCollectors(reg)

	req := model.CheckinRequest{WristbandID: "04AA", Source: "udp"}
	assert.True(t, p.Offer(context.Background(), req))
	assert.False(t, p.Offer(context.Background(), req))
	assert.Len(t, out, 1)

	n, err := testutil.GatherAndCount(reg, "gateguard_ingest_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendWaitsForRoom(t *testing.T) {
	p, out := newTestPipeline(t, 1, nil)
	ctx := context.Background()
	require.True(t, p.Send(ctx, model.CheckinRequest{WristbandID: "04AA"}))

	sent := make(chan bool, 1)
	go func() { sent <- p.Send(ctx, model.CheckinRequest{WristbandID: "04BB"}) }()
	select {
	case <-sent:
		t.Fatal("send returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "04AA", (<-out).Request.WristbandID)
	assert.True(t, <-sent)
	assert.Equal(t, "04BB", (<-out).Request.WristbandID)
}

func TestSendGivesUpOnCancel(t *testing.T) {
	p, out := newTestPipeline(t, 1, nil)
	require.True(t, p.Send(context.Background(), model.CheckinRequest{WristbandID: "04AA"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Send(ctx, model.CheckinRequest{WristbandID: "04BB"}))
	assert.Len(t, out, 1)
}

// work answers queued check-ins with fn until ctx is done.
func work(ctx context.Context, out <-chan model.QueuedCheckin, fn func(model.CheckinRequest) error) {
	go func() {
		for {
			select {
			case item := <-out:
				err := fn(item.Request)
				if item.Done != nil {
					item.Done(model.CheckinResult{}, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func TestDeliverRetriesUnavailableDependency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, out := newTestPipeline(t, 1, nil)
	attempts := 0
	work(ctx, out, func(model.CheckinRequest) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("append: %w", model.ErrDependencyUnavailable)
		}
		return nil
	})

	require.NoError(t, p.Deliver(ctx, model.CheckinRequest{WristbandID: "04AA"}))
	assert.Equal(t, 3, attempts)
}

func TestDeliverTreatsValidationAsFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, out := newTestPipeline(t, 1, nil)
	attempts := 0
	work(ctx, out, func(model.CheckinRequest) error {
		attempts++
		return model.NewValidationError("gate", "required")
	})

	require.NoError(t, p.Deliver(ctx, model.CheckinRequest{WristbandID: "04AA"}))
	assert.Equal(t, 1, attempts)
}

func TestDeliverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, out := newTestPipeline(t, 1, nil)
	workCtx, stop := context.WithCancel(context.Background())
	defer stop()
	work(workCtx, out, func(model.CheckinRequest) error {
		cancel()
		return model.ErrDependencyUnavailable
	})

	assert.ErrorIs(t, p.Deliver(ctx, model.CheckinRequest{WristbandID: "04AA"}), context.Canceled)
}

func TestBackoffSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, BackoffSleep(ctx, time.Minute))
	assert.True(t, BackoffSleep(context.Background(), time.Millisecond))
}
