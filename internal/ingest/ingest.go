// Package ingest reads scans from scanner gateways and hands them to the
// engine, either queued or synchronously.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gateguard/internal/config"
	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/normalize"
)

// Recorder processes one check-in and returns the outcome the scanner
// should act on.
type Recorder interface {
	RecordCheckin(ctx context.Context, req model.CheckinRequest) (model.CheckinResult, error)
}

// Pipeline is shared by the asynchronous readers. It parses lines into
// check-in requests and queues them for the engine workers.
type Pipeline struct {
	cfg       *config.Manager
	out       chan<- model.QueuedCheckin
	metrics   *metrics.Collectors
	logger    *slog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

func NewPipeline(cfg *config.Manager, out chan<- model.QueuedCheckin, collectors *metrics.Collectors, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		out:       out,
		metrics:   collectors,
		logger:    logging.OrDiscard(logger).With("module", "ingest"),
		retryBase: 200 * time.Millisecond,
		retryMax:  10 * time.Second,
	}
}

// HandleLine parses one raw record and queues it, waiting for room in the
// queue. It reports whether a request was queued.
func (p *Pipeline) HandleLine(ctx context.Context, parser *Parser, line, source string) bool {
	req, ok := p.prepare(parser, line, source)
	if !ok {
		return false
	}
	return p.Send(ctx, req)
}

// OfferLine is HandleLine for sources that cannot be slowed down. A full
// queue drops the scan.
func (p *Pipeline) OfferLine(ctx context.Context, parser *Parser, line, source string) bool {
	req, ok := p.prepare(parser, line, source)
	if !ok {
		return false
	}
	return p.Offer(ctx, req)
}

func (p *Pipeline) prepare(parser *Parser, line, source string) (model.CheckinRequest, bool) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return model.CheckinRequest{}, false
	}
	return p.normalize(*fields, source)
}

func (p *Pipeline) normalize(fields normalize.EventFields, source string) (model.CheckinRequest, bool) {
	req, err := normalize.Normalize(fields, p.cfg.Get())
	if err != nil {
		p.logger.Warn("normalize error", "source", source, "err", err)
		return model.CheckinRequest{}, false
	}
	req.Source = source
	return req, true
}

// Send queues a request, blocking until there is room or ctx is done.
func (p *Pipeline) Send(ctx context.Context, req model.CheckinRequest) bool {
	select {
	case p.out <- model.QueuedCheckin{Request: req}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Offer queues a request without blocking and counts it as dropped when
// the queue is full.
func (p *Pipeline) Offer(ctx context.Context, req model.CheckinRequest) bool {
	select {
	case p.out <- model.QueuedCheckin{Request: req}:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	p.logger.Warn("checkin queue full, dropping scan",
		"source", req.Source,
		"event_id", req.EventID,
		"wristband_id", req.WristbandID,
	)
	p.metrics.Dropped(req.Source)
	return false
}

// Deliver queues a request and waits for a worker to process it. A request
// rejected as invalid is final and returns nil along with other successes.
// Any other failure is retried with backoff until it succeeds or ctx is
// done, in which case ctx's error is returned.
func (p *Pipeline) Deliver(ctx context.Context, req model.CheckinRequest) error {
	wait := p.retryBase
	for {
		err := p.process(ctx, req)
		if err == nil || errors.Is(err, model.ErrValidation) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("checkin delivery failed, retrying",
			"source", req.Source,
			"event_id", req.EventID,
			"wristband_id", req.WristbandID,
			"retry_in", wait,
			"err", err,
		)
		if !BackoffSleep(ctx, wait) {
			return ctx.Err()
		}
		wait *= 2
		if wait > p.retryMax {
			wait = p.retryMax
		}
	}
}

func (p *Pipeline) process(ctx context.Context, req model.CheckinRequest) error {
	done := make(chan error, 1)
	item := model.QueuedCheckin{
		Request: req,
		Done: func(_ model.CheckinResult, err error) {
			done <- err
		},
	}
	select {
	case p.out <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
