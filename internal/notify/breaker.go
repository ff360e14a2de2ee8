package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"gateguard/internal/config"
	"gateguard/internal/logging"
	"gateguard/internal/model"
)

// ErrChannelOpen is returned while a channel's breaker is open.
var ErrChannelOpen = errors.New("notification channel unavailable")

// Breaker guards a remote notifier. While the breaker is open the
// notification is logged instead and ErrChannelOpen is returned.
type Breaker struct {
	next     Notifier
	cb       *gobreaker.CircuitBreaker
	timeout  time.Duration
	fallback *Log
	logger   *slog.Logger
}

func NewBreaker(next Notifier, cfg config.BreakerConfig, timeout time.Duration, logger *slog.Logger) *Breaker {
	logger = logging.OrDiscard(logger)
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	b := &Breaker{
		next:     next,
		timeout:  timeout,
		fallback: NewLog(logger),
		logger:   logger,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification channel state changed", "channel", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Notify(ctx context.Context, n model.Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, b.next.Notify(callCtx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		_ = b.fallback.Notify(ctx, n)
		return ErrChannelOpen
	}
	return err
}

func (b *Breaker) Close() error { return b.next.Close() }
