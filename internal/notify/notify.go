// Package notify delivers high-severity alerts to operator channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"gateguard/internal/config"
	"gateguard/internal/logging"
	"gateguard/internal/model"
)

type Notifier interface {
	Name() string
	Notify(ctx context.Context, n model.Notification) error
	Close() error
}

func encode(n model.Notification) ([]byte, error) {
	return json.Marshal(n)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications keyed by event so one event's alerts stay
// ordered within a partition.
type Kafka struct {
	writer messageWriter
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka notifier requires brokers and topic")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
	}}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Notify(ctx context.Context, n model.Notification) error {
	payload, err := encode(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.EventID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (k *Kafka) Close() error { return k.writer.Close() }

type Redis struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

func NewRedis(cfg config.RedisNotifyConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, channel: cfg.Channel, owned: true}
}

// NewRedisWithClient publishes through an existing client. Close leaves
// the client open.
func NewRedisWithClient(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Notify(ctx context.Context, n model.Notification) error {
	payload, err := encode(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, string(payload)).Err()
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

type NATS struct {
	conn    natsPublisher
	subject string
	close   func()
}

func NewNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("gateguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, subject: subject, close: conn.Close}, nil
}

func (s *NATS) Name() string { return "nats" }

func (s *NATS) Notify(ctx context.Context, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(n)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, payload)
}

func (s *NATS) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// Log writes notifications to the structured log. It never fails and is
// the fallback when every remote channel is down.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logging.OrDiscard(logger)}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(_ context.Context, n model.Notification) error {
	l.logger.Warn("alert notification",
		"event_id", n.EventID,
		"alert_type", n.AlertType,
		"severity", n.Severity,
		"message", n.Message,
		"data", n.Data,
	)
	return nil
}

func (l *Log) Close() error { return nil }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, nt := range m {
		if err := nt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured channels, each behind its own breaker.
// A channel that cannot be constructed is logged and skipped.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	logger = logging.OrDiscard(logger)
	var out Multi
	if cfg.Log {
		out = append(out, NewLog(logger))
	}
	wrap := func(n Notifier) Notifier {
		return NewBreaker(n, cfg.Breaker, cfg.Timeout, logger)
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Error("kafka notifier disabled", "error", err)
		} else {
			out = append(out, wrap(k))
		}
	}
	if cfg.Redis.Enabled {
		out = append(out, wrap(NewRedis(cfg.Redis)))
	}
	if cfg.NATS.Enabled {
		n, err := NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Error("nats notifier disabled", "error", err)
		} else {
			out = append(out, wrap(n))
		}
	}
	return out
}
