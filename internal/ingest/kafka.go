package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartKafka consumes scans from a topic as part of a consumer group. Each
// message value is one record in any format the Parser accepts. Offsets are
// committed only once the engine has processed or rejected the scan, so a
// restart redelivers anything still in flight.
func StartKafka(ctx context.Context, p *Pipeline) {
	current := p.cfg.Get().Ingest.Kafka
	if !current.Enabled {
		p.logger.Info("kafka ingest disabled")
		return
	}
	p.logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go p.consume(ctx, reader)
}

func (p *Pipeline) consume(ctx context.Context, reader messageReader) {
	defer reader.Close()
	parser := NewParser()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("kafka read error", "err", err)
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		if req, ok := p.prepare(parser, string(m.Value), "kafka"); ok {
			if req.ID == "" {
				// Redelivered messages reuse the ID and come back as duplicates.
				req.ID = fmt.Sprintf("kafka:%s:%d:%d", m.Topic, m.Partition, m.Offset)
			}
			if err := p.Deliver(ctx, req); err != nil {
				return
			}
		}
		if !p.commit(ctx, reader, m) {
			return
		}
	}
}

func (p *Pipeline) commit(ctx context.Context, reader messageReader, m kafka.Message) bool {
	for {
		err := reader.CommitMessages(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		if !BackoffSleep(ctx, time.Second) {
			return false
		}
	}
}
