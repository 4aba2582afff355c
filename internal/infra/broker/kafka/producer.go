package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"

	"marketchat/internal/domain/chat"
)

// Producer publishes row-change notifications to the per-table topics.
type Producer struct {
	sync        sarama.SyncProducer
	topicPrefix string
	logger      *slog.Logger
}

// NewProducer builds an idempotent sync producer.
func NewProducer(brokers []string, topicPrefix string, cfg *sarama.Config, logger *slog.Logger) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Return.Successes = true
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync, topicPrefix: topicPrefix, logger: logger}, nil
}

// Emit publishes one change event, keyed by conversation id so per-thread
// ordering is preserved within a partition. Emission is best effort: the
// subscriber side reconciles from authoritative reads anyway.
func (p *Producer) Emit(ctx context.Context, ev chat.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("change event marshal failed", "error", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: topicFor(p.topicPrefix, ev.Table),
		Key:   sarama.StringEncoder(ev.ConversationID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.sync.SendMessage(msg); err != nil {
		p.logger.Warn("change event publish failed", "table", ev.Table, "error", err)
	}
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

func topicFor(prefix, table string) string {
	if prefix == "" {
		return table
	}
	return prefix + "." + table
}
