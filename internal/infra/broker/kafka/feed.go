package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

// Feed adapts a consumer group into the session.ChangeFeed contract.
// Delivery is at-least-once and unordered across partitions, which is
// exactly the contract the sync agent compensates for.
type Feed struct {
	brokers     []string
	groupID     string
	topicPrefix string
	logger      *slog.Logger
	config      *sarama.Config
}

// NewFeed configures a change-feed subscriber.
func NewFeed(brokers []string, groupID, topicPrefix string, cfg *sarama.Config, logger *slog.Logger) *Feed {
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Version = sarama.V2_5_0_0
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return &Feed{
		brokers:     brokers,
		groupID:     groupID,
		topicPrefix: topicPrefix,
		logger:      logger,
		config:      cfg,
	}
}

// memberGroupID derives a fresh consumer group per subscription. The feed
// contract is a broadcast — every subscriber sees every event — while Kafka
// splits partitions among the members of one group, so subscriptions must
// never share a group id.
func (f *Feed) memberGroupID() string {
	return f.groupID + "-" + uuid.NewString()
}

// Subscribe joins a dedicated consumer group for the given tables and pumps
// decoded events into handler. The consume loop reconnects after failures,
// invoking lost each time so the subscriber can reconcile missed
// notifications.
func (f *Feed) Subscribe(ctx context.Context, tables []string, handler func(chat.ChangeEvent), lost func(error)) (func(), error) {
	group, err := sarama.NewConsumerGroup(f.brokers, f.memberGroupID(), f.config)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(tables))
	for _, table := range tables {
		topics = append(topics, topicFor(f.topicPrefix, table))
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer group.Close()
		for {
			err := group.Consume(runCtx, topics, feedHandler{handler: handler, logger: f.logger})
			if runCtx.Err() != nil {
				return
			}
			if err != nil {
				f.logger.Warn("feed consume failed, rejoining", "error", err)
				if lost != nil {
					lost(err)
				}
				select {
				case <-runCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			// Rebalance: the group rejoins and may redeliver; treat it the
			// same as a drop so the agent reconciles.
			if lost != nil {
				lost(session.ErrSubscriptionLost)
			}
		}
	}()
	return cancel, nil
}

type feedHandler struct {
	handler func(chat.ChangeEvent)
	logger  *slog.Logger
}

func (feedHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (feedHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h feedHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var ev chat.ChangeEvent
		if err := json.Unmarshal(message.Value, &ev); err != nil {
			h.logger.Warn("change event decode failed", "topic", message.Topic, "error", err)
			sess.MarkMessage(message, "")
			continue
		}
		h.handler(ev)
		sess.MarkMessage(message, "")
	}
	return nil
}

var _ session.ChangeFeed = (*Feed)(nil)
