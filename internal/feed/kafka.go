package feed

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/quarry/internal/messaging"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// Consumer is the part of messaging.KafkaClient a feed needs.
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handler messaging.Handler) error
}

// KafkaFeed publishes templates read from the templates topic.
type KafkaFeed struct {
	consumer    Consumer
	broadcaster *Broadcaster
	groupID     string
	logger      *log.Logger
}

// NewKafkaFeed creates a feed. Every pool instance should use its own
// group so each one sees every template.
func NewKafkaFeed(consumer Consumer, broadcaster *Broadcaster, groupID string, logger *log.Logger) *KafkaFeed {
	return &KafkaFeed{
		consumer:    consumer,
		broadcaster: broadcaster,
		groupID:     groupID,
		logger:      logger.WithComponent("kafka_feed"),
	}
}

// Run consumes until ctx is cancelled.
func (f *KafkaFeed) Run(ctx context.Context) error {
	return f.consumer.StartConsumer(ctx, messaging.TopicTemplates, f.groupID, f.handle)
}

func (f *KafkaFeed) handle(_ context.Context, msg kafka.Message) error {
	tmpl, err := wire.UnmarshalJobTemplate(msg.Value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_template", "undecodable template message").
			WithContext("offset", msg.Offset).
			WithContext("partition", msg.Partition)
	}
	if tmpl.IsPlaceholder() {
		f.logger.Debug("ignoring empty template message", "offset", msg.Offset)
		return nil
	}
	f.broadcaster.Publish(tmpl)
	return nil
}
