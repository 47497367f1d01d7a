package hotrelay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaEventRouter publishes relay lifecycle events to a topic. It is
// wired in only when the config names at least one broker; otherwise
// the relay uses noopEventRouter.
type KafkaEventRouter struct {
	ctx      context.Context
	producer *kafka.Writer
}

func newKafkaEventRouter(ctx context.Context, brokers []string, topic string) *KafkaEventRouter {
	return &KafkaEventRouter{
		ctx: ctx,
		producer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Balancer:     &kafka.RoundRobin{},
		},
	}
}

func (k *KafkaEventRouter) Process(key string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.producer.WriteMessages(k.ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

func parseBrokers(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// EventRouterFromConfig selects noopEventRouter or a Kafka-backed
// router depending on whether the config names any brokers.
func EventRouterFromConfig(ctx context.Context, cfg *Config) EventRouter {
	if len(cfg.Events.KafkaBrokers) == 0 {
		return noopEventRouter{}
	}
	topic := cfg.Events.KafkaTopic
	if topic == "" {
		topic = "hotrelay-events"
	}
	return newKafkaEventRouter(ctx, parseBrokers(cfg.Events.KafkaBrokers), topic)
}
