package feed

import (
	"context"
	"errors"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"pricealerts/internal/config"
	"pricealerts/internal/models"
)

const pollTimeout = 200 * time.Millisecond

// Consumer is the part of *kafka.Consumer KafkaSource uses.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

func NewKafkaConsumer(cfg config.KafkaConfig) (*kafka.Consumer, error) {
	return kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.GroupID,
		"auto.offset.reset": "earliest",
	})
}

// KafkaSource reads PriceUpdate messages from a topic.
type KafkaSource struct {
	consumer Consumer
	topic    string
	logger   *zap.Logger
}

func NewKafkaSource(consumer Consumer, topic string, logger *zap.Logger) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{consumer: consumer, topic: topic, logger: logger}
}

// Run subscribes and forwards decoded ticks to out until ctx is done or the
// consumer hits a fatal error. Malformed messages are logged and skipped.
func (s *KafkaSource) Run(ctx context.Context, out chan<- models.Tick) error {
	if err := s.consumer.Subscribe(s.topic, nil); err != nil {
		return err
	}
	s.logger.Info("listening for price updates", zap.String("topic", s.topic))

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.IsTimeout() {
					continue
				}
				if kerr.IsFatal() {
					return err
				}
			}
			s.logger.Warn("kafka consumer error", zap.Error(err))
			continue
		}

		tick, err := DecodePriceUpdate(msg.Value)
		if err != nil {
			s.logger.Warn("skipping malformed price update",
				zap.ByteString("value", msg.Value),
				zap.Error(err),
			)
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		}
	}
}

// Producer is the part of *kafka.Producer KafkaPublisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

func NewKafkaProducer(cfg config.KafkaConfig) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": cfg.Brokers})
}

// KafkaPublisher writes ticks to a topic as PriceUpdate JSON.
type KafkaPublisher struct {
	producer Producer
	topic    string
	exchange string
	now      func() time.Time
}

func NewKafkaPublisher(producer Producer, topic, exchange string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, exchange: exchange, now: time.Now}
}

func (p *KafkaPublisher) Publish(t models.Tick) error {
	value, err := EncodePriceUpdate(p.exchange, t, p.now())
	if err != nil {
		return err
	}
	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(t.Symbol),
		Value:          value,
	}, nil)
}
