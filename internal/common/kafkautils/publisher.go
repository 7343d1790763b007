package kafkautils

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

const flushTimeoutMs = 5000

// producer is the subset of *kafka.Producer used for dead letters
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher writes dead letter records as JSON to a Kafka topic and waits for each delivery report
type Publisher struct {
	producer producer
}

func NewPublisher(config config.KafkaConfig) (*Publisher, error) {
	p, err := kafka.NewProducer(ProducerConfigMap(config))
	if err != nil {
		return nil, errors.WithMessage(err, "error creating kafka producer")
	}
	return &Publisher{producer: p}, nil
}

func (p *Publisher) Publish(ctx *haulcontext.Context, channel string, record *ingest.DeadLetterRecord) error {
	value, err := record.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	delivery := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &channel, Partition: kafka.PartitionAny},
		Key:            []byte(record.Key),
		Value:          value,
	}
	if err := p.producer.Produce(msg, delivery); err != nil {
		return errors.WithMessagef(err, "error producing to %s", channel)
	}
	select {
	case event := <-delivery:
		delivered, ok := event.(*kafka.Message)
		if !ok {
			return errors.Errorf("unexpected delivery event %v", event)
		}
		return errors.WithStack(delivered.TopicPartition.Error)
	case <-ctx.Done():
		return errors.WithMessagef(ctx.Err(), "timed out waiting for delivery to %s", channel)
	}
}

// Close flushes outstanding messages and closes the producer
func (p *Publisher) Close() error {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.producer.Close()
		return errors.Errorf("%d dead letters were not delivered before close", remaining)
	}
	p.producer.Close()
	return nil
}
