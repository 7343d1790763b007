package kafkautils

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

// consumer is the subset of *kafka.Consumer used by subscriptions
type consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

// Source subscribes to Kafka (or Redpanda) topics as a member of a consumer group
type Source struct {
	config      config.KafkaConfig
	newConsumer func(configMap *kafka.ConfigMap) (consumer, error)
}

func NewSource(config config.KafkaConfig) *Source {
	return &Source{
		config: config,
		newConsumer: func(configMap *kafka.ConfigMap) (consumer, error) {
			return kafka.NewConsumer(configMap)
		},
	}
}

func (s *Source) Subscribe(ctx *haulcontext.Context, topics []string, group string) (ingest.Subscription, error) {
	c, err := s.newConsumer(ConsumerConfigMap(s.config, group))
	if err != nil {
		return nil, errors.WithMessage(err, "error creating kafka consumer")
	}
	sub := newSubscription(c, s.config.MaxPollRecords)
	if err := c.SubscribeTopics(topics, sub.onRebalance); err != nil {
		_ = c.Close()
		return nil, errors.WithMessagef(err, "error subscribing to %v", topics)
	}
	ctx.Log.Infof("Subscribed to kafka topics %v as group %s", topics, group)
	return sub, nil
}

type subscription struct {
	consumer       consumer
	maxPollRecords int
	// Partitions currently assigned to this member.  Only touched from Poll, which is where rebalance
	// callbacks run.
	assigned map[ingest.TopicPartition]bool
}

func newSubscription(c consumer, maxPollRecords int) *subscription {
	if maxPollRecords <= 0 {
		maxPollRecords = 500
	}
	return &subscription{
		consumer:       c,
		maxPollRecords: maxPollRecords,
		assigned:       map[ingest.TopicPartition]bool{},
	}
}

// Poll waits up to timeout for a first message and then takes whatever else is immediately available, up to
// maxPollRecords
func (s *subscription) Poll(ctx *haulcontext.Context, timeout time.Duration) ([]*ingest.Message, error) {
	var messages []*ingest.Message
	wait := timeout
	for len(messages) < s.maxPollRecords {
		if ctx.Err() != nil {
			break
		}
		msg, err := s.consumer.ReadMessage(wait)
		if err != nil {
			if isTimeout(err) {
				break
			}
			if len(messages) > 0 {
				// Deliver what we have; the error will resurface on the next poll
				ctx.Log.WithError(err).Debug("Kafka read failed after partial poll")
				break
			}
			return nil, errors.WithStack(err)
		}
		messages = append(messages, fromKafkaMessage(msg))
		wait = 0
	}
	return messages, nil
}

// Commit commits offset+1 (the next offset to read) for every assigned partition in positions.  Partitions
// revoked since they were consumed are skipped and left out of the result; their new owner resumes from the
// last committed offset.
func (s *subscription) Commit(ctx *haulcontext.Context, positions ingest.Positions) (ingest.Positions, error) {
	result := make(ingest.Positions, len(positions))
	offsets := make([]kafka.TopicPartition, 0, len(positions))
	for tp, offset := range positions {
		if !s.assigned[tp] {
			ctx.Log.Debugf("Skipping commit of %s@%d: partition no longer assigned", tp, offset)
			continue
		}
		result[tp] = offset
		topic := tp.Topic
		offsets = append(offsets, kafka.TopicPartition{
			Topic:     &topic,
			Partition: tp.Partition,
			Offset:    kafka.Offset(offset + 1),
		})
	}
	if len(offsets) == 0 {
		return result, nil
	}
	committed, err := s.consumer.CommitOffsets(offsets)
	if err != nil {
		return nil, errors.WithMessage(err, "error committing kafka offsets")
	}
	for _, tp := range committed {
		if tp.Error != nil {
			return nil, errors.WithMessagef(tp.Error, "error committing offset for %s[%d]", *tp.Topic, tp.Partition)
		}
	}
	return result, nil
}

func (s *subscription) Close() error {
	return s.consumer.Close()
}

func (s *subscription) onRebalance(_ *kafka.Consumer, event kafka.Event) error {
	switch e := event.(type) {
	case kafka.AssignedPartitions:
		for _, tp := range e.Partitions {
			s.assigned[toTopicPartition(tp)] = true
		}
	case kafka.RevokedPartitions:
		for _, tp := range e.Partitions {
			delete(s.assigned, toTopicPartition(tp))
		}
	}
	return nil
}

func toTopicPartition(tp kafka.TopicPartition) ingest.TopicPartition {
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return ingest.TopicPartition{Topic: topic, Partition: tp.Partition}
}

func fromKafkaMessage(msg *kafka.Message) *ingest.Message {
	tp := toTopicPartition(msg.TopicPartition)
	return &ingest.Message{
		Topic:     tp.Topic,
		Key:       string(msg.Key),
		Partition: tp.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
}
