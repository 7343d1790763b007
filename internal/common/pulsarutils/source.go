package pulsarutils

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

const defaultMaxPollMessages = 1000

// subscriber is satisfied by pulsar.Client
type subscriber interface {
	Subscribe(options pulsar.ConsumerOptions) (pulsar.Consumer, error)
}

// consumer is the subset of pulsar.Consumer used by subscriptions
type consumer interface {
	Receive(ctx context.Context) (pulsar.Message, error)
	Chan() <-chan pulsar.ConsumerMessage
	AckID(id pulsar.MessageID) error
	Close()
}

// Source consumes Pulsar topics using a failover subscription named after the consumer group, so that each
// partition has a single active consumer and is delivered in order.
type Source struct {
	client            subscriber
	receiverQueueSize int
}

func NewSource(client pulsar.Client, receiverQueueSize int) *Source {
	return &Source{client: client, receiverQueueSize: receiverQueueSize}
}

func (s *Source) Subscribe(ctx *haulcontext.Context, topics []string, group string) (ingest.Subscription, error) {
	c, err := s.client.Subscribe(pulsar.ConsumerOptions{
		Topics:                      topics,
		SubscriptionName:            group,
		Type:                        pulsar.Failover,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
		ReceiverQueueSize:           s.receiverQueueSize,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to %v", topics)
	}
	maxPollMessages := s.receiverQueueSize
	if maxPollMessages <= 0 {
		maxPollMessages = defaultMaxPollMessages
	}
	ctx.Log.Infof("Subscribed to pulsar topics %v as %s", topics, group)
	return newSubscription(c, maxPollMessages), nil
}

type pendingAck struct {
	offset int64
	id     pulsar.MessageID
}

// subscription assigns each received message a sequence number within its partition, since pulsar message ids
// carry no usable offset.  Committing a position acks every message received on that partition up to the
// position.
type subscription struct {
	consumer        consumer
	maxPollMessages int
	next            map[ingest.TopicPartition]int64
	pending         map[ingest.TopicPartition][]pendingAck
}

func newSubscription(c consumer, maxPollMessages int) *subscription {
	return &subscription{
		consumer:        c,
		maxPollMessages: maxPollMessages,
		next:            map[ingest.TopicPartition]int64{},
		pending:         map[ingest.TopicPartition][]pendingAck{},
	}
}

func (s *subscription) Poll(ctx *haulcontext.Context, timeout time.Duration) ([]*ingest.Message, error) {
	receiveCtx, cancel := context.WithTimeout(ctx, timeout)
	msg, err := s.consumer.Receive(receiveCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	messages := []*ingest.Message{s.track(msg)}
	for len(messages) < s.maxPollMessages {
		select {
		case cm, ok := <-s.consumer.Chan():
			if !ok {
				return messages, nil
			}
			messages = append(messages, s.track(cm.Message))
		default:
			return messages, nil
		}
	}
	return messages, nil
}

func (s *subscription) track(msg pulsar.Message) *ingest.Message {
	topic, partition := splitPartitionedTopic(msg.Topic(), msg.ID().PartitionIdx())
	tp := ingest.TopicPartition{Topic: topic, Partition: partition}
	offset := s.next[tp]
	s.next[tp] = offset + 1
	s.pending[tp] = append(s.pending[tp], pendingAck{offset: offset, id: msg.ID()})
	return &ingest.Message{
		Topic:     topic,
		Key:       msg.Key(),
		Partition: partition,
		Offset:    offset,
		Value:     msg.Payload(),
		Timestamp: msg.PublishTime(),
	}
}

// Commit acks messages in order.  On failure the unacked remainder stays pending and will be acked by a later
// commit.
func (s *subscription) Commit(_ *haulcontext.Context, positions ingest.Positions) (ingest.Positions, error) {
	for tp, position := range positions {
		pending := s.pending[tp]
		acked := 0
		for _, p := range pending {
			if p.offset > position {
				break
			}
			if err := s.consumer.AckID(p.id); err != nil {
				s.pending[tp] = pending[acked:]
				return nil, errors.WithMessagef(err, "error acking %s@%d", tp, p.offset)
			}
			acked++
		}
		if acked == len(pending) {
			delete(s.pending, tp)
		} else {
			s.pending[tp] = pending[acked:]
		}
	}
	return positions.Copy(), nil
}

func (s *subscription) Close() error {
	s.consumer.Close()
	return nil
}

// splitPartitionedTopic strips the -partition-N suffix pulsar adds to the topics backing a partitioned topic
func splitPartitionedTopic(topic string, partitionIdx int32) (string, int32) {
	const marker = "-partition-"
	i := strings.LastIndex(topic, marker)
	if i < 0 {
		return topic, max(partitionIdx, 0)
	}
	partition, err := strconv.ParseInt(topic[i+len(marker):], 10, 32)
	if err != nil {
		return topic, max(partitionIdx, 0)
	}
	return topic[:i], int32(partition)
}
