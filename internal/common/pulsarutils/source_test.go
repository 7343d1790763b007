package pulsarutils

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockSubscriber struct {
	consumer *MockConsumer
	options  pulsar.ConsumerOptions
	err      error
}

func (s *mockSubscriber) Subscribe(options pulsar.ConsumerOptions) (pulsar.Consumer, error) {
	s.options = options
	if s.err != nil {
		return nil, s.err
	}
	return s.consumer, nil
}

func TestSource_Subscribe(t *testing.T) {
	client := &mockSubscriber{consumer: NewMockConsumer()}
	source := &Source{client: client, receiverQueueSize: 50}

	sub, err := source.Subscribe(haulcontext.Background(), []string{"orders", "page_views"}, "orders_ingestion")
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "page_views"}, client.options.Topics)
	assert.Equal(t, "orders_ingestion", client.options.SubscriptionName)
	assert.Equal(t, pulsar.Failover, client.options.Type)
	assert.Equal(t, pulsar.SubscriptionPositionEarliest, client.options.SubscriptionInitialPosition)
	assert.Equal(t, 50, sub.(*subscription).maxPollMessages)

	require.NoError(t, sub.Close())
	assert.True(t, client.consumer.Closed())
}

func TestSource_SubscribeError(t *testing.T) {
	source := &Source{client: &mockSubscriber{err: errors.New("broker down")}}
	_, err := source.Subscribe(haulcontext.Background(), []string{"orders"}, "orders_ingestion")
	assert.ErrorContains(t, err, "broker down")
}

func TestSubscription_PollAssignsSequentialOffsetsPerPartition(t *testing.T) {
	consumer := NewMockConsumer(
		NewPulsarMessage(1, "persistent://public/default/orders-partition-0", 0, baseTime, []byte(`{"a":1}`)),
		NewPulsarMessage(2, "persistent://public/default/orders-partition-1", 1, baseTime, []byte(`{"a":2}`)),
		NewPulsarMessage(3, "persistent://public/default/orders-partition-0", 0, baseTime, []byte(`{"a":3}`)),
	)
	sub := newSubscription(consumer, 10)

	msgs, err := sub.Poll(haulcontext.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "persistent://public/default/orders", msgs[0].Topic)
	assert.Equal(t, int32(0), msgs[0].Partition)
	assert.Equal(t, int64(0), msgs[0].Offset)
	assert.Equal(t, int32(1), msgs[1].Partition)
	assert.Equal(t, int64(0), msgs[1].Offset)
	assert.Equal(t, int32(0), msgs[2].Partition)
	assert.Equal(t, int64(1), msgs[2].Offset)
	assert.Equal(t, []byte(`{"a":3}`), msgs[2].Value)
	assert.Equal(t, baseTime, msgs[2].Timestamp)
}

func TestSubscription_PollRespectsMaxMessages(t *testing.T) {
	consumer := NewMockConsumer(
		NewPulsarMessage(1, "orders", 0, baseTime, nil),
		NewPulsarMessage(2, "orders", 0, baseTime, nil),
		NewPulsarMessage(3, "orders", 0, baseTime, nil),
	)
	sub := newSubscription(consumer, 2)

	msgs, err := sub.Poll(haulcontext.Background(), time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = sub.Poll(haulcontext.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].Offset)
}

func TestSubscription_PollTimeout(t *testing.T) {
	sub := newSubscription(NewMockConsumer(), 10)
	msgs, err := sub.Poll(haulcontext.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSubscription_CommitAcksUpToPosition(t *testing.T) {
	consumer := NewMockConsumer(
		NewPulsarMessage(1, "orders", 0, baseTime, nil),
		NewPulsarMessage(2, "orders", 0, baseTime, nil),
		NewPulsarMessage(3, "orders", 0, baseTime, nil),
	)
	sub := newSubscription(consumer, 10)
	_, err := sub.Poll(haulcontext.Background(), time.Second)
	require.NoError(t, err)

	tp := ingest.TopicPartition{Topic: "orders", Partition: 0}
	committed, err := sub.Commit(haulcontext.Background(), ingest.Positions{tp: 1})
	require.NoError(t, err)
	assert.Equal(t, ingest.Positions{tp: 1}, committed)
	assert.Equal(t, []pulsar.MessageID{NewMessageId(1, 0), NewMessageId(2, 0)}, consumer.Acked())

	// Committing the same position again acks nothing new
	_, err = sub.Commit(haulcontext.Background(), ingest.Positions{tp: 1})
	require.NoError(t, err)
	assert.Len(t, consumer.Acked(), 2)

	_, err = sub.Commit(haulcontext.Background(), ingest.Positions{tp: 2})
	require.NoError(t, err)
	assert.Len(t, consumer.Acked(), 3)
	assert.Empty(t, sub.pending)
}

func TestSubscription_CommitFailureKeepsPending(t *testing.T) {
	consumer := NewMockConsumer(NewPulsarMessage(1, "orders", 0, baseTime, nil))
	sub := newSubscription(consumer, 10)
	_, err := sub.Poll(haulcontext.Background(), time.Second)
	require.NoError(t, err)

	tp := ingest.TopicPartition{Topic: "orders", Partition: 0}
	consumer.AckErr = errors.New("connection reset")
	_, err = sub.Commit(haulcontext.Background(), ingest.Positions{tp: 0})
	assert.Error(t, err)
	assert.Len(t, sub.pending[tp], 1)

	consumer.AckErr = nil
	_, err = sub.Commit(haulcontext.Background(), ingest.Positions{tp: 0})
	require.NoError(t, err)
	assert.Len(t, consumer.Acked(), 1)
}

func TestSplitPartitionedTopic(t *testing.T) {
	tests := map[string]struct {
		topic         string
		partitionIdx  int32
		wantTopic     string
		wantPartition int32
	}{
		"partitioned":      {"persistent://public/default/orders-partition-7", 7, "persistent://public/default/orders", 7},
		"non-partitioned":  {"persistent://public/default/orders", -1, "persistent://public/default/orders", 0},
		"malformed suffix": {"orders-partition-x", 2, "orders-partition-x", 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			topic, partition := splitPartitionedTopic(tc.topic, tc.partitionIdx)
			assert.Equal(t, tc.wantTopic, topic)
			assert.Equal(t, tc.wantPartition, partition)
		})
	}
}
