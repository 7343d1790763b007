package pulsarutils

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type MockMessageId struct {
	pulsar.MessageID
	id        int
	partition int32
}

func NewMessageId(id int, partition int32) pulsar.MessageID {
	return MockMessageId{id: id, partition: partition}
}

func (id MockMessageId) PartitionIdx() int32 {
	return id.partition
}

type MockPulsarMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	topic       string
	key         string
	payload     []byte
	publishTime time.Time
}

func NewPulsarMessage(id int, topic string, partition int32, publishTime time.Time, payload []byte) MockPulsarMessage {
	return MockPulsarMessage{
		messageId:   NewMessageId(id, partition),
		topic:       topic,
		publishTime: publishTime,
		payload:     payload,
	}
}

func (m MockPulsarMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m MockPulsarMessage) Topic() string {
	return m.topic
}

func (m MockPulsarMessage) Key() string {
	return m.key
}

func (m MockPulsarMessage) Payload() []byte {
	return m.payload
}

func (m MockPulsarMessage) PublishTime() time.Time {
	return m.publishTime
}

// MockConsumer delivers queued messages and records acks
type MockConsumer struct {
	pulsar.Consumer
	messages chan pulsar.ConsumerMessage
	AckErr   error
	mu       sync.Mutex
	acked    []pulsar.MessageID
	closed   bool
}

func NewMockConsumer(msgs ...pulsar.Message) *MockConsumer {
	c := &MockConsumer{messages: make(chan pulsar.ConsumerMessage, len(msgs)+100)}
	c.Push(msgs...)
	return c
}

func (c *MockConsumer) Push(msgs ...pulsar.Message) {
	for _, msg := range msgs {
		c.messages <- pulsar.ConsumerMessage{Consumer: c, Message: msg}
	}
}

func (c *MockConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	select {
	case cm := <-c.messages:
		return cm.Message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MockConsumer) Chan() <-chan pulsar.ConsumerMessage {
	return c.messages
}

func (c *MockConsumer) AckID(id pulsar.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AckErr != nil {
		return c.AckErr
	}
	c.acked = append(c.acked, id)
	return nil
}

func (c *MockConsumer) Acked() []pulsar.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pulsar.MessageID(nil), c.acked...)
}

func (c *MockConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MockProducer records sent messages
type MockProducer struct {
	pulsar.Producer
	SendErr error
	mu      sync.Mutex
	sent    []*pulsar.ProducerMessage
	closed  bool
}

func (p *MockProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return nil, p.SendErr
	}
	p.sent = append(p.sent, msg)
	return NewMessageId(len(p.sent), 0), nil
}

func (p *MockProducer) Sent() []*pulsar.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pulsar.ProducerMessage(nil), p.sent...)
}

func (p *MockProducer) Flush() error {
	return nil
}

func (p *MockProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
