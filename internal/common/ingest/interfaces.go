package ingest

import (
	"fmt"
	"time"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

// TopicPartition identifies a single ordered stream of messages
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Positions maps each partition to the highest offset that has been processed on it
type Positions map[TopicPartition]int64

func (p Positions) Copy() Positions {
	c := make(Positions, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Message is a raw, undecoded message as yielded by a Subscription
type Message struct {
	Topic     string
	Key       string
	Partition int32
	Offset    int64
	Value     []byte
	Timestamp time.Time
}

func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s@%d", m.TopicPartition(), m.Offset)
}

// Event is a decoded message.  Events are never modified once created.
type Event struct {
	Topic     string
	Key       string
	Partition int32
	Offset    int64
	Payload   map[string]any
	Timestamp time.Time
}

func (e *Event) TopicPartition() TopicPartition {
	return TopicPartition{Topic: e.Topic, Partition: e.Partition}
}

// Source creates subscriptions on a message bus
type Source interface {
	// Subscribe joins group as a consumer of topics.  Consumption resumes from the group's last committed positions.
	Subscribe(ctx *haulcontext.Context, topics []string, group string) (Subscription, error)
}

// Subscription is a single consumer group membership.  It is used from one goroutine only.
type Subscription interface {
	// Poll returns the next messages in partition order, waiting at most timeout.  Returning no messages and no
	// error is normal when the topics are idle.
	Poll(ctx *haulcontext.Context, timeout time.Duration) ([]*Message, error)
	// Commit records positions as processed for the consumer group and returns those that were committed.
	// Partitions the subscription no longer owns are left out of the result.  Committed messages are never
	// re-delivered.
	Commit(ctx *haulcontext.Context, positions Positions) (Positions, error)
	// Close leaves the consumer group
	Close() error
}

// Sink should be implemented by the struct responsible for putting events in their final resting place,
// e.g. a database.
type Sink interface {
	// WriteBatch persists events.  Either all events are persisted or an error is returned.  Writes must be
	// idempotent as a batch may be written more than once.
	WriteBatch(ctx *haulcontext.Context, events []*Event) error
}

// Pinger may optionally be implemented by sinks that can verify their connection before consumption starts
type Pinger interface {
	Ping(ctx *haulcontext.Context) error
}

// Publisher sends dead letter records to a channel on some transport
type Publisher interface {
	Publish(ctx *haulcontext.Context, channel string, record *DeadLetterRecord) error
}
