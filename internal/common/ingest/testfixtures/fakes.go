package testfixtures

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

var BaseTime, _ = time.Parse("2006-01-02T15:04:05.000Z", "2024-03-01T15:04:05.000Z")

// NewMessage creates a message whose value is the supplied raw payload
func NewMessage(topic string, partition int32, offset int64, value string) *ingest.Message {
	return &ingest.Message{
		Topic:     topic,
		Key:       "",
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: BaseTime.Add(time.Duration(offset) * time.Second),
	}
}

// FakeSource is an in-memory Source that is also its own Subscription.  Queued messages are handed out in order,
// at most PollBatchSize per poll.  Once exhausted, polls wait for the timeout and return nothing.
type FakeSource struct {
	mu sync.Mutex

	PollBatchSize int
	SubscribeErr  error
	// Returned, in order, by the first polls
	PollErrs []error
	// If set, called with the 1-based index of each commit; a non-nil return fails that commit
	CommitErr func(call int) error

	// partitions no longer owned; commits skip them
	revoked     map[ingest.TopicPartition]bool
	queue       []*ingest.Message
	commits     []ingest.Positions
	commitCalls int
	closed      bool
	topics      []string
	group       string
}

func NewFakeSource(messages ...*ingest.Message) *FakeSource {
	return &FakeSource{
		PollBatchSize: 10,
		queue:         messages,
	}
}

func (s *FakeSource) Subscribe(_ *haulcontext.Context, topics []string, group string) (ingest.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	s.topics = topics
	s.group = group
	return s, nil
}

// Push queues more messages
func (s *FakeSource) Push(messages ...*ingest.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, messages...)
}

func (s *FakeSource) Poll(ctx *haulcontext.Context, timeout time.Duration) ([]*ingest.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("poll on closed subscription")
	}
	if len(s.PollErrs) > 0 {
		err := s.PollErrs[0]
		s.PollErrs = s.PollErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.queue) > 0 {
		n := s.PollBatchSize
		if n > len(s.queue) {
			n = len(s.queue)
		}
		batch := s.queue[:n]
		s.queue = s.queue[n:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return nil, nil
}

func (s *FakeSource) Commit(_ *haulcontext.Context, positions ingest.Positions) (ingest.Positions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCalls++
	if s.CommitErr != nil {
		if err := s.CommitErr(s.commitCalls); err != nil {
			return nil, err
		}
	}
	committed := ingest.Positions{}
	for tp, offset := range positions {
		if !s.revoked[tp] {
			committed[tp] = offset
		}
	}
	if len(committed) > 0 {
		s.commits = append(s.commits, committed.Copy())
	}
	return committed, nil
}

// Revoke marks tp as no longer owned
func (s *FakeSource) Revoke(tp ingest.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked == nil {
		s.revoked = map[ingest.TopicPartition]bool{}
	}
	s.revoked[tp] = true
}

func (s *FakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Commits returns every successful commit in order
func (s *FakeSource) Commits() []ingest.Positions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Positions{}, s.commits...)
}

// LastCommit returns the union of all successful commits
func (s *FakeSource) LastCommit() ingest.Positions {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := ingest.Positions{}
	for _, commit := range s.commits {
		for tp, offset := range commit {
			if current, ok := result[tp]; !ok || offset > current {
				result[tp] = offset
			}
		}
	}
	return result
}

func (s *FakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSource) Subscription() ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics, s.group
}

// Remaining returns the number of queued messages not yet polled
func (s *FakeSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FakeSink records written batches.  Failures can be injected per call.
type FakeSink struct {
	mu sync.Mutex

	// If set, called with the 1-based index of each write; a non-nil return fails that write
	WriteErr func(call int) error
	// If non-zero, each write waits this long before completing
	WriteDelay time.Duration
	PingErr    error

	calls        int
	batches      [][]*ingest.Event
	closed       bool
	writeStarted chan struct{}
}

func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

// NotifyWriteStarted returns a channel that receives a value each time a write begins
func (s *FakeSink) NotifyWriteStarted() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeStarted = make(chan struct{}, 100)
	return s.writeStarted
}

func (s *FakeSink) WriteBatch(ctx *haulcontext.Context, events []*ingest.Event) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	delay := s.WriteDelay
	started := s.writeStarted
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		if err := s.WriteErr(call); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *FakeSink) Ping(_ *haulcontext.Context) error {
	return s.PingErr
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSink) Batches() [][]*ingest.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*ingest.Event{}, s.batches...)
}

// Offsets returns the offsets of every stored event in write order
func (s *FakeSink) Offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var offsets []int64
	for _, batch := range s.batches {
		for _, e := range batch {
			offsets = append(offsets, e.Offset)
		}
	}
	return offsets
}

func (s *FakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *FakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakePublisher records published dead letters
type FakePublisher struct {
	mu sync.Mutex

	PublishErr error

	records  []*ingest.DeadLetterRecord
	channels []string
	closed   bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (p *FakePublisher) Publish(_ *haulcontext.Context, channel string, record *ingest.DeadLetterRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.records = append(p.records, record)
	p.channels = append(p.channels, channel)
	return nil
}

func (p *FakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *FakePublisher) Records() []*ingest.DeadLetterRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ingest.DeadLetterRecord{}, p.records...)
}

func (p *FakePublisher) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.channels...)
}

func (p *FakePublisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
