package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
	"github.com/datahaul/datahaul/internal/common/logging"
	"github.com/datahaul/datahaul/internal/common/util"
)

// State is the lifecycle state of a Pipeline
type State int

const (
	Stopped State = iota
	Starting
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// Polls never wait for less than this, even when the batch is about to age out
const minPollTimeout = 10 * time.Millisecond

// Decoder turns a raw message into an event
type Decoder func(msg *Message) (*Event, error)

// EventHandler inspects each decoded event before it is buffered.  Returning an error dead letters the event.
type EventHandler func(event *Event) error

// DecodeJSON decodes a message whose value is a JSON object.  Numbers are kept as json.Number so that ids and
// amounts survive without loss of precision.
func DecodeJSON(msg *Message) (*Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(msg.Value))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, errors.WithMessagef(err, "could not decode %s as json", msg)
	}
	if payload == nil {
		return nil, errors.Errorf("%s is not a json object", msg)
	}
	return &Event{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Payload:   payload,
		Timestamp: msg.Timestamp,
	}, nil
}

type Option func(*Pipeline)

func WithDecoder(decoder Decoder) Option {
	return func(p *Pipeline) { p.decoder = decoder }
}

func WithEventHandler(handler EventHandler) Option {
	return func(p *Pipeline) { p.handler = handler }
}

func WithClock(clock clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// Pipeline consumes one set of topics into one sink.  The pipeline handles the following automatically:
//   - Polling the subscription and decoding messages
//   - Dead lettering messages that cannot be decoded or fail the event handler
//   - Combining events into batches that are flushed on size or age
//   - Retrying failed flushes and, once retries are exhausted, applying the configured ExhaustedPolicy
//   - Committing positions only once every consumed message is either stored or dead lettered
//   - Draining the final batch when stopped
//
// A pipeline moves STOPPED -> STARTING -> RUNNING -> DRAINING -> STOPPED once and cannot be restarted.
type Pipeline struct {
	config      Config
	source      Source
	sink        Sink
	decoder     Decoder
	handler     EventHandler
	retry       *RetryPolicy
	deadLetters *DeadLetterRouter
	metrics     *metrics.Metrics
	clock       clock.Clock

	buffer       *Buffer
	commits      *CommitTracker
	subscription Subscription
	// cancelled by Stop; polling and retry waits observe it
	runCtx *haulcontext.Context
	// never cancelled; in-flight writes, commits and the drain use it
	workCtx *haulcontext.Context

	mu       sync.Mutex
	state    State
	started  bool
	stopped  bool
	cancel   func()
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func NewPipeline(config Config, source Source, sink Sink, publisher Publisher, m *metrics.Metrics, opts ...Option) *Pipeline {
	if config.OnRetriesExhausted == "" {
		config.OnRetriesExhausted = ExhaustedPolicyFail
	}
	p := &Pipeline{
		config:      config,
		source:      source,
		sink:        sink,
		decoder:     DecodeJSON,
		retry:       NewRetryPolicy(config.Retry),
		deadLetters: NewDeadLetterRouter(config.Name, publisher, config.DeadLetterChannel, config.DeadLetterTimeout, m),
		metrics:     m,
		clock:       clock.RealClock{},
		commits:     NewCommitTracker(),
		state:       Stopped,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.deadLetters.clock = p.clock
	p.buffer = NewBuffer(config.BatchSize, config.BatchMaxAge, p.clock)
	return p
}

func (p *Pipeline) Name() string {
	return p.config.Name
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that stopped the pipeline, if any
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the pipeline has reached STOPPED and released its resources
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Committed returns the positions committed so far
func (p *Pipeline) Committed() Positions {
	return p.commits.Committed()
}

// Uncommitted returns the number of messages consumed but not yet committed
func (p *Pipeline) Uncommitted() int64 {
	return p.commits.Uncommitted()
}

// Run starts the pipeline and blocks until it has stopped. Cancelling ctx requests a graceful drain.
func (p *Pipeline) Run(ctx *haulcontext.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Wait blocks until the pipeline has stopped and returns the error that stopped it, if any
func (p *Pipeline) Wait() error {
	<-p.done
	return p.Err()
}

// Start verifies the sink (if it implements Pinger) and subscribes to the configured topics. Any failure here is
// returned and leaves the pipeline STOPPED.  On success consumption continues on a new goroutine until Stop is
// called or ctx is cancelled.
func (p *Pipeline) Start(ctx *haulcontext.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.Errorf("pipeline %s has already been started", p.config.Name)
	}
	p.started = true
	if p.stopped {
		// Stopped before it was ever started: nothing to do
		p.mu.Unlock()
		return nil
	}
	ctx = haulcontext.WithLogField(ctx, "pipeline", p.config.Name)
	p.workCtx = haulcontext.WithoutCancel(ctx)
	runCtx, cancel := haulcontext.WithCancel(ctx)
	p.runCtx = runCtx
	p.cancel = cancel
	p.mu.Unlock()
	p.setState(Starting)

	if pinger, ok := p.sink.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			err = errors.WithMessagef(err, "pipeline %s: sink is unavailable", p.config.Name)
			p.finish(err)
			return err
		}
	}
	subscription, err := p.source.Subscribe(ctx, p.config.Topics, p.config.ConsumerGroup)
	if err != nil {
		err = errors.WithMessagef(err, "pipeline %s: could not subscribe to %v", p.config.Name, p.config.Topics)
		p.finish(err)
		return err
	}
	p.subscription = subscription

	p.setState(Running)
	ctx.Log.Infof("Pipeline started consuming %v as %s", p.config.Topics, p.config.ConsumerGroup)
	go p.run()
	return nil
}

// Stop asks the pipeline to drain and stop.  It does not block; use Wait or Done to know when it has stopped.
// Calling Stop more than once has no further effect.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started && !p.stopped {
		p.stopped = true
		p.state = Stopped
		p.doneOnce.Do(func() { close(p.done) })
		return
	}
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) run() {
	if err := p.consume(); err != nil {
		logging.WithStacktrace(p.workCtx.Log, err).Error("Pipeline failed; stopping without commit")
		p.finish(err)
		return
	}
	p.setState(Draining)
	p.workCtx.Log.Infof("Draining %d buffered events", p.buffer.Len())
	p.finish(p.drain())
}

// consume polls until the pipeline is stopped.  The returned error is fatal.
func (p *Pipeline) consume() error {
	for {
		if p.runCtx.Err() != nil {
			return nil
		}
		messages, err := p.subscription.Poll(p.runCtx, p.pollTimeout())
		if err != nil {
			if p.runCtx.Err() != nil {
				return nil
			}
			p.metrics.RecordPollError(p.config.Name)
			logging.WithStacktrace(p.runCtx.Log, err).Warnf("Poll failed; backing off for %s", p.config.PollBackoff)
			p.sleep(p.config.PollBackoff)
			continue
		}
		for i, msg := range messages {
			if p.runCtx.Err() != nil {
				// Left unconsumed so that the buffer stays within its size limit; redelivered after restart
				p.workCtx.Log.Infof("Stopping with %d polled messages unprocessed", len(messages)-i)
				return nil
			}
			if err := p.process(msg); err != nil {
				return err
			}
		}
		if p.buffer.ShouldFlush() {
			if err := p.flush(p.runCtx); err != nil {
				return err
			}
		} else if p.buffer.Len() == 0 {
			// Everything consumed was dead lettered
			p.commitPending(p.runCtx)
		}
	}
}

func (p *Pipeline) process(msg *Message) error {
	p.commits.Consumed(msg.TopicPartition(), msg.Offset)
	p.metrics.RecordConsumed(p.config.Name)

	event, err := p.decoder(msg)
	if err != nil {
		p.runCtx.Log.WithError(err).Warnf("Could not decode message %s", msg)
		p.deadLetters.SendMessage(p.workCtx, msg, err)
		return nil
	}
	if p.handler != nil {
		if err := p.handler(event); err != nil {
			p.runCtx.Log.WithError(err).Warnf("Rejected message %s", msg)
			p.deadLetters.Send(p.workCtx, event, err, metrics.DeadLetterReasonInvalid)
			return nil
		}
	}
	if p.buffer.Add(event) {
		return p.flush(p.runCtx)
	}
	return nil
}

// flush writes the buffer through the retry policy and commits on success.  Retry waits observe waitCtx, while
// each write runs on a context that is never cancelled.  The returned error is fatal.
func (p *Pipeline) flush(waitCtx *haulcontext.Context) error {
	size := p.buffer.Len()
	if size == 0 {
		return nil
	}
	start := p.clock.Now()
	err := p.retry.Execute(waitCtx, func() error {
		return p.buffer.Flush(p.workCtx, p.sink)
	})
	if err == nil {
		taken := p.clock.Since(start)
		p.metrics.RecordFlush(p.config.Name, size, taken)
		p.workCtx.Log.Infof("Flushed %d events in %dms", size, taken.Milliseconds())
		p.commitPending(waitCtx)
		return nil
	}
	if waitCtx.Err() != nil {
		p.workCtx.Log.WithError(err).Infof("Flush of %d events interrupted by shutdown; will retry on drain", size)
		return nil
	}

	p.metrics.RecordFlushFailure(p.config.Name)
	if p.config.OnRetriesExhausted == ExhaustedPolicyDeadLetter {
		logging.WithStacktrace(p.workCtx.Log, err).Errorf("Flush failed after retries; dead lettering %d events", size)
		for _, event := range p.buffer.Snapshot() {
			p.deadLetters.Send(p.workCtx, event, err, metrics.DeadLetterReasonRetriesExhausted)
		}
		p.buffer.Discard()
		p.commitPending(waitCtx)
		return nil
	}
	return errors.WithMessagef(err, "pipeline %s: flush of %d events failed after retries", p.config.Name, size)
}

// commitPending commits everything consumed so far.  It must only be called while the buffer is empty.  A failed
// commit leaves the positions pending so they are picked up by the next one.
func (p *Pipeline) commitPending(waitCtx *haulcontext.Context) {
	pending := p.commits.Pending()
	if len(pending) == 0 || waitCtx.Err() != nil {
		// When stopping, the drain commits instead
		return
	}
	var committed Positions
	err := p.retry.Execute(waitCtx, func() error {
		var err error
		committed, err = p.subscription.Commit(p.workCtx, pending)
		return err
	})
	if err != nil {
		p.metrics.RecordCommitError(p.config.Name)
		logging.WithStacktrace(p.workCtx.Log, err).Warn("Commit failed; positions remain pending")
		return
	}
	p.commits.MarkCommitted(committed)
	for tp, offset := range pending {
		if _, ok := committed[tp]; !ok {
			p.workCtx.Log.Infof("Partition %s was revoked before %d could be committed", tp, offset)
			p.commits.Release(tp)
		}
	}
	p.metrics.SetUncommitted(p.config.Name, p.commits.Uncommitted())
}

// drain makes one final attempt to flush and commit on a context that is not cancelled by Stop
func (p *Pipeline) drain() error {
	if p.buffer.Len() > 0 {
		if err := p.flush(p.workCtx); err != nil {
			return err
		}
	}
	if p.buffer.Len() == 0 {
		p.commitPending(p.workCtx)
	}
	return nil
}

// finish releases resources in order (subscription, sink, dead letter publisher) and marks the pipeline STOPPED
func (p *Pipeline) finish(err error) {
	if p.subscription != nil {
		util.CloseResource("subscription", p.subscription)
	}
	if closer, ok := p.sink.(io.Closer); ok {
		util.CloseResource("sink", closer)
	}
	util.CloseResource("dead letter router", p.deadLetters)
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	p.err = err
	p.state = Stopped
	p.mu.Unlock()
	p.metrics.SetPipelineState(p.config.Name, int(Stopped))
	p.metrics.SetUncommitted(p.config.Name, p.commits.Uncommitted())
	if err == nil {
		p.workCtx.Log.Info("Pipeline stopped")
	}
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	p.metrics.SetPipelineState(p.config.Name, int(state))
}

func (p *Pipeline) pollTimeout() time.Duration {
	timeout := p.config.PollTimeout
	if p.buffer.Len() > 0 {
		if untilFlush := p.buffer.TimeUntilFlush(); untilFlush < timeout {
			timeout = untilFlush
		}
	}
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}
	return timeout
}

// sleep waits for d or until the pipeline is stopped
func (p *Pipeline) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-p.runCtx.Done():
	case <-p.clock.After(d):
	}
}
