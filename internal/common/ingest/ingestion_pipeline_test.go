package ingest_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
	"github.com/datahaul/datahaul/internal/common/ingest/testfixtures"
)

const (
	topic        = "ecommerce_orders"
	waitFor      = 5 * time.Second
	pollInterval = 5 * time.Millisecond
)

var tp0 = ingest.TopicPartition{Topic: topic, Partition: 0}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegisterer("test_", prometheus.NewRegistry())
}

func testConfig(name string) ingest.Config {
	return ingest.Config{
		Name:               name,
		Topics:             []string{topic},
		ConsumerGroup:      "orders_ingestion",
		BatchSize:          2,
		BatchMaxAge:        time.Hour,
		PollTimeout:        10 * time.Millisecond,
		PollBackoff:        time.Millisecond,
		Retry:              ingest.RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond},
		OnRetriesExhausted: ingest.ExhaustedPolicyFail,
		DeadLetterChannel:  "ecommerce_dlq",
		DeadLetterTimeout:  time.Second,
	}
}

func orderMessage(offset int64) *ingest.Message {
	return testfixtures.NewMessage(topic, 0, offset, fmt.Sprintf(`{"order_id":"o-%d","amount":10.5}`, offset))
}

func orderMessages(offsets ...int64) []*ingest.Message {
	messages := make([]*ingest.Message, len(offsets))
	for i, offset := range offsets {
		messages[i] = orderMessage(offset)
	}
	return messages
}

type harness struct {
	source    *testfixtures.FakeSource
	sink      *testfixtures.FakeSink
	publisher *testfixtures.FakePublisher
	pipeline  *ingest.Pipeline
}

func newHarness(config ingest.Config, messages []*ingest.Message, opts ...ingest.Option) *harness {
	h := &harness{
		source:    testfixtures.NewFakeSource(messages...),
		sink:      testfixtures.NewFakeSink(),
		publisher: testfixtures.NewFakePublisher(),
	}
	h.pipeline = ingest.NewPipeline(config, h.source, h.sink, h.publisher, testMetrics(), opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	require.NoError(t, h.pipeline.Start(haulcontext.Background()))
}

// drainAfterPolled stops the pipeline once every queued message has been handed to it
func (h *harness) drainAfterPolled(t *testing.T) error {
	require.Eventually(t, func() bool { return h.source.Remaining() == 0 }, waitFor, pollInterval)
	return h.stop(t)
}

func (h *harness) stop(t *testing.T) error {
	h.pipeline.Stop()
	select {
	case <-h.pipeline.Done():
	case <-time.After(waitFor):
		t.Fatal("pipeline did not stop")
	}
	return h.pipeline.Err()
}

func (h *harness) assertReleased(t *testing.T) {
	assert.Equal(t, ingest.Stopped, h.pipeline.State())
	assert.True(t, h.source.Closed(), "subscription should be closed")
	assert.True(t, h.sink.Closed(), "sink should be closed")
	assert.True(t, h.publisher.Closed(), "dead letter publisher should be closed")
}

func TestPipeline_HappyPath(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0, 1, 2))
	h.start(t)
	assert.Equal(t, ingest.Running, h.pipeline.State())
	topics, group := h.source.Subscription()
	assert.Equal(t, []string{topic}, topics)
	assert.Equal(t, "orders_ingestion", group)

	// First two messages fill a batch
	require.Eventually(t, func() bool { return len(h.sink.Batches()) == 1 }, waitFor, pollInterval)
	require.Eventually(t, func() bool { return len(h.source.Commits()) == 1 }, waitFor, pollInterval)
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.Commits()[0])

	// The last one is only written on drain
	require.NoError(t, h.stop(t))
	assert.Equal(t, []int64{0, 1, 2}, h.sink.Offsets())
	assert.Len(t, h.sink.Batches(), 2)
	assert.Equal(t, []ingest.Positions{{tp0: 1}, {tp0: 2}}, h.source.Commits())
	assert.Equal(t, ingest.Positions{tp0: 2}, h.pipeline.Committed())
	assert.Empty(t, h.publisher.Records())
	h.assertReleased(t)
}

func TestPipeline_AgeTriggerFlushesIdlePipeline(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 100
	config.BatchMaxAge = 50 * time.Millisecond
	h := newHarness(config, orderMessages(0))
	h.start(t)

	require.Eventually(t, func() bool { return len(h.sink.Batches()) == 1 }, waitFor, pollInterval)
	require.Eventually(t, func() bool { return h.source.LastCommit()[tp0] == 0 && len(h.source.Commits()) == 1 }, waitFor, pollInterval)

	require.NoError(t, h.stop(t))
	assert.Equal(t, []int64{0}, h.sink.Offsets())
}

func TestPipeline_AgeTriggerUsesInjectedClock(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 100
	config.BatchMaxAge = time.Hour
	fakeClock := clocktesting.NewFakeClock(time.Now())
	h := newHarness(config, orderMessages(0), ingest.WithClock(fakeClock))
	h.start(t)

	require.Eventually(t, func() bool { return h.source.Remaining() == 0 }, waitFor, pollInterval)
	assert.Empty(t, h.sink.Batches())

	fakeClock.Step(2 * time.Hour)
	require.Eventually(t, func() bool { return len(h.sink.Batches()) == 1 }, waitFor, pollInterval)

	require.NoError(t, h.stop(t))
	assert.Equal(t, []int64{0}, h.sink.Offsets())
}

func TestPipeline_CustomDecoder(t *testing.T) {
	decoder := func(msg *ingest.Message) (*ingest.Event, error) {
		if msg.Offset == 1 {
			return nil, errors.New("unsupported schema version")
		}
		return ingest.DecodeJSON(msg)
	}
	h := newHarness(testConfig("orders"), orderMessages(0, 1, 2), ingest.WithDecoder(decoder))
	h.start(t)
	require.NoError(t, h.drainAfterPolled(t))

	assert.Equal(t, []int64{0, 2}, h.sink.Offsets())
	records := h.publisher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].Offset)
	assert.Contains(t, records[0].Error, "unsupported schema version")
	assert.Equal(t, ingest.Positions{tp0: 2}, h.source.LastCommit())
}

func TestPipeline_PreservesPartitionOrder(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 3
	messages := []*ingest.Message{
		testfixtures.NewMessage(topic, 0, 10, `{"n":1}`),
		testfixtures.NewMessage(topic, 1, 20, `{"n":2}`),
		testfixtures.NewMessage(topic, 0, 11, `{"n":3}`),
		testfixtures.NewMessage(topic, 1, 21, `{"n":4}`),
		testfixtures.NewMessage(topic, 0, 12, `{"n":5}`),
	}
	h := newHarness(config, messages)
	h.start(t)
	require.NoError(t, h.drainAfterPolled(t))

	assert.Equal(t, []int64{10, 20, 11, 21, 12}, h.sink.Offsets())
	assert.Equal(t, ingest.Positions{tp0: 12, {Topic: topic, Partition: 1}: 21}, h.source.LastCommit())
}

func TestPipeline_UndecodableMessageIsDeadLettered(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 10
	messages := []*ingest.Message{
		orderMessage(0),
		testfixtures.NewMessage(topic, 0, 1, "not json"),
		testfixtures.NewMessage(topic, 0, 2, "[1, 2]"),
		orderMessage(3),
	}
	h := newHarness(config, messages)
	h.start(t)
	require.NoError(t, h.drainAfterPolled(t))

	assert.Equal(t, []int64{0, 3}, h.sink.Offsets())
	records := h.publisher.Records()
	require.Len(t, records, 2)
	assert.Equal(t, topic, records[0].OriginalTopic)
	assert.Equal(t, "not json", records[0].Payload)
	assert.Equal(t, int64(1), records[0].Offset)
	assert.NotEmpty(t, records[0].Error)
	assert.False(t, records[0].Timestamp.IsZero())
	assert.Equal(t, int64(2), records[1].Offset)
	assert.Equal(t, []string{"ecommerce_dlq", "ecommerce_dlq"}, h.publisher.Channels())
	assert.Equal(t, ingest.Positions{tp0: 3}, h.source.LastCommit())
}

func TestPipeline_RejectedEventIsDeadLettered(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 10
	messages := []*ingest.Message{
		orderMessage(0),
		testfixtures.NewMessage(topic, 0, 1, `{"amount":1}`),
	}
	requireOrderId := func(event *ingest.Event) error {
		if _, ok := event.Payload["order_id"]; !ok {
			return errors.New("missing order_id")
		}
		return nil
	}
	h := newHarness(config, messages, ingest.WithEventHandler(requireOrderId))
	h.start(t)
	require.NoError(t, h.drainAfterPolled(t))

	assert.Equal(t, []int64{0}, h.sink.Offsets())
	records := h.publisher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "missing order_id", records[0].Error)
	assert.Contains(t, records[0].Payload, "amount")
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.LastCommit())
}

func TestPipeline_CommitsWhenEverythingWasDeadLettered(t *testing.T) {
	h := newHarness(testConfig("orders"), []*ingest.Message{testfixtures.NewMessage(topic, 0, 7, "garbage")})
	h.start(t)

	require.Eventually(t, func() bool { return h.source.LastCommit()[tp0] == 7 }, waitFor, pollInterval)
	assert.Equal(t, 0, h.sink.Calls())
	require.NoError(t, h.stop(t))
}

func TestPipeline_DeadLetterPublishFailureDoesNotStopPipeline(t *testing.T) {
	h := newHarness(testConfig("orders"), []*ingest.Message{
		testfixtures.NewMessage(topic, 0, 0, "garbage"),
		orderMessage(1),
		orderMessage(2),
	})
	h.publisher.PublishErr = errors.New("dlq down")
	h.start(t)

	require.Eventually(t, func() bool { return h.source.LastCommit()[tp0] == 2 }, waitFor, pollInterval)
	assert.Equal(t, ingest.Running, h.pipeline.State())
	require.NoError(t, h.stop(t))
	assert.Equal(t, []int64{1, 2}, h.sink.Offsets())
}

func TestPipeline_TransientFlushFailureIsRetried(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0, 1))
	h.sink.WriteErr = func(call int) error {
		if call <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	h.start(t)

	require.Eventually(t, func() bool { return len(h.source.Commits()) == 1 }, waitFor, pollInterval)
	assert.Equal(t, 3, h.sink.Calls())
	assert.Len(t, h.sink.Batches(), 1)
	assert.Equal(t, []int64{0, 1}, h.sink.Offsets())
	require.NoError(t, h.stop(t))
}

func TestPipeline_ExhaustedRetriesFail(t *testing.T) {
	config := testConfig("orders")
	config.Retry.MaxRetries = 2
	h := newHarness(config, orderMessages(0, 1, 2))
	h.sink.WriteErr = func(int) error { return errors.New("store down") }
	h.start(t)

	select {
	case <-h.pipeline.Done():
	case <-time.After(waitFor):
		t.Fatal("pipeline did not fail")
	}
	err := h.pipeline.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
	assert.Equal(t, 3, h.sink.Calls())
	assert.Empty(t, h.source.Commits(), "nothing may be committed")
	assert.Empty(t, h.publisher.Records())
	h.assertReleased(t)
}

func TestPipeline_ExhaustedRetriesDeadLetter(t *testing.T) {
	config := testConfig("orders")
	config.Retry.MaxRetries = 1
	config.OnRetriesExhausted = ingest.ExhaustedPolicyDeadLetter
	h := newHarness(config, orderMessages(0, 1))
	h.sink.WriteErr = func(int) error { return errors.New("store down") }
	h.start(t)

	require.Eventually(t, func() bool { return len(h.source.Commits()) == 1 }, waitFor, pollInterval)
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.Commits()[0])
	records := h.publisher.Records()
	require.Len(t, records, 2)
	for i, record := range records {
		assert.Equal(t, int64(i), record.Offset)
		assert.Equal(t, "store down", record.Error)
	}
	assert.Equal(t, ingest.Running, h.pipeline.State())
	require.NoError(t, h.stop(t))
}

func TestPipeline_CommitFailureLeavesPositionsPending(t *testing.T) {
	config := testConfig("orders")
	config.Retry.MaxRetries = 0
	h := newHarness(config, orderMessages(0, 1))
	h.source.CommitErr = func(call int) error {
		if call == 1 {
			return errors.New("coordinator unavailable")
		}
		return nil
	}
	h.start(t)

	require.Eventually(t, func() bool { return len(h.sink.Batches()) == 1 }, waitFor, pollInterval)
	// The next idle poll or the drain retries the commit
	require.NoError(t, h.stop(t))
	assert.Equal(t, []ingest.Positions{{tp0: 1}}, h.source.Commits())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.pipeline.Committed())
}

func TestPipeline_StopInterruptsRetryWaitAndDrains(t *testing.T) {
	config := testConfig("orders")
	config.Retry = ingest.RetryConfig{MaxRetries: 5, BaseBackoff: time.Hour}
	h := newHarness(config, orderMessages(0, 1))
	started := h.sink.NotifyWriteStarted()
	h.sink.WriteErr = func(call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}
	h.start(t)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("write never started")
	}
	require.NoError(t, h.stop(t))

	assert.Equal(t, 2, h.sink.Calls())
	assert.Equal(t, []int64{0, 1}, h.sink.Offsets())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.LastCommit())
	h.assertReleased(t)
}

func TestPipeline_StopDuringRetryWaitLeavesRestOfPollUnconsumed(t *testing.T) {
	config := testConfig("orders")
	config.Retry = ingest.RetryConfig{MaxRetries: 5, BaseBackoff: time.Hour}
	h := newHarness(config, orderMessages(0, 1, 2, 3, 4, 5))
	h.source.PollBatchSize = 6
	started := h.sink.NotifyWriteStarted()
	h.sink.WriteErr = func(call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}
	h.start(t)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("write never started")
	}
	require.NoError(t, h.stop(t))

	for _, batch := range h.sink.Batches() {
		assert.LessOrEqual(t, len(batch), config.BatchSize)
	}
	assert.Equal(t, []int64{0, 1}, h.sink.Offsets())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.LastCommit())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.pipeline.Committed())
	h.assertReleased(t)
}

func TestPipeline_RevokedPartitionIsNotReportedCommitted(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 3
	tp1 := ingest.TopicPartition{Topic: topic, Partition: 1}
	h := newHarness(config, []*ingest.Message{
		testfixtures.NewMessage(topic, 0, 0, `{"n":1}`),
		testfixtures.NewMessage(topic, 1, 5, `{"n":2}`),
		testfixtures.NewMessage(topic, 0, 1, `{"n":3}`),
	})
	h.source.Revoke(tp1)
	h.start(t)

	require.Eventually(t, func() bool { return len(h.source.Commits()) == 1 }, waitFor, pollInterval)
	require.NoError(t, h.stop(t))

	assert.Equal(t, []int64{0, 5, 1}, h.sink.Offsets())
	assert.Equal(t, []ingest.Positions{{tp0: 1}}, h.source.Commits())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.pipeline.Committed())
	assert.Equal(t, int64(0), h.pipeline.Uncommitted())
}

func TestPipeline_StopWaitsForInFlightWrite(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0, 1))
	started := h.sink.NotifyWriteStarted()
	h.sink.WriteDelay = 200 * time.Millisecond
	h.start(t)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("write never started")
	}
	require.NoError(t, h.stop(t))

	assert.Equal(t, 1, h.sink.Calls())
	assert.Equal(t, []int64{0, 1}, h.sink.Offsets())
	assert.Equal(t, ingest.Positions{tp0: 1}, h.source.LastCommit())
}

func TestPipeline_DrainFailureDoesNotCommit(t *testing.T) {
	config := testConfig("orders")
	config.BatchSize = 10
	config.Retry.MaxRetries = 1
	h := newHarness(config, orderMessages(0))
	h.sink.WriteErr = func(int) error { return errors.New("store down") }
	h.start(t)

	err := h.drainAfterPolled(t)
	require.Error(t, err)
	assert.Empty(t, h.source.Commits())
	h.assertReleased(t)
}

func TestPipeline_TransientPollErrors(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0, 1))
	h.source.PollErrs = []error{errors.New("broker unreachable"), errors.New("broker unreachable")}
	h.start(t)

	require.Eventually(t, func() bool { return h.source.LastCommit()[tp0] == 1 }, waitFor, pollInterval)
	require.NoError(t, h.stop(t))
}

func TestPipeline_SubscribeFailure(t *testing.T) {
	h := newHarness(testConfig("orders"), nil)
	h.source.SubscribeErr = errors.New("unknown topic")

	err := h.pipeline.Start(haulcontext.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topic")
	assert.Equal(t, ingest.Stopped, h.pipeline.State())
	assert.Equal(t, err, h.pipeline.Wait())
	assert.True(t, h.publisher.Closed())
}

func TestPipeline_SinkUnavailableAtStart(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0))
	h.sink.PingErr = errors.New("connection refused")

	err := h.pipeline.Run(haulcontext.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, ingest.Stopped, h.pipeline.State())
	_, group := h.source.Subscription()
	assert.Empty(t, group, "must not subscribe when the sink is down")
}

func TestPipeline_StartTwice(t *testing.T) {
	h := newHarness(testConfig("orders"), nil)
	h.start(t)
	assert.Error(t, h.pipeline.Start(haulcontext.Background()))
	require.NoError(t, h.stop(t))
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0))
	h.pipeline.Stop()
	h.pipeline.Stop()

	require.NoError(t, h.pipeline.Start(haulcontext.Background()))
	require.NoError(t, h.pipeline.Wait())
	assert.Equal(t, ingest.Stopped, h.pipeline.State())
	assert.Equal(t, 0, h.sink.Calls())
}

func TestPipeline_CancellingRunContextDrains(t *testing.T) {
	h := newHarness(testConfig("orders"), orderMessages(0))
	ctx, cancel := haulcontext.WithCancel(haulcontext.Background())
	result := make(chan error, 1)
	go func() { result <- h.pipeline.Run(ctx) }()

	require.Eventually(t, func() bool { return h.source.Remaining() == 0 }, waitFor, pollInterval)
	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, []int64{0}, h.sink.Offsets())
	assert.Equal(t, ingest.Positions{tp0: 0}, h.source.LastCommit())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "STOPPED", ingest.Stopped.String())
	assert.Equal(t, "STARTING", ingest.Starting.String())
	assert.Equal(t, "RUNNING", ingest.Running.String())
	assert.Equal(t, "DRAINING", ingest.Draining.String())
}

func TestDecodeJSON(t *testing.T) {
	event, err := ingest.DecodeJSON(testfixtures.NewMessage(topic, 3, 42, `{"order_id":"o-1","amount":12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, topic, event.Topic)
	assert.Equal(t, int32(3), event.Partition)
	assert.Equal(t, int64(42), event.Offset)
	assert.Equal(t, "o-1", event.Payload["order_id"])
	assert.Equal(t, "12345678901234567890", fmt.Sprint(event.Payload["amount"]))

	_, err = ingest.DecodeJSON(testfixtures.NewMessage(topic, 0, 0, "null"))
	assert.Error(t, err)
	_, err = ingest.DecodeJSON(testfixtures.NewMessage(topic, 0, 0, "{"))
	assert.Error(t, err)
}
