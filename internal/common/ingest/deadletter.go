package ingest

import (
	"encoding/json"
	"io"
	"time"

	"k8s.io/utils/clock"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
	"github.com/datahaul/datahaul/internal/common/logging"
)

const defaultDeadLetterTimeout = 10 * time.Second

// DeadLetterRecord is what gets published for each event that could not be stored
type DeadLetterRecord struct {
	OriginalTopic string    `json:"original_topic"`
	Error         string    `json:"error"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Key           string    `json:"key,omitempty"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
}

func (r *DeadLetterRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DeadLetterRouter publishes unprocessable events to a single channel. Publishing is best effort: a failed publish
// is logged and counted but never retried and never reported to the caller.
type DeadLetterRouter struct {
	pipeline  string
	publisher Publisher
	channel   string
	timeout   time.Duration
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
}

func NewDeadLetterRouter(pipeline string, publisher Publisher, channel string, timeout time.Duration, m *metrics.Metrics) *DeadLetterRouter {
	if timeout <= 0 {
		timeout = defaultDeadLetterTimeout
	}
	return &DeadLetterRouter{
		pipeline:  pipeline,
		publisher: publisher,
		channel:   channel,
		timeout:   timeout,
		clock:     clock.RealClock{},
		metrics:   m,
	}
}

// Send routes a decoded event
func (r *DeadLetterRouter) Send(ctx *haulcontext.Context, event *Event, reason error, kind metrics.DeadLetterReason) {
	r.publish(ctx, &DeadLetterRecord{
		OriginalTopic: event.Topic,
		Error:         reason.Error(),
		Payload:       event.Payload,
		Key:           event.Key,
		Partition:     event.Partition,
		Offset:        event.Offset,
	}, kind)
}

// SendMessage routes a message that could not be decoded.  The payload is the raw message value.
func (r *DeadLetterRouter) SendMessage(ctx *haulcontext.Context, msg *Message, reason error) {
	r.publish(ctx, &DeadLetterRecord{
		OriginalTopic: msg.Topic,
		Error:         reason.Error(),
		Payload:       string(msg.Value),
		Key:           msg.Key,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
	}, metrics.DeadLetterReasonDecode)
}

func (r *DeadLetterRouter) publish(ctx *haulcontext.Context, record *DeadLetterRecord, kind metrics.DeadLetterReason) {
	record.Timestamp = r.clock.Now().UTC()
	r.metrics.RecordDeadLettered(r.pipeline, kind)

	publishCtx, cancel := haulcontext.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.publisher.Publish(publishCtx, r.channel, record); err != nil {
		r.metrics.RecordDeadLetterPublishError(r.pipeline)
		logging.WithStacktrace(ctx.Log, err).
			WithField("topic", record.OriginalTopic).
			WithField("partition", record.Partition).
			WithField("offset", record.Offset).
			Errorf("Failed to publish dead letter to %s; event dropped", r.channel)
		return
	}
	ctx.Log.Debugf("Dead lettered %s[%d]@%d to %s: %s",
		record.OriginalTopic, record.Partition, record.Offset, r.channel, record.Error)
}

// Close releases the publisher if it holds resources
func (r *DeadLetterRouter) Close() error {
	if closer, ok := r.publisher.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
