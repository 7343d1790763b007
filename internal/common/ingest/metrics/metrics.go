package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation      string
	DeadLetterReason string
)

const (
	DBOperationInsert DBOperation = "insert"
	DBOperationUpsert DBOperation = "upsert"
	DBOperationPing   DBOperation = "ping"

	DeadLetterReasonDecode           DeadLetterReason = "decode"
	DeadLetterReasonInvalid          DeadLetterReason = "invalid"
	DeadLetterReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
)

const WarehouseIngesterMetricsPrefix = "datahaul_warehouse_ingester_"

type Metrics struct {
	consumedCounter         *prometheus.CounterVec
	flushedCounter          *prometheus.CounterVec
	flushFailureCounter     *prometheus.CounterVec
	flushDuration           *prometheus.HistogramVec
	deadLetteredCounter     *prometheus.CounterVec
	deadLetterPublishErrors *prometheus.CounterVec
	commitErrorsCounter     *prometheus.CounterVec
	pollErrorsCounter       *prometheus.CounterVec
	dbErrorsCounter         *prometheus.CounterVec
	pipelineState           *prometheus.GaugeVec
	uncommittedMessages     *prometheus.GaugeVec
}

// NewMetrics registers the ingestion metrics with the default prometheus registry
func NewMetrics(prefix string) *Metrics {
	return NewMetricsWithRegisterer(prefix, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegisterer(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		consumedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "messages_consumed",
			Help: "Number of messages received from the bus",
		}, []string{"pipeline"}),
		flushedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "events_flushed",
			Help: "Number of events durably written to the sink",
		}, []string{"pipeline"}),
		flushFailureCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "flush_failures",
			Help: "Number of flushes that failed after all retries",
		}, []string{"pipeline"}),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "flush_duration_seconds",
			Help:    "Time taken to flush a batch, including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"pipeline"}),
		deadLetteredCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "events_dead_lettered",
			Help: "Number of events routed to the dead letter channel grouped by reason",
		}, []string{"pipeline", "reason"}),
		deadLetterPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "dead_letter_publish_errors",
			Help: "Number of dead letter records that could not be published",
		}, []string{"pipeline"}),
		commitErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "commit_errors",
			Help: "Number of failed position commits",
		}, []string{"pipeline"}),
		pollErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "poll_errors",
			Help: "Number of failed polls of the message bus",
		}, []string{"pipeline"}),
		dbErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by table and database operation",
		}, []string{"table", "operation"}),
		pipelineState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "pipeline_state",
			Help: "Current state of each pipeline: 0 stopped, 1 starting, 2 running, 3 draining",
		}, []string{"pipeline"}),
		uncommittedMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "uncommitted_messages",
			Help: "Messages consumed but not yet committed",
		}, []string{"pipeline"}),
	}
}

func (m *Metrics) RecordConsumed(pipeline string) {
	m.consumedCounter.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordFlush(pipeline string, events int, duration time.Duration) {
	m.flushedCounter.WithLabelValues(pipeline).Add(float64(events))
	m.flushDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

func (m *Metrics) RecordFlushFailure(pipeline string) {
	m.flushFailureCounter.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordDeadLettered(pipeline string, reason DeadLetterReason) {
	m.deadLetteredCounter.WithLabelValues(pipeline, string(reason)).Inc()
}

func (m *Metrics) RecordDeadLetterPublishError(pipeline string) {
	m.deadLetterPublishErrors.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordCommitError(pipeline string) {
	m.commitErrorsCounter.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordPollError(pipeline string) {
	m.pollErrorsCounter.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RecordDBError(table string, operation DBOperation) {
	m.dbErrorsCounter.WithLabelValues(table, string(operation)).Inc()
}

func (m *Metrics) SetPipelineState(pipeline string, state int) {
	m.pipelineState.WithLabelValues(pipeline).Set(float64(state))
}

func (m *Metrics) SetUncommitted(pipeline string, count int64) {
	m.uncommittedMessages.WithLabelValues(pipeline).Set(float64(count))
}
