package warehouseingester

import (
	"context"
	"io"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/datahaul/datahaul/internal/common/app"
	"github.com/datahaul/datahaul/internal/common/database"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
	"github.com/datahaul/datahaul/internal/common/kafkautils"
	"github.com/datahaul/datahaul/internal/common/pulsarutils"
	"github.com/datahaul/datahaul/internal/common/redisutils"
	"github.com/datahaul/datahaul/internal/common/serve"
	"github.com/datahaul/datahaul/internal/common/util"
	"github.com/datahaul/datahaul/internal/warehouseingester/archive"
	"github.com/datahaul/datahaul/internal/warehouseingester/store"
)

// Run creates one pipeline per configured table or archive and runs them all until a SIGINT or SIGTERM is
// received, at which point every pipeline is drained.
func Run(config Configuration) error {
	ctx := app.CreateContextWithShutdown()
	svcMetrics := metrics.NewMetrics(metrics.WarehouseIngesterMetricsPrefix)

	c := newComponents(config, svcMetrics)
	defer c.close()

	pipelines, err := c.pipelines(ctx)
	if err != nil {
		return err
	}

	shutdownMetricServer := serve.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	log.Infof("Starting %d pipelines consuming from %s", len(pipelines), config.Source)
	return ingest.NewSupervisor(config.ShutdownTimeout, pipelines...).
		WithStatusInterval(config.StatusInterval).
		RunAll(ctx)
}

// sharedPublisher hides the Close method of a publisher used by more than one pipeline, so that a pipeline
// stopping does not close it for the others
type sharedPublisher struct {
	ingest.Publisher
}

// components lazily creates the clients that pipelines share and closes them once all pipelines have stopped
type components struct {
	config  Configuration
	metrics *metrics.Metrics

	db           *pgxpool.Pool
	pulsarClient pulsar.Client
	redisClient  redis.UniversalClient
	s3Client     *s3.Client
	kafkaSource  *kafkautils.Source
	closers      []func()
	// Creates the dead letter publisher of each pipeline
	newPublisher func() (ingest.Publisher, error)
}

func newComponents(config Configuration, m *metrics.Metrics) *components {
	c := &components{config: config, metrics: m}
	c.newPublisher = c.publisher
	return c
}

func (c *components) pipelines(ctx *haulcontext.Context) ([]*ingest.Pipeline, error) {
	source, err := c.source()
	if err != nil {
		return nil, err
	}
	pipelines := make([]*ingest.Pipeline, 0, len(c.config.Pipelines))
	publishers := make([]ingest.Publisher, 0, len(c.config.Pipelines))
	for _, pc := range c.config.Pipelines {
		sink, opts, err := c.sink(ctx, pc)
		if err != nil {
			closePublishers(publishers)
			return nil, errors.WithMessagef(err, "error creating sink for pipeline %s", pc.Name)
		}
		publisher, err := c.newPublisher()
		if err != nil {
			closePublishers(publishers)
			return nil, errors.WithMessagef(err, "error creating dead letter publisher for pipeline %s", pc.Name)
		}
		publishers = append(publishers, publisher)
		pipelines = append(pipelines, ingest.NewPipeline(pc.Config, source, sink, publisher, c.metrics, opts...))
	}
	return pipelines, nil
}

// closePublishers closes the publishers owned by pipelines that will never run.  Shared publishers are not
// closers and are left to c.close.
func closePublishers(publishers []ingest.Publisher) {
	for _, publisher := range publishers {
		if closer, ok := publisher.(io.Closer); ok {
			util.CloseResource("dead letter publisher", closer)
		}
	}
}

func (c *components) source() (ingest.Source, error) {
	switch c.config.Source {
	case SourceKafka:
		if c.kafkaSource == nil {
			c.kafkaSource = kafkautils.NewSource(*c.config.Kafka)
		}
		return c.kafkaSource, nil
	case SourcePulsar:
		client, err := c.pulsar()
		if err != nil {
			return nil, err
		}
		return pulsarutils.NewSource(client, c.config.Pulsar.ReceiverQueueSize), nil
	default:
		return nil, errors.Errorf("unknown source %s", c.config.Source)
	}
}

// publisher returns a dead letter publisher for a single pipeline
func (c *components) publisher() (ingest.Publisher, error) {
	switch c.config.DeadLetter.Transport {
	case TransportKafka:
		return kafkautils.NewPublisher(*c.config.Kafka)
	case TransportPulsar:
		client, err := c.pulsar()
		if err != nil {
			return nil, err
		}
		return pulsarutils.NewPublisher(client, c.config.Pulsar.CompressionType, c.config.Pulsar.SendTimeout), nil
	case TransportRedis:
		if c.redisClient == nil {
			c.redisClient = redis.NewUniversalClient(c.config.Redis.AsUniversalOptions())
			client := c.redisClient
			c.closers = append(c.closers, func() { _ = client.Close() })
		}
		return sharedPublisher{redisutils.NewStreamPublisher(c.redisClient, c.config.DeadLetter.StreamMaxLen)}, nil
	default:
		return nil, errors.Errorf("unknown dead letter transport %s", c.config.DeadLetter.Transport)
	}
}

func (c *components) sink(ctx *haulcontext.Context, pc PipelineConfig) (ingest.Sink, []ingest.Option, error) {
	switch pc.Sink {
	case SinkPostgres:
		table, err := store.TableByName(pc.Table)
		if err != nil {
			return nil, nil, err
		}
		if c.db == nil {
			ctx.Log.Infof("Opening connection pool to postgres")
			db, err := database.OpenPgxPool(*c.config.Postgres)
			if err != nil {
				return nil, nil, errors.WithMessage(err, "error opening connection to postgres")
			}
			c.db = db
			c.closers = append(c.closers, db.Close)
		}
		return store.NewTableSink(c.db, table, c.metrics), []ingest.Option{ingest.WithEventHandler(table.CheckEvent)}, nil
	case SinkS3:
		if c.s3Client == nil {
			client, err := archive.NewS3Client(context.Background(), *c.config.S3)
			if err != nil {
				return nil, nil, err
			}
			c.s3Client = client
		}
		return archive.NewSink(c.s3Client, c.config.S3.Bucket, c.config.S3.Prefix), nil, nil
	default:
		return nil, nil, errors.Errorf("unknown sink %s", pc.Sink)
	}
}

func (c *components) pulsar() (pulsar.Client, error) {
	if c.pulsarClient == nil {
		client, err := pulsarutils.NewPulsarClient(c.config.Pulsar)
		if err != nil {
			return nil, errors.WithMessage(err, "error creating pulsar client")
		}
		c.pulsarClient = client
		c.closers = append(c.closers, client.Close)
	}
	return c.pulsarClient, nil
}

// close releases shared clients in the reverse order of creation
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
