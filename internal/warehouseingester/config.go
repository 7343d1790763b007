package warehouseingester

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/logging"
	"github.com/datahaul/datahaul/internal/warehouseingester/store"
)

const (
	SourceKafka  = "kafka"
	SourcePulsar = "pulsar"

	TransportKafka  = "kafka"
	TransportPulsar = "pulsar"
	TransportRedis  = "redis"

	SinkPostgres = "postgres"
	SinkS3       = "s3"
)

type Configuration struct {
	Logging logging.Config
	// Metrics Port
	MetricsPort uint16
	// Message bus all pipelines consume from, either kafka or pulsar
	Source string `validate:"oneof=kafka pulsar"`
	// Kafka (or Redpanda) brokers.  Required if either the source or the dead letter transport is kafka
	Kafka *config.KafkaConfig
	// Required if either the source or the dead letter transport is pulsar
	Pulsar *config.PulsarConfig
	// Required if the dead letter transport is redis
	Redis *config.RedisConfig
	// Database configuration.  Required if any pipeline writes to postgres
	Postgres *config.PostgresConfig
	// Object store for the parquet archive.  Required if any pipeline writes to s3
	S3 *config.S3Config
	// Where unprocessable events go
	DeadLetter DeadLetterConfig
	// Retry settings for pipelines that do not set their own
	Retry ingest.RetryConfig
	// What pipelines that do not set their own policy do once a flush has exhausted its retries
	OnRetriesExhausted ingest.ExhaustedPolicy `validate:"omitempty,oneof=fail deadletter"`
	// Maximum time pipelines are given to drain on shutdown
	ShutdownTimeout time.Duration `validate:"gt=0"`
	// How often pipeline status is logged.  Zero disables status logging
	StatusInterval time.Duration `validate:"gte=0"`
	// The pipelines to run
	Pipelines []PipelineConfig `validate:"required,min=1,dive"`
}

type DeadLetterConfig struct {
	// One of kafka, pulsar or redis
	Transport string `validate:"oneof=kafka pulsar redis"`
	// Default topic or stream for pipelines that do not set their own
	Channel string `validate:"required"`
	// Maximum time a single publish may take
	Timeout time.Duration `validate:"gte=0"`
	// If positive, redis streams are trimmed to approximately this many entries
	StreamMaxLen int64 `validate:"gte=0"`
}

type PipelineConfig struct {
	ingest.Config `mapstructure:",squash"`
	// Either postgres or s3
	Sink string `validate:"oneof=postgres s3"`
	// Table written by the postgres sink
	Table string
}

// ApplyDefaults fills in pipeline settings left unset from the top level configuration
func (c *Configuration) ApplyDefaults() {
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Retry == (ingest.RetryConfig{}) {
			p.Retry = c.Retry
		}
		if p.OnRetriesExhausted == "" {
			p.OnRetriesExhausted = c.OnRetriesExhausted
		}
		if p.DeadLetterChannel == "" {
			p.DeadLetterChannel = c.DeadLetter.Channel
		}
		if p.DeadLetterTimeout == 0 {
			p.DeadLetterTimeout = c.DeadLetter.Timeout
		}
	}
}

// Validate checks struct tags and then the requirements that depend on which transports and sinks are in use
func (c Configuration) Validate() error {
	if err := config.Validate(c); err != nil {
		return err
	}

	var result *multierror.Error
	uses := func(transport string) bool {
		return c.Source == transport || c.DeadLetter.Transport == transport
	}
	if uses(SourceKafka) && c.Kafka == nil {
		result = multierror.Append(result, errors.New("kafka configuration is required"))
	}
	if uses(SourcePulsar) && c.Pulsar == nil {
		result = multierror.Append(result, errors.New("pulsar configuration is required"))
	}
	if c.DeadLetter.Transport == TransportRedis && c.Redis == nil {
		result = multierror.Append(result, errors.New("redis configuration is required"))
	}

	names := map[string]bool{}
	for _, p := range c.Pipelines {
		if names[p.Name] {
			result = multierror.Append(result, errors.Errorf("pipeline name %s is used more than once", p.Name))
		}
		names[p.Name] = true
		switch p.Sink {
		case SinkPostgres:
			if c.Postgres == nil {
				result = multierror.Append(result, errors.Errorf("pipeline %s writes to postgres but postgres is not configured", p.Name))
			}
			if _, err := store.TableByName(p.Table); err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "pipeline %s", p.Name))
			}
		case SinkS3:
			if c.S3 == nil {
				result = multierror.Append(result, errors.Errorf("pipeline %s writes to s3 but s3 is not configured", p.Name))
			}
		}
	}
	return result.ErrorOrNil()
}
